package testutils

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TestLogger is a logging.Logger that records every message it is given
type TestLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *TestLogger) Info(m string, args ...any)  { l.record("INFO", m, args) }
func (l *TestLogger) Debug(m string, args ...any) { l.record("DEBUG", m, args) }
func (l *TestLogger) Error(m string, args ...any) { l.record("ERROR", m, args) }

func (l *TestLogger) record(level, m string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s %v", level, m, args))
}

// Lines returns the recorded messages
func (l *TestLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// WaitFor waits until a message containing substr has been recorded
func (l *TestLogger) WaitFor(substr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, line := range l.Lines() {
			if strings.Contains(line, substr) {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	return false
}
