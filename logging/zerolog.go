package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface so that backends log through the daemon's
// configured sink
type ZerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger returns a Logger that writes to l
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{l: l}
}

func (z *ZerologLogger) Debug(msg string, args ...any) { fields(z.l.Debug(), args).Msg(msg) }
func (z *ZerologLogger) Info(msg string, args ...any)  { fields(z.l.Info(), args).Msg(msg) }
func (z *ZerologLogger) Error(msg string, args ...any) { fields(z.l.Error(), args).Msg(msg) }

// fields applies slog-style alternating key/value args to e. Errors passed without a key are logged under
// "error", and a dangling value is logged under "!BADKEY", as slog does.
func fields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i++ {
		switch v := args[i].(type) {
		case error:
			e = e.AnErr("error", v)
		case string:
			if i+1 >= len(args) {
				e = e.Str("!BADKEY", v)
				continue
			}
			val := args[i+1]
			i++
			if err, ok := val.(error); ok {
				e = e.AnErr(v, err)
				continue
			}
			e = e.Interface(v, val)
		default:
			e = e.Str("!BADKEY", fmt.Sprint(v))
		}
	}

	return e
}
