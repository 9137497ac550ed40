package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const (
	DefaultHandlerDeadline = 30 * time.Second
)

var (
	ErrNoHandlerForQueue   = errors.New("no handler for queue")
	ErrNoProcessorForQueue = errors.New("no processor configured for queue")
	ErrJobPanicked         = errors.New("job handler panicked")
)

// Func is a function that Handlers execute for every Job on a queue
type Func func(ctx context.Context) error

// RecoveryCallback is called with the recovered value whenever a handler panics
type RecoveryCallback func(ctx context.Context, err error) error

// Handler handles jobs on a queue
type Handler struct {
	Queue           string
	Handle          Func
	Concurrency     int
	Deadline        time.Duration
	QueueCapacity   int64
	RecoverCallback RecoveryCallback
}

// Option configures a Handler
type Option func(h *Handler)

// WithOptions applies opts to h
func (h *Handler) WithOptions(opts ...Option) {
	for _, opt := range opts {
		opt(h)
	}
}

// Deadline limits how long the handler's Func may run for a single job. A job that overruns it fails and is retried
// like any other failure.
func Deadline(d time.Duration) Option {
	return func(h *Handler) {
		h.Deadline = d
	}
}

// Concurrency sets the number of jobs the handler processes at once, one fewer than NumCPU by default
func Concurrency(c int) Option {
	return func(h *Handler) {
		h.Concurrency = c
	}
}

// MaxQueueCapacity bounds the number of due jobs buffered for the handler; Enqueue blocks while the buffer is full
func MaxQueueCapacity(capacity int64) Option {
	return func(h *Handler) {
		h.QueueCapacity = capacity
	}
}

// New creates a new queue handler
func New(queue string, f Func, opts ...Option) (h Handler) {
	h = Handler{
		Queue:  queue,
		Handle: f,
	}

	h.WithOptions(opts...)

	if h.Concurrency < 1 {
		h.Concurrency = max(runtime.NumCPU()-1, 1)
	}

	if h.Deadline == 0 {
		h.Deadline = DefaultHandlerDeadline
	}

	return
}

// Exec runs the handler's Func for the job in ctx under the handler's deadline. Panics are returned as errors wrapping
// ErrJobPanicked.
func Exec(ctx context.Context, handler Handler) (err error) {
	deadlineCtx, cancel := context.WithDeadline(ctx, time.Now().Add(handler.Deadline))
	defer cancel()

	var errCh = make(chan error, 1)
	go func(ctx context.Context) {
		defer func() {
			if x := recover(); x != nil {
				perr := fmt.Errorf("%w: %v\n%s", ErrJobPanicked, x, debug.Stack())
				if handler.RecoverCallback != nil {
					if cbErr := handler.RecoverCallback(ctx, perr); cbErr != nil {
						perr = cbErr
					}
				}
				errCh <- perr
			}
		}()

		errCh <- handler.Handle(ctx)
	}(deadlineCtx)

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("job failed to process: %w", err)
		}

	case <-deadlineCtx.Done():
		ctxErr := deadlineCtx.Err()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("job exceeded its %s deadline: %w", handler.Deadline, ctxErr)
		} else if errors.Is(ctxErr, context.Canceled) {
			err = ctxErr
		} else {
			err = fmt.Errorf("job failed to process: %w", ctxErr)
		}
	}

	return
}
