package chatwit

import (
	"context"
	"errors"

	"github.com/witroch4/chatwit/config"
	"github.com/witroch4/chatwit/types"
)

var ErrNoBackend = errors.New("a backend is required: see config.WithBackend(...)")

// Dispatcher is the API of every dispatcher backend
type Dispatcher = types.Backend

// New creates a new Dispatcher for starting queue handlers and enqueueing jobs
//
// The backend is chosen with [config.WithBackend]; every other option is passed along to the backend initializer.
func New(ctx context.Context, opts ...config.Option) (d Dispatcher, err error) {
	c := config.New()
	for _, opt := range opts {
		opt(c)
	}

	if c.BackendInitializer == nil {
		return nil, ErrNoBackend
	}

	d, err = c.BackendInitializer(ctx, opts...)
	if err != nil {
		return
	}

	return
}
