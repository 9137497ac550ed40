package publish

import (
	"context"
	"time"
)

// Store persists agendamentos
//
// Reads and writes on behalf of a user are scoped by user ID; records of other users are reported as ErrNotFound.
type Store interface {
	Create(ctx context.Context, a *Agendamento) error
	Get(ctx context.Context, userID, id string) (*Agendamento, error)
	List(ctx context.Context, userID string) ([]*Agendamento, error)
	// ListDue lists the scheduled agendamentos of every user that are due at or before before
	ListDue(ctx context.Context, before time.Time) ([]*Agendamento, error)
	Update(ctx context.Context, a *Agendamento) error
	Delete(ctx context.Context, userID, id string) error
}

// Result is what a Publisher reports about a published post
type Result struct {
	ExternalID string `json:"external_id"`
	Permalink  string `json:"permalink,omitempty"`
}

// Publisher publishes the given media of an agendamento to its account
type Publisher interface {
	Publish(ctx context.Context, a *Agendamento, media []Media) (Result, error)
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(ctx context.Context, a *Agendamento, media []Media) (Result, error)

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, a *Agendamento, media []Media) (Result, error) {
	return f(ctx, a, media)
}
