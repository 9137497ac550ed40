package publish

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an Agendamento
type Status string

// Recurrence is how often an Agendamento repeats after it is published
type Recurrence string

const (
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	RecurrenceNone   Recurrence = "none"
	RecurrenceDaily  Recurrence = "daily"
	RecurrenceWeekly Recurrence = "weekly"

	MediaImage = "image"
	MediaVideo = "video"
)

var (
	ErrValidation   = errors.New("invalid agendamento")
	ErrNotFound     = errors.New("agendamento not found")
	ErrNotScheduled = errors.New("agendamento is not scheduled")
	ErrNotFailed    = errors.New("only failed agendamentos can be retried")

	// ErrNotEnqueued is returned when an agendamento was stored but its publish job could not be enqueued. The
	// agendamento stays scheduled and Reconcile enqueues its job once it comes within the reconcile horizon.
	ErrNotEnqueued = errors.New("agendamento stored but its publish job was not enqueued")
)

// Media is a single image or video attached to a post
type Media struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// Targets are the surfaces of the account that a post is published to
type Targets struct {
	Feed  bool `json:"feed"`
	Story bool `json:"story"`
	Reel  bool `json:"reel"`
}

// Any reports whether at least one target is selected
func (t Targets) Any() bool {
	return t.Feed || t.Story || t.Reel
}

// Agendamento is a social media post scheduled for publication at ScheduledAt
//
// JobKey is the fingerprint of the publish job that currently represents the record. A publish job whose fingerprint
// differs from the record's JobKey is stale and is ignored.
type Agendamento struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	AccountID   string     `json:"account_id"`
	Caption     string     `json:"caption"`
	Media       []Media    `json:"media"`
	Targets     Targets    `json:"targets"`
	Recurrence  Recurrence `json:"recurrence"`
	Randomize   bool       `json:"randomize"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      Status     `json:"status"`
	JobKey      string     `json:"job_key"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ExternalID  string     `json:"external_id,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks that the agendamento can be scheduled
func (a *Agendamento) Validate() error {
	switch {
	case a.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	case a.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrValidation)
	case len(a.Media) == 0:
		return fmt.Errorf("%w: at least one media item is required", ErrValidation)
	case !a.Targets.Any():
		return fmt.Errorf("%w: at least one of feed, story or reel must be targeted", ErrValidation)
	case a.ScheduledAt.IsZero():
		return fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}

	for i, m := range a.Media {
		if m.URL == "" {
			return fmt.Errorf("%w: media[%d] has no url", ErrValidation, i)
		}
		if m.Kind != MediaImage && m.Kind != MediaVideo {
			return fmt.Errorf("%w: media[%d] kind must be %q or %q", ErrValidation, i, MediaImage, MediaVideo)
		}
	}

	switch a.Recurrence {
	case "", RecurrenceNone, RecurrenceDaily, RecurrenceWeekly:
	default:
		return fmt.Errorf("%w: unknown recurrence %q", ErrValidation, a.Recurrence)
	}

	return nil
}

// Interval is the time between occurrences of a recurring agendamento, zero when it does not recur
func (r Recurrence) Interval() time.Duration {
	switch r {
	case RecurrenceDaily:
		return 24 * time.Hour
	case RecurrenceWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// JobKey is the fingerprint of the publish job of agendamento id at time at
func JobKey(id string, at time.Time) string {
	return fmt.Sprintf("agendamento:%s:%d", id, at.Unix())
}

// Patch holds the fields of an Agendamento that a user may change; nil fields are left untouched
type Patch struct {
	AccountID   *string     `json:"account_id,omitempty"`
	Caption     *string     `json:"caption,omitempty"`
	Media       *[]Media    `json:"media,omitempty"`
	Targets     *Targets    `json:"targets,omitempty"`
	Recurrence  *Recurrence `json:"recurrence,omitempty"`
	Randomize   *bool       `json:"randomize,omitempty"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
}

// Apply copies the patch's fields onto a
func (p Patch) Apply(a *Agendamento) {
	if p.AccountID != nil {
		a.AccountID = *p.AccountID
	}
	if p.Caption != nil {
		a.Caption = *p.Caption
	}
	if p.Media != nil {
		a.Media = *p.Media
	}
	if p.Targets != nil {
		a.Targets = *p.Targets
	}
	if p.Recurrence != nil {
		a.Recurrence = *p.Recurrence
	}
	if p.Randomize != nil {
		a.Randomize = *p.Randomize
	}
	if p.ScheduledAt != nil {
		a.ScheduledAt = *p.ScheduledAt
	}
}
