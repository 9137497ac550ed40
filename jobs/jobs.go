package jobs

import (
	"context"
	"crypto/md5" // nolint: gosec
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/guregu/null"
)

type contextKey struct{}

var (
	// JobCtxVarKey is the context key under which backends store the job being handled
	JobCtxVarKey contextKey

	ErrContextHasNoJob       = errors.New("context has no Job")
	ErrNoQueueSpecified      = errors.New("this job does not specify a Queue. Please specify a queue")
	ErrDuplicateJob          = errors.New("an unprocessed job with this fingerprint is already queued")
	ErrJobNotFound           = errors.New("no unprocessed job with this fingerprint")
	ErrDeadJobNotFound       = errors.New("no dead job with this fingerprint")
	ErrJobExceededDeadline   = errors.New("the job did not complete before its deadline")
	ErrJobExceededMaxRetries = errors.New("job exceeded its maximum number of retries")
	ErrJobTimeout            = errors.New("timed out waiting for job(s)")
)

const (
	DuplicateJobID = "-1"
	UnqueuedJobID  = "-2"

	StatusNew       = "new"
	StatusProcessed = "processed"
	StatusFailed    = "failed"

	// DefaultMaxRetries is the number of retries a job gets when it does not set MaxRetries
	DefaultMaxRetries = 23
)

// Job contains all the data pertaining to jobs
//
// Jobs are what are placed on queues for processing.
//
// The Fingerprint field is the job's unique key. It can be supplied by the user to control deduplication and to
// later Cancel, Reschedule or replay the job. At most one unprocessed job may exist per fingerprint.
type Job struct {
	ID          int64          `db:"id"`
	Fingerprint string         `db:"fingerprint"` // A md5 sum of the job's queue + payload, or a user supplied key
	Status      string         `db:"status"`      // The status of the job
	Queue       string         `db:"queue"`       // The queue the job is on
	Payload     map[string]any `db:"payload"`     // JSON job payload for more complex jobs
	RunAfter    time.Time      `db:"run_after"`   // The time after which the job is elligible to be picked up by a worker
	Deadline    *time.Time     `db:"deadline"`    // The time after which the job is dead-lettered instead of run
	RanAt       null.Time      `db:"ran_at"`      // The last time the job ran
	Error       null.String    `db:"error"`       // The last error the job elicited
	Retries     int            `db:"retries"`     // The number of times the job has retried
	MaxRetries  *int           `db:"max_retries"` // The maximum number of times the job can retry
	CreatedAt   time.Time      `db:"created_at"`  // The time the job was created
}

// MaxRetriesOrDefault returns the job's retry ceiling, falling back to DefaultMaxRetries
func (j *Job) MaxRetriesOrDefault() int {
	if j.MaxRetries == nil {
		return DefaultMaxRetries
	}

	return *j.MaxRetries
}

// Exhausted reports whether a failure at the job's current retry count sends it to the dead jobs queue
func (j *Job) Exhausted() bool {
	return j.Retries >= j.MaxRetriesOrDefault()
}

// PastDeadline reports whether the job has a deadline that is already behind us
func (j *Job) PastDeadline() bool {
	return j.Deadline != nil && !j.Deadline.IsZero() && j.Deadline.Before(time.Now())
}

// FingerprintJob fingerprints jobs as an md5 hash of its queue combined with its JSON-serialized payload
func FingerprintJob(j *Job) (err error) {
	// only generate a fingerprint if the job is not already fingerprinted
	if j.Fingerprint != "" {
		return
	}

	var js []byte
	js, err = json.Marshal(j.Payload)
	if err != nil {
		return
	}
	h := md5.New() // nolint: gosec
	_, err = io.WriteString(h, j.Queue)
	if err != nil {
		return
	}

	_, err = h.Write(js)
	if err != nil {
		return
	}

	j.Fingerprint = fmt.Sprintf("%x", h.Sum(nil))

	return
}

// WithJobContext creates a new context with the Job set
func WithJobContext(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, JobCtxVarKey, j)
}

// FromContext fetches the job from a context if the job context variable is already set
func FromContext(ctx context.Context) (j *Job, err error) {
	var ok bool
	if j, ok = ctx.Value(JobCtxVarKey).(*Job); ok {
		return
	}

	return nil, ErrContextHasNoJob
}
