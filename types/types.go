package types

import (
	"context"
	"time"

	"github.com/witroch4/chatwit/handler"
	"github.com/witroch4/chatwit/jobs"
	"github.com/witroch4/chatwit/logging"
)

// Backend interface is the dispatcher's primary API
//
// Backend is implemented by:
//   - [pkg/github.com/witroch4/chatwit/backends/memory.MemBackend]
//   - [pkg/github.com/witroch4/chatwit/backends/postgres.PgBackend]
//   - [pkg/github.com/witroch4/chatwit/backends/redis.RedisBackend]
type Backend interface {
	// Enqueue queues jobs to be executed asynchronously
	Enqueue(ctx context.Context, job *jobs.Job) (jobID string, err error)

	// Cancel removes the unprocessed job with the given fingerprint from its queue
	Cancel(ctx context.Context, fingerprint string) (err error)

	// Reschedule moves the unprocessed job with the given fingerprint to a new RunAfter
	Reschedule(ctx context.Context, fingerprint string, runAfter time.Time) (err error)

	// Start starts processing jobs with the specified queue and handler
	Start(ctx context.Context, h handler.Handler) (err error)

	// StartCron starts processing jobs with the specified cron schedule and handler
	//
	// See: https://pkg.go.dev/github.com/robfig/cron?#hdr-CRON_Expression_Format for details on the cron spec format
	StartCron(ctx context.Context, cron string, h handler.Handler) (err error)

	// DeadJobs lists the jobs on a queue that exhausted their retries or missed their deadline
	DeadJobs(ctx context.Context, queue string) (deadJobs []*jobs.Job, err error)

	// ReplayDeadJob moves the most recent dead job with the given fingerprint back onto its queue
	ReplayDeadJob(ctx context.Context, fingerprint string) (err error)

	// SetLogger sets the backend logger
	SetLogger(logger logging.Logger)

	// Shutdown halts job processing and releases resources
	Shutdown(ctx context.Context)
}
