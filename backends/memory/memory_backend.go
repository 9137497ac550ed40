package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guregu/null"
	"github.com/robfig/cron"
	"github.com/witroch4/chatwit/config"
	"github.com/witroch4/chatwit/handler"
	"github.com/witroch4/chatwit/internal"
	"github.com/witroch4/chatwit/jobs"
	"github.com/witroch4/chatwit/logging"
	"github.com/witroch4/chatwit/types"
	"golang.org/x/exp/slog"
)

const (
	defaultMemQueueCapacity = 10000 // the default capacity of individual queues
	emptyCapacity           = 0
)

// futureJob is the timer of a job waiting on its RunAfter
type futureJob struct {
	timer *time.Timer
}

// MemBackend is a memory-backed dispatcher backend
//
// Jobs do not survive restarts. Callers that need durability re-enqueue their work at startup; duplicate
// fingerprints make that idempotent.
type MemBackend struct {
	types.Backend
	ctx          context.Context
	config       *config.Config
	logger       logging.Logger
	handlers     *sync.Map // map queue names [string] to queue handlers [handler.Handler]
	queues       *sync.Map // map queue names [string] to job channels [chan *jobs.Job]
	fingerprints *sync.Map // map fingerprints [string] to unprocessed jobs [*jobs.Job]
	futureJobs   *sync.Map // map fingerprints [string] to waiting jobs [*futureJob]
	deadJobs     *sync.Map // map fingerprints [string] to dead jobs [*jobs.Job]
	cron         *cron.Cron
	mu           *sync.Mutex          // mutex to protect mutating state on a MemBackend
	cancelFuncs  []context.CancelFunc // A collection of cancel functions to be called upon Shutdown()
	jobCount     int64                // number of jobs that have been queued since start
}

// Backend is a [config.BackendInitializer] that initializes a new memory-backed backend
func Backend(ctx context.Context, opts ...config.Option) (backend types.Backend, err error) {
	mb := &MemBackend{
		config:       config.New(),
		cron:         cron.New(),
		mu:           &sync.Mutex{},
		handlers:     &sync.Map{},
		queues:       &sync.Map{},
		futureJobs:   &sync.Map{},
		fingerprints: &sync.Map{},
		deadJobs:     &sync.Map{},
		jobCount:     0,
		cancelFuncs:  []context.CancelFunc{},
	}

	for _, opt := range opts {
		opt(mb.config)
	}

	mb.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: mb.config.LogLevel}))

	var cancel context.CancelFunc
	mb.ctx, cancel = context.WithCancel(ctx)
	mb.cancelFuncs = append(mb.cancelFuncs, cancel)

	mb.cron.Start()

	backend = mb

	return
}

// Enqueue queues jobs to be executed asynchronously
func (m *MemBackend) Enqueue(ctx context.Context, job *jobs.Job) (jobID string, err error) {
	if job.Queue == "" {
		return jobs.UnqueuedJobID, jobs.ErrNoQueueSpecified
	}

	if _, ok := m.queues.Load(job.Queue); !ok {
		return jobs.UnqueuedJobID, fmt.Errorf("%w: %s", handler.ErrNoProcessorForQueue, job.Queue)
	}

	// Make sure RunAfter is set to a non-zero value if not provided by the caller
	// if already set, schedule the future job
	if job.RunAfter.IsZero() {
		job.RunAfter = time.Now()
	}

	err = jobs.FingerprintJob(job)
	if err != nil {
		return
	}

	job.Status = jobs.StatusNew
	job.CreatedAt = time.Now()
	job.ID = atomic.AddInt64(&m.jobCount, 1)

	// if the job fingerprint is already known, don't queue the job
	if _, found := m.fingerprints.LoadOrStore(job.Fingerprint, job); found {
		m.logger.Debug("duplicate job fingerprint", "fingerprint", job.Fingerprint)
		return jobs.DuplicateJobID, jobs.ErrDuplicateJob
	}

	jobID = fmt.Sprint(job.ID)

	m.logger.Debug("job added to queue", "job_id", jobID, "queue", job.Queue, "run_after", job.RunAfter)
	m.schedule(ctx, job)

	return jobID, nil
}

// Cancel removes the unprocessed job with the given fingerprint
func (m *MemBackend) Cancel(_ context.Context, fingerprint string) (err error) {
	if _, ok := m.fingerprints.LoadAndDelete(fingerprint); !ok {
		return jobs.ErrJobNotFound
	}

	m.stopFutureJob(fingerprint)
	m.logger.Debug("job cancelled", "fingerprint", fingerprint)

	return nil
}

// Reschedule moves the unprocessed job with the given fingerprint to run after runAfter
//
// The job is replaced by a copy with the new RunAfter. Workers skip the original if it is already waiting on its
// queue.
func (m *MemBackend) Reschedule(ctx context.Context, fingerprint string, runAfter time.Time) (err error) {
	v, ok := m.fingerprints.Load(fingerprint)
	if !ok {
		return jobs.ErrJobNotFound
	}

	old := v.(*jobs.Job)
	job := *old
	job.RunAfter = runAfter
	if !m.fingerprints.CompareAndSwap(fingerprint, old, &job) {
		return jobs.ErrJobNotFound
	}

	m.stopFutureJob(fingerprint)
	m.logger.Debug("job rescheduled", "fingerprint", fingerprint, "run_after", runAfter)
	m.schedule(ctx, &job)

	return nil
}

// Start starts processing jobs with the specified queue and handler
func (m *MemBackend) Start(ctx context.Context, h handler.Handler) (err error) {
	if h.Queue == "" {
		return jobs.ErrNoQueueSpecified
	}

	var queueCapacity = h.QueueCapacity
	if queueCapacity == emptyCapacity {
		queueCapacity = defaultMemQueueCapacity
	}

	if h.RecoverCallback == nil {
		h.RecoverCallback = m.config.RecoveryCallback
	}

	ch := make(chan *jobs.Job, queueCapacity)
	if _, loaded := m.queues.LoadOrStore(h.Queue, ch); loaded {
		return fmt.Errorf("queue '%s' already has a handler", h.Queue)
	}
	m.handlers.Store(h.Queue, h)

	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancelFuncs = append(m.cancelFuncs, cancel)
	m.mu.Unlock()

	m.start(ctx, ch, h)

	return
}

// StartCron starts processing jobs with the specified cron schedule and handler
//
// See: https://pkg.go.dev/github.com/robfig/cron?#hdr-CRON_Expression_Format for details on the cron spec format
func (m *MemBackend) StartCron(ctx context.Context, cronSpec string, h handler.Handler) (err error) {
	queue, err := internal.CronQueueName(cronSpec)
	if err != nil {
		return err
	}

	h.Queue = queue

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelFuncs = append(m.cancelFuncs, cancel)
	m.mu.Unlock()

	err = m.Start(ctx, h)
	if err != nil {
		return fmt.Errorf("error processing queue '%s': %w", queue, err)
	}

	if err := m.cron.AddFunc(cronSpec, func() {
		_, err := m.Enqueue(ctx, &jobs.Job{Queue: queue})
		if err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
			m.logger.Error("error queueing cron job", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("error adding cron: %w", err)
	}

	return
}

// DeadJobs lists the dead jobs on a queue, oldest first
func (m *MemBackend) DeadJobs(_ context.Context, queue string) (deadJobs []*jobs.Job, err error) {
	m.deadJobs.Range(func(_, v any) bool {
		job := v.(*jobs.Job)
		if job.Queue == queue {
			deadJobs = append(deadJobs, job)
		}
		return true
	})

	sort.Slice(deadJobs, func(i, j int) bool { return deadJobs[i].ID < deadJobs[j].ID })

	return
}

// ReplayDeadJob puts the dead job with the given fingerprint back on its queue with its retries reset
func (m *MemBackend) ReplayDeadJob(ctx context.Context, fingerprint string) (err error) {
	v, ok := m.deadJobs.LoadAndDelete(fingerprint)
	if !ok {
		return jobs.ErrDeadJobNotFound
	}

	dead := v.(*jobs.Job)
	job := &jobs.Job{
		ID:          atomic.AddInt64(&m.jobCount, 1),
		Fingerprint: dead.Fingerprint,
		Status:      jobs.StatusNew,
		Queue:       dead.Queue,
		Payload:     dead.Payload,
		RunAfter:    time.Now(),
		MaxRetries:  dead.MaxRetries,
		CreatedAt:   time.Now(),
	}

	if _, found := m.fingerprints.LoadOrStore(fingerprint, job); found {
		m.deadJobs.Store(fingerprint, dead)
		return jobs.ErrDuplicateJob
	}

	m.logger.Debug("replaying dead job", "fingerprint", fingerprint, "queue", job.Queue)
	m.schedule(ctx, job)

	return nil
}

// SetLogger sets this backend's logger
func (m *MemBackend) SetLogger(logger logging.Logger) {
	m.logger = logger
}

// Shutdown halts the worker
func (m *MemBackend) Shutdown(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.cancelFuncs {
		f()
	}

	m.futureJobs.Range(func(k, v any) bool {
		v.(*futureJob).timer.Stop()
		m.futureJobs.Delete(k)
		return true
	})

	m.cron.Stop()
	m.cancelFuncs = nil
}

// start starts a processor that handles new incoming jobs and future jobs
func (m *MemBackend) start(ctx context.Context, ch chan *jobs.Job, h handler.Handler) {
	for i := 0; i < h.Concurrency; i++ {
		go func() {
			var job *jobs.Job

			for {
				select {
				case job = <-ch:
				case <-ctx.Done():
					return
				}

				// jobs that were cancelled or rescheduled while waiting on the queue are no longer current
				if !m.isCurrent(job) {
					m.logger.Debug("skipping job that is no longer current", "job_id", job.ID, "fingerprint", job.Fingerprint)
					continue
				}

				m.handleJob(ctx, job, h)
			}
		}()
	}
}

// handleJob runs job. Jobs stored in fingerprints are never mutated: the handler runs against a copy, and a retry
// replaces the stored job with that copy, so Cancel and Reschedule may read the stored job at any time.
func (m *MemBackend) handleJob(ctx context.Context, job *jobs.Job, h handler.Handler) {
	if job.PastDeadline() {
		m.logger.Debug("job deadline is in the past, skipping", "job_id", job.ID)
		m.moveToDeadQueue(job, *job, jobs.ErrJobExceededDeadline)
		return
	}

	run := *job
	run.RanAt = null.TimeFrom(time.Now())

	err := handler.Exec(jobs.WithJobContext(ctx, &run), h)
	if err == nil {
		m.fingerprints.CompareAndDelete(job.Fingerprint, job)
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	m.logger.Error("job failed", "error", err, "job_id", job.ID)

	if run.Exhausted() {
		m.moveToDeadQueue(job, run, err)
		return
	}

	run.Status = jobs.StatusFailed
	run.Error = null.StringFrom(err.Error())
	run.Retries++
	run.RunAfter = time.Now().Add(m.config.Backoff(run.Retries))

	// a job cancelled or rescheduled while it ran stays that way
	if !m.fingerprints.CompareAndSwap(job.Fingerprint, job, &run) {
		return
	}

	m.schedule(ctx, &run)
}

// schedule sends due jobs to their queue and gives future jobs a timer that fires on RunAfter
func (m *MemBackend) schedule(ctx context.Context, job *jobs.Job) {
	wait := time.Until(job.RunAfter)
	if wait <= 0 {
		m.announce(ctx, job)
		return
	}

	// the timer must be stored before its callback looks itself up
	m.mu.Lock()
	defer m.mu.Unlock()

	fj := &futureJob{}
	fj.timer = time.AfterFunc(wait, func() {
		m.mu.Lock()
		current := m.futureJobs.CompareAndDelete(job.Fingerprint, fj)
		m.mu.Unlock()
		if !current {
			return
		}
		m.announce(m.ctx, job)
	})
	m.futureJobs.Store(job.Fingerprint, fj)
}

// announce sends a job to its queue's workers, blocking while the queue is at capacity
func (m *MemBackend) announce(ctx context.Context, job *jobs.Job) {
	v, ok := m.queues.Load(job.Queue)
	if !ok {
		m.logger.Error(fmt.Sprintf("no queue processor for queue '%s'", job.Queue), "error", handler.ErrNoHandlerForQueue)
		return
	}

	select {
	case v.(chan *jobs.Job) <- job:
	case <-ctx.Done():
	case <-m.ctx.Done():
	}
}

// moveToDeadQueue takes the stored job out of circulation and records dead, its final state, in the dead jobs queue
func (m *MemBackend) moveToDeadQueue(stored *jobs.Job, dead jobs.Job, jobErr error) {
	if !m.fingerprints.CompareAndDelete(stored.Fingerprint, stored) {
		return
	}

	dead.Status = jobs.StatusFailed
	dead.Error = null.StringFrom(jobErr.Error())
	m.deadJobs.Store(dead.Fingerprint, &dead)
	m.logger.Info("job moved to the dead jobs queue", "job_id", dead.ID, "fingerprint", dead.Fingerprint)
}

// stopFutureJob stops the timer of a future job, if it has one
func (m *MemBackend) stopFutureJob(fingerprint string) {
	if v, ok := m.futureJobs.LoadAndDelete(fingerprint); ok {
		v.(*futureJob).timer.Stop()
	}
}

func (m *MemBackend) isCurrent(job *jobs.Job) bool {
	v, ok := m.fingerprints.Load(job.Fingerprint)
	return ok && v.(*jobs.Job) == job
}
