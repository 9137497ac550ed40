package publish

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/witroch4/chatwit/handler"
	"github.com/witroch4/chatwit/jobs"
	"github.com/witroch4/chatwit/logging"
	"github.com/witroch4/chatwit/types"
	"golang.org/x/exp/slog"
)

const (
	// Queue is the queue that publish jobs are placed on
	Queue = "publish_agendamento"

	DefaultMaxRetries       = 5
	DefaultReconcileSpec    = "0 */5 * * * *"
	DefaultReconcileHorizon = 10 * time.Minute
	DefaultPublishDeadline  = 2 * time.Minute

	payloadAgendamentoID = "agendamento_id"
	payloadUserID        = "user_id"
)

// Scheduler keeps the publish jobs of the dispatcher in step with the agendamentos in the store
type Scheduler struct {
	store       Store
	dispatcher  types.Backend
	publisher   Publisher
	logger      logging.Logger
	maxRetries  int
	staleAfter  time.Duration
	horizon     time.Duration
	cronSpec    string
	deadline    time.Duration
	concurrency int
	now         func() time.Time
}

// Option configures a Scheduler
type Option func(s *Scheduler)

// WithLogger sets the scheduler's logger
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMaxRetries sets how many times a failed publish is retried before the agendamento is marked failed
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		s.maxRetries = n
	}
}

// WithStaleAfter keeps posts from being published more than d after their scheduled time. Zero disables the limit.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) {
		s.staleAfter = d
	}
}

// WithReconcile sets the cron spec on which Reconcile runs and how far ahead of now it enqueues due agendamentos
func WithReconcile(cronSpec string, horizon time.Duration) Option {
	return func(s *Scheduler) {
		s.cronSpec = cronSpec
		s.horizon = horizon
	}
}

// WithPublishDeadline sets how long a single publish attempt may run
func WithPublishDeadline(d time.Duration) Option {
	return func(s *Scheduler) {
		s.deadline = d
	}
}

// WithConcurrency sets the number of agendamentos published at once
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.concurrency = n
	}
}

// NewScheduler creates a scheduler that publishes the agendamentos of store through publisher
func NewScheduler(store Store, dispatcher types.Backend, publisher Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		maxRetries: DefaultMaxRetries,
		horizon:    DefaultReconcileHorizon,
		cronSpec:   DefaultReconcileSpec,
		deadline:   DefaultPublishDeadline,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logging.LogLevelInfo}))
	}

	return s
}

// Start starts the publish handler and the periodic reconciliation of the store with the dispatcher
func (s *Scheduler) Start(ctx context.Context) (err error) {
	opts := []handler.Option{handler.Deadline(s.deadline)}
	if s.concurrency > 0 {
		opts = append(opts, handler.Concurrency(s.concurrency))
	}

	if err = s.dispatcher.Start(ctx, handler.New(Queue, s.Handle, opts...)); err != nil {
		return fmt.Errorf("unable to start publish handler: %w", err)
	}

	reconcile := handler.New("", func(ctx context.Context) error {
		_, err := s.Reconcile(ctx)
		return err
	}, handler.Concurrency(1))

	if err = s.dispatcher.StartCron(ctx, s.cronSpec, reconcile); err != nil {
		return fmt.Errorf("unable to start reconciliation: %w", err)
	}

	return nil
}

// Schedule stores a new agendamento and enqueues its publish job
//
// The agendamento is stored first. If its job cannot be enqueued, Schedule returns an error wrapping ErrNotEnqueued
// and a holds the stored record.
func (s *Scheduler) Schedule(ctx context.Context, a *Agendamento) (err error) {
	if err = a.Validate(); err != nil {
		return
	}

	now := s.now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Recurrence == "" {
		a.Recurrence = RecurrenceNone
	}
	a.Status = StatusScheduled
	a.JobKey = JobKey(a.ID, a.ScheduledAt)
	a.Attempts = 0
	a.LastError = ""
	a.PublishedAt = nil
	a.CreatedAt = now
	a.UpdatedAt = now

	if err = s.store.Create(ctx, a); err != nil {
		return fmt.Errorf("unable to store agendamento: %w", err)
	}

	if err = s.enqueue(ctx, a, a.ScheduledAt); err != nil {
		return
	}

	s.logger.Info("agendamento scheduled", "agendamento_id", a.ID, "user_id", a.UserID, "scheduled_at", a.ScheduledAt)

	return nil
}

// Get fetches one of the user's agendamentos
func (s *Scheduler) Get(ctx context.Context, userID, id string) (*Agendamento, error) {
	return s.store.Get(ctx, userID, id)
}

// List lists the user's agendamentos
func (s *Scheduler) List(ctx context.Context, userID string) ([]*Agendamento, error) {
	return s.store.List(ctx, userID)
}

// Update applies patch to a scheduled agendamento, moving its publish job when its scheduled time changes
//
// Without a stale window the existing job is rescheduled in place, and the store is only updated once the job has
// moved. With one, the job's deadline depends on the scheduled time, so the job is replaced by a new one. A job that
// can no longer be found is replaced as well. When the replacement cannot be enqueued, Update returns the stored
// agendamento along with an error wrapping ErrNotEnqueued.
func (s *Scheduler) Update(ctx context.Context, userID, id string, patch Patch) (a *Agendamento, err error) {
	a, err = s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if a.Status != StatusScheduled {
		return nil, ErrNotScheduled
	}

	previous := a.ScheduledAt
	patch.Apply(a)
	if err = a.Validate(); err != nil {
		return nil, err
	}
	a.UpdatedAt = s.now()

	if a.ScheduledAt.Equal(previous) {
		return a, s.store.Update(ctx, a)
	}

	if s.staleAfter == 0 {
		err = s.dispatcher.Reschedule(ctx, a.JobKey, a.ScheduledAt)
		switch {
		case err == nil:
			if err = s.store.Update(ctx, a); err != nil {
				if rerr := s.dispatcher.Reschedule(ctx, a.JobKey, previous); rerr != nil {
					s.logger.Error("unable to move publish job back to its scheduled time", "agendamento_id", a.ID,
						"error", rerr)
				}
				return nil, err
			}

			s.logger.Info("agendamento rescheduled", "agendamento_id", a.ID, "scheduled_at", a.ScheduledAt)
			return a, nil
		case !errors.Is(err, jobs.ErrJobNotFound):
			return nil, fmt.Errorf("unable to reschedule publish job: %w", err)
		}
	} else if err = s.cancelJob(ctx, a); err != nil {
		return nil, err
	}

	a.JobKey = JobKey(a.ID, a.ScheduledAt)
	if err = s.store.Update(ctx, a); err != nil {
		return nil, err
	}

	if err = s.enqueue(ctx, a, a.ScheduledAt); err != nil {
		return a, err
	}

	s.logger.Info("agendamento rescheduled with a new job", "agendamento_id", a.ID, "scheduled_at", a.ScheduledAt)

	return a, nil
}

// Cancel stops an agendamento from being published
func (s *Scheduler) Cancel(ctx context.Context, userID, id string) (a *Agendamento, err error) {
	a, err = s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if a.Status != StatusScheduled && a.Status != StatusFailed {
		return nil, ErrNotScheduled
	}

	if err = s.cancelJob(ctx, a); err != nil {
		return nil, err
	}

	a.Status = StatusCancelled
	a.UpdatedAt = s.now()
	if err = s.store.Update(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("agendamento cancelled", "agendamento_id", a.ID)

	return a, nil
}

// Delete cancels an agendamento's publish job and removes the agendamento
func (s *Scheduler) Delete(ctx context.Context, userID, id string) (err error) {
	a, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	if a.Status == StatusScheduled {
		if err = s.cancelJob(ctx, a); err != nil {
			return err
		}
	}

	if err = s.store.Delete(ctx, userID, id); err != nil {
		return err
	}

	s.logger.Info("agendamento deleted", "agendamento_id", id)

	return nil
}

// Retry schedules a failed agendamento for another round of publish attempts
//
// The agendamento is rescheduled to now. Its dead publish job is replayed when the dispatcher still has it, otherwise
// a new job is enqueued. When that job cannot be enqueued, Retry returns the stored agendamento along with an error
// wrapping ErrNotEnqueued.
func (s *Scheduler) Retry(ctx context.Context, userID, id string) (a *Agendamento, err error) {
	a, err = s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if a.Status != StatusFailed {
		return nil, ErrNotFailed
	}

	now := s.now()
	a.Status = StatusScheduled
	a.ScheduledAt = now
	a.UpdatedAt = now
	if err = s.store.Update(ctx, a); err != nil {
		return nil, err
	}

	err = s.dispatcher.ReplayDeadJob(ctx, a.JobKey)
	if err == nil {
		s.logger.Info("agendamento retry replayed its dead job", "agendamento_id", a.ID)
		return a, nil
	}

	if !errors.Is(err, jobs.ErrDeadJobNotFound) && !errors.Is(err, jobs.ErrDuplicateJob) {
		return nil, fmt.Errorf("unable to replay publish job: %w", err)
	}

	a.JobKey = JobKey(a.ID, now)
	if err = s.store.Update(ctx, a); err != nil {
		return nil, err
	}

	if err = s.enqueue(ctx, a, now); err != nil {
		return a, err
	}

	s.logger.Info("agendamento retry enqueued a new job", "agendamento_id", a.ID)

	return a, nil
}

// DeadJobs lists the user's publish jobs that exhausted their retries
func (s *Scheduler) DeadJobs(ctx context.Context, userID string) (dead []*jobs.Job, err error) {
	all, err := s.dispatcher.DeadJobs(ctx, Queue)
	if err != nil {
		return nil, err
	}

	dead = []*jobs.Job{}
	for _, j := range all {
		if uid, _ := j.Payload[payloadUserID].(string); uid == userID {
			dead = append(dead, j)
		}
	}

	return dead, nil
}

// Handle is the publish job handler
//
// Jobs for agendamentos that are gone, no longer scheduled, or represented by a newer job are acknowledged without
// publishing. Publish errors are returned so that the dispatcher retries the job; the agendamento is marked failed
// when the job has no retries left.
func (s *Scheduler) Handle(ctx context.Context) (err error) {
	job, err := jobs.FromContext(ctx)
	if err != nil {
		return err
	}

	id := AgendamentoID(job)
	userID, _ := job.Payload[payloadUserID].(string)

	a, err := s.store.Get(ctx, userID, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("agendamento no longer exists, skipping", "agendamento_id", id, "fingerprint", job.Fingerprint)
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to load agendamento: %w", err)
	}

	if a.Status != StatusScheduled || a.JobKey != job.Fingerprint {
		s.logger.Debug("stale publish job, skipping", "agendamento_id", id, "status", a.Status,
			"fingerprint", job.Fingerprint, "job_key", a.JobKey)
		return nil
	}

	media := a.Media
	if a.Randomize && len(media) > 1 {
		media = []Media{media[rand.Intn(len(media))]} // nolint: gosec
	}

	a.Attempts++
	res, pubErr := s.publisher.Publish(ctx, a, media)
	now := s.now()
	a.UpdatedAt = now

	if pubErr != nil {
		a.LastError = pubErr.Error()
		if job.Exhausted() {
			a.Status = StatusFailed
			s.logger.Error("agendamento failed", "agendamento_id", a.ID, "attempts", a.Attempts, "error", pubErr)
		}

		if err = s.store.Update(ctx, a); err != nil {
			s.logger.Error("unable to record publish attempt", "agendamento_id", a.ID, "error", err)
		}

		return pubErr
	}

	a.Status = StatusPublished
	a.LastError = ""
	a.ExternalID = res.ExternalID
	a.PublishedAt = &now
	if err = s.store.Update(ctx, a); err != nil {
		return fmt.Errorf("unable to mark agendamento published: %w", err)
	}

	s.logger.Info("agendamento published", "agendamento_id", a.ID, "external_id", res.ExternalID)

	if a.Recurrence.Interval() > 0 {
		if err = s.scheduleNext(ctx, a); err != nil {
			s.logger.Error("unable to schedule next occurrence", "agendamento_id", a.ID, "error", err)
		}
	}

	return nil
}

// Reconcile enqueues a publish job for every scheduled agendamento that comes due within the reconcile horizon
//
// Jobs that the dispatcher already holds are left alone, so Reconcile only fills in jobs that were lost, e.g. by a
// restart of an in-memory dispatcher. Agendamentos past their stale window are marked failed instead.
func (s *Scheduler) Reconcile(ctx context.Context) (enqueued int, err error) {
	now := s.now()
	due, err := s.store.ListDue(ctx, now.Add(s.horizon))
	if err != nil {
		return 0, fmt.Errorf("unable to list due agendamentos: %w", err)
	}

	for _, a := range due {
		if s.staleAfter > 0 && a.ScheduledAt.Add(s.staleAfter).Before(now) {
			a.Status = StatusFailed
			a.LastError = jobs.ErrJobExceededDeadline.Error()
			a.UpdatedAt = now
			if err = s.store.Update(ctx, a); err != nil {
				return enqueued, err
			}
			s.logger.Info("agendamento missed its publish window", "agendamento_id", a.ID)
			continue
		}

		_, err = s.dispatcher.Enqueue(ctx, s.newJob(a, a.ScheduledAt))
		if errors.Is(err, jobs.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return enqueued, fmt.Errorf("unable to enqueue agendamento %s: %w", a.ID, err)
		}

		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("reconciled lost publish jobs", "enqueued", enqueued)
	}

	return enqueued, nil
}

// scheduleNext stores and enqueues the occurrence of a recurring agendamento that follows a
func (s *Scheduler) scheduleNext(ctx context.Context, a *Agendamento) error {
	next := a.ScheduledAt.Add(a.Recurrence.Interval())
	for !next.After(s.now()) {
		next = next.Add(a.Recurrence.Interval())
	}

	n := &Agendamento{
		UserID:      a.UserID,
		AccountID:   a.AccountID,
		Caption:     a.Caption,
		Media:       a.Media,
		Targets:     a.Targets,
		Recurrence:  a.Recurrence,
		Randomize:   a.Randomize,
		ScheduledAt: next,
	}

	return s.Schedule(ctx, n)
}

func (s *Scheduler) cancelJob(ctx context.Context, a *Agendamento) error {
	err := s.dispatcher.Cancel(ctx, a.JobKey)
	if err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
		return fmt.Errorf("unable to cancel publish job: %w", err)
	}

	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, a *Agendamento, runAfter time.Time) error {
	_, err := s.dispatcher.Enqueue(ctx, s.newJob(a, runAfter))
	if err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
		return fmt.Errorf("%w: %w", ErrNotEnqueued, err)
	}

	return nil
}

func (s *Scheduler) newJob(a *Agendamento, runAfter time.Time) *jobs.Job {
	maxRetries := s.maxRetries
	job := &jobs.Job{
		Queue:       Queue,
		Fingerprint: a.JobKey,
		Payload: map[string]any{
			payloadAgendamentoID: a.ID,
			payloadUserID:        a.UserID,
		},
		RunAfter:   runAfter,
		MaxRetries: &maxRetries,
	}

	if s.staleAfter > 0 {
		deadline := runAfter.Add(s.staleAfter)
		job.Deadline = &deadline
	}

	return job
}

// AgendamentoID returns the ID of the agendamento that a publish job publishes
func AgendamentoID(j *jobs.Job) string {
	id, _ := j.Payload[payloadAgendamentoID].(string)
	return id
}
