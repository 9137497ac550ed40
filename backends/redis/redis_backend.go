package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guregu/null"
	"github.com/hibiken/asynq"
	"github.com/witroch4/chatwit/config"
	"github.com/witroch4/chatwit/handler"
	"github.com/witroch4/chatwit/internal"
	"github.com/witroch4/chatwit/jobs"
	"github.com/witroch4/chatwit/logging"
	"github.com/witroch4/chatwit/types"
	"golang.org/x/exp/slog"
)

// All jobs are placed on the same 'default' queue (until a compelling case is made for using different asynq queues
// for every job)
const (
	defaultAsynqQueue = "default"
	listPageSize      = 100
)

var (
	// ErrInvalidAddr indicates that the provided address is not a valid redis connection string
	ErrInvalidAddr = errors.New("invalid connecton string: see documentation for valid connection strings")
	// ErrUnsupportedCronspec indicates that a cron spec has a seconds field that asynq cannot express
	ErrUnsupportedCronspec = errors.New("cron spec seconds field is not supported by the redis backend")
)

// RedisBackend is a Redis-backed dispatcher backend built on asynq
//
// Every job becomes an asynq task whose ID is the job's fingerprint, and whose type is the job's queue.
// nolint: revive
type RedisBackend struct {
	types.Backend
	client       *asynq.Client
	server       *asynq.Server
	inspector    *asynq.Inspector
	mux          *asynq.ServeMux
	config       *config.Config
	logger       logging.Logger
	taskProvider *memoryTaskConfigProvider
	mgr          *asynq.PeriodicTaskManager
}

// taskPayload is the envelope that every task carries
//
// asynq deadlines cancel the handler's context instead of keeping stale jobs from running, so the job deadline
// travels with the payload.
type taskPayload struct {
	Payload   map[string]any `json:"payload,omitempty"`
	Deadline  *time.Time     `json:"deadline,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type memoryTaskConfigProvider struct {
	mu      *sync.Mutex
	configs []*asynq.PeriodicTaskConfig
}

// newMemoryTaskConfigProvider returns a new asynq MemoryTaskConfigProvider
func newMemoryTaskConfigProvider() (p *memoryTaskConfigProvider) {
	p = &memoryTaskConfigProvider{
		mu:      &sync.Mutex{},
		configs: []*asynq.PeriodicTaskConfig{},
	}
	return
}

// GetConfigs returns this provider's periodic task configurations
func (m *memoryTaskConfigProvider) GetConfigs() (c []*asynq.PeriodicTaskConfig, err error) {
	m.mu.Lock()
	cfgs := make([]*asynq.PeriodicTaskConfig, len(m.configs))
	copy(cfgs, m.configs)
	m.mu.Unlock()
	return cfgs, nil
}

// addConfig adds a periodic task configuration to this provider's configs
func (m *memoryTaskConfigProvider) addConfig(taskConfig *asynq.PeriodicTaskConfig) {
	m.mu.Lock()
	m.configs = append(m.configs, taskConfig)
	m.mu.Unlock()
}

// Backend is a [config.BackendInitializer] that initializes a new Redis-backed dispatcher backend
func Backend(_ context.Context, opts ...config.Option) (backend types.Backend, err error) {
	b := &RedisBackend{
		config:       config.New(),
		taskProvider: newMemoryTaskConfigProvider(),
	}

	for _, opt := range opts {
		opt(b.config)
	}

	b.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: b.config.LogLevel}))
	if b.config.ConnectionString == "" {
		err = ErrInvalidAddr
		return
	}

	if b.config.BackendConcurrency <= 0 {
		b.config.BackendConcurrency = runtime.NumCPU()
	}

	clientOpt := asynq.RedisClientOpt{Addr: b.config.ConnectionString}
	if b.config.BackendAuthPassword != "" {
		clientOpt.Password = b.config.BackendAuthPassword
	}
	b.inspector = asynq.NewInspector(clientOpt)
	b.client = asynq.NewClient(clientOpt)
	b.server = asynq.NewServer(
		clientOpt,
		asynq.Config{
			Concurrency:     b.config.BackendConcurrency,
			ShutdownTimeout: b.config.ShutdownTimeout,
			Queues:          map[string]int{defaultAsynqQueue: 1},
			RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
				// n is the number of times the task has already been retried
				return b.config.Backoff(n + 1)
			},
		},
	)

	b.mux = asynq.NewServeMux()

	b.mgr, err = asynq.NewPeriodicTaskManager(
		asynq.PeriodicTaskManagerOpts{
			RedisConnOpt:               clientOpt,
			PeriodicTaskConfigProvider: b.taskProvider,
			SyncInterval:               500 * time.Millisecond,
			SchedulerOpts: &asynq.SchedulerOpts{
				PostEnqueueFunc: func(_ *asynq.TaskInfo, err error) {
					if err != nil {
						b.logger.Error("unable to schedule task", slog.Any("error", err))
					}
				},
			},
		})
	if err != nil {
		err = fmt.Errorf("failed to initialize periodic task manager: %w", err)
		return
	}

	if err = b.mgr.Start(); err != nil {
		err = fmt.Errorf("failed to start periodic task manager: %w", err)
		return
	}

	if err = b.server.Start(b.mux); err != nil {
		b.mgr.Shutdown()
		err = fmt.Errorf("failed to start task server: %w", err)
		return
	}

	backend = b

	return backend, err
}

// WithAddr configures the dispatcher to connect to Redis with the given address
func WithAddr(addr string) config.Option {
	return func(c *config.Config) {
		c.ConnectionString = addr
	}
}

// WithPassword configures the dispatcher to connect to Redis with the given password
func WithPassword(password string) config.Option {
	return func(c *config.Config) {
		c.BackendAuthPassword = password
	}
}

// WithConcurrency configures the number of workers available to process jobs across all queues
func WithConcurrency(concurrency int) config.Option {
	return func(c *config.Config) {
		c.BackendConcurrency = concurrency
	}
}

// Enqueue queues jobs to be executed asynchronously
//
// The returned job ID is the job's fingerprint
func (b *RedisBackend) Enqueue(ctx context.Context, job *jobs.Job) (jobID string, err error) {
	if job.Queue == "" {
		err = jobs.ErrNoQueueSpecified
		return
	}

	err = jobs.FingerprintJob(job)
	if err != nil {
		return
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	task, err := jobToTask(job)
	if err != nil {
		return
	}

	_, err = b.client.EnqueueContext(ctx, task, jobToTaskOptions(job)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) && b.releaseCompleted(job.Fingerprint) {
		_, err = b.client.EnqueueContext(ctx, task, jobToTaskOptions(job)...)
	}

	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		b.logger.Debug("duplicate job fingerprint", slog.String("fingerprint", job.Fingerprint))
		return jobs.DuplicateJobID, jobs.ErrDuplicateJob
	}

	if err != nil {
		err = fmt.Errorf("unable to enqueue task: %w", err)
		return
	}

	return job.Fingerprint, nil
}

// Cancel deletes the unprocessed job with the given fingerprint
func (b *RedisBackend) Cancel(_ context.Context, fingerprint string) (err error) {
	info, err := b.pendingTask(fingerprint)
	if err != nil {
		return
	}

	err = b.inspector.DeleteTask(defaultAsynqQueue, info.ID)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return jobs.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("unable to cancel job: %w", err)
	}

	b.logger.Debug("job cancelled", slog.String("fingerprint", fingerprint))

	return nil
}

// Reschedule moves the unprocessed job with the given fingerprint to run after runAfter
//
// asynq cannot move a task in time, so the task is deleted and enqueued again with the same fingerprint.
func (b *RedisBackend) Reschedule(ctx context.Context, fingerprint string, runAfter time.Time) (err error) {
	info, err := b.pendingTask(fingerprint)
	if err != nil {
		return
	}

	job, err := taskInfoToJob(info)
	if err != nil {
		return
	}
	job.RunAfter = runAfter

	err = b.inspector.DeleteTask(defaultAsynqQueue, info.ID)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return jobs.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("unable to reschedule job: %w", err)
	}

	task, err := jobToTask(job)
	if err != nil {
		return
	}

	_, err = b.client.EnqueueContext(ctx, task, jobToTaskOptions(job)...)
	if err != nil {
		return fmt.Errorf("unable to reschedule job: %w", err)
	}

	b.logger.Debug("job rescheduled", slog.String("fingerprint", fingerprint), slog.Time("run_after", runAfter))

	return nil
}

// Start starts processing jobs with the specified queue and handler
func (b *RedisBackend) Start(_ context.Context, h handler.Handler) (err error) {
	if h.Queue == "" {
		return jobs.ErrNoQueueSpecified
	}

	if h.RecoverCallback == nil {
		h.RecoverCallback = b.config.RecoveryCallback
	}

	b.mux.HandleFunc(h.Queue, func(ctx context.Context, t *asynq.Task) (err error) {
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		var p taskPayload
		if len(t.Payload()) > 0 {
			if err = json.Unmarshal(t.Payload(), &p); err != nil {
				b.logger.Error("job has an unreadable payload", slog.String("task_id", taskID), slog.Any("error", err))
				return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
			}
		}

		job := &jobs.Job{
			Fingerprint: taskID,
			Status:      jobs.StatusNew,
			Queue:       h.Queue,
			Payload:     p.Payload,
			RunAfter:    time.Now().UTC(),
			Deadline:    p.Deadline,
			Retries:     retried,
			MaxRetries:  &maxRetry,
			CreatedAt:   p.CreatedAt,
		}
		if retried > 0 {
			job.Status = jobs.StatusFailed
		}

		if job.PastDeadline() {
			b.logger.Debug("job deadline is in the past, skipping", slog.String("task_id", taskID))
			return fmt.Errorf("%w: %w", jobs.ErrJobExceededDeadline, asynq.SkipRetry)
		}

		ctx = jobs.WithJobContext(ctx, job)
		err = handler.Exec(ctx, h)
		if err != nil {
			b.logger.Error("error handling job", slog.String("task_id", taskID), slog.Any("error", err))
		}

		return
	})

	return nil
}

// StartCron starts processing jobs with the specified cron schedule and handler
//
// See: https://pkg.go.dev/github.com/robfig/cron?#hdr-CRON_Expression_Format for details on the cron spec format
func (b *RedisBackend) StartCron(ctx context.Context, cronSpec string, h handler.Handler) (err error) {
	queue, err := internal.CronQueueName(cronSpec)
	if err != nil {
		return err
	}

	aCronSpec, err := toAsynqCronspec(cronSpec)
	if err != nil {
		return err
	}

	h.Queue = queue
	err = b.Start(ctx, h)
	if err != nil {
		return
	}

	c := &asynq.PeriodicTaskConfig{
		Cronspec: aCronSpec,
		Task:     asynq.NewTask(queue, nil),
		Opts:     []asynq.Option{asynq.Queue(defaultAsynqQueue)},
	}
	b.taskProvider.addConfig(c)

	return
}

// DeadJobs lists the archived tasks of a queue
func (b *RedisBackend) DeadJobs(_ context.Context, queue string) (deadJobs []*jobs.Job, err error) {
	deadJobs = []*jobs.Job{}
	for page := 1; ; page++ {
		var infos []*asynq.TaskInfo
		infos, err = b.inspector.ListArchivedTasks(defaultAsynqQueue, asynq.PageSize(listPageSize), asynq.Page(page))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return deadJobs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("unable to list dead jobs: %w", err)
		}

		for _, info := range infos {
			if info.Type != queue {
				continue
			}

			var job *jobs.Job
			job, err = taskInfoToJob(info)
			if err != nil {
				return nil, err
			}
			deadJobs = append(deadJobs, job)
		}

		if len(infos) < listPageSize {
			return deadJobs, nil
		}
	}
}

// ReplayDeadJob enqueues the archived task with the given fingerprint again, with its retries and deadline reset
func (b *RedisBackend) ReplayDeadJob(ctx context.Context, fingerprint string) (err error) {
	info, err := b.inspector.GetTaskInfo(defaultAsynqQueue, fingerprint)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return jobs.ErrDeadJobNotFound
	}
	if err != nil {
		return fmt.Errorf("unable to fetch dead job: %w", err)
	}

	if info.State != asynq.TaskStateArchived {
		return jobs.ErrDeadJobNotFound
	}

	job, err := taskInfoToJob(info)
	if err != nil {
		return
	}
	job.Retries = 0
	job.RunAfter = time.Now()
	job.Deadline = nil

	if err = b.inspector.DeleteTask(defaultAsynqQueue, fingerprint); err != nil {
		return fmt.Errorf("unable to remove dead job: %w", err)
	}

	task, err := jobToTask(job)
	if err != nil {
		return
	}

	_, err = b.client.EnqueueContext(ctx, task, jobToTaskOptions(job)...)
	if err != nil {
		return fmt.Errorf("unable to replay dead job: %w", err)
	}

	b.logger.Debug("replayed dead job", slog.String("fingerprint", fingerprint))

	return nil
}

// SetLogger sets this backend's logger
func (b *RedisBackend) SetLogger(logger logging.Logger) {
	b.logger = logger
}

// Shutdown halts the worker
func (b *RedisBackend) Shutdown(_ context.Context) {
	b.mgr.Shutdown()
	b.server.Shutdown()
	b.client.Close()
	b.inspector.Close()
}

// pendingTask fetches the task with the given fingerprint if it has not been processed yet
func (b *RedisBackend) pendingTask(fingerprint string) (info *asynq.TaskInfo, err error) {
	info, err = b.inspector.GetTaskInfo(defaultAsynqQueue, fingerprint)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to fetch job: %w", err)
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return info, nil
	default:
		return nil, jobs.ErrJobNotFound
	}
}

// releaseCompleted deletes a completed task that still holds a fingerprint, reporting whether the fingerprint is free
func (b *RedisBackend) releaseCompleted(fingerprint string) bool {
	info, err := b.inspector.GetTaskInfo(defaultAsynqQueue, fingerprint)
	if err != nil || info.State != asynq.TaskStateCompleted {
		return false
	}

	return b.inspector.DeleteTask(defaultAsynqQueue, fingerprint) == nil
}

// jobToTask converts a job to an asynq task, wrapping its payload in the task envelope
func jobToTask(job *jobs.Job) (task *asynq.Task, err error) {
	payload, err := json.Marshal(taskPayload{
		Payload:   job.Payload,
		Deadline:  job.Deadline,
		CreatedAt: job.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to serialize job payload: %w", err)
	}

	return asynq.NewTask(job.Queue, payload), nil
}

// jobToTaskOptions converts jobs.Job to a slice of asynq.Option that corresponds with its settings
func jobToTaskOptions(job *jobs.Job) (opts []asynq.Option) {
	opts = append(opts,
		asynq.TaskID(job.Fingerprint),
		asynq.Queue(defaultAsynqQueue),
		asynq.MaxRetry(job.MaxRetriesOrDefault()))

	if !job.RunAfter.IsZero() {
		opts = append(opts, asynq.ProcessAt(job.RunAfter))
	}

	return
}

// taskInfoToJob converts asynq task details back to a job
func taskInfoToJob(info *asynq.TaskInfo) (job *jobs.Job, err error) {
	var p taskPayload
	if len(info.Payload) > 0 {
		if err = json.Unmarshal(info.Payload, &p); err != nil {
			return nil, fmt.Errorf("unable to read job payload: %w", err)
		}
	}

	maxRetry := info.MaxRetry
	job = &jobs.Job{
		Fingerprint: info.ID,
		Status:      jobs.StatusNew,
		Queue:       info.Type,
		Payload:     p.Payload,
		RunAfter:    info.NextProcessAt,
		Deadline:    p.Deadline,
		Retries:     info.Retried,
		MaxRetries:  &maxRetry,
		CreatedAt:   p.CreatedAt,
	}

	if info.LastErr != "" {
		job.Status = jobs.StatusFailed
		job.Error = null.StringFrom(info.LastErr)
	}

	if !info.LastFailedAt.IsZero() {
		job.RanAt = null.TimeFrom(info.LastFailedAt)
	}

	return job, nil
}

// Asynq does not currently support the seconds field in cron specs. However, it does supports seconds using the
// alternative syntax: @every Xs, where X is the number of seconds between executions
//
// Because of this, when cron specs have six fields (contain seconds), the seconds field is converted to asynq's
// format. A seconds field of "0" is simply dropped, since five-field specs fire at the top of the minute.
//
// Note: Refactor if asynq merges https://github.com/hibiken/asynq/pull/644
func toAsynqCronspec(cronSpec string) (string, error) {
	fields := strings.Fields(cronSpec)
	// nolint: gomnd
	if len(fields) != 6 {
		return cronSpec, nil
	}

	secondsField, rest := fields[0], fields[1:]
	everyMinute := true
	for _, f := range rest {
		if f != "*" {
			everyMinute = false
			break
		}
	}

	switch {
	case secondsField == "0":
		return strings.Join(rest, " "), nil
	case secondsField == "*" && everyMinute:
		return "@every 1s", nil
	case strings.HasPrefix(secondsField, "*/") && everyMinute:
		if step, err := strconv.Atoi(strings.TrimPrefix(secondsField, "*/")); err == nil && step > 0 {
			return fmt.Sprintf("@every %ds", step), nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedCronspec, cronSpec)
}
