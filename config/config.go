package config

import (
	"context"
	"time"

	"github.com/witroch4/chatwit/handler"
	"github.com/witroch4/chatwit/internal"
	"github.com/witroch4/chatwit/logging"
	"github.com/witroch4/chatwit/types"
)

const (
	DefaultIdleTxTimeout = 30000
	// the window of time between time.Now() and when a job's RunAfter comes due that the dispatcher will schedule a
	// goroutine to schedule the job for execution.
	// E.g. right now is 16:00 and a job's RunAfter is 16:30 of the same date. This job will get a dedicated goroutine
	// to wait until the job's RunAfter, scheduling the job to be run exactly at RunAfter
	DefaultFutureJobWindow    = 30 * time.Second
	DefaultJobCheckInterval   = 5 * time.Second
	DefaultTransactionTimeout = time.Minute
	DefaultShutdownTimeout    = 8 * time.Second
)

// BackoffFunc returns how long a job that has failed retries times waits before it runs again
type BackoffFunc func(retries int) time.Duration

type Config struct {
	BackendInitializer     BackendInitializer
	BackendAuthPassword    string                   // password with which to authenticate to the backend
	BackendConcurrency     int                      // total number of backend processes available to process jobs
	ConnectionString       string                   // a string containing connection details for the backend
	JobCheckInterval       time.Duration            // the interval of time between checking for new future/retry jobs
	FutureJobWindow        time.Duration            // time duration between current time and job.RunAfter that goroutines schedule for future jobs
	IdleTransactionTimeout int                      // the number of milliseconds PgBackend transaction may idle before the connection is killed
	ShutdownTimeout        time.Duration            // duration to wait for jobs to finish during shutdown
	LogLevel               logging.LogLevel         // the log level of the default logger
	Backoff                BackoffFunc              // the retry schedule of failed jobs
	RecoveryCallback       handler.RecoveryCallback // called when a handler panics
}

// Option is a function that sets optional backend configuration
type Option func(c *Config)

// New initiailizes a new Config with defaults
func New() *Config {
	return &Config{
		FutureJobWindow:        DefaultFutureJobWindow,
		JobCheckInterval:       DefaultJobCheckInterval,
		IdleTransactionTimeout: DefaultIdleTxTimeout,
		ShutdownTimeout:        DefaultShutdownTimeout,
		LogLevel:               logging.LogLevelInfo,
		Backoff:                internal.CalculateBackoff,
	}
}

// WithBackend configures the dispatcher to initialize a specific backend for job processing
func WithBackend(initializer BackendInitializer) Option {
	return func(c *Config) {
		c.BackendInitializer = initializer
	}
}

// WithConnectionString configures the dispatcher to use the specified connection string when connecting to a backend
func WithConnectionString(connectionString string) Option {
	return func(c *Config) {
		c.ConnectionString = connectionString
	}
}

// WithJobCheckInterval configures the duration of time between checking for future jobs
func WithJobCheckInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.JobCheckInterval = interval
	}
}

// WithFutureJobWindow configures how far ahead of RunAfter future jobs get a dedicated timer
func WithFutureJobWindow(window time.Duration) Option {
	return func(c *Config) {
		c.FutureJobWindow = window
	}
}

// WithLogLevel configures the log level for the default logger
func WithLogLevel(level logging.LogLevel) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

// WithShutdownTimeout specifies the duration to wait to let workers finish their tasks before forcing them to abort
// during Shutdown()
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.ShutdownTimeout = timeout
	}
}

// WithBackoff replaces the default retry schedule
func WithBackoff(f BackoffFunc) Option {
	return func(c *Config) {
		c.Backoff = f
	}
}

// WithRecoveryCallback sets the function called when job handlers panic
func WithRecoveryCallback(cb handler.RecoveryCallback) Option {
	return func(c *Config) {
		c.RecoveryCallback = cb
	}
}

// BackendInitializer is a function that initializes a backend
type BackendInitializer func(ctx context.Context, opts ...Option) (backend types.Backend, err error)
