// Package config loads the chatwitd daemon configuration
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// transactionMargin is how much longer than the publish deadline a postgres job's transaction may stay idle
const transactionMargin = time.Minute

var (
	ErrUnknownBackend     = errors.New("unknown dispatcher backend")
	ErrTransactionTimeout = errors.New("dispatcher.transaction_timeout must exceed publish.deadline")
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type DispatcherConfig struct {
	Backend          string        `mapstructure:"backend"`
	ConnectionString string        `mapstructure:"connection_string"`
	Password         string        `mapstructure:"password"`
	Concurrency      int           `mapstructure:"concurrency"`
	JobCheckInterval time.Duration `mapstructure:"job_check_interval"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	// TransactionTimeout bounds how long a postgres job's transaction may idle. Zero derives it from publish.deadline.
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
}

type PublishConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	Deadline         time.Duration `mapstructure:"deadline"`
	Concurrency      int           `mapstructure:"concurrency"`
	ReconcileSpec    string        `mapstructure:"reconcile_spec"`
	ReconcileHorizon time.Duration `mapstructure:"reconcile_horizon"`
}

type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RatePerSec int           `mapstructure:"rate_per_sec"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// Load reads the configuration file at path, when one is given, and overlays CHATWIT_* environment variables, e.g.
// CHATWIT_DISPATCHER_BACKEND overrides dispatcher.backend
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chatwit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	switch config.Dispatcher.Backend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Dispatcher.Backend)
	}

	if t := config.Dispatcher.TransactionTimeout; t > 0 && config.Publish.Deadline > 0 && t <= config.Publish.Deadline {
		return nil, fmt.Errorf("%w: %s <= %s", ErrTransactionTimeout, t, config.Publish.Deadline)
	}

	return &config, nil
}

// IdleTransactionTimeout is how long the postgres dispatcher lets a job's transaction idle before the server ends it.
// A job holds its transaction open while it is handled, so the timeout must outlast the publish deadline or every
// slow publish is rolled back and retried. Zero leaves the backend default in place.
func (c *Config) IdleTransactionTimeout() time.Duration {
	if c.Dispatcher.TransactionTimeout > 0 {
		return c.Dispatcher.TransactionTimeout
	}
	if c.Publish.Deadline <= 0 {
		return 0
	}

	return c.Publish.Deadline + transactionMargin
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.dsn", "file:chatwit.db?_busy_timeout=5000&_journal_mode=WAL")

	v.SetDefault("dispatcher.backend", BackendMemory)
	v.SetDefault("dispatcher.connection_string", "")
	v.SetDefault("dispatcher.password", "")
	v.SetDefault("dispatcher.concurrency", 0)
	v.SetDefault("dispatcher.job_check_interval", 5*time.Second)
	v.SetDefault("dispatcher.shutdown_timeout", 8*time.Second)
	v.SetDefault("dispatcher.transaction_timeout", 0)

	v.SetDefault("publish.max_retries", 5)
	v.SetDefault("publish.stale_after", 0)
	v.SetDefault("publish.deadline", 2*time.Minute)
	v.SetDefault("publish.concurrency", 0)
	v.SetDefault("publish.reconcile_spec", "0 */5 * * * *")
	v.SetDefault("publish.reconcile_horizon", 10*time.Minute)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("webhook.max_retries", 2)
	v.SetDefault("webhook.rate_per_sec", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
}
