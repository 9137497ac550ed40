package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/witroch4/chatwit"
	"github.com/witroch4/chatwit/backends/memory"
	"github.com/witroch4/chatwit/backends/postgres"
	"github.com/witroch4/chatwit/backends/redis"
	chatwitconfig "github.com/witroch4/chatwit/config"
	"github.com/witroch4/chatwit/internal/api"
	"github.com/witroch4/chatwit/internal/config"
	"github.com/witroch4/chatwit/internal/logger"
	"github.com/witroch4/chatwit/logging"
	"github.com/witroch4/chatwit/publish"
	"github.com/witroch4/chatwit/publish/sqlite"
	"github.com/witroch4/chatwit/publish/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	_ = logger.Init(cfg.Logging)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("chatwitd stopped")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backendLogger := logging.NewZerologLogger(log.Logger)

	store, err := sqlite.Open(cfg.Store.DSN)
	if err != nil {
		return errors.Wrap(err, "unable to open agendamento store")
	}
	defer store.Close()

	dispatcher, err := newDispatcher(ctx, cfg)
	if err != nil {
		return errors.Wrapf(err, "unable to start %s dispatcher", cfg.Dispatcher.Backend)
	}
	dispatcher.SetLogger(backendLogger)

	publisher, err := newPublisher(cfg.Webhook, backendLogger)
	if err != nil {
		dispatcher.Shutdown(ctx)
		return errors.Wrap(err, "unable to create publisher")
	}

	scheduler := publish.NewScheduler(store, dispatcher, publisher,
		publish.WithLogger(backendLogger),
		publish.WithMaxRetries(cfg.Publish.MaxRetries),
		publish.WithStaleAfter(cfg.Publish.StaleAfter),
		publish.WithPublishDeadline(cfg.Publish.Deadline),
		publish.WithConcurrency(cfg.Publish.Concurrency),
		publish.WithReconcile(cfg.Publish.ReconcileSpec, cfg.Publish.ReconcileHorizon),
	)

	if err = scheduler.Start(ctx); err != nil {
		dispatcher.Shutdown(ctx)
		return errors.Wrap(err, "unable to start publish scheduler")
	}

	enqueued, err := scheduler.Reconcile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("initial reconcile failed")
	} else {
		log.Info().Int("enqueued", enqueued).Msg("initial reconcile complete")
	}

	router := api.NewRouter(&api.Dependencies{
		AgendamentoHandler: api.NewAgendamentoHandler(scheduler),
		HealthHandler:      api.NewHealthHandler(map[string]api.Check{"store": store.Ping}),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.Dispatcher.Backend).Msg("chatwitd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("http server shutdown failed")
	}
	dispatcher.Shutdown(shutdownCtx)

	return err
}

func newDispatcher(ctx context.Context, cfg *config.Config) (chatwit.Dispatcher, error) {
	opts := []chatwitconfig.Option{
		chatwitconfig.WithLogLevel(logging.ParseLevel(cfg.Logging.Level)),
		chatwitconfig.WithShutdownTimeout(cfg.Dispatcher.ShutdownTimeout),
	}
	if cfg.Dispatcher.JobCheckInterval > 0 {
		opts = append(opts, chatwitconfig.WithJobCheckInterval(cfg.Dispatcher.JobCheckInterval))
	}

	switch cfg.Dispatcher.Backend {
	case config.BackendPostgres:
		opts = append(opts,
			chatwitconfig.WithBackend(postgres.Backend),
			postgres.WithConnectionString(cfg.Dispatcher.ConnectionString))
		if txTimeout := cfg.IdleTransactionTimeout(); txTimeout > 0 {
			opts = append(opts, postgres.WithTransactionTimeout(int(txTimeout.Milliseconds())))
		}
	case config.BackendRedis:
		opts = append(opts,
			chatwitconfig.WithBackend(redis.Backend),
			redis.WithAddr(cfg.Dispatcher.ConnectionString),
			redis.WithPassword(cfg.Dispatcher.Password))
		if cfg.Dispatcher.Concurrency > 0 {
			opts = append(opts, redis.WithConcurrency(cfg.Dispatcher.Concurrency))
		}
	default:
		opts = append(opts, chatwitconfig.WithBackend(memory.Backend))
	}

	return chatwit.New(ctx, opts...)
}

// newPublisher returns the webhook publisher, or a publisher that only logs when no endpoint is configured
func newPublisher(cfg config.WebhookConfig, l logging.Logger) (publish.Publisher, error) {
	if cfg.URL == "" {
		log.Warn().Msg("webhook.url is not set; agendamentos will be logged instead of published")
		return publish.PublisherFunc(func(_ context.Context, a *publish.Agendamento, media []publish.Media) (publish.Result, error) {
			log.Info().Str("agendamento_id", a.ID).Str("account_id", a.AccountID).Int("media", len(media)).Msg("dry-run publish")
			return publish.Result{}, nil
		}), nil
	}

	return webhook.New(webhook.Config{
		URL:        cfg.URL,
		Secret:     cfg.Secret,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RatePerSec: cfg.RatePerSec,
	}, l)
}
