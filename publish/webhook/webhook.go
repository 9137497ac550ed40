// Package webhook publishes agendamentos by delivering signed events to an HTTP endpoint
//
// The endpoint owns the calls to the social network. It answers a delivery with a JSON body holding the external ID
// of the published post.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/witroch4/chatwit/logging"
	"github.com/witroch4/chatwit/publish"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

const (
	EventPublish = "agendamento.publish"

	HeaderSignature = "X-Chatwit-Signature"
	HeaderEvent     = "X-Chatwit-Event"
	HeaderDelivery  = "X-Chatwit-Delivery"

	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultRatePerSec = 5

	maxErrorBody = 512
)

var (
	ErrNoEndpoint = errors.New("webhook publisher requires an endpoint url")
	ErrRejected   = errors.New("publish endpoint rejected the post")
)

// Config configures a Publisher
type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxRetries int // retries of a single delivery, negative for none; failed publish jobs are retried on top of these
	RatePerSec int
}

// Event is the body of a delivery
type Event struct {
	ID          string           `json:"id"`
	Event       string           `json:"event"`
	Timestamp   int64            `json:"timestamp"`
	Agendamento EventAgendamento `json:"agendamento"`
}

// EventAgendamento is the part of an agendamento that the endpoint needs to publish it
type EventAgendamento struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	AccountID   string          `json:"account_id"`
	Caption     string          `json:"caption"`
	Media       []publish.Media `json:"media"`
	Targets     publish.Targets `json:"targets"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Attempt     int             `json:"attempt"`
}

// Publisher is a publish.Publisher that delivers publish events to a webhook endpoint
type Publisher struct {
	url     string
	secret  string
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  logging.Logger
}

// New creates a webhook publisher
func New(cfg Config, logger logging.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, ErrNoEndpoint
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logging.LogLevelInfo}))
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.RetryMax = cfg.MaxRetries
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.CheckRetry = retryablehttp.DefaultRetryPolicy
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{logger}

	return &Publisher{
		url:     cfg.URL,
		secret:  cfg.Secret,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		logger:  logger,
	}, nil
}

// Publish delivers a publish event for the agendamento's media and waits for the endpoint's answer
func (p *Publisher) Publish(ctx context.Context, a *publish.Agendamento, media []publish.Media) (res publish.Result, err error) {
	if err = p.limiter.Wait(ctx); err != nil {
		return res, err
	}

	event := Event{
		ID:        uuid.NewString(),
		Event:     EventPublish,
		Timestamp: time.Now().Unix(),
		Agendamento: EventAgendamento{
			ID:          a.ID,
			UserID:      a.UserID,
			AccountID:   a.AccountID,
			Caption:     a.Caption,
			Media:       media,
			Targets:     a.Targets,
			ScheduledAt: a.ScheduledAt,
			Attempt:     a.Attempts,
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return res, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return res, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+Sign(p.secret, payload))
	req.Header.Set(HeaderEvent, event.Event)
	req.Header.Set(HeaderDelivery, event.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("unable to deliver publish event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return res, fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(body))
	}

	if err = json.NewDecoder(resp.Body).Decode(&res); err != nil && !errors.Is(err, io.EOF) {
		return res, fmt.Errorf("unable to read publish endpoint response: %w", err)
	}

	p.logger.Debug("publish event delivered", "delivery", event.ID, "agendamento_id", a.ID, "status", resp.StatusCode)

	return res, nil
}

// Sign returns the hex encoded HMAC-SHA256 of payload
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is the signature header value of payload
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte("sha256="+Sign(secret, payload)), []byte(signature))
}

// leveledLogger adapts logging.Logger to retryablehttp's logger
type leveledLogger struct {
	logging.Logger
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, keysAndValues...)
}
