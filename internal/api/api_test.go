package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witroch4/chatwit"
	"github.com/witroch4/chatwit/backends/memory"
	"github.com/witroch4/chatwit/config"
	"github.com/witroch4/chatwit/internal/api"
	"github.com/witroch4/chatwit/jobs"
	"github.com/witroch4/chatwit/publish"
	"github.com/witroch4/chatwit/publish/sqlite"
)

type server struct {
	t       *testing.T
	handler http.Handler
}

// unavailableQueue is a dispatcher that cannot enqueue jobs
type unavailableQueue struct {
	chatwit.Dispatcher
}

func (unavailableQueue) Enqueue(context.Context, *jobs.Job) (string, error) {
	return "", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func newServer(t *testing.T) *server {
	return newServerWith(t, nil)
}

func newServerWith(t *testing.T, wrap func(chatwit.Dispatcher) chatwit.Dispatcher) *server {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d, err := chatwit.New(ctx, config.WithBackend(memory.Backend))
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown(ctx) })
	if wrap != nil {
		d = wrap(d)
	}

	publisher := publish.PublisherFunc(func(_ context.Context, a *publish.Agendamento, _ []publish.Media) (publish.Result, error) {
		return publish.Result{ExternalID: "ext-" + a.ID}, nil
	})
	s := publish.NewScheduler(store, d, publisher)
	require.NoError(t, s.Start(ctx))

	router := api.NewRouter(&api.Dependencies{
		AgendamentoHandler: api.NewAgendamentoHandler(s),
		HealthHandler:      api.NewHealthHandler(map[string]api.Check{"store": store.Ping}),
	})

	return &server{t: t, handler: router}
}

func (s *server) do(method, path, user string, body any) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func newAgendamentoBody(at time.Time) map[string]any {
	return map[string]any{
		"account_id":   "ig-1",
		"caption":      "lançamento da coleção",
		"media":        []publish.Media{{URL: "https://cdn.example.com/1.jpg", Kind: publish.MediaImage}},
		"targets":      publish.Targets{Feed: true},
		"scheduled_at": at,
	}
}

func (s *server) create(user string) *publish.Agendamento {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/agendamentos", user, newAgendamentoBody(time.Now().Add(time.Hour)))
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*publish.Agendamento](s.t, rec)
}

func TestRequiresUser(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/v1/agendamentos", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, api.ErrCodeUnauthorized, decode[api.ErrorResponse](t, rec).Code)
}

func TestCreateAndGet(t *testing.T) {
	s := newServer(t)

	a := s.create("user1")
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "user1", a.UserID)
	assert.Equal(t, publish.StatusScheduled, a.Status)

	rec := s.do(http.MethodGet, "/api/v1/agendamentos/"+a.ID, "user1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decode[*publish.Agendamento](t, rec).ID)

	rec = s.do(http.MethodGet, "/api/v1/agendamentos/"+a.ID, "user2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAcceptsAgendamentoWithoutJob(t *testing.T) {
	s := newServerWith(t, func(d chatwit.Dispatcher) chatwit.Dispatcher { return unavailableQueue{d} })

	rec := s.do(http.MethodPost, "/api/v1/agendamentos", "user1", newAgendamentoBody(time.Now().Add(time.Hour)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	a := decode[*publish.Agendamento](t, rec)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, publish.StatusScheduled, a.Status)

	rec = s.do(http.MethodGet, "/api/v1/agendamentos/"+a.ID, "user1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/agendamentos", "user1", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := newAgendamentoBody(time.Now().Add(time.Hour))
	delete(body, "media")
	rec = s.do(http.MethodPost, "/api/v1/agendamentos", "user1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, api.ErrCodeInvalidInput, resp.Code)
	assert.Contains(t, resp.Message, "media")
}

func TestList(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/v1/agendamentos", "user1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"agendamentos":[]}`, rec.Body.String())

	s.create("user1")
	s.create("user1")
	s.create("user2")

	rec = s.do(http.MethodGet, "/api/v1/agendamentos", "user1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Agendamentos []*publish.Agendamento `json:"agendamentos"`
	}](t, rec)
	assert.Len(t, list.Agendamentos, 2)
}

func TestUpdate(t *testing.T) {
	s := newServer(t)
	a := s.create("user1")

	at := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	rec := s.do(http.MethodPatch, "/api/v1/agendamentos/"+a.ID, "user1", map[string]any{
		"caption":      "novo texto",
		"scheduled_at": at,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decode[*publish.Agendamento](t, rec)
	assert.Equal(t, "novo texto", updated.Caption)
	assert.True(t, at.Equal(updated.ScheduledAt))
}

func TestCancelAndConflicts(t *testing.T) {
	s := newServer(t)
	a := s.create("user1")

	rec := s.do(http.MethodPost, "/api/v1/agendamentos/"+a.ID+"/retry", "user1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/agendamentos/"+a.ID+"/cancel", "user1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, publish.StatusCancelled, decode[*publish.Agendamento](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/v1/agendamentos/"+a.ID+"/cancel", "user1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPatch, "/api/v1/agendamentos/"+a.ID, "user1", map[string]any{"caption": "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDelete(t *testing.T) {
	s := newServer(t)
	a := s.create("user1")

	rec := s.do(http.MethodDelete, "/api/v1/agendamentos/"+a.ID, "user2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodDelete, "/api/v1/agendamentos/"+a.ID, "user1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/agendamentos/"+a.ID, "user1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadJobsEmpty(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/v1/dead-jobs", "user1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dead_jobs":[]}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])

	h := api.NewHealthHandler(map[string]api.Check{
		"store": func(context.Context) error { return errors.New("database is locked") },
	})
	rec = httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}
