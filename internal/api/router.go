package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
)

// HeaderUserID carries the tenant of a request; every agendamento route is scoped to it
const HeaderUserID = "X-User-ID"

type contextKey string

const (
	keyParams contextKey = "params"
	keyUserID contextKey = "user_id"
)

type Dependencies struct {
	AgendamentoHandler *AgendamentoHandler
	HealthHandler      *HealthHandler
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/healthz", wrap(deps.HealthHandler.Check))

	h := deps.AgendamentoHandler
	router.POST("/api/v1/agendamentos", chain(h.Create, logRequest, requireUser))
	router.GET("/api/v1/agendamentos", chain(h.List, logRequest, requireUser))
	router.GET("/api/v1/agendamentos/:id", chain(h.Get, logRequest, requireUser))
	router.PATCH("/api/v1/agendamentos/:id", chain(h.Update, logRequest, requireUser))
	router.DELETE("/api/v1/agendamentos/:id", chain(h.Delete, logRequest, requireUser))
	router.POST("/api/v1/agendamentos/:id/cancel", chain(h.Cancel, logRequest, requireUser))
	router.POST("/api/v1/agendamentos/:id/retry", chain(h.Retry, logRequest, requireUser))

	router.GET("/api/v1/dead-jobs", chain(h.DeadJobs, logRequest, requireUser))

	return router
}

func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// wrap converts an http.HandlerFunc to an httprouter.Handle, passing route params through the request context
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), keyParams, ps)
		handler(w, r.WithContext(ctx))
	}
}

func param(r *http.Request, name string) string {
	ps, _ := r.Context().Value(keyParams).(httprouter.Params)
	return ps.ByName(name)
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(keyUserID).(string)
	return id
}

func requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderUserID)
		if id == "" {
			WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, HeaderUserID+" header is required")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), keyUserID, id)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("user_id", r.Header.Get(HeaderUserID)).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	}
}
