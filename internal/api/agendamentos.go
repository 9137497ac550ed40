package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/witroch4/chatwit/jobs"
	"github.com/witroch4/chatwit/publish"
)

// Scheduler is the part of publish.Scheduler that the API serves
type Scheduler interface {
	Schedule(ctx context.Context, a *publish.Agendamento) error
	Get(ctx context.Context, userID, id string) (*publish.Agendamento, error)
	List(ctx context.Context, userID string) ([]*publish.Agendamento, error)
	Update(ctx context.Context, userID, id string, patch publish.Patch) (*publish.Agendamento, error)
	Cancel(ctx context.Context, userID, id string) (*publish.Agendamento, error)
	Delete(ctx context.Context, userID, id string) error
	Retry(ctx context.Context, userID, id string) (*publish.Agendamento, error)
	DeadJobs(ctx context.Context, userID string) ([]*jobs.Job, error)
}

type AgendamentoHandler struct {
	scheduler Scheduler
}

func NewAgendamentoHandler(scheduler Scheduler) *AgendamentoHandler {
	return &AgendamentoHandler{scheduler: scheduler}
}

type createRequest struct {
	AccountID   string             `json:"account_id"`
	Caption     string             `json:"caption"`
	Media       []publish.Media    `json:"media"`
	Targets     publish.Targets    `json:"targets"`
	Recurrence  publish.Recurrence `json:"recurrence"`
	Randomize   bool               `json:"randomize"`
	ScheduledAt time.Time          `json:"scheduled_at"`
}

// deadJob is the API view of a publish job that exhausted its retries
type deadJob struct {
	Fingerprint   string    `json:"fingerprint"`
	AgendamentoID string    `json:"agendamento_id"`
	Error         string    `json:"error,omitempty"`
	Retries       int       `json:"retries"`
	RunAfter      time.Time `json:"run_after"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *AgendamentoHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body")
		return
	}

	a := &publish.Agendamento{
		UserID:      userID(r),
		AccountID:   req.AccountID,
		Caption:     req.Caption,
		Media:       req.Media,
		Targets:     req.Targets,
		Recurrence:  req.Recurrence,
		Randomize:   req.Randomize,
		ScheduledAt: req.ScheduledAt,
	}

	err := h.scheduler.Schedule(r.Context(), a)
	if err != nil && !errors.Is(err, publish.ErrNotEnqueued) {
		a = nil
	}

	writeResult(w, http.StatusCreated, a, err)
}

func (h *AgendamentoHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.scheduler.List(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if list == nil {
		list = []*publish.Agendamento{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"agendamentos": list})
}

func (h *AgendamentoHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.scheduler.Get(r.Context(), userID(r), param(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *AgendamentoHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch publish.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body")
		return
	}

	a, err := h.scheduler.Update(r.Context(), userID(r), param(r, "id"), patch)
	writeResult(w, http.StatusOK, a, err)
}

func (h *AgendamentoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Delete(r.Context(), userID(r), param(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AgendamentoHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	a, err := h.scheduler.Cancel(r.Context(), userID(r), param(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *AgendamentoHandler) Retry(w http.ResponseWriter, r *http.Request) {
	a, err := h.scheduler.Retry(r.Context(), userID(r), param(r, "id"))
	writeResult(w, http.StatusAccepted, a, err)
}

func (h *AgendamentoHandler) DeadJobs(w http.ResponseWriter, r *http.Request) {
	dead, err := h.scheduler.DeadJobs(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]deadJob, 0, len(dead))
	for _, j := range dead {
		views = append(views, deadJob{
			Fingerprint:   j.Fingerprint,
			AgendamentoID: publish.AgendamentoID(j),
			Error:         j.Error.ValueOrZero(),
			Retries:       j.Retries,
			RunAfter:      j.RunAfter,
			CreatedAt:     j.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"dead_jobs": views})
}
