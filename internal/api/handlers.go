package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/taskqueue"
)

// Trigger enqueues a sync run.
type Trigger interface {
	Trigger(opts domain.SyncOptions, countdown time.Duration) taskqueue.Task
}

// Tasks exposes the queue's bookkeeping.
type Tasks interface {
	List() []taskqueue.Task
	Get(id string) (taskqueue.Task, bool)
	Cancel(id string) (taskqueue.Task, error)
}

type SyncRequest struct {
	Full             bool `json:"full"`
	LookbackDays     int  `json:"lookback_days"`
	CountdownSeconds int  `json:"countdown_seconds"`
	LockTTLHours     int  `json:"lock_ttl_hours"`
}

type SyncHandlers struct {
	trigger Trigger
	tasks   Tasks
	logger  *slog.Logger
}

func NewSyncHandlers(trigger Trigger, tasks Tasks, logger *slog.Logger) *SyncHandlers {
	return &SyncHandlers{
		trigger: trigger,
		tasks:   tasks,
		logger:  logger,
	}
}

// HandleTrigger serves POST /api/v1/syncs. An empty body starts an
// incremental sync now.
func (h *SyncHandlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.LookbackDays < 0 {
		WriteJSONError(w, http.StatusBadRequest, "field 'lookback_days' must not be negative")
		return
	}
	if req.CountdownSeconds < 0 {
		WriteJSONError(w, http.StatusBadRequest, "field 'countdown_seconds' must not be negative")
		return
	}
	if req.LockTTLHours < 0 {
		WriteJSONError(w, http.StatusBadRequest, "field 'lock_ttl_hours' must not be negative")
		return
	}

	task := h.trigger.Trigger(domain.SyncOptions{
		Full:         req.Full,
		LookbackDays: req.LookbackDays,
		LockTTL:      time.Duration(req.LockTTLHours) * time.Hour,
	}, time.Duration(req.CountdownSeconds)*time.Second)

	h.logger.Info("sync triggered", "task_id", task.ID, "full", req.Full, "countdown_seconds", req.CountdownSeconds)
	RespondWithJSON(w, http.StatusAccepted, task)
}

// HandleList serves GET /api/v1/syncs. By default only scheduled, reserved
// and active runs are listed; ?all=true includes finished ones.
func (h *SyncHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"

	tasks := make([]taskqueue.Task, 0)
	for _, t := range h.tasks.List() {
		if all || !t.State.Finished() {
			tasks = append(tasks, t)
		}
	}
	RespondWithJSON(w, http.StatusOK, tasks)
}

func (h *SyncHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	task, ok := h.tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		WriteJSONError(w, http.StatusNotFound, taskqueue.ErrNotFound.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, task)
}

// HandleCancel serves DELETE /api/v1/syncs/{id}.
func (h *SyncHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.tasks.Cancel(id)
	switch {
	case errors.Is(err, taskqueue.ErrNotFound):
		WriteJSONError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, taskqueue.ErrFinished):
		WriteJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to cancel sync", "task_id", id, "error", err)
		WriteJSONError(w, http.StatusInternalServerError, "failed to cancel sync")
		return
	}

	h.logger.Info("sync cancelled", "task_id", id)
	RespondWithJSON(w, http.StatusOK, task)
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
