package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// TaskHandler bridges the digital-task service.
type TaskHandler struct {
	tasks TaskService
}

func (h *TaskHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := DecodeJSON(r, &payload); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), taskTimeout)
	defer cancel()
	WriteResult(w, h.tasks.Execute(ctx, payload))
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	payload := map[string]any{"limit": page.Limit, "offset": page.Offset}
	if sessionID, ok := QueryString(r, "session_id"); ok {
		payload["session_id"] = sessionID
	}
	if status, ok := QueryString(r, "status"); ok {
		payload["status"] = status
	}
	WriteResult(w, h.tasks.ListTasks(payload))
}

func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if sessionID, ok := QueryString(r, "session_id"); ok {
		payload["session_id"] = sessionID
	}
	WriteResult(w, h.tasks.Stats(payload))
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteResult(w, h.tasks.GetTask(chi.URLParam(r, "task_id")))
}

func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	DecodeJSON(r, &body) // body is optional
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	WriteResult(w, h.tasks.Cancel(ctx, chi.URLParam(r, "task_id"), body.Reason))
}
