package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"mediaforge/internal/orchestrator"
	"mediaforge/internal/store"
)

// Handler bundles the HTTP surface of the orchestrator.
type Handler struct {
	Store     store.TaskStore
	Admission *orchestrator.Admission
	Retention *orchestrator.Retention
}

// NewHandler wires the REST handlers.
func NewHandler(taskStore store.TaskStore, admission *orchestrator.Admission, retention *orchestrator.Retention) *Handler {
	return &Handler{Store: taskStore, Admission: admission, Retention: retention}
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports liveness only; it never touches dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDB probes the task store and reports degraded with a 503 on failure.
func (h *Handler) HealthDB(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// writeDomainError maps orchestrator and store errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBadRequest),
		errors.Is(err, orchestrator.ErrNoApplicableProfiles):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, orchestrator.ErrTaskNotFinished):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrTaskExists), errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
