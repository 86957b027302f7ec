package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mediaforge/internal/models"
	"mediaforge/internal/store"
)

// TaskByID serves /task/{id} and the retry and callback subroutes.
func (h *Handler) TaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/task/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}
	id, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.getTask(w, r, id)
		case http.MethodDelete:
			h.deleteTask(w, r, id)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
	case "retry":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.retryTask(w, r, id)
	case "callback":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.resendCallback(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task action %q", action))
	}
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.BuildTaskView(task))
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request, id string) {
	wipeArtifacts := queryBool(r, "delete_files")
	wipeFaces := queryBool(r, "delete_faces")
	result, err := h.Retention.Delete(r.Context(), id, wipeArtifacts, wipeFaces)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) retryTask(w http.ResponseWriter, r *http.Request, id string) {
	wipe := queryBool(r, "delete_files")
	task, err := h.Retention.Retry(r.Context(), id, wipe)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.BuildTaskView(task))
}

func (h *Handler) resendCallback(w http.ResponseWriter, r *http.Request, id string) {
	task, err := h.Retention.ResendCallback(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

// Tasks serves GET /tasks with optional status, limit, and offset filters.
func (h *Handler) Tasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	filter := store.Filter{Limit: 50}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := models.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", raw))
			return
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and 500"))
			return
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("offset must not be negative"))
			return
		}
		filter.Offset = offset
	}

	tasks, total, err := h.Store.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]models.TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, models.BuildTaskView(task))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":  views,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// TasksSummary serves GET /tasks/summary with per-status counts.
func (h *Handler) TasksSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	summary, err := h.Store.Summary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	counts := make(map[string]int, len(summary))
	total := 0
	for status, count := range summary {
		counts[string(status)] = count
		total += count
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"statuses": counts,
	})
}

func queryBool(r *http.Request, key string) bool {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}
