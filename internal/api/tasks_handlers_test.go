package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mediaforge/internal/models"
)

func TestGetTask(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask(t, "task-1", models.StatusCompleted)

	rec := httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodGet, "/task/task-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view models.TaskView
	decodeBody(t, rec, &view)
	if view.TaskID != "task-1" || view.Status != models.StatusCompleted {
		t.Fatalf("view = %+v", view)
	}
	if len(view.EffectiveProfiles) != 1 || view.EffectiveProfiles[0] != "p1" {
		t.Fatalf("effective profiles = %v", view.EffectiveProfiles)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodGet, "/task/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTaskRouteGuards(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask(t, "task-1", models.StatusCompleted)

	rec := httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodPost, "/task/task-1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, DELETE" {
		t.Fatalf("allow = %q", allow)
	}

	rec = httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodGet, "/task/task-1/retry", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("retry with GET: status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("allow = %q", allow)
	}

	rec = httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodGet, "/task/task-1/promote", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action: status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodGet, "/task/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id: status = %d, want 400", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	f := newAPIFixture(t)
	task := f.seedTask(t, "task-1", models.StatusCompleted)
	seed := map[string]string{
		"renders/task-1/source/clip.mp4": "source",
		"renders/task-1/p1/out.mp4":      "artifact",
		"renders/task-1/faces/0.jpg":     "avatar",
	}
	for key, body := range seed {
		if _, err := f.blobs.Put(context.Background(), key, "", []byte(body)); err != nil {
			t.Fatalf("seed blob %s: %v", key, err)
		}
	}

	rec := httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodDelete, "/task/"+task.ID+"?delete_files=true&delete_faces=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
	var result struct {
		TaskID           string `json:"task_id"`
		ArtifactsRemoved int    `json:"artifacts_removed"`
		FacesRemoved     int    `json:"faces_removed"`
	}
	decodeBody(t, rec, &result)
	if result.TaskID != "task-1" || result.FacesRemoved != 1 || result.ArtifactsRemoved != 2 {
		t.Fatalf("result = %+v", result)
	}

	rec = httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodGet, "/task/task-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted task still served: status = %d", rec.Code)
	}
}

func TestRetryTask(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask(t, "task-1", models.StatusProcessing)
	f.seedTask(t, "task-2", models.StatusFailed)

	rec := httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodPost, "/task/task-1/retry", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry of running task: status = %d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodPost, "/task/task-2/retry", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body)
	}
	var view models.TaskView
	decodeBody(t, rec, &view)
	if view.Status != models.StatusProcessing {
		t.Fatalf("retried status = %s, want processing", view.Status)
	}
	if len(view.Outputs) != 0 {
		t.Fatalf("retry kept stale outputs: %+v", view.Outputs)
	}
}

func TestResendCallback(t *testing.T) {
	received := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newAPIFixture(t)
	task := f.seedTask(t, "task-1", models.StatusCompleted)
	task.Callback = &models.CallbackConfig{URL: server.URL}
	ctx := context.Background()
	if err := f.store.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.store.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodPost, "/task/task-1/callback", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback was not resent")
	}

	rec = httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodPost, "/task/task-1/callback", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("second resend: status = %d", rec.Code)
	}
}

func TestResendCallbackRequiresTerminal(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask(t, "task-1", models.StatusPending)
	rec := httptest.NewRecorder()
	f.handler.TaskByID(rec, httptest.NewRequest(http.MethodPost, "/task/task-1/callback", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestTasksQueryValidation(t *testing.T) {
	f := newAPIFixture(t)
	cases := []string{
		"/tasks?status=melting",
		"/tasks?limit=0",
		"/tasks?limit=501",
		"/tasks?limit=many",
		"/tasks?offset=-1",
		"/tasks?offset=few",
	}
	for _, target := range cases {
		rec := httptest.NewRecorder()
		f.handler.Tasks(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	f.handler.Tasks(rec, httptest.NewRequest(http.MethodPost, "/tasks", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestTasksPagination(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 5; i++ {
		f.seedTask(t, fmt.Sprintf("task-%d", i), models.StatusCompleted)
	}
	f.seedTask(t, "task-running", models.StatusProcessing)

	rec := httptest.NewRecorder()
	f.handler.Tasks(rec, httptest.NewRequest(http.MethodGet, "/tasks?status=completed&limit=2&offset=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Tasks  []models.TaskView `json:"tasks"`
		Total  int               `json:"total"`
		Limit  int               `json:"limit"`
		Offset int               `json:"offset"`
	}
	decodeBody(t, rec, &body)
	if body.Total != 5 || body.Limit != 2 || body.Offset != 1 {
		t.Fatalf("envelope = total %d limit %d offset %d", body.Total, body.Limit, body.Offset)
	}
	if len(body.Tasks) != 2 {
		t.Fatalf("page size = %d, want 2", len(body.Tasks))
	}
	for _, view := range body.Tasks {
		if view.Status != models.StatusCompleted {
			t.Fatalf("filter leaked status %s", view.Status)
		}
	}
}

func TestTasksSummary(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask(t, "task-1", models.StatusCompleted)
	f.seedTask(t, "task-2", models.StatusCompleted)
	f.seedTask(t, "task-3", models.StatusFailed)

	rec := httptest.NewRecorder()
	f.handler.TasksSummary(rec, httptest.NewRequest(http.MethodGet, "/tasks/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Total    int            `json:"total"`
		Statuses map[string]int `json:"statuses"`
	}
	decodeBody(t, rec, &body)
	if body.Total != 3 || body.Statuses["completed"] != 2 || body.Statuses["failed"] != 1 {
		t.Fatalf("summary = %+v", body)
	}
}
