package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mediaforge/internal/models"
)

func videoProfile(id string) models.Profile {
	return models.Profile{
		ID:          id,
		OutputType:  models.OutputVideo,
		VideoConfig: &models.VideoConfig{Width: 1280, Height: 720},
	}
}

func newProcessingTask(id string, face bool, profileIDs ...string) models.Task {
	profiles := make([]models.Profile, 0, len(profileIDs))
	for _, pid := range profileIDs {
		profiles = append(profiles, videoProfile(pid))
	}
	stage := models.FaceDisabled
	if face {
		stage = models.FacePending
	}
	return models.Task{
		ID:                id,
		Status:            models.StatusProcessing,
		Source:            "https://cdn.example.com/source.mp4",
		DetectedMediaType: models.MediaVideo,
		SubmittedProfiles: profiles,
		EffectiveProfiles: profiles,
		Face:              models.FaceDetection{Stage: stage},
		OutputLayout:      models.OutputLayout{BasePath: "renders", FolderStructure: "{task_id}/{profile_id}"},
	}
}

func okResult(taskID, profileID string) models.ProfileResult {
	return models.ProfileResult{
		TaskID:    taskID,
		ProfileID: profileID,
		Outcome:   models.OutcomeOK,
		Artifact:  &models.Artifact{URL: "https://cdn.example.com/" + profileID + ".mp4", SizeBytes: 1024},
	}
}

func errResult(taskID, profileID string, retryable bool) models.ProfileResult {
	return models.ProfileResult{
		TaskID:    taskID,
		ProfileID: profileID,
		Outcome:   models.OutcomeErr,
		Reason:    "encoder crashed",
		Retryable: retryable,
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	task := newProcessingTask("task-1", false, "p1")
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, task); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.EffectiveProfiles[0].ID = "mutated"
	got.Outputs["p1"] = []models.Artifact{{URL: "x"}}

	reread, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reread.EffectiveProfiles[0].ID != "p1" {
		t.Fatalf("stored profile mutated through returned copy")
	}
	if len(reread.Outputs) != 0 {
		t.Fatalf("stored outputs mutated through returned copy")
	}
}

func TestApplyProfileResultCompletesTask(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1", "p2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	task, outcome, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1"))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if !outcome.Applied || outcome.BecameTerminal {
		t.Fatalf("first result: outcome = %+v, want applied and not terminal", outcome)
	}
	if task.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing", task.Status)
	}

	task, outcome, err = s.ApplyProfileResult(ctx, okResult("task-1", "p2"))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if !outcome.BecameTerminal {
		t.Fatalf("second result should settle the task, outcome = %+v", outcome)
	}
	if task.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if len(task.Outputs["p1"]) != 1 || len(task.Outputs["p2"]) != 1 {
		t.Fatalf("outputs = %+v, want one artifact per profile", task.Outputs)
	}
}

func TestDuplicateResultDoesNotDoubleRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1", "p2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1")); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}

	task, outcome, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1"))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if !outcome.Duplicate || outcome.Applied {
		t.Fatalf("redelivery: outcome = %+v, want duplicate", outcome)
	}
	if len(task.Outputs["p1"]) != 1 {
		t.Fatalf("redelivery appended a second artifact: %+v", task.Outputs["p1"])
	}
}

func TestFirstRecordedOutcomeWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1", "p2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1")); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}

	task, outcome, err := s.ApplyProfileResult(ctx, errResult("task-1", "p1", false))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if !outcome.Duplicate {
		t.Fatalf("conflicting outcome should be treated as duplicate, got %+v", outcome)
	}
	if _, failed := task.FailedProfiles["p1"]; failed {
		t.Fatalf("success overwritten by a later failure")
	}
}

func TestStaleResultForDroppedProfile(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	task := newProcessingTask("task-1", false, "p1")
	task.DroppedProfiles = []string{"p2"}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, outcome, err := s.ApplyProfileResult(ctx, okResult("task-1", "p2"))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if !outcome.Stale || outcome.Applied {
		t.Fatalf("dropped-profile result: outcome = %+v, want stale", outcome)
	}
	if len(updated.Outputs) != 0 {
		t.Fatalf("stale result recorded an artifact: %+v", updated.Outputs)
	}
}

func TestResultForUnknownTask(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, _, err := s.ApplyProfileResult(ctx, okResult("missing", "p1")); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRetryableFailureRepublishesUntilBudget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithRetryLimit(2))
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for want := 2; want <= 3; want++ {
		task, outcome, err := s.ApplyProfileResult(ctx, errResult("task-1", "p1", true))
		if err != nil {
			t.Fatalf("ApplyProfileResult: %v", err)
		}
		if !outcome.Retry {
			t.Fatalf("attempt %d: outcome = %+v, want retry", want, outcome)
		}
		if outcome.Attempt != want {
			t.Fatalf("republish attempt = %d, want %d", outcome.Attempt, want)
		}
		if task.Status.Terminal() {
			t.Fatalf("task settled while retries remain")
		}
	}

	task, outcome, err := s.ApplyProfileResult(ctx, errResult("task-1", "p1", true))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if outcome.Retry {
		t.Fatalf("retry budget not enforced, outcome = %+v", outcome)
	}
	if !outcome.BecameTerminal || task.Status != models.StatusFailed {
		t.Fatalf("exhausted retries: status = %s, outcome = %+v, want failed terminal", task.Status, outcome)
	}
	if task.FailedProfiles["p1"] != "encoder crashed" {
		t.Fatalf("failure reason = %q", task.FailedProfiles["p1"])
	}
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1", "p2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1")); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}

	task, outcome, err := s.ApplyProfileResult(ctx, errResult("task-1", "p2", false))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if outcome.Retry {
		t.Fatalf("non-retryable failure republished")
	}
	if task.Status != models.StatusPartial {
		t.Fatalf("status = %s, want partial (one output, one failure)", task.Status)
	}
}

func TestTerminalTaskIgnoresLateResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1")); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}

	task, outcome, err := s.ApplyProfileResult(ctx, errResult("task-1", "p1", false))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if !outcome.Duplicate || outcome.Applied {
		t.Fatalf("late result mutated a terminal task, outcome = %+v", outcome)
	}
	if task.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
}

func TestFaceStageHoldsTaskOpen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", true, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	task, outcome, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1"))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if outcome.BecameTerminal || task.Status.Terminal() {
		t.Fatalf("task settled while face detection is pending")
	}

	task, outcome, err = s.ApplyFaceResult(ctx, models.FaceResult{
		TaskID:  "task-1",
		Outcome: models.OutcomeOK,
		Faces:   []models.Face{{GroupIndex: 0, AvatarURL: "https://cdn.example.com/faces/0.jpg"}},
	})
	if err != nil {
		t.Fatalf("ApplyFaceResult: %v", err)
	}
	if !outcome.BecameTerminal || task.Status != models.StatusCompleted {
		t.Fatalf("face completion should settle the task: status = %s, outcome = %+v", task.Status, outcome)
	}
	if task.Face.Stage != models.FaceCompleted || len(task.Face.Faces) != 1 {
		t.Fatalf("face stage = %+v", task.Face)
	}
}

func TestFaceFailureWithOutputsIsPartial(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", true, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1")); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}

	task, outcome, err := s.ApplyFaceResult(ctx, models.FaceResult{
		TaskID: "task-1", Outcome: models.OutcomeErr, Reason: "detector crashed",
	})
	if err != nil {
		t.Fatalf("ApplyFaceResult: %v", err)
	}
	if !outcome.BecameTerminal || task.Status != models.StatusPartial {
		t.Fatalf("status = %s, outcome = %+v, want partial", task.Status, outcome)
	}
	if task.Face.Stage != models.FaceFailed || task.Face.Error != "detector crashed" {
		t.Fatalf("face stage = %+v", task.Face)
	}
}

func TestFaceRetryBudget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithRetryLimit(1))
	if err := s.Create(ctx, newProcessingTask("task-1", true, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1")); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}

	_, outcome, err := s.ApplyFaceResult(ctx, models.FaceResult{TaskID: "task-1", Outcome: models.OutcomeErr, Retryable: true})
	if err != nil {
		t.Fatalf("ApplyFaceResult: %v", err)
	}
	if !outcome.Retry || outcome.Attempt != 2 {
		t.Fatalf("first retryable face failure: outcome = %+v", outcome)
	}

	task, outcome, err := s.ApplyFaceResult(ctx, models.FaceResult{TaskID: "task-1", Outcome: models.OutcomeErr, Retryable: true})
	if err != nil {
		t.Fatalf("ApplyFaceResult: %v", err)
	}
	if outcome.Retry {
		t.Fatalf("face retry budget not enforced")
	}
	if task.Face.Stage != models.FaceFailed || task.Status != models.StatusPartial {
		t.Fatalf("task = %+v", task)
	}
}

func TestMergeIsOrderInsensitive(t *testing.T) {
	ctx := context.Background()
	results := []models.ProfileResult{
		okResult("task-1", "p1"),
		errResult("task-1", "p2", false),
		okResult("task-1", "p3"),
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}}

	for i, order := range orders {
		s := NewMemoryStore()
		if err := s.Create(ctx, newProcessingTask("task-1", false, "p1", "p2", "p3")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		for _, idx := range order {
			if _, _, err := s.ApplyProfileResult(ctx, results[idx]); err != nil {
				t.Fatalf("order %d: ApplyProfileResult: %v", i, err)
			}
		}
		task, err := s.Get(ctx, "task-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task.Status != models.StatusPartial {
			t.Fatalf("order %v: status = %s, want partial", order, task.Status)
		}
		if len(task.Outputs) != 2 || len(task.FailedProfiles) != 1 {
			t.Fatalf("order %v: outputs = %d, failures = %d", order, len(task.Outputs), len(task.FailedProfiles))
		}
	}
}

func TestTransitionGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	task := newProcessingTask("task-1", false, "p1")
	task.Status = models.StatusPending
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Transition(ctx, "task-1", models.StatusProcessing, models.StatusFailed, TaskUpdate{}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	updated, err := s.Transition(ctx, "task-1", models.StatusPending, models.StatusProcessing, TaskUpdate{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing", updated.Status)
	}
}

func TestTransitionSettlesWhenNothingOutstanding(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	task := newProcessingTask("task-1", false, "p1", "p2")
	task.Status = models.StatusPending
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Fan-out failed to publish every stage: no result will ever arrive, so
	// the guarded transition itself must settle the task.
	updated, err := s.Transition(ctx, "task-1", models.StatusPending, models.StatusProcessing, TaskUpdate{
		FailedProfiles: map[string]string{"p1": "publish failed", "p2": "publish failed"},
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", updated.Status)
	}
	if updated.Error == "" {
		t.Fatalf("terminal failure should carry a summary error")
	}
}

func TestResetForRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", true, "p1", "p2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1")); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, errResult("task-1", "p2", false)); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if _, _, err := s.ApplyFaceResult(ctx, models.FaceResult{TaskID: "task-1", Outcome: models.OutcomeErr}); err != nil {
		t.Fatalf("ApplyFaceResult: %v", err)
	}

	task, err := s.ResetForRetry(ctx, "task-1")
	if err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}
	if task.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if len(task.Outputs) != 0 || len(task.FailedProfiles) != 0 || len(task.Attempts) != 0 {
		t.Fatalf("reset left stage state behind: %+v", task)
	}
	if task.Face.Stage != models.FacePending || task.Face.Error != "" || task.Face.Attempts != 0 {
		t.Fatalf("face stage not reset: %+v", task.Face)
	}
	if task.Error != "" {
		t.Fatalf("task error not cleared: %q", task.Error)
	}
}

func TestResetForRetryKeepsFaceDisabled(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.ApplyProfileResult(ctx, errResult("task-1", "p1", false)); err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	task, err := s.ResetForRetry(ctx, "task-1")
	if err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}
	if task.Face.Stage != models.FaceDisabled {
		t.Fatalf("face stage = %s, want disabled", task.Face.Stage)
	}
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return frozen }))
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1", "p2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p1"))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	second, _, err := s.ApplyProfileResult(ctx, okResult("task-1", "p2"))
	if err != nil {
		t.Fatalf("ApplyProfileResult: %v", err)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at did not advance under a stalled clock: %v then %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestListFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	s := NewMemoryStore(WithClock(func() time.Time { return now }))
	for i := 0; i < 5; i++ {
		now = base.Add(time.Duration(i) * time.Minute)
		task := newProcessingTask(fmt.Sprintf("task-%d", i), false, "p1")
		if i%2 == 0 {
			task.Status = models.StatusPending
		}
		if err := s.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pending := models.StatusPending
	tasks, total, err := s.List(ctx, Filter{Status: &pending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(tasks) != 3 {
		t.Fatalf("pending filter: total = %d, len = %d, want 3", total, len(tasks))
	}

	tasks, total, err = s.List(ctx, Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(tasks) != 2 {
		t.Fatalf("pagination: total = %d, len = %d", total, len(tasks))
	}
	// Newest first.
	if tasks[0].ID != "task-3" || tasks[1].ID != "task-2" {
		t.Fatalf("page order = %s, %s", tasks[0].ID, tasks[1].ID)
	}

	tasks, total, err = s.List(ctx, Filter{Offset: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(tasks) != 0 {
		t.Fatalf("past-the-end offset: total = %d, len = %d", total, len(tasks))
	}
}

func TestSummaryCountsByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, status := range []models.TaskStatus{models.StatusPending, models.StatusPending, models.StatusCompleted} {
		task := newProcessingTask(fmt.Sprintf("task-%d", i), false, "p1")
		task.Status = status
		if err := s.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	counts, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusCompleted] != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newProcessingTask("task-1", false, "p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "task-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "task-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "task-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound after delete, got %v", err)
	}
}
