package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mediaforge/internal/blob"
	"mediaforge/internal/bus"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/store"
)

// DeleteResult reports what a task deletion removed.
type DeleteResult struct {
	TaskID           string `json:"task_id"`
	ArtifactsRemoved int    `json:"artifacts_removed"`
	FacesRemoved     int    `json:"faces_removed"`
}

// Retention owns the post-terminal operations: retrying a finished task,
// deleting a task and its artifacts, and resending the terminal callback.
type Retention struct {
	store    store.TaskStore
	blobs    blob.Client
	notifier *Notifier
	fanout   fanout
	logger   *slog.Logger
}

// NewRetention wires the retention manager.
func NewRetention(taskStore store.TaskStore, blobs blob.Client, publisher bus.Publisher, notifier *Notifier, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "retention")
	return &Retention{
		store:    taskStore,
		blobs:    blobs,
		notifier: notifier,
		fanout:   fanout{publisher: publisher, logger: logger},
		logger:   logger,
	}
}

// Retry re-runs a finished task from scratch. With wipe set, previously
// produced artifacts are removed first so the rerun starts clean; the uploaded
// source survives the wipe because workers need it again.
func (r *Retention) Retry(ctx context.Context, id string, wipe bool) (models.Task, error) {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if !current.Status.Terminal() {
		return models.Task{}, fmt.Errorf("%w: status %s", ErrTaskNotFinished, current.Status)
	}
	logger := r.logger.With("task_id", id)

	if wipe {
		if err := r.wipeOutputs(ctx, current, logger); err != nil {
			return models.Task{}, err
		}
	}

	task, err := r.store.ResetForRetry(ctx, id)
	if err != nil {
		return models.Task{}, fmt.Errorf("reset task: %w", err)
	}
	metrics.ObserveTaskEvent("retried")

	failed, faceFailed := r.fanout.dispatch(ctx, task)
	update := store.TaskUpdate{FailedProfiles: failed}
	if faceFailed {
		stage := models.FaceFailed
		update.FaceStage = &stage
	}
	task, err = r.store.Transition(ctx, id, models.StatusPending, models.StatusProcessing, update)
	if err != nil {
		logger.Error("retry transition to processing failed", "error", err)
		return models.Task{}, fmt.Errorf("transition retried task: %w", err)
	}
	metrics.TaskProcessing()
	logger.Info("task retried", "wipe", wipe, "profiles", len(task.EffectiveProfiles))

	if task.Status.Terminal() {
		// Every republish failed; close the rerun out immediately.
		metrics.TaskSettled()
		metrics.ObserveTaskEvent(string(task.Status))
		if r.notifier != nil {
			r.notifier.Deliver(ctx, task)
		}
	}
	return task, nil
}

// Delete removes the task row, optionally together with its stored objects.
// The face prefix is removed first because it nests under the task prefix;
// counting it separately keeps the response honest about what went where.
func (r *Retention) Delete(ctx context.Context, id string, wipeArtifacts, wipeFaces bool) (DeleteResult, error) {
	task, err := r.store.Get(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	result := DeleteResult{TaskID: id}
	logger := r.logger.With("task_id", id)

	if wipeFaces && !wipeArtifacts {
		removed, err := r.deletePrefix(ctx, FacePrefix(task.OutputLayout, id))
		if err != nil {
			return DeleteResult{}, fmt.Errorf("delete face avatars: %w", err)
		}
		result.FacesRemoved = removed
	}
	if wipeArtifacts {
		faces, err := r.deletePrefix(ctx, FacePrefix(task.OutputLayout, id))
		if err != nil {
			return DeleteResult{}, fmt.Errorf("delete face avatars: %w", err)
		}
		result.FacesRemoved = faces
		artifacts, err := r.deletePrefix(ctx, TaskPrefix(task.OutputLayout, id))
		if err != nil {
			return DeleteResult{}, fmt.Errorf("delete artifacts: %w", err)
		}
		result.ArtifactsRemoved = artifacts
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return DeleteResult{}, err
	}
	metrics.ObserveTaskEvent("deleted")
	logger.Info("task deleted",
		"artifacts_removed", result.ArtifactsRemoved,
		"faces_removed", result.FacesRemoved)
	return result, nil
}

// ResendCallback re-delivers the terminal notification for a finished task.
func (r *Retention) ResendCallback(ctx context.Context, id string) (models.Task, error) {
	task, err := r.store.Get(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if !task.Status.Terminal() {
		return models.Task{}, fmt.Errorf("%w: status %s", ErrTaskNotFinished, task.Status)
	}
	if r.notifier != nil {
		r.notifier.Deliver(ctx, task)
	}
	return task, nil
}

func (r *Retention) wipeOutputs(ctx context.Context, task models.Task, logger *slog.Logger) error {
	// Remove profile folders individually so the source folder under the task
	// prefix is left alone.
	taskPrefix := TaskPrefix(task.OutputLayout, task.ID)
	for _, profile := range task.EffectiveProfiles {
		folder := renderFolder(task.OutputLayout, task.ID, profile.ID)
		if folder == taskPrefix {
			// Rows admitted before folder_structure required {profile_id}
			// render every profile into the task prefix; wiping that prefix
			// would take the uploaded source with it.
			logger.Warn("skipping wipe for layout without profile placeholder", "profile_id", profile.ID)
			continue
		}
		removed, err := r.deletePrefix(ctx, folder)
		if err != nil {
			return fmt.Errorf("wipe profile %s: %w", profile.ID, err)
		}
		if removed > 0 {
			logger.Info("wiped profile outputs", "profile_id", profile.ID, "objects", removed)
		}
	}
	removed, err := r.deletePrefix(ctx, FacePrefix(task.OutputLayout, task.ID))
	if err != nil {
		return fmt.Errorf("wipe face avatars: %w", err)
	}
	if removed > 0 {
		logger.Info("wiped face avatars", "objects", removed)
	}
	return nil
}

func (r *Retention) deletePrefix(ctx context.Context, prefix string) (int, error) {
	if r.blobs == nil {
		return 0, nil
	}
	removed, err := r.blobs.DeletePrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, blob.ErrDisabled) {
			return 0, nil
		}
		return 0, err
	}
	return removed, nil
}
