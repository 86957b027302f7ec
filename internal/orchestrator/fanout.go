package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"mediaforge/internal/bus"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
)

const publishTimeout = 10 * time.Second

// fanout emits the work items of one task: one transcode envelope per
// effective profile and at most one face-detection envelope. Admission uses it
// for fresh tasks, the retention manager for retried ones.
type fanout struct {
	publisher bus.Publisher
	logger    *slog.Logger
}

// dispatch publishes every work item and reports which stages could not be
// published. Publish failures are not fatal for the task: the caller records
// them so the terminal predicate still closes over every stage.
func (f fanout) dispatch(ctx context.Context, task models.Task) (failed map[string]string, faceFailed bool) {
	failed = make(map[string]string)
	for _, profile := range task.EffectiveProfiles {
		envelope := bus.TranscodeTask{
			TaskID:       task.ID,
			ProfileID:    profile.ID,
			Source:       task.Source,
			Profile:      profile,
			OutputLayout: task.OutputLayout,
			Attempt:      1,
		}
		if err := f.publish(ctx, bus.TopicTranscodeTasks, envelope); err != nil {
			f.logger.Error("transcode fan-out publish failed",
				"task_id", task.ID, "profile_id", profile.ID, "error", err)
			failed[profile.ID] = "fan-out publish failed: " + err.Error()
		}
	}
	if task.Face.Stage == models.FacePending {
		cfg := models.FaceConfig{}
		if task.Face.Config != nil {
			cfg = *task.Face.Config
		}
		envelope := bus.FaceTask{
			TaskID:             task.ID,
			Source:             task.Source,
			Config:             cfg,
			AvatarOutputLayout: avatarLayout(task.OutputLayout),
			Attempt:            1,
		}
		if err := f.publish(ctx, bus.TopicFaceTasks, envelope); err != nil {
			f.logger.Error("face fan-out publish failed", "task_id", task.ID, "error", err)
			faceFailed = true
		}
	}
	return failed, faceFailed
}

func (f fanout) publish(ctx context.Context, topic string, envelope any) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := f.publisher.Publish(ctx, topic, envelope)
	metrics.ObserveBusPublish(topic, err == nil)
	return err
}
