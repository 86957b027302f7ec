package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"mediaforge/internal/bus"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/store"
)

// Aggregator consumes worker result envelopes and folds them into task rows.
// Merging is idempotent at the store layer; the aggregator adds the bus
// plumbing around it: republishing retryable failures and delivering the
// terminal notification exactly once per transition.
type Aggregator struct {
	store     store.TaskStore
	publisher bus.Publisher
	notifier  *Notifier
	locks     *keyedMutex
	logger    *slog.Logger
}

// NewAggregator wires the result consumer.
func NewAggregator(taskStore store.TaskStore, publisher bus.Publisher, notifier *Notifier, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:     taskStore,
		publisher: publisher,
		notifier:  notifier,
		locks:     newKeyedMutex(64),
		logger:    logging.WithComponent(logger, "aggregator"),
	}
}

// HandleTranscodeResult is the transcode.results subscription handler.
func (a *Aggregator) HandleTranscodeResult(ctx context.Context, msg bus.Message) error {
	var result models.ProfileResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		a.logger.Error("malformed transcode result dropped", "message_id", msg.ID, "error", err)
		return nil
	}
	if result.TaskID == "" || result.ProfileID == "" {
		a.logger.Error("transcode result missing identifiers dropped", "message_id", msg.ID)
		return nil
	}

	unlock := a.locks.Lock(result.TaskID)
	defer unlock()

	task, outcome, err := a.store.ApplyProfileResult(ctx, result)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			// The task was deleted while results were in flight.
			metrics.ObserveMergeOutcome("stale")
			return nil
		}
		return fmt.Errorf("apply transcode result: %w", err)
	}
	a.observe(task, outcome, result.ProfileID)

	if outcome.Retry {
		if err := a.republishProfile(ctx, task, result.ProfileID, outcome.Attempt); err != nil {
			return err
		}
	}
	if outcome.BecameTerminal {
		a.settle(ctx, task)
	}
	return nil
}

// HandleFaceResult is the face.results subscription handler.
func (a *Aggregator) HandleFaceResult(ctx context.Context, msg bus.Message) error {
	var result models.FaceResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		a.logger.Error("malformed face result dropped", "message_id", msg.ID, "error", err)
		return nil
	}
	if result.TaskID == "" {
		a.logger.Error("face result missing task id dropped", "message_id", msg.ID)
		return nil
	}

	unlock := a.locks.Lock(result.TaskID)
	defer unlock()

	task, outcome, err := a.store.ApplyFaceResult(ctx, result)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			metrics.ObserveMergeOutcome("stale")
			return nil
		}
		return fmt.Errorf("apply face result: %w", err)
	}
	a.observe(task, outcome, "face")

	if outcome.Retry {
		cfg := models.FaceConfig{}
		if task.Face.Config != nil {
			cfg = *task.Face.Config
		}
		envelope := bus.FaceTask{
			TaskID:             task.ID,
			Source:             task.Source,
			Config:             cfg,
			AvatarOutputLayout: avatarLayout(task.OutputLayout),
			Attempt:            outcome.Attempt,
		}
		if err := a.republish(ctx, bus.TopicFaceTasks, envelope); err != nil {
			return err
		}
	}
	if outcome.BecameTerminal {
		a.settle(ctx, task)
	}
	return nil
}

// DeadLetterHandler builds the hook run when a result message exhausts its
// delivery budget on the given topic. The payload is already parked on the
// dead-letter stream by the bus; the hook forces the task to failed so it does
// not hang in processing forever.
func (a *Aggregator) DeadLetterHandler(topic string) func(ctx context.Context, msg bus.Message) {
	return func(ctx context.Context, msg bus.Message) {
		metrics.ObserveDeadLetter(topic)

		var envelope struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil || envelope.TaskID == "" {
			a.logger.Error("dead letter without task id", "topic", topic, "message_id", msg.ID)
			return
		}
		logger := a.logger.With("task_id", envelope.TaskID, "topic", topic)
		logger.Error("result exhausted delivery budget", "message_id", msg.ID)

		unlock := a.locks.Lock(envelope.TaskID)
		defer unlock()

		reason := fmt.Sprintf("result processing exhausted delivery budget on %s", topic)
		task, err := a.store.Transition(ctx, envelope.TaskID, models.StatusProcessing, models.StatusFailed, store.TaskUpdate{Error: &reason})
		if err != nil {
			// Already terminal or deleted; nothing left to force.
			if !errors.Is(err, store.ErrStatusConflict) && !errors.Is(err, store.ErrTaskNotFound) {
				logger.Error("failed to park task after dead letter", "error", err)
			}
			return
		}
		a.settle(ctx, task)
	}
}

func (a *Aggregator) republishProfile(ctx context.Context, task models.Task, profileID string, attempt int) error {
	profile, ok := task.EffectiveProfile(profileID)
	if !ok {
		// The merge only schedules retries for effective profiles, so a miss
		// here means the row changed under us; drop rather than loop.
		a.logger.Error("retry for unknown profile dropped", "task_id", task.ID, "profile_id", profileID)
		return nil
	}
	envelope := bus.TranscodeTask{
		TaskID:       task.ID,
		ProfileID:    profile.ID,
		Source:       task.Source,
		Profile:      profile,
		OutputLayout: task.OutputLayout,
		Attempt:      attempt,
	}
	return a.republish(ctx, bus.TopicTranscodeTasks, envelope)
}

func (a *Aggregator) republish(ctx context.Context, topic string, envelope any) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := a.publisher.Publish(ctx, topic, envelope)
	metrics.ObserveBusPublish(topic, err == nil)
	if err != nil {
		// Nack the result so redelivery gets another shot at republishing.
		return fmt.Errorf("republish retry on %s: %w", topic, err)
	}
	return nil
}

func (a *Aggregator) observe(task models.Task, outcome store.MergeOutcome, stage string) {
	kind := "applied"
	switch {
	case outcome.Stale:
		kind = "stale"
	case outcome.Duplicate:
		kind = "duplicate"
	case outcome.Retry:
		kind = "retry"
	}
	metrics.ObserveMergeOutcome(kind)
	if kind != "applied" && kind != "retry" {
		a.logger.Info("result merge skipped",
			"task_id", task.ID, "stage", stage, "outcome", kind)
	}
}

func (a *Aggregator) settle(ctx context.Context, task models.Task) {
	metrics.TaskSettled()
	metrics.ObserveTaskEvent(string(task.Status))
	a.logger.Info("task settled",
		"task_id", task.ID,
		"status", task.Status,
		"outputs", len(task.Outputs),
		"failed_profiles", strings.Join(failedProfileIDs(task), ","))
	if a.notifier != nil {
		a.notifier.Deliver(ctx, task)
	}
}

func failedProfileIDs(task models.Task) []string {
	ids := make([]string, 0, len(task.FailedProfiles))
	for id := range task.FailedProfiles {
		ids = append(ids, id)
	}
	return ids
}
