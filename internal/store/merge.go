package store

import (
	"fmt"
	"time"

	"mediaforge/internal/models"
)

// The merge protocol. Both backends load the row under their own exclusion
// (keyed critical section or SELECT ... FOR UPDATE), call these routines, and
// persist the mutated row in the same transaction.

func mergeProfileResult(task *models.Task, result models.ProfileResult, retryMax int) MergeOutcome {
	if task.Status.Terminal() {
		return MergeOutcome{Duplicate: true}
	}
	if _, ok := task.EffectiveProfile(result.ProfileID); !ok {
		return MergeOutcome{Stale: true}
	}
	if _, ok := task.Outputs[result.ProfileID]; ok {
		return MergeOutcome{Duplicate: true}
	}
	if _, ok := task.FailedProfiles[result.ProfileID]; ok {
		return MergeOutcome{Duplicate: true}
	}
	outcome := MergeOutcome{Applied: true}
	switch result.Outcome {
	case models.OutcomeOK:
		artifact := models.Artifact{}
		if result.Artifact != nil {
			artifact = *result.Artifact
		}
		if task.Outputs == nil {
			task.Outputs = make(map[string][]models.Artifact)
		}
		task.Outputs[result.ProfileID] = append(task.Outputs[result.ProfileID], artifact)
	default:
		retries := task.Attempts[result.ProfileID]
		if result.Retryable && retries < retryMax {
			if task.Attempts == nil {
				task.Attempts = make(map[string]int)
			}
			task.Attempts[result.ProfileID] = retries + 1
			// The failure is not recorded yet; the republished envelope
			// carries the next attempt number.
			outcome.Retry = true
			outcome.Attempt = retries + 2
			return outcome
		}
		if task.FailedProfiles == nil {
			task.FailedProfiles = make(map[string]string)
		}
		task.FailedProfiles[result.ProfileID] = failureReason(result.Reason)
	}
	outcome.BecameTerminal = evaluateTerminal(task)
	return outcome
}

func mergeFaceResult(task *models.Task, result models.FaceResult, retryMax int) MergeOutcome {
	if task.Status.Terminal() {
		return MergeOutcome{Duplicate: true}
	}
	if task.Face.Stage != models.FacePending {
		return MergeOutcome{Duplicate: true}
	}
	outcome := MergeOutcome{Applied: true}
	switch result.Outcome {
	case models.OutcomeOK:
		task.Face.Stage = models.FaceCompleted
		task.Face.Faces = result.Faces
		task.Face.Error = ""
	default:
		if result.Retryable && task.Face.Attempts < retryMax {
			task.Face.Attempts++
			outcome.Retry = true
			outcome.Attempt = task.Face.Attempts + 1
			return outcome
		}
		task.Face.Stage = models.FaceFailed
		task.Face.Error = failureReason(result.Reason)
	}
	outcome.BecameTerminal = evaluateTerminal(task)
	return outcome
}

// evaluateTerminal applies the terminal predicate and rewrites status when the
// task has settled. Returns true when this call made the task terminal.
func evaluateTerminal(task *models.Task) bool {
	if task.Status.Terminal() {
		return false
	}
	if len(task.OutstandingProfiles()) > 0 {
		return false
	}
	if task.Face.Stage == models.FacePending {
		return false
	}
	switch {
	case len(task.FailedProfiles) == 0 && task.Face.Stage != models.FaceFailed:
		task.Status = models.StatusCompleted
	case len(task.Outputs) > 0:
		task.Status = models.StatusPartial
	default:
		task.Status = models.StatusFailed
	}
	if task.Status == models.StatusFailed && task.Error == "" {
		task.Error = summarizeFailure(task)
	}
	return true
}

func applyTransition(task *models.Task, from, to models.TaskStatus, update TaskUpdate) error {
	if task.Status != from {
		return fmt.Errorf("%w: have %s, want %s", ErrStatusConflict, task.Status, from)
	}
	task.Status = to
	for id, reason := range update.FailedProfiles {
		if task.FailedProfiles == nil {
			task.FailedProfiles = make(map[string]string)
		}
		task.FailedProfiles[id] = failureReason(reason)
	}
	if update.FaceStage != nil {
		task.Face.Stage = *update.FaceStage
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	// Fan-out may have failed for every stage, in which case no result
	// message will ever arrive to settle the task.
	if task.Status == models.StatusProcessing {
		evaluateTerminal(task)
	}
	return nil
}

func applyRetryReset(task *models.Task) {
	task.Status = models.StatusPending
	task.Outputs = make(map[string][]models.Artifact)
	task.FailedProfiles = make(map[string]string)
	task.Attempts = make(map[string]int)
	task.Error = ""
	task.Face.Faces = nil
	task.Face.Error = ""
	task.Face.Attempts = 0
	if task.Face.Stage != models.FaceDisabled {
		task.Face.Stage = models.FacePending
	}
}

// touch bumps updated_at, keeping it strictly increasing even when the wall
// clock stalls inside one millisecond.
func touch(task *models.Task, now time.Time) {
	if !now.After(task.UpdatedAt) {
		now = task.UpdatedAt.Add(time.Microsecond)
	}
	task.UpdatedAt = now
}

func failureReason(reason string) string {
	if reason == "" {
		return "worker reported failure"
	}
	return reason
}

func summarizeFailure(task *models.Task) string {
	if task.Face.Stage == models.FaceFailed && task.Face.Error != "" {
		return "face detection failed: " + task.Face.Error
	}
	for id, reason := range task.FailedProfiles {
		return fmt.Sprintf("profile %s failed: %s", id, reason)
	}
	return "all stages failed"
}
