package models

import "time"

// TaskView is the canonical result object: the body of GET /task/{id}, the
// terminal callback payload, and the notify-topic envelope are all this shape.
// Callback credentials and internal retry counters never leave the row.
type TaskView struct {
	TaskID            string                `json:"task_id"`
	Status            TaskStatus            `json:"status"`
	Source            string                `json:"source"`
	DetectedMediaType MediaType             `json:"detected_media_type"`
	SubmittedProfiles []Profile             `json:"submitted_profiles"`
	EffectiveProfiles []string              `json:"effective_profiles"`
	DroppedProfiles   []string              `json:"dropped_profiles,omitempty"`
	Outputs           map[string][]Artifact `json:"outputs"`
	FailedProfiles    map[string]string     `json:"failed_profiles"`
	FaceDetection     FaceView              `json:"face_detection"`
	NotifyTopic       string                `json:"notify_topic,omitempty"`
	CallbackURL       string                `json:"callback_url,omitempty"`
	Error             string                `json:"error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// FaceView is the face-detection block of a TaskView.
type FaceView struct {
	Stage FaceStage `json:"stage"`
	Faces []Face    `json:"faces,omitempty"`
	Error string    `json:"error,omitempty"`
}

// BuildTaskView projects a task row into its external representation.
func BuildTaskView(task Task) TaskView {
	view := TaskView{
		TaskID:            task.ID,
		Status:            task.Status,
		Source:            task.Source,
		DetectedMediaType: task.DetectedMediaType,
		SubmittedProfiles: cloneProfiles(task.SubmittedProfiles),
		DroppedProfiles:   append([]string(nil), task.DroppedProfiles...),
		Outputs:           map[string][]Artifact{},
		FailedProfiles:    map[string]string{},
		FaceDetection: FaceView{
			Stage: task.Face.Stage,
			Faces: append([]Face(nil), task.Face.Faces...),
			Error: task.Face.Error,
		},
		NotifyTopic: task.NotifyTopic,
		Error:       task.Error,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	}
	for _, profile := range task.EffectiveProfiles {
		view.EffectiveProfiles = append(view.EffectiveProfiles, profile.ID)
	}
	for id, artifacts := range task.Outputs {
		view.Outputs[id] = append([]Artifact(nil), artifacts...)
	}
	for id, reason := range task.FailedProfiles {
		view.FailedProfiles[id] = reason
	}
	if task.Callback != nil {
		view.CallbackURL = task.Callback.URL
	}
	return view
}

// ProfileResult is the per-profile outcome envelope published by transcode
// workers on transcode.results.
type ProfileResult struct {
	TaskID    string    `json:"task_id"`
	ProfileID string    `json:"profile_id"`
	Outcome   string    `json:"outcome"`
	Artifact  *Artifact `json:"artifact,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

// FaceResult is the task-level outcome envelope published by face-detection
// workers on face.results.
type FaceResult struct {
	TaskID    string `json:"task_id"`
	Outcome   string `json:"outcome"`
	Faces     []Face `json:"faces,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Outcome values carried by result envelopes.
const (
	OutcomeOK  = "ok"
	OutcomeErr = "err"
)
