package models

import "time"

// TaskStatus tracks a task along its lifecycle. Transitions are monotone:
// PENDING → PROCESSING → one of the terminal states. Only an explicit retry
// resets a terminal task back to PENDING.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusPartial    TaskStatus = "partial"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further merge mutations.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// ParseStatus validates a caller-supplied status filter.
func ParseStatus(raw string) (TaskStatus, bool) {
	switch TaskStatus(raw) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusPartial, StatusFailed:
		return TaskStatus(raw), true
	}
	return "", false
}

// MediaType is the classifier's verdict about a source.
type MediaType string

const (
	MediaImage   MediaType = "image"
	MediaVideo   MediaType = "video"
	MediaUnknown MediaType = "unknown"
)

// FaceStage tracks the face-detection side of a task independently of the
// per-profile transcode stages.
type FaceStage string

const (
	FaceDisabled  FaceStage = "disabled"
	FacePending   FaceStage = "pending"
	FaceCompleted FaceStage = "completed"
	FaceFailed    FaceStage = "failed"
)

// ArtifactMetadata carries the probe results for a produced file. Video
// artifacts fill duration/codec/fps; still images leave them zero.
type ArtifactMetadata struct {
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	Format          string  `json:"format,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
}

// Artifact is one produced output file for one profile.
type Artifact struct {
	URL       string           `json:"url"`
	SizeBytes int64            `json:"size_bytes"`
	Metadata  ArtifactMetadata `json:"metadata"`
}

// FaceBox is a detection bounding box in source pixel coordinates.
type FaceBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Face is one grouped face produced by the detection worker.
type Face struct {
	Box        FaceBox   `json:"box"`
	Embedding  []float64 `json:"embedding,omitempty"`
	GroupIndex int       `json:"group_index"`
	Age        *int      `json:"age,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Quality    *float64  `json:"quality,omitempty"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
}

// FaceConfig is the detection request as submitted by the client.
type FaceConfig struct {
	Enabled                bool    `json:"enabled"`
	SimilarityThreshold    float64 `json:"similarity_threshold,omitempty"`
	MinFacesInGroup        int     `json:"min_faces_in_group,omitempty"`
	SampleInterval         float64 `json:"sample_interval,omitempty"`
	DetectorScoreThreshold float64 `json:"detector_score_threshold,omitempty"`
	AvatarSize             int     `json:"avatar_size,omitempty"`
	AvatarQuality          int     `json:"avatar_quality,omitempty"`
}

// FaceDetection is the face stage embedded in the task row.
type FaceDetection struct {
	Stage    FaceStage   `json:"stage"`
	Config   *FaceConfig `json:"config,omitempty"`
	Faces    []Face      `json:"faces,omitempty"`
	Error    string      `json:"error,omitempty"`
	Attempts int         `json:"attempts,omitempty"`
}

// OutputLayout tells workers where produced artifacts belong. The folder
// structure accepts {task_id} and {profile_id} placeholders.
type OutputLayout struct {
	BasePath        string `json:"base_path"`
	FolderStructure string `json:"folder_structure"`
}

// CallbackAuth describes how the terminal callback authenticates. Type is one
// of bearer, basic or api_key.
type CallbackAuth struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Header   string `json:"header,omitempty"`
	Value    string `json:"value,omitempty"`
}

// CallbackConfig is the optional terminal HTTP callback target.
type CallbackConfig struct {
	URL  string        `json:"url"`
	Auth *CallbackAuth `json:"auth,omitempty"`
}

// Task is the single unit of orchestration work. The task store owns the row;
// artifact bytes live in the blob store and are referenced by URL only.
type Task struct {
	ID                string                `json:"task_id"`
	Status            TaskStatus            `json:"status"`
	Source            string                `json:"source"`
	SourceKey         string                `json:"source_key,omitempty"`
	DetectedMediaType MediaType             `json:"detected_media_type"`
	SubmittedProfiles []Profile             `json:"submitted_profiles"`
	EffectiveProfiles []Profile             `json:"effective_profiles"`
	DroppedProfiles   []string              `json:"dropped_profiles,omitempty"`
	Outputs           map[string][]Artifact `json:"outputs"`
	FailedProfiles    map[string]string     `json:"failed_profiles"`
	Attempts          map[string]int        `json:"attempts,omitempty"`
	Face              FaceDetection         `json:"face_detection"`
	OutputLayout      OutputLayout          `json:"output_layout"`
	Callback          *CallbackConfig       `json:"callback,omitempty"`
	NotifyTopic       string                `json:"notify_topic,omitempty"`
	Error             string                `json:"error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// EffectiveProfile returns the stored config for a profile id, if the profile
// survived admission filtering.
func (t Task) EffectiveProfile(profileID string) (Profile, bool) {
	for _, profile := range t.EffectiveProfiles {
		if profile.ID == profileID {
			return profile, true
		}
	}
	return Profile{}, false
}

// OutstandingProfiles lists effective profiles with neither an artifact nor a
// recorded failure. An empty result means the transcode side is settled.
func (t Task) OutstandingProfiles() []string {
	var outstanding []string
	for _, profile := range t.EffectiveProfiles {
		if _, ok := t.Outputs[profile.ID]; ok {
			continue
		}
		if _, ok := t.FailedProfiles[profile.ID]; ok {
			continue
		}
		outstanding = append(outstanding, profile.ID)
	}
	return outstanding
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (t Task) Clone() Task {
	clone := t
	clone.SubmittedProfiles = cloneProfiles(t.SubmittedProfiles)
	clone.EffectiveProfiles = cloneProfiles(t.EffectiveProfiles)
	clone.DroppedProfiles = append([]string(nil), t.DroppedProfiles...)
	if t.Outputs != nil {
		clone.Outputs = make(map[string][]Artifact, len(t.Outputs))
		for id, artifacts := range t.Outputs {
			clone.Outputs[id] = append([]Artifact(nil), artifacts...)
		}
	}
	if t.FailedProfiles != nil {
		clone.FailedProfiles = make(map[string]string, len(t.FailedProfiles))
		for id, reason := range t.FailedProfiles {
			clone.FailedProfiles[id] = reason
		}
	}
	if t.Attempts != nil {
		clone.Attempts = make(map[string]int, len(t.Attempts))
		for id, count := range t.Attempts {
			clone.Attempts[id] = count
		}
	}
	clone.Face = t.Face
	if t.Face.Config != nil {
		cfg := *t.Face.Config
		clone.Face.Config = &cfg
	}
	clone.Face.Faces = append([]Face(nil), t.Face.Faces...)
	if t.Callback != nil {
		cb := *t.Callback
		if t.Callback.Auth != nil {
			auth := *t.Callback.Auth
			cb.Auth = &auth
		}
		clone.Callback = &cb
	}
	return clone
}

func cloneProfiles(profiles []Profile) []Profile {
	if profiles == nil {
		return nil
	}
	cloned := make([]Profile, len(profiles))
	for i, profile := range profiles {
		cloned[i] = profile.Clone()
	}
	return cloned
}
