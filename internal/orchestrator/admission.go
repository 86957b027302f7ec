package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"mediaforge/internal/blob"
	"mediaforge/internal/bus"
	"mediaforge/internal/media"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/store"
)

// Validation failures surfaced to the API layer.
var (
	ErrBadRequest           = errors.New("orchestrator: bad request")
	ErrNoApplicableProfiles = errors.New("orchestrator: no applicable profiles for detected media type")
	ErrTaskNotFinished      = errors.New("orchestrator: task has not finished")
)

// SubmitRequest is one decoded submission, from either the HTTP surface or
// the bus listener.
type SubmitRequest struct {
	SourceURL         string
	Upload            []byte
	UploadFilename    string
	UploadContentType string
	Profiles          []models.Profile
	Layout            models.OutputLayout
	Face              *models.FaceConfig
	Callback          *models.CallbackConfig
	NotifyTopic       string
}

// SubmitResponse reports what admission decided.
type SubmitResponse struct {
	TaskID            string            `json:"task_id"`
	Status            models.TaskStatus `json:"status"`
	EffectiveProfiles []string          `json:"effective_profiles"`
	DroppedProfiles   []string          `json:"dropped_profiles"`
	FaceEnabled       bool              `json:"face_enabled"`
}

// Admission validates submissions, stores uploads, classifies the source,
// creates the task row, and fans the work out.
type Admission struct {
	store      store.TaskStore
	blobs      blob.Client
	classifier media.Classifier
	notifier   *Notifier
	fanout     fanout
	logger     *slog.Logger
}

// NewAdmission wires the admission controller.
func NewAdmission(taskStore store.TaskStore, blobs blob.Client, publisher bus.Publisher, classifier media.Classifier, notifier *Notifier, logger *slog.Logger) *Admission {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "admission")
	return &Admission{
		store:      taskStore,
		blobs:      blobs,
		classifier: classifier,
		notifier:   notifier,
		fanout:     fanout{publisher: publisher, logger: logger},
		logger:     logger,
	}
}

// Submit runs the admission algorithm and returns the created task id.
func (a *Admission) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if err := a.validate(req); err != nil {
		return SubmitResponse{}, err
	}
	taskID := uuid.NewString()
	logger := a.logger.With("task_id", taskID)

	source := strings.TrimSpace(req.SourceURL)
	storedKey := ""
	hint := media.Hint{MIME: req.UploadContentType, Filename: req.UploadFilename, URL: source}
	if len(req.Upload) > 0 {
		key := sourceKey(req.Layout, taskID, req.UploadFilename)
		storedURL, err := a.blobs.Put(ctx, key, req.UploadContentType, req.Upload)
		if err != nil {
			return SubmitResponse{}, fmt.Errorf("store upload: %w", err)
		}
		source = storedURL
		storedKey = key
	}

	detected := a.classifier.Classify(hint)
	effective, dropped := media.FilterProfiles(detected, req.Profiles)
	if len(effective) == 0 {
		// The uploaded source stays in the blob store until the caller
		// deletes it explicitly; only the task row is withheld.
		return SubmitResponse{}, fmt.Errorf("%w: detected %s", ErrNoApplicableProfiles, detected)
	}

	task := models.Task{
		ID:                taskID,
		Status:            models.StatusPending,
		Source:            source,
		SourceKey:         storedKey,
		DetectedMediaType: detected,
		SubmittedProfiles: req.Profiles,
		EffectiveProfiles: effective,
		DroppedProfiles:   dropped,
		Outputs:           map[string][]models.Artifact{},
		FailedProfiles:    map[string]string{},
		Face:              models.FaceDetection{Stage: models.FaceDisabled},
		OutputLayout:      req.Layout,
		Callback:          req.Callback,
		NotifyTopic:       strings.TrimSpace(req.NotifyTopic),
	}
	if req.Face != nil && req.Face.Enabled {
		cfg := *req.Face
		task.Face = models.FaceDetection{Stage: models.FacePending, Config: &cfg}
	}
	if err := a.store.Create(ctx, task); err != nil {
		return SubmitResponse{}, fmt.Errorf("create task: %w", err)
	}
	metrics.ObserveTaskEvent("created")

	failed, faceFailed := a.fanout.dispatch(ctx, task)
	update := store.TaskUpdate{FailedProfiles: failed}
	if faceFailed {
		stage := models.FaceFailed
		update.FaceStage = &stage
	}
	faceStage := task.Face.Stage
	task, err := a.store.Transition(ctx, taskID, models.StatusPending, models.StatusProcessing, update)
	if err != nil {
		// The row exists and workers may already be running; report the
		// task id anyway and let the aggregator settle it.
		logger.Error("transition to processing failed", "error", err)
		return a.response(taskID, models.StatusPending, effective, dropped, faceStage), nil
	}
	metrics.TaskProcessing()
	logger.Info("task admitted",
		"media_type", detected,
		"effective_profiles", len(effective),
		"dropped_profiles", len(dropped),
		"face", task.Face.Stage)

	if task.Status.Terminal() {
		// Every stage failed at publish time; nothing will ever reach the
		// aggregator for this task.
		a.settle(ctx, task)
	}
	return a.response(taskID, task.Status, effective, dropped, task.Face.Stage), nil
}

func (a *Admission) settle(ctx context.Context, task models.Task) {
	metrics.TaskSettled()
	metrics.ObserveTaskEvent(string(task.Status))
	if a.notifier != nil {
		a.notifier.Deliver(ctx, task)
	}
}

func (a *Admission) response(taskID string, status models.TaskStatus, effective []models.Profile, dropped []string, face models.FaceStage) SubmitResponse {
	resp := SubmitResponse{
		TaskID:          taskID,
		Status:          status,
		DroppedProfiles: append([]string{}, dropped...),
		FaceEnabled:     face != models.FaceDisabled,
	}
	for _, profile := range effective {
		resp.EffectiveProfiles = append(resp.EffectiveProfiles, profile.ID)
	}
	if resp.DroppedProfiles == nil {
		resp.DroppedProfiles = []string{}
	}
	return resp
}

func (a *Admission) validate(req SubmitRequest) error {
	hasUpload := len(req.Upload) > 0
	hasURL := strings.TrimSpace(req.SourceURL) != ""
	if hasUpload == hasURL {
		return fmt.Errorf("%w: exactly one of an upload or media_url is required", ErrBadRequest)
	}
	if hasURL {
		parsed, err := url.Parse(strings.TrimSpace(req.SourceURL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: media_url must be an absolute http(s) URL", ErrBadRequest)
		}
	}
	if len(req.Profiles) == 0 {
		return fmt.Errorf("%w: at least one profile is required", ErrBadRequest)
	}
	seen := make(map[string]struct{}, len(req.Profiles))
	for _, profile := range req.Profiles {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		if _, dup := seen[profile.ID]; dup {
			return fmt.Errorf("%w: duplicate id_profile %q", ErrBadRequest, profile.ID)
		}
		seen[profile.ID] = struct{}{}
	}
	if err := models.ValidateOutputLayout(req.Layout); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Callback != nil {
		if strings.TrimSpace(req.Callback.URL) == "" {
			return fmt.Errorf("%w: callback_url must not be empty when callback auth is supplied", ErrBadRequest)
		}
		if err := models.ValidateCallbackAuth(req.Callback.Auth); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	return nil
}
