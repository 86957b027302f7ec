package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"mediaforge/internal/bus"
	"mediaforge/internal/models"
)

// busSubmission is the envelope accepted on the submissions topic. It mirrors
// the JSON HTTP surface minus inline uploads; bus submissions always reference
// the source by URL.
type busSubmission struct {
	MediaURL     string               `json:"media_url"`
	Profiles     json.RawMessage      `json:"profiles"`
	Output       models.OutputLayout  `json:"s3_output_config"`
	Face         *models.FaceConfig   `json:"face_detection_config,omitempty"`
	CallbackURL  string               `json:"callback_url,omitempty"`
	CallbackAuth *models.CallbackAuth `json:"callback_auth,omitempty"`
	NotifyTopic  string               `json:"pubsub_topic,omitempty"`
}

// HandleSubmission is the transcode.submissions subscription handler.
// Validation failures ack the message; only infrastructure errors requeue.
func (a *Admission) HandleSubmission(ctx context.Context, msg bus.Message) error {
	var submission busSubmission
	if err := json.Unmarshal(msg.Payload, &submission); err != nil {
		a.logger.Error("malformed bus submission dropped", "message_id", msg.ID, "error", err)
		return nil
	}
	req := SubmitRequest{
		SourceURL:   submission.MediaURL,
		Layout:      submission.Output,
		Face:        submission.Face,
		NotifyTopic: submission.NotifyTopic,
	}
	if len(submission.Profiles) > 0 {
		profiles, err := models.ParseProfiles(submission.Profiles)
		if err != nil {
			a.logger.Error("bus submission with invalid profiles dropped", "message_id", msg.ID, "error", err)
			return nil
		}
		req.Profiles = profiles
	}
	if strings.TrimSpace(submission.CallbackURL) != "" || submission.CallbackAuth != nil {
		req.Callback = &models.CallbackConfig{URL: submission.CallbackURL, Auth: submission.CallbackAuth}
	}

	resp, err := a.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrNoApplicableProfiles) {
			a.logger.Error("invalid bus submission dropped", "message_id", msg.ID, "error", err)
			return nil
		}
		return err
	}
	a.logger.Info("bus submission admitted", "message_id", msg.ID, "task_id", resp.TaskID)
	return nil
}
