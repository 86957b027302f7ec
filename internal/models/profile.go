package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// OutputType enumerates the supported output variants. Each variant carries a
// closed config schema; unknown fields are rejected at decode time.
type OutputType string

const (
	OutputVideo OutputType = "video"
	OutputImage OutputType = "image"
	OutputGif   OutputType = "gif"
	OutputWebp  OutputType = "webp"
)

// VideoConfig parameterises a video output.
type VideoConfig struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Bitrate int    `json:"bitrate,omitempty"`
	Codec   string `json:"codec,omitempty"`
	Format  string `json:"format,omitempty"`
	FPS     int    `json:"fps,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

// ImageConfig parameterises a still-image output.
type ImageConfig struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

// GifConfig parameterises an animated GIF output.
type GifConfig struct {
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FPS             int     `json:"fps,omitempty"`
	StartSeconds    float64 `json:"start_seconds,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// WebpConfig parameterises an animated WebP output.
type WebpConfig struct {
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FPS             int     `json:"fps,omitempty"`
	Quality         int     `json:"quality,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Profile is one requested output variant. Exactly one config block matching
// OutputType must be present. InputType, when set, restricts the profile to
// sources of that media type; admission drops non-matching profiles.
type Profile struct {
	ID          string       `json:"id_profile"`
	OutputType  OutputType   `json:"output_type"`
	InputType   MediaType    `json:"input_type,omitempty"`
	VideoConfig *VideoConfig `json:"video_config,omitempty"`
	ImageConfig *ImageConfig `json:"image_config,omitempty"`
	GifConfig   *GifConfig   `json:"gif_config,omitempty"`
	WebpConfig  *WebpConfig  `json:"webp_config,omitempty"`
}

// Clone returns a copy with no shared config pointers.
func (p Profile) Clone() Profile {
	clone := p
	if p.VideoConfig != nil {
		cfg := *p.VideoConfig
		clone.VideoConfig = &cfg
	}
	if p.ImageConfig != nil {
		cfg := *p.ImageConfig
		clone.ImageConfig = &cfg
	}
	if p.GifConfig != nil {
		cfg := *p.GifConfig
		clone.GifConfig = &cfg
	}
	if p.WebpConfig != nil {
		cfg := *p.WebpConfig
		clone.WebpConfig = &cfg
	}
	return clone
}

// Validate checks the closed-schema rules for one profile.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("models: profile is missing id_profile")
	}
	switch p.OutputType {
	case OutputVideo, OutputImage, OutputGif, OutputWebp:
	default:
		return fmt.Errorf("models: profile %q has unsupported output_type %q", p.ID, p.OutputType)
	}
	switch p.InputType {
	case "", MediaImage, MediaVideo:
	default:
		return fmt.Errorf("models: profile %q has unsupported input_type %q", p.ID, p.InputType)
	}
	configs := 0
	if p.VideoConfig != nil {
		configs++
		if p.OutputType != OutputVideo {
			return fmt.Errorf("models: profile %q carries video_config for output_type %q", p.ID, p.OutputType)
		}
	}
	if p.ImageConfig != nil {
		configs++
		if p.OutputType != OutputImage {
			return fmt.Errorf("models: profile %q carries image_config for output_type %q", p.ID, p.OutputType)
		}
	}
	if p.GifConfig != nil {
		configs++
		if p.OutputType != OutputGif {
			return fmt.Errorf("models: profile %q carries gif_config for output_type %q", p.ID, p.OutputType)
		}
	}
	if p.WebpConfig != nil {
		configs++
		if p.OutputType != OutputWebp {
			return fmt.Errorf("models: profile %q carries webp_config for output_type %q", p.ID, p.OutputType)
		}
	}
	if configs == 0 {
		return fmt.Errorf("models: profile %q is missing its %s_config block", p.ID, p.OutputType)
	}
	if configs > 1 {
		return fmt.Errorf("models: profile %q carries more than one config block", p.ID)
	}
	return nil
}

// ParseProfiles decodes the submitted profiles JSON with a strict schema:
// unknown fields fail the request, ids must be unique within the submission.
func ParseProfiles(raw []byte) ([]Profile, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var profiles []Profile
	if err := decoder.Decode(&profiles); err != nil {
		return nil, fmt.Errorf("models: decode profiles: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("models: trailing data after profiles array")
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("models: at least one profile is required")
	}
	seen := make(map[string]struct{}, len(profiles))
	for _, profile := range profiles {
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[profile.ID]; dup {
			return nil, fmt.Errorf("models: duplicate id_profile %q", profile.ID)
		}
		seen[profile.ID] = struct{}{}
	}
	return profiles, nil
}

// ValidateOutputLayout checks the s3_output_config contract. Both placeholders
// are mandatory: without {profile_id} every profile renders into the same
// folder, artifacts overwrite each other, and a retry wipe of the profile
// folders would take the uploaded source with it.
func ValidateOutputLayout(layout OutputLayout) error {
	if strings.TrimSpace(layout.BasePath) == "" {
		return fmt.Errorf("models: output layout is missing base_path")
	}
	if strings.TrimSpace(layout.FolderStructure) == "" {
		return fmt.Errorf("models: output layout is missing folder_structure")
	}
	for _, placeholder := range []string{"{task_id}", "{profile_id}"} {
		if !strings.Contains(layout.FolderStructure, placeholder) {
			return fmt.Errorf("models: folder_structure must contain the %s placeholder", placeholder)
		}
	}
	return nil
}

// ValidateCallbackAuth rejects auth blocks the notifier cannot apply.
func ValidateCallbackAuth(auth *CallbackAuth) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case "bearer":
		if strings.TrimSpace(auth.Token) == "" {
			return fmt.Errorf("models: bearer callback auth requires token")
		}
	case "basic":
		if strings.TrimSpace(auth.Username) == "" {
			return fmt.Errorf("models: basic callback auth requires username")
		}
	case "api_key":
		if strings.TrimSpace(auth.Header) == "" || strings.TrimSpace(auth.Value) == "" {
			return fmt.Errorf("models: api_key callback auth requires header and value")
		}
	default:
		return fmt.Errorf("models: unsupported callback auth type %q", auth.Type)
	}
	return nil
}
