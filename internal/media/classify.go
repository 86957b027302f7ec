// Package media classifies submission sources and prunes profiles whose
// input_type does not match the detected media type.
package media

import (
	"net/url"
	"path"
	"strings"

	"mediaforge/internal/models"
)

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".bmp": {}, ".tiff": {}, ".tif": {}, ".heic": {}, ".heif": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".mkv": {}, ".avi": {}, ".webm": {},
	".m4v": {}, ".mpg": {}, ".mpeg": {}, ".ts": {}, ".flv": {}, ".wmv": {},
}

// Hint bundles the signals available at admission time. Declared MIME type is
// trusted over filename extension, which is trusted over the URL path.
type Hint struct {
	MIME     string
	Filename string
	URL      string
}

// Classifier maps submission hints to a media type.
type Classifier struct {
	// DefaultOnUnknown is returned when no signal matches. The historical
	// default is video so that legacy profiles without input_type keep
	// running; operators may configure unknown to make admission strict.
	DefaultOnUnknown models.MediaType
}

// Classify applies the signals in priority order.
func (c Classifier) Classify(hint Hint) models.MediaType {
	if mt, ok := fromMIME(hint.MIME); ok {
		return mt
	}
	if mt, ok := fromExtension(hint.Filename); ok {
		return mt
	}
	if mt, ok := fromURL(hint.URL); ok {
		return mt
	}
	if c.DefaultOnUnknown == "" {
		return models.MediaVideo
	}
	return c.DefaultOnUnknown
}

func fromMIME(mime string) (models.MediaType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.IndexByte(normalized, ';'); idx >= 0 {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	switch {
	case strings.HasPrefix(normalized, "image/"):
		return models.MediaImage, true
	case strings.HasPrefix(normalized, "video/"):
		return models.MediaVideo, true
	}
	return "", false
}

func fromExtension(filename string) (models.MediaType, bool) {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filename)))
	if ext == "" {
		return "", false
	}
	if _, ok := imageExtensions[ext]; ok {
		return models.MediaImage, true
	}
	if _, ok := videoExtensions[ext]; ok {
		return models.MediaVideo, true
	}
	return "", false
}

func fromURL(raw string) (models.MediaType, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	return fromExtension(parsed.Path)
}

// FilterProfiles keeps profiles whose input_type is absent or matches the
// detected type and reports the ids that were dropped, in submission order.
func FilterProfiles(detected models.MediaType, profiles []models.Profile) (kept []models.Profile, dropped []string) {
	for _, profile := range profiles {
		if profile.InputType == "" || profile.InputType == detected {
			kept = append(kept, profile)
			continue
		}
		dropped = append(dropped, profile.ID)
	}
	return kept, dropped
}
