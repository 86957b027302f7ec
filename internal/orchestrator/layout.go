package orchestrator

import (
	"strings"

	"mediaforge/internal/models"
)

// Key derivation is deterministic: {base}/{task_id}/{profile_id}/{filename}.
// Retention relies on the task prefix covering every object the task owns,
// including the uploaded source and face avatars.

func renderFolder(layout models.OutputLayout, taskID, profileID string) string {
	folder := layout.FolderStructure
	folder = strings.ReplaceAll(folder, "{task_id}", taskID)
	folder = strings.ReplaceAll(folder, "{profile_id}", profileID)
	return joinKey(layout.BasePath, folder)
}

// TaskPrefix is the blob prefix owning every object of one task.
func TaskPrefix(layout models.OutputLayout, taskID string) string {
	return joinKey(layout.BasePath, taskID)
}

// FacePrefix is the blob prefix for cropped avatars of one task.
func FacePrefix(layout models.OutputLayout, taskID string) string {
	return joinKey(TaskPrefix(layout, taskID), "faces")
}

func sourceKey(layout models.OutputLayout, taskID, filename string) string {
	name := strings.TrimSpace(filename)
	if name == "" {
		name = "source"
	}
	return joinKey(TaskPrefix(layout, taskID), "source", sanitizeFilename(name))
}

func avatarLayout(layout models.OutputLayout) models.OutputLayout {
	return models.OutputLayout{
		BasePath:        layout.BasePath,
		FolderStructure: "{task_id}/faces",
	}
}

func joinKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.Trim(strings.TrimSpace(part), "/"); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, "/")
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	var builder strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '.', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteByte('_')
		}
	}
	if builder.Len() == 0 {
		return "source"
	}
	return builder.String()
}
