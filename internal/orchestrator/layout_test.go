package orchestrator

import (
	"testing"

	"mediaforge/internal/models"
)

func TestKeyDerivation(t *testing.T) {
	layout := models.OutputLayout{BasePath: "/renders/", FolderStructure: "{task_id}/{profile_id}"}

	if got := renderFolder(layout, "task-1", "p1"); got != "renders/task-1/p1" {
		t.Fatalf("renderFolder = %q", got)
	}
	if got := TaskPrefix(layout, "task-1"); got != "renders/task-1" {
		t.Fatalf("TaskPrefix = %q", got)
	}
	if got := FacePrefix(layout, "task-1"); got != "renders/task-1/faces" {
		t.Fatalf("FacePrefix = %q", got)
	}
	if got := sourceKey(layout, "task-1", "../../etc/passwd"); got != "renders/task-1/source/passwd" {
		t.Fatalf("sourceKey = %q", got)
	}
	if got := sourceKey(layout, "task-1", ""); got != "renders/task-1/source/source" {
		t.Fatalf("sourceKey = %q", got)
	}
}

func TestAvatarLayout(t *testing.T) {
	layout := avatarLayout(models.OutputLayout{BasePath: "renders", FolderStructure: "{task_id}/{profile_id}"})
	if layout.BasePath != "renders" || layout.FolderStructure != "{task_id}/faces" {
		t.Fatalf("avatar layout = %+v", layout)
	}
}
