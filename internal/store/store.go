// Package store owns task rows. Every mutating operation runs inside a single
// transaction (or critical section for the memory backend) and bumps
// updated_at; readers always see a consistent snapshot.
package store

import (
	"context"
	"errors"

	"mediaforge/internal/models"
)

var (
	ErrTaskNotFound   = errors.New("store: task not found")
	ErrTaskExists     = errors.New("store: task already exists")
	ErrStatusConflict = errors.New("store: task status conflict")
)

// defaultRetryMaxPerProfile bounds how often a retryable worker failure is
// republished before the profile is recorded as failed.
const defaultRetryMaxPerProfile = 3

// Filter narrows List results.
type Filter struct {
	Status *models.TaskStatus
	Limit  int
	Offset int
}

// TaskUpdate carries the optional fields a guarded Transition may persist
// alongside the status change. Nil fields are left untouched.
type TaskUpdate struct {
	// FailedProfiles entries are merged into the failure map (publish
	// failures recorded during fan-out).
	FailedProfiles map[string]string
	FaceStage      *models.FaceStage
	Error          *string
}

// MergeOutcome reports what a result merge did, so the aggregator can decide
// whether to republish or notify without re-reading the row.
type MergeOutcome struct {
	// Applied means the row changed.
	Applied bool
	// Duplicate means the (task, profile) outcome was already recorded.
	Duplicate bool
	// Stale means the result references a profile outside effective_profiles.
	Stale bool
	// Retry asks the caller to republish the work envelope.
	Retry bool
	// Attempt is the attempt number the republished envelope should carry.
	Attempt int
	// BecameTerminal means this merge moved the task into a terminal state.
	BecameTerminal bool
}

// TaskStore is the persistence contract shared by the memory and Postgres
// backends. All merge semantics live in the shared merge routines so the two
// backends cannot drift.
type TaskStore interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, task models.Task) error
	Get(ctx context.Context, id string) (models.Task, error)
	List(ctx context.Context, filter Filter) ([]models.Task, int, error)
	Summary(ctx context.Context) (map[models.TaskStatus]int, error)
	ApplyProfileResult(ctx context.Context, result models.ProfileResult) (models.Task, MergeOutcome, error)
	ApplyFaceResult(ctx context.Context, result models.FaceResult) (models.Task, MergeOutcome, error)
	Transition(ctx context.Context, id string, from, to models.TaskStatus, update TaskUpdate) (models.Task, error)
	ResetForRetry(ctx context.Context, id string) (models.Task, error)
	Delete(ctx context.Context, id string) error
	Close(ctx context.Context) error
}
