package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mediaforge/internal/models"
)

// MemoryStore keeps task rows in process memory. It backs tests and
// single-node development runs; production deployments use Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]models.Task
	retryMax int
	clock    func() time.Time
}

var _ TaskStore = (*MemoryStore)(nil)

// NewMemoryStore builds an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		tasks:    make(map[string]models.Task),
		retryMax: defaultRetryMaxPerProfile,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(s)
		}
	}
	return s
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Create(ctx context.Context, task models.Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return ErrTaskNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrTaskExists
	}
	stored := task.Clone()
	now := s.clock()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	touch(&stored, now)
	if stored.Outputs == nil {
		stored.Outputs = make(map[string][]models.Artifact)
	}
	if stored.FailedProfiles == nil {
		stored.FailedProfiles = make(map[string]string)
	}
	s.tasks[task.ID] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]models.Task, int, error) {
	s.mu.RLock()
	matched := make([]models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		matched = append(matched, task.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []models.Task{}, total, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) Summary(ctx context.Context) (map[models.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.TaskStatus]int, 5)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ApplyProfileResult(ctx context.Context, result models.ProfileResult) (models.Task, MergeOutcome, error) {
	return s.mutateMerge(result.TaskID, func(task *models.Task) MergeOutcome {
		return mergeProfileResult(task, result, s.retryMax)
	})
}

func (s *MemoryStore) ApplyFaceResult(ctx context.Context, result models.FaceResult) (models.Task, MergeOutcome, error) {
	return s.mutateMerge(result.TaskID, func(task *models.Task) MergeOutcome {
		return mergeFaceResult(task, result, s.retryMax)
	})
}

func (s *MemoryStore) mutateMerge(id string, fn func(*models.Task) MergeOutcome) (models.Task, MergeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, MergeOutcome{}, ErrTaskNotFound
	}
	working := task.Clone()
	outcome := fn(&working)
	if outcome.Applied || outcome.Retry {
		touch(&working, s.clock())
		s.tasks[id] = working
	}
	return working.Clone(), outcome, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to models.TaskStatus, update TaskUpdate) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	working := task.Clone()
	if err := applyTransition(&working, from, to, update); err != nil {
		return models.Task{}, err
	}
	touch(&working, s.clock())
	s.tasks[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) ResetForRetry(ctx context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	working := task.Clone()
	applyRetryReset(&working)
	touch(&working, s.clock())
	s.tasks[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }
