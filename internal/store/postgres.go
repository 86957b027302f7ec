package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediaforge/internal/models"
)

// PostgresConfig describes how the Postgres task store initialises its
// connection pool and applies merge policy.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	StatementTimeout    time.Duration
	ApplicationName     string
	RetryMaxPerProfile  int
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:                dsn,
		StatementTimeout:   10 * time.Second,
		RetryMaxPerProfile: defaultRetryMaxPerProfile,
		Clock:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.RetryMaxPerProfile <= 0 {
		cfg.RetryMaxPerProfile = defaultRetryMaxPerProfile
	}
	return cfg
}

// PostgresStore persists task rows in a single tasks table with JSONB columns
// for the structured fields. Merges lock the row FOR UPDATE so concurrent
// result deliveries for one task serialize at the database even without the
// aggregator's keyed lock.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ TaskStore = (*PostgresStore)(nil)

// NewPostgresStore connects, verifies the connection, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("store: postgres dsn is required")
	}
	cfg := newPostgresConfig(trimmed, opts...)
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 && cfg.MinConnections <= poolCfg.MaxConns {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if name := strings.TrimSpace(cfg.ApplicationName); name != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = map[string]string{}
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = name
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool, cfg: cfg}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tasks table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			source_key TEXT NOT NULL DEFAULT '',
			detected_media_type TEXT NOT NULL,
			submitted_profiles JSONB NOT NULL,
			effective_profiles JSONB NOT NULL,
			dropped_profiles JSONB NOT NULL DEFAULT '[]',
			outputs JSONB NOT NULL DEFAULT '{}',
			failed_profiles JSONB NOT NULL DEFAULT '{}',
			attempts JSONB NOT NULL DEFAULT '{}',
			face_detection JSONB NOT NULL,
			output_layout JSONB NOT NULL,
			callback JSONB,
			notify_topic TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS tasks_updated_at_idx ON tasks (updated_at)`,
	}
	for _, statement := range statements {
		if _, err := s.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) withStatementTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StatementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StatementTimeout)
}

const taskColumns = `id, status, source, source_key, detected_media_type,
	submitted_profiles, effective_profiles, dropped_profiles, outputs,
	failed_profiles, attempts, face_detection, output_layout, callback,
	notify_topic, error, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, task models.Task) error {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	now := s.cfg.Clock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	touch(&task, now)
	fields, err := encodeTaskFields(task)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, string(task.Status), task.Source, task.SourceKey, string(task.DetectedMediaType),
		fields.submitted, fields.effective, fields.dropped, fields.outputs,
		fields.failed, fields.attempts, fields.face, fields.layout, fields.callback,
		task.NotifyTopic, task.Error, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Task, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]models.Task, int, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	var (
		args  []any
		where string
	)
	if filter.Status != nil {
		where = ` WHERE status = $1`
		args = append(args, string(*filter.Status))
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count tasks: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return tasks, total, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (map[models.TaskStatus]int, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: summarize tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.TaskStatus]int, 5)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan summary row: %w", err)
		}
		counts[models.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: summarize tasks: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) ApplyProfileResult(ctx context.Context, result models.ProfileResult) (models.Task, MergeOutcome, error) {
	var outcome MergeOutcome
	task, err := s.mutate(ctx, result.TaskID, func(task *models.Task) error {
		outcome = mergeProfileResult(task, result, s.cfg.RetryMaxPerProfile)
		return nil
	})
	return task, outcome, err
}

func (s *PostgresStore) ApplyFaceResult(ctx context.Context, result models.FaceResult) (models.Task, MergeOutcome, error) {
	var outcome MergeOutcome
	task, err := s.mutate(ctx, result.TaskID, func(task *models.Task) error {
		outcome = mergeFaceResult(task, result, s.cfg.RetryMaxPerProfile)
		return nil
	})
	return task, outcome, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to models.TaskStatus, update TaskUpdate) (models.Task, error) {
	return s.mutate(ctx, id, func(task *models.Task) error {
		return applyTransition(task, from, to, update)
	})
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id string) (models.Task, error) {
	return s.mutate(ctx, id, func(task *models.Task) error {
		applyRetryReset(task)
		return nil
	})
}

// mutate runs one read-modify-write cycle inside a transaction with the row
// locked FOR UPDATE.
func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(*models.Task) error) (models.Task, error) {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if err != nil {
		return models.Task{}, err
	}
	if err := fn(&task); err != nil {
		return models.Task{}, err
	}
	touch(&task, s.cfg.Clock())
	fields, err := encodeTaskFields(task)
	if err != nil {
		return models.Task{}, err
	}
	_, err = tx.Exec(ctx, `UPDATE tasks SET
			status = $2, source = $3, source_key = $4, detected_media_type = $5,
			submitted_profiles = $6, effective_profiles = $7, dropped_profiles = $8,
			outputs = $9, failed_profiles = $10, attempts = $11, face_detection = $12,
			output_layout = $13, callback = $14, notify_topic = $15, error = $16,
			updated_at = $17
		WHERE id = $1`,
		task.ID, string(task.Status), task.Source, task.SourceKey, string(task.DetectedMediaType),
		fields.submitted, fields.effective, fields.dropped,
		fields.outputs, fields.failed, fields.attempts, fields.face,
		fields.layout, fields.callback, task.NotifyTopic, task.Error,
		task.UpdatedAt,
	)
	if err != nil {
		return models.Task{}, fmt.Errorf("store: update task %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("store: commit task %s: %w", id, err)
	}
	return task, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withStatementTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		_ = err
	}
}

type encodedTaskFields struct {
	submitted []byte
	effective []byte
	dropped   []byte
	outputs   []byte
	failed    []byte
	attempts  []byte
	face      []byte
	layout    []byte
	callback  []byte
}

func encodeTaskFields(task models.Task) (encodedTaskFields, error) {
	var (
		fields encodedTaskFields
		err    error
	)
	encode := func(name string, value any) []byte {
		if err != nil {
			return nil
		}
		var encoded []byte
		encoded, err = json.Marshal(value)
		if err != nil {
			err = fmt.Errorf("store: encode %s for task %s: %w", name, task.ID, err)
		}
		return encoded
	}
	if task.Outputs == nil {
		task.Outputs = map[string][]models.Artifact{}
	}
	if task.FailedProfiles == nil {
		task.FailedProfiles = map[string]string{}
	}
	if task.Attempts == nil {
		task.Attempts = map[string]int{}
	}
	fields.submitted = encode("submitted_profiles", task.SubmittedProfiles)
	fields.effective = encode("effective_profiles", task.EffectiveProfiles)
	fields.dropped = encode("dropped_profiles", orEmptyList(task.DroppedProfiles))
	fields.outputs = encode("outputs", task.Outputs)
	fields.failed = encode("failed_profiles", task.FailedProfiles)
	fields.attempts = encode("attempts", task.Attempts)
	fields.face = encode("face_detection", task.Face)
	fields.layout = encode("output_layout", task.OutputLayout)
	if task.Callback != nil {
		fields.callback = encode("callback", task.Callback)
	}
	return fields, err
}

func orEmptyList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var (
		task      models.Task
		status    string
		mediaType string
		submitted []byte
		effective []byte
		dropped   []byte
		outputs   []byte
		failed    []byte
		attempts  []byte
		face      []byte
		layout    []byte
		callback  []byte
	)
	err := row.Scan(
		&task.ID, &status, &task.Source, &task.SourceKey, &mediaType,
		&submitted, &effective, &dropped, &outputs,
		&failed, &attempts, &face, &layout, &callback,
		&task.NotifyTopic, &task.Error, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, ErrTaskNotFound
		}
		return models.Task{}, fmt.Errorf("store: scan task row: %w", err)
	}
	task.Status = models.TaskStatus(status)
	task.DetectedMediaType = models.MediaType(mediaType)
	decode := func(name string, raw []byte, target any) {
		if err != nil || len(raw) == 0 {
			return
		}
		if decodeErr := json.Unmarshal(raw, target); decodeErr != nil {
			err = fmt.Errorf("store: decode %s for task %s: %w", name, task.ID, decodeErr)
		}
	}
	decode("submitted_profiles", submitted, &task.SubmittedProfiles)
	decode("effective_profiles", effective, &task.EffectiveProfiles)
	decode("dropped_profiles", dropped, &task.DroppedProfiles)
	decode("outputs", outputs, &task.Outputs)
	decode("failed_profiles", failed, &task.FailedProfiles)
	decode("attempts", attempts, &task.Attempts)
	decode("face_detection", face, &task.Face)
	decode("output_layout", layout, &task.OutputLayout)
	if len(callback) > 0 {
		task.Callback = &models.CallbackConfig{}
		decode("callback", callback, task.Callback)
	}
	if err != nil {
		return models.Task{}, err
	}
	if task.Outputs == nil {
		task.Outputs = map[string][]models.Artifact{}
	}
	if task.FailedProfiles == nil {
		task.FailedProfiles = map[string]string{}
	}
	return task, nil
}
