package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"mediaforge/internal/bus"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
)

// NotifierConfig tunes terminal-result delivery.
type NotifierConfig struct {
	// MaxAttempts bounds callback tries per terminal transition. Default 5.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff (1x, 2x, 4x, ...). Default 1s.
	BaseDelay time.Duration
	// AttemptTimeout caps each HTTP POST. Default 30s.
	AttemptTimeout time.Duration
}

// Notifier delivers the canonical result envelope after a terminal
// transition: once to the task's notify topic, and to the HTTP callback with
// retries. It never mutates task state; delivery failure is only logged.
type Notifier struct {
	publisher bus.Publisher
	client    *http.Client
	cfg       NotifierConfig
	logger    *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewNotifier wires a notifier with defaults applied.
func NewNotifier(publisher bus.Publisher, cfg NotifierConfig, logger *slog.Logger) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		publisher: publisher,
		client:    &http.Client{Timeout: cfg.AttemptTimeout},
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "notifier"),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Deliver runs the full delivery path for one terminal transition. Callers
// guarantee at-most-once invocation per transition; the terminal transition
// itself is idempotent upstream, which is what suppresses duplicates.
func (n *Notifier) Deliver(ctx context.Context, task models.Task) {
	view := models.BuildTaskView(task)
	logger := n.logger.With("task_id", task.ID, "status", task.Status)
	if topic := strings.TrimSpace(task.NotifyTopic); topic != "" {
		err := n.publisher.Publish(ctx, topic, view)
		metrics.ObserveBusPublish(topic, err == nil)
		if err != nil {
			logger.Error("notify topic publish failed", "topic", topic, "error", err)
		}
	}
	if task.Callback == nil || strings.TrimSpace(task.Callback.URL) == "" {
		return
	}
	if err := n.deliverCallback(ctx, *task.Callback, view, logger); err != nil {
		logger.Error("callback delivery failed", "url", task.Callback.URL, "error", err)
	}
}

func (n *Notifier) deliverCallback(ctx context.Context, callback models.CallbackConfig, view models.TaskView, logger *slog.Logger) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := n.sleep(ctx, n.backoff(attempt-1)); err != nil {
				return err
			}
		}
		retryable, err := n.post(ctx, callback, payload)
		metrics.ObserveCallback(err == nil)
		if err == nil {
			logger.Info("callback delivered", "attempt", attempt)
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		logger.Warn("callback attempt failed", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("callback exhausted %d attempts: %w", n.cfg.MaxAttempts, lastErr)
}

// post reports whether the failure is retryable (transport errors and 5xx).
// Any 4xx is a terminal delivery failure.
func (n *Notifier) post(ctx context.Context, callback models.CallbackConfig, payload []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.AttemptTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, callback.URL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create callback request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	applyCallbackAuth(request, callback.Auth)
	response, err := n.client.Do(request)
	if err != nil {
		return true, fmt.Errorf("callback transport: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return false, nil
	case response.StatusCode >= 500:
		return true, fmt.Errorf("callback status %d", response.StatusCode)
	default:
		return false, fmt.Errorf("callback rejected with status %d", response.StatusCode)
	}
}

func applyCallbackAuth(request *http.Request, auth *models.CallbackAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		request.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		request.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		request.Header.Set(auth.Header, auth.Value)
	}
}

// backoff returns the jittered delay before the given retry (1-based):
// base, 2*base, 4*base, ... with up to 25% random jitter added.
func (n *Notifier) backoff(retry int) time.Duration {
	delay := n.cfg.BaseDelay << (retry - 1)
	n.randMu.Lock()
	jitter := time.Duration(n.rand.Int63n(int64(delay)/4 + 1))
	n.randMu.Unlock()
	return delay + jitter
}

func (n *Notifier) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
