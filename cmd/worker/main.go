// Command worker consumes transcode envelopes from the bus, runs ffmpeg for
// each requested output, uploads the produced artifact, and reports the
// outcome on the results topic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mediaforge/internal/blob"
	"mediaforge/internal/bus"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the message bus")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the message bus")
	redisUsername := flag.String("redis-username", "", "Redis username for the message bus")
	redisPassword := flag.String("redis-password", "", "Redis password for the message bus")
	inFlight := flag.Int("inflight", 2, "transcodes run concurrently")
	workDir := flag.String("workdir", "", "scratch directory for downloads and transcode output")
	ffmpegBin := flag.String("ffmpeg", "ffmpeg", "ffmpeg binary")
	ffprobeBin := flag.String("ffprobe", "ffprobe", "ffprobe binary")
	blobEndpoint := flag.String("blob-endpoint", "", "object storage endpoint")
	blobRegion := flag.String("blob-region", "", "object storage region")
	blobAccessKey := flag.String("blob-access-key", "", "object storage access key")
	blobSecretKey := flag.String("blob-secret-key", "", "object storage secret key")
	blobBucket := flag.String("blob-bucket", "", "object storage bucket name")
	blobUseSSL := flag.Bool("blob-use-ssl", false, "enable TLS for object storage requests")
	blobPrefix := flag.String("blob-prefix", "", "object storage key prefix")
	blobPublicEndpoint := flag.String("blob-public-endpoint", "", "public endpoint used for artifact URLs")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MEDIAFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MEDIAFORGE_LOG_FORMAT")),
	})

	scratch := firstNonEmpty(*workDir, os.Getenv("MEDIAFORGE_WORKER_DIR"))
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "mediaforge-worker")
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		logger.Error("failed to prepare work directory", "dir", scratch, "error", err)
		os.Exit(1)
	}

	blobs, err := blob.NewS3Client(blob.Config{
		Endpoint:       firstNonEmpty(*blobEndpoint, os.Getenv("MEDIAFORGE_BLOB_ENDPOINT")),
		Region:         firstNonEmpty(*blobRegion, os.Getenv("MEDIAFORGE_BLOB_REGION")),
		AccessKey:      firstNonEmpty(*blobAccessKey, os.Getenv("MEDIAFORGE_BLOB_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*blobSecretKey, os.Getenv("MEDIAFORGE_BLOB_SECRET_KEY")),
		Bucket:         firstNonEmpty(*blobBucket, os.Getenv("MEDIAFORGE_BLOB_BUCKET")),
		UseSSL:         *blobUseSSL,
		Prefix:         firstNonEmpty(*blobPrefix, os.Getenv("MEDIAFORGE_BLOB_PREFIX")),
		PublicEndpoint: firstNonEmpty(*blobPublicEndpoint, os.Getenv("MEDIAFORGE_BLOB_PUBLIC_ENDPOINT")),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	messageBus, err := bus.NewRedisBus(bus.RedisConfig{
		Addr:     firstNonEmpty(*redisAddr, os.Getenv("MEDIAFORGE_REDIS_ADDR")),
		Addrs:    splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("MEDIAFORGE_REDIS_ADDRS"))),
		Username: firstNonEmpty(*redisUsername, os.Getenv("MEDIAFORGE_REDIS_USERNAME")),
		Password: firstNonEmpty(*redisPassword, os.Getenv("MEDIAFORGE_REDIS_PASSWORD")),
		Logger:   logging.WithComponent(logger, "bus"),
	})
	if err != nil {
		logger.Error("failed to connect to message bus", "error", err)
		os.Exit(1)
	}

	w := &worker{
		bus:     messageBus,
		blobs:   blobs,
		scratch: scratch,
		ffmpeg:  firstNonEmpty(*ffmpegBin, os.Getenv("MEDIAFORGE_FFMPEG")),
		ffprobe: firstNonEmpty(*ffprobeBin, os.Getenv("MEDIAFORGE_FFPROBE")),
		client:  &http.Client{Timeout: 10 * time.Minute},
		logger:  logging.WithComponent(logger, "worker"),
	}
	if w.ffmpeg == "" {
		w.ffmpeg = "ffmpeg"
	}
	if w.ffprobe == "" {
		w.ffprobe = "ffprobe"
	}

	sub, err := messageBus.Subscribe(bus.SubscriptionConfig{
		Topic:       bus.TopicTranscodeTasks,
		Group:       "transcoders",
		MaxInFlight: *inFlight,
		Handler:     w.handleTask,
	})
	if err != nil {
		logger.Error("failed to subscribe", "topic", bus.TopicTranscodeTasks, "error", err)
		os.Exit(1)
	}

	logger.Info("transcode worker running", "workdir", scratch, "inflight", *inFlight)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	sub.Close()
	if err := messageBus.Close(); err != nil {
		logger.Warn("failed to close message bus", "error", err)
	}
	logger.Info("worker stopped")
}

type worker struct {
	bus     bus.Bus
	blobs   blob.Client
	scratch string
	ffmpeg  string
	ffprobe string
	client  *http.Client
	logger  *slog.Logger
}

// handleTask processes one envelope. The handler only returns an error when
// the outcome could not be reported; the transcode outcome itself, success or
// failure, always travels in the published result.
func (w *worker) handleTask(ctx context.Context, msg bus.Message) error {
	var task bus.TranscodeTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		w.logger.Error("malformed transcode envelope dropped", "message_id", msg.ID, "error", err)
		return nil
	}
	logger := w.logger.With("task_id", task.TaskID, "profile_id", task.ProfileID, "attempt", task.Attempt)
	logger.Info("transcode started", "output_type", task.Profile.OutputType)

	result := models.ProfileResult{TaskID: task.TaskID, ProfileID: task.ProfileID}
	artifact, err := w.process(ctx, task, logger)
	if err != nil {
		var procErr *processError
		result.Outcome = models.OutcomeErr
		result.Reason = err.Error()
		if errors.As(err, &procErr) {
			result.Retryable = procErr.retryable
		}
		logger.Error("transcode failed", "error", err, "retryable", result.Retryable)
	} else {
		result.Outcome = models.OutcomeOK
		result.Artifact = &artifact
		logger.Info("transcode finished", "url", artifact.URL, "size_bytes", artifact.SizeBytes)
	}

	if err := w.bus.Publish(ctx, bus.TopicTranscodeResults, result); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (w *worker) process(ctx context.Context, task bus.TranscodeTask, logger *slog.Logger) (models.Artifact, error) {
	jobDir, err := os.MkdirTemp(w.scratch, "job-*")
	if err != nil {
		return models.Artifact{}, retryableError(fmt.Errorf("create job dir: %w", err))
	}
	defer os.RemoveAll(jobDir)

	source, err := w.download(ctx, task.Source, jobDir)
	if err != nil {
		return models.Artifact{}, err
	}

	plan, err := buildOutputPlan(task.Profile, source, jobDir)
	if err != nil {
		// A plan failure means the profile config cannot be satisfied;
		// retrying the same envelope cannot help.
		return models.Artifact{}, permanentError(err)
	}

	if err := w.runFFmpeg(ctx, plan, logger); err != nil {
		return models.Artifact{}, permanentError(fmt.Errorf("ffmpeg: %w", err))
	}

	metadata, err := w.probe(ctx, plan.outputPath)
	if err != nil {
		logger.Warn("ffprobe failed, uploading without metadata", "error", err)
	}

	data, err := os.ReadFile(plan.outputPath)
	if err != nil {
		return models.Artifact{}, retryableError(fmt.Errorf("read output: %w", err))
	}
	key := outputKey(task.OutputLayout, task.TaskID, task.ProfileID, plan.filename)
	url, err := w.blobs.Put(ctx, key, plan.contentType, data)
	if err != nil {
		return models.Artifact{}, retryableError(fmt.Errorf("upload artifact: %w", err))
	}
	return models.Artifact{URL: url, SizeBytes: int64(len(data)), Metadata: metadata}, nil
}

// download fetches the source into the job directory. Transport and server
// errors are retryable; a definite client error from the origin is not.
func (w *worker) download(ctx context.Context, source, dir string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", permanentError(fmt.Errorf("invalid source url: %w", err))
	}
	response, err := w.client.Do(request)
	if err != nil {
		return "", retryableError(fmt.Errorf("fetch source: %w", err))
	}
	defer response.Body.Close()
	if response.StatusCode >= 500 {
		return "", retryableError(fmt.Errorf("fetch source: status %d", response.StatusCode))
	}
	if response.StatusCode >= 300 {
		return "", permanentError(fmt.Errorf("fetch source: status %d", response.StatusCode))
	}
	path := filepath.Join(dir, "source")
	out, err := os.Create(path)
	if err != nil {
		return "", retryableError(fmt.Errorf("create source file: %w", err))
	}
	if _, err := io.Copy(out, response.Body); err != nil {
		out.Close()
		return "", retryableError(fmt.Errorf("write source file: %w", err))
	}
	if err := out.Close(); err != nil {
		return "", retryableError(fmt.Errorf("close source file: %w", err))
	}
	return path, nil
}

// outputKey mirrors the layout contract: {base}/{folder_structure}/{filename}
// with {task_id} and {profile_id} substituted.
func outputKey(layout models.OutputLayout, taskID, profileID, filename string) string {
	folder := strings.ReplaceAll(layout.FolderStructure, "{task_id}", taskID)
	folder = strings.ReplaceAll(folder, "{profile_id}", profileID)
	parts := make([]string, 0, 3)
	for _, part := range []string{layout.BasePath, folder, filename} {
		if trimmed := strings.Trim(strings.TrimSpace(part), "/"); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "/")
}

type processError struct {
	err       error
	retryable bool
}

func (e *processError) Error() string { return e.err.Error() }
func (e *processError) Unwrap() error { return e.err }

func retryableError(err error) error {
	return &processError{err: err, retryable: true}
}

func permanentError(err error) error {
	return &processError{err: err, retryable: false}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
