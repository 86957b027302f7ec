// Command server starts the transcoding orchestrator HTTP service and its
// bus consumers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mediaforge/internal/api"
	"mediaforge/internal/blob"
	"mediaforge/internal/bus"
	"mediaforge/internal/media"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/orchestrator"
	"mediaforge/internal/server"
	"mediaforge/internal/serverutil"
	"mediaforge/internal/store"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	storageDriver := flag.String("storage-driver", "", "task store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	retryMax := flag.Int("retry-max-per-profile", 0, "retryable worker failures tolerated per profile before it is recorded as failed")
	disableBus := flag.Bool("disable-bus", false, "run with the in-process bus instead of Redis")
	redisAddr := flag.String("redis-addr", "", "Redis address for the message bus")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the message bus")
	redisUsername := flag.String("redis-username", "", "Redis username for the message bus")
	redisPassword := flag.String("redis-password", "", "Redis password for the message bus")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name for the message bus")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for the message bus")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	busInFlight := flag.Int("bus-inflight", 0, "concurrently processed messages per subscription")
	busMaxDeliveries := flag.Int("bus-max-deliveries", 0, "delivery budget per bus message before dead-lettering")
	callbackMaxAttempts := flag.Int("callback-max-attempts", 0, "delivery attempts for the terminal callback")
	callbackBaseDelay := flag.Duration("callback-base-delay", 0, "base delay between callback retries")
	blobEndpoint := flag.String("blob-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	blobRegion := flag.String("blob-region", "", "object storage region")
	blobAccessKey := flag.String("blob-access-key", "", "object storage access key")
	blobSecretKey := flag.String("blob-secret-key", "", "object storage secret key")
	blobBucket := flag.String("blob-bucket", "", "object storage bucket name")
	blobUseSSL := flag.Bool("blob-use-ssl", false, "enable TLS for object storage requests")
	blobPrefix := flag.String("blob-prefix", "", "object storage key prefix")
	blobPublicEndpoint := flag.String("blob-public-endpoint", "", "public endpoint used for artifact URLs")
	blobBatchDelete := flag.Int("blob-batch-delete", 0, "keys per batched delete request (max 1000)")
	classifierDefault := flag.String("classifier-default", "", "media type assumed when classification is inconclusive (video or image)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown budget")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MEDIAFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MEDIAFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("MEDIAFORGE_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	taskStore, err := openTaskStore(bootCtx, taskStoreSettings{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("MEDIAFORGE_STORAGE_DRIVER")),
		DSN:             resolvePostgresDSN(*postgresDSN),
		MaxConns:        resolveInt(*postgresMaxConns, "MEDIAFORGE_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "MEDIAFORGE_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "MEDIAFORGE_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "MEDIAFORGE_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "MEDIAFORGE_POSTGRES_HEALTH_INTERVAL", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("MEDIAFORGE_POSTGRES_APP_NAME")),
		RetryMax:        resolveInt(*retryMax, "MEDIAFORGE_RETRY_MAX_PER_PROFILE"),
	}, logger)
	if err != nil {
		logger.Error("failed to open task store", "error", err)
		os.Exit(1)
	}

	blobs, err := openBlobClient(blob.Config{
		Endpoint:        firstNonEmpty(*blobEndpoint, os.Getenv("MEDIAFORGE_BLOB_ENDPOINT")),
		Region:          firstNonEmpty(*blobRegion, os.Getenv("MEDIAFORGE_BLOB_REGION")),
		AccessKey:       firstNonEmpty(*blobAccessKey, os.Getenv("MEDIAFORGE_BLOB_ACCESS_KEY")),
		SecretKey:       firstNonEmpty(*blobSecretKey, os.Getenv("MEDIAFORGE_BLOB_SECRET_KEY")),
		Bucket:          firstNonEmpty(*blobBucket, os.Getenv("MEDIAFORGE_BLOB_BUCKET")),
		UseSSL:          resolveBool(*blobUseSSL, "MEDIAFORGE_BLOB_USE_SSL"),
		Prefix:          firstNonEmpty(*blobPrefix, os.Getenv("MEDIAFORGE_BLOB_PREFIX")),
		PublicEndpoint:  firstNonEmpty(*blobPublicEndpoint, os.Getenv("MEDIAFORGE_BLOB_PUBLIC_ENDPOINT")),
		BatchDeleteSize: resolveInt(*blobBatchDelete, "MEDIAFORGE_BLOB_BATCH_DELETE"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	messageBus, err := openBus(busSettings{
		Disabled:   resolveBool(*disableBus, "MEDIAFORGE_DISABLE_BUS"),
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("MEDIAFORGE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("MEDIAFORGE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("MEDIAFORGE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("MEDIAFORGE_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("MEDIAFORGE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*redisPoolSize, "MEDIAFORGE_REDIS_POOL_SIZE"),
		TLS: bus.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("MEDIAFORGE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("MEDIAFORGE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("MEDIAFORGE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("MEDIAFORGE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "MEDIAFORGE_REDIS_TLS_SKIP_VERIFY"),
		},
	}, logger)
	if err != nil {
		logger.Error("failed to configure message bus", "error", err)
		os.Exit(1)
	}

	classifier := media.Classifier{
		DefaultOnUnknown: resolveMediaType(firstNonEmpty(*classifierDefault, os.Getenv("MEDIAFORGE_CLASSIFIER_DEFAULT")), logger),
	}

	notifier := orchestrator.NewNotifier(messageBus, orchestrator.NotifierConfig{
		MaxAttempts: resolveInt(*callbackMaxAttempts, "MEDIAFORGE_CALLBACK_MAX_ATTEMPTS"),
		BaseDelay:   resolveDuration(*callbackBaseDelay, "MEDIAFORGE_CALLBACK_BASE_DELAY", 0),
	}, logger)
	admission := orchestrator.NewAdmission(taskStore, blobs, messageBus, classifier, notifier, logger)
	aggregator := orchestrator.NewAggregator(taskStore, messageBus, notifier, logger)
	retention := orchestrator.NewRetention(taskStore, blobs, messageBus, notifier, logger)

	inFlight := resolveInt(*busInFlight, "MEDIAFORGE_BUS_INFLIGHT")
	maxDeliveries := resolveInt(*busMaxDeliveries, "MEDIAFORGE_BUS_MAX_DELIVERIES")
	subscriptions, err := subscribeConsumers(messageBus, admission, aggregator, inFlight, maxDeliveries)
	if err != nil {
		logger.Error("failed to start bus consumers", "error", err)
		os.Exit(1)
	}

	tlsCertFile := firstNonEmpty(*tlsCert, os.Getenv("MEDIAFORGE_TLS_CERT"))
	tlsKeyFile := firstNonEmpty(*tlsKey, os.Getenv("MEDIAFORGE_TLS_KEY"))

	handler := api.NewHandler(taskStore, admission, retention)
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: tlsCertFile,
			KeyFile:  tlsKeyFile,
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	timeout := resolveDuration(*shutdownTimeout, "MEDIAFORGE_SHUTDOWN_TIMEOUT", 10*time.Second)
	runCtx, cancelRun := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		logger.Info("orchestrator API listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		errs <- serverutil.Run(runCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: tlsCertFile, KeyFile: tlsKeyFile},
			ShutdownTimeout: timeout,
		})
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
		// Stop pulling new work before draining the HTTP side so in-flight
		// results requeue instead of racing the shutdown.
		for _, sub := range subscriptions {
			sub.Close()
		}
		cancelRun()
		if err := <-errs; err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	case err := <-errs:
		cancelRun()
		logger.Error("server error", "error", err)
		for _, sub := range subscriptions {
			sub.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := messageBus.Close(); err != nil {
		logger.Warn("failed to close message bus", "error", err)
	}
	if err := taskStore.Close(ctx); err != nil {
		logger.Warn("failed to close task store", "error", err)
	}

	logger.Info("server stopped")
}

type taskStoreSettings struct {
	Driver          string
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AppName         string
	RetryMax        int
}

func openTaskStore(ctx context.Context, settings taskStoreSettings, logger *slog.Logger) (store.TaskStore, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.DSN != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}

	var options []store.Option
	if settings.RetryMax > 0 {
		options = append(options, store.WithRetryLimit(settings.RetryMax))
	}

	switch driver {
	case "memory":
		logger.Warn("using in-memory task store; tasks are lost on restart")
		return store.NewMemoryStore(options...), nil
	case "postgres":
		if settings.DSN == "" {
			return nil, fmt.Errorf("postgres task store selected without DSN")
		}
		if settings.MaxConns > 0 || settings.MinConns > 0 {
			options = append(options, store.WithPostgresPoolLimits(int32(settings.MaxConns), int32(settings.MinConns)))
		}
		if settings.MaxConnLifetime > 0 || settings.MaxConnIdle > 0 || settings.HealthInterval > 0 {
			options = append(options, store.WithPostgresPoolDurations(settings.MaxConnLifetime, settings.MaxConnIdle, settings.HealthInterval))
		}
		if settings.AppName != "" {
			options = append(options, store.WithPostgresApplicationName(settings.AppName))
		}
		// NewPostgresStore ensures the schema before returning.
		return store.NewPostgresStore(ctx, settings.DSN, options...)
	default:
		return nil, fmt.Errorf("unsupported task store driver %q", driver)
	}
}

func openBlobClient(cfg blob.Config, logger *slog.Logger) (blob.Client, error) {
	client, err := blob.NewS3Client(cfg)
	if err != nil {
		if errors.Is(err, blob.ErrDisabled) {
			logger.Warn("object storage not configured; using in-memory blobs")
			return blob.NewMemory(), nil
		}
		return nil, err
	}
	return client, nil
}

type busSettings struct {
	Disabled   bool
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	PoolSize   int
	TLS        bus.RedisTLSConfig
}

func openBus(settings busSettings, logger *slog.Logger) (bus.Bus, error) {
	if settings.Disabled || (settings.Addr == "" && len(settings.Addrs) == 0) {
		logger.Warn("redis bus not configured; using the in-process bus")
		return bus.NewMemoryBus(), nil
	}
	return bus.NewRedisBus(bus.RedisConfig{
		Addr:       settings.Addr,
		Addrs:      settings.Addrs,
		Username:   settings.Username,
		Password:   settings.Password,
		MasterName: settings.MasterName,
		PoolSize:   settings.PoolSize,
		TLS:        settings.TLS,
		Logger:     logging.WithComponent(logger, "bus"),
	})
}

func subscribeConsumers(messageBus bus.Bus, admission *orchestrator.Admission, aggregator *orchestrator.Aggregator, inFlight, maxDeliveries int) ([]bus.Subscription, error) {
	configs := []bus.SubscriptionConfig{
		{
			Topic:         bus.TopicTranscodeResults,
			Group:         "aggregator",
			Handler:       aggregator.HandleTranscodeResult,
			DeadLetter:    aggregator.DeadLetterHandler(bus.TopicTranscodeResults),
			MaxInFlight:   inFlight,
			MaxDeliveries: maxDeliveries,
		},
		{
			Topic:         bus.TopicFaceResults,
			Group:         "aggregator",
			Handler:       aggregator.HandleFaceResult,
			DeadLetter:    aggregator.DeadLetterHandler(bus.TopicFaceResults),
			MaxInFlight:   inFlight,
			MaxDeliveries: maxDeliveries,
		},
		{
			Topic:         bus.TopicSubmissions,
			Group:         "admission",
			Handler:       admission.HandleSubmission,
			MaxInFlight:   inFlight,
			MaxDeliveries: maxDeliveries,
		},
	}
	subscriptions := make([]bus.Subscription, 0, len(configs))
	for _, cfg := range configs {
		sub, err := messageBus.Subscribe(cfg)
		if err != nil {
			for _, open := range subscriptions {
				open.Close()
			}
			return nil, fmt.Errorf("subscribe %s: %w", cfg.Topic, err)
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, nil
}

func resolveMediaType(raw string, logger *slog.Logger) models.MediaType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "video":
		return models.MediaVideo
	case "image":
		return models.MediaImage
	default:
		logger.Warn("unknown classifier default, assuming video", "value", raw)
		return models.MediaVideo
	}
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("MEDIAFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
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

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
