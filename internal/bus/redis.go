package bus

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis Streams transport.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// NewRedisBus initialises a bus backed by Redis Streams. One stream per topic,
// one consumer group per subscription group.
func NewRedisBus(cfg RedisConfig) (Bus, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("bus: redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	b := &redisBus{
		client:       client,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		groups:       make(map[string]struct{}),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.blockTimeout <= 0 {
		b.blockTimeout = 2 * time.Second
	}
	return b, nil
}

type redisBus struct {
	client       redis.UniversalClient
	blockTimeout time.Duration
	logger       *slog.Logger

	groupMu sync.Mutex
	groups  map[string]struct{}
}

func (b *redisBus) Publish(ctx context.Context, topic string, payload any) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("bus: topic is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	return b.append(ctx, topic, encoded, 1)
}

func (b *redisBus) append(ctx context.Context, topic string, payload []byte, deliveries int) error {
	_, err := b.client.Do(ctx, "XADD", topic, "*",
		"payload", string(payload),
		"deliveries", strconv.Itoa(deliveries),
	).Result()
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

func (b *redisBus) Subscribe(cfg SubscriptionConfig) (Subscription, error) {
	if cfg.Handler == nil {
		return nil, errors.New("bus: handler is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" || strings.TrimSpace(cfg.Group) == "" {
		return nil, errors.New("bus: topic and group are required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if err := b.ensureGroup(context.Background(), cfg.Topic, cfg.Group); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:      b,
		cfg:      cfg,
		consumer: randomConsumerID(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.run(ctx)
	return sub, nil
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

func (b *redisBus) ensureGroup(ctx context.Context, topic, group string) error {
	key := topic + "\x00" + group
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if _, ready := b.groups[key]; ready {
		return nil
	}
	_, err := b.client.Do(ctx, "XGROUP", "CREATE", topic, group, "$", "MKSTREAM").Result()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("bus: create group %s on %s: %w", group, topic, err)
	}
	b.groups[key] = struct{}{}
	return nil
}

type redisSubscription struct {
	bus      *redisBus
	cfg      SubscriptionConfig
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	done chan struct{}
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxInFlight)
	defer func() {
		_ = group.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.bus.logger.Warn("bus read failed", "topic", s.cfg.Topic, "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				s.requeue(entry)
				continue
			}
			entry := entry
			group.Go(func() error {
				s.dispatch(groupCtx, entry)
				return nil
			})
		}
	}
}

func (s *redisSubscription) dispatch(ctx context.Context, entry streamEntry) {
	msg := Message{ID: entry.ID, Payload: entry.Payload, Deliveries: entry.Deliveries}
	err := s.cfg.Handler(ctx, msg)
	if err == nil {
		s.ack(ctx, entry.ID)
		return
	}
	if ctx.Err() != nil {
		// Shutdown: put the message back untouched so the budget is not
		// charged for deliveries the handler never finished.
		s.requeue(entry)
		return
	}
	if entry.Deliveries >= s.cfg.MaxDeliveries {
		s.deadLetter(entry, err)
		return
	}
	s.bus.logger.Warn("bus handler failed, requeueing",
		"topic", s.cfg.Topic, "id", entry.ID, "deliveries", entry.Deliveries, "error", err)
	s.redeliver(entry)
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}
	if _, err := s.bus.client.Do(ctx, "XACK", s.cfg.Topic, s.cfg.Group, id).Result(); err != nil {
		s.bus.logger.Warn("bus ack failed", "topic", s.cfg.Topic, "id", id, "error", err)
	}
}

// requeue re-appends without charging the delivery budget (shutdown path).
func (s *redisSubscription) requeue(entry streamEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ack(ctx, entry.ID)
	if len(entry.Payload) == 0 {
		return
	}
	if err := s.bus.append(ctx, s.cfg.Topic, entry.Payload, entry.Deliveries); err != nil {
		s.bus.logger.Warn("bus requeue failed", "topic", s.cfg.Topic, "id", entry.ID, "error", err)
	}
}

// redeliver re-appends after a handler failure with the budget charged.
func (s *redisSubscription) redeliver(entry streamEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ack(ctx, entry.ID)
	if err := s.bus.append(ctx, s.cfg.Topic, entry.Payload, entry.Deliveries+1); err != nil {
		s.bus.logger.Warn("bus redeliver failed", "topic", s.cfg.Topic, "id", entry.ID, "error", err)
	}
}

func (s *redisSubscription) deadLetter(entry streamEntry, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.bus.logger.Error("bus delivery budget exhausted",
		"topic", s.cfg.Topic, "id", entry.ID, "deliveries", entry.Deliveries, "error", cause)
	if err := s.bus.append(ctx, s.cfg.Topic+DeadLetterSuffix, entry.Payload, entry.Deliveries); err != nil {
		s.bus.logger.Warn("bus dead-letter append failed", "topic", s.cfg.Topic, "id", entry.ID, "error", err)
	}
	s.ack(ctx, entry.ID)
	if s.cfg.DeadLetter != nil {
		s.cfg.DeadLetter(ctx, Message{ID: entry.ID, Payload: entry.Payload, Deliveries: entry.Deliveries})
	}
}

type streamEntry struct {
	ID         string
	Payload    []byte
	Deliveries int
}

func (s *redisSubscription) read(ctx context.Context) ([]streamEntry, error) {
	blockMs := int(math.Max(float64(s.bus.blockTimeout.Milliseconds()), 1))
	reply, err := s.bus.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		s.cfg.Group,
		s.consumer,
		"COUNT",
		"32",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		s.cfg.Topic,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, nil
	}
	var entries []streamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		for _, record := range records {
			tuple, ok := record.([]interface{})
			if !ok || len(tuple) != 2 {
				continue
			}
			id, _ := asString(tuple[0])
			fields, _ := tuple[1].([]interface{})
			payload, deliveries := extractFields(fields)
			if id == "" || len(payload) == 0 {
				continue
			}
			entries = append(entries, streamEntry{ID: id, Payload: payload, Deliveries: deliveries})
		}
	}
	return entries, nil
}

func extractFields(fields []interface{}) ([]byte, int) {
	var payload []byte
	deliveries := 1
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := asString(fields[i])
		value, _ := asString(fields[i+1])
		switch {
		case strings.EqualFold(key, "payload"):
			if value != "" {
				payload = []byte(value)
			}
		case strings.EqualFold(key, "deliveries"):
			if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
				deliveries = parsed
			}
		}
	}
	return payload, deliveries
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout") || errors.Is(err, redis.Nil)
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("bus: read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("bus: redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("bus: load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
