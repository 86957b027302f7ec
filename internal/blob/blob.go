// Package blob provides the object storage gateway. Artifact and source bytes
// live behind this interface; task rows only carry URLs minted here.
package blob

import (
	"context"
	"errors"
	"time"
)

// Errors surfaced by the gateway. Unreachable is the only kind callers retry.
var (
	ErrNotFound         = errors.New("blob: object not found")
	ErrUnreachable      = errors.New("blob: backend unreachable")
	ErrPermissionDenied = errors.New("blob: permission denied")
	ErrDisabled         = errors.New("blob: object storage not configured")
)

const (
	defaultRequestTimeout  = 60 * time.Second
	defaultBatchDeleteSize = 1000
)

// Config describes the S3-compatible backend.
type Config struct {
	Endpoint        string
	Region          string
	AccessKey       string
	SecretKey       string
	Bucket          string
	UseSSL          bool
	Prefix          string
	PublicEndpoint  string
	RequestTimeout  time.Duration
	BatchDeleteSize int
}

// Client is the storage contract the orchestrator depends on.
type Client interface {
	// Put stores the object and returns its public URL.
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// DeletePrefix removes every object under the prefix in batches and
	// returns the number of objects actually removed. Idempotent.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}
