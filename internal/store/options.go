package store

import (
	"strings"
	"time"
)

// Option configures either backend. Options irrelevant to a backend are
// silently ignored so call sites can pass one option list regardless of the
// configured driver.
type Option interface {
	applyMemory(*MemoryStore)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	mem func(*MemoryStore)
	pg  func(*PostgresConfig)
}

func (o optionAdapter) applyMemory(store *MemoryStore) {
	if o.mem != nil && store != nil {
		o.mem(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(mem func(*MemoryStore), pg func(*PostgresConfig)) Option {
	return optionAdapter{mem: mem, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithRetryLimit bounds per-profile (and face-stage) republish attempts.
func WithRetryLimit(max int) Option {
	return composeOption(
		func(s *MemoryStore) {
			if max > 0 {
				s.retryMax = max
			}
		},
		func(cfg *PostgresConfig) {
			if max > 0 {
				cfg.RetryMaxPerProfile = max
			}
		},
	)
}

// WithClock overrides the mutation timestamp source, for tests.
func WithClock(clock func() time.Time) Option {
	return composeOption(
		func(s *MemoryStore) {
			if clock != nil {
				s.clock = clock
			}
		},
		func(cfg *PostgresConfig) {
			if clock != nil {
				cfg.Clock = clock
			}
		},
	)
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithPostgresStatementTimeout caps each mutation's transaction.
func WithPostgresStatementTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.StatementTimeout = timeout
		}
	})
}
