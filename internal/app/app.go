// Package app assembles the engine and its backends from Config for the
// binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"batch-dispatcher/internal/config"
	"batch-dispatcher/internal/dispatch"
	"batch-dispatcher/internal/ledger"
	"batch-dispatcher/internal/models"
	"batch-dispatcher/internal/queue"
	"batch-dispatcher/internal/ratelimit"
	"batch-dispatcher/internal/sequence"
)

// Deps overrides pieces normally built from Config. Zero fields are built.
type Deps struct {
	Executor dispatch.Executor
	Oracle   sequence.Oracle
	Redis    *redis.Client
}

// Engine owns the dispatch engine and the clients it was built on.
type Engine struct {
	*dispatch.Engine
	redis     *redis.Client
	ownsRedis bool
}

// Close releases the Redis client when it was created here.
func (e *Engine) Close() error {
	if e.redis != nil && e.ownsRedis {
		return e.redis.Close()
	}
	return nil
}

// NewEngine builds the ledger client, optional Redis queue and throttle
// backend, and the engine itself.
func NewEngine(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) (*Engine, error) {
	if deps.Executor == nil || deps.Oracle == nil {
		var opts []ledger.Option
		if cfg.LedgerAPIKey != "" {
			opts = append(opts, ledger.WithAPIKey(cfg.LedgerAPIKey))
		}
		client, err := ledger.New(cfg.LedgerURL, cfg.LedgerTimeout, opts...)
		if err != nil {
			return nil, err
		}
		if deps.Executor == nil {
			deps.Executor = client
		}
		if deps.Oracle == nil {
			deps.Oracle = client
		}
	}

	out := &Engine{}
	dcfg := cfg.DispatchConfig()
	opts := []dispatch.Option{dispatch.WithLogger(logger)}

	if cfg.UsesRedis() {
		rdb := deps.Redis
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			out.ownsRedis = true
		}
		out.redis = rdb
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		if cfg.QueueBackend == "redis" {
			opts = append(opts, dispatch.WithQueue(queue.NewRedisQueue(rdb, cfg.RedisPrefix, cfg.DLQName)))
		}
		if cfg.ThrottleBackend == "redis" {
			backend := ratelimit.NewRedisBackend(rdb, cfg.RedisPrefix+"throttle:")
			opts = append(opts, dispatch.WithThrottle(ratelimit.New(dcfg.ThrottleLimit, dcfg.ThrottleWindow, ratelimit.WithBackend(backend))))
		}
	}

	out.Engine = dispatch.New(deps.Executor, deps.Oracle, dcfg, opts...)
	logger.Info("engine ready",
		slog.String("queue", cfg.QueueBackend),
		slog.String("throttle", cfg.ThrottleBackend),
		slog.Int("throttle_limit", dcfg.ThrottleLimit),
		slog.Duration("throttle_window", dcfg.ThrottleWindow))
	return out, nil
}

// RegisterConfigured registers cfg.Identities, logging partial failures.
func RegisterConfigured(ctx context.Context, e *dispatch.Engine, cfg config.Config, logger *slog.Logger) int {
	if len(cfg.Identities) == 0 {
		return 0
	}
	creds := make([]models.Credentials, 0, len(cfg.Identities))
	for _, addr := range cfg.Identities {
		creds = append(creds, models.Credentials{Address: addr})
	}
	n, err := e.RegisterIdentities(ctx, creds)
	if err != nil {
		logger.Warn("some identities failed to register", slog.String("error", err.Error()))
	}
	return n
}
