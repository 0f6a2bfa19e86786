package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"batch-dispatcher/internal/models"
	"batch-dispatcher/internal/retry"
)

const (
	DefaultMaxBatchSize    = 1000
	DefaultJobMaxRetries   = 3
	DefaultDeactivateAfter = 3
	DefaultMaxPayloadBytes = 128 << 10
)

// Config tunes an Engine. Zero values take the defaults noted per field.
type Config struct {
	// MaxBatchSize bounds CreateJobs input (default 1000).
	MaxBatchSize int
	// PerIdentityConcurrency is the initial number of worker loops per
	// identity (default 1). Values above 1 allow several in-flight
	// submissions for one identity.
	PerIdentityConcurrency int
	// MaxWorkersPerIdentity caps adaptive scaling (default PerIdentityConcurrency).
	MaxWorkersPerIdentity int
	// JobMaxRetries is how many times a job is requeued after the retry
	// engine gives up (default 3).
	JobMaxRetries int
	// DeactivateAfter deactivates an identity after this many consecutive
	// terminal job failures (default 3).
	DeactivateAfter int
	// Retry configures each submission's retry engine run.
	Retry retry.Options
	// ThrottleLimit requests per ThrottleWindow per identity; <= 0 disables.
	ThrottleLimit  int
	ThrottleWindow time.Duration
	// AdjustInterval runs AdjustConcurrency on a ticker during Run; zero disables.
	AdjustInterval time.Duration
	Policy         ConcurrencyPolicy
	// InitConcurrency bounds parallel sequence queries during batch registration.
	InitConcurrency int
	MaxPayloadBytes int
	// Validate replaces the default structural payload check.
	Validate func(models.Payload) error
	// QueuePollInterval is the pause after a queue backend error.
	QueuePollInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:           DefaultMaxBatchSize,
		PerIdentityConcurrency: 1,
		MaxWorkersPerIdentity:  1,
		JobMaxRetries:          DefaultJobMaxRetries,
		DeactivateAfter:        DefaultDeactivateAfter,
		Retry:                  retry.DefaultOptions(),
		ThrottleLimit:          10,
		ThrottleWindow:         time.Second,
		Policy:                 DefaultThresholdPolicy(),
		InitConcurrency:        8,
		MaxPayloadBytes:        DefaultMaxPayloadBytes,
		QueuePollInterval:      250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.PerIdentityConcurrency <= 0 {
		c.PerIdentityConcurrency = 1
	}
	if c.MaxWorkersPerIdentity < c.PerIdentityConcurrency {
		c.MaxWorkersPerIdentity = c.PerIdentityConcurrency
	}
	if c.JobMaxRetries < 0 {
		c.JobMaxRetries = 0
	}
	if c.DeactivateAfter <= 0 {
		c.DeactivateAfter = DefaultDeactivateAfter
	}
	if c.Policy == nil {
		c.Policy = DefaultThresholdPolicy()
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Validate == nil {
		limit := c.MaxPayloadBytes
		c.Validate = func(p models.Payload) error { return validatePayload(p, limit) }
	}
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = 250 * time.Millisecond
	}
	return c
}

func validatePayload(p models.Payload, maxBytes int) error {
	if strings.TrimSpace(p.Kind) == "" {
		return fmt.Errorf("kind is required")
	}
	if len(p.Body) > maxBytes {
		return fmt.Errorf("body is %d bytes, limit %d", len(p.Body), maxBytes)
	}
	if len(p.Body) > 0 && !json.Valid(p.Body) {
		return fmt.Errorf("body is not valid JSON")
	}
	return nil
}
