// Package retry runs an operation with per-attempt timeouts, exponential
// backoff with jitter, and context cancellation. It knows nothing about
// identities or jobs.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrCancelled wraps every failure caused by the caller's context.
	ErrCancelled = errors.New("retry: cancelled")
	// ErrAttemptTimeout is returned when a single attempt exceeds AttemptTimeout.
	ErrAttemptTimeout = errors.New("retry: attempt timed out")
)

// Options tune a single Execute call. Zero values fall back to DefaultOptions.
type Options struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// AttemptTimeout bounds each attempt. Zero disables the per-attempt race.
	AttemptTimeout time.Duration
	// ShouldRetry decides whether a failed attempt is retried. attempt is
	// 1-indexed and refers to the attempt that just failed.
	ShouldRetry func(err error, attempt int) bool
	// OnRetry observes a failed attempt together with the delay that will be
	// waited before the next one.
	OnRetry func(failed Attempt, next time.Duration)
	// Rand returns values in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultOptions mirrors the engine defaults: 3 attempts, 500ms doubling to 30s, 10% jitter.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.1,
		AttemptTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2
	}
	if o.JitterFraction < 0 {
		o.JitterFraction = 0
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = DefaultShouldRetry
	}
	if o.Rand == nil {
		o.Rand = rand.Float64 //nolint:gosec // jitter does not need crypto randomness
	}
	return o
}

// Attempt records one try of the operation.
type Attempt struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	Delay     time.Duration `json:"delay"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Result is returned by Execute regardless of outcome.
type Result[T any] struct {
	Success  bool
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
	History  []Attempt
}

// Delay returns the un-jittered wait after the given failed attempt:
// min(MaxDelay, InitialDelay * Multiplier^(attempt-1)).
func (o Options) Delay(attempt int) time.Duration {
	o = o.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(o.InitialDelay) * math.Pow(o.Multiplier, float64(attempt-1))
	if o.MaxDelay > 0 && d > float64(o.MaxDelay) {
		d = float64(o.MaxDelay)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (o Options) backoff(attempt int) time.Duration {
	d := o.Delay(attempt)
	if o.JitterFraction > 0 {
		d += time.Duration(float64(d) * o.JitterFraction * o.Rand())
	}
	return d
}

// Execute runs op until it succeeds, the predicate rejects an error, attempts
// run out, or ctx is cancelled. A context that is already done yields a
// failed Result with zero attempts and op is never called.
func Execute[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) Result[T] {
	opts = opts.withDefaults()
	start := time.Now()
	var res Result[T]

	if ctx.Err() != nil {
		res.Err = cancelled(ctx, nil)
		res.Duration = time.Since(start)
		return res
	}

	var delay time.Duration
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		rec := Attempt{Number: attempt, StartedAt: time.Now(), Delay: delay}
		val, err := runAttempt(ctx, op, opts.AttemptTimeout)
		rec.Duration = time.Since(rec.StartedAt)
		res.Attempts = attempt

		if err == nil {
			rec.Success = true
			res.History = append(res.History, rec)
			res.Success = true
			res.Value = val
			res.Err = nil
			break
		}

		rec.Err = err
		res.History = append(res.History, rec)
		res.Err = err

		if ctx.Err() != nil {
			res.Err = cancelled(ctx, err)
			break
		}
		if attempt == opts.MaxAttempts || !opts.ShouldRetry(err, attempt) {
			break
		}

		delay = opts.backoff(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(rec, delay)
		}
		if sleep(ctx, delay) != nil {
			res.Err = cancelled(ctx, err)
			break
		}
	}

	res.Duration = time.Since(start)
	return res
}

func runAttempt[T any](ctx context.Context, op func(ctx context.Context) (T, error), timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return call(ctx, op)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call(actx, op)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-actx.Done():
		// Prefer a result that raced the deadline.
		select {
		case o := <-done:
			return o.val, o.err
		default:
		}
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

func call[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry: operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cancelled(ctx context.Context, last error) error {
	if last == nil || errors.Is(last, ctx.Err()) {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return fmt.Errorf("%w: %w (last error: %w)", ErrCancelled, ctx.Err(), last)
}
