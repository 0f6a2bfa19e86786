// Package ratelimit admits requests per identity under a sliding-window
// ceiling. Callers block until a slot frees; nothing is ever rejected.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Reservation is the outcome of one admission attempt against a backend.
type Reservation struct {
	OK bool
	// At is the admission timestamp recorded in the window when OK.
	At time.Time
	// Wait is how long until the oldest admission leaves the window when !OK.
	Wait time.Duration
}

// Backend stores admission timestamps for each identity.
type Backend interface {
	Reserve(ctx context.Context, identity string, limit int, window time.Duration) (Reservation, error)
	// Occupancy counts admissions inside the trailing window without mutating state.
	Occupancy(ctx context.Context, identity string, window time.Duration) (int, time.Time, error)
	Forget(ctx context.Context, identity string) error
}

// WindowStats reports current window occupancy for one identity.
type WindowStats struct {
	Identity  string        `json:"identity"`
	InWindow  int           `json:"in_window"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Available int           `json:"available"`
	// ResetIn is how long until the oldest admission expires; zero when empty.
	ResetIn time.Duration `json:"reset_in"`
}

// Throttle enforces at most limit admissions per identity in any trailing window.
type Throttle struct {
	backend Backend
	limit   int
	window  time.Duration
	now     func() time.Time

	// onAdmit is a test hook observing every admission.
	onAdmit func(identity string, at time.Time)
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithBackend swaps the default in-memory backend.
func WithBackend(b Backend) Option {
	return func(t *Throttle) { t.backend = b }
}

// New builds a throttle. A limit <= 0 disables throttling.
func New(limit int, window time.Duration, opts ...Option) *Throttle {
	t := &Throttle{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.backend == nil {
		t.backend = NewMemoryBackend()
	}
	return t
}

// Limit returns the configured ceiling.
func (t *Throttle) Limit() int { return t.limit }

// Window returns the configured window length.
func (t *Throttle) Window() time.Duration { return t.window }

// WaitForSlot blocks until one more request for identity fits in the window.
// It only returns early with ctx's error or a backend error.
func (t *Throttle) WaitForSlot(ctx context.Context, identity string) error {
	if t.limit <= 0 || t.window <= 0 {
		return ctx.Err()
	}
	for {
		r, err := t.backend.Reserve(ctx, identity, t.limit, t.window)
		if err != nil {
			return err
		}
		if r.OK {
			if t.onAdmit != nil {
				t.onAdmit(identity, r.At)
			}
			return nil
		}
		wait := r.Wait
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats returns occupancy for identity without consuming a slot.
func (t *Throttle) Stats(ctx context.Context, identity string) (WindowStats, error) {
	st := WindowStats{Identity: identity, Limit: t.limit, Window: t.window}
	if t.window <= 0 {
		return st, nil
	}
	n, oldest, err := t.backend.Occupancy(ctx, identity, t.window)
	if err != nil {
		return st, err
	}
	st.InWindow = n
	if t.limit > 0 {
		st.Available = max(t.limit-n, 0)
	}
	if n > 0 {
		st.ResetIn = max(oldest.Add(t.window).Sub(t.now()), 0)
	}
	return st, nil
}

// Forget drops the window for identity.
func (t *Throttle) Forget(ctx context.Context, identity string) error {
	return t.backend.Forget(ctx, identity)
}

type windowLog struct {
	mu     sync.Mutex
	stamps []time.Time
}

func (l *windowLog) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(l.stamps) && now.Sub(l.stamps[i]) >= window {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// MemoryBackend keeps one timestamp log per identity in process memory.
type MemoryBackend struct {
	now  func() time.Time
	mu   sync.RWMutex
	logs map[string]*windowLog
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{now: time.Now, logs: make(map[string]*windowLog)}
}

func (m *MemoryBackend) log(identity string) *windowLog {
	m.mu.RLock()
	l, ok := m.logs[identity]
	m.mu.RUnlock()
	if ok {
		return l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.logs[identity]; !ok {
		l = &windowLog{}
		m.logs[identity] = l
	}
	return l
}

// Reserve implements Backend. The clock is read under the identity lock so
// recorded stamps are ordered.
func (m *MemoryBackend) Reserve(_ context.Context, identity string, limit int, window time.Duration) (Reservation, error) {
	l := m.log(identity)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := m.now()
	l.prune(now, window)
	if len(l.stamps) < limit {
		l.stamps = append(l.stamps, now)
		return Reservation{OK: true, At: now}, nil
	}
	return Reservation{Wait: l.stamps[0].Add(window).Sub(now)}, nil
}

// Occupancy implements Backend.
func (m *MemoryBackend) Occupancy(_ context.Context, identity string, window time.Duration) (int, time.Time, error) {
	m.mu.RLock()
	l, ok := m.logs[identity]
	m.mu.RUnlock()
	if !ok {
		return 0, time.Time{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := m.now()
	var (
		n      int
		oldest time.Time
	)
	for _, s := range l.stamps {
		if now.Sub(s) < window {
			if n == 0 {
				oldest = s
			}
			n++
		}
	}
	return n, oldest, nil
}

// Forget implements Backend.
func (m *MemoryBackend) Forget(_ context.Context, identity string) error {
	m.mu.Lock()
	delete(m.logs, identity)
	m.mu.Unlock()
	return nil
}
