package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"batch-dispatcher/internal/models"
	"batch-dispatcher/internal/queue"
	"batch-dispatcher/internal/ratelimit"
	"batch-dispatcher/internal/sequence"
	"batch-dispatcher/internal/telemetry"
)

// Executor submits one signed payload for identity at the given sequence.
// Implementations should honor ctx and wrap one of the submission-layer
// errors (ErrRateLimited, ErrUnauthorized, ...) so failures can be classified.
type Executor interface {
	Submit(ctx context.Context, identity string, sequence uint64, payload models.Payload) (models.Receipt, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, identity string, sequence uint64, payload models.Payload) (models.Receipt, error)

func (f ExecutorFunc) Submit(ctx context.Context, identity string, seq uint64, payload models.Payload) (models.Receipt, error) {
	return f(ctx, identity, seq, payload)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	TotalIdentities  int   `json:"total_identities"`
	ActiveIdentities int   `json:"active_identities"`
	TotalSubmissions int64 `json:"total_submissions"`
	QueueSize        int   `json:"queue_size"`
	InFlight         int64 `json:"in_flight"`
}

// identity is the engine's record of one registered signer.
type identity struct {
	address      string
	label        string
	registeredAt time.Time

	mu           sync.Mutex
	active       bool
	lastActivity time.Time
	completed    int64
	failStreak   int

	// gate is held shared while a sequence value is out for submission and
	// exclusively while the counter is resynced.
	gate sync.RWMutex
}

func (i *identity) isActive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

func (i *identity) snapshot() models.Identity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return models.Identity{
		Address:      i.address,
		Label:        i.label,
		Active:       i.active,
		LastActivity: i.lastActivity,
		Completed:    i.completed,
		RegisteredAt: i.registeredAt,
	}
}

// Engine owns the identity pool, the per-identity queues, and the worker loops.
type Engine struct {
	cfg      Config
	exec     Executor
	alloc    *sequence.Allocator
	throttle *ratelimit.Throttle
	queue    queue.Queue
	logger   *slog.Logger

	mu         sync.RWMutex
	identities map[string]*identity
	order      []string
	// claimed holds addresses whose oracle query is still in flight
	claimed map[string]struct{}

	running atomic.Bool
	lanesMu sync.RWMutex
	lanes   map[string]*lane

	submissions atomic.Int64
	inflight    atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithQueue replaces the in-memory job queue.
func WithQueue(q queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithThrottle replaces the throttle built from Config.
func WithThrottle(t *ratelimit.Throttle) Option {
	return func(e *Engine) { e.throttle = t }
}

// New builds an engine submitting through exec and reading sequences from oracle.
func New(exec Executor, oracle sequence.Oracle, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:        cfg,
		exec:       exec,
		alloc:      sequence.NewAllocator(oracle, cfg.InitConcurrency),
		identities: make(map[string]*identity),
		claimed:    make(map[string]struct{}),
		lanes:      make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.throttle == nil {
		e.throttle = ratelimit.New(cfg.ThrottleLimit, cfg.ThrottleWindow)
	}
	if e.queue == nil {
		e.queue = queue.NewMemoryQueue()
	}
	return e
}

// Allocator exposes the sequence allocator for inspection.
func (e *Engine) Allocator() *sequence.Allocator { return e.alloc }

// Throttle exposes the request throttle for inspection.
func (e *Engine) Throttle() *ratelimit.Throttle { return e.throttle }

// Queue exposes the job queue.
func (e *Engine) Queue() queue.Queue { return e.queue }

func (e *Engine) lookup(address string) *identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identities[address]
}

func normalizeCredentials(c models.Credentials) (models.Credentials, error) {
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		return c, fmt.Errorf("%w: address is required", ErrInvalidIdentity)
	}
	return c, nil
}

// claim reserves address for registration so concurrent registrations of
// the same address cannot both reach the oracle.
func (e *Engine) claim(address string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.identities[address]; exists {
		return fmt.Errorf("%w: %s", ErrIdentityExists, address)
	}
	if _, pending := e.claimed[address]; pending {
		return fmt.Errorf("%w: %s (registration in progress)", ErrIdentityExists, address)
	}
	e.claimed[address] = struct{}{}
	return nil
}

func (e *Engine) release(address string) {
	e.mu.Lock()
	delete(e.claimed, address)
	e.mu.Unlock()
}

// add turns a claimed address into a registered identity.
func (e *Engine) add(c models.Credentials) {
	st := &identity{
		address:      c.Address,
		label:        c.Label,
		registeredAt: time.Now().UTC(),
		active:       true,
	}
	e.mu.Lock()
	delete(e.claimed, c.Address)
	e.identities[c.Address] = st
	e.order = append(e.order, c.Address)
	e.mu.Unlock()
	telemetry.ActiveIdentities.Inc()
}

// RegisterIdentity initializes the identity's sequence counter with a single
// oracle query and adds it to the pool. Nothing is registered on failure.
func (e *Engine) RegisterIdentity(ctx context.Context, c models.Credentials) error {
	c, err := normalizeCredentials(c)
	if err != nil {
		return err
	}
	if err := e.claim(c.Address); err != nil {
		return err
	}
	if err := e.alloc.Initialize(ctx, c.Address); err != nil {
		e.release(c.Address)
		return err
	}
	e.add(c)
	e.logger.Info("identity registered", slog.String("identity", c.Address))
	return nil
}

// RegisterIdentities registers many identities with one oracle query each.
// It returns how many were registered; err joins every per-identity failure.
func (e *Engine) RegisterIdentities(ctx context.Context, list []models.Credentials) (int, error) {
	var errs []error
	byAddr := make(map[string]models.Credentials, len(list))
	addrs := make([]string, 0, len(list))
	for _, raw := range list {
		c, err := normalizeCredentials(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := byAddr[c.Address]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate %s", ErrInvalidIdentity, c.Address))
			continue
		}
		if err := e.claim(c.Address); err != nil {
			errs = append(errs, err)
			continue
		}
		byAddr[c.Address] = c
		addrs = append(addrs, c.Address)
	}

	ok, failed := e.alloc.InitializeBatch(ctx, addrs)
	for _, addr := range addrs {
		if err, bad := failed[addr]; bad {
			errs = append(errs, err)
			e.release(addr)
		}
	}
	for _, addr := range ok {
		e.add(byAddr[addr])
	}
	e.logger.Info("identities registered",
		slog.Int("registered", len(ok)),
		slog.Int("failed", len(errs)))
	return len(ok), errors.Join(errs...)
}

// Identities returns a snapshot of every registered identity in registration order.
func (e *Engine) Identities() []models.Identity {
	e.mu.RLock()
	list := make([]*identity, 0, len(e.order))
	for _, addr := range e.order {
		list = append(list, e.identities[addr])
	}
	e.mu.RUnlock()

	out := make([]models.Identity, 0, len(list))
	for _, st := range list {
		out = append(out, st.snapshot())
	}
	return out
}

func (e *Engine) activeAddresses() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.order))
	for _, addr := range e.order {
		if e.identities[addr].isActive() {
			out = append(out, addr)
		}
	}
	return out
}

// CreateJobs validates every payload and distributes them round-robin across
// the currently active identities. Nothing is assigned unless all payloads
// pass validation.
func (e *Engine) CreateJobs(payloads []models.Payload) ([]*models.Job, error) {
	if n := len(payloads); n == 0 || n > e.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidBatchSize, n, e.cfg.MaxBatchSize)
	}
	active := e.activeAddresses()
	if len(active) == 0 {
		return nil, ErrNoActiveIdentities
	}

	var verr ValidationError
	for i, p := range payloads {
		if err := e.cfg.Validate(p); err != nil {
			verr.Issues = append(verr.Issues, PayloadIssue{
				Index: i,
				Err:   fmt.Errorf("%w: index %d: %w", ErrInvalidPayload, i, err),
				Msg:   err.Error(),
			})
		}
	}
	if len(verr.Issues) > 0 {
		return nil, &verr
	}

	now := time.Now().UTC()
	jobs := make([]*models.Job, len(payloads))
	for i, p := range payloads {
		jobs[i] = &models.Job{
			ID:        uuid.NewString(),
			Index:     i,
			Payload:   p,
			Status:    models.StatusPending,
			CreatedAt: now,
		}
	}
	for i, j := range jobs {
		j.Identity = active[i%len(active)]
		j.Status = models.StatusAssigned
	}
	return jobs, nil
}

// Stats reports registry, queue and in-flight counts.
func (e *Engine) Stats() Stats {
	var s Stats
	e.mu.RLock()
	s.TotalIdentities = len(e.identities)
	for _, st := range e.identities {
		if st.isActive() {
			s.ActiveIdentities++
		}
	}
	e.mu.RUnlock()

	s.TotalSubmissions = e.submissions.Load()
	s.InFlight = e.inflight.Load()

	e.lanesMu.RLock()
	ids := make([]string, 0, len(e.lanes))
	for id := range e.lanes {
		ids = append(ids, id)
	}
	e.lanesMu.RUnlock()
	for _, id := range ids {
		if n, err := e.queue.Len(context.Background(), id); err == nil {
			s.QueueSize += n
		}
	}
	return s
}

// Reset clears identities, counters, throttle windows and queues. It fails
// while a Run is active.
func (e *Engine) Reset(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer e.running.Store(false)

	e.mu.Lock()
	addrs := e.order
	e.identities = make(map[string]*identity)
	e.order = nil
	e.mu.Unlock()

	var errs []error
	for _, addr := range addrs {
		if err := e.throttle.Forget(ctx, addr); err != nil {
			errs = append(errs, err)
		}
		telemetry.WorkersGauge.DeleteLabelValues(addr)
	}
	e.alloc.Reset()
	if err := e.queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}

	e.lanesMu.Lock()
	e.lanes = make(map[string]*lane)
	e.lanesMu.Unlock()

	e.submissions.Store(0)
	e.inflight.Store(0)
	telemetry.ActiveIdentities.Set(0)
	telemetry.QueueDepthGauge.Set(0)
	return errors.Join(errs...)
}

func (e *Engine) deactivate(st *identity, cause error) {
	st.mu.Lock()
	if !st.active {
		st.mu.Unlock()
		return
	}
	st.active = false
	st.mu.Unlock()

	e.alloc.Deactivate(st.address)
	telemetry.IdentityDeactivations.Inc()
	telemetry.ActiveIdentities.Dec()
	e.logger.Warn("identity deactivated",
		slog.String("identity", st.address),
		slog.String("cause", cause.Error()))
}
