// Package sequence keeps the next unused ledger sequence number for every
// registered identity. Locking is per identity; unrelated identities never
// contend with each other.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	ErrSequenceQueryFailed = errors.New("sequence: query failed")
	ErrUnknownIdentity     = errors.New("sequence: unknown identity")
	ErrIdentityInactive    = errors.New("sequence: identity inactive")
	// ErrStale means a submission failed and the counter has not yet been
	// resynchronized from the oracle.
	ErrStale = errors.New("sequence: counter stale, resync required")
)

// Oracle reports the authoritative next sequence number for an identity.
type Oracle interface {
	CurrentSequence(ctx context.Context, identity string) (uint64, error)
}

// Snapshot is a read-only view of one counter.
type Snapshot struct {
	Identity    string `json:"identity"`
	Value       uint64 `json:"value"`
	Dirty       bool   `json:"dirty"`
	Stale       bool   `json:"stale"`
	Active      bool   `json:"active"`
	Outstanding int    `json:"outstanding"`
	Resyncs     int    `json:"resyncs"`
}

type counter struct {
	mu          sync.Mutex
	value       uint64
	outstanding int
	stale       bool
	active      bool
	resyncs     int
}

// Allocator hands out per-identity sequence numbers.
type Allocator struct {
	oracle      Oracle
	concurrency int

	mu       sync.RWMutex
	counters map[string]*counter
}

// NewAllocator builds an allocator. concurrency bounds the parallel oracle
// queries issued by InitializeBatch; values <= 0 default to 8.
func NewAllocator(oracle Oracle, concurrency int) *Allocator {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Allocator{
		oracle:      oracle,
		concurrency: concurrency,
		counters:    make(map[string]*counter),
	}
}

func (a *Allocator) lookup(identity string) (*counter, error) {
	a.mu.RLock()
	c, ok := a.counters[identity]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return c, nil
}

func (a *Allocator) query(ctx context.Context, identity string) (uint64, error) {
	v, err := a.oracle.CurrentSequence(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %w", ErrSequenceQueryFailed, identity, err)
	}
	return v, nil
}

// Initialize queries the oracle once and records the starting counter.
// Re-initializing a known identity overwrites its counter and reactivates it.
func (a *Allocator) Initialize(ctx context.Context, identity string) error {
	v, err := a.query(ctx, identity)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.counters[identity] = &counter{value: v, active: true}
	a.mu.Unlock()
	return nil
}

// InitializeBatch initializes many identities with one oracle query each.
// Failures are collected per identity and never stop the others; the
// returned slice lists the identities that were initialized, in input order.
func (a *Allocator) InitializeBatch(ctx context.Context, identities []string) ([]string, map[string]error) {
	values := make([]uint64, len(identities))
	errs := make([]error, len(identities))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	seen := make(map[string]bool, len(identities))
	for i, id := range identities {
		if seen[id] {
			errs[i] = fmt.Errorf("sequence: duplicate identity %s in batch", id)
			continue
		}
		seen[id] = true
		i, id := i, id
		g.Go(func() error {
			values[i], errs[i] = a.query(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	ok := make([]string, 0, len(identities))
	failed := make(map[string]error)
	a.mu.Lock()
	for i, id := range identities {
		if errs[i] != nil {
			if _, dup := failed[id]; !dup && !contains(ok, id) {
				failed[id] = errs[i]
			}
			continue
		}
		a.counters[id] = &counter{value: values[i], active: true}
		ok = append(ok, id)
	}
	a.mu.Unlock()
	return ok, failed
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Next returns the current value and advances the counter.
func (a *Allocator) Next(identity string) (uint64, error) {
	c, err := a.lookup(identity)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0, fmt.Errorf("%w: %s", ErrIdentityInactive, identity)
	}
	if c.stale {
		return 0, fmt.Errorf("%w: %s", ErrStale, identity)
	}
	v := c.value
	c.value++
	c.outstanding++
	return v, nil
}

// Confirm records that one issued value was accepted by the ledger.
func (a *Allocator) Confirm(identity string) {
	c, err := a.lookup(identity)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.outstanding > 0 {
		c.outstanding--
	}
	c.mu.Unlock()
}

// MarkStale blocks further Next calls until a successful Resync.
func (a *Allocator) MarkStale(identity string) {
	c, err := a.lookup(identity)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports whether the identity must be resynced before the next issue.
func (a *Allocator) Stale(identity string) bool {
	c, err := a.lookup(identity)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Resync replaces the local counter with the oracle's value, discarding any
// unconfirmed issued values. On failure the counter is left stale. A done
// ctx returns its error without querying the oracle or touching the counter.
func (a *Allocator) Resync(ctx context.Context, identity string) error {
	c, err := a.lookup(identity)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := a.query(ctx, identity)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stale = true
		return err
	}
	c.value = v
	c.outstanding = 0
	c.stale = false
	c.resyncs++
	return nil
}

// Deactivate stops future issues. Values already handed out remain valid.
func (a *Allocator) Deactivate(identity string) {
	c, err := a.lookup(identity)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// Snapshot returns the counter state for identity.
func (a *Allocator) Snapshot(identity string) (Snapshot, error) {
	c, err := a.lookup(identity)
	if err != nil {
		return Snapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Identity:    identity,
		Value:       c.value,
		Dirty:       c.outstanding > 0,
		Stale:       c.stale,
		Active:      c.active,
		Outstanding: c.outstanding,
		Resyncs:     c.resyncs,
	}, nil
}

// Remove forgets identity entirely.
func (a *Allocator) Remove(identity string) {
	a.mu.Lock()
	delete(a.counters, identity)
	a.mu.Unlock()
}

// Reset drops all counters.
func (a *Allocator) Reset() {
	a.mu.Lock()
	a.counters = make(map[string]*counter)
	a.mu.Unlock()
}
