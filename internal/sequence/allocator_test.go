package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	mu     sync.Mutex
	values map[string]uint64
	fail   map[string]error
	calls  map[string]int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		values: map[string]uint64{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (o *fakeOracle) CurrentSequence(_ context.Context, identity string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[identity]++
	if err := o.fail[identity]; err != nil {
		return 0, err
	}
	return o.values[identity], nil
}

func (o *fakeOracle) set(identity string, v uint64) {
	o.mu.Lock()
	o.values[identity] = v
	o.mu.Unlock()
}

func TestInitializeQueriesOnce(t *testing.T) {
	oracle := newFakeOracle()
	oracle.set("alice", 7)
	a := NewAllocator(oracle, 0)

	require.NoError(t, a.Initialize(context.Background(), "alice"))
	assert.Equal(t, 1, oracle.calls["alice"])

	v, err := a.Next("alice")
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
	v, err = a.Next("alice")
	require.NoError(t, err)
	assert.EqualValues(t, 8, v)
	assert.Equal(t, 1, oracle.calls["alice"])
}

func TestInitializeFailure(t *testing.T) {
	oracle := newFakeOracle()
	oracle.fail["bob"] = errors.New("rpc down")
	a := NewAllocator(oracle, 0)

	err := a.Initialize(context.Background(), "bob")
	require.ErrorIs(t, err, ErrSequenceQueryFailed)

	_, err = a.Next("bob")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestInitializeBatchPartialSuccess(t *testing.T) {
	oracle := newFakeOracle()
	oracle.set("a", 1)
	oracle.set("c", 3)
	oracle.fail["b"] = errors.New("timeout")
	a := NewAllocator(oracle, 2)

	ok, failed := a.InitializeBatch(context.Background(), []string{"a", "b", "c", "a"})

	assert.Equal(t, []string{"a", "c"}, ok)
	require.Contains(t, failed, "b")
	assert.ErrorIs(t, failed["b"], ErrSequenceQueryFailed)
	assert.NotContains(t, failed, "a")
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, oracle.calls[id], id)
	}

	v, err := a.Next("c")
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)
}

func TestNextConcurrentIsGapFree(t *testing.T) {
	oracle := newFakeOracle()
	oracle.set("x", 100)
	a := NewAllocator(oracle, 0)
	require.NoError(t, a.Initialize(context.Background(), "x"))

	const n = 500
	var mu sync.Mutex
	got := make([]uint64, 0, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.Next("x")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, n)
	for i, v := range got {
		assert.EqualValues(t, 100+i, v)
	}
}

func TestResyncDiscardsDirtyValue(t *testing.T) {
	oracle := newFakeOracle()
	oracle.set("x", 5)
	a := NewAllocator(oracle, 0)
	require.NoError(t, a.Initialize(context.Background(), "x"))

	v, err := a.Next("x")
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	snap, err := a.Snapshot("x")
	require.NoError(t, err)
	assert.True(t, snap.Dirty)

	// submission of 5 failed; the ledger still expects 5
	a.MarkStale("x")
	_, err = a.Next("x")
	require.ErrorIs(t, err, ErrStale)

	require.NoError(t, a.Resync(context.Background(), "x"))
	v, err = a.Next("x")
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	snap, _ = a.Snapshot("x")
	assert.Equal(t, 1, snap.Resyncs)
	a.Confirm("x")
	snap, _ = a.Snapshot("x")
	assert.False(t, snap.Dirty)
}

func TestResyncFailureKeepsCounterStale(t *testing.T) {
	oracle := newFakeOracle()
	oracle.set("x", 1)
	a := NewAllocator(oracle, 0)
	require.NoError(t, a.Initialize(context.Background(), "x"))

	oracle.mu.Lock()
	oracle.fail["x"] = errors.New("oracle unavailable")
	oracle.mu.Unlock()

	require.ErrorIs(t, a.Resync(context.Background(), "x"), ErrSequenceQueryFailed)
	assert.True(t, a.Stale("x"))
	_, err := a.Next("x")
	assert.ErrorIs(t, err, ErrStale)

	oracle.mu.Lock()
	delete(oracle.fail, "x")
	oracle.values["x"] = 4
	oracle.mu.Unlock()

	require.NoError(t, a.Resync(context.Background(), "x"))
	v, err := a.Next("x")
	require.NoError(t, err)
	assert.EqualValues(t, 4, v)
}

func TestResyncWithDoneContextSkipsOracle(t *testing.T) {
	oracle := newFakeOracle()
	oracle.set("x", 3)
	a := NewAllocator(oracle, 0)
	require.NoError(t, a.Initialize(context.Background(), "x"))
	a.MarkStale("x")
	oracle.set("x", 9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.Resync(ctx, "x"), context.Canceled)

	oracle.mu.Lock()
	calls := oracle.calls["x"]
	oracle.mu.Unlock()
	assert.Equal(t, 1, calls, "only the initialize query")

	snap, err := a.Snapshot("x")
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.EqualValues(t, 3, snap.Value)
	assert.Equal(t, 0, snap.Resyncs)
}

func TestDeactivate(t *testing.T) {
	oracle := newFakeOracle()
	a := NewAllocator(oracle, 0)
	require.NoError(t, a.Initialize(context.Background(), "x"))

	_, err := a.Next("x")
	require.NoError(t, err)
	a.Deactivate("x")

	_, err = a.Next("x")
	assert.ErrorIs(t, err, ErrIdentityInactive)
	snap, err := a.Snapshot("x")
	require.NoError(t, err)
	assert.False(t, snap.Active)
	assert.Equal(t, 1, snap.Outstanding)
}

func TestIdentitiesDoNotBlockEachOther(t *testing.T) {
	oracle := newFakeOracle()
	a := NewAllocator(oracle, 0)
	require.NoError(t, a.Initialize(context.Background(), "x"))
	require.NoError(t, a.Initialize(context.Background(), "y"))

	c, err := a.lookup("x")
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := a.Next("y")
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestReset(t *testing.T) {
	a := NewAllocator(newFakeOracle(), 0)
	require.NoError(t, a.Initialize(context.Background(), "x"))
	a.Reset()
	_, err := a.Next("x")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}
