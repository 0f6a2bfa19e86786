package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestWaitForSlotReturnsImmediatelyUnderCeiling(t *testing.T) {
	th := New(5, time.Hour)
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := th.WaitForSlot(context.Background(), "a"); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("admissions under the ceiling should not block")
	}

	st, err := th.Stats(context.Background(), "a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.InWindow != 5 || st.Available != 0 || st.Limit != 5 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.ResetIn <= 0 || st.ResetIn > time.Hour {
		t.Fatalf("unexpected reset_in %s", st.ResetIn)
	}
}

func TestWaitForSlotBlocksUntilOldestExpires(t *testing.T) {
	window := 60 * time.Millisecond
	th := New(2, window)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := th.WaitForSlot(ctx, "a"); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Fatalf("third admission returned after %s, want >= %s", elapsed, window)
	}
}

func TestWaitForSlotHonorsCancellation(t *testing.T) {
	th := New(1, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := th.WaitForSlot(ctx, "a"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	err := th.WaitForSlot(ctx, "a")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStatsHasNoSideEffects(t *testing.T) {
	th := New(1, time.Hour)
	for i := 0; i < 3; i++ {
		st, err := th.Stats(context.Background(), "a")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.InWindow != 0 || st.Available != 1 {
			t.Fatalf("unexpected stats %+v", st)
		}
	}
	if err := th.WaitForSlot(context.Background(), "a"); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestIdentitiesDoNotShareWindows(t *testing.T) {
	th := New(1, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, id := range []string{"a", "b", "c"} {
		if err := th.WaitForSlot(ctx, id); err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
	}
}

// TestThrottleCeilingProperty hammers the throttle with randomized concurrent
// callers and checks that no trailing window ever holds more than the limit.
func TestThrottleCeilingProperty(t *testing.T) {
	const (
		limit   = 3
		window  = 40 * time.Millisecond
		callers = 12
		perCall = 3
	)
	rng := rand.New(rand.NewSource(42))
	identities := []string{"a", "b"}

	th := New(limit, window)
	var mu sync.Mutex
	admitted := map[string][]time.Time{}
	th.onAdmit = func(id string, at time.Time) {
		mu.Lock()
		admitted[id] = append(admitted[id], at)
		mu.Unlock()
	}

	jitters := make([]time.Duration, callers)
	for i := range jitters {
		jitters[i] = time.Duration(rng.Intn(15)) * time.Millisecond
	}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := identities[i%len(identities)]
			for j := 0; j < perCall; j++ {
				time.Sleep(jitters[i])
				if err := th.WaitForSlot(context.Background(), id); err != nil {
					t.Errorf("wait: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for id, stamps := range admitted {
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
		if got, want := len(stamps), callers/len(identities)*perCall; got != want {
			t.Fatalf("%s: expected %d admissions, got %d", id, want, got)
		}
		for i := 0; i+limit < len(stamps); i++ {
			if gap := stamps[i+limit].Sub(stamps[i]); gap < window {
				t.Fatalf("%s: %d admissions within %s (window %s)", id, limit+1, gap, window)
			}
		}
	}
}

func TestDisabledThrottle(t *testing.T) {
	th := New(0, time.Second)
	for i := 0; i < 100; i++ {
		if err := th.WaitForSlot(context.Background(), fmt.Sprint(i%2)); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
}
