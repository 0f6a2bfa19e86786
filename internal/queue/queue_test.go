package queue

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func backends(t *testing.T) map[string]Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(client, "test:", ""),
	}
}

func TestQueueOrdering(t *testing.T) {
	ctx := context.Background()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"j1", "j2", "j3"} {
				if err := q.PushBack(ctx, "alice", id); err != nil {
					t.Fatalf("push back: %v", err)
				}
			}
			first, ok, err := q.Pop(ctx, "alice")
			if err != nil || !ok || first != "j1" {
				t.Fatalf("expected j1, got %q ok=%v err=%v", first, ok, err)
			}
			// requeued job goes ahead of untried work
			if err := q.PushFront(ctx, "alice", first); err != nil {
				t.Fatalf("push front: %v", err)
			}
			var got []string
			for {
				id, ok, err := q.Pop(ctx, "alice")
				if err != nil {
					t.Fatalf("pop: %v", err)
				}
				if !ok {
					break
				}
				got = append(got, id)
			}
			want := []string{"j1", "j2", "j3"}
			if len(got) != len(want) {
				t.Fatalf("expected %v, got %v", want, got)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("expected %v, got %v", want, got)
				}
			}
		})
	}
}

func TestQueueLanesAreIndependent(t *testing.T) {
	ctx := context.Background()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_ = q.PushBack(ctx, "alice", "a1")
			_ = q.PushBack(ctx, "bob", "b1")
			_ = q.PushBack(ctx, "bob", "b2")

			if n, _ := q.Len(ctx, "alice"); n != 1 {
				t.Fatalf("alice len %d", n)
			}
			if n, _ := q.Len(ctx, "bob"); n != 2 {
				t.Fatalf("bob len %d", n)
			}
			left, err := q.Drain(ctx, "bob")
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(left) != 2 || left[0] != "b1" {
				t.Fatalf("unexpected drain %v", left)
			}
			if n, _ := q.Len(ctx, "bob"); n != 0 {
				t.Fatalf("bob should be empty, len %d", n)
			}
			if _, ok, _ := q.Pop(ctx, "bob"); ok {
				t.Fatalf("expected empty bob lane")
			}
		})
	}
}

func TestQueueDeadLettersAndClear(t *testing.T) {
	ctx := context.Background()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_ = q.PushBack(ctx, "alice", "a1")
			_ = q.DeadLetter(ctx, "alice", "a0")
			_ = q.DeadLetter(ctx, "alice", "a9")

			items, err := q.DeadLetters(ctx, 10)
			if err != nil {
				t.Fatalf("dead letters: %v", err)
			}
			if len(items) != 2 {
				t.Fatalf("expected 2 dead letters, got %v", items)
			}

			if err := q.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if n, _ := q.Len(ctx, "alice"); n != 0 {
				t.Fatalf("expected cleared lane, len %d", n)
			}
			if items, _ := q.DeadLetters(ctx, 10); len(items) != 0 {
				t.Fatalf("expected cleared dlq, got %v", items)
			}
		})
	}
}
