package queue

import (
	"context"
	"sync"
)

// Queue holds pending job IDs per identity. Fresh jobs go to the back;
// requeued jobs go to the front so retries run before untried work.
type Queue interface {
	PushBack(ctx context.Context, identity, jobID string) error
	PushFront(ctx context.Context, identity, jobID string) error
	// Pop removes the next job ID; ok is false when the identity queue is empty.
	Pop(ctx context.Context, identity string) (jobID string, ok bool, err error)
	Len(ctx context.Context, identity string) (int, error)
	// DeadLetter records a job that failed terminally.
	DeadLetter(ctx context.Context, identity, jobID string) error
	DeadLetters(ctx context.Context, count int64) ([]string, error)
	// Drain removes and returns everything left for identity.
	Drain(ctx context.Context, identity string) ([]string, error)
	Clear(ctx context.Context) error
}

// MemoryQueue is the default in-process Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	lanes map[string][]string
	dlq   []string
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{lanes: make(map[string][]string)}
}

func (q *MemoryQueue) PushBack(_ context.Context, identity, jobID string) error {
	q.mu.Lock()
	q.lanes[identity] = append(q.lanes[identity], jobID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) PushFront(_ context.Context, identity, jobID string) error {
	q.mu.Lock()
	lane := q.lanes[identity]
	lane = append(lane, "")
	copy(lane[1:], lane)
	lane[0] = jobID
	q.lanes[identity] = lane
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context, identity string) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane := q.lanes[identity]
	if len(lane) == 0 {
		return "", false, nil
	}
	id := lane[0]
	if len(lane) == 1 {
		delete(q.lanes, identity)
	} else {
		q.lanes[identity] = lane[1:]
	}
	return id, true, nil
}

func (q *MemoryQueue) Len(_ context.Context, identity string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[identity]), nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, _ string, jobID string) error {
	q.mu.Lock()
	q.dlq = append(q.dlq, jobID)
	q.mu.Unlock()
	return nil
}

// DeadLetters returns the most recent dead-lettered job IDs, newest first.
func (q *MemoryQueue) DeadLetters(_ context.Context, count int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, min(int64(len(q.dlq)), max(count, 0)))
	for i := len(q.dlq) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, q.dlq[i])
	}
	return out, nil
}

func (q *MemoryQueue) Drain(_ context.Context, identity string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.lanes[identity]
	delete(q.lanes, identity)
	return out, nil
}

func (q *MemoryQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	q.lanes = make(map[string][]string)
	q.dlq = nil
	q.mu.Unlock()
	return nil
}
