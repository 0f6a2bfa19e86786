package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"batch-dispatcher/internal/models"
	"batch-dispatcher/internal/retry"
	"batch-dispatcher/internal/sequence"
	"batch-dispatcher/internal/telemetry"
)

// EventType labels a ProgressEvent.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventRequeued  EventType = "requeued"
	EventFailed    EventType = "failed"
)

// ProgressEvent is sent on the caller's progress channel as jobs settle.
type ProgressEvent struct {
	Type     EventType        `json:"type"`
	JobID    string           `json:"job_id"`
	Index    int              `json:"index"`
	Identity string           `json:"identity"`
	Status   models.JobStatus `json:"status"`
	Attempts int              `json:"attempts"`
	Retries  int              `json:"retries"`
	Done     int              `json:"done"`
	Total    int              `json:"total"`
	Receipt  *models.Receipt  `json:"receipt,omitempty"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// batch is the state shared by every lane of one Run.
type batch struct {
	jobs     map[string]*models.Job
	total    int
	done     atomic.Int64
	progress chan<- ProgressEvent
}

func (b *batch) emit(ctx context.Context, ev ProgressEvent) {
	if b.progress == nil {
		return
	}
	ev.Total = b.total
	ev.Done = int(b.done.Load())
	ev.At = time.Now().UTC()
	select {
	case b.progress <- ev:
	case <-ctx.Done():
	}
}

// lane runs the worker loops for one identity.
type lane struct {
	e    *Engine
	b    *batch
	st   *identity
	ctx  context.Context
	mu   sync.Mutex
	cond *sync.Cond
	wg   sync.WaitGroup
	hist outcomes

	// workers counts live loops; target is what the policy wants.
	workers  int
	target   int
	inflight int
}

func newLane(ctx context.Context, e *Engine, b *batch, st *identity) *lane {
	l := &lane{e: e, b: b, st: st, ctx: ctx}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lane) start(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.spawnLocked()
	}
}

func (l *lane) spawnLocked() {
	l.target++
	l.workers++
	l.wg.Add(1)
	telemetry.WorkersGauge.WithLabelValues(l.st.address).Set(float64(l.workers))
	go l.work()
}

func (l *lane) observe(ok bool) {
	l.mu.Lock()
	l.hist.add(ok)
	l.mu.Unlock()
}

func (l *lane) wake() {
	l.mu.Lock()
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *lane) work() {
	defer l.wg.Done()
	for {
		job, ok := l.next()
		if !ok {
			return
		}
		l.e.process(l.ctx, l, job)

		l.mu.Lock()
		l.inflight--
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// next blocks until a job is available for this lane. It returns false when
// the worker should exit: the lane is drained with nothing in flight, the
// run is cancelled, or the policy retired an idle worker.
func (l *lane) next() (*models.Job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.workers > l.target || l.ctx.Err() != nil {
			l.retireLocked()
			return nil, false
		}
		id, ok, err := l.e.queue.Pop(l.ctx, l.st.address)
		if err != nil {
			if l.ctx.Err() != nil {
				continue
			}
			l.e.logger.Error("queue pop failed",
				slog.String("identity", l.st.address),
				slog.String("error", err.Error()))
			l.mu.Unlock()
			time.Sleep(l.e.cfg.QueuePollInterval)
			l.mu.Lock()
			continue
		}
		if ok {
			job := l.b.jobs[id]
			if job == nil {
				// left by an earlier run or another process sharing the queue
				l.e.logger.Warn("dead-lettering job not owned by this run",
					slog.String("identity", l.st.address),
					slog.String("job", id))
				if err := l.e.queue.DeadLetter(context.WithoutCancel(l.ctx), l.st.address, id); err != nil {
					l.e.logger.Error("dead letter failed",
						slog.String("job", id),
						slog.String("error", err.Error()))
				}
				continue
			}
			l.inflight++
			return job, true
		}
		if l.inflight == 0 {
			l.retireLocked()
			return nil, false
		}
		l.cond.Wait()
	}
}

func (l *lane) retireLocked() {
	l.workers--
	telemetry.WorkersGauge.WithLabelValues(l.st.address).Set(float64(l.workers))
	l.cond.Broadcast()
}

func (l *lane) adjust(p ConcurrencyPolicy, maxWorkers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers == 0 {
		return
	}
	rate, samples := l.hist.rate()
	desired := p.Desired(LaneSnapshot{
		Identity:    l.st.address,
		Workers:     l.workers,
		Target:      l.target,
		InFlight:    l.inflight,
		SuccessRate: rate,
		Samples:     samples,
	})
	desired = min(max(desired, 1), maxWorkers)
	switch {
	case desired > l.target:
		for l.target < desired {
			l.spawnLocked()
		}
		l.e.logger.Debug("lane scaled up", slog.String("identity", l.st.address), slog.Int("workers", l.target))
	case desired < l.target:
		l.target = desired
		l.cond.Broadcast()
		l.e.logger.Debug("lane scaled down", slog.String("identity", l.st.address), slog.Int("workers", l.target))
	}
}

// AdjustConcurrency applies the configured policy to every running lane.
// Only idle workers are ever retired.
func (e *Engine) AdjustConcurrency() {
	e.lanesMu.RLock()
	lanes := make([]*lane, 0, len(e.lanes))
	for _, l := range e.lanes {
		lanes = append(lanes, l)
	}
	e.lanesMu.RUnlock()
	for _, l := range lanes {
		l.adjust(e.cfg.Policy, e.cfg.MaxWorkersPerIdentity)
	}
}

// Run executes jobs with one concurrent loop per identity and returns once
// every job is completed or failed. Job failures are reported in the summary,
// never as an error. Events are sent on progress (if non-nil) as jobs
// settle; the caller must drain it. Run never closes progress.
func (e *Engine) Run(ctx context.Context, jobs []*models.Job, progress chan<- ProgressEvent) (models.BatchSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return models.BatchSummary{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	start := time.Now()
	b := &batch{
		jobs:     make(map[string]*models.Job, len(jobs)),
		total:    len(jobs),
		progress: progress,
	}
	lanes := make(map[string]*lane)
	queued := 0

	for _, j := range jobs {
		b.jobs[j.ID] = j
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			b.done.Add(1)
			continue
		}
		st := e.lookup(j.Identity)
		if st == nil {
			e.settleFailed(ctx, b, j, fmt.Errorf("%w: unknown identity %q", ErrIdentityInactive, j.Identity))
			continue
		}
		if !st.isActive() {
			e.settleFailed(ctx, b, j, fmt.Errorf("%w: %s", ErrIdentityInactive, j.Identity))
			continue
		}
		if err := e.queue.PushBack(ctx, j.Identity, j.ID); err != nil {
			e.settleFailed(ctx, b, j, fmt.Errorf("enqueue: %w", err))
			continue
		}
		queued++
		if _, ok := lanes[j.Identity]; !ok {
			lanes[j.Identity] = newLane(ctx, e, b, st)
		}
	}
	telemetry.QueueDepthGauge.Add(float64(queued))

	e.lanesMu.Lock()
	e.lanes = lanes
	e.lanesMu.Unlock()

	stopWake := make([]func() bool, 0, len(lanes))
	var g errgroup.Group
	for _, l := range lanes {
		l := l
		stopWake = append(stopWake, context.AfterFunc(ctx, l.wake))
		l.start(e.cfg.PerIdentityConcurrency)
		g.Go(func() error {
			l.wg.Wait()
			return nil
		})
	}

	stopAdjust := make(chan struct{})
	adjustDone := make(chan struct{})
	if e.cfg.AdjustInterval > 0 && e.cfg.MaxWorkersPerIdentity > 1 {
		go e.adjustLoop(ctx, stopAdjust, adjustDone)
	} else {
		close(adjustDone)
	}
	_ = g.Wait()
	close(stopAdjust)
	for _, stop := range stopWake {
		stop()
	}
	<-adjustDone

	// anything left was never attempted, e.g. after cancellation
	cause := ErrNotProcessed
	if ctx.Err() != nil {
		cause = fmt.Errorf("%w: %w", ErrNotProcessed, ctx.Err())
	}
	for id := range lanes {
		if _, err := e.queue.Drain(context.Background(), id); err != nil {
			e.logger.Warn("queue drain failed", slog.String("identity", id), slog.String("error", err.Error()))
		}
	}
	for _, j := range jobs {
		if !j.Status.Terminal() {
			e.settleFailed(ctx, b, j, cause)
		}
	}

	summary := summarize(jobs, time.Since(start))
	telemetry.BatchesCompleted.Inc()
	telemetry.QueueDepthGauge.Set(0)
	e.logger.Info("batch finished",
		slog.Int("total", summary.Total),
		slog.Int("successful", summary.Successful),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

func (e *Engine) adjustLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			e.AdjustConcurrency()
		}
	}
}

func summarize(jobs []*models.Job, d time.Duration) models.BatchSummary {
	s := models.BatchSummary{
		Total:    len(jobs),
		Results:  make([]models.JobResult, 0, len(jobs)),
		Duration: d,
	}
	for _, j := range jobs {
		r := models.JobResult{
			JobID:    j.ID,
			Index:    j.Index,
			Identity: j.Identity,
			Kind:     j.Payload.Kind,
			Status:   j.Status,
			Retries:  j.Retries,
			Attempts: j.Attempts,
			Receipt:  j.Result,
		}
		if j.Err != nil {
			r.Error = j.Err.Error()
		}
		if j.Status == models.StatusCompleted {
			s.Successful++
			if j.Result != nil {
				s.TotalCost += j.Result.Cost
			}
		} else {
			s.Failed++
		}
		s.Results = append(s.Results, r)
	}
	sort.SliceStable(s.Results, func(a, b int) bool { return s.Results[a].Index < s.Results[b].Index })
	return s
}

// process runs one job through the retry engine and settles or requeues it.
func (e *Engine) process(ctx context.Context, l *lane, job *models.Job) {
	st := l.st
	if !st.isActive() {
		e.settleFailed(ctx, l.b, job, fmt.Errorf("%w: %s", ErrIdentityInactive, st.address))
		return
	}

	job.Status = models.StatusInFlight
	e.inflight.Add(1)
	telemetry.InFlightGauge.Inc()
	telemetry.QueueDepthGauge.Dec()

	opts := e.cfg.Retry
	userRetry := opts.ShouldRetry
	opts.ShouldRetry = func(err error, attempt int) bool {
		if Classify(err) != ClassTransient {
			return false
		}
		return userRetry == nil || userRetry(err, attempt)
	}
	opts.OnRetry = func(failed retry.Attempt, next time.Duration) {
		telemetry.RetryAttempts.Inc()
		// a timed-out attempt may still hold its sequence value
		if errors.Is(failed.Err, retry.ErrAttemptTimeout) {
			e.alloc.MarkStale(st.address)
		}
		e.logger.Debug("retrying submission",
			slog.String("identity", st.address),
			slog.String("job", job.ID),
			slog.Int("attempt", failed.Number),
			slog.Duration("backoff", next),
			slog.Any("error", failed.Err))
	}

	res := retry.Execute(ctx, func(actx context.Context) (models.Receipt, error) {
		return e.attempt(actx, l, job)
	}, opts)

	e.inflight.Add(-1)
	telemetry.InFlightGauge.Dec()
	job.Attempts += res.Attempts

	if res.Success {
		e.settleCompleted(ctx, l, job, res.Value)
		return
	}
	if errors.Is(res.Err, retry.ErrAttemptTimeout) {
		e.alloc.MarkStale(st.address)
	}
	e.handleFailure(ctx, l, job, res.Err)
}

func (e *Engine) handleFailure(ctx context.Context, l *lane, job *models.Job, err error) {
	st := l.st
	if ctx.Err() != nil || errors.Is(err, retry.ErrCancelled) {
		e.settleFailed(ctx, l.b, job, err)
		return
	}

	switch Classify(err) {
	case ClassIdentityFatal:
		e.settleFailed(ctx, l.b, job, err)
		e.deactivate(st, err)
		return
	case ClassTransient:
		if job.Retries < e.cfg.JobMaxRetries && st.isActive() {
			job.Retries++
			job.Status = models.StatusPending
			// another worker may pick the job up as soon as it is pushed
			ev := ProgressEvent{
				Type:     EventRequeued,
				JobID:    job.ID,
				Index:    job.Index,
				Identity: job.Identity,
				Status:   job.Status,
				Attempts: job.Attempts,
				Retries:  job.Retries,
				Error:    err.Error(),
			}
			qerr := e.queue.PushFront(ctx, st.address, job.ID)
			if qerr == nil {
				telemetry.JobsRequeued.Inc()
				telemetry.QueueDepthGauge.Inc()
				e.logger.Info("job requeued",
					slog.String("identity", st.address),
					slog.String("job", ev.JobID),
					slog.Int("retries", ev.Retries),
					slog.String("error", ev.Error))
				l.b.emit(ctx, ev)
				return
			}
			err = fmt.Errorf("%w (requeue failed: %v)", err, qerr)
		}
	}

	e.settleFailed(ctx, l.b, job, err)
	st.mu.Lock()
	st.failStreak++
	streak := st.failStreak
	st.mu.Unlock()
	if streak >= e.cfg.DeactivateAfter {
		e.deactivate(st, fmt.Errorf("%d consecutive failed jobs, last: %w", streak, err))
	}
}

func (e *Engine) settleCompleted(ctx context.Context, l *lane, job *models.Job, receipt models.Receipt) {
	job.Status = models.StatusCompleted
	job.Result = &receipt
	job.Err = nil

	st := l.st
	st.mu.Lock()
	st.completed++
	st.lastActivity = time.Now().UTC()
	st.failStreak = 0
	st.mu.Unlock()

	e.submissions.Add(1)
	telemetry.JobsCompleted.Inc()
	l.b.done.Add(1)
	l.b.emit(ctx, ProgressEvent{
		Type:     EventCompleted,
		JobID:    job.ID,
		Index:    job.Index,
		Identity: job.Identity,
		Status:   job.Status,
		Attempts: job.Attempts,
		Retries:  job.Retries,
		Receipt:  job.Result,
	})
}

func (e *Engine) settleFailed(ctx context.Context, b *batch, job *models.Job, err error) {
	job.Status = models.StatusFailed
	job.Err = err
	telemetry.JobsFailed.Inc()
	if qerr := e.queue.DeadLetter(context.WithoutCancel(ctx), job.Identity, job.ID); qerr != nil {
		e.logger.Warn("dead letter failed", slog.String("job", job.ID), slog.String("error", qerr.Error()))
	}
	e.logger.Warn("job failed",
		slog.String("identity", job.Identity),
		slog.String("job", job.ID),
		slog.Int("retries", job.Retries),
		slog.String("error", err.Error()))
	b.done.Add(1)
	b.emit(ctx, ProgressEvent{
		Type:     EventFailed,
		JobID:    job.ID,
		Index:    job.Index,
		Identity: job.Identity,
		Status:   job.Status,
		Attempts: job.Attempts,
		Retries:  job.Retries,
		Error:    err.Error(),
	})
}

// attempt is one submission: throttle slot, sequence value, executor call.
// Any failure marks the counter stale and resyncs it before returning.
func (e *Engine) attempt(ctx context.Context, l *lane, job *models.Job) (models.Receipt, error) {
	addr := l.st.address
	waitStart := time.Now()
	if err := e.throttle.WaitForSlot(ctx, addr); err != nil {
		return models.Receipt{}, fmt.Errorf("throttle: %w", err)
	}
	telemetry.ThrottleWait.Observe(time.Since(waitStart).Seconds())

	seq, err := e.reserve(ctx, l.st)
	if err != nil {
		return models.Receipt{}, err
	}
	// the retry engine stops waiting on an expired attempt but cannot stop
	// this goroutine; the reserved value is abandoned unsent
	if err := ctx.Err(); err != nil {
		l.st.gate.RUnlock()
		e.alloc.MarkStale(addr)
		return models.Receipt{}, fmt.Errorf("seq %d not submitted: %w", seq, err)
	}
	receipt, err := e.exec.Submit(ctx, addr, seq, job.Payload)
	l.st.gate.RUnlock()

	telemetry.SubmissionAttempts.WithLabelValues(outcomeLabel(err)).Inc()
	if err != nil {
		l.observe(false)
		e.alloc.MarkStale(addr)
		if rerr := e.resync(ctx, l.st); rerr != nil {
			e.logger.Warn("sequence resync failed",
				slog.String("identity", addr),
				slog.String("error", rerr.Error()))
		}
		return models.Receipt{}, fmt.Errorf("submit seq %d: %w", seq, err)
	}

	e.alloc.Confirm(addr)
	l.observe(true)
	receipt.Sequence = seq
	return receipt, nil
}

// reserve returns the next sequence value with the identity's submit gate
// held shared. The caller must RUnlock the gate after submitting.
func (e *Engine) reserve(ctx context.Context, st *identity) (uint64, error) {
	for tries := 0; ; tries++ {
		if e.alloc.Stale(st.address) {
			if err := e.resync(ctx, st); err != nil {
				return 0, err
			}
		}
		st.gate.RLock()
		if err := ctx.Err(); err != nil {
			st.gate.RUnlock()
			return 0, err
		}
		seq, err := e.alloc.Next(st.address)
		if err == nil {
			return seq, nil
		}
		st.gate.RUnlock()
		switch {
		case errors.Is(err, sequence.ErrStale) && tries < 2:
			continue
		case errors.Is(err, sequence.ErrIdentityInactive):
			return 0, retry.Permanent(fmt.Errorf("%w: %w", ErrIdentityInactive, err))
		default:
			return 0, err
		}
	}
}

// resync waits for every outstanding submission of st to return, then
// reloads the counter from the oracle.
func (e *Engine) resync(ctx context.Context, st *identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.gate.Lock()
	defer st.gate.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.alloc.Stale(st.address) {
		return nil
	}
	if err := e.alloc.Resync(ctx, st.address); err != nil {
		telemetry.SequenceResyncs.WithLabelValues("error").Inc()
		return err
	}
	telemetry.SequenceResyncs.WithLabelValues("ok").Inc()
	e.logger.Debug("sequence resynced", slog.String("identity", st.address))
	return nil
}
