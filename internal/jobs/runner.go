package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/metrics"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/queue"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// Body is the opaque long-running operation invoked per job: the
// transcription, diarization, or housekeeping work itself. Bodies must
// be safe to re-invoke for the same job id, since delivery is
// at-least-once.
type Body func(ctx context.Context, job store.Job, rep Reporter) (any, error)

// BodyRegistry resolves a job kind to its body.
type BodyRegistry interface {
	Body(kind string) (Body, bool)
}

// BodySet is a plain map registry.
type BodySet map[string]Body

func (s BodySet) Body(kind string) (Body, bool) {
	b, ok := s[kind]
	return b, ok
}

// RecordStore is the slice of the job record store the worker tier
// mutates. Every transition is compare-and-swap on the expected
// current status.
type RecordStore interface {
	GetJobByID(ctx context.Context, id uuid.UUID) (store.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (store.Job, bool, error)
	ReclaimStaleRunning(ctx context.Context, id uuid.UUID, staleBefore time.Time) (store.Job, bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int32, message *string) (bool, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result any) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	MarkRetrying(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
}

// timings derives the pool's intervals from config, with defaults that
// match a generously-leased long-job workload.
type timings struct {
	poll        time.Duration
	dequeueWait time.Duration
	lease       time.Duration
	heartbeat   time.Duration
	jobTimeout  time.Duration
	scale       time.Duration
	cooldown    time.Duration
	upIncrement int
	downIdle    int
	coalesce    time.Duration
}

func newTimings(w config.WorkerConfig) timings {
	t := timings{
		poll:        time.Duration(w.PollIntervalMs) * time.Millisecond,
		dequeueWait: time.Duration(w.DequeueTimeoutMs) * time.Millisecond,
		lease:       time.Duration(w.LeaseSeconds) * time.Second,
		heartbeat:   time.Duration(w.HeartbeatSeconds) * time.Second,
		jobTimeout:  time.Duration(w.JobTimeoutSeconds) * time.Second,
		scale:       time.Duration(w.ScaleIntervalSec) * time.Second,
		cooldown:    time.Duration(w.ScaleCooldownSec) * time.Second,
		upIncrement: w.ScaleUpIncrement,
		downIdle:    w.ScaleDownIdleCycles,
		coalesce:    500 * time.Millisecond,
	}
	if t.poll <= 0 {
		t.poll = 2 * time.Second
	}
	if t.dequeueWait <= 0 {
		t.dequeueWait = 5 * time.Second
	}
	if t.lease <= 0 {
		t.lease = time.Minute
	}
	if t.heartbeat <= 0 || t.heartbeat >= t.lease {
		t.heartbeat = t.lease / 3
	}
	if t.scale <= 0 {
		t.scale = 15 * time.Second
	}
	if t.cooldown <= 0 {
		t.cooldown = time.Minute
	}
	if t.upIncrement <= 0 {
		t.upIncrement = 2
	}
	if t.downIdle <= 0 {
		t.downIdle = 4
	}
	return t
}

// Pool runs the workers for one lane. Lanes are strictly separate
// queues with separate pools, so critical jobs never queue behind
// batch work.
type Pool struct {
	lane    string
	laneCfg config.LaneConfig
	t       timings
	broker  queue.Broker
	st      RecordStore
	bodies  BodyRegistry
	retry   *RetryPolicy
	logger  *slog.Logger

	paused   atomic.Bool
	inFlight atomic.Int64

	mu         sync.Mutex
	ctx        context.Context
	stops      []chan struct{}
	lastScale  time.Time
	idleCycles int
	wg         sync.WaitGroup
}

// NewPool builds the pool for one lane. Start must be called before
// the pool does any work.
func NewPool(lane string, laneCfg config.LaneConfig, wcfg config.WorkerConfig, broker queue.Broker, st RecordStore, bodies BodyRegistry, retry *RetryPolicy, logger *slog.Logger) *Pool {
	return &Pool{
		lane:    lane,
		laneCfg: laneCfg,
		t:       newTimings(wcfg),
		broker:  broker,
		st:      st,
		bodies:  bodies,
		retry:   retry,
		logger:  logger,
	}
}

// Start spawns the lane's minimum worker count and the autoscaler.
// All workers, including ones added later by the autoscaler or a
// manual override, stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	for len(p.stops) < p.laneCfg.MinWorkers {
		p.addWorkerLocked()
	}
	metrics.SetPoolSize(p.lane, len(p.stops))
	p.mu.Unlock()

	p.wg.Add(1)
	go p.autoscaleLoop(ctx)

	p.logger.Info("pool_started",
		"lane", p.lane,
		"min_workers", p.laneCfg.MinWorkers,
		"max_workers", p.laneCfg.MaxWorkers,
	)
}

// Wait blocks until all workers and the autoscaler have exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

// InFlight returns how many jobs this pool is executing right now.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Pause stops dequeuing new work without killing in-flight jobs.
func (p *Pool) Pause() {
	p.paused.Store(true)
	p.logger.Info("pool_paused", "lane", p.lane)
}

// Resume re-enables dequeuing.
func (p *Pool) Resume() {
	p.paused.Store(false)
	p.logger.Info("pool_resumed", "lane", p.lane)
}

// Paused reports whether the lane is draining.
func (p *Pool) Paused() bool { return p.paused.Load() }

// SetWorkerCount overrides the pool size, clamped to the lane's
// configured bounds. Manual overrides also reset the scaling cooldown.
func (p *Pool) SetWorkerCount(n int) int {
	if n < p.laneCfg.MinWorkers {
		n = p.laneCfg.MinWorkers
	}
	if n > p.laneCfg.MaxWorkers {
		n = p.laneCfg.MaxWorkers
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.stops) < n {
		p.addWorkerLocked()
	}
	for len(p.stops) > n {
		p.removeWorkerLocked()
	}
	p.lastScale = time.Now()
	metrics.SetPoolSize(p.lane, len(p.stops))
	return len(p.stops)
}

// addWorkerLocked spawns a worker on the pool's lifecycle context so
// every worker, however it was added, dies with Start's ctx.
func (p *Pool) addWorkerLocked() {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	stop := make(chan struct{})
	p.stops = append(p.stops, stop)
	p.wg.Add(1)
	go p.workerLoop(ctx, stop)
}

func (p *Pool) removeWorkerLocked() {
	n := len(p.stops)
	if n == 0 {
		return
	}
	close(p.stops[n-1])
	p.stops = p.stops[:n-1]
}

// sleep waits for d unless the worker is told to stop first.
func sleepOrStop(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Pool) workerLoop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if p.paused.Load() {
			if !sleepOrStop(ctx, stop, p.t.poll) {
				return
			}
			continue
		}

		if limit := p.laneCfg.MaxConcurrent; limit > 0 && p.inFlight.Load() >= int64(limit) {
			if !sleepOrStop(ctx, stop, p.t.poll) {
				return
			}
			continue
		}

		d, err := p.broker.Dequeue(ctx, p.lane, p.t.dequeueWait, p.t.lease)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue_failed", "lane", p.lane, "error", err.Error())
			if !sleepOrStop(ctx, stop, p.t.poll) {
				return
			}
			continue
		}

		p.inFlight.Add(1)
		p.process(ctx, d)
		p.inFlight.Add(-1)
	}
}

// process runs one delivery end to end: idempotency guard, CAS to
// running, heartbeat, body invocation, terminal transition or retry
// hand-off.
func (p *Pool) process(ctx context.Context, d *queue.Delivery) {
	jobID := d.Message.JobID

	rec, err := p.st.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// Record gone (retention or manual delete); drop the message.
		_ = p.broker.Complete(ctx, d.Token)
		return
	}
	if err != nil {
		_ = p.broker.Release(ctx, d.Token, p.t.poll)
		return
	}

	if Status(rec.Status).Terminal() {
		// Duplicate delivery of finished work; acknowledge and discard.
		metrics.RecordDuplicateDelivery(p.lane)
		p.logger.Info("duplicate_delivery_discarded",
			"job_id", jobID.String(),
			"lane", p.lane,
			"status", rec.Status,
		)
		_ = p.broker.Complete(ctx, d.Token)
		return
	}

	rec, ok, err := p.st.MarkRunning(ctx, jobID)
	if err != nil {
		_ = p.broker.Release(ctx, d.Token, p.t.poll)
		return
	}
	if !ok {
		rec, ok = p.recoverDelivery(ctx, d)
		if !ok {
			return
		}
	}

	p.logger.Info("job_started",
		"job_id", jobID.String(),
		"lane", p.lane,
		"kind", rec.Kind,
		"attempt", rec.Attempts,
	)

	// Heartbeat keeps the lease alive while the body blocks on the
	// long-running operation.
	hbStop := make(chan struct{})
	go p.heartbeatLoop(ctx, d.Token, hbStop)

	result, bodyErr := p.invokeBody(ctx, rec)

	close(hbStop)

	// Terminal writes must survive request/shutdown cancellation; a
	// lost write here just means redelivery, but avoid it when we can.
	finCtx := context.WithoutCancel(ctx)

	if bodyErr == nil {
		p.finishCompleted(finCtx, rec, d.Token, result)
		return
	}
	p.finishFailed(finCtx, rec, d.Token, bodyErr)
}

// recoverDelivery handles a delivery whose MarkRunning CAS lost. A
// terminal record means a duplicate: ack and discard. A running record
// untouched for a full lease means its worker died after MarkRunning;
// the broker only redelivers after the lease expired, so this attempt
// takes the job over. Anything else belongs to a live worker and the
// message is parked until that worker's lease runs out.
func (p *Pool) recoverDelivery(ctx context.Context, d *queue.Delivery) (store.Job, bool) {
	jobID := d.Message.JobID

	cur, err := p.st.GetJobByID(ctx, jobID)
	if err != nil {
		_ = p.broker.Release(ctx, d.Token, p.t.poll)
		return store.Job{}, false
	}
	if Status(cur.Status).Terminal() {
		metrics.RecordDuplicateDelivery(p.lane)
		_ = p.broker.Complete(ctx, d.Token)
		return store.Job{}, false
	}

	if Status(cur.Status) == StatusRunning {
		rec, ok, err := p.st.ReclaimStaleRunning(ctx, jobID, time.Now().Add(-p.t.lease))
		if err == nil && ok {
			p.logger.Warn("job_reclaimed",
				"job_id", jobID.String(),
				"lane", p.lane,
				"kind", rec.Kind,
				"attempt", rec.Attempts,
			)
			return rec, true
		}
	}

	_ = p.broker.Release(ctx, d.Token, p.t.lease)
	return store.Job{}, false
}

func (p *Pool) invokeBody(ctx context.Context, rec store.Job) (any, error) {
	body, ok := p.bodies.Body(rec.Kind)
	if !ok {
		return nil, Permanent(fmt.Errorf("unknown job kind %q", rec.Kind))
	}

	bodyCtx := ctx
	if p.t.jobTimeout > 0 {
		var cancel context.CancelFunc
		bodyCtx, cancel = context.WithTimeout(ctx, p.t.jobTimeout)
		defer cancel()
	}

	rep := NewProgressReporter(p.st, rec.ID, p.logger, p.t.coalesce)
	result, err := body(bodyCtx, rec, rep)

	// The last reported value must be durable before any terminal
	// transition.
	rep.Flush(context.WithoutCancel(ctx))
	return result, err
}

func (p *Pool) finishCompleted(ctx context.Context, rec store.Job, token string, result any) {
	ok, err := p.st.CompleteJob(ctx, rec.ID, result)
	if err != nil {
		p.logger.Error("complete_write_failed", "job_id", rec.ID.String(), "error", err.Error())
		_ = p.broker.Release(ctx, token, p.t.poll)
		return
	}
	if !ok {
		// A newer attempt already finished this job; our write lost the
		// CAS and is dropped.
		p.logger.Info("late_completion_dropped", "job_id", rec.ID.String(), "lane", p.lane)
	} else {
		metrics.RecordCompleted(p.lane)
		p.logger.Info("job_completed",
			"job_id", rec.ID.String(),
			"lane", p.lane,
			"kind", rec.Kind,
			"attempt", rec.Attempts,
		)
	}
	if err := p.broker.Complete(ctx, token); err != nil && !errors.Is(err, queue.ErrUnknownLease) {
		p.logger.Error("ack_failed", "job_id", rec.ID.String(), "error", err.Error())
	}
}

func (p *Pool) finishFailed(ctx context.Context, rec store.Job, token string, bodyErr error) {
	dec := p.retry.Decide(rec.Attempts, rec.MaxAttempts, bodyErr)

	if dec.Retry {
		ok, err := p.st.MarkRetrying(ctx, rec.ID, bodyErr.Error())
		if err != nil || !ok {
			// Lost the CAS; another attempt owns the record now.
			_ = p.broker.Complete(ctx, token)
			return
		}
		if err := p.broker.Release(ctx, token, dec.Delay); err != nil && !errors.Is(err, queue.ErrUnknownLease) {
			p.logger.Error("release_failed", "job_id", rec.ID.String(), "error", err.Error())
		}
		metrics.RecordRetried(p.lane)
		p.logger.Warn("job_retrying",
			"job_id", rec.ID.String(),
			"lane", p.lane,
			"attempt", rec.Attempts,
			"max_attempts", rec.MaxAttempts,
			"delay_ms", dec.Delay.Milliseconds(),
			"error", bodyErr.Error(),
		)
		return
	}

	ok, err := p.st.FailJob(ctx, rec.ID, bodyErr.Error())
	if err != nil {
		p.logger.Error("fail_write_failed", "job_id", rec.ID.String(), "error", err.Error())
		_ = p.broker.Release(ctx, token, p.t.poll)
		return
	}
	if ok {
		metrics.RecordFailed(p.lane)
		p.logger.Error("job_failed",
			"job_id", rec.ID.String(),
			"lane", p.lane,
			"kind", rec.Kind,
			"attempt", rec.Attempts,
			"error", bodyErr.Error(),
		)
	}
	if err := p.broker.Complete(ctx, token); err != nil && !errors.Is(err, queue.ErrUnknownLease) {
		p.logger.Error("ack_failed", "job_id", rec.ID.String(), "error", err.Error())
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := p.broker.ExtendLease(ctx, token, p.t.lease); err != nil {
			if errors.Is(err, queue.ErrUnknownLease) {
				// Lease expired under us; the broker will redeliver and
				// the CAS guards make the duplicate harmless.
				p.logger.Warn("lease_lost", "lane", p.lane)
				return
			}
			p.logger.Error("lease_extend_failed", "lane", p.lane, "error", err.Error())
		}
	}
}

// autoscaleLoop samples queue depth on a fixed interval and resizes
// the pool between the lane's bounds. Actions are rate-limited by a
// cooldown so the pool does not oscillate.
func (p *Pool) autoscaleLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.t.scale)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.paused.Load() {
			continue
		}

		depth, err := p.broker.Depth(ctx, p.lane)
		if err != nil {
			continue
		}
		metrics.SetQueueDepth(p.lane, depth)

		p.mu.Lock()
		size := len(p.stops)
		cooled := time.Since(p.lastScale) >= p.t.cooldown

		switch {
		case depth > int64(2*size) && size < p.laneCfg.MaxWorkers && cooled:
			inc := p.t.upIncrement
			if size+inc > p.laneCfg.MaxWorkers {
				inc = p.laneCfg.MaxWorkers - size
			}
			for i := 0; i < inc; i++ {
				p.addWorkerLocked()
			}
			p.lastScale = time.Now()
			p.idleCycles = 0
			metrics.RecordScaling(p.lane, "up")
			p.logger.Info("pool_scaled",
				"lane", p.lane,
				"direction", "up",
				"workers", len(p.stops),
				"queue_depth", depth,
			)
		case depth == 0 && size > p.laneCfg.MinWorkers:
			p.idleCycles++
			if p.idleCycles >= p.t.downIdle && cooled {
				p.removeWorkerLocked()
				p.lastScale = time.Now()
				p.idleCycles = 0
				metrics.RecordScaling(p.lane, "down")
				p.logger.Info("pool_scaled",
					"lane", p.lane,
					"direction", "down",
					"workers", len(p.stops),
					"queue_depth", depth,
				)
			}
		default:
			p.idleCycles = 0
		}
		metrics.SetPoolSize(p.lane, len(p.stops))
		p.mu.Unlock()
	}
}

// Manager owns one pool per configured lane plus the retention sweep.
type Manager struct {
	pools  map[string]*Pool
	lanes  []string
	logger *slog.Logger
}

// NewManager builds a pool for every lane the router knows about. The
// shared state each pool needs is passed in explicitly so pools stay
// testable in isolation.
func NewManager(cfg *config.Config, router *Router, broker queue.Broker, st RecordStore, bodies BodyRegistry, retry *RetryPolicy, logger *slog.Logger) *Manager {
	m := &Manager{
		pools:  make(map[string]*Pool),
		lanes:  router.LaneNames(),
		logger: logger,
	}
	for _, lane := range m.lanes {
		laneCfg, _ := router.Lane(lane)
		m.pools[lane] = NewPool(lane, laneCfg, cfg.Worker, broker, st, bodies, retry, logger)
	}
	return m
}

// Start launches every lane's pool.
func (m *Manager) Start(ctx context.Context) {
	for _, lane := range m.lanes {
		m.pools[lane].Start(ctx)
	}
}

// Pool returns the pool for a lane.
func (m *Manager) Pool(lane string) (*Pool, bool) {
	p, ok := m.pools[lane]
	return p, ok
}

// Lanes returns the managed lane names in stable order.
func (m *Manager) Lanes() []string { return m.lanes }
