package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/metrics"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/queue"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// ServiceStore extends RecordStore with the creation-side operations.
type ServiceStore interface {
	RecordStore
	CreateJob(ctx context.Context, id uuid.UUID, kind, lane string, input any, maxAttempts int32) (store.Job, error)
	AbortPending(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	RequeueFailed(ctx context.Context, id uuid.UUID) (store.Job, bool, error)
}

// Service is the API-facing entry into the pipeline: create jobs,
// read their state, requeue failed ones.
type Service struct {
	st     ServiceStore
	broker queue.Broker
	router *Router
	retry  *RetryPolicy
	bodies BodyRegistry
	logger *slog.Logger
	// syncFallback degrades to direct in-process execution when the
	// broker rejects an enqueue. Explicit configuration, never an
	// availability probe.
	syncFallback bool
}

func NewService(st ServiceStore, broker queue.Broker, router *Router, retry *RetryPolicy, bodies BodyRegistry, logger *slog.Logger, syncFallback bool) *Service {
	return &Service{
		st:           st,
		broker:       broker,
		router:       router,
		retry:        retry,
		bodies:       bodies,
		logger:       logger,
		syncFallback: syncFallback,
	}
}

// newJobID prefers uuidv7 for K-sortable job ids.
func newJobID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}

// CreateJob inserts a pending record, routes it to a lane, and hands a
// reference message to the broker. It returns immediately; the job
// runs on the worker tier.
func (s *Service) CreateJob(ctx context.Context, kind string, payload any) (store.Job, error) {
	lane := s.router.Assign(kind)
	id := newJobID()

	job, err := s.st.CreateJob(ctx, id, kind, lane, payload, s.retry.MaxAttempts)
	if err != nil {
		return store.Job{}, fmt.Errorf("create job record: %w", err)
	}

	msg := queue.NewMessage(id, lane, kind)
	if err := s.broker.Enqueue(ctx, lane, msg, 0); err != nil {
		if s.syncFallback {
			s.logger.Warn("enqueue_failed_sync_fallback",
				"job_id", id.String(),
				"lane", lane,
				"error", err.Error(),
			)
			go s.runInline(context.WithoutCancel(ctx), job)
			return job, nil
		}
		// Creation failures surface synchronously; the record must not
		// linger in pending with no enqueued message behind it.
		if _, aerr := s.st.AbortPending(ctx, id, "enqueue failed: "+err.Error()); aerr != nil {
			s.logger.Error("abort_pending_failed", "job_id", id.String(), "error", aerr.Error())
		}
		return store.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.RecordEnqueued(lane)
	s.logger.Info("job_enqueued",
		"job_id", id.String(),
		"kind", kind,
		"lane", lane,
	)
	return job, nil
}

// GetJob is the polling read: the latest committed state of a job.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (store.Job, error) {
	return s.st.GetJobByID(ctx, id)
}

// ListJobs delegates to the record store when it supports listing.
type jobLister interface {
	ListJobs(ctx context.Context, lane, status string, limit int32) ([]store.Job, error)
}

// ListJobs returns recent jobs, optionally filtered by lane and status.
func (s *Service) ListJobs(ctx context.Context, lane, status string, limit int32) ([]store.Job, error) {
	lister, ok := s.st.(jobLister)
	if !ok {
		return nil, nil
	}
	return lister.ListJobs(ctx, lane, status, limit)
}

// RequeueFailed resets a permanently failed job and puts it back on
// its lane with a fresh attempt budget.
func (s *Service) RequeueFailed(ctx context.Context, id uuid.UUID) (store.Job, error) {
	job, ok, err := s.st.RequeueFailed(ctx, id)
	if err != nil {
		return store.Job{}, err
	}
	if !ok {
		return store.Job{}, fmt.Errorf("job %s is not in failed state", id)
	}

	msg := queue.NewMessage(id, job.Lane, job.Kind)
	if err := s.broker.Enqueue(ctx, job.Lane, msg, 0); err != nil {
		if _, aerr := s.st.AbortPending(ctx, id, "requeue enqueue failed: "+err.Error()); aerr != nil {
			s.logger.Error("abort_pending_failed", "job_id", id.String(), "error", aerr.Error())
		}
		return store.Job{}, fmt.Errorf("enqueue requeued job: %w", err)
	}

	metrics.RecordEnqueued(job.Lane)
	s.logger.Info("job_requeued", "job_id", id.String(), "lane", job.Lane)
	return job, nil
}

// runInline executes a job directly in this process, applying the same
// state machine and retry policy the worker tier would. Used only by
// the sync-fallback path.
func (s *Service) runInline(ctx context.Context, job store.Job) {
	for {
		rec, ok, err := s.st.MarkRunning(ctx, job.ID)
		if err != nil || !ok {
			return
		}

		rep := NewProgressReporter(s.st, rec.ID, s.logger, 500*time.Millisecond)

		var result any
		body, found := s.bodies.Body(rec.Kind)
		if !found {
			err = Permanent(fmt.Errorf("unknown job kind %q", rec.Kind))
		} else {
			result, err = body(ctx, rec, rep)
		}
		rep.Flush(ctx)

		if err == nil {
			if ok, _ := s.st.CompleteJob(ctx, rec.ID, result); ok {
				metrics.RecordCompleted(rec.Lane)
			}
			return
		}

		dec := s.retry.Decide(rec.Attempts, rec.MaxAttempts, err)
		if !dec.Retry {
			if ok, _ := s.st.FailJob(ctx, rec.ID, err.Error()); ok {
				metrics.RecordFailed(rec.Lane)
			}
			return
		}
		if ok, _ := s.st.MarkRetrying(ctx, rec.ID, err.Error()); !ok {
			return
		}
		metrics.RecordRetried(rec.Lane)

		select {
		case <-ctx.Done():
			return
		case <-time.After(dec.Delay):
		}
	}
}
