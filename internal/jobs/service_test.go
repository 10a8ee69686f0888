package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/queue"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// brokenBroker rejects every enqueue, for exercising creation-failure
// paths.
type brokenBroker struct {
	queue.Broker
}

func (b *brokenBroker) Enqueue(context.Context, string, queue.Message, time.Duration) error {
	return errors.New("connection refused")
}

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(&config.Config{})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return r
}

func TestServiceCreateJobEnqueues(t *testing.T) {
	st := newMemStore()
	broker := queue.NewMemoryBroker()
	svc := NewService(st, broker, testRouter(t), fastRetryPolicy(3), BodySet{}, testLogger(), false)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "transcription", map[string]string{"media_url": "s3://b/a.mp4"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != string(StatusPending) {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if job.Lane != LaneHigh {
		t.Errorf("expected transcription routed to %s, got %s", LaneHigh, job.Lane)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("expected max_attempts from policy, got %d", job.MaxAttempts)
	}

	depth, err := broker.Depth(ctx, LaneHigh)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected one queued message on %s, got %d", LaneHigh, depth)
	}
}

func TestServiceCreateJobEnqueueFailureAborts(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, &brokenBroker{}, testRouter(t), fastRetryPolicy(3), BodySet{}, testLogger(), false)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, "transcription", nil)
	if err == nil {
		t.Fatal("expected creation to fail when enqueue fails")
	}

	// No record may linger in pending with no message behind it.
	jobsList, err := st.ListJobs(ctx, "", string(StatusPending), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobsList) != 0 {
		t.Fatalf("expected no pending records, got %d", len(jobsList))
	}
	failed, err := st.ListJobs(ctx, "", string(StatusFailed), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected the record marked failed, got %d", len(failed))
	}
	if failed[0].LastError == nil {
		t.Error("expected last_error describing the enqueue failure")
	}
}

func TestServiceSyncFallbackRunsInline(t *testing.T) {
	st := newMemStore()
	done := make(chan uuid.UUID, 1)
	bodies := BodySet{
		"transcription": func(ctx context.Context, job store.Job, rep Reporter) (any, error) {
			rep.Report(ctx, 100, "done")
			done <- job.ID
			return map[string]string{"text": "inline"}, nil
		},
	}
	svc := NewService(st, &brokenBroker{}, testRouter(t), fastRetryPolicy(3), bodies, testLogger(), true)

	job, err := svc.CreateJob(context.Background(), "transcription", nil)
	if err != nil {
		t.Fatalf("expected fallback creation to succeed, got %v", err)
	}

	select {
	case id := <-done:
		if id != job.ID {
			t.Fatalf("inline body ran the wrong job: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inline execution never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJobByID(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.Status == string(StatusCompleted) {
			if j.Progress != 100 {
				t.Errorf("expected progress 100, got %d", j.Progress)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("inline job never completed")
}

func TestServiceRequeueFailed(t *testing.T) {
	st := newMemStore()
	broker := queue.NewMemoryBroker()
	svc := NewService(st, broker, testRouter(t), fastRetryPolicy(3), BodySet{}, testLogger(), false)
	ctx := context.Background()

	id := uuid.New()
	if _, err := st.CreateJob(ctx, id, "transcription", LaneHigh, nil, 3); err != nil {
		t.Fatalf("create: %v", err)
	}
	st.setStatus(id, StatusRunning)
	if _, err := st.FailJob(ctx, id, "engine down"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	job, err := svc.RequeueFailed(ctx, id)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if job.Status != string(StatusPending) {
		t.Errorf("expected pending after requeue, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("expected attempt budget reset, got %d", job.Attempts)
	}
	depth, _ := broker.Depth(ctx, LaneHigh)
	if depth != 1 {
		t.Errorf("expected requeued message on %s, got depth %d", LaneHigh, depth)
	}

	// Only failed jobs are eligible.
	if _, err := svc.RequeueFailed(ctx, id); err == nil {
		t.Error("expected requeue of a pending job to be rejected")
	}
}
