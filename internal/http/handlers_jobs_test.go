package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/jobs"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/queue"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// fakeRecordStore is an in-memory jobs.ServiceStore so handler tests
// run without a database.
type fakeRecordStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*store.Job
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{jobs: make(map[uuid.UUID]*store.Job)}
}

func (f *fakeRecordStore) CreateJob(_ context.Context, id uuid.UUID, kind, lane string, input any, maxAttempts int32) (store.Job, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return store.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	j := &store.Job{
		ID:          id,
		Kind:        kind,
		Lane:        lane,
		Status:      "pending",
		MaxAttempts: maxAttempts,
		Input:       payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.jobs[id] = j
	return *j, nil
}

func (f *fakeRecordStore) GetJobByID(_ context.Context, id uuid.UUID) (store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (f *fakeRecordStore) MarkRunning(_ context.Context, id uuid.UUID) (store.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || (j.Status != "pending" && j.Status != "retrying") {
		return store.Job{}, false, nil
	}
	j.Status = "running"
	j.Attempts++
	return *j, true, nil
}

func (f *fakeRecordStore) ReclaimStaleRunning(_ context.Context, id uuid.UUID, staleBefore time.Time) (store.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != "running" || !j.UpdatedAt.Before(staleBefore) {
		return store.Job{}, false, nil
	}
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	return *j, true, nil
}

func (f *fakeRecordStore) UpdateProgress(_ context.Context, id uuid.UUID, percent int32, message *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != "running" || j.Progress > percent {
		return false, nil
	}
	j.Progress = percent
	j.ProgressMsg = message
	return true, nil
}

func (f *fakeRecordStore) CompleteJob(_ context.Context, id uuid.UUID, result any) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != "running" {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = "completed"
	j.Progress = 100
	j.Result = payload
	j.CompletedAt = &now
	return true, nil
}

func (f *fakeRecordStore) FailJob(_ context.Context, id uuid.UUID, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != "running" {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = "failed"
	j.LastError = &errMsg
	j.CompletedAt = &now
	return true, nil
}

func (f *fakeRecordStore) MarkRetrying(_ context.Context, id uuid.UUID, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != "running" {
		return false, nil
	}
	j.Status = "retrying"
	j.LastError = &errMsg
	return true, nil
}

func (f *fakeRecordStore) AbortPending(_ context.Context, id uuid.UUID, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != "pending" {
		return false, nil
	}
	j.Status = "failed"
	j.LastError = &errMsg
	return true, nil
}

func (f *fakeRecordStore) RequeueFailed(_ context.Context, id uuid.UUID) (store.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != "failed" {
		return store.Job{}, false, nil
	}
	j.Status = "pending"
	j.Attempts = 0
	j.CompletedAt = nil
	return *j, true, nil
}

func (f *fakeRecordStore) ListJobs(_ context.Context, lane, status string, limit int32) ([]store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Job{}
	for _, j := range f.jobs {
		if lane != "" && j.Lane != lane {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

// seedFailed inserts a failed record directly.
func (f *fakeRecordStore) seedFailed(id uuid.UUID, kind, lane string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	errMsg := "engine down"
	now := time.Now().UTC()
	f.jobs[id] = &store.Job{
		ID:          id,
		Kind:        kind,
		Lane:        lane,
		Status:      "failed",
		Attempts:    3,
		MaxAttempts: 3,
		LastError:   &errMsg,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
}

func newTestService(t *testing.T, st *fakeRecordStore, broker queue.Broker) *jobs.Service {
	t.Helper()
	router, err := jobs.NewRouter(&config.Config{})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	retry := jobs.NewRetryPolicy(config.RetryConfig{})
	logger := slog.New(slog.DiscardHandler)
	return jobs.NewService(st, broker, router, retry, jobs.BodySet{}, logger, false)
}

func jobsApp(t *testing.T, svc *jobs.Service) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("service", svc)
		return c.Next()
	})
	app.Post("/v1/jobs", createJobHandler)
	app.Get("/v1/jobs", jobsListHandler)
	app.Get("/v1/jobs/:id", jobGetHandler)
	return app
}

func decodeJobResponse(t *testing.T, resp *http.Response) JobResponse {
	t.Helper()
	defer resp.Body.Close()
	var out JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateJob_Accepted(t *testing.T) {
	st := newFakeRecordStore()
	app := jobsApp(t, newTestService(t, st, queue.NewMemoryBroker()))

	body := bytes.NewBufferString(`{"kind":"transcription","payload":{"media_url":"s3://b/a.mp4"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	out := decodeJobResponse(t, resp)
	if !out.Success || out.Job == nil {
		t.Fatalf("expected success envelope with job, got %+v", out)
	}
	if out.Job.Status != "pending" {
		t.Errorf("expected pending, got %s", out.Job.Status)
	}
	if out.Job.Lane != "high" {
		t.Errorf("expected transcription on the high lane, got %s", out.Job.Lane)
	}
	if _, err := uuid.Parse(out.Job.ID); err != nil {
		t.Errorf("expected a uuid job id, got %q", out.Job.ID)
	}
}

func TestCreateJob_MissingKind(t *testing.T) {
	app := jobsApp(t, newTestService(t, newFakeRecordStore(), queue.NewMemoryBroker()))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"payload":{}}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateJob_InvalidJSON(t *testing.T) {
	app := jobsApp(t, newTestService(t, newFakeRecordStore(), queue.NewMemoryBroker()))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{not json`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJobGet_NotFound(t *testing.T) {
	app := jobsApp(t, newTestService(t, newFakeRecordStore(), queue.NewMemoryBroker()))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+uuid.New().String(), nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestJobGet_InvalidID(t *testing.T) {
	app := jobsApp(t, newTestService(t, newFakeRecordStore(), queue.NewMemoryBroker()))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJobGet_FailedJobCarriesErrorField(t *testing.T) {
	st := newFakeRecordStore()
	app := jobsApp(t, newTestService(t, st, queue.NewMemoryBroker()))

	id := uuid.New()
	st.seedFailed(id, "transcription", "high")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id.String(), nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	// Terminal failure is still a well-formed 200 status object.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	out := decodeJobResponse(t, resp)
	if out.Job == nil || out.Job.Status != "failed" {
		t.Fatalf("expected failed job, got %+v", out.Job)
	}
	if out.Job.Error != "engine down" {
		t.Errorf("expected error field %q, got %q", "engine down", out.Job.Error)
	}
	if out.Job.Result != nil {
		t.Error("failed job must not carry a result")
	}
}

func TestJobsList_FiltersByStatus(t *testing.T) {
	st := newFakeRecordStore()
	svc := newTestService(t, st, queue.NewMemoryBroker())
	app := jobsApp(t, svc)

	if _, err := svc.CreateJob(context.Background(), "transcription", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	st.seedFailed(uuid.New(), "cleanup", "low")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?status=failed", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	defer resp.Body.Close()
	var out ListJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Jobs) != 1 {
		t.Fatalf("expected 1 failed job, got %d", len(out.Jobs))
	}
	if out.Jobs[0].Status != "failed" || out.Jobs[0].Lane != "low" {
		t.Errorf("unexpected job in filtered list: %+v", out.Jobs[0])
	}
}
