package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// memStore is an in-memory record store with the same conditional
// write semantics as the Postgres store, for pipeline tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*store.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*store.Job)}
}

func (m *memStore) CreateJob(_ context.Context, id uuid.UUID, kind, lane string, input any, maxAttempts int32) (store.Job, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return store.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j := &store.Job{
		ID:          id,
		Kind:        kind,
		Lane:        lane,
		Status:      string(StatusPending),
		MaxAttempts: maxAttempts,
		Input:       payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[id] = j
	return *j, nil
}

func (m *memStore) GetJobByID(_ context.Context, id uuid.UUID) (store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (m *memStore) MarkRunning(_ context.Context, id uuid.UUID) (store.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != string(StatusPending) && j.Status != string(StatusRetrying)) {
		return store.Job{}, false, nil
	}
	j.Status = string(StatusRunning)
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	return *j, true, nil
}

func (m *memStore) ReclaimStaleRunning(_ context.Context, id uuid.UUID, staleBefore time.Time) (store.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != string(StatusRunning) || !j.UpdatedAt.Before(staleBefore) {
		return store.Job{}, false, nil
	}
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	return *j, true, nil
}

func (m *memStore) UpdateProgress(_ context.Context, id uuid.UUID, percent int32, message *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != string(StatusRunning) || j.Progress > percent {
		return false, nil
	}
	j.Progress = percent
	if message != nil {
		j.ProgressMsg = message
	}
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) CompleteJob(_ context.Context, id uuid.UUID, result any) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != string(StatusRunning) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = string(StatusCompleted)
	j.Progress = 100
	j.Result = payload
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true, nil
}

func (m *memStore) FailJob(_ context.Context, id uuid.UUID, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != string(StatusRunning) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = string(StatusFailed)
	j.LastError = &errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true, nil
}

func (m *memStore) MarkRetrying(_ context.Context, id uuid.UUID, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != string(StatusRunning) {
		return false, nil
	}
	j.Status = string(StatusRetrying)
	j.LastError = &errMsg
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) AbortPending(_ context.Context, id uuid.UUID, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != string(StatusPending) {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = string(StatusFailed)
	j.LastError = &errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true, nil
}

func (m *memStore) RequeueFailed(_ context.Context, id uuid.UUID) (store.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != string(StatusFailed) {
		return store.Job{}, false, nil
	}
	j.Status = string(StatusPending)
	j.Attempts = 0
	j.CompletedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return *j, true, nil
}

func (m *memStore) ListJobs(_ context.Context, lane, status string, limit int32) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Job
	for _, j := range m.jobs {
		if lane != "" && j.Lane != lane {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
		if int32(len(out)) >= limit && limit > 0 {
			break
		}
	}
	return out, nil
}

func (m *memStore) DeleteExpiredJobsByLane(_ context.Context, lane string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Lane != lane || !Status(j.Status).Terminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(m.jobs, id)
		n++
	}
	return n, nil
}

// setStatus force-sets a job's state, for arranging test scenarios.
func (m *memStore) setStatus(id uuid.UUID, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = string(status)
	}
}

// setUpdatedAt backdates a record, for retention scenarios.
func (m *memStore) setUpdatedAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.UpdatedAt = at
	}
}
