package http

import (
	"encoding/json"
	"time"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// ErrorResponse is the generic failure envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JobItem is the polling view of one job. Terminal failures carry a
// human-readable error summary, never a raw exception.
type JobItem struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Lane        string          `json:"lane"`
	Status      string          `json:"status"`
	Progress    int32           `json:"progress"`
	ProgressMsg string          `json:"progressMessage,omitempty"`
	Attempts    int32           `json:"attemptCount"`
	MaxAttempts int32           `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func jobItem(j store.Job) JobItem {
	item := JobItem{
		ID:          j.ID.String(),
		Kind:        j.Kind,
		Lane:        j.Lane,
		Status:      j.Status,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.ProgressMsg != nil {
		item.ProgressMsg = *j.ProgressMsg
	}
	if j.LastError != nil {
		item.Error = *j.LastError
	}
	return item
}

type JobResponse struct {
	Success bool    `json:"success"`
	Code    string  `json:"code,omitempty"`
	Error   string  `json:"error,omitempty"`
	Job     *JobItem `json:"job,omitempty"`
}

type ListJobsResponse struct {
	Success bool      `json:"success"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
	Jobs    []JobItem `json:"jobs,omitempty"`
}

// CreateJobRequest is the submission payload: a classification kind
// plus an opaque payload handed to the job body.
type CreateJobRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// LaneItem is the admin view of one lane.
type LaneItem struct {
	Lane       string           `json:"lane"`
	Workers    int              `json:"workers"`
	InFlight   int64            `json:"inFlight"`
	Paused     bool             `json:"paused"`
	QueueDepth int64            `json:"queueDepth"`
	Jobs       map[string]int64 `json:"jobs,omitempty"`
}

type LanesResponse struct {
	Success bool       `json:"success"`
	Code    string     `json:"code,omitempty"`
	Error   string     `json:"error,omitempty"`
	Lanes   []LaneItem `json:"lanes,omitempty"`
}

type LaneActionResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Lane    string `json:"lane,omitempty"`
	Workers int    `json:"workers,omitempty"`
	Paused  bool   `json:"paused"`
}
