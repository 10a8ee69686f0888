package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProgressStore is the slice of the record store the reporter writes
// through.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int32, message *string) (bool, error)
}

// Reporter is the narrow channel a job body uses to publish progress.
// Implementations must drop backward writes and keep writes durable
// before they become observable to pollers.
type Reporter interface {
	Report(ctx context.Context, percent int, message string)
}

// ProgressReporter writes monotonic progress for one job id. Rapid
// successive updates are coalesced: at most one store write per
// minInterval, with the newest value flushed before any terminal
// transition via Flush.
type ProgressReporter struct {
	st          ProgressStore
	jobID       uuid.UUID
	logger      *slog.Logger
	minInterval time.Duration

	mu         sync.Mutex
	lastWrite  time.Time
	highest    int32
	pendingPct int32
	pendingMsg *string
	dirty      bool
}

// NewProgressReporter binds a reporter to a job id. minInterval <= 0
// disables coalescing so every report writes through.
func NewProgressReporter(st ProgressStore, jobID uuid.UUID, logger *slog.Logger, minInterval time.Duration) *ProgressReporter {
	return &ProgressReporter{
		st:          st,
		jobID:       jobID,
		logger:      logger,
		minInterval: minInterval,
		highest:     -1,
	}
}

// Report records a progress percentage and optional status text.
// Percentages below the highest seen value are dropped and logged; the
// store applies the same guard so a racing stale worker cannot move
// progress backward either.
func (r *ProgressReporter) Report(ctx context.Context, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	pct := int32(percent)

	r.mu.Lock()
	if pct < r.highest {
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Warn("progress_report_dropped",
				"job_id", r.jobID.String(),
				"percent", percent,
				"highest", r.highest,
			)
		}
		return
	}
	r.highest = pct
	r.pendingPct = pct
	if message != "" {
		msg := message
		r.pendingMsg = &msg
	}
	r.dirty = true

	// Coalesce bursts, but always push 100 straight through since a
	// terminal transition usually follows immediately.
	if r.minInterval > 0 && pct < 100 && time.Since(r.lastWrite) < r.minInterval {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.Flush(ctx)
}

// Flush writes the newest coalesced value, if any. Workers call this
// before every terminal transition so the final progress is never lost
// to coalescing.
func (r *ProgressReporter) Flush(ctx context.Context) {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	pct := r.pendingPct
	msg := r.pendingMsg
	r.dirty = false
	r.lastWrite = time.Now()
	r.mu.Unlock()

	if _, err := r.st.UpdateProgress(ctx, r.jobID, pct, msg); err != nil && r.logger != nil {
		r.logger.Warn("progress_write_failed",
			"job_id", r.jobID.String(),
			"percent", pct,
			"error", err.Error(),
		)
	}
}
