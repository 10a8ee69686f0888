package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/metrics"
)

// RetentionStore is the slice of the record store the cleanup pass
// uses. Only terminal jobs are ever deleted.
type RetentionStore interface {
	DeleteExpiredJobsByLane(ctx context.Context, lane string, cutoff time.Time) (int64, error)
}

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	JobsDeleted map[string]int64 `json:"jobsDeleted"`
}

// CleanupExpiredJobs deletes old terminal jobs per lane based on
// retention settings so that the database does not grow without bound.
func CleanupExpiredJobs(ctx context.Context, cfg *config.Config, st RetentionStore) RetentionStats {
	now := time.Now().UTC()
	stats := RetentionStats{JobsDeleted: make(map[string]int64)}

	effectiveDays := func(lane string) int {
		if days, ok := cfg.Retention.LaneDays[lane]; ok && days > 0 {
			return days
		}
		return cfg.Retention.DefaultDays
	}

	for _, lane := range Lanes {
		days := effectiveDays(lane)
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days)
		if n, err := st.DeleteExpiredJobsByLane(ctx, lane, cutoff); err == nil && n > 0 {
			stats.JobsDeleted[lane] += n
			metrics.RecordRetentionJobs(lane, n)
		}
	}

	return stats
}

// StartRetentionLoop runs the cleanup pass on the configured interval
// until ctx is cancelled. No-op when retention is disabled.
func StartRetentionLoop(ctx context.Context, cfg *config.Config, st RetentionStore, logger *slog.Logger) {
	if !cfg.Retention.Enabled {
		return
	}

	interval := time.Duration(cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			stats := CleanupExpiredJobs(ctx, cfg, st)
			if len(stats.JobsDeleted) > 0 {
				logger.Info("retention_cleanup", "jobs_deleted", stats.JobsDeleted)
			}
		}
	}()
}
