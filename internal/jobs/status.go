package jobs

// Status represents the lifecycle state of a job in the
// jobs table. These values must match the text values
// stored in the database (jobs.status).
//
// Centralizing these here avoids scattering string
// literals like "pending" or "completed" across
// packages.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state that no worker may
// move the job out of.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Lane names the fixed priority classes. Each lane is a strictly
// separate queue with its own worker pool, so critical work never
// queues behind batch work.
const (
	LaneCritical = "critical"
	LaneHigh     = "high"
	LaneDefault  = "default"
	LaneLow      = "low"
)

// Lanes lists every known lane in priority order.
var Lanes = []string{LaneCritical, LaneHigh, LaneDefault, LaneLow}

// ValidLane reports whether name is one of the fixed lanes.
func ValidLane(name string) bool {
	for _, l := range Lanes {
		if l == name {
			return true
		}
	}
	return false
}
