package jobs

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
)

// PermanentError marks a job-body failure as non-retryable: malformed
// input, unsupported media format, anything more attempts cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry engine skips straight to failed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the non-retryable signal.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Decision is the retry engine's verdict for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy computes backoff delays and decides between requeue and
// permanent failure. Safe for concurrent use.
type RetryPolicy struct {
	MaxAttempts int32
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterPercent spreads each delay uniformly within ±p% so many
	// jobs failing together do not retry in lockstep.
	JitterPercent int
}

// NewRetryPolicy builds a policy from config, applying the documented
// defaults for unset values: 3 attempts, 5s base, 10m ceiling, 20%
// jitter.
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	p := &RetryPolicy{
		MaxAttempts:   int32(cfg.MaxAttempts),
		BaseDelay:     time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		JitterPercent: cfg.JitterPercent,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 5 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Minute
	}
	if p.JitterPercent <= 0 {
		p.JitterPercent = 20
	}
	return p
}

// Backoff returns the delay before retrying after attempt n
// (1-indexed): base doubling per attempt, capped, jittered.
func (p *RetryPolicy) Backoff(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := int32(1); i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}

	spread := int64(d) * int64(p.JitterPercent) / 100
	if spread > 0 {
		d += time.Duration(rand.Int64N(2*spread) - spread)
	}
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Decide rules on a failed attempt. attempt is the attempt that just
// failed; maxAttempts comes from the job record so per-job overrides
// hold. Permanent errors and exhausted attempts are terminal.
func (p *RetryPolicy) Decide(attempt, maxAttempts int32, err error) Decision {
	if IsPermanent(err) {
		return Decision{}
	}
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if attempt >= maxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}
