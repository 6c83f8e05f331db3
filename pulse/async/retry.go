package async

import "time"

// RetryPolicy bounds retries by attempt count and by the job's deadline
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration // delay after attempt n is Backoff[min(n, len)-1]
}

// DefaultRetryPolicy returns 3 attempts with 30m then 60m backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{30 * time.Minute, 60 * time.Minute},
	}
}

// BackoffDelay returns the wait after the given (1-based) attempt.
// The last entry repeats, which caps the exponential growth.
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		attempt = len(p.Backoff)
	}
	return p.Backoff[attempt-1]
}

// NextAttempt decides whether a failed attempt may be retried.
// It returns the earliest retry instant when attempts remain and that instant
// is still strictly before the job's deadline.
func (p RetryPolicy) NextAttempt(job *GenerationJob, now time.Time) (time.Time, bool) {
	if job.AttemptCount >= job.MaxAttempts {
		return time.Time{}, false
	}
	next := now.Add(p.BackoffDelay(job.AttemptCount))
	if !next.Before(job.DeadlineAt) {
		return time.Time{}, false
	}
	return next, true
}
