package runtime

import (
	"math"
	"time"

	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
)

// RetryPolicy is exponential backoff with a ceiling and symmetric jitter.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Coefficient float64
	Max         time.Duration
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Initial:     60 * time.Second,
		Coefficient: 2,
		Max:         600 * time.Second,
		Jitter:      0.2,
	}
}

// RetryPolicyFromEnv reads TASK_MAX_ATTEMPTS, TASK_RETRY_INITIAL_SECONDS,
// TASK_RETRY_MAX_SECONDS and TASK_RETRY_JITTER.
func RetryPolicyFromEnv() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = envutil.Int("TASK_MAX_ATTEMPTS", p.MaxAttempts)
	p.Initial = envutil.Seconds("TASK_RETRY_INITIAL_SECONDS", p.Initial)
	p.Max = envutil.Seconds("TASK_RETRY_MAX_SECONDS", p.Max)
	p.Jitter = envutil.Float("TASK_RETRY_JITTER", p.Jitter)
	return p.normalized()
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Coefficient < 1 {
		p.Coefficient = 2
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay is the wait before retry number attempt (1-based: the delay after
// the first failure is Delay(1, rnd)). rnd is a uniform sample in [0,1).
// The result never exceeds Max.
func (p RetryPolicy) Delay(attempt int, rnd float64) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(p.Coefficient, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if rnd < 0 {
		rnd = 0
	}
	if rnd >= 1 {
		rnd = math.Nextafter(1, 0)
	}
	delta := d * p.Jitter
	low := d - delta
	high := math.Min(d+delta, float64(p.Max))
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rnd*(high-low))
}

// ShouldRetry reports whether another attempt follows attempt number attempt.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.normalized().MaxAttempts
}

// TaskLimits bound one worker process.
type TaskLimits struct {
	TaskTimeout      time.Duration
	HeartbeatTimeout time.Duration
	// RecycleAfter rebuilds the executor set after this many completed tasks; 0 disables it.
	RecycleAfter int
	Concurrency  int
}

// TaskLimitsFromEnv reads TASK_TIMEOUT_SECONDS, TASK_HEARTBEAT_TIMEOUT_SECONDS,
// TASK_RECYCLE_AFTER and WORKER_CONCURRENCY.
func TaskLimitsFromEnv() TaskLimits {
	l := TaskLimits{
		TaskTimeout:      envutil.Seconds("TASK_TIMEOUT_SECONDS", time.Hour),
		HeartbeatTimeout: envutil.Seconds("TASK_HEARTBEAT_TIMEOUT_SECONDS", 2*time.Minute),
		RecycleAfter:     envutil.Int("TASK_RECYCLE_AFTER", 10),
		Concurrency:      envutil.Int("WORKER_CONCURRENCY", 1),
	}
	if l.Concurrency < 1 {
		l.Concurrency = 1
	}
	if l.RecycleAfter < 0 {
		l.RecycleAfter = 0
	}
	return l
}
