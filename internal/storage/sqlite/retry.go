package sqlite

import (
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig shapes the backoff applied when a sibling process holds the
// write lock past busy_timeout.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Jitter     float64 // fraction of the delay added at random, 0.25 = up to +25%
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		Jitter:     0.25,
	}
}

// RetryOnDBLock runs fn, retrying with exponential backoff while it keeps
// failing with SQLite's busy error. Any other error returns immediately.
func RetryOnDBLock(fn func() error) error {
	return retryBusy(DefaultRetryConfig(), fn, time.Sleep)
}

// RetryOnDBLockWithConfig is RetryOnDBLock with caller-supplied backoff.
func RetryOnDBLockWithConfig(cfg RetryConfig, fn func() error) error {
	return retryBusy(cfg, fn, time.Sleep)
}

func retryBusy(cfg RetryConfig, fn func() error, sleep func(time.Duration)) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) || attempt == cfg.MaxRetries {
			return err
		}
		sleep(backoffDelay(cfg, attempt))
	}
}

// backoffDelay doubles per attempt with a random jitter slice on top, so N
// processes contending on one file do not retry in lockstep.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << attempt
	return delay + time.Duration(float64(delay)*rand.Float64()*cfg.Jitter)
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
