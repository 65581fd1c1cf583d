package vsphere

import (
	"time"

	"github.com/sirupsen/logrus"
)

// retry wraps fn with the exact exponential backoff formula from the
// original's app/utils/retry.py: backoff * 2**(attempt-1) seconds between
// attempts, up to retries total attempts, re-raising (returning) the last
// error when exhausted.
func retry(log *logrus.Entry, retries int, backoff float64, label string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		log.WithFields(logrus.Fields{
			"op":      label,
			"attempt": attempt,
			"retries": retries,
		}).WithError(lastErr).Warn("vsphere operation failed, retrying")

		if attempt == retries {
			break
		}
		sleep := time.Duration(backoff*pow2(attempt-1)) * time.Second
		time.Sleep(sleep)
	}
	return lastErr
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
