// Package async holds the retry helper used around flaky upstream calls.
package async

import (
	"time"

	"github.com/pkg/errors"
)

// Retry calls fn until it succeeds, sleeping between attempts and doubling
// the sleep each time. The last error is returned once the attempt budget
// is spent.
func Retry(attempts int, sleep time.Duration, fn func() error) error {
	start := time.Now()

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sleep)
			sleep *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "failed after %d attempts and %s total duration",
		attempts, time.Since(start))
}
