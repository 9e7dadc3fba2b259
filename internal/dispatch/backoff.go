package dispatch

import (
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// LinearBackoff waits base × n before the n-th retry and allows at most
// maxAttempts calls in total (the first attempt plus maxAttempts-1 retries).
func LinearBackoff(base time.Duration, maxAttempts int) retry.Backoff {
	var (
		mu sync.Mutex
		n  int64
	)
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base * time.Duration(n), false
	})

	retries := 0
	if maxAttempts > 1 {
		retries = maxAttempts - 1
	}
	return retry.WithMaxRetries(uint64(retries), linear)
}
