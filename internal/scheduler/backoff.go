package scheduler

import (
	"time"
)

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// retryDelay returns baseDelay * 2^failures, capped at maxDelay
func retryDelay(failures int) time.Duration {
	if failures <= 0 {
		return baseDelay
	}
	// 2^30 seconds is far past maxDelay
	if failures > 30 {
		return maxDelay
	}

	delay := baseDelay * time.Duration(1<<failures)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
