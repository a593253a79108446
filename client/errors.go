package client

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrKeyNotFound  = errors.New("key not found")
	ErrConflict     = errors.New("operation failed due to a conflict")
	ErrUnavailable  = errors.New("service unavailable")
)

// ErrRateLimited carries the server's rate limit signal. RetryAfter is
// how long the server asked us to wait; WithRetries sleeps it off and
// tries again.
type ErrRateLimited struct {
	Message    string
	RetryAfter time.Duration
	Limit      float64
	Burst      int
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %v, limit %v, burst %d)",
		e.Message, e.RetryAfter, e.Limit, e.Burst)
}
