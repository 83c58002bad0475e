package crawler

import (
	"context"
	"errors"
	"net"
)

// Error kinds surfaced by the crawl pipeline.
var (
	// ErrFetchTimeout reports a fetch that exceeded its deadline.
	ErrFetchTimeout = errors.New("fetch timeout")
	// ErrFetch reports any other fetch or extraction failure.
	ErrFetch = errors.New("fetch error")
	// ErrBreakerOpen is returned when the circuit breaker rejects a call.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrDuplicate marks a target that was already processed. Not a failure.
	ErrDuplicate = errors.New("duplicate target")
	// ErrEntityCapped marks a target whose owner reached its cap. Not a failure.
	ErrEntityCapped = errors.New("entity capped")
	// ErrPersistence reports a ledger or batch write failure.
	ErrPersistence = errors.New("persistence error")
	// ErrCanceled marks a task that was cancelled before it started fetching.
	ErrCanceled = errors.New("task canceled before start")
	// ErrProfileNotFound reports a profile page that does not exist.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfilePrivate reports a profile whose posts are hidden.
	ErrProfilePrivate = errors.New("profile is private")
	// ErrBlocked reports a page the site served as a rate-limit notice.
	ErrBlocked = errors.New("temporarily blocked")
)

// IsTimeout reports whether err represents a fetch timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFetchTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
