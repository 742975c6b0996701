// Package ratelimit provides fixed-window counters for httprate.
//
// httprate computes a sliding estimate from the current and previous window
// counts. The counters here always report zero for the previous window, so
// the limiter degenerates to an exact fixed window: a (scope, IP) pair may make
// at most N requests between two window boundaries and starts from zero at the
// next boundary.
package ratelimit

import (
	"github.com/go-chi/httprate"
)

// Counter is an httprate.LimitCounter that can be shut down.
type Counter interface {
	httprate.LimitCounter
	Close() error
}

var (
	_ Counter = (*MemoryCounter)(nil)
	_ Counter = (*RedisCounter)(nil)
)
