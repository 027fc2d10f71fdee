// Package ratelimit enforces two windows per client key: a short burst
// window and a longer sustained window. A request must fit both.
package ratelimit

import (
	"context"
	"time"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Limits configures both windows. Zero disables a window.
type Limits struct {
	PerSecond int
	PerMinute int
}

type clock func() time.Time
