package source

import (
	"context"
	"fmt"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// Waiter blocks until the named bucket has capacity.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// RateLimited paces every Search through a shared limiter bucket.
type RateLimited struct {
	next   monitor.ContentSource
	waiter Waiter
	key    string
}

var _ monitor.ContentSource = (*RateLimited)(nil)

// NewRateLimited wraps next; key selects the limiter bucket.
func NewRateLimited(next monitor.ContentSource, waiter Waiter, key string) *RateLimited {
	if key == "" {
		key = "source"
	}
	return &RateLimited{next: next, waiter: waiter, key: key}
}

// Search waits for a token, then delegates.
func (r *RateLimited) Search(ctx context.Context, session monitor.Session, term string, maxItems int) ([]monitor.Item, error) {
	if err := r.waiter.Wait(ctx, r.key); err != nil {
		return nil, fmt.Errorf("wait for source capacity: %w", err)
	}
	return r.next.Search(ctx, session, term, maxItems)
}
