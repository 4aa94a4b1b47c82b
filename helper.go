package ouroborosvcs

import (
	"context"
	"time"
)

// StartTransactionCounter logs chunk read and write operations every
// interval until ctx is cancelled.
func (r *Repository) StartTransactionCounter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	r.store.StartCounterLogger(ctx, interval)
}
