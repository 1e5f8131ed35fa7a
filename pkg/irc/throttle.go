// Copyright 2024-2026 Aiku AI

package irc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sendThrottle is the token bucket every outbound line waits on. A window
// over the last limit sends keeps any one-second span at or under limit,
// which the bucket alone allows to double right after a refill.
type sendThrottle struct {
	bucket *rate.Limiter

	mu   sync.Mutex
	sent []time.Time
	next int
}

func newSendThrottle(limit int) *sendThrottle {
	return &sendThrottle{
		bucket: rate.NewLimiter(rate.Limit(limit), limit),
		sent:   make([]time.Time, limit),
	}
}

// Wait blocks until one more line may be sent or ctx ends.
func (t *sendThrottle) Wait(ctx context.Context) error {
	if err := t.bucket.Wait(ctx); err != nil {
		return err
	}
	for {
		t.mu.Lock()
		now := time.Now()
		wait := t.sent[t.next].Add(time.Second).Sub(now)
		if wait <= 0 {
			t.sent[t.next] = now
			t.next = (t.next + 1) % len(t.sent)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
