// Copyright 2024-2026 Aiku AI

package adapter

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TypingInterval is the minimum gap between typing notifications per channel.
const TypingInterval = 3 * time.Second

const throttleKeys = 4096

// Throttle admits one action per key per interval.
type Throttle struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{seen: expirable.NewLRU[string, struct{}](throttleKeys, nil, interval)}
}

// Allow reports whether key may act now, and if so starts its interval.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen.Get(key); ok {
		return false
	}
	t.seen.Add(key, struct{}{})
	return true
}

// Reset forgets key so its next Allow succeeds.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen.Remove(key)
}
