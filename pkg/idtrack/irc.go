// Copyright 2024-2026 Aiku AI

package idtrack

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IRCTracker maps IRC msgids to the canonical (D) identifier of the same
// bridged message and back.
type IRCTracker struct {
	mu  sync.Mutex
	fwd *expirable.LRU[string, string]
	rev *expirable.LRU[string, string]
}

// NewIRCTracker creates a tracker holding at most size pairs for ttl.
func NewIRCTracker(size int, ttl time.Duration) *IRCTracker {
	size, ttl = normalize(size, ttl)
	return &IRCTracker{
		fwd: expirable.NewLRU[string, string](size, nil, ttl),
		rev: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Store records ircMsgID <-> dID. A second store for the same key replaces
// the previous pair.
func (t *IRCTracker) Store(ircMsgID, dID string) {
	if ircMsgID == "" || dID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.fwd.Peek(ircMsgID); ok && old != dID {
		if back, ok := t.rev.Peek(old); ok && back == ircMsgID {
			t.rev.Remove(old)
		}
	}
	t.fwd.Add(ircMsgID, dID)
	t.rev.Add(dID, ircMsgID)
}

// AddAlias records ircMsgID -> dID without moving dID's reverse entry, so
// later actions on dID still target the line it was first bridged as.
func (t *IRCTracker) AddAlias(ircMsgID, dID string) {
	if ircMsgID == "" || dID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fwd.Add(ircMsgID, dID)
	if _, ok := t.rev.Peek(dID); !ok {
		t.rev.Add(dID, ircMsgID)
	}
}

// GetD returns the D identifier bridged from or to ircMsgID.
func (t *IRCTracker) GetD(ircMsgID string) (string, bool) {
	if ircMsgID == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fwd.Get(ircMsgID)
}

// GetIRC returns the IRC msgid of the copy of dID.
func (t *IRCTracker) GetIRC(dID string) (string, bool) {
	if dID == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rev.Get(dID)
}

// Len reports the number of live forward entries.
func (t *IRCTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fwd.Len()
}
