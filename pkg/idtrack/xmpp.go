// Copyright 2024-2026 Aiku AI

package idtrack

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type xmppEntry struct {
	dID  string
	room string
}

// XMPPTracker maps XMPP message identifiers to the canonical (D) identifier
// and the MUC address of the bridged message.
//
// A logical message has one primary XMPP id (the id we or the sender put on
// the stanza) and may be reachable through aliases: the server-assigned
// stanza-id, a primary that the server later rewrote, or foreign D-side ids
// linked in after the first store.
type XMPPTracker struct {
	mu sync.Mutex
	// primary xmpp id -> entry
	entries *expirable.LRU[string, xmppEntry]
	// d id (real or foreign) -> primary xmpp id
	byD *expirable.LRU[string, string]
	// stanza-id or superseded primary -> primary xmpp id
	aliases *expirable.LRU[string, string]
	// primary xmpp id -> stanza-id
	stanzas *expirable.LRU[string, string]
}

// NewXMPPTracker creates a tracker holding at most size entries for ttl.
func NewXMPPTracker(size int, ttl time.Duration) *XMPPTracker {
	size, ttl = normalize(size, ttl)
	return &XMPPTracker{
		entries: expirable.NewLRU[string, xmppEntry](size, nil, ttl),
		byD:     expirable.NewLRU[string, string](size, nil, ttl),
		aliases: expirable.NewLRU[string, string](size, nil, ttl),
		stanzas: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Store records xmppID -> (dID, room) and dID -> xmppID. Storing an existing
// xmppID replaces its entry; aliases pointing at it survive.
func (t *XMPPTracker) Store(xmppID, dID, room string) {
	if xmppID == "" || dID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Add(xmppID, xmppEntry{dID: dID, room: room})
	t.byD.Add(dID, xmppID)
}

// resolveLocked maps any known key (primary, alias, or linked D id) to the
// primary xmpp id.
func (t *XMPPTracker) resolveLocked(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if _, ok := t.entries.Get(key); ok {
		return key, true
	}
	if p, ok := t.aliases.Get(key); ok {
		if _, ok := t.entries.Get(p); ok {
			return p, true
		}
	}
	return "", false
}

// AddStanzaAlias records that stanzaID names the same message as
// primaryXMPPID. It returns false when primaryXMPPID is unknown.
func (t *XMPPTracker) AddStanzaAlias(primaryXMPPID, stanzaID string) bool {
	if stanzaID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.resolveLocked(primaryXMPPID)
	if !ok {
		return false
	}
	if stanzaID != p {
		t.aliases.Add(stanzaID, p)
	}
	t.stanzas.Add(p, stanzaID)
	return true
}

// UpdateXMPPID replaces the primary identifier oldID with newID after the
// server rewrote it. oldID keeps resolving as an alias.
func (t *XMPPTracker) UpdateXMPPID(oldID, newID string) bool {
	if oldID == "" || newID == "" || oldID == newID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.entries.Get(oldID)
	if !ok {
		return false
	}
	t.entries.Remove(oldID)
	t.entries.Add(newID, ent)
	for _, d := range t.byD.Keys() {
		if p, ok := t.byD.Peek(d); ok && p == oldID {
			t.byD.Add(d, newID)
		}
	}
	for _, a := range t.aliases.Keys() {
		if p, ok := t.aliases.Peek(a); ok && p == oldID {
			t.aliases.Add(a, newID)
		}
	}
	if s, ok := t.stanzas.Get(oldID); ok {
		t.stanzas.Remove(oldID)
		t.stanzas.Add(newID, s)
	}
	t.aliases.Add(oldID, newID)
	return true
}

// AddDIDAlias links a real D identifier to a message first stored under a
// foreign identifier. existingKey may be a primary xmpp id, an alias, or the
// D-side id used at store time. The entry's canonical D id becomes dID while
// the old D-side id keeps resolving.
func (t *XMPPTracker) AddDIDAlias(dID, existingKey string) bool {
	if dID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.resolveLocked(existingKey)
	if !ok {
		if p, ok = t.byD.Get(existingKey); !ok {
			return false
		}
	}
	ent, ok := t.entries.Get(p)
	if !ok {
		return false
	}
	ent.dID = dID
	t.entries.Add(p, ent)
	t.byD.Add(dID, p)
	return true
}

// GetD returns the canonical D id for any known xmpp id or alias.
func (t *XMPPTracker) GetD(xmppID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.resolveLocked(xmppID)
	if !ok {
		return "", false
	}
	ent, _ := t.entries.Get(p)
	return ent.dID, true
}

// GetXMPPID returns the primary xmpp id for dID. Corrections target this id.
func (t *XMPPTracker) GetXMPPID(dID string) (string, bool) {
	if dID == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byD.Get(dID)
	if !ok {
		return "", false
	}
	if _, ok := t.entries.Get(p); !ok {
		return "", false
	}
	return p, true
}

// GetXMPPIDForReaction returns the stanza-id for dID when one was observed,
// else the primary id. MUC reactions, retractions and replies match on it.
func (t *XMPPTracker) GetXMPPIDForReaction(dID string) (string, bool) {
	p, ok := t.GetXMPPID(dID)
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stanzas.Get(p); ok {
		return s, true
	}
	return p, true
}

// StanzaID returns the stanza-id recorded for a primary id or alias.
func (t *XMPPTracker) StanzaID(xmppID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.resolveLocked(xmppID)
	if !ok {
		return "", false
	}
	return t.stanzas.Get(p)
}

// GetRoom returns the MUC address the message with dID lives in.
func (t *XMPPTracker) GetRoom(dID string) (string, bool) {
	if dID == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byD.Get(dID)
	if !ok {
		return "", false
	}
	ent, ok := t.entries.Get(p)
	if !ok || ent.room == "" {
		return "", false
	}
	return ent.room, true
}
