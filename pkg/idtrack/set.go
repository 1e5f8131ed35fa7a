// Copyright 2024-2026 Aiku AI

// Package idtrack holds the bounded TTL maps that correlate message
// identifiers across the bridged networks.
//
// The canonical identifier of a bridged message is its D id once a D copy
// exists, and the origin network's id until then. [IRCTracker] and
// [XMPPTracker] each map their network's ids to that canonical id, and [Set]
// walks both to translate an id from any network into any other.
package idtrack

import (
	"time"

	"github.com/aiku/tribridge/pkg/event"
)

const (
	DefaultTTL  = time.Hour
	DefaultSize = 10_000

	// maxHops bounds canonicalisation: I -> X -> D is the longest chain.
	maxHops = 3
)

func normalize(size int, ttl time.Duration) (int, time.Duration) {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return size, ttl
}

// Set groups the per-network trackers.
type Set struct {
	IRC  *IRCTracker
	XMPP *XMPPTracker
}

// NewSet creates both trackers with the same bounds.
func NewSet(size int, ttl time.Duration) *Set {
	return &Set{
		IRC:  NewIRCTracker(size, ttl),
		XMPP: NewXMPPTracker(size, ttl),
	}
}

// ToDiscord returns the canonical id for id minted on origin. Unknown ids
// resolve to themselves.
func (s *Set) ToDiscord(origin event.Network, id string) string {
	if origin == event.Discord || id == "" {
		return id
	}
	cur := id
	for range maxHops {
		next := cur
		if d, ok := s.IRC.GetD(cur); ok && d != cur {
			next = d
		} else if d, ok := s.XMPP.GetD(cur); ok && d != cur {
			next = d
		}
		if next == cur {
			break
		}
		cur = next
	}
	return cur
}

func (s *Set) candidates(origin event.Network, id string) []string {
	canon := s.ToDiscord(origin, id)
	out := []string{canon}
	if id != canon {
		out = append(out, id)
	}
	if x, ok := s.XMPP.GetXMPPID(canon); ok && x != canon {
		out = append(out, x)
	}
	return out
}

// ToIRC returns the IRC msgid of the copy of the message id (minted on
// origin) carries, or id itself when unknown.
func (s *Set) ToIRC(origin event.Network, id string) string {
	if origin == event.IRC || id == "" {
		return id
	}
	for _, c := range s.candidates(origin, id) {
		if m, ok := s.IRC.GetIRC(c); ok {
			return m
		}
	}
	return id
}

// ToXMPP returns the primary XMPP id (the correction target) for id.
func (s *Set) ToXMPP(origin event.Network, id string) string {
	if origin == event.XMPP || id == "" {
		return id
	}
	for _, c := range s.xmppCandidates(origin, id) {
		if x, ok := s.XMPP.GetXMPPID(c); ok {
			return x
		}
	}
	return id
}

// ToXMPPReaction is ToXMPP preferring the MUC stanza-id, which reactions,
// retractions and replies must reference.
func (s *Set) ToXMPPReaction(origin event.Network, id string) string {
	if id == "" {
		return id
	}
	if origin == event.XMPP {
		if st, ok := s.XMPP.StanzaID(id); ok {
			return st
		}
		return id
	}
	for _, c := range s.xmppCandidates(origin, id) {
		if x, ok := s.XMPP.GetXMPPIDForReaction(c); ok {
			return x
		}
	}
	return id
}

func (s *Set) xmppCandidates(origin event.Network, id string) []string {
	canon := s.ToDiscord(origin, id)
	out := []string{canon}
	if id != canon {
		out = append(out, id)
	}
	if m, ok := s.IRC.GetIRC(canon); ok {
		out = append(out, m)
	}
	return out
}
