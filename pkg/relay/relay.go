// Copyright 2024-2026 Aiku AI

// Package relay turns inbound events from one network into outbound events
// for every other network the room is mapped on.
package relay

import (
	"regexp"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/router"
)

// Source is the bus source name of events the relay publishes.
const Source = "relay"

// Publisher is the part of the bus the relay emits on.
type Publisher interface {
	Publish(source string, ev event.Event) error
}

// FilterSource yields the current content filter patterns. It is consulted
// at construction and on every ConfigReload.
type FilterSource interface {
	ContentFilters() []string
}

// Relay is a bus subscriber. It never emits an event targeting the network
// the inbound event came from.
type Relay struct {
	log     zerolog.Logger
	pub     Publisher
	router  *router.Router
	source  FilterSource
	filters atomic.Pointer[[]*regexp.Regexp]
}

// New creates a relay. source may be nil when no content filtering is wanted.
func New(log zerolog.Logger, pub Publisher, r *router.Router, source FilterSource) *Relay {
	rl := &Relay{
		log:    log.With().Str("component", "relay").Logger(),
		pub:    pub,
		router: r,
		source: source,
	}
	rl.reloadFilters()
	return rl
}

func (r *Relay) reloadFilters() {
	var patterns []string
	if r.source != nil {
		patterns = r.source.ContentFilters()
	}
	r.SetFilters(patterns)
}

// SetFilters compiles patterns and swaps them in. Invalid patterns are
// skipped with a warning. It returns the number of filters installed.
func (r *Relay) SetFilters(patterns []string) int {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			r.log.Warn().Err(err).Str("pattern", p).Msg("Skipping invalid content filter")
			continue
		}
		compiled = append(compiled, re)
	}
	r.filters.Store(&compiled)
	return len(compiled)
}

func (r *Relay) filtered(content string) bool {
	fs := r.filters.Load()
	if fs == nil || content == "" {
		return false
	}
	for _, re := range *fs {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// Accept admits the inbound kinds the relay bridges, plus ConfigReload.
func (r *Relay) Accept(_ string, ev event.Event) bool {
	switch ev.Kind() {
	case event.KindMessageIn, event.KindMessageDelete, event.KindReactionIn,
		event.KindTypingIn, event.KindConfigReload:
		return true
	default:
		return false
	}
}

// Push fans ev out. It runs on the publisher's goroutine and only publishes.
func (r *Relay) Push(_ string, ev event.Event) {
	switch e := ev.(type) {
	case *event.MessageIn:
		r.relayMessage(e)
	case *event.MessageDelete:
		r.relayDelete(e)
	case *event.ReactionIn:
		r.relayReaction(e)
	case *event.TypingIn:
		r.relayTyping(e)
	case *event.ConfigReload:
		r.reloadFilters()
		r.log.Info().Msg("Reloaded content filters")
	}
}

// targets resolves the origin channel and returns the room's address on each
// other network it is mapped on.
func (r *Relay) targets(origin event.Network, channel string) (map[event.Network]string, bool) {
	m, ok := r.router.Resolve(origin, channel)
	if !ok {
		r.log.Debug().
			Str("origin", string(origin)).
			Str("channel", channel).
			Msg("No mapping for channel, dropping")
		return nil, false
	}
	out := make(map[event.Network]string, 2)
	for _, n := range origin.Others() {
		if addr, ok := m.Address(n); ok {
			out[n] = addr
		}
	}
	return out, true
}

func (r *Relay) emit(ev event.Event) {
	if err := r.pub.Publish(Source, ev); err != nil {
		r.log.Warn().Err(err).Stringer("kind", ev.Kind()).Msg("Failed to publish outbound event")
	}
}

func (r *Relay) relayMessage(in *event.MessageIn) {
	if r.filtered(in.Content) {
		r.log.Debug().
			Str("origin", string(in.Origin)).
			Str("message_id", in.MessageID).
			Msg("Message matched content filter, dropping")
		return
	}
	targets, ok := r.targets(in.Origin, in.Channel)
	if !ok {
		return
	}
	for _, target := range in.Origin.Others() {
		addr, ok := targets[target]
		if !ok {
			continue
		}
		raw := in.Raw.Clone()
		if raw.Origin == "" {
			raw.Origin = in.Origin
		}
		raw.IsAction = raw.IsAction || in.IsAction
		if in.IsEdit {
			raw.IsEdit = true
			if raw.ReplaceID == "" {
				raw.ReplaceID = in.MessageID
			}
		}
		r.emit(&event.MessageOut{
			Target:        target,
			Channel:       addr,
			AuthorID:      in.AuthorID,
			AuthorDisplay: in.AuthorDisplay,
			Content:       transform(in, target),
			MessageID:     in.MessageID,
			ReplyToID:     in.ReplyToID,
			AvatarURL:     in.AvatarURL,
			Raw:           raw,
		})
	}
}

func (r *Relay) relayDelete(in *event.MessageDelete) {
	targets, ok := r.targets(in.Origin, in.Channel)
	if !ok {
		return
	}
	for _, target := range in.Origin.Others() {
		addr, ok := targets[target]
		if !ok {
			continue
		}
		r.emit(&event.MessageDeleteOut{
			Target:        target,
			Channel:       addr,
			MessageID:     in.MessageID,
			AuthorID:      in.AuthorID,
			AuthorDisplay: in.AuthorDisplay,
			Raw:           event.Raw{Origin: in.Origin},
		})
	}
}

func (r *Relay) relayReaction(in *event.ReactionIn) {
	targets, ok := r.targets(in.Origin, in.Channel)
	if !ok {
		return
	}
	for _, target := range in.Origin.Others() {
		addr, ok := targets[target]
		if !ok {
			continue
		}
		raw := in.Raw.Clone()
		if raw.Origin == "" {
			raw.Origin = in.Origin
		}
		r.emit(&event.ReactionOut{
			Target:        target,
			Channel:       addr,
			MessageID:     in.MessageID,
			Emoji:         in.Emoji,
			AuthorID:      in.AuthorID,
			AuthorDisplay: in.AuthorDisplay,
			Raw:           raw,
		})
	}
}

func (r *Relay) relayTyping(in *event.TypingIn) {
	targets, ok := r.targets(in.Origin, in.Channel)
	if !ok {
		return
	}
	for _, target := range in.Origin.Others() {
		addr, ok := targets[target]
		if !ok {
			continue
		}
		r.emit(&event.TypingOut{Target: target, Channel: addr, UserID: in.UserID})
	}
}
