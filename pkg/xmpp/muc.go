// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gosrc.io/xmpp/stanza"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/identity"
)

// retryNickSuffix is appended to a nick after the first join attempt fails.
const retryNickSuffix = "_bridge"

type membership struct {
	room string
	jid  string
}

type joinWaiter struct {
	nick string
	done chan error
}

// roomState tracks which of our JIDs sit in which room under which nick,
// the joins in flight, and the real JIDs of the occupants we have seen.
type roomState struct {
	mu        sync.Mutex
	joined    map[membership]string
	waiters   map[membership]*joinWaiter
	occupants map[string]map[string]string
}

func newRoomState() *roomState {
	return &roomState{
		joined:    make(map[membership]string),
		waiters:   make(map[membership]*joinWaiter),
		occupants: make(map[string]map[string]string),
	}
}

func (s *roomState) nick(room, jid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.joined[membership{room, jid}]
	return n, ok
}

func (s *roomState) setJoined(room, jid, nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[membership{room, jid}] = nick
}

func (s *roomState) leave(room, jid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, membership{room, jid})
}

// reset forgets everything after the stream dropped.
func (s *roomState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = make(map[membership]string)
	s.occupants = make(map[string]map[string]string)
}

// roomsOf returns room -> nick for every room jid sits in.
func (s *roomState) roomsOf(jid string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for m, nick := range s.joined {
		if m.jid == jid {
			out[m.room] = nick
		}
	}
	return out
}

func (s *roomState) memberships() map[membership]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[membership]string, len(s.joined))
	for m, nick := range s.joined {
		out[m] = nick
	}
	return out
}

func (s *roomState) isOurNick(room, nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for m, n := range s.joined {
		if m.room == room && n == nick {
			return true
		}
	}
	for m, w := range s.waiters {
		if m.room == room && w.nick == nick {
			return true
		}
	}
	return false
}

func (s *roomState) wait(room, jid, nick string) *joinWaiter {
	w := &joinWaiter{nick: nick, done: make(chan error, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[membership{room, jid}] = w
	return w
}

func (s *roomState) unwait(room, jid string, w *joinWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters[membership{room, jid}] == w {
		delete(s.waiters, membership{room, jid})
	}
}

// resolve completes the join in flight for (room, jid). With a nil err it
// only matches the presence of the nick that was requested, unless self
// is set.
func (s *roomState) resolve(room, jid, nick string, self bool, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[membership{room, jid}]
	if !ok || (err == nil && !self && w.nick != nick) {
		return false
	}
	delete(s.waiters, membership{room, jid})
	w.done <- err
	return true
}

// setOccupant records nick's real JID and reports whether nick is new.
func (s *roomState) setOccupant(room, nick, real string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.occupants[room]
	if !ok {
		occ = make(map[string]string)
		s.occupants[room] = occ
	}
	_, known := occ[nick]
	if real != "" || !known {
		occ[nick] = real
	}
	return !known
}

func (s *roomState) removeOccupant(room, nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.occupants[room]
	if _, ok := occ[nick]; !ok {
		return false
	}
	delete(occ, nick)
	return true
}

func (s *roomState) realJID(room, nick string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupants[room][nick]
}

// joinRoom seats jid in room under nick, retrying once with the nick
// suffixed when the first attempt fails. It returns the nick in use.
func (a *Adapter) joinRoom(ctx context.Context, room, jid, nick string, join mucJoin) (string, error) {
	if n, ok := a.rooms.nick(room, jid); ok {
		return n, nil
	}
	err := a.tryJoin(ctx, room, jid, nick, join)
	if err != nil && ctx.Err() == nil {
		a.log.Warn().Err(err).Str("room", room).Str("jid", jid).Str("nick", nick).Msg("MUC join failed, retrying with suffix")
		nick += retryNickSuffix
		err = a.tryJoin(ctx, room, jid, nick, join)
	}
	if err != nil {
		return "", fmt.Errorf("join %s as %s: %w", room, jid, err)
	}
	a.rooms.setJoined(room, jid, nick)
	a.log.Debug().Str("room", room).Str("jid", jid).Str("nick", nick).Msg("Joined MUC")
	return nick, nil
}

func (a *Adapter) tryJoin(ctx context.Context, room, jid, nick string, join mucJoin) error {
	w := a.rooms.wait(room, jid, nick)
	defer a.rooms.unwait(room, jid, w)
	pres := stanza.Presence{
		Attrs:      stanza.Attrs{From: jid, To: room + "/" + nick},
		Extensions: a.presenceExtensions(jid, &join),
	}
	if err := a.send(pres); err != nil {
		return err
	}
	timer := time.NewTimer(a.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		return ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// joinListeners seats the component itself in every mapped room it is not
// in yet. The listener takes room history, which ingress drops.
func (a *Adapter) joinListeners(ctx context.Context) {
	for _, m := range a.router.All() {
		if m.XMPP == nil {
			continue
		}
		room := bare(m.XMPP.MUC)
		if _, err := a.joinRoom(ctx, room, a.cfg.Domain, a.cfg.Brand, mucJoin{}); err != nil {
			a.log.Err(err).Str("room", room).Msg("Listener could not join room")
		}
	}
}

// leaveAll sends unavailable presence for every seat we hold.
func (a *Adapter) leaveAll() {
	for m, nick := range a.rooms.memberships() {
		pres := stanza.Presence{Attrs: stanza.Attrs{
			Type: stanza.PresenceTypeUnavailable,
			From: m.jid,
			To:   m.room + "/" + nick,
		}}
		if err := a.send(pres); err != nil {
			a.log.Debug().Err(err).Str("room", m.room).Msg("Failed to leave room")
		}
		a.rooms.leave(m.room, m.jid)
	}
}

func (a *Adapter) handlePresence(p *stanza.Presence) {
	room, nick, to := bare(p.From), resource(p.From), bare(p.To)
	if nick == "" {
		return
	}
	user, _ := ext[mucUser](p.Extensions)
	self := user != nil && user.hasStatus(statusSelf)
	switch p.Type {
	case stanza.PresenceTypeError:
		reason := p.Error.Reason
		if reason == "" {
			reason = "unknown error"
		}
		a.rooms.resolve(room, to, nick, false, fmt.Errorf("%w: %s", ErrJoinRejected, reason))
	case stanza.PresenceTypeUnavailable:
		if self || a.seatedAs(room, to, nick) {
			a.rooms.leave(room, to)
			a.log.Info().Str("room", room).Str("jid", to).Msg("Left MUC")
			return
		}
		if a.rooms.removeOccupant(room, nick) && a.listening(room) && !a.isOwn(room, nick) {
			a.Publish(&event.Part{Origin: event.XMPP, Channel: room, UserID: room + "/" + nick, Display: nick})
		}
	case "":
		a.rooms.resolve(room, to, nick, self, nil)
		real := ""
		if user != nil {
			real = user.realJID()
		}
		if a.rooms.setOccupant(room, nick, real) && a.listening(room) && !a.isOwn(room, nick) {
			if _, ok := a.router.GetByXMPP(room); ok {
				a.Publish(&event.Join{Origin: event.XMPP, Channel: room, UserID: room + "/" + nick, Display: nick})
			}
		}
	}
}

func (a *Adapter) seatedAs(room, jid, nick string) bool {
	n, ok := a.rooms.nick(room, jid)
	return ok && n == nick
}

// listening reports whether the listener finished joining room, so the
// initial occupant list is not reported as joins.
func (a *Adapter) listening(room string) bool {
	_, ok := a.rooms.nick(room, a.cfg.Domain)
	return ok
}

// isOwn reports whether nick in room is one of our seats or an occupant
// whose real JID lives under the component.
func (a *Adapter) isOwn(room, nick string) bool {
	if a.rooms.isOurNick(room, nick) {
		return true
	}
	real := a.rooms.realJID(room, nick)
	return real != "" && domain(real) == a.cfg.Domain
}

// puppet returns the virtual JID speaking for a bridged author, seated in
// room.
func (a *Adapter) puppet(ctx context.Context, room string, origin event.Network, authorID, display string) (string, error) {
	name := a.puppetName(ctx, room, origin, authorID, display)
	jid := escapeLocal(name) + "@" + a.cfg.Domain
	if _, err := a.joinRoom(ctx, room, jid, name, mucJoin{History: &mucHistory{MaxStanzas: 0}}); err != nil {
		return "", err
	}
	if authorID != "" {
		a.users.Add(authorID, jid)
	}
	return jid, nil
}

// puppetName is the linked account's local part when the identity service
// knows the author, otherwise the display name.
func (a *Adapter) puppetName(ctx context.Context, room string, origin event.Network, authorID, display string) string {
	display = strings.TrimSpace(display)
	if display == "" {
		display = "user"
	}
	if authorID == "" {
		return display
	}
	var (
		id  *identity.Identity
		err error
	)
	switch origin {
	case event.Discord:
		if obs, ok := a.resolver.(identity.Observer); ok {
			obs.Observe(authorID, display)
		}
		id, err = a.resolver.ByDiscord(ctx, authorID)
	case event.IRC:
		server := ""
		if m, ok := a.router.GetByXMPP(room); ok && m.IRC != nil {
			server = m.IRC.Server
		}
		id, err = a.resolver.ByIRC(ctx, display, server)
	default:
		return display
	}
	if err != nil {
		a.log.Warn().Err(err).Str("author_id", authorID).Msg("Identity lookup failed")
		return display
	}
	if l := id.XMPPLocal(); l != "" {
		return l
	}
	return display
}
