// Copyright 2024-2026 Aiku AI

package irc

import (
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/google/uuid"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/format/ircfmt"
	"github.com/aiku/tribridge/pkg/router"
)

const rplYoureOper = "381"

// reactionTag remembers a TAGMSG reaction so a later REDACT of its msgid
// can be relayed as a reaction removal.
type reactionTag struct {
	addr   string
	target string
	emoji  string
	nick   string
}

func (a *Adapter) register(s *server) {
	c := s.raw
	c.AddConnectCallback(func(ircmsg.Message) { a.onConnect(s) })
	c.AddDisconnectCallback(func(ircmsg.Message) {
		select {
		case s.disconnected <- struct{}{}:
		default:
		}
	})
	c.AddCallback("PRIVMSG", func(e ircmsg.Message) { a.onPrivmsg(s, e, false) })
	c.AddCallback("CTCP_ACTION", func(e ircmsg.Message) { a.onPrivmsg(s, e, true) })
	c.AddCallback("TAGMSG", func(e ircmsg.Message) { a.onTagmsg(s, e) })
	c.AddCallback("REDACT", func(e ircmsg.Message) { a.onRedact(s, e) })
	c.AddCallback("JOIN", func(e ircmsg.Message) { a.onJoin(s, e) })
	c.AddCallback("PART", func(e ircmsg.Message) { a.onPart(s, e) })
	c.AddCallback("QUIT", func(e ircmsg.Message) { a.onQuit(s, e) })
	c.AddCallback("NICK", func(e ircmsg.Message) { a.onNick(s, e) })
	c.AddCallback("KICK", func(e ircmsg.Message) { a.onKick(s, e) })
	c.AddCallback(rplYoureOper, func(ircmsg.Message) { a.onOper(s) })
}

// onConnect runs after registration: report missing capabilities once,
// OPER up when configured, and join every mapped channel.
func (a *Adapter) onConnect(s *server) {
	log := a.log.With().Str("server", s.host).Logger()
	s.mu.Lock()
	first := !s.capsSeen
	s.capsSeen = true
	s.mu.Unlock()
	if first {
		if !hasCap(s.conn, capMessageTags) {
			log.Warn().Msg("Server lacks message-tags, edits, deletions and reactions will not correlate")
		}
		if !hasCap(s.conn, capRedaction) {
			log.Info().Msg("Server lacks draft/message-redaction, deletions will not be bridged")
		}
		if _, ok := relaymsgSeparator(s.conn); !ok {
			log.Info().Msg("Server lacks RELAYMSG, using puppets or prefixed messages")
		}
	}
	if a.cfg.OperPassword != "" {
		if err := s.conn.Send("OPER", a.cfg.OperName, a.cfg.OperPassword); err != nil {
			log.Warn().Err(err).Msg("Failed to send OPER")
		}
	}
	for _, ch := range a.channelsFor(s.host) {
		a.join(s, ch)
	}
}

func (a *Adapter) join(s *server, channel string) {
	if err := s.conn.Send("JOIN", channel); err != nil {
		a.log.Warn().Err(err).Str("server", s.host).Str("channel", channel).Msg("Failed to join channel")
		return
	}
	s.mu.Lock()
	oper := s.oper
	s.mu.Unlock()
	if oper {
		a.setPermanent(s, channel)
	}
}

func (a *Adapter) onOper(s *server) {
	s.mu.Lock()
	s.oper = true
	s.mu.Unlock()
	a.log.Info().Str("server", s.host).Msg("Opered up")
	for _, ch := range a.channelsFor(s.host) {
		a.setPermanent(s, ch)
	}
}

// setPermanent keeps the channel alive while nobody is in it.
func (a *Adapter) setPermanent(s *server, channel string) {
	if err := s.conn.Send("MODE", channel, "+P"); err != nil {
		a.log.Debug().Err(err).Str("channel", channel).Msg("Failed to set channel permanent")
	}
}

// mappedAddress returns the router address of channel on s.
func (a *Adapter) mappedAddress(s *server, channel string) (string, bool) {
	if !isChannel(channel) {
		return "", false
	}
	addr := router.IRCAddress(s.host, channel)
	if _, ok := a.router.GetByIRCAddress(addr); !ok {
		a.log.Debug().Str("address", addr).Msg("Ignoring unmapped channel")
		return "", false
	}
	return addr, true
}

func (a *Adapter) isSelf(s *server, nick string) bool {
	return strings.EqualFold(nick, s.conn.CurrentNick())
}

func recentKey(host, channel, nick string) string {
	return strings.ToLower(host + "\x00" + channel + "\x00" + nick)
}

// isEcho reports whether e is a line the bridge itself caused: our own
// nick under echo-message, a RELAYMSG naming us as relayer, a spoofed nick
// we recently relayed as, or one of our puppets.
func (a *Adapter) isEcho(s *server, e ircmsg.Message, nick string) bool {
	if a.isSelf(s, nick) {
		return true
	}
	for _, tag := range relaymsgTags {
		if ok, relayer := e.GetTag(tag); ok && a.isSelf(s, relayer) {
			return true
		}
	}
	if len(e.Params) > 0 {
		if _, ok := a.recent.Get(recentKey(s.host, e.Params[0], nick)); ok {
			return true
		}
	}
	return a.puppets.isPuppet(s.host, nick)
}

// correlate consumes one pending send for addr and, on the first chunk,
// ties the echo's msgid to the canonical id of the bridged message.
func (a *Adapter) correlate(addr, msgid string) {
	p, first, ok := a.pending.pop(addr)
	if !ok {
		a.log.Debug().Str("address", addr).Str("msgid", msgid).Msg("Echo without pending send")
		return
	}
	if !first {
		return
	}
	if msgid == "" {
		a.log.Debug().Str("message_id", p.messageID).Msg("Echo carries no msgid, cannot correlate")
		return
	}
	canonical := a.ids.ToDiscord(p.origin, p.messageID)
	if p.edit {
		a.ids.IRC.AddAlias(msgid, canonical)
	} else {
		a.ids.IRC.Store(msgid, canonical)
	}
	a.log.Debug().Str("msgid", msgid).Str("canonical_id", canonical).Msg("Correlated echo")
}

func (a *Adapter) onPrivmsg(s *server, e ircmsg.Message, ctcpAction bool) {
	if len(e.Params) < 2 {
		return
	}
	addr, ok := a.mappedAddress(s, e.Params[0])
	if !ok {
		return
	}
	nick := nickOf(e.Source)
	_, msgid := e.GetTag(tagMsgID)
	if a.isEcho(s, e, nick) {
		a.correlate(addr, msgid)
		return
	}
	text, action := ircfmt.ParseAction(e.Params[1])
	action = action || ctcpAction
	if msgid == "" {
		msgid = "irc-" + uuid.NewString()
	}
	authorID := nick
	if ok, account := e.GetTag(tagAccount); ok && account != "" && account != "*" {
		authorID = account
	}
	_, reply := e.GetTag(tagReply)
	a.Publish(&event.MessageIn{
		Origin:        event.IRC,
		Channel:       addr,
		AuthorID:      authorID,
		AuthorDisplay: nick,
		Content:       text,
		MessageID:     msgid,
		ReplyToID:     reply,
		IsAction:      action,
		Raw: event.Raw{
			Origin:   event.IRC,
			IsAction: action,
			Tags:     e.AllTags(),
		},
	})
}

func (a *Adapter) onTagmsg(s *server, e ircmsg.Message) {
	if len(e.Params) < 1 {
		return
	}
	addr, ok := a.mappedAddress(s, e.Params[0])
	if !ok {
		return
	}
	nick := nickOf(e.Source)
	if a.isSelf(s, nick) || a.puppets.isPuppet(s.host, nick) {
		return
	}
	_, target := e.GetTag(tagReply)
	if ok, emoji := e.GetTag(tagReact); ok && emoji != "" && target != "" {
		if _, msgid := e.GetTag(tagMsgID); msgid != "" {
			a.reactTags.Add(msgid, reactionTag{addr: addr, target: target, emoji: emoji, nick: nick})
		}
		a.publishReaction(addr, target, emoji, nick, false)
		return
	}
	if ok, emoji := e.GetTag(tagUnreact); ok && emoji != "" && target != "" {
		a.publishReaction(addr, target, emoji, nick, true)
		return
	}
	if ok, state := e.GetTag(tagTyping); ok && state == "active" {
		a.Publish(&event.TypingIn{Origin: event.IRC, Channel: addr, UserID: nick})
	}
}

func (a *Adapter) publishReaction(addr, target, emoji, nick string, remove bool) {
	a.Publish(&event.ReactionIn{
		Origin:        event.IRC,
		Channel:       addr,
		MessageID:     target,
		Emoji:         emoji,
		AuthorID:      nick,
		AuthorDisplay: nick,
		Raw:           event.Raw{Origin: event.IRC, IsRemove: remove},
	})
}

// onRedact relays a REDACT as a deletion of the canonical message, or as
// a reaction removal when it redacts a reaction TAGMSG.
func (a *Adapter) onRedact(s *server, e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	addr, ok := a.mappedAddress(s, e.Params[0])
	if !ok {
		return
	}
	nick := nickOf(e.Source)
	if a.isSelf(s, nick) {
		return
	}
	msgid := e.Params[1]
	if rt, ok := a.reactTags.Get(msgid); ok {
		a.reactTags.Remove(msgid)
		a.publishReaction(rt.addr, rt.target, rt.emoji, rt.nick, true)
		return
	}
	a.Publish(&event.MessageDelete{
		Origin:        event.IRC,
		Channel:       addr,
		MessageID:     a.ids.ToDiscord(event.IRC, msgid),
		AuthorID:      nick,
		AuthorDisplay: nick,
	})
}

func (a *Adapter) onJoin(s *server, e ircmsg.Message) {
	if len(e.Params) < 1 {
		return
	}
	nick := nickOf(e.Source)
	if a.isSelf(s, nick) {
		s.markJoined(e.Params[0], true)
		return
	}
	addr, ok := a.mappedAddress(s, e.Params[0])
	if !ok || a.puppets.isPuppet(s.host, nick) {
		return
	}
	a.Publish(&event.Join{Origin: event.IRC, Channel: addr, UserID: nick, Display: nick})
}

func (a *Adapter) onPart(s *server, e ircmsg.Message) {
	if len(e.Params) < 1 {
		return
	}
	nick := nickOf(e.Source)
	if a.isSelf(s, nick) {
		s.markJoined(e.Params[0], false)
		return
	}
	addr, ok := a.mappedAddress(s, e.Params[0])
	if !ok || a.puppets.isPuppet(s.host, nick) {
		return
	}
	part := &event.Part{Origin: event.IRC, Channel: addr, UserID: nick, Display: nick}
	if len(e.Params) > 1 {
		part.Reason = e.Params[1]
	}
	a.Publish(part)
}

func (a *Adapter) onQuit(s *server, e ircmsg.Message) {
	nick := nickOf(e.Source)
	if a.isSelf(s, nick) || a.puppets.isPuppet(s.host, nick) {
		return
	}
	q := &event.Quit{Origin: event.IRC, UserID: nick, Display: nick}
	if len(e.Params) > 0 {
		q.Reason = e.Params[0]
	}
	a.Publish(q)
}

// onNick reports a rename as the old nick quitting.
func (a *Adapter) onNick(s *server, e ircmsg.Message) {
	nick := nickOf(e.Source)
	if len(e.Params) < 1 || a.isSelf(s, nick) || a.puppets.isPuppet(s.host, nick) {
		return
	}
	a.Publish(&event.Quit{Origin: event.IRC, UserID: nick, Display: nick, Reason: "nick changed to " + e.Params[0]})
}

// onKick rejoins after RejoinDelay unless the kick mentions a ban.
func (a *Adapter) onKick(s *server, e ircmsg.Message) {
	if len(e.Params) < 2 || !a.isSelf(s, e.Params[1]) {
		return
	}
	channel := e.Params[0]
	reason := ""
	if len(e.Params) > 2 {
		reason = e.Params[2]
	}
	s.markJoined(channel, false)
	log := a.log.With().Str("server", s.host).Str("channel", channel).Str("reason", reason).Logger()
	if !a.cfg.AutoRejoin || strings.Contains(strings.ToLower(reason), "ban") {
		log.Warn().Msg("Kicked from channel, not rejoining")
		return
	}
	log.Warn().Dur("delay", a.cfg.RejoinDelay).Msg("Kicked from channel, rejoining")
	time.AfterFunc(a.cfg.RejoinDelay, func() {
		if a.stopping.Load() {
			return
		}
		a.join(s, channel)
	})
}
