// Copyright 2024-2026 Aiku AI

package irc

import (
	"context"
	"fmt"
	"time"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/format/ircfmt"
	"github.com/aiku/tribridge/pkg/identity"
	"github.com/aiku/tribridge/pkg/router"
)

// editPrefix marks a correction; IRC has no edit primitive.
const editPrefix = "* "

type sendFunc func(tags map[string]string, channel, text string) error

func (a *Adapter) sendMessage(ctx context.Context, out *event.MessageOut) error {
	s, channel, err := a.resolveAddress(out.Channel)
	if err != nil {
		return err
	}
	content := out.Content
	if out.Raw.IsEdit {
		content = editPrefix + content
	}
	action := out.Raw.IsAction
	send, prefixed := a.sender(ctx, s, out)

	limit := ircfmt.DefaultSplitLimit
	if action {
		limit -= len(ircfmt.Action(""))
	}
	prefix := ""
	if prefixed {
		// The main connection speaks for everyone, so name the author.
		prefix = "<" + out.AuthorDisplay + "> "
		if action {
			prefix = out.AuthorDisplay + " "
		}
		limit -= len(prefix)
	}
	lines := ircfmt.Lines(ircfmt.Split(content, limit))
	if len(lines) == 0 {
		return nil
	}

	var replyTags map[string]string
	if out.ReplyToID != "" && hasCap(s.conn, capMessageTags) {
		if target, ok := a.resolveIRC(out.Raw.Origin, out.ReplyToID); ok {
			replyTags = map[string]string{tagReply: target}
		}
	}
	// A correction's echo stands for the message it corrects.
	correlateID := out.MessageID
	if out.Raw.IsEdit && out.Raw.ReplaceID != "" {
		correlateID = out.Raw.ReplaceID
	}
	pendingAddr := router.IRCAddress(s.host, channel)
	ps := a.pending.push(pendingAddr, out.Raw.Origin, correlateID, len(lines), out.Raw.IsEdit)
	for i, line := range lines {
		line = prefix + line
		if action {
			line = ircfmt.Action(line)
		}
		var tags map[string]string
		if i == 0 {
			tags = replyTags
		}
		if err := a.limiter.Wait(ctx); err != nil {
			a.pending.cancel(pendingAddr, ps, len(lines)-i)
			return err
		}
		if err := send(tags, channel, line); err != nil {
			a.pending.cancel(pendingAddr, ps, len(lines)-i)
			return fmt.Errorf("send to %s: %w", out.Channel, err)
		}
	}
	a.log.Debug().
		Str("message_id", out.MessageID).
		Str("address", out.Channel).
		Int("chunks", len(lines)).
		Msg("Sent message to IRC")
	return nil
}

// sender picks how out is spoken: RELAYMSG when negotiated, else a puppet
// when the author has a linked IRC nick, else the main connection. The
// bool reports the last case, where the text must name its author.
func (a *Adapter) sender(ctx context.Context, s *server, out *event.MessageOut) (sendFunc, bool) {
	if sep, ok := relaymsgSeparator(s.conn); ok {
		nick := SanitizeNick(out.AuthorDisplay, relaySuffix(sep, a.cfg.RelaymsgSuffix, out.Raw.Origin))
		return func(tags map[string]string, channel, text string) error {
			a.recent.Add(recentKey(s.host, channel, nick), struct{}{})
			return s.conn.SendWithTags(tags, "RELAYMSG", channel, nick, text)
		}, false
	}
	if nick, ok := a.linkedNick(ctx, out); ok {
		p, err := a.puppets.get(s.target, string(out.Raw.Origin)+":"+out.AuthorID, nick)
		if err == nil {
			return func(tags map[string]string, channel, text string) error {
				if err := p.ensureJoined(channel); err != nil {
					a.puppets.drop(p.key)
					return err
				}
				p.touch(time.Now())
				return p.conn.SendWithTags(tags, "PRIVMSG", channel, text)
			}, false
		}
		a.log.Warn().Err(err).Str("nick", nick).Msg("Puppet unavailable, sending from main connection")
	}
	return func(tags map[string]string, channel, text string) error {
		return s.conn.SendWithTags(tags, "PRIVMSG", channel, text)
	}, true
}

// linkedNick asks the identity resolver for the author's own IRC nick.
func (a *Adapter) linkedNick(ctx context.Context, out *event.MessageOut) (string, bool) {
	if out.AuthorID == "" {
		return "", false
	}
	var (
		id  *identity.Identity
		err error
	)
	switch out.Raw.Origin {
	case event.Discord:
		if obs, ok := a.resolver.(identity.Observer); ok {
			obs.Observe(out.AuthorID, out.AuthorDisplay)
		}
		id, err = a.resolver.ByDiscord(ctx, out.AuthorID)
	case event.XMPP:
		id, err = a.resolver.ByXMPP(ctx, out.AuthorID)
	default:
		return "", false
	}
	if err != nil {
		a.log.Warn().Err(err).Str("author_id", out.AuthorID).Msg("Identity lookup failed")
		return "", false
	}
	if id == nil || id.IRCNick == "" {
		return "", false
	}
	return id.IRCNick, true
}

// resolveIRC maps id to the IRC msgid of the same message.
func (a *Adapter) resolveIRC(origin event.Network, id string) (string, bool) {
	if id == "" {
		return "", false
	}
	if origin == event.IRC {
		return id, true
	}
	m := a.ids.ToIRC(origin, id)
	return m, m != id
}

func (a *Adapter) sendReaction(ctx context.Context, r *event.ReactionOut) error {
	s, channel, err := a.resolveAddress(r.Channel)
	if err != nil {
		return err
	}
	if !hasCap(s.conn, capMessageTags) {
		a.log.Debug().Str("server", s.host).Msg("Skipping reaction, no message-tags")
		return nil
	}
	target, ok := a.resolveIRC(r.Raw.Origin, r.MessageID)
	if !ok {
		a.log.Debug().Str("message_id", r.MessageID).Msg("Skipping reaction to message unknown on IRC")
		return nil
	}
	tag := tagReact
	if r.Raw.IsRemove {
		tag = tagUnreact
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.conn.SendWithTags(map[string]string{tagReply: target, tag: r.Emoji}, "TAGMSG", channel)
}

func (a *Adapter) sendDelete(ctx context.Context, d *event.MessageDeleteOut) error {
	if !a.cfg.RedactEnabled {
		a.log.Debug().Str("message_id", d.MessageID).Msg("REDACT disabled, not deleting")
		return nil
	}
	s, channel, err := a.resolveAddress(d.Channel)
	if err != nil {
		return err
	}
	if !hasCap(s.conn, capRedaction) {
		a.log.Debug().Str("server", s.host).Msg("Skipping deletion, no draft/message-redaction")
		return nil
	}
	target, ok := a.resolveIRC(d.Raw.Origin, d.MessageID)
	if !ok {
		a.log.Debug().Str("message_id", d.MessageID).Msg("Skipping deletion of message unknown on IRC")
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.conn.Send("REDACT", channel, target)
}

func (a *Adapter) sendTyping(ctx context.Context, t *event.TypingOut) error {
	s, channel, err := a.resolveAddress(t.Channel)
	if err != nil {
		return err
	}
	if !hasCap(s.conn, capMessageTags) || !a.typing.Allow(t.Channel) {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.conn.SendWithTags(map[string]string{tagTyping: "active"}, "TAGMSG", channel)
}
