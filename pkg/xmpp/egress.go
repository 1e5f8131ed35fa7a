// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.mau.fi/util/variationselector"
	"gosrc.io/xmpp/stanza"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/format/discordfmt"
)

const retractFallback = "This person attempted to retract a previous message, but it's unsupported by your client."

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// resolve maps id, minted on origin, to the XMPP id of the bridged copy.
// forReference prefers the MUC stanza-id, which replies, reactions and
// retractions must carry; corrections use the primary id.
func (a *Adapter) resolve(origin event.Network, id string, forReference bool) (string, bool) {
	if id == "" {
		return "", false
	}
	x := a.ids.ToXMPP(origin, id)
	if forReference {
		x = a.ids.ToXMPPReaction(origin, id)
	}
	if _, ok := a.ids.XMPP.GetD(x); !ok {
		return "", false
	}
	return x, true
}

func (a *Adapter) mappedRoom(channel string) (string, error) {
	room := bare(channel)
	if _, ok := a.router.GetByXMPP(room); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmapped, room)
	}
	return room, nil
}

func (a *Adapter) sendMessage(ctx context.Context, out *event.MessageOut) error {
	room, err := a.mappedRoom(out.Channel)
	if err != nil {
		return err
	}
	origin := out.Raw.Origin
	correction := ""
	if out.Raw.IsEdit {
		orig, ok := a.resolve(origin, out.Raw.ReplaceID, false)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoOriginal, out.Raw.ReplaceID)
		}
		correction = orig
	}
	jid, err := a.puppet(ctx, room, origin, out.AuthorID, out.AuthorDisplay)
	if err != nil {
		return err
	}
	if out.AvatarURL != "" {
		a.updateAvatar(ctx, jid, out.AvatarURL)
	}

	body := out.Content
	if correction == "" {
		body = a.shareAttachments(ctx, room, jid, out.Raw.Attachments, body)
	}
	if out.Raw.Spoiler {
		body = discordfmt.StripSpoilers(body)
	}
	body = truncateRunes(body, maxBodyRunes)
	if strings.TrimSpace(body) == "" {
		return nil
	}

	id := out.MessageID
	if correction != "" || id == "" {
		id = uuid.NewString()
	}
	msg := stanza.Message{
		Attrs: stanza.Attrs{Type: stanza.MessageTypeGroupchat, Id: id, From: jid, To: room},
		Body:  body,
	}
	msg.Extensions = append(msg.Extensions, originID{ID: id})
	if correction != "" {
		msg.Extensions = append(msg.Extensions, replace{ID: correction})
	}
	if target, ok := a.resolve(origin, out.ReplyToID, true); ok {
		msg.Extensions = append(msg.Extensions,
			reply{To: room, ID: target},
			reference{Type: "reply", URI: "xmpp:" + room + "?id=" + target},
		)
	}
	if out.Raw.Spoiler {
		msg.Extensions = append(msg.Extensions, spoiler{})
	}
	// The MUC echo can arrive before Send returns and needs the entry to
	// attach the stanza-id.
	if correction == "" && out.MessageID != "" {
		a.ids.XMPP.Store(id, a.ids.ToDiscord(origin, out.MessageID), room)
		a.authors.Add(id, jid)
	}
	if err := a.send(msg); err != nil {
		return fmt.Errorf("send to %s: %w", room, err)
	}
	a.log.Debug().
		Str("message_id", out.MessageID).
		Str("origin_id", id).
		Str("room", room).
		Str("jid", jid).
		Bool("correction", correction != "").
		Msg("Sent message to XMPP")
	return nil
}

// sendDelete retracts the bridged copy from the puppet that sent it, or
// from the component when the author is unknown.
func (a *Adapter) sendDelete(_ context.Context, d *event.MessageDeleteOut) error {
	room, err := a.mappedRoom(d.Channel)
	if err != nil {
		return err
	}
	target, ok := a.resolve(d.Raw.Origin, d.MessageID, true)
	if !ok {
		a.log.Debug().Str("message_id", d.MessageID).Msg("Skipping deletion of message unknown on XMPP")
		return nil
	}
	from, ok := a.authors.Get(a.ids.ToXMPP(d.Raw.Origin, d.MessageID))
	if !ok {
		from = a.cfg.Domain
	}
	msg := stanza.Message{
		Attrs:      stanza.Attrs{Type: stanza.MessageTypeGroupchat, Id: uuid.NewString(), From: from, To: room},
		Body:       retractFallback,
		Extensions: []stanza.MsgExtension{retract{ID: target}},
	}
	return a.send(msg)
}

// sendReaction updates the puppet's reaction set on the target and sends
// the whole set.
func (a *Adapter) sendReaction(ctx context.Context, r *event.ReactionOut) error {
	room, err := a.mappedRoom(r.Channel)
	if err != nil {
		return err
	}
	target, ok := a.resolve(r.Raw.Origin, r.MessageID, true)
	if !ok {
		a.log.Debug().Str("message_id", r.MessageID).Msg("Skipping reaction to message unknown on XMPP")
		return nil
	}
	jid, err := a.puppet(ctx, room, r.Raw.Origin, r.AuthorID, r.AuthorDisplay)
	if err != nil {
		return err
	}
	emoji := variationselector.FullyQualify(r.Emoji)
	key := target + "\x00" + jid

	a.reactMu.Lock()
	set, _ := a.reactionsOut.Get(key)
	set = slices.Clone(set)
	idx := slices.Index(set, emoji)
	switch {
	case r.Raw.IsRemove && idx >= 0:
		set = slices.Delete(set, idx, idx+1)
	case !r.Raw.IsRemove && idx < 0:
		set = append(set, emoji)
	default:
		a.reactMu.Unlock()
		return nil
	}
	a.reactionsOut.Add(key, set)
	a.reactMu.Unlock()

	msg := stanza.Message{
		Attrs:      stanza.Attrs{Type: stanza.MessageTypeGroupchat, Id: uuid.NewString(), From: jid, To: room},
		Extensions: []stanza.MsgExtension{reactions{ID: target, Reactions: set}},
	}
	return a.send(msg)
}

// sendTyping sends a composing chat state from the user's puppet, if the
// user has one in the room.
func (a *Adapter) sendTyping(t *event.TypingOut) error {
	room, err := a.mappedRoom(t.Channel)
	if err != nil {
		return err
	}
	jid, ok := a.users.Get(t.UserID)
	if !ok {
		return nil
	}
	if _, ok := a.rooms.nick(room, jid); !ok || !a.typing.Allow(room+"\x00"+jid) {
		return nil
	}
	msg := stanza.Message{
		Attrs:      stanza.Attrs{Type: stanza.MessageTypeGroupchat, From: jid, To: room},
		Extensions: []stanza.MsgExtension{composing{}},
	}
	return a.send(msg)
}
