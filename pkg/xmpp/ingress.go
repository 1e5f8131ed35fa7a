// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gosrc.io/xmpp/stanza"

	"github.com/aiku/tribridge/pkg/event"
)

const (
	actionPrefix    = "/me "
	avatarURLFormat = "https://%s/avatar/%s"
)

func (a *Adapter) handleMessage(m *stanza.Message) {
	if m.Type != stanza.MessageTypeGroupchat {
		return
	}
	room, nick := bare(m.From), resource(m.From)
	if nick == "" {
		return
	}
	if _, ok := a.router.GetByXMPP(room); !ok {
		a.log.Debug().Str("room", room).Msg("Ignoring message from unmapped room")
		return
	}
	if _, ok := ext[delay](m.Extensions); ok {
		return
	}
	oid := ""
	if o, ok := ext[originID](m.Extensions); ok {
		oid = o.ID
	}
	sids := stanzaIDs(m, room)
	if a.isOwn(room, nick) {
		a.handleEcho(m, oid, sids)
		return
	}
	key := m.Id
	if key == "" && len(sids) > 0 {
		key = sids[0]
	}
	if key != "" {
		k := room + "\x00" + key
		if _, dup := a.seen.Get(k); dup {
			return
		}
		a.seen.Add(k, struct{}{})
	}

	real := a.rooms.realJID(room, nick)
	authorID := bare(real)
	if authorID == "" {
		authorID = room + "/" + nick
	}
	if r, ok := ext[reactions](m.Extensions); ok {
		a.handleReactions(room, nick, authorID, r)
		return
	}
	if r, ok := ext[retract](m.Extensions); ok {
		a.Publish(&event.MessageDelete{
			Origin:        event.XMPP,
			Channel:       room,
			MessageID:     a.ids.ToDiscord(event.XMPP, r.ID),
			AuthorID:      authorID,
			AuthorDisplay: nick,
		})
		return
	}
	if m.Body == "" {
		if _, ok := ext[composing](m.Extensions); ok {
			a.Publish(&event.TypingIn{Origin: event.XMPP, Channel: room, UserID: nick})
		}
		return
	}

	msgID := firstNonEmpty(oid, m.Id)
	if msgID == "" && len(sids) > 0 {
		msgID = sids[0]
	}
	if msgID == "" {
		msgID = "xmpp-" + uuid.NewString()
	}
	content := m.Body
	in := &event.MessageIn{
		Origin:        event.XMPP,
		Channel:       room,
		AuthorID:      authorID,
		AuthorDisplay: nick,
		MessageID:     msgID,
		Raw: event.Raw{
			Origin:        event.XMPP,
			XMPPIDAliases: aliases(msgID, oid, m.Id, sids),
		},
	}
	if real != "" {
		in.AvatarURL = avatarURL(room, real)
	}
	if rp, ok := ext[replace](m.Extensions); ok && rp.ID != "" {
		in.IsEdit = true
		in.Raw.IsEdit = true
		in.Raw.ReplaceID = rp.ID
	}
	if target := replyTarget(m); target != "" {
		in.ReplyToID = target
		quoted, rest := splitFallback(content)
		if quoted != "" {
			in.Raw.ReplyQuotedContent = quoted
			content = rest
		}
	}
	if _, ok := ext[spoiler](m.Extensions); ok {
		in.Raw.Spoiler = true
	}
	if rest, ok := strings.CutPrefix(content, actionPrefix); ok {
		in.IsAction = true
		in.Raw.IsAction = true
		content = rest
	}
	in.Content = content
	a.Publish(in)
}

// handleEcho records the ids the server gave a message we sent: stanza-ids
// become aliases, and a rewritten top-level id becomes the new primary.
func (a *Adapter) handleEcho(m *stanza.Message, oid string, sids []string) {
	primary := firstNonEmpty(oid, m.Id)
	if primary == "" {
		return
	}
	// The room's own stanza-id goes last: it is the one kept for replies.
	for i := len(sids) - 1; i >= 0; i-- {
		a.ids.XMPP.AddStanzaAlias(primary, sids[i])
	}
	if oid != "" && m.Id != "" && m.Id != oid {
		if a.ids.XMPP.UpdateXMPPID(oid, m.Id) {
			a.log.Debug().Str("origin_id", oid).Str("id", m.Id).Msg("Server rewrote message id")
		}
	}
}

// handleReactions diffs the sender's full reaction set against the last
// one seen and publishes one event per added or removed emoji.
func (a *Adapter) handleReactions(room, nick, authorID string, r *reactions) {
	key := r.ID + "\x00" + room + "/" + nick
	next := make([]string, 0, len(r.Reactions))
	for _, e := range r.Reactions {
		if e = strings.TrimSpace(e); e != "" && !slices.Contains(next, e) {
			next = append(next, e)
		}
	}
	a.reactMu.Lock()
	prev, _ := a.reactionsIn.Get(key)
	if len(next) == 0 {
		a.reactionsIn.Remove(key)
	} else {
		a.reactionsIn.Add(key, next)
	}
	a.reactMu.Unlock()

	publish := func(emoji string, remove bool) {
		a.Publish(&event.ReactionIn{
			Origin:        event.XMPP,
			Channel:       room,
			MessageID:     r.ID,
			Emoji:         emoji,
			AuthorID:      authorID,
			AuthorDisplay: nick,
			Raw:           event.Raw{Origin: event.XMPP, IsRemove: remove},
		})
	}
	for _, e := range prev {
		if !slices.Contains(next, e) {
			publish(e, true)
		}
	}
	for _, e := range next {
		if !slices.Contains(prev, e) {
			publish(e, false)
		}
	}
}

func firstNonEmpty(ids ...string) string {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

// aliases lists every id of the message except msgID. Stanza-ids come last,
// the room's own at the very end, since the last alias recorded is the one
// replies and reactions reference.
func aliases(msgID, oid, id string, sids []string) []string {
	var out []string
	add := func(s string) {
		if s != "" && s != msgID && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	add(oid)
	add(id)
	for i := len(sids) - 1; i >= 0; i-- {
		add(sids[i])
	}
	return out
}

// replyTarget reads XEP-0461, falling back to a XEP-0372 reply reference.
func replyTarget(m *stanza.Message) string {
	if r, ok := ext[reply](m.Extensions); ok && r.ID != "" {
		return r.ID
	}
	for _, e := range m.Extensions {
		var ref reference
		switch v := any(e).(type) {
		case *reference:
			ref = *v
		case reference:
			ref = v
		default:
			continue
		}
		if ref.Type != "reply" {
			continue
		}
		if id := uriID(ref.URI); id != "" {
			return id
		}
	}
	return ""
}

// uriID extracts the id parameter of an xmpp: URI query.
func uriID(uri string) string {
	_, query, ok := strings.Cut(uri, "?")
	if !ok {
		return ""
	}
	for _, part := range strings.FieldsFunc(query, func(r rune) bool { return r == ';' || r == '&' }) {
		if v, ok := strings.CutPrefix(part, "id="); ok {
			if id, err := url.QueryUnescape(v); err == nil {
				return id
			}
			return v
		}
	}
	return ""
}

// splitFallback separates the leading "> " quote clients put in front of a
// reply from the reply itself.
func splitFallback(body string) (string, string) {
	lines := strings.Split(body, "\n")
	var quoted []string
	i := 0
	for ; i < len(lines) && strings.HasPrefix(lines[i], ">"); i++ {
		quoted = append(quoted, strings.TrimSpace(strings.TrimPrefix(lines[i], ">")))
	}
	if len(quoted) == 0 {
		return "", body
	}
	if i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(quoted, "\n"), strings.Join(lines[i:], "\n")
}

func avatarURL(room, real string) string {
	l := local(real)
	if l == "" {
		return ""
	}
	return fmt.Sprintf(avatarURLFormat, baseDomain(domain(room)), url.PathEscape(l))
}
