// Copyright 2024-2026 Aiku AI

package discord

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mau.fi/util/ptr"
	"go.mau.fi/util/variationselector"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/idtrack"
)

const (
	maxContentRunes = 2000
	maxButtonLabel  = 80
)

// noMentions stops bridged text from pinging anyone.
var noMentions = &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}

func (a *Adapter) sendMessage(ctx context.Context, out *event.MessageOut) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	wh, err := a.webhookFor(out.Channel)
	if err != nil {
		return err
	}
	origin := out.Raw.Origin
	if out.Raw.IsEdit {
		target := a.ids.ToDiscord(origin, out.Raw.ReplaceID)
		if owner, ok := a.sent.Get(target); ok && owner == wh.ID {
			_, err = a.session.WebhookMessageEdit(wh.ID, wh.Token, target, &discordgo.WebhookEdit{
				Content:         ptr.Ptr(truncate(out.Content, maxContentRunes)),
				AllowedMentions: noMentions,
			})
			if err != nil {
				return fmt.Errorf("edit %s: %w", target, err)
			}
			return nil
		}
		a.log.Debug().Str("replace_id", out.Raw.ReplaceID).Msg("Edit target not ours, sending as new message")
	}

	params := a.webhookParams(out, wh)
	msg, err := a.session.WebhookExecute(wh.ID, wh.Token, true, params)
	if err != nil && isUnknownWebhook(err) {
		a.forgetWebhook(out.Channel)
		if wh, err = a.webhookFor(out.Channel); err != nil {
			return err
		}
		msg, err = a.session.WebhookExecute(wh.ID, wh.Token, true, params)
	}
	if err != nil {
		return fmt.Errorf("execute webhook: %w", err)
	}
	if msg == nil {
		return nil
	}
	a.sent.Add(msg.ID, wh.ID)
	a.record(out, msg.ID)
	a.log.Debug().
		Str("message_id", out.MessageID).
		Str("discord_id", msg.ID).
		Str("channel_id", out.Channel).
		Msg("Sent message to Discord")
	return nil
}

// record correlates the origin message with the copy just posted.
func (a *Adapter) record(out *event.MessageOut, dID string) {
	if out.MessageID == "" {
		return
	}
	switch out.Raw.Origin {
	case event.IRC:
		a.ids.IRC.Store(out.MessageID, dID)
		a.ids.XMPP.AddDIDAlias(dID, out.MessageID)
	case event.XMPP:
		room := ""
		if m, ok := a.router.GetByD(out.Channel); ok && m.XMPP != nil {
			room = m.XMPP.MUC
		}
		a.ids.XMPP.Store(out.MessageID, dID, room)
		for _, alias := range out.Raw.XMPPIDAliases {
			a.ids.XMPP.AddStanzaAlias(out.MessageID, alias)
		}
	}
}

func (a *Adapter) webhookParams(out *event.MessageOut, wh *discordgo.Webhook) *discordgo.WebhookParams {
	content := out.Content
	if out.Raw.Spoiler && out.Raw.Origin != event.Discord && !strings.HasPrefix(content, "||") {
		content = "||" + content + "||"
	}
	var files []*discordgo.File
	for _, att := range out.Raw.Attachments {
		switch {
		case len(att.Data) > 0:
			files = append(files, &discordgo.File{
				Name:        att.Filename,
				ContentType: att.ContentType,
				Reader:      bytes.NewReader(att.Data),
			})
		case att.URL != "" && !strings.Contains(content, att.URL):
			content = strings.TrimSpace(content + "\n" + att.URL)
		}
	}
	params := &discordgo.WebhookParams{
		Content:         truncate(content, maxContentRunes),
		Username:        webhookName(out.AuthorDisplay),
		AvatarURL:       out.AvatarURL,
		AllowedMentions: noMentions,
		Files:           files,
	}
	if out.ReplyToID != "" && wh.GuildID != "" {
		target := a.ids.ToDiscord(out.Raw.Origin, out.ReplyToID)
		params.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label: replyLabel(out.Raw.ReplyQuotedAuthor, out.Raw.ReplyQuotedContent),
					Style: discordgo.LinkButton,
					URL:   fmt.Sprintf("https://discord.com/channels/%s/%s/%s", wh.GuildID, out.Channel, target),
				},
			}},
		}
	}
	return params
}

func replyLabel(author, quoted string) string {
	label := "Reply"
	if author != "" {
		label = "Reply to " + author
	}
	if q := strings.TrimSpace(strings.SplitN(quoted, "\n", 2)[0]); q != "" {
		label += ": " + q
	}
	return truncate(label, maxButtonLabel)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func (a *Adapter) deleteMessage(del *event.MessageDeleteOut) error {
	target := a.ids.ToDiscord(del.Raw.Origin, del.MessageID)
	a.deleted.Add(target, struct{}{})
	if err := a.session.ChannelMessageDelete(del.Channel, target); err != nil {
		a.deleted.Remove(target)
		return fmt.Errorf("delete %s: %w", target, err)
	}
	return nil
}

func (a *Adapter) sendReaction(r *event.ReactionOut) error {
	target := a.ids.ToDiscord(r.Raw.Origin, r.MessageID)
	emoji := variationselector.Remove(r.Emoji)
	key := target + "\x00" + emoji
	if r.Raw.IsRemove {
		if !a.reactions.release(key, reactorKey(r)) {
			return nil
		}
		if err := a.session.MessageReactionRemove(r.Channel, target, emoji, "@me"); err != nil {
			return fmt.Errorf("remove reaction: %w", err)
		}
		return nil
	}
	if !a.reactions.acquire(key, reactorKey(r)) {
		return nil
	}
	if err := a.session.MessageReactionAdd(r.Channel, target, emoji); err != nil {
		a.reactions.release(key, reactorKey(r))
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

func reactorKey(r *event.ReactionOut) string {
	return string(r.Raw.Origin) + ":" + r.AuthorID
}

func (a *Adapter) sendTyping(t *event.TypingOut) error {
	if !a.typing.Allow(t.Channel) {
		return nil
	}
	if err := a.session.ChannelTyping(t.Channel); err != nil {
		return fmt.Errorf("typing: %w", err)
	}
	return nil
}

// reactionRefs counts bridged users behind each bot reaction. The bot holds
// one reaction per emoji, so it is only removed when the last of them
// withdraws theirs.
type reactionRefs struct {
	mu  sync.Mutex
	set *expirable.LRU[string, map[string]struct{}]
}

func newReactionRefs() *reactionRefs {
	return &reactionRefs{set: expirable.NewLRU[string, map[string]struct{}](trackedMessages, nil, idtrack.DefaultTTL)}
}

// acquire adds who to key and reports whether key went from empty to held.
func (r *reactionRefs) acquire(key, who string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, _ := r.set.Get(key)
	if users == nil {
		users = make(map[string]struct{})
	}
	if _, dup := users[who]; dup {
		return false
	}
	users[who] = struct{}{}
	r.set.Add(key, users)
	return len(users) == 1
}

// release removes who from key and reports whether key became empty.
func (r *reactionRefs) release(key, who string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.set.Get(key)
	if !ok {
		// Unknown, most likely from before a restart: remove anyway.
		return true
	}
	if _, held := users[who]; !held {
		return false
	}
	delete(users, who)
	if len(users) == 0 {
		r.set.Remove(key)
		return true
	}
	return false
}
