// Copyright 2024-2026 Aiku AI

package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/variationselector"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/format/discordfmt"
)

const avatarSize = "128"

// isEcho reports whether m was written by the bridge itself.
func (a *Adapter) isEcho(m *discordgo.Message) bool {
	if m.Author != nil && m.Author.ID == a.selfID() {
		return true
	}
	return a.isOwnWebhook(m.WebhookID)
}

func (a *Adapter) mapped(channelID string) bool {
	_, ok := a.router.GetByD(channelID)
	return ok
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, mc *discordgo.MessageCreate) {
	m := mc.Message
	if m == nil || m.Author == nil || a.isEcho(m) || !a.mapped(m.ChannelID) {
		return
	}
	if m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply {
		return
	}
	in := a.messageIn(m)
	if in.Content == "" {
		return
	}
	a.Publish(in)
}

func (a *Adapter) onMessageUpdate(_ *discordgo.Session, mu *discordgo.MessageUpdate) {
	m := mu.Message
	// Embed unfurls arrive as updates without an author or edit timestamp.
	if m == nil || m.Author == nil || m.EditedTimestamp == nil {
		return
	}
	if a.isEcho(m) || !a.mapped(m.ChannelID) {
		return
	}
	in := a.messageIn(m)
	in.IsEdit = true
	in.Raw.IsEdit = true
	in.Raw.ReplaceID = m.ID
	a.Publish(in)
}

func (a *Adapter) messageIn(m *discordgo.Message) *event.MessageIn {
	content := m.ContentWithMentionsReplaced()
	raw := event.Raw{
		Origin:  event.Discord,
		Spoiler: discordfmt.HasSpoiler(content),
	}
	var extra []string
	for _, att := range m.Attachments {
		raw.Attachments = append(raw.Attachments, event.Attachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
		extra = append(extra, att.URL)
	}
	for _, st := range m.StickerItems {
		extra = append(extra, fmt.Sprintf("[sticker: %s]", st.Name))
	}
	if len(extra) > 0 {
		content = strings.TrimSpace(strings.Join(append([]string{content}, extra...), "\n"))
	}
	in := &event.MessageIn{
		Origin:        event.Discord,
		Channel:       m.ChannelID,
		AuthorID:      m.Author.ID,
		AuthorDisplay: displayName(m.Author, m.Member),
		Content:       content,
		MessageID:     m.ID,
		AvatarURL:     avatarURL(m),
		Raw:           raw,
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		in.ReplyToID = ref.MessageID
	}
	if rm := m.ReferencedMessage; rm != nil {
		if in.ReplyToID == "" {
			in.ReplyToID = rm.ID
		}
		in.Raw.ReplyQuotedContent = rm.Content
		if rm.Author != nil {
			in.Raw.ReplyQuotedAuthor = displayName(rm.Author, rm.Member)
		}
	}
	return in
}

func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func avatarURL(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Avatar != "" && m.GuildID != "" {
		member := *m.Member
		member.User = m.Author
		member.GuildID = m.GuildID
		return member.AvatarURL(avatarSize)
	}
	return m.Author.AvatarURL(avatarSize)
}

func (a *Adapter) onMessageDelete(_ *discordgo.Session, md *discordgo.MessageDelete) {
	if md.Message == nil || !a.mapped(md.ChannelID) {
		return
	}
	if _, ok := a.deleted.Get(md.ID); ok {
		a.deleted.Remove(md.ID)
		return
	}
	del := &event.MessageDelete{
		Origin:    event.Discord,
		Channel:   md.ChannelID,
		MessageID: md.ID,
	}
	if b := md.BeforeDelete; b != nil && b.Author != nil {
		del.AuthorID = b.Author.ID
		del.AuthorDisplay = displayName(b.Author, b.Member)
	}
	a.Publish(del)
}

func (a *Adapter) onReactionAdd(_ *discordgo.Session, ra *discordgo.MessageReactionAdd) {
	if ra.MessageReaction == nil {
		return
	}
	display := ""
	if ra.Member != nil && ra.Member.User != nil {
		display = displayName(ra.Member.User, ra.Member)
	}
	a.publishReaction(ra.MessageReaction, display, false)
}

func (a *Adapter) onReactionRemove(_ *discordgo.Session, rr *discordgo.MessageReactionRemove) {
	if rr.MessageReaction == nil {
		return
	}
	a.publishReaction(rr.MessageReaction, "", true)
}

// publishReaction relays unicode reactions by other users. Custom emoji
// have no meaning off the platform and are dropped.
func (a *Adapter) publishReaction(r *discordgo.MessageReaction, display string, remove bool) {
	if r.UserID == a.selfID() || r.Emoji.ID != "" || r.Emoji.Name == "" || !a.mapped(r.ChannelID) {
		return
	}
	a.Publish(&event.ReactionIn{
		Origin:        event.Discord,
		Channel:       r.ChannelID,
		MessageID:     r.MessageID,
		Emoji:         variationselector.FullyQualify(r.Emoji.Name),
		AuthorID:      r.UserID,
		AuthorDisplay: display,
		Raw:           event.Raw{Origin: event.Discord, IsRemove: remove},
	})
}

func (a *Adapter) onTypingStart(_ *discordgo.Session, ts *discordgo.TypingStart) {
	if ts.UserID == a.selfID() || !a.mapped(ts.ChannelID) {
		return
	}
	a.Publish(&event.TypingIn{
		Origin:  event.Discord,
		Channel: ts.ChannelID,
		UserID:  ts.UserID,
	})
}
