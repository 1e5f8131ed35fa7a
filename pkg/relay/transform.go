// Copyright 2024-2026 Aiku AI

package relay

import (
	"strings"
	"unicode/utf8"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/format/discordfmt"
	"github.com/aiku/tribridge/pkg/format/ircfmt"
)

// quoteLimit bounds the quoted line of a reply fallback into I.
const quoteLimit = 100

// transform converts in's content for target.
func transform(in *event.MessageIn, target event.Network) string {
	content := in.Content
	switch {
	case in.Origin == event.Discord && target == event.IRC:
		content = discordfmt.ToPlain(content)
	case in.Origin == event.Discord && target == event.XMPP:
		content = discordfmt.CustomEmojiToText(content)
	case in.Origin == event.IRC && target == event.Discord:
		content = ircfmt.ToMarkdown(content)
	}

	if target == event.Discord && in.ReplyToID != "" {
		content = StripReplyFallback(content)
	}

	action := in.IsAction || in.Raw.IsAction
	if action {
		switch target {
		case event.Discord:
			content = discordfmt.Italic(content)
		case event.XMPP:
			content = "/me " + content
		}
	}

	if target == event.IRC && !action {
		content = AddReplyFallback(content, in.Raw.ReplyQuotedAuthor, in.Raw.ReplyQuotedContent)
	}
	return content
}

// StripReplyFallback removes leading "> " quoted lines and one following
// blank line, the fallback I and X clients put in front of replies.
func StripReplyFallback(content string) string {
	lines := strings.Split(content, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return content
	}
	if i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		// Nothing but a quote: keep it rather than send an empty message.
		return content
	}
	return strings.Join(lines[i:], "\n")
}

// AddReplyFallback prepends "> author: first line" when there is quote
// context and content does not already start with a quote.
func AddReplyFallback(content, author, quoted string) string {
	if quoted == "" || strings.HasPrefix(content, ">") {
		return content
	}
	first, _, _ := strings.Cut(quoted, "\n")
	first = truncateRunes(strings.TrimSpace(first), quoteLimit)
	if first == "" {
		return content
	}
	prefix := "> " + first
	if author != "" {
		prefix = "> " + author + ": " + first
	}
	return prefix + "\n" + content
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
