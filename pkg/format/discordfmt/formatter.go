// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord-flavoured markdown to plain text for
// networks that render no markup.
package discordfmt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	codeBlockRe   = regexp.MustCompile("(?s)```(?:[A-Za-z0-9_+-]+\\n)?(.*?)```")
	codeRe        = regexp.MustCompile("`([^`\n]+)`")
	maskedLinkRe  = regexp.MustCompile(`\[([^\]\n]+)\]\(<?(https?://[^)\s>]+)>?\)`)
	angleURLRe    = regexp.MustCompile(`<(https?://[^>\s]+)>`)
	urlRe         = regexp.MustCompile(`https?://[^\s<>]+`)
	boldRe        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe   = regexp.MustCompile(`__(.+?)__`)
	italicStarRe  = regexp.MustCompile(`\*([^*\s](?:[^*]*[^*\s])?)\*`)
	italicUnderRe = regexp.MustCompile(`(^|[^A-Za-z0-9_])_([^_\s](?:[^_]*[^_\s])?)_($|[^A-Za-z0-9_])`)
	strikeRe      = regexp.MustCompile(`~~(.+?)~~`)
	headingRe     = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	subtextRe     = regexp.MustCompile(`(?m)^-#\s+(.+)$`)
	escapeRe      = regexp.MustCompile(`\\([*_~|` + "`" + `>#\\])`)
	spoilerRe     = regexp.MustCompile(`\|\|(.+?)\|\|`)
	customEmojiRe = regexp.MustCompile(`<a?:([A-Za-z0-9_]+):\d+>`)
)

// protector swaps spans that must survive formatting untouched for NUL
// delimited placeholders and restores them afterwards.
type protector struct {
	spans []string
}

func (p *protector) hide(s string) string {
	idx := len(p.spans)
	p.spans = append(p.spans, s)
	return "\x00" + strconv.Itoa(idx) + "\x00"
}

func (p *protector) restore(s string) string {
	for i := len(p.spans) - 1; i >= 0; i-- {
		s = strings.Replace(s, "\x00"+strconv.Itoa(i)+"\x00", p.spans[i], 1)
	}
	return s
}

// ToPlain strips markdown emphasis so "**bold**" becomes "bold". Code spans
// keep their content verbatim, masked links become "text (url)" and bare
// URLs are never altered. Spoiler bars are kept.
func ToPlain(text string) string {
	if text == "" {
		return ""
	}
	var p protector

	// Code first: its content is literal.
	out := codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := codeBlockRe.FindStringSubmatch(m)
		return p.hide(strings.TrimSuffix(parts[1], "\n"))
	})
	out = codeRe.ReplaceAllStringFunc(out, func(m string) string {
		return p.hide(codeRe.FindStringSubmatch(m)[1])
	})

	out = maskedLinkRe.ReplaceAllStringFunc(out, func(m string) string {
		parts := maskedLinkRe.FindStringSubmatch(m)
		label := parts[1]
		if label == parts[2] {
			return p.hide(parts[2])
		}
		return label + " (" + p.hide(parts[2]) + ")"
	})
	out = angleURLRe.ReplaceAllStringFunc(out, func(m string) string {
		return p.hide(angleURLRe.FindStringSubmatch(m)[1])
	})
	out = urlRe.ReplaceAllStringFunc(out, p.hide)

	out = customEmojiRe.ReplaceAllString(out, ":$1:")

	// Escaped markup characters are literal.
	out = escapeRe.ReplaceAllStringFunc(out, func(m string) string {
		return p.hide(m[1:])
	})

	out = headingRe.ReplaceAllString(out, "$1")
	out = subtextRe.ReplaceAllString(out, "$1")
	out = boldRe.ReplaceAllString(out, "$1")
	out = underlineRe.ReplaceAllString(out, "$1")
	out = strikeRe.ReplaceAllString(out, "$1")
	out = italicStarRe.ReplaceAllString(out, "$1")
	// Adjacent spans share a boundary character, so repeat until stable.
	for range 4 {
		next := italicUnderRe.ReplaceAllString(out, "$1$2$3")
		if next == out {
			break
		}
		out = next
	}

	return p.restore(out)
}

// HasSpoiler reports whether text contains a ||spoiler|| span.
func HasSpoiler(text string) bool {
	return spoilerRe.MatchString(text)
}

// StripSpoilers removes the spoiler bars, keeping the hidden text.
func StripSpoilers(text string) string {
	return spoilerRe.ReplaceAllString(text, "$1")
}

// CustomEmojiToText turns <:name:id> into :name: without touching the rest.
func CustomEmojiToText(text string) string {
	return customEmojiRe.ReplaceAllString(text, ":$1:")
}

// Italic wraps text for display as an action. Empty input stays empty.
func Italic(text string) string {
	if text == "" {
		return ""
	}
	return "_" + text + "_"
}
