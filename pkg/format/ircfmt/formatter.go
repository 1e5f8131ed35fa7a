// Copyright 2024-2026 Aiku AI

// Package ircfmt converts IRC control-code formatting to Discord markdown and
// splits long lines into protocol-sized chunks.
package ircfmt

import (
	"regexp"
	"strings"
)

// IRC formatting control codes.
const (
	Bold          = '\x02'
	Color         = '\x03'
	HexColor      = '\x04'
	Reset         = '\x0f'
	Monospace     = '\x11'
	Reverse       = '\x16'
	Italic        = '\x1d'
	Strikethrough = '\x1e'
	Underline     = '\x1f'
)

var (
	colorRe    = regexp.MustCompile(`^\x03(\d{1,2}(,\d{1,2})?)?`)
	hexColorRe = regexp.MustCompile(`^\x04([0-9A-Fa-f]{6}(,[0-9A-Fa-f]{6})?)?`)
	urlRe      = regexp.MustCompile(`^https?://[^\s\x02\x03\x04\x0f\x11\x16\x1d\x1e\x1f]+`)
)

var markers = map[rune]string{
	Bold:          "**",
	Italic:        "*",
	Underline:     "__",
	Strikethrough: "~~",
	Monospace:     "`",
}

// ToMarkdown converts control-code formatting to markdown: "\x02bold\x02"
// becomes "**bold**". Colors and reverse video are dropped. Spans left open
// at the end of the line are closed.
func ToMarkdown(text string) string {
	if !strings.ContainsAny(text, "\x02\x03\x04\x0f\x11\x16\x1d\x1e\x1f") {
		return text
	}

	var b strings.Builder
	var stack []rune
	// pending holds styles opened but not yet followed by text, so empty
	// spans like "\x02\x02" vanish instead of becoming "****".
	var pending []rune

	open := func(code rune) {
		pending = append(pending, code)
	}
	flush := func() {
		for _, c := range pending {
			b.WriteString(markers[c])
			stack = append(stack, c)
		}
		pending = pending[:0]
	}
	closeStyle := func(code rune) {
		for i, c := range pending {
			if c == code {
				pending = append(pending[:i], pending[i+1:]...)
				return
			}
		}
		idx := -1
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i] == code {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		// Close inner spans, close code, then reopen the inner ones.
		inner := append([]rune(nil), stack[idx+1:]...)
		for i := len(stack) - 1; i >= idx; i-- {
			b.WriteString(markers[stack[i]])
		}
		stack = stack[:idx]
		pending = append(inner, pending...)
	}
	active := func(code rune) bool {
		for _, c := range stack {
			if c == code {
				return true
			}
		}
		for _, c := range pending {
			if c == code {
				return true
			}
		}
		return false
	}
	closeAll := func() {
		pending = pending[:0]
		for i := len(stack) - 1; i >= 0; i-- {
			b.WriteString(markers[stack[i]])
		}
		stack = stack[:0]
	}

	for i := 0; i < len(text); {
		if text[i] == 'h' {
			if u := urlRe.FindString(text[i:]); u != "" {
				flush()
				b.WriteString(u)
				i += len(u)
				continue
			}
		}
		c := rune(text[i])
		switch c {
		case Bold, Italic, Underline, Strikethrough, Monospace:
			if active(c) {
				closeStyle(c)
			} else {
				open(c)
			}
			i++
		case Color:
			i += len(colorRe.FindString(text[i:]))
		case HexColor:
			i += len(hexColorRe.FindString(text[i:]))
		case Reverse:
			i++
		case Reset:
			closeAll()
			i++
		default:
			flush()
			b.WriteByte(text[i])
			i++
		}
	}
	closeAll()
	return b.String()
}

// Strip removes every formatting control code.
func Strip(text string) string {
	if !strings.ContainsAny(text, "\x02\x03\x04\x0f\x11\x16\x1d\x1e\x1f") {
		return text
	}
	var b strings.Builder
	for i := 0; i < len(text); {
		switch text[i] {
		case Color:
			i += len(colorRe.FindString(text[i:]))
		case HexColor:
			i += len(hexColorRe.FindString(text[i:]))
		case Bold, Italic, Underline, Strikethrough, Monospace, Reverse, Reset:
			i++
		default:
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// Action wraps text as a CTCP ACTION.
func Action(text string) string {
	return "\x01ACTION " + text + "\x01"
}

// ParseAction reports whether text is a CTCP ACTION and returns its body.
func ParseAction(text string) (string, bool) {
	if !strings.HasPrefix(text, "\x01ACTION ") {
		return text, false
	}
	body := strings.TrimPrefix(text, "\x01ACTION ")
	return strings.TrimSuffix(body, "\x01"), true
}
