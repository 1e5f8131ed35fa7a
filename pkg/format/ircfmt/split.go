// Copyright 2024-2026 Aiku AI

package ircfmt

import (
	"strings"
	"unicode/utf8"
)

// DefaultSplitLimit keeps a PRIVMSG or RELAYMSG line, with tags and prefix,
// under the 512 byte protocol limit.
const DefaultSplitLimit = 450

// Split cuts text into chunks of at most limit bytes. A chunk never ends
// inside a multi-byte character, ends after a newline when the text has one,
// and otherwise breaks after the last space that fits. Concatenating the
// chunks yields text exactly, so separators stay at the end of their chunk.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit < utf8.UTFMax {
		limit = utf8.UTFMax
	}
	var out []string
	for len(text) > 0 {
		end := len(text)
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			end = nl + 1
		}
		if end <= limit {
			out = append(out, text[:end])
			text = text[end:]
			continue
		}
		cut := limit
		for cut > limit-utf8.UTFMax+1 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if !utf8.RuneStart(text[cut]) {
			// Invalid UTF-8: no character to protect.
			cut = limit
		}
		if sp := strings.LastIndexByte(text[:cut], ' '); sp > 0 {
			cut = sp + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// Lines returns the sendable form of chunks: line terminators trimmed and
// blank chunks dropped.
func Lines(chunks []string) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c = strings.TrimRight(c, "\r\n")
		if c == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
