// Copyright 2024-2026 Aiku AI

package irc

import (
	"strings"

	"github.com/aiku/tribridge/pkg/event"
)

// maxRelayNick bounds a spoofed nick in bytes, separator suffix included.
const maxRelayNick = 30

func nickByteAllowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("_-[]\\^{}|`", c) >= 0
}

// SanitizeNick maps display to a nick RELAYMSG accepts: every byte outside
// the nick alphabet becomes '-', a leading digit or dash is prefixed with
// '_', and the result is cut to fit maxRelayNick together with suffix.
func SanitizeNick(display, suffix string) string {
	var b strings.Builder
	dash := false
	for i := 0; i < len(display); i++ {
		c := display[i]
		if nickByteAllowed(c) {
			b.WriteByte(c)
			dash = c == '-'
			continue
		}
		// One dash per run of disallowed bytes, so multi-byte runes do not
		// turn into a row of dashes.
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	nick := strings.Trim(b.String(), "-")
	if nick == "" {
		nick = "user"
	}
	if c := nick[0]; c >= '0' && c <= '9' {
		nick = "_" + nick
	}
	if room := maxRelayNick - len(suffix); len(nick) > room {
		nick = nick[:room]
	}
	return nick + suffix
}

// relaySuffix returns the separator segment for origin, "/d" or "/x", or ""
// when neither the server nor the configuration asks for one.
func relaySuffix(serverSep string, force bool, origin event.Network) string {
	sep := ""
	switch {
	case serverSep != "":
		sep = serverSep[:1]
	case force:
		sep = "/"
	default:
		return ""
	}
	switch origin {
	case event.Discord:
		return sep + "d"
	case event.XMPP:
		return sep + "x"
	default:
		return sep + string(origin)
	}
}
