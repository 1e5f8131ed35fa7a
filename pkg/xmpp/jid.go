// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"strings"
)

// XEP-0106 escapes for characters not allowed in a local part.
var jidEscaper = strings.NewReplacer(
	`\`, `\5c`,
	" ", `\20`,
	`"`, `\22`,
	"&", `\26`,
	"'", `\27`,
	"/", `\2f`,
	":", `\3a`,
	"<", `\3c`,
	">", `\3e`,
	"@", `\40`,
)

// escapeLocal turns a display name into a JID local part.
func escapeLocal(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "user"
	}
	return jidEscaper.Replace(name)
}

func bare(jid string) string {
	b, _, _ := strings.Cut(jid, "/")
	return strings.ToLower(b)
}

func resource(jid string) string {
	_, r, _ := strings.Cut(jid, "/")
	return r
}

func local(jid string) string {
	l, _, ok := strings.Cut(bare(jid), "@")
	if !ok {
		return ""
	}
	return l
}

func domain(jid string) string {
	b := bare(jid)
	if _, d, ok := strings.Cut(b, "@"); ok {
		return d
	}
	return b
}

// baseDomain drops the service label of a MUC host: muc.example.org
// becomes example.org.
func baseDomain(host string) string {
	if strings.Count(host, ".") < 2 {
		return host
	}
	_, rest, _ := strings.Cut(host, ".")
	return rest
}
