// Copyright 2024-2026 Aiku AI

package irc

import (
	"crypto/tls"
	"log"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/rs/zerolog"

	"github.com/aiku/tribridge/pkg/router"
)

// client is the part of *ircevent.Connection the adapter drives.
type client interface {
	Connect() error
	Quit()
	Send(command string, params ...string) error
	SendWithTags(tags map[string]string, command string, params ...string) error
	SendRaw(line string) error
	CurrentNick() string
	AcknowledgedCaps() map[string]string
}

var _ client = (*ircevent.Connection)(nil)

// Capabilities requested on every connection. Client tags such as
// +draft/react travel under message-tags.
var requestCaps = []string{
	capMessageTags,
	"server-time",
	capEchoMessage,
	capRelaymsg,
	capRelaymsgAlt,
	capRedaction,
	"batch",
	"account-tag",
}

const (
	capMessageTags = "message-tags"
	capEchoMessage = "echo-message"
	capRelaymsg    = "draft/relaymsg"
	capRelaymsgAlt = "overdrivenetworks.com/relaymsg"
	capRedaction   = "draft/message-redaction"

	tagMsgID   = "msgid"
	tagReply   = "+draft/reply"
	tagReact   = "+draft/react"
	tagUnreact = "+draft/unreact"
	tagTyping  = "+typing"
	tagAccount = "account"
)

// relaymsgTags name the relayer on a RELAYMSG echo, depending on the ircd.
var relaymsgTags = []string{"draft/relaymsg", "relaymsg", "overdrivenetworks.com/relaymsg"}

// dialer builds an unconnected client for nick on target.
type dialer func(target router.IRCTarget, nick string) client

type credentials struct {
	password     string
	saslUser     string
	saslPassword string
}

func newConnection(target router.IRCTarget, nick string, creds credentials, logger zerolog.Logger) *ircevent.Connection {
	conn := &ircevent.Connection{
		Server:      target.Addr(),
		Nick:        nick,
		User:        nick,
		RealName:    nick,
		Password:    creds.password,
		RequestCaps: requestCaps,
		UseTLS:      target.TLS,
		Timeout:     30 * time.Second,
		KeepAlive:   4 * time.Minute,
		Log:         log.New(logger.With().Str("component", "ircevent").Logger(), "", 0),
	}
	if target.TLS {
		conn.TLSConfig = &tls.Config{ServerName: target.Server, MinVersion: tls.VersionTLS12}
	}
	if creds.saslUser != "" {
		conn.UseSASL = true
		conn.SASLMech = "PLAIN"
		conn.SASLLogin = creds.saslUser
		conn.SASLPassword = creds.saslPassword
	}
	return conn
}

func nickOf(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

func isChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}

func hasCap(c client, name string) bool {
	_, ok := c.AcknowledgedCaps()[name]
	return ok
}

// relaymsgSeparator reports whether RELAYMSG was negotiated and the
// separator the server requires in spoofed nicks, if any.
func relaymsgSeparator(c client) (string, bool) {
	caps := c.AcknowledgedCaps()
	for _, name := range []string{capRelaymsg, capRelaymsgAlt} {
		if v, ok := caps[name]; ok {
			return v, true
		}
	}
	return "", false
}
