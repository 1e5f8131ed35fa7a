// Copyright 2024-2026 Aiku AI

// Package identity resolves a user on one network to the same person's
// accounts on the others, through an external HTTP identity service.
package identity

import (
	"context"
	"strings"
	"sync"
)

// Identity is a linked account set. Fields are empty when the user has no
// account on that network.
type Identity struct {
	UserID    string `json:"user_id"`
	DiscordID string `json:"discord_id"`
	IRCNick   string `json:"irc_nick"`
	XMPPJID   string `json:"xmpp_jid"`
}

// XMPPLocal returns the local part of XMPPJID.
func (i *Identity) XMPPLocal() string {
	if i == nil || i.XMPPJID == "" {
		return ""
	}
	local, _, found := strings.Cut(i.XMPPJID, "@")
	if !found {
		return ""
	}
	return local
}

// Resolver looks identities up. A nil Identity with a nil error means the
// user is not linked.
type Resolver interface {
	ByDiscord(ctx context.Context, discordID string) (*Identity, error)
	ByIRC(ctx context.Context, nick, server string) (*Identity, error)
	ByXMPP(ctx context.Context, jid string) (*Identity, error)
}

// Observer is implemented by resolvers that learn display names from
// traffic. Adapters call it before resolving when available.
type Observer interface {
	Observe(discordID, display string)
}

// Nop resolves nobody. It is used when no identity service is configured.
type Nop struct{}

func (Nop) ByDiscord(context.Context, string) (*Identity, error)     { return nil, nil }
func (Nop) ByIRC(context.Context, string, string) (*Identity, error) { return nil, nil }
func (Nop) ByXMPP(context.Context, string) (*Identity, error)        { return nil, nil }

// DevResolver is an in-memory resolver for local development: every D user
// it has seen maps to an IRC nick and an XMPP local part equal to their
// display name.
type DevResolver struct {
	mu      sync.RWMutex
	domain  string
	display map[string]string
}

// NewDevResolver creates a DevResolver minting XMPP JIDs under domain.
func NewDevResolver(domain string) *DevResolver {
	return &DevResolver{domain: domain, display: make(map[string]string)}
}

func (d *DevResolver) Observe(discordID, display string) {
	if discordID == "" || display == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.display[discordID] = display
}

func (d *DevResolver) ByDiscord(_ context.Context, discordID string) (*Identity, error) {
	d.mu.RLock()
	name, ok := d.display[discordID]
	d.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	id := &Identity{UserID: discordID, DiscordID: discordID, IRCNick: name}
	if d.domain != "" {
		id.XMPPJID = strings.ToLower(strings.ReplaceAll(name, " ", "_")) + "@" + d.domain
	}
	return id, nil
}

func (d *DevResolver) ByIRC(context.Context, string, string) (*Identity, error) { return nil, nil }
func (d *DevResolver) ByXMPP(context.Context, string) (*Identity, error)        { return nil, nil }
