// Copyright 2024-2026 Aiku AI

// Package router maps logical rooms to their per-network addresses.
//
// A logical room is keyed by its D channel id. Each configuration generation
// is an immutable [Table]; [Router.Load] swaps in a new one atomically so
// readers always see a consistent snapshot.
package router

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aiku/tribridge/pkg/event"
)

// DefaultIRCPort is used when a mapping omits irc.port.
const DefaultIRCPort = 6697

// IRCTarget addresses a channel on an IRC server.
type IRCTarget struct {
	Server  string `yaml:"server"`
	Port    int    `yaml:"port"`
	TLS     bool   `yaml:"tls"`
	Channel string `yaml:"channel"`
}

// Addr returns host:port for dialing.
func (t *IRCTarget) Addr() string {
	return t.Server + ":" + strconv.Itoa(t.Port)
}

// XMPPTarget addresses a MUC.
type XMPPTarget struct {
	MUC string `yaml:"muc_jid"`
}

// Mapping is one logical room.
type Mapping struct {
	DChannel string      `yaml:"d_channel_id"`
	IRC      *IRCTarget  `yaml:"irc,omitempty"`
	XMPP     *XMPPTarget `yaml:"xmpp,omitempty"`
}

// IRCAddress returns "<server>/<channel>", or "" when the room has no I side.
func (m *Mapping) IRCAddress() string {
	if m.IRC == nil {
		return ""
	}
	return IRCAddress(m.IRC.Server, m.IRC.Channel)
}

// Address returns the room's address on n.
func (m *Mapping) Address(n event.Network) (string, bool) {
	switch n {
	case event.Discord:
		return m.DChannel, m.DChannel != ""
	case event.IRC:
		if m.IRC == nil {
			return "", false
		}
		return m.IRCAddress(), true
	case event.XMPP:
		if m.XMPP == nil {
			return "", false
		}
		return m.XMPP.MUC, true
	default:
		return "", false
	}
}

// IRCAddress builds the I lookup key for a channel on a server.
func IRCAddress(server, channel string) string {
	return strings.ToLower(server) + "/" + strings.ToLower(channel)
}

func (m *Mapping) validate() error {
	if strings.TrimSpace(m.DChannel) == "" {
		return fmt.Errorf("missing d_channel_id")
	}
	if m.IRC != nil {
		if m.IRC.Server == "" {
			return fmt.Errorf("irc.server is required")
		}
		if !strings.HasPrefix(m.IRC.Channel, "#") && !strings.HasPrefix(m.IRC.Channel, "&") {
			return fmt.Errorf("irc.channel %q must start with #", m.IRC.Channel)
		}
		if m.IRC.Port < 0 || m.IRC.Port > 65535 {
			return fmt.Errorf("irc.port %d out of range", m.IRC.Port)
		}
	}
	if m.XMPP != nil && !strings.Contains(m.XMPP.MUC, "@") {
		return fmt.Errorf("xmpp.muc_jid %q is not a bare JID", m.XMPP.MUC)
	}
	return nil
}

// Table is one immutable configuration generation.
type Table struct {
	all    []*Mapping
	byD    map[string]*Mapping
	byIRC  map[string]*Mapping
	byXMPP map[string]*Mapping
}

// All returns every mapping in configuration order.
func (t *Table) All() []*Mapping {
	return t.all
}

// Len reports the number of valid mappings.
func (t *Table) Len() int {
	return len(t.all)
}

// Router serves lookups against the current Table.
type Router struct {
	log zerolog.Logger
	cur atomic.Pointer[Table]
}

// New creates an empty router.
func New(log zerolog.Logger) *Router {
	r := &Router{log: log.With().Str("component", "router").Logger()}
	r.cur.Store(buildTable(nil))
	return r
}

func buildTable(ms []*Mapping) *Table {
	t := &Table{
		all:    ms,
		byD:    make(map[string]*Mapping, len(ms)),
		byIRC:  make(map[string]*Mapping, len(ms)),
		byXMPP: make(map[string]*Mapping, len(ms)),
	}
	for _, m := range ms {
		t.byD[m.DChannel] = m
		if m.IRC != nil {
			t.byIRC[m.IRCAddress()] = m
		}
		if m.XMPP != nil {
			t.byXMPP[strings.ToLower(m.XMPP.MUC)] = m
		}
	}
	return t
}

// Load validates mappings and atomically replaces the router contents.
// Invalid or duplicate entries are skipped with a warning. It returns the
// number of mappings loaded.
func (r *Router) Load(mappings []Mapping) int {
	seenD := make(map[string]bool, len(mappings))
	seenIRC := make(map[string]bool, len(mappings))
	seenXMPP := make(map[string]bool, len(mappings))
	valid := make([]*Mapping, 0, len(mappings))
	for i := range mappings {
		m := mappings[i]
		if m.IRC != nil {
			irc := *m.IRC
			if irc.Port == 0 {
				irc.Port = DefaultIRCPort
			}
			m.IRC = &irc
		}
		if m.XMPP != nil {
			x := *m.XMPP
			m.XMPP = &x
		}
		if err := m.validate(); err != nil {
			r.log.Warn().Err(err).Int("index", i).Msg("Ignoring invalid mapping")
			continue
		}
		if seenD[m.DChannel] {
			r.log.Warn().Int("index", i).Str("d_channel_id", m.DChannel).Msg("Ignoring duplicate mapping")
			continue
		}
		if m.IRC != nil && seenIRC[m.IRCAddress()] {
			r.log.Warn().Int("index", i).Str("irc", m.IRCAddress()).Msg("Ignoring mapping reusing an IRC channel")
			continue
		}
		if m.XMPP != nil && seenXMPP[strings.ToLower(m.XMPP.MUC)] {
			r.log.Warn().Int("index", i).Str("muc", m.XMPP.MUC).Msg("Ignoring mapping reusing a MUC")
			continue
		}
		seenD[m.DChannel] = true
		if m.IRC != nil {
			seenIRC[m.IRCAddress()] = true
		}
		if m.XMPP != nil {
			seenXMPP[strings.ToLower(m.XMPP.MUC)] = true
		}
		valid = append(valid, &m)
	}
	r.cur.Store(buildTable(valid))
	r.log.Info().Int("mappings", len(valid)).Int("skipped", len(mappings)-len(valid)).Msg("Loaded channel mappings")
	return len(valid)
}

// LoadNodes decodes each YAML node on its own so a badly shaped entry only
// loses itself, then calls Load.
func (r *Router) LoadNodes(nodes []yaml.Node) int {
	mappings := make([]Mapping, 0, len(nodes))
	for i := range nodes {
		var m Mapping
		if err := nodes[i].Decode(&m); err != nil {
			r.log.Warn().Err(err).Int("index", i).Msg("Ignoring malformed mapping")
			continue
		}
		mappings = append(mappings, m)
	}
	return r.Load(mappings)
}

// Snapshot returns the current generation.
func (r *Router) Snapshot() *Table {
	return r.cur.Load()
}

// All returns every mapping of the current generation.
func (r *Router) All() []*Mapping {
	return r.Snapshot().All()
}

func (r *Router) GetByD(channelID string) (*Mapping, bool) {
	m, ok := r.Snapshot().byD[channelID]
	return m, ok
}

func (r *Router) GetByIRC(server, channel string) (*Mapping, bool) {
	return r.GetByIRCAddress(IRCAddress(server, channel))
}

// GetByIRCAddress looks up "<server>/<channel>" case-insensitively.
func (r *Router) GetByIRCAddress(addr string) (*Mapping, bool) {
	m, ok := r.Snapshot().byIRC[strings.ToLower(addr)]
	return m, ok
}

func (r *Router) GetByXMPP(muc string) (*Mapping, bool) {
	m, ok := r.Snapshot().byXMPP[strings.ToLower(muc)]
	return m, ok
}

// Resolve finds the room an inbound event's channel belongs to. I channels
// are addressed as "<server>/<channel>" and fall back to a D channel id.
func (r *Router) Resolve(origin event.Network, channel string) (*Mapping, bool) {
	switch origin {
	case event.IRC:
		if m, ok := r.GetByIRCAddress(channel); ok {
			return m, true
		}
		return r.GetByD(channel)
	case event.XMPP:
		if m, ok := r.GetByXMPP(channel); ok {
			return m, true
		}
		return r.GetByD(channel)
	default:
		return r.GetByD(channel)
	}
}
