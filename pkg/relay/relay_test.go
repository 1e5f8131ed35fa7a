// Copyright 2024-2026 Aiku AI

package relay

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/tribridge/pkg/bus"
	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/router"
)

// capture records the outbound events addressed to one network.
type capture struct {
	network event.Network
	mu      sync.Mutex
	got     []event.Event
}

func (c *capture) Accept(_ string, ev event.Event) bool {
	out, ok := ev.(event.Outbound)
	return ok && out.TargetNetwork() == c.network
}

func (c *capture) Push(_ string, ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
}

func (c *capture) events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.got...)
}

type staticFilters []string

func (s staticFilters) ContentFilters() []string { return s }

type harness struct {
	bus     *bus.Bus
	router  *router.Router
	relay   *Relay
	targets map[event.Network]*capture
}

func newHarness(t *testing.T, mappings []router.Mapping, filters FilterSource) *harness {
	t.Helper()
	b := bus.New(zerolog.Nop())
	r := router.New(zerolog.Nop())
	r.Load(mappings)
	h := &harness{bus: b, router: r, relay: New(zerolog.Nop(), b, r, filters), targets: map[event.Network]*capture{}}
	b.Subscribe(h.relay)
	for _, n := range event.Networks {
		c := &capture{network: n}
		h.targets[n] = c
		b.Subscribe(c)
	}
	return h
}

func seed() []router.Mapping {
	return []router.Mapping{{
		DChannel: "123",
		IRC:      &router.IRCTarget{Server: "i.example", Channel: "#t"},
		XMPP:     &router.XMPPTarget{MUC: "r@c"},
	}}
}

func TestDiscordMessageFansOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	require.NoError(t, h.bus.Publish("discord", &event.MessageIn{
		Origin: event.Discord, Channel: "123", Content: "hello", MessageID: "m1",
	}))

	assert.Empty(t, h.targets[event.Discord].events())

	irc := h.targets[event.IRC].events()
	require.Len(t, irc, 1)
	out := irc[0].(*event.MessageOut)
	assert.Equal(t, "i.example/#t", out.Channel)
	assert.Equal(t, "hello", out.Content)
	assert.Equal(t, "m1", out.MessageID)
	assert.Equal(t, event.Discord, out.Raw.Origin)

	x := h.targets[event.XMPP].events()
	require.Len(t, x, 1)
	assert.Equal(t, "r@c", x[0].(*event.MessageOut).Channel)
	assert.Equal(t, "hello", x[0].(*event.MessageOut).Content)
}

func TestIRCFormattingConverted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	require.NoError(t, h.bus.Publish("irc", &event.MessageIn{
		Origin: event.IRC, Channel: "i.example/#t", Content: "\x02bold\x02", MessageID: "m1",
	}))

	d := h.targets[event.Discord].events()
	require.Len(t, d, 1)
	assert.Equal(t, "**bold**", d[0].(*event.MessageOut).Content)
	assert.Equal(t, "123", d[0].(*event.MessageOut).Channel)

	x := h.targets[event.XMPP].events()
	require.Len(t, x, 1)
	assert.Equal(t, "\x02bold\x02", x[0].(*event.MessageOut).Content)
	assert.Empty(t, h.targets[event.IRC].events())
}

func TestDiscordMarkdownStrippedForIRC(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("discord", &event.MessageIn{
		Origin: event.Discord, Channel: "123", Content: "**bold** https://x.y/a_b_", MessageID: "m1",
	})
	irc := h.targets[event.IRC].events()
	require.Len(t, irc, 1)
	assert.Equal(t, "bold https://x.y/a_b_", irc[0].(*event.MessageOut).Content)
}

func TestNoEchoForAnyOrigin(t *testing.T) {
	t.Parallel()
	channels := map[event.Network]string{
		event.Discord: "123",
		event.IRC:     "i.example/#t",
		event.XMPP:    "r@c",
	}
	for _, origin := range event.Networks {
		t.Run(string(origin), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, seed(), nil)
			ch := channels[origin]
			_ = h.bus.Publish(string(origin), &event.MessageIn{Origin: origin, Channel: ch, Content: "x", MessageID: "1"})
			_ = h.bus.Publish(string(origin), &event.MessageDelete{Origin: origin, Channel: ch, MessageID: "1"})
			_ = h.bus.Publish(string(origin), &event.ReactionIn{Origin: origin, Channel: ch, MessageID: "1", Emoji: "👍"})
			_ = h.bus.Publish(string(origin), &event.TypingIn{Origin: origin, Channel: ch})

			assert.Empty(t, h.targets[origin].events(), "origin received relay output")
			for _, other := range origin.Others() {
				assert.Len(t, h.targets[other].events(), 4)
			}
		})
	}
}

func TestDeleteFansOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("irc", &event.MessageDelete{Origin: event.IRC, Channel: "i.example/#t", MessageID: "d-7"})

	d := h.targets[event.Discord].events()
	require.Len(t, d, 1)
	del := d[0].(*event.MessageDeleteOut)
	assert.Equal(t, "123", del.Channel)
	assert.Equal(t, "d-7", del.MessageID)
	assert.Equal(t, event.IRC, del.Raw.Origin)

	x := h.targets[event.XMPP].events()
	require.Len(t, x, 1)
	assert.Equal(t, "r@c", x[0].(*event.MessageDeleteOut).Channel)
	assert.Equal(t, "d-7", x[0].(*event.MessageDeleteOut).MessageID)
}

func TestReactionCarriesRemoveFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("xmpp", &event.ReactionIn{
		Origin: event.XMPP, Channel: "r@c", MessageID: "s-1", Emoji: "👍",
		AuthorDisplay: "ann", Raw: event.Raw{IsRemove: true},
	})
	d := h.targets[event.Discord].events()
	require.Len(t, d, 1)
	re := d[0].(*event.ReactionOut)
	assert.True(t, re.Raw.IsRemove)
	assert.Equal(t, event.XMPP, re.Raw.Origin)
	assert.Equal(t, "👍", re.Emoji)
}

func TestPartialMapping(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []router.Mapping{{DChannel: "1", IRC: &router.IRCTarget{Server: "s", Channel: "#a"}}}, nil)
	_ = h.bus.Publish("discord", &event.MessageIn{Origin: event.Discord, Channel: "1", Content: "x"})
	assert.Len(t, h.targets[event.IRC].events(), 1)
	assert.Empty(t, h.targets[event.XMPP].events())
}

func TestUnmappedChannelDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("discord", &event.MessageIn{Origin: event.Discord, Channel: "nope", Content: "x"})
	for _, n := range event.Networks {
		assert.Empty(t, h.targets[n].events())
	}
}

func TestContentFilter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), staticFilters{`(?i)^!secret`, `[invalid`})
	_ = h.bus.Publish("discord", &event.MessageIn{Origin: event.Discord, Channel: "123", Content: "!SECRET stuff"})
	assert.Empty(t, h.targets[event.IRC].events())
	_ = h.bus.Publish("discord", &event.MessageIn{Origin: event.Discord, Channel: "123", Content: "public"})
	assert.Len(t, h.targets[event.IRC].events(), 1)
}

type mutableFilters struct {
	mu sync.Mutex
	p  []string
}

func (m *mutableFilters) ContentFilters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p
}

func TestFiltersReloadOnConfigReload(t *testing.T) {
	t.Parallel()
	src := &mutableFilters{}
	h := newHarness(t, seed(), src)
	_ = h.bus.Publish("discord", &event.MessageIn{Origin: event.Discord, Channel: "123", Content: "spam"})
	require.Len(t, h.targets[event.IRC].events(), 1)

	src.mu.Lock()
	src.p = []string{"spam"}
	src.mu.Unlock()
	_ = h.bus.Publish("supervisor", &event.ConfigReload{})
	_ = h.bus.Publish("discord", &event.MessageIn{Origin: event.Discord, Channel: "123", Content: "spam"})
	assert.Len(t, h.targets[event.IRC].events(), 1)
}

func TestEditFlagsAndReplaceID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("discord", &event.MessageIn{
		Origin: event.Discord, Channel: "123", Content: "fixed", MessageID: "9001", IsEdit: true,
	})
	x := h.targets[event.XMPP].events()
	require.Len(t, x, 1)
	out := x[0].(*event.MessageOut)
	assert.True(t, out.Raw.IsEdit)
	assert.Equal(t, "9001", out.Raw.ReplaceID)

	_ = h.bus.Publish("xmpp", &event.MessageIn{
		Origin: event.XMPP, Channel: "r@c", Content: "fixed", MessageID: "new", IsEdit: true,
		Raw: event.Raw{ReplaceID: "orig"},
	})
	d := h.targets[event.Discord].events()
	require.Len(t, d, 1)
	assert.Equal(t, "orig", d[0].(*event.MessageOut).Raw.ReplaceID)
}

func TestReplyFallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("discord", &event.MessageIn{
		Origin: event.Discord, Channel: "123", Content: "agreed", MessageID: "2", ReplyToID: "1",
		Raw: event.Raw{ReplyQuotedAuthor: "bob", ReplyQuotedContent: "ship it\nsecond line"},
	})
	irc := h.targets[event.IRC].events()
	require.Len(t, irc, 1)
	assert.Equal(t, "> bob: ship it\nagreed", irc[0].(*event.MessageOut).Content)
	x := h.targets[event.XMPP].events()
	assert.Equal(t, "agreed", x[0].(*event.MessageOut).Content)

	_ = h.bus.Publish("xmpp", &event.MessageIn{
		Origin: event.XMPP, Channel: "r@c", Content: "> bob wrote\n> ship it\n\nagreed", MessageID: "3", ReplyToID: "1",
	})
	d := h.targets[event.Discord].events()
	require.Len(t, d, 1)
	assert.Equal(t, "agreed", d[0].(*event.MessageOut).Content)
	irc = h.targets[event.IRC].events()
	assert.Equal(t, "> bob wrote\n> ship it\n\nagreed", irc[1].(*event.MessageOut).Content, "already quoted")
}

func TestActions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("irc", &event.MessageIn{
		Origin: event.IRC, Channel: "i.example/#t", Content: "waves", MessageID: "1", IsAction: true,
	})
	d := h.targets[event.Discord].events()
	require.Len(t, d, 1)
	assert.Equal(t, "_waves_", d[0].(*event.MessageOut).Content)
	assert.True(t, d[0].(*event.MessageOut).Raw.IsAction)
	x := h.targets[event.XMPP].events()
	assert.Equal(t, "/me waves", x[0].(*event.MessageOut).Content)
}

func TestJoinPartQuitNotBridged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("irc", &event.Join{Origin: event.IRC, Channel: "i.example/#t", UserID: "n"})
	_ = h.bus.Publish("irc", &event.Part{Origin: event.IRC, Channel: "i.example/#t", UserID: "n"})
	_ = h.bus.Publish("irc", &event.Quit{Origin: event.IRC, UserID: "n"})
	for _, n := range event.Networks {
		assert.Empty(t, h.targets[n].events())
	}
}

func TestFanOutDoesNotShareRaw(t *testing.T) {
	t.Parallel()
	h := newHarness(t, seed(), nil)
	_ = h.bus.Publish("xmpp", &event.MessageIn{
		Origin: event.XMPP, Channel: "r@c", Content: "x", MessageID: "1",
		Raw: event.Raw{XMPPIDAliases: []string{"s-1"}},
	})
	d := h.targets[event.Discord].events()[0].(*event.MessageOut)
	i := h.targets[event.IRC].events()[0].(*event.MessageOut)
	d.Raw.XMPPIDAliases[0] = "mutated"
	assert.Equal(t, "s-1", i.Raw.XMPPIDAliases[0])
}
