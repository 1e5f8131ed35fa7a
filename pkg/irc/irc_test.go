// Copyright 2024-2026 Aiku AI

package irc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/identity"
	"github.com/aiku/tribridge/pkg/idtrack"
	"github.com/aiku/tribridge/pkg/router"
)

const addr = "i.example/#t"

type line struct {
	at      time.Time
	tags    map[string]string
	command string
	params  []string
}

type fakeClient struct {
	mu         sync.Mutex
	nick       string
	caps       map[string]string
	lines      []line
	connectErr error
	connects   int
	quits      int
	// failSend fails every send whose text contains it.
	failSend string
	// connectGate, when set, holds Connect until it is closed.
	connectGate chan struct{}
}

func (f *fakeClient) Connect() error {
	if f.connectGate != nil {
		<-f.connectGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeClient) Quit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quits++
}

func (f *fakeClient) Send(command string, params ...string) error {
	return f.SendWithTags(nil, command, params...)
}

func (f *fakeClient) SendWithTags(tags map[string]string, command string, params ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var copied map[string]string
	if tags != nil {
		copied = make(map[string]string, len(tags))
		for k, v := range tags {
			copied[k] = v
		}
	}
	if f.failSend != "" && len(params) > 0 && strings.Contains(params[len(params)-1], f.failSend) {
		return errors.New("write: broken pipe")
	}
	f.lines = append(f.lines, line{at: time.Now(), tags: copied, command: command, params: params})
	return nil
}

func (f *fakeClient) SendRaw(raw string) error {
	return f.SendWithTags(nil, "RAW", raw)
}

func (f *fakeClient) CurrentNick() string {
	return f.nick
}

func (f *fakeClient) AcknowledgedCaps() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.caps))
	for k, v := range f.caps {
		out[k] = v
	}
	return out
}

func (f *fakeClient) sent(command string) []line {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []line
	for _, l := range f.lines {
		if l.command == command {
			out = append(out, l)
		}
	}
	return out
}

type published struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *published) Publish(_ string, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *published) all() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.events...)
}

type harness struct {
	a       *Adapter
	main    *fakeClient
	puppets []*fakeClient
	pub     *published
	ids     *idtrack.Set
	router  *router.Router
	srv     *server
}

func baseCaps() map[string]string {
	return map[string]string{capMessageTags: "", capEchoMessage: "", capRedaction: ""}
}

func newHarness(t *testing.T, cfg Config, resolver identity.Resolver) *harness {
	t.Helper()
	h := &harness{pub: &published{}, ids: idtrack.NewSet(100, time.Hour)}
	h.router = router.New(zerolog.Nop())
	require.Equal(t, 1, h.router.Load([]router.Mapping{{
		DChannel: "123",
		IRC:      &router.IRCTarget{Server: "i.example", Channel: "#t"},
		XMPP:     &router.XMPPTarget{MUC: "r@c"},
	}}))
	var mu sync.Mutex
	dial := func(_ router.IRCTarget, nick string) client {
		mu.Lock()
		defer mu.Unlock()
		c := &fakeClient{nick: nick, caps: baseCaps()}
		if h.main == nil {
			h.main = c
		} else {
			h.puppets = append(h.puppets, c)
		}
		return c
	}
	if cfg.Nick == "" {
		cfg.Nick = "tribridge"
	}
	if cfg.ThrottleLimit == 0 {
		cfg.ThrottleLimit = 1000
	}
	h.a = New(cfg, h.pub, h.router, h.ids, resolver, zerolog.Nop(), WithDialer(dial))
	srv, ok := h.a.server("i.example")
	require.True(t, ok)
	h.srv = srv
	return h
}

func msg(tags map[string]string, source, command string, params ...string) ircmsg.Message {
	return ircmsg.MakeMessage(tags, source, command, params...)
}

func (h *harness) handle(ev event.Event) {
	h.a.handle(context.Background(), ev)
}

func outFromDiscord(id, content string) *event.MessageOut {
	return &event.MessageOut{
		Target:        event.IRC,
		Channel:       addr,
		AuthorID:      "42",
		AuthorDisplay: "alice",
		Content:       content,
		MessageID:     id,
		Raw:           event.Raw{Origin: event.Discord},
	}
}

// Our own echo correlates the pending send and is not published.
func TestOwnEchoCorrelates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.handle(outFromDiscord("d-7", "hello"))

	h.a.onPrivmsg(h.srv, msg(map[string]string{"msgid": "irc-99"}, "tribridge!b@host", "PRIVMSG", "#t", "<alice> hello"), false)

	d, ok := h.ids.IRC.GetD("irc-99")
	require.True(t, ok)
	assert.Equal(t, "d-7", d)
	assert.Empty(t, h.pub.all())
	assert.Zero(t, h.a.pending.len(addr))
}

// A send that never reaches the wire leaves no pending entry behind, so the
// next message's echo is credited to the next message.
func TestFailedSendDoesNotShiftCorrelation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.main.mu.Lock()
	h.main.failSend = "boom"
	h.main.mu.Unlock()

	h.handle(outFromDiscord("d-fail", "boom"))
	assert.Zero(t, h.a.pending.len(addr))
	h.handle(outFromDiscord("d-ok", "fine"))

	h.a.onPrivmsg(h.srv, msg(map[string]string{"msgid": "irc-ok"}, "tribridge!b@host", "PRIVMSG", "#t", "<alice> fine"), false)

	d, ok := h.ids.IRC.GetD("irc-ok")
	require.True(t, ok)
	assert.Equal(t, "d-ok", d)
	_, ok = h.ids.IRC.GetD("irc-fail")
	assert.False(t, ok)
	assert.Zero(t, h.a.pending.len(addr))
}

// The echo of a correction aliases the original; deletes and reactions on
// the D message keep targeting the line first bridged.
func TestEditEchoKeepsOriginalTarget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RedactEnabled: true}, nil)
	h.ids.IRC.Store("irc-orig", "d-1")
	out := outFromDiscord("d-1", "fixed")
	out.Raw.IsEdit = true
	out.Raw.ReplaceID = "d-1"
	h.handle(out)

	h.a.onPrivmsg(h.srv, msg(map[string]string{"msgid": "irc-edit"}, "tribridge!b@host", "PRIVMSG", "#t", "<alice> * fixed"), false)

	got, ok := h.ids.IRC.GetIRC("d-1")
	require.True(t, ok)
	assert.Equal(t, "irc-orig", got)
	d, ok := h.ids.IRC.GetD("irc-edit")
	require.True(t, ok)
	assert.Equal(t, "d-1", d)

	h.handle(&event.MessageDeleteOut{Target: event.IRC, Channel: addr, MessageID: "d-1", Raw: event.Raw{Origin: event.Discord}})
	redacts := h.main.sent("REDACT")
	require.Len(t, redacts, 1)
	assert.Equal(t, []string{"#t", "irc-orig"}, redacts[0].params)
}

func TestRedactPublishesCanonicalDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.ids.IRC.Store("irc-99", "d-7")
	h.a.onRedact(h.srv, msg(nil, "bob!b@host", "REDACT", "#t", "irc-99"))

	evs := h.pub.all()
	require.Len(t, evs, 1)
	del := evs[0].(*event.MessageDelete)
	assert.Equal(t, event.IRC, del.Origin)
	assert.Equal(t, "d-7", del.MessageID)
	assert.Equal(t, addr, del.Channel)
}

func TestPrivmsgIngress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.a.onPrivmsg(h.srv, msg(map[string]string{
		"msgid":        "m1",
		"+draft/reply": "m0",
		"account":      "bobacct",
	}, "bob!b@host", "PRIVMSG", "#T", "\x02hi\x02"), false)
	h.a.onPrivmsg(h.srv, msg(nil, "bob!b@host", "PRIVMSG", "#t", "\x01ACTION waves\x01"), false)
	h.a.onPrivmsg(h.srv, msg(nil, "bob!b@host", "PRIVMSG", "#elsewhere", "x"), false)
	h.a.onPrivmsg(h.srv, msg(nil, "bob!b@host", "PRIVMSG", "tribridge", "private"), false)

	evs := h.pub.all()
	require.Len(t, evs, 2)
	in := evs[0].(*event.MessageIn)
	assert.Equal(t, addr, in.Channel)
	assert.Equal(t, "bobacct", in.AuthorID)
	assert.Equal(t, "bob", in.AuthorDisplay)
	assert.Equal(t, "\x02hi\x02", in.Content)
	assert.Equal(t, "m1", in.MessageID)
	assert.Equal(t, "m0", in.ReplyToID)
	assert.Equal(t, "m1", in.Raw.Tags["msgid"])

	act := evs[1].(*event.MessageIn)
	assert.True(t, act.IsAction)
	assert.Equal(t, "waves", act.Content)
	assert.True(t, strings.HasPrefix(act.MessageID, "irc-"), "synthetic id when msgid is absent")
}

func TestRelaymsgEgressAndEcho(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.main.caps[capRelaymsg] = "/"
	h.handle(outFromDiscord("d-1", "hello"))

	relayed := h.main.sent("RELAYMSG")
	require.Len(t, relayed, 1)
	assert.Equal(t, []string{"#t", "alice/d", "hello"}, relayed[0].params)

	h.a.onPrivmsg(h.srv, msg(map[string]string{"msgid": "irc-1", "draft/relaymsg": "tribridge"},
		"alice/d!relay@host", "PRIVMSG", "#t", "hello"), false)
	d, ok := h.ids.IRC.GetD("irc-1")
	require.True(t, ok)
	assert.Equal(t, "d-1", d)
	assert.Empty(t, h.pub.all())
}

// Without a relayer tag the recent-send map still recognises the echo.
func TestRelaymsgEchoWithoutTag(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.main.caps[capRelaymsgAlt] = ""
	h.handle(outFromDiscord("d-1", "hello"))
	relayed := h.main.sent("RELAYMSG")
	require.Len(t, relayed, 1)
	assert.Equal(t, "alice", relayed[0].params[1])

	h.a.onPrivmsg(h.srv, msg(nil, "alice!relay@host", "PRIVMSG", "#t", "hello"), false)
	assert.Empty(t, h.pub.all())
}

func TestFallbackPrefixesAuthor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.handle(outFromDiscord("d-1", "line one\nline two"))
	out := &event.MessageOut{
		Target: event.IRC, Channel: addr, AuthorDisplay: "carol", Content: "waves",
		MessageID: "x-1", Raw: event.Raw{Origin: event.XMPP, IsAction: true},
	}
	h.handle(out)

	privs := h.main.sent("PRIVMSG")
	require.Len(t, privs, 3)
	assert.Equal(t, "<alice> line one", privs[0].params[1])
	assert.Equal(t, "<alice> line two", privs[1].params[1])
	assert.Equal(t, "\x01ACTION carol waves\x01", privs[2].params[1])
}

func TestEditPrefixed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.main.caps[capRelaymsg] = ""
	out := outFromDiscord("d-2", "fixed")
	out.Raw.IsEdit = true
	out.Raw.ReplaceID = "d-1"
	h.handle(out)
	relayed := h.main.sent("RELAYMSG")
	require.Len(t, relayed, 1)
	assert.Equal(t, "* fixed", relayed[0].params[2])
}

// Long messages are split, the reply tag rides on the first chunk only and
// every chunk's echo is consumed by the same pending send.
func TestChunkedSendAndEchoes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.main.caps[capRelaymsg] = ""
	h.ids.IRC.Store("irc-parent", "d-parent")
	content := strings.Repeat("word ", 200)
	out := outFromDiscord("d-long", content)
	out.ReplyToID = "d-parent"
	h.handle(out)
	h.handle(outFromDiscord("d-next", "after"))

	relayed := h.main.sent("RELAYMSG")
	require.Greater(t, len(relayed), 2)
	assert.Equal(t, "irc-parent", relayed[0].tags[tagReply])
	var joined strings.Builder
	for i, l := range relayed[:len(relayed)-1] {
		if i > 0 {
			assert.Nil(t, l.tags)
		}
		assert.LessOrEqual(t, len(l.params[2]), 450)
		joined.WriteString(l.params[2])
	}
	assert.Equal(t, content, joined.String())

	for i := range relayed {
		h.a.onPrivmsg(h.srv, msg(map[string]string{"msgid": "e" + string(rune('a'+i)), "draft/relaymsg": "tribridge"},
			"alice!r@h", "PRIVMSG", "#t", "x"), false)
	}
	first, ok := h.ids.IRC.GetD("ea")
	require.True(t, ok)
	assert.Equal(t, "d-long", first)
	last, ok := h.ids.IRC.GetD("e" + string(rune('a'+len(relayed)-1)))
	require.True(t, ok)
	assert.Equal(t, "d-next", last)
	_, ok = h.ids.IRC.GetD("eb")
	assert.False(t, ok, "continuation chunks are not correlated")
}

func TestReactionEgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.ids.IRC.Store("irc-5", "d5")
	h.handle(&event.ReactionOut{Target: event.IRC, Channel: addr, MessageID: "d5", Emoji: "👍", Raw: event.Raw{Origin: event.Discord}})
	h.handle(&event.ReactionOut{Target: event.IRC, Channel: addr, MessageID: "d5", Emoji: "👍", Raw: event.Raw{Origin: event.Discord, IsRemove: true}})
	h.handle(&event.ReactionOut{Target: event.IRC, Channel: addr, MessageID: "unknown", Emoji: "👍", Raw: event.Raw{Origin: event.Discord}})

	tagmsgs := h.main.sent("TAGMSG")
	require.Len(t, tagmsgs, 2)
	assert.Equal(t, map[string]string{tagReply: "irc-5", tagReact: "👍"}, tagmsgs[0].tags)
	assert.Equal(t, map[string]string{tagReply: "irc-5", tagUnreact: "👍"}, tagmsgs[1].tags)
	assert.Equal(t, []string{"#t"}, tagmsgs[0].params)
}

func TestRedactGate(t *testing.T) {
	t.Parallel()
	del := &event.MessageDeleteOut{Target: event.IRC, Channel: addr, MessageID: "d5", Raw: event.Raw{Origin: event.Discord}}

	off := newHarness(t, Config{RedactEnabled: false}, nil)
	off.ids.IRC.Store("irc-5", "d5")
	off.handle(del)
	assert.Empty(t, off.main.sent("REDACT"))

	on := newHarness(t, Config{RedactEnabled: true}, nil)
	on.ids.IRC.Store("irc-5", "d5")
	on.handle(del)
	redacts := on.main.sent("REDACT")
	require.Len(t, redacts, 1)
	assert.Equal(t, []string{"#t", "irc-5"}, redacts[0].params)

	nocap := newHarness(t, Config{RedactEnabled: true}, nil)
	delete(nocap.main.caps, capRedaction)
	nocap.ids.IRC.Store("irc-5", "d5")
	nocap.handle(del)
	assert.Empty(t, nocap.main.sent("REDACT"))
}

func TestTagmsgIngress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.a.onTagmsg(h.srv, msg(map[string]string{"msgid": "r1", "+draft/reply": "m1", "+draft/react": "🎉"}, "bob!b@h", "TAGMSG", "#t"))
	h.a.onTagmsg(h.srv, msg(map[string]string{"+typing": "active"}, "bob!b@h", "TAGMSG", "#t"))
	h.a.onTagmsg(h.srv, msg(map[string]string{"+draft/reply": "m1", "+draft/react": "🎉"}, "tribridge!b@h", "TAGMSG", "#t"))
	h.a.onRedact(h.srv, msg(nil, "bob!b@h", "REDACT", "#t", "r1"))

	evs := h.pub.all()
	require.Len(t, evs, 3)
	add := evs[0].(*event.ReactionIn)
	assert.Equal(t, "m1", add.MessageID)
	assert.Equal(t, "🎉", add.Emoji)
	assert.False(t, add.Raw.IsRemove)
	assert.IsType(t, &event.TypingIn{}, evs[1])
	rm := evs[2].(*event.ReactionIn)
	assert.True(t, rm.Raw.IsRemove, "redacting a reaction removes it")
	assert.Equal(t, "m1", rm.MessageID)
}

func TestTypingThrottled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	for range 3 {
		h.handle(&event.TypingOut{Target: event.IRC, Channel: addr})
	}
	tagmsgs := h.main.sent("TAGMSG")
	require.Len(t, tagmsgs, 1)
	assert.Equal(t, "active", tagmsgs[0].tags[tagTyping])
}

type linkedResolver struct{ identity.Nop }

func (linkedResolver) ByDiscord(_ context.Context, id string) (*identity.Identity, error) {
	if id == "42" {
		return &identity.Identity{DiscordID: id, IRCNick: "alice_irc"}, nil
	}
	return nil, nil
}

func TestPuppetSendsAsLinkedNick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PuppetPrejoinCommands: []string{"MODE {nick} +R"}, PuppetIdleTimeout: time.Hour}, linkedResolver{})
	h.handle(outFromDiscord("d-1", "hello"))
	h.handle(outFromDiscord("d-2", "again"))

	require.Len(t, h.puppets, 1, "one connection per user")
	p := h.puppets[0]
	assert.Equal(t, "alice_irc", p.nick)
	raws := p.sent("RAW")
	require.Len(t, raws, 1)
	assert.Equal(t, "MODE alice_irc +R", raws[0].params[0])
	assert.Len(t, p.sent("JOIN"), 1)
	privs := p.sent("PRIVMSG")
	require.Len(t, privs, 2)
	assert.Equal(t, []string{"#t", "hello"}, privs[0].params)
	assert.Empty(t, h.main.sent("PRIVMSG"))

	// The puppet's line seen on the main connection is an echo.
	h.a.onPrivmsg(h.srv, msg(map[string]string{"msgid": "irc-1"}, "alice_irc!a@h", "PRIVMSG", "#t", "hello"), false)
	assert.Empty(t, h.pub.all())
	d, _ := h.ids.IRC.GetD("irc-1")
	assert.Equal(t, "d-1", d)

	h.a.puppets.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, h.a.puppets.reap())
	assert.Equal(t, 1, p.quits)
	assert.Zero(t, h.a.puppets.len())
}

var puppetTarget = router.IRCTarget{Server: "i.example", Channel: "#t"}

// A puppet connect in flight neither blocks other lookups nor runs twice
// for the same user.
func TestPuppetConnectOutsideLock(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	dialed := make(chan *fakeClient, 2)
	m := newPuppetManager(func(_ router.IRCTarget, nick string) client {
		c := &fakeClient{nick: nick, caps: baseCaps(), connectGate: gate}
		dialed <- c
		return c
	}, Config{}, zerolog.Nop())
	defer m.closeAll()

	type result struct {
		p   *puppet
		err error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			p, err := m.get(puppetTarget, "discord:42", "alice_irc")
			results <- result{p, err}
		}()
	}
	c := <-dialed

	checked := make(chan bool, 1)
	go func() { checked <- m.isPuppet("i.example", "alice_irc") }()
	select {
	case got := <-checked:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("lookup blocked behind a puppet connect")
	}

	close(gate)
	r1, r2 := <-results, <-results
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Same(t, r1.p, r2.p)
	assert.Len(t, dialed, 0, "one dial per user")
	assert.Equal(t, 1, c.connects)
	assert.True(t, m.isPuppet("i.example", "alice_irc"))
}

func TestPuppetConnectFailureRemembered(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	m := newPuppetManager(func(_ router.IRCTarget, nick string) client {
		dials.Add(1)
		return &fakeClient{nick: nick, connectErr: errors.New("connection refused")}
	}, Config{}, zerolog.Nop())

	_, err := m.get(puppetTarget, "discord:42", "alice_irc")
	require.ErrorContains(t, err, "connection refused")
	_, err = m.get(puppetTarget, "discord:42", "alice_irc")
	require.ErrorContains(t, err, "connection refused")
	assert.EqualValues(t, 1, dials.Load(), "no redial within the retry delay")
	assert.Zero(t, m.len())
}

func TestPuppetConnectAfterCloseDiscarded(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	dialed := make(chan *fakeClient, 1)
	m := newPuppetManager(func(_ router.IRCTarget, nick string) client {
		c := &fakeClient{nick: nick, caps: baseCaps(), connectGate: gate}
		dialed <- c
		return c
	}, Config{}, zerolog.Nop())

	errs := make(chan error, 1)
	go func() {
		_, err := m.get(puppetTarget, "discord:42", "alice_irc")
		errs <- err
	}()
	c := <-dialed
	m.closeAll()
	close(gate)

	require.ErrorIs(t, <-errs, errPuppetsClosed)
	c.mu.Lock()
	assert.Equal(t, 1, c.quits)
	c.mu.Unlock()
	assert.Zero(t, m.len())
}

func TestUnlinkedUserUsesMainConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, linkedResolver{})
	out := outFromDiscord("d-1", "hello")
	out.AuthorID = "7"
	h.handle(out)
	assert.Empty(t, h.puppets)
	assert.Len(t, h.main.sent("PRIVMSG"), 1)
}

// The bucket admits N sends at once, and no one-second span carries more
// than N sends.
func TestThrottleLimit(t *testing.T) {
	t.Parallel()
	const n = 5
	h := newHarness(t, Config{ThrottleLimit: n}, nil)
	h.main.caps[capRelaymsg] = ""
	lines := make([]string, 2*n)
	for i := range lines {
		lines[i] = "line"
	}
	start := time.Now()
	h.handle(outFromDiscord("d-1", strings.Join(lines, "\n")))

	relayed := h.main.sent("RELAYMSG")
	require.Len(t, relayed, 2*n)
	assert.Less(t, relayed[n-1].at.Sub(start), 100*time.Millisecond, "a full bucket admits %d sends at once", n)
	for i := n; i < len(relayed); i++ {
		span := relayed[i].at.Sub(relayed[i-n].at)
		assert.GreaterOrEqual(t, span, time.Second-5*time.Millisecond, "sends %d through %d", i-n, i)
	}
}

func TestThrottleWaitCanceled(t *testing.T) {
	t.Parallel()
	th := newSendThrottle(2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, th.Wait(ctx))
	require.NoError(t, th.Wait(ctx))
	cancel()
	assert.ErrorIs(t, th.Wait(ctx), context.Canceled)
}

func TestConnectGivesUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.a.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	h.main.connectErr = errors.New("refused")
	err := h.a.serve(context.Background(), h.srv)
	require.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, maxConnectAttempts, h.main.connects)
}

func TestConnectJoinsAndOpers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{OperName: "op", OperPassword: "pw"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.a.serve(ctx, h.srv) }()

	require.Eventually(t, func() bool { return len(h.main.sent("JOIN")) == 1 }, time.Second, 5*time.Millisecond)
	opers := h.main.sent("OPER")
	require.Len(t, opers, 1)
	assert.Equal(t, []string{"op", "pw"}, opers[0].params)

	h.a.onOper(h.srv)
	modes := h.main.sent("MODE")
	require.Len(t, modes, 1)
	assert.Equal(t, []string{"#t", "+P"}, modes[0].params)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.main.quits)
}

func TestKickRejoin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AutoRejoin: true, RejoinDelay: 10 * time.Millisecond}, nil)
	h.a.onKick(h.srv, msg(nil, "op!o@h", "KICK", "#t", "tribridge", "Banned for spam"))
	h.a.onKick(h.srv, msg(nil, "op!o@h", "KICK", "#t", "someoneelse", "flood"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.main.sent("JOIN"))

	h.a.onKick(h.srv, msg(nil, "op!o@h", "KICK", "#t", "tribridge", "flood"))
	assert.Eventually(t, func() bool { return len(h.main.sent("JOIN")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReloadJoinsNewChannels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.srv.markJoined("#t", true)
	h.router.Load([]router.Mapping{
		{DChannel: "123", IRC: &router.IRCTarget{Server: "i.example", Channel: "#t"}},
		{DChannel: "456", IRC: &router.IRCTarget{Server: "i.example", Channel: "#new"}},
	})
	h.handle(&event.ConfigReload{})
	joins := h.main.sent("JOIN")
	require.Len(t, joins, 1)
	assert.Equal(t, []string{"#new"}, joins[0].params)
}

func TestMembershipEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	h.a.onJoin(h.srv, msg(nil, "bob!b@h", "JOIN", "#t"))
	h.a.onPart(h.srv, msg(nil, "bob!b@h", "PART", "#t", "bye"))
	h.a.onQuit(h.srv, msg(nil, "bob!b@h", "QUIT", "gone"))
	h.a.onNick(h.srv, msg(nil, "bob!b@h", "NICK", "bobby"))
	h.a.onJoin(h.srv, msg(nil, "tribridge!b@h", "JOIN", "#t"))

	evs := h.pub.all()
	require.Len(t, evs, 4)
	assert.IsType(t, &event.Join{}, evs[0])
	assert.Equal(t, "bye", evs[1].(*event.Part).Reason)
	assert.Equal(t, "gone", evs[2].(*event.Quit).Reason)
	assert.Contains(t, evs[3].(*event.Quit).Reason, "bobby")
	assert.True(t, h.srv.isJoined("#T"))
}
