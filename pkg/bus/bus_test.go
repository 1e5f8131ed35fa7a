// Copyright 2024-2026 Aiku AI

package bus

import (
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/tribridge/pkg/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Accept(string, event.Event) bool { return true }

func (r *recorder) Push(_ string, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		if m, ok := ev.(*event.MessageIn); ok {
			out = append(out, m.MessageID)
		}
	}
	return out
}

type panicky struct{ inAccept bool }

func (p *panicky) Accept(string, event.Event) bool {
	if p.inAccept {
		panic("accept exploded")
	}
	return true
}

func (p *panicky) Push(string, event.Event) { panic("push exploded") }

func msg(id string) *event.MessageIn {
	return &event.MessageIn{Origin: event.Discord, Channel: "c", MessageID: id}
}

func TestPublishPreservesPublisherOrder(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())
	r1, r2 := &recorder{}, &recorder{}
	b.Subscribe(r1)
	b.Subscribe(r2)

	var want []string
	for i := range 100 {
		id := strconv.Itoa(i)
		want = append(want, id)
		require.NoError(t, b.Publish("discord", msg(id)))
	}
	assert.Equal(t, want, r1.ids())
	assert.Equal(t, want, r2.ids())
}

func TestPerPublisherOrderUnderConcurrency(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())
	r := &recorder{}
	b.Subscribe(r)

	var wg sync.WaitGroup
	for _, src := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				_ = b.Publish(src, msg(src+strconv.Itoa(i)))
			}
		}()
	}
	wg.Wait()

	next := map[byte]int{}
	for _, id := range r.ids() {
		src := id[0]
		n, err := strconv.Atoi(id[1:])
		require.NoError(t, err)
		assert.Equal(t, next[src], n, "publisher %c out of order", src)
		next[src] = n + 1
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())
	before, after := &recorder{}, &recorder{}
	b.Subscribe(before)
	b.Subscribe(&panicky{})
	b.Subscribe(&panicky{inAccept: true})
	b.Subscribe(after)

	require.NoError(t, b.Publish("irc", msg("1")))
	require.NoError(t, b.Publish("irc", msg("2")))
	assert.Equal(t, []string{"1", "2"}, before.ids())
	assert.Equal(t, []string{"1", "2"}, after.ids())
}

func TestAcceptFilters(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())
	var got []event.Kind
	b.Subscribe(&Func{
		AcceptFunc: Kinds(event.KindTypingIn),
		PushFunc:   func(_ string, ev event.Event) { got = append(got, ev.Kind()) },
	})
	_ = b.Publish("x", msg("1"))
	_ = b.Publish("x", &event.TypingIn{Origin: event.XMPP})
	assert.Equal(t, []event.Kind{event.KindTypingIn}, got)
}

func TestDoubleRegistrationDeliversTwice(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())
	r := &recorder{}
	b.Subscribe(r)
	b.Subscribe(r)
	_ = b.Publish("d", msg("1"))
	assert.Equal(t, []string{"1", "1"}, r.ids())

	b.Unsubscribe(r)
	b.Unsubscribe(r)
	assert.Equal(t, 0, b.Len())
	_ = b.Publish("d", msg("2"))
	assert.Len(t, r.ids(), 2)
}

func TestNestedPublish(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())
	r := &recorder{}
	b.Subscribe(&Func{
		AcceptFunc: Kinds(event.KindMessageIn),
		PushFunc: func(_ string, ev event.Event) {
			_ = b.Publish("relay", &event.MessageOut{Target: event.IRC, MessageID: ev.(*event.MessageIn).MessageID})
		},
	})
	b.Subscribe(r)

	require.NoError(t, b.Publish("d", msg("1")))
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.events, 2)
	assert.Equal(t, event.KindMessageOut, r.events[0].Kind(), "nested event dispatched first")
	assert.Equal(t, event.KindMessageIn, r.events[1].Kind())
}

func TestClosedBus(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())
	r := &recorder{}
	b.Subscribe(r)
	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Publish("d", msg("1")), ErrBusClosed)
	assert.Empty(t, r.ids())
	assert.Error(t, New(zerolog.Nop()).Publish("d", nil))
}
