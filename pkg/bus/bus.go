// Copyright 2024-2026 Aiku AI

// Package bus is the synchronous in-process event dispatcher that connects
// the adapters and the relay.
package bus

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/tribridge/pkg/event"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

// Subscriber receives the events it accepts. Push must not block: anything
// that performs I/O enqueues and returns.
type Subscriber interface {
	Accept(source string, ev event.Event) bool
	Push(source string, ev event.Event)
}

// Bus delivers each published event to every accepting subscriber, in
// registration order, on the publisher's goroutine. A subscriber that panics
// is logged and skipped; the others still receive the event.
//
// Registering the same subscriber twice makes it receive every event twice.
type Bus struct {
	log    zerolog.Logger
	mu     sync.RWMutex
	subs   []Subscriber
	closed atomic.Bool
}

func New(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "bus").Logger()}
}

// Subscribe appends s to the delivery list.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Unsubscribe removes every registration of s. Removing an unknown
// subscriber is a no-op.
func (b *Bus) Unsubscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]Subscriber, 0, len(b.subs))
	for _, cur := range b.subs {
		if cur != s {
			kept = append(kept, cur)
		}
	}
	b.subs = kept
}

// Len reports the number of registrations.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish dispatches ev synchronously. Subscribers may publish from Push;
// the nested event is fully dispatched before Publish returns.
func (b *Bus) Publish(source string, ev event.Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if ev == nil {
		return fmt.Errorf("publish from %s: nil event", source)
	}
	b.mu.RLock()
	snapshot := b.subs
	b.mu.RUnlock()

	for _, s := range snapshot {
		if !b.accept(s, source, ev) {
			continue
		}
		b.push(s, source, ev)
	}
	return nil
}

func (b *Bus) accept(s Subscriber, source string, ev event.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("source", source).
				Stringer("kind", ev.Kind()).
				Str("subscriber", fmt.Sprintf("%T", s)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Subscriber panicked in accept")
			ok = false
		}
	}()
	return s.Accept(source, ev)
}

func (b *Bus) push(s Subscriber, source string, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("source", source).
				Stringer("kind", ev.Kind()).
				Str("subscriber", fmt.Sprintf("%T", s)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Subscriber panicked in push")
		}
	}()
	s.Push(source, ev)
}

// Close stops further publishing. It is safe to call more than once.
func (b *Bus) Close() {
	b.closed.Store(true)
}

// Func adapts a pair of functions to Subscriber.
type Func struct {
	AcceptFunc func(source string, ev event.Event) bool
	PushFunc   func(source string, ev event.Event)
}

func (f *Func) Accept(source string, ev event.Event) bool {
	if f.AcceptFunc == nil {
		return true
	}
	return f.AcceptFunc(source, ev)
}

func (f *Func) Push(source string, ev event.Event) {
	if f.PushFunc != nil {
		f.PushFunc(source, ev)
	}
}

// Kinds returns an accept function admitting only the listed kinds.
func Kinds(kinds ...event.Kind) func(string, event.Event) bool {
	set := make(map[event.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(_ string, ev event.Event) bool {
		return set[ev.Kind()]
	}
}
