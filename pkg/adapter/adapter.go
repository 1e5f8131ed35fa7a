// Copyright 2024-2026 Aiku AI

// Package adapter holds what the protocol adapters share: the bus-facing
// outbound queue, the per-key throttle and the capability interfaces one
// adapter exposes to another.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aiku/tribridge/pkg/bus"
	"github.com/aiku/tribridge/pkg/event"
)

// DefaultQueueSize bounds each adapter's outbound queue.
const DefaultQueueSize = 1024

// ErrQueueFull is returned by Enqueue when the outbound queue is at capacity.
var ErrQueueFull = errors.New("outbound queue full")

// Adapter is one protocol surface of the bridge.
type Adapter interface {
	bus.Subscriber
	Network() event.Network
	// Start connects and serves until ctx is cancelled. A returned error
	// means the adapter gave up; the rest of the bridge keeps running.
	Start(ctx context.Context) error
	// Stop disconnects with reconnection disabled.
	Stop(ctx context.Context) error
}

// FileUploader posts a file into a D channel. Adapter-D implements it; the
// supervisor hands it to Adapter-X for inbound file transfers.
type FileUploader interface {
	UploadFile(ctx context.Context, channelID string, data []byte, filename string) error
}

// Publisher is the part of the bus adapters publish inbound events on.
type Publisher interface {
	Publish(source string, ev event.Event) error
}

// Option configures a Base.
type Option func(*Base)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(b *Base) {
		if n > 0 {
			b.queue = make(chan event.Event, n)
		}
	}
}

// Base implements bus.Subscriber for an adapter: outbound events targeting
// its network (and ConfigReload markers) are queued without blocking and
// drained in FIFO order by a single worker.
type Base struct {
	log     zerolog.Logger
	network event.Network
	pub     Publisher
	queue   chan event.Event
	running atomic.Bool
	dropped atomic.Int64
}

func NewBase(network event.Network, pub Publisher, log zerolog.Logger, opts ...Option) *Base {
	b := &Base{
		log:     log,
		network: network,
		pub:     pub,
		queue:   make(chan event.Event, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Base) Network() event.Network {
	return b.network
}

func (b *Base) IsRunning() bool {
	return b.running.Load()
}

// Dropped reports how many events were discarded because the queue was full.
func (b *Base) Dropped() int64 {
	return b.dropped.Load()
}

// Accept admits outbound events addressed to this network and ConfigReload.
func (b *Base) Accept(_ string, ev event.Event) bool {
	if ev.Kind() == event.KindConfigReload {
		return true
	}
	out, ok := ev.(event.Outbound)
	return ok && out.TargetNetwork() == b.network
}

// Push enqueues ev. It never blocks.
func (b *Base) Push(_ string, ev event.Event) {
	if err := b.Enqueue(ev); err != nil {
		b.log.Warn().Err(err).Stringer("kind", ev.Kind()).Msg("Dropping outbound event")
	}
}

// Enqueue adds ev to the outbound queue or returns ErrQueueFull.
func (b *Base) Enqueue(ev event.Event) error {
	select {
	case b.queue <- ev:
		return nil
	default:
		b.dropped.Add(1)
		return ErrQueueFull
	}
}

// Publish sends an inbound event to the bus under this network's name.
func (b *Base) Publish(ev event.Inbound) {
	if err := b.pub.Publish(string(b.network), ev); err != nil {
		b.log.Warn().Err(err).Stringer("kind", ev.Kind()).Msg("Failed to publish inbound event")
	}
}

// Run drains the queue with handle until ctx is cancelled, then drops
// whatever is still queued with a warning. A panic in handle is logged and
// the loop continues with the next event.
func (b *Base) Run(ctx context.Context, handle func(context.Context, event.Event)) {
	b.running.Store(true)
	defer b.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			if n := len(b.queue); n > 0 {
				b.log.Warn().Int("pending", n).Msg("Dropping queued outbound events on shutdown")
				for len(b.queue) > 0 {
					<-b.queue
				}
			}
			return
		case ev := <-b.queue:
			b.handleSafely(ctx, handle, ev)
		}
	}
}

func (b *Base) handleSafely(ctx context.Context, handle func(context.Context, event.Event), ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Err(fmt.Errorf("panic: %v", r)).
				Stringer("kind", ev.Kind()).
				Bytes("stack", debug.Stack()).
				Msg("Outbound handler panicked")
		}
	}()
	handle(ctx, ev)
}
