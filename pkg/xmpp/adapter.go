// Copyright 2024-2026 Aiku AI

// Package xmpp is Adapter-X: an XEP-0114 component that seats one virtual
// JID per bridged user in each mapped MUC, plus a listener occupant that
// sees all room traffic.
package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gosrc.io/xmpp"
	"gosrc.io/xmpp/stanza"

	"github.com/aiku/tribridge/pkg/adapter"
	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/identity"
	"github.com/aiku/tribridge/pkg/idtrack"
	"github.com/aiku/tribridge/pkg/router"
)

const (
	DefaultJoinTimeout = 30 * time.Second
	DefaultIQTimeout   = 30 * time.Second

	maxBodyRunes     = 4000
	maxStreamBackoff = 60 * time.Second
	httpTimeout      = 30 * time.Second

	dedupeSize   = 4096
	dedupeWindow = 2 * time.Minute
)

var (
	ErrNotConnected = errors.New("xmpp stream not connected")
	ErrJoinTimeout  = errors.New("timed out joining room")
	ErrJoinRejected = errors.New("room rejected join")
	ErrNoOriginal   = errors.New("no original message to correct")
	ErrUnmapped     = errors.New("room is not mapped")
	ErrIQFailed     = errors.New("iq request failed")

	errStreamClosed = errors.New("xmpp stream closed")
)

type Config struct {
	// Domain is the component JID; virtual users live under it.
	Domain  string
	Secret  string
	Address string
	// Brand is the listener nick and the component's disco name.
	Brand string
	// UploadService is the XEP-0363 service JID. Empty disables HTTP upload.
	UploadService string

	JoinTimeout time.Duration
	IQTimeout   time.Duration
}

// stream is the part of the component connection the adapter writes to.
type stream interface {
	Send(packet stanza.Packet) error
	SendRaw(packet string) error
}

var _ stream = (*xmpp.Component)(nil)

type Option func(*Adapter)

// WithStream replaces the component connection, for tests. Start then only
// joins the listener and drains the queue.
func WithStream(s stream) Option {
	return func(a *Adapter) {
		a.stream = s
		a.injected = true
	}
}

// WithFileUploader forwards inbound in-band transfers to D.
func WithFileUploader(u adapter.FileUploader) Option {
	return func(a *Adapter) {
		a.uploader = u
	}
}

// WithBackoff replaces the stream reconnect policy.
func WithBackoff(f func() backoff.BackOff) Option {
	return func(a *Adapter) {
		a.newBackoff = f
	}
}

func WithBaseOptions(opts ...adapter.Option) Option {
	return func(a *Adapter) {
		a.baseOpts = append(a.baseOpts, opts...)
	}
}

type Adapter struct {
	*adapter.Base

	log      zerolog.Logger
	cfg      Config
	router   *router.Router
	ids      *idtrack.Set
	resolver identity.Resolver
	uploader adapter.FileUploader
	http     *resty.Client

	newBackoff func() backoff.BackOff
	baseOpts   []adapter.Option

	streamMu sync.RWMutex
	stream   stream
	injected bool
	runCtx   context.Context
	stopping atomic.Bool

	rooms   *roomState
	iqs     *iqWaiters
	avatars *expirable.LRU[string, photo]
	ibb     *ibbSessions
	typing  *adapter.Throttle
	// seen drops the copies of one message the MUC delivers to each of our
	// occupants.
	seen *expirable.LRU[string, struct{}]

	reactMu      sync.Mutex
	reactionsIn  *expirable.LRU[string, []string]
	reactionsOut *expirable.LRU[string, []string]
	// authors maps the primary id of a bridged message to the puppet that
	// sent it; users maps a bridged user id to their puppet.
	authors *expirable.LRU[string, string]
	users   *expirable.LRU[string, string]
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(cfg Config, pub adapter.Publisher, r *router.Router, ids *idtrack.Set, resolver identity.Resolver, log zerolog.Logger, opts ...Option) *Adapter {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.IQTimeout <= 0 {
		cfg.IQTimeout = DefaultIQTimeout
	}
	cfg.Domain = bare(cfg.Domain)
	if resolver == nil {
		resolver = identity.Nop{}
	}
	log = log.With().Str("adapter", string(event.XMPP)).Logger()
	a := &Adapter{
		log:          log,
		cfg:          cfg,
		router:       r,
		ids:          ids,
		resolver:     resolver,
		http:         resty.New().SetTimeout(httpTimeout),
		runCtx:       context.Background(),
		rooms:        newRoomState(),
		iqs:          newIQWaiters(),
		avatars:      newAvatarCache(),
		ibb:          newIBBSessions(),
		typing:       adapter.NewThrottle(adapter.TypingInterval),
		seen:         expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeWindow),
		reactionsIn:  expirable.NewLRU[string, []string](idtrack.DefaultSize, nil, idtrack.DefaultTTL),
		reactionsOut: expirable.NewLRU[string, []string](idtrack.DefaultSize, nil, idtrack.DefaultTTL),
		authors:      expirable.NewLRU[string, string](idtrack.DefaultSize, nil, idtrack.DefaultTTL),
		users:        expirable.NewLRU[string, string](idtrack.DefaultSize, nil, idtrack.DefaultTTL),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = maxStreamBackoff
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Base = adapter.NewBase(event.XMPP, pub, log, a.baseOpts...)
	return a
}

// Start connects the component and serves until ctx ends. The stream is
// re-established under backoff, so Start only fails on bad configuration.
func (a *Adapter) Start(ctx context.Context) error {
	a.streamMu.Lock()
	a.runCtx = ctx
	injected := a.injected
	a.streamMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if injected {
		go a.joinListeners(gctx)
	} else {
		g.Go(func() error { return a.runStream(gctx) })
	}
	g.Go(func() error {
		a.Run(gctx, a.handle)
		return nil
	})
	return g.Wait()
}

// Stop leaves every room and marks the adapter as stopping so the stream
// is not re-established. The stream itself closes when Start's context
// ends.
func (a *Adapter) Stop(context.Context) error {
	a.stopping.Store(true)
	a.leaveAll()
	return nil
}

func (a *Adapter) componentOptions() xmpp.ComponentOptions {
	return xmpp.ComponentOptions{
		TransportConfiguration: xmpp.TransportConfiguration{
			Address: a.cfg.Address,
			Domain:  a.cfg.Domain,
		},
		Domain:   a.cfg.Domain,
		Secret:   a.cfg.Secret,
		Name:     a.cfg.Brand,
		Category: "gateway",
		Type:     "irc",
	}
}

func (a *Adapter) runStream(ctx context.Context) error {
	routes := xmpp.NewRouter()
	routes.HandleFunc("message", a.route)
	routes.HandleFunc("presence", a.route)
	routes.HandleFunc("iq", a.route)

	op := func() error {
		comp, err := xmpp.NewComponent(a.componentOptions(), routes, func(err error) {
			a.log.Warn().Err(err).Msg("XMPP stream error")
		})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create component: %w", err))
		}
		sm := xmpp.NewStreamManager(comp, func(xmpp.Sender) {
			a.setStream(comp)
			a.log.Info().Str("domain", a.cfg.Domain).Msg("Connected to XMPP server")
			go a.joinListeners(ctx)
		})
		stop := context.AfterFunc(ctx, sm.Stop)
		defer stop()
		err = sm.Run()
		a.setStream(nil)
		a.rooms.reset()
		if ctx.Err() != nil || a.stopping.Load() {
			return nil
		}
		if err == nil {
			err = errStreamClosed
		}
		a.log.Warn().Err(err).Msg("XMPP stream ended, reconnecting")
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(a.newBackoff(), ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Adapter) setStream(s stream) {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	a.stream = s
}

func (a *Adapter) ctx() context.Context {
	a.streamMu.RLock()
	defer a.streamMu.RUnlock()
	return a.runCtx
}

func (a *Adapter) send(p stanza.Packet) error {
	a.streamMu.RLock()
	s := a.stream
	a.streamMu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(p)
}

// sendXML writes a stanza the stanza package has no type for.
func (a *Adapter) sendXML(v any) error {
	a.streamMu.RLock()
	s := a.stream
	a.streamMu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	data, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stanza: %w", err)
	}
	return s.SendRaw(string(data))
}

// route receives every stanza addressed to the component or its users.
func (a *Adapter) route(_ xmpp.Sender, p stanza.Packet) {
	switch v := p.(type) {
	case stanza.Message:
		a.handleMessage(&v)
	case *stanza.Message:
		a.handleMessage(v)
	case stanza.Presence:
		a.handlePresence(&v)
	case *stanza.Presence:
		a.handlePresence(v)
	case *stanza.IQ:
		a.handleIQ(v)
	}
}

func (a *Adapter) handle(ctx context.Context, ev event.Event) {
	var err error
	switch e := ev.(type) {
	case *event.MessageOut:
		err = a.sendMessage(ctx, e)
	case *event.MessageDeleteOut:
		err = a.sendDelete(ctx, e)
	case *event.ReactionOut:
		err = a.sendReaction(ctx, e)
	case *event.TypingOut:
		err = a.sendTyping(e)
	case *event.ConfigReload:
		go a.joinListeners(ctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrNoOriginal), errors.Is(err, ErrUnmapped):
		a.log.Debug().Err(err).Stringer("kind", ev.Kind()).Msg("Dropping outbound event")
	default:
		a.log.Err(err).Stringer("kind", ev.Kind()).Msg("Failed to deliver event to XMPP")
	}
}
