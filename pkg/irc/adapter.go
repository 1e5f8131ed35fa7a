// Copyright 2024-2026 Aiku AI

// Package irc is Adapter-I: one IRCv3 connection per server with optional
// per-user puppet connections, RELAYMSG spoofing and msgid correlation.
package irc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ergochat/irc-go/ircevent"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/tribridge/pkg/adapter"
	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/identity"
	"github.com/aiku/tribridge/pkg/idtrack"
	"github.com/aiku/tribridge/pkg/router"
)

const (
	maxConnectAttempts = 10
	maxBackoff         = 60 * time.Second

	// DefaultThrottleLimit is the token bucket size and refill per second.
	DefaultThrottleLimit = 10
	DefaultRejoinDelay   = 5 * time.Second

	recentSendTTL = 10 * time.Second
)

var (
	ErrTooManyAttempts = errors.New("too many failed connection attempts")
	ErrNoServer        = errors.New("no connection for address")
)

type Config struct {
	Nick           string
	OperName       string
	OperPassword   string
	ServerPassword string
	SASLUser       string
	SASLPassword   string

	ThrottleLimit  int
	AutoRejoin     bool
	RejoinDelay    time.Duration
	RedactEnabled  bool
	RelaymsgSuffix bool

	PuppetPingInterval    time.Duration
	PuppetIdleTimeout     time.Duration
	PuppetPrejoinCommands []string
}

type Option func(*Adapter)

// WithDialer replaces how connections are built, for tests. Connections
// built by a custom dialer get no protocol callbacks.
func WithDialer(d dialer) Option {
	return func(a *Adapter) {
		a.dial = d
	}
}

// WithBackoff replaces the reconnect policy.
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

// server is the main connection to one IRC server.
type server struct {
	host   string
	target router.IRCTarget
	conn   client
	// raw is set when conn is a real ircevent connection.
	raw          *ircevent.Connection
	disconnected chan struct{}

	mu       sync.Mutex
	joined   map[string]struct{}
	oper     bool
	capsSeen bool
}

func (s *server) markJoined(channel string, joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if joined {
		s.joined[strings.ToLower(channel)] = struct{}{}
	} else {
		delete(s.joined, strings.ToLower(channel))
	}
}

func (s *server) isJoined(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[strings.ToLower(channel)]
	return ok
}

type Adapter struct {
	*adapter.Base

	log      zerolog.Logger
	cfg      Config
	router   *router.Router
	ids      *idtrack.Set
	resolver identity.Resolver

	dial       dialer
	newBackoff func() backoff.BackOff
	baseOpts   []adapter.Option

	limiter *sendThrottle
	typing  *adapter.Throttle
	pending *pendingSends
	// recent holds RELAYMSG sends keyed by server, channel and nick, for
	// servers that do not tag the echo with the relayer.
	recent    *expirable.LRU[string, struct{}]
	reactTags *expirable.LRU[string, reactionTag]
	puppets   *puppetManager

	mu       sync.RWMutex
	servers  map[string]*server
	group    *errgroup.Group
	groupCtx context.Context
	stopping atomic.Bool
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(cfg Config, pub adapter.Publisher, r *router.Router, ids *idtrack.Set, resolver identity.Resolver, log zerolog.Logger, opts ...Option) *Adapter {
	if cfg.ThrottleLimit <= 0 {
		cfg.ThrottleLimit = DefaultThrottleLimit
	}
	if cfg.RejoinDelay <= 0 {
		cfg.RejoinDelay = DefaultRejoinDelay
	}
	if resolver == nil {
		resolver = identity.Nop{}
	}
	log = log.With().Str("adapter", string(event.IRC)).Logger()
	a := &Adapter{
		log:       log,
		cfg:       cfg,
		router:    r,
		ids:       ids,
		resolver:  resolver,
		limiter:   newSendThrottle(cfg.ThrottleLimit),
		typing:    adapter.NewThrottle(adapter.TypingInterval),
		pending:   newPendingSends(),
		recent:    expirable.NewLRU[string, struct{}](1024, nil, recentSendTTL),
		reactTags: expirable.NewLRU[string, reactionTag](idtrack.DefaultSize, nil, idtrack.DefaultTTL),
		servers:   make(map[string]*server),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = maxBackoff
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	dialPuppet := a.dial
	if a.dial == nil {
		creds := credentials{password: cfg.ServerPassword, saslUser: cfg.SASLUser, saslPassword: cfg.SASLPassword}
		a.dial = func(target router.IRCTarget, nick string) client {
			return newConnection(target, nick, creds, log)
		}
		// Puppets never log in with the bridge's SASL account.
		dialPuppet = func(target router.IRCTarget, nick string) client {
			return newConnection(target, nick, credentials{password: cfg.ServerPassword}, log)
		}
	}
	a.Base = adapter.NewBase(event.IRC, pub, log, a.baseOpts...)
	a.puppets = newPuppetManager(dialPuppet, cfg, log)
	a.syncServers()
	return a
}

// syncServers creates a server for every host the router maps and returns
// the ones that are new.
func (a *Adapter) syncServers() []*server {
	a.mu.Lock()
	defer a.mu.Unlock()
	var added []*server
	for _, m := range a.router.All() {
		if m.IRC == nil {
			continue
		}
		host := strings.ToLower(m.IRC.Server)
		if _, ok := a.servers[host]; ok {
			continue
		}
		s := &server{
			host:         host,
			target:       *m.IRC,
			disconnected: make(chan struct{}, 1),
			joined:       make(map[string]struct{}),
		}
		s.conn = a.dial(s.target, a.cfg.Nick)
		if raw, ok := s.conn.(*ircevent.Connection); ok {
			s.raw = raw
			a.register(s)
		}
		a.servers[host] = s
		added = append(added, s)
	}
	return added
}

func (a *Adapter) server(host string) (*server, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.servers[strings.ToLower(host)]
	return s, ok
}

// channelsFor lists the mapped channels on host.
func (a *Adapter) channelsFor(host string) []string {
	var out []string
	for _, m := range a.router.All() {
		if m.IRC != nil && strings.EqualFold(m.IRC.Server, host) {
			out = append(out, m.IRC.Channel)
		}
	}
	return out
}

// resolveAddress splits a "<server>/<channel>" address.
func (a *Adapter) resolveAddress(addr string) (*server, string, error) {
	host, channel, ok := strings.Cut(addr, "/")
	if !ok {
		return nil, "", fmt.Errorf("%w %q", ErrNoServer, addr)
	}
	s, ok := a.server(host)
	if !ok {
		return nil, "", fmt.Errorf("%w %q", ErrNoServer, addr)
	}
	if m, ok := a.router.GetByIRCAddress(addr); ok && m.IRC != nil {
		channel = m.IRC.Channel
	}
	return s, channel, nil
}

// Start connects every server and serves until ctx ends. It fails only when
// a server cannot be reached after maxConnectAttempts.
func (a *Adapter) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.mu.Lock()
	a.group, a.groupCtx = g, gctx
	servers := make([]*server, 0, len(a.servers))
	for _, s := range a.servers {
		servers = append(servers, s)
	}
	a.mu.Unlock()

	for _, s := range servers {
		g.Go(func() error { return a.serve(gctx, s) })
	}
	g.Go(func() error {
		a.Run(gctx, a.handle)
		return nil
	})
	g.Go(func() error {
		a.puppets.reapLoop(gctx)
		return nil
	})
	return g.Wait()
}

// Stop quits every connection with reconnection disabled.
func (a *Adapter) Stop(context.Context) error {
	a.stopping.Store(true)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.servers {
		s.conn.Quit()
	}
	a.puppets.closeAll()
	return nil
}

func (a *Adapter) serve(ctx context.Context, s *server) error {
	log := a.log.With().Str("server", s.host).Logger()
	for {
		if err := a.connect(ctx, s); err != nil {
			if ctx.Err() != nil || a.stopping.Load() {
				return nil
			}
			log.Err(err).Msg("Giving up on IRC server")
			return err
		}
		log.Info().Msg("Connected to IRC server")
		select {
		case <-ctx.Done():
			s.conn.Quit()
			return nil
		case <-s.disconnected:
			if a.stopping.Load() {
				return nil
			}
			s.mu.Lock()
			s.joined = make(map[string]struct{})
			s.oper = false
			s.mu.Unlock()
			log.Warn().Msg("Disconnected from IRC server, reconnecting")
		}
	}
}

// connect dials s under exponential backoff with jitter.
func (a *Adapter) connect(ctx context.Context, s *server) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.conn.Connect()
		if err != nil {
			a.log.Warn().Err(err).Str("server", s.host).Int("attempt", attempt).Msg("IRC connection attempt failed")
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(a.newBackoff(), maxConnectAttempts-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrTooManyAttempts, s.host, attempt, err)
	}
	if s.raw == nil {
		a.onConnect(s)
	}
	return nil
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
		err = a.sendTyping(ctx, e)
	case *event.ConfigReload:
		a.reload()
	}
	if err != nil {
		a.log.Err(err).Stringer("kind", ev.Kind()).Msg("Failed to deliver event to IRC")
	}
}

// reload connects servers that appeared in the mappings and joins newly
// mapped channels on servers already connected.
func (a *Adapter) reload() {
	added := a.syncServers()
	a.mu.RLock()
	g, gctx := a.group, a.groupCtx
	servers := make([]*server, 0, len(a.servers))
	for _, s := range a.servers {
		servers = append(servers, s)
	}
	a.mu.RUnlock()
	if g != nil {
		for _, s := range added {
			g.Go(func() error { return a.serve(gctx, s) })
		}
	}
	isNew := make(map[*server]bool, len(added))
	for _, s := range added {
		isNew[s] = true
	}
	for _, s := range servers {
		if isNew[s] {
			continue
		}
		for _, ch := range a.channelsFor(s.host) {
			if !s.isJoined(ch) {
				a.join(s, ch)
			}
		}
	}
	a.log.Info().Int("new_servers", len(added)).Msg("IRC mappings reloaded")
}
