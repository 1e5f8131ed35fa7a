// Copyright 2024-2026 Aiku AI

package irc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/tribridge/pkg/router"
)

const (
	DefaultPuppetPingInterval = 120 * time.Second
	DefaultPuppetIdleTimeout  = 24 * time.Hour

	puppetKeepaliveToken = "keepalive"

	// puppetRetryDelay is how long a failed puppet connect is remembered
	// before the next message may try again.
	puppetRetryDelay = 30 * time.Second
	puppetFailSize   = 1024
)

var errPuppetsClosed = errors.New("puppet manager closed")

// puppet is a dedicated connection speaking as one bridged user.
type puppet struct {
	key    string
	host   string
	nick   string
	conn   client
	cancel context.CancelFunc

	mu       sync.Mutex
	joined   map[string]struct{}
	lastUsed time.Time
}

func (p *puppet) touch(now time.Time) {
	p.mu.Lock()
	p.lastUsed = now
	p.mu.Unlock()
}

func (p *puppet) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// ensureJoined joins channel once per connection.
func (p *puppet) ensureJoined(channel string) error {
	key := strings.ToLower(channel)
	p.mu.Lock()
	_, ok := p.joined[key]
	p.mu.Unlock()
	if ok {
		return nil
	}
	if err := p.conn.Send("JOIN", channel); err != nil {
		return err
	}
	p.mu.Lock()
	p.joined[key] = struct{}{}
	p.mu.Unlock()
	return nil
}

// puppetManager keeps one connection per bridged user and server.
type puppetManager struct {
	log     zerolog.Logger
	dial    dialer
	prejoin []string
	ping    time.Duration
	idle    time.Duration
	now     func() time.Time

	// dials collapses concurrent connects for one key; failed remembers
	// recent connect errors so a dead server is not redialed per message.
	dials  singleflight.Group
	failed *expirable.LRU[string, error]

	mu      sync.Mutex
	puppets map[string]*puppet
	// gen advances on closeAll; a connect that started in an older
	// generation is discarded.
	gen uint64
}

func newPuppetManager(dial dialer, cfg Config, log zerolog.Logger) *puppetManager {
	m := &puppetManager{
		log:     log.With().Str("component", "puppets").Logger(),
		dial:    dial,
		prejoin: cfg.PuppetPrejoinCommands,
		ping:    cfg.PuppetPingInterval,
		idle:    cfg.PuppetIdleTimeout,
		now:     time.Now,
		failed:  expirable.NewLRU[string, error](puppetFailSize, nil, puppetRetryDelay),
		puppets: make(map[string]*puppet),
	}
	if m.ping <= 0 {
		m.ping = DefaultPuppetPingInterval
	}
	if m.idle <= 0 {
		m.idle = DefaultPuppetIdleTimeout
	}
	return m
}

func puppetKey(host, user string) string {
	return strings.ToLower(host) + "\x00" + user
}

// get returns the puppet for user on target, connecting it on first use.
// The connect runs outside the manager lock.
func (m *puppetManager) get(target router.IRCTarget, user, nick string) (*puppet, error) {
	key := puppetKey(target.Server, user)
	if p, ok := m.lookup(key); ok {
		return p, nil
	}
	if err, ok := m.failed.Get(key); ok {
		return nil, err
	}
	v, err, _ := m.dials.Do(key, func() (any, error) {
		if p, ok := m.lookup(key); ok {
			return p, nil
		}
		p, err := m.connect(target, key, nick)
		if err != nil {
			m.failed.Add(key, err)
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*puppet), nil
}

func (m *puppetManager) lookup(key string) (*puppet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.puppets[key]
	if ok {
		p.touch(m.now())
	}
	return p, ok
}

func (m *puppetManager) connect(target router.IRCTarget, key, nick string) (*puppet, error) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	conn := m.dial(target, nick)
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connect puppet %s: %w", nick, err)
	}
	current := conn.CurrentNick()
	for _, cmd := range m.prejoin {
		line := strings.ReplaceAll(cmd, "{nick}", current)
		if err := conn.SendRaw(line); err != nil {
			m.log.Warn().Err(err).Str("nick", current).Msg("Puppet pre-join command failed")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &puppet{
		key:      key,
		host:     strings.ToLower(target.Server),
		nick:     current,
		conn:     conn,
		cancel:   cancel,
		joined:   make(map[string]struct{}),
		lastUsed: m.now(),
	}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		cancel()
		conn.Quit()
		return nil, errPuppetsClosed
	}
	m.puppets[key] = p
	m.mu.Unlock()
	go m.keepalive(ctx, p)
	m.log.Info().Str("server", p.host).Str("nick", current).Msg("Puppet connected")
	return p, nil
}

func (m *puppetManager) keepalive(ctx context.Context, p *puppet) {
	t := time.NewTicker(m.ping)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.conn.Send("PING", puppetKeepaliveToken); err != nil {
				m.log.Debug().Err(err).Str("nick", p.nick).Msg("Puppet keepalive failed")
			}
		}
	}
}

// drop disconnects and forgets the puppet stored under key.
func (m *puppetManager) drop(key string) {
	m.mu.Lock()
	p, ok := m.puppets[key]
	delete(m.puppets, key)
	m.mu.Unlock()
	if ok {
		p.cancel()
		p.conn.Quit()
	}
}

func (m *puppetManager) isPuppet(host, nick string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.puppets {
		if p.host == strings.ToLower(host) && strings.EqualFold(p.nick, nick) {
			return true
		}
	}
	return false
}

// reap disconnects puppets idle for longer than the idle timeout and
// returns how many it removed.
func (m *puppetManager) reap() int {
	cutoff := m.now().Add(-m.idle)
	var idle []string
	m.mu.Lock()
	for key, p := range m.puppets {
		if p.idleSince().Before(cutoff) {
			idle = append(idle, key)
		}
	}
	m.mu.Unlock()
	for _, key := range idle {
		m.drop(key)
	}
	if len(idle) > 0 {
		m.log.Info().Int("count", len(idle)).Msg("Disconnected idle puppets")
	}
	return len(idle)
}

func (m *puppetManager) reapLoop(ctx context.Context) {
	interval := min(m.idle/2, time.Minute)
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-t.C:
			m.reap()
		}
	}
}

func (m *puppetManager) closeAll() {
	m.mu.Lock()
	m.gen++
	keys := make([]string, 0, len(m.puppets))
	for key := range m.puppets {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.drop(key)
	}
}

func (m *puppetManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.puppets)
}
