// Copyright 2024-2026 Aiku AI

// Package supervisor wires the bridge together and owns its lifecycle:
// adapters run side by side, a failing one is disabled without taking the
// others down, and SIGHUP reloads the mapping file.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/tribridge/pkg/adapter"
	"github.com/aiku/tribridge/pkg/bus"
	"github.com/aiku/tribridge/pkg/config"
	"github.com/aiku/tribridge/pkg/discord"
	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/identity"
	"github.com/aiku/tribridge/pkg/idtrack"
	"github.com/aiku/tribridge/pkg/irc"
	"github.com/aiku/tribridge/pkg/relay"
	"github.com/aiku/tribridge/pkg/router"
	"github.com/aiku/tribridge/pkg/xmpp"
)

// Source is the bus source name of events the supervisor publishes.
const Source = "supervisor"

// ErrNoAdapters is returned by Run when no network has credentials.
var ErrNoAdapters = errors.New("no adapter enabled")

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAdapters replaces the adapters built from the environment.
func WithAdapters(adapters ...adapter.Adapter) Option {
	return func(s *Supervisor) {
		s.adapters = adapters
		s.custom = true
	}
}

// WithStopTimeout overrides the file's stop_timeout_seconds.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

type Supervisor struct {
	log         zerolog.Logger
	env         *config.Env
	path        string
	file        atomic.Pointer[config.File]
	stopTimeout time.Duration

	bus      *bus.Bus
	router   *router.Router
	ids      *idtrack.Set
	relay    *relay.Relay
	resolver identity.Resolver
	adapters []adapter.Adapter
	custom   bool
}

// New loads the mapping file at path and builds every enabled adapter.
// It fails when the file is unreadable or holds no valid mapping.
func New(env *config.Env, path string, log zerolog.Logger, opts ...Option) (*Supervisor, error) {
	f, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		log:         log.With().Str("component", "supervisor").Logger(),
		env:         env,
		path:        path,
		stopTimeout: f.StopTimeout(),
		bus:         bus.New(log),
		router:      router.New(log),
		ids:         idtrack.NewSet(idtrack.DefaultSize, f.IDTrackerTTL()),
	}
	s.file.Store(f)
	if s.router.LoadNodes(f.Mappings) == 0 {
		return nil, config.ErrNoValidMappings
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = s.newResolver(f)
	s.relay = relay.New(log, s.bus, s.router, s)
	if !s.custom {
		if err := s.buildAdapters(f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ContentFilters serves the relay the filters of the current file.
func (s *Supervisor) ContentFilters() []string {
	return s.file.Load().ContentFilters()
}

// Router returns the live mapping table.
func (s *Supervisor) Router() *router.Router {
	return s.router
}

// Bus returns the event bus.
func (s *Supervisor) Bus() *bus.Bus {
	return s.bus
}

func (s *Supervisor) newResolver(f *config.File) identity.Resolver {
	switch {
	case s.env.IdentityBaseURL != "":
		return identity.NewClient(identity.ClientConfig{
			BaseURL:  s.env.IdentityBaseURL,
			Token:    s.env.IdentityToken,
			CacheTTL: f.IdentityCacheTTL(),
		}, s.log)
	case s.env.DevPuppets():
		s.log.Warn().Msg("DEV_I_PUPPETS is set, linking every Discord user to a same-named puppet")
		return identity.NewDevResolver(s.env.XComponentJID)
	default:
		return identity.Nop{}
	}
}

func (s *Supervisor) buildAdapters(f *config.File) error {
	queue := adapter.WithQueueSize(f.QueueSize())
	var uploader adapter.FileUploader
	if s.env.DiscordEnabled() {
		d, err := discord.New(discord.Config{Token: s.env.DiscordToken, Brand: config.Brand}, s.bus, s.router, s.ids, s.log,
			discord.WithBaseOptions(queue))
		if err != nil {
			return fmt.Errorf("build discord adapter: %w", err)
		}
		s.adapters = append(s.adapters, d)
		uploader = d
	} else {
		s.log.Info().Msg("D_TOKEN not set, Discord adapter disabled")
	}

	if s.mapsIRC() {
		s.adapters = append(s.adapters, irc.New(irc.Config{
			Nick:                  s.env.INick,
			OperName:              s.env.IOperName,
			OperPassword:          s.env.IOperPassword,
			ServerPassword:        s.env.IServerPassword,
			SASLUser:              s.env.ISASLUser,
			SASLPassword:          s.env.ISASLPassword,
			ThrottleLimit:         f.ThrottleLimit(),
			AutoRejoin:            f.AutoRejoin(),
			RejoinDelay:           f.RejoinDelay(),
			RedactEnabled:         f.RedactEnabled(),
			RelaymsgSuffix:        f.IRelaymsgSuffix,
			PuppetPingInterval:    f.PuppetPingInterval(),
			PuppetIdleTimeout:     f.PuppetIdleTimeout(),
			PuppetPrejoinCommands: f.IPuppetPrejoinCommands,
		}, s.bus, s.router, s.ids, s.resolver, s.log, irc.WithBaseOptions(queue)))
	} else {
		s.log.Info().Msg("No IRC channel mapped, IRC adapter disabled")
	}

	if s.env.XMPPEnabled() {
		opts := []xmpp.Option{xmpp.WithBaseOptions(queue)}
		if uploader != nil {
			opts = append(opts, xmpp.WithFileUploader(uploader))
		}
		s.adapters = append(s.adapters, xmpp.New(xmpp.Config{
			Domain:        s.env.XComponentJID,
			Secret:        s.env.XComponentSecret,
			Address:       s.env.XComponentAddr(),
			Brand:         config.Brand,
			UploadService: s.env.XUploadService,
		}, s.bus, s.router, s.ids, s.resolver, s.log, opts...))
	} else {
		s.log.Info().Msg("X_COMPONENT_JID or X_COMPONENT_SECRET not set, XMPP adapter disabled")
	}
	return nil
}

func (s *Supervisor) mapsIRC() bool {
	for _, m := range s.router.All() {
		if m.IRC != nil {
			return true
		}
	}
	return false
}

// Run starts every adapter and blocks until ctx ends, reloading on SIGHUP.
// Adapters are stopped before their contexts are cancelled so they can
// still leave rooms and quit cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	return s.run(ctx, hup)
}

func (s *Supervisor) run(ctx context.Context, reload <-chan os.Signal) error {
	if len(s.adapters) == 0 {
		return ErrNoAdapters
	}
	s.bus.Subscribe(s.relay)
	for _, a := range s.adapters {
		s.bus.Subscribe(a)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	var g errgroup.Group
	for _, a := range s.adapters {
		g.Go(func() error {
			log := s.log.With().Str("network", string(a.Network())).Logger()
			log.Info().Msg("Starting adapter")
			if err := a.Start(runCtx); err != nil && runCtx.Err() == nil {
				log.Err(err).Msg("Adapter failed, disabling it")
				s.bus.Unsubscribe(a)
			}
			return nil
		})
	}

	s.log.Info().Int("adapters", len(s.adapters)).Msg("Bridge running")
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-reload:
			if err := s.Reload(); err != nil {
				s.log.Err(err).Msg("Reload failed, keeping current configuration")
			}
		}
	}

	s.log.Info().Msg("Shutting down")
	s.bus.Close()
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
	defer stopCancel()
	for _, a := range s.adapters {
		if err := a.Stop(stopCtx); err != nil {
			s.log.Warn().Err(err).Str("network", string(a.Network())).Msg("Adapter did not stop cleanly")
		}
		if d, ok := a.(interface{ Dropped() int64 }); ok && d.Dropped() > 0 {
			s.log.Warn().Int64("dropped", d.Dropped()).Str("network", string(a.Network())).Msg("Outbound events were dropped on a full queue")
		}
	}
	cancel()
	return g.Wait()
}

// Reload re-reads the mapping file, swaps the router contents and tells
// every subscriber. Credentials in the environment are not re-read.
func (s *Supervisor) Reload() error {
	f, err := config.LoadFile(s.path)
	if err != nil {
		return err
	}
	n := s.router.LoadNodes(f.Mappings)
	if n == 0 {
		s.log.Warn().Msg("Reloaded configuration has no valid mapping, bridging is paused")
	}
	s.file.Store(f)
	s.log.Info().Int("mappings", n).Msg("Configuration reloaded")
	return s.bus.Publish(Source, &event.ConfigReload{})
}
