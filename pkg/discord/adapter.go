// Copyright 2024-2026 Aiku AI

// Package discord is Adapter-D: a bot gateway connection for ingress and
// per-channel webhooks for egress, so bridged users appear under their own
// name and avatar.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/tribridge/pkg/adapter"
	"github.com/aiku/tribridge/pkg/event"
	"github.com/aiku/tribridge/pkg/idtrack"
	"github.com/aiku/tribridge/pkg/router"
)

const (
	// DefaultSendInterval is the fixed pause between webhook sends.
	DefaultSendInterval = 250 * time.Millisecond
	// DefaultWebhookTTL keeps a channel's webhook handle across restarts of
	// the other adapters.
	DefaultWebhookTTL = 24 * time.Hour

	trackedMessages = 10_000
	deleteEchoTTL   = time.Minute
)

var ErrNotConnected = errors.New("discord session not connected")

type Config struct {
	Token string
	// Brand is the webhook name the adapter creates and looks for.
	Brand        string
	SendInterval time.Duration
	WebhookTTL   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSession replaces the gateway client, for tests. selfID is the bot's
// user id, which is also its application id.
func WithSession(s Session, selfID string) Option {
	return func(a *Adapter) {
		a.session = s
		a.self.Store(selfID)
	}
}

// WithBaseOptions forwards options to the outbound queue.
func WithBaseOptions(opts ...adapter.Option) Option {
	return func(a *Adapter) {
		a.baseOpts = append(a.baseOpts, opts...)
	}
}

type Adapter struct {
	*adapter.Base

	log    zerolog.Logger
	cfg    Config
	router *router.Router
	ids    *idtrack.Set

	dg       *discordgo.Session
	session  Session
	self     atomic.Value
	baseOpts []adapter.Option

	limiter *rate.Limiter
	typing  *adapter.Throttle

	hookMu   sync.Mutex
	hooks    *expirable.LRU[string, *discordgo.Webhook]
	ownHooks sync.Map

	// sent maps a D message id to the webhook that posted it.
	sent *expirable.LRU[string, string]
	// deleted holds ids the adapter itself deleted, to drop the gateway echo.
	deleted   *expirable.LRU[string, struct{}]
	reactions *reactionRefs
}

var (
	_ adapter.Adapter      = (*Adapter)(nil)
	_ adapter.FileUploader = (*Adapter)(nil)
)

// New builds the adapter. The gateway is not contacted until Start.
func New(cfg Config, pub adapter.Publisher, r *router.Router, ids *idtrack.Set, log zerolog.Logger, opts ...Option) (*Adapter, error) {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.WebhookTTL <= 0 {
		cfg.WebhookTTL = DefaultWebhookTTL
	}
	log = log.With().Str("adapter", string(event.Discord)).Logger()
	a := &Adapter{
		log:       log,
		cfg:       cfg,
		router:    r,
		ids:       ids,
		limiter:   rate.NewLimiter(rate.Every(cfg.SendInterval), 1),
		typing:    adapter.NewThrottle(adapter.TypingInterval),
		hooks:     expirable.NewLRU[string, *discordgo.Webhook](1024, nil, cfg.WebhookTTL),
		sent:      expirable.NewLRU[string, string](trackedMessages, nil, idtrack.DefaultTTL),
		deleted:   expirable.NewLRU[string, struct{}](1024, nil, deleteEchoTTL),
		reactions: newReactionRefs(),
	}
	a.self.Store("")
	for _, opt := range opts {
		opt(a)
	}
	a.Base = adapter.NewBase(event.Discord, pub, log, a.baseOpts...)
	if a.session == nil {
		dg, err := discordgo.New("Bot " + cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("create discord session: %w", err)
		}
		dg.Identify.Intents = intents
		dg.AddHandler(a.onReady)
		dg.AddHandler(a.onMessageCreate)
		dg.AddHandler(a.onMessageUpdate)
		dg.AddHandler(a.onMessageDelete)
		dg.AddHandler(a.onReactionAdd)
		dg.AddHandler(a.onReactionRemove)
		dg.AddHandler(a.onTypingStart)
		a.dg = dg
		a.session = dg
	}
	return a, nil
}

func (a *Adapter) selfID() string {
	return a.self.Load().(string)
}

// Start opens the gateway and drains the outbound queue until ctx ends.
func (a *Adapter) Start(ctx context.Context) error {
	if a.dg != nil {
		if err := a.dg.Open(); err != nil {
			return fmt.Errorf("open discord gateway: %w", err)
		}
		if a.dg.State != nil && a.dg.State.User != nil {
			a.self.Store(a.dg.State.User.ID)
		}
	}
	a.seedOwnWebhooks()
	a.log.Info().Str("self_id", a.selfID()).Msg("Discord adapter started")
	a.Run(ctx, a.handle)
	return nil
}

// Stop closes the gateway. discordgo does not reconnect a closed session.
func (a *Adapter) Stop(context.Context) error {
	if a.dg == nil {
		return nil
	}
	if err := a.dg.Close(); err != nil {
		return fmt.Errorf("close discord gateway: %w", err)
	}
	return nil
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.self.Store(r.User.ID)
	}
	a.log.Info().Int("guilds", len(r.Guilds)).Msg("Discord gateway ready")
}

func (a *Adapter) handle(ctx context.Context, ev event.Event) {
	var err error
	switch e := ev.(type) {
	case *event.MessageOut:
		err = a.sendMessage(ctx, e)
	case *event.MessageDeleteOut:
		err = a.deleteMessage(e)
	case *event.ReactionOut:
		err = a.sendReaction(e)
	case *event.TypingOut:
		err = a.sendTyping(e)
	case *event.ConfigReload:
		a.seedOwnWebhooks()
		a.log.Debug().Msg("Mappings reloaded")
	}
	if err != nil {
		a.log.Err(err).Stringer("kind", ev.Kind()).Msg("Failed to deliver event to Discord")
	}
}

// UploadFile posts data into channelID as the bot.
func (a *Adapter) UploadFile(ctx context.Context, channelID string, data []byte, filename string) error {
	if a.session == nil {
		return ErrNotConnected
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := a.session.ChannelFileSend(channelID, filename, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	return nil
}
