// Copyright 2024-2026 Aiku AI

package discord

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// maxWebhooksPerChannel is the platform's per-channel webhook cap.
const maxWebhooksPerChannel = 15

var ErrWebhookCap = errors.New("channel webhook limit reached")

// webhookFor returns a webhook the adapter may post through in channelID:
// one named after the brand, else one owned by the bot application, else a
// newly created one.
func (a *Adapter) webhookFor(channelID string) (*discordgo.Webhook, error) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	if wh, ok := a.hooks.Get(channelID); ok {
		return wh, nil
	}
	existing, err := a.session.ChannelWebhooks(channelID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	a.rememberOwned(existing)
	wh := a.pickWebhook(existing)
	if wh == nil {
		if len(existing) >= maxWebhooksPerChannel {
			return nil, fmt.Errorf("%w in %s", ErrWebhookCap, channelID)
		}
		wh, err = a.session.WebhookCreate(channelID, a.cfg.Brand, "")
		if err != nil {
			return nil, fmt.Errorf("create webhook: %w", err)
		}
		a.log.Info().Str("channel_id", channelID).Str("webhook_id", wh.ID).Msg("Created webhook")
	}
	a.hooks.Add(channelID, wh)
	a.ownHooks.Store(wh.ID, struct{}{})
	return wh, nil
}

func (a *Adapter) pickWebhook(hooks []*discordgo.Webhook) *discordgo.Webhook {
	for _, wh := range hooks {
		if wh.Token != "" && wh.Name == a.cfg.Brand {
			return wh
		}
	}
	for _, wh := range hooks {
		if wh.Token != "" && a.ownedByBot(wh) {
			return wh
		}
	}
	return nil
}

func (a *Adapter) ownedByBot(wh *discordgo.Webhook) bool {
	self := a.selfID()
	if self == "" {
		return false
	}
	return wh.ApplicationID == self || (wh.User != nil && wh.User.ID == self)
}

// rememberOwned marks every webhook the bot created, so posts made through
// them are recognised as echoes even before the adapter sends anything.
func (a *Adapter) rememberOwned(hooks []*discordgo.Webhook) {
	for _, wh := range hooks {
		if (wh.Token != "" && wh.Name == a.cfg.Brand) || a.ownedByBot(wh) {
			a.ownHooks.Store(wh.ID, struct{}{})
		}
	}
}

// seedOwnWebhooks lists the webhooks of every mapped channel and remembers
// the bot's own. Failures are logged; the channel is retried on next send.
func (a *Adapter) seedOwnWebhooks() {
	for _, m := range a.router.All() {
		if m.DChannel == "" {
			continue
		}
		hooks, err := a.session.ChannelWebhooks(m.DChannel)
		if err != nil {
			a.log.Warn().Err(err).Str("channel_id", m.DChannel).Msg("Failed to list webhooks")
			continue
		}
		a.rememberOwned(hooks)
	}
}

// forgetWebhook drops a cached handle that the platform no longer accepts.
func (a *Adapter) forgetWebhook(channelID string) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.hooks.Remove(channelID)
}

func (a *Adapter) isOwnWebhook(webhookID string) bool {
	if webhookID == "" {
		return false
	}
	_, ok := a.ownHooks.Load(webhookID)
	return ok
}

func isUnknownWebhook(err error) bool {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

const (
	minNameRunes = 2
	maxNameRunes = 32
	zwj          = "\u200d"
)

var forbiddenNames = []string{"discord", "clyde"}

// webhookName fits display into the platform's username rules: 2 to 32
// runes, never containing a reserved word.
func webhookName(display string) string {
	name := strings.TrimSpace(display)
	for _, word := range forbiddenNames {
		name = breakWord(name, word)
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}
	for utf8.RuneCountInString(name) < minNameRunes {
		name += "_"
	}
	return name
}

// breakWord inserts a zero-width joiner after the first letter of every
// case-insensitive occurrence of word, which must be ASCII.
func breakWord(s, word string) string {
	var b strings.Builder
	last := 0
	for i := 0; i+len(word) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(word)], word) {
			b.WriteString(s[last : i+1])
			b.WriteString(zwj)
			last = i + 1
		}
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}
