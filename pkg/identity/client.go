// Copyright 2024-2026 Aiku AI

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	identityPath = "/api/bridge/identity"

	DefaultTimeout  = 10 * time.Second
	DefaultCacheTTL = time.Hour

	// One try plus four retries.
	retryCount   = 4
	retryWait    = 2 * time.Second
	retryMaxWait = 30 * time.Second
	cacheSize    = 4096
)

// ErrNotLinked reports a 404 from the identity service. Client turns it into
// a nil Identity.
var ErrNotLinked = errors.New("identity not linked")

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL  string
	Token    string
	CacheTTL time.Duration
	Timeout  time.Duration
	// RetryWait overrides the initial backoff; tests shorten it.
	RetryWait time.Duration
}

// Client is the cached HTTP Resolver. Negative answers are cached as well.
type Client struct {
	log   zerolog.Logger
	http  *resty.Client
	cache *expirable.LRU[string, *Identity]
}

var _ Resolver = (*Client)(nil)

// NewClient creates a Client for cfg.BaseURL.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = retryWait
	}
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(max(retryMaxWait, wait)).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code != http.StatusNotFound && (code < 200 || code > 299)
		})
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	return &Client{
		log:   log.With().Str("component", "identity").Logger(),
		http:  hc,
		cache: expirable.NewLRU[string, *Identity](cacheSize, nil, cfg.CacheTTL),
	}
}

func (c *Client) ByDiscord(ctx context.Context, discordID string) (*Identity, error) {
	if discordID == "" {
		return nil, nil
	}
	return c.lookup(ctx, "d:"+discordID, map[string]string{"discordId": discordID})
}

func (c *Client) ByIRC(ctx context.Context, nick, server string) (*Identity, error) {
	if nick == "" {
		return nil, nil
	}
	return c.lookup(ctx, "i:"+server+"/"+nick, map[string]string{"ircNick": nick, "ircServer": server})
}

func (c *Client) ByXMPP(ctx context.Context, jid string) (*Identity, error) {
	if jid == "" {
		return nil, nil
	}
	return c.lookup(ctx, "x:"+jid, map[string]string{"xmppJid": jid})
}

func (c *Client) lookup(ctx context.Context, key string, query map[string]string) (*Identity, error) {
	if id, ok := c.cache.Get(key); ok {
		return id, nil
	}
	id, err := c.fetch(ctx, query)
	if errors.Is(err, ErrNotLinked) {
		c.cache.Add(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, id)
	return id, nil
}

// response accepts both the flat form and {ok, identity}.
type response struct {
	Identity
	OK      *bool     `json:"ok"`
	Wrapped *Identity `json:"identity"`
}

func (c *Client) fetch(ctx context.Context, query map[string]string) (*Identity, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(identityPath)
	if err != nil {
		return nil, fmt.Errorf("identity request: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return nil, ErrNotLinked
	case code < 200 || code > 299:
		return nil, fmt.Errorf("identity service returned %d", code)
	}

	var r response
	if err := json.Unmarshal(resp.Body(), &r); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if r.OK != nil {
		if !*r.OK || r.Wrapped == nil {
			return nil, ErrNotLinked
		}
		return r.Wrapped, nil
	}
	if r.Wrapped != nil {
		return r.Wrapped, nil
	}
	id := r.Identity
	if id == (Identity{}) {
		return nil, ErrNotLinked
	}
	c.log.Trace().Str("user_id", id.UserID).Msg("Resolved identity")
	return &id, nil
}
