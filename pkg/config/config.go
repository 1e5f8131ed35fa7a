// Copyright 2024-2026 Aiku AI

// Package config loads the bridge configuration: credentials from the
// environment and channel mappings plus tuning options from a YAML file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Brand names the bridge on every network: webhook name, default IRC nick,
// MUC listener nick and component identity.
const Brand = "tribridge"

// ErrNoValidMappings is returned at startup when no mapping survived
// validation.
var ErrNoValidMappings = errors.New("no valid channel mappings")

// Env holds the startup-only settings read from the environment.
type Env struct {
	DiscordToken string `env:"D_TOKEN"`

	XComponentJID    string `env:"X_COMPONENT_JID"`
	XComponentSecret string `env:"X_COMPONENT_SECRET"`
	XComponentServer string `env:"X_COMPONENT_SERVER" envDefault:"localhost"`
	XComponentPort   int    `env:"X_COMPONENT_PORT" envDefault:"5347"`
	// XUploadService is the XEP-0363 upload service JID.
	XUploadService string `env:"X_UPLOAD_SERVICE"`

	INick           string `env:"I_NICK" envDefault:"tribridge"`
	IOperName       string `env:"I_OPER_NAME"`
	IOperPassword   string `env:"I_OPER_PASSWORD"`
	IServerPassword string `env:"I_SERVER_PASSWORD"`
	ISASLUser       string `env:"I_SASL_USER"`
	ISASLPassword   string `env:"I_SASL_PASSWORD"`

	IdentityBaseURL string `env:"IDENTITY_BASE_URL"`
	IdentityToken   string `env:"IDENTITY_TOKEN"`

	DevIPuppets string `env:"DEV_I_PUPPETS"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// DevPuppets reports whether DEV_I_PUPPETS is truthy.
func (e *Env) DevPuppets() bool {
	switch strings.ToLower(strings.TrimSpace(e.DevIPuppets)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	default:
		return false
	}
}

// DiscordEnabled reports whether Adapter-D has credentials.
func (e *Env) DiscordEnabled() bool { return e.DiscordToken != "" }

// XMPPEnabled reports whether Adapter-X has credentials.
func (e *Env) XMPPEnabled() bool {
	return e.XComponentJID != "" && e.XComponentSecret != ""
}

// XComponentAddr returns host:port of the component stream.
func (e *Env) XComponentAddr() string {
	return fmt.Sprintf("%s:%d", e.XComponentServer, e.XComponentPort)
}

// LoadEnv reads a .env file from the working directory when present, then
// parses the environment.
func LoadEnv() (*Env, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return ParseEnv(nil)
}

// ParseEnv parses vars, or the process environment when vars is nil.
func ParseEnv(vars map[string]string) (*Env, error) {
	var e Env
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if e.IOperName == "" {
		e.IOperName = e.INick
	}
	return &e, nil
}

// File is the reloadable YAML configuration. Mappings stay raw nodes so the
// router can skip a malformed entry without failing the whole file.
type File struct {
	Mappings []yaml.Node `yaml:"mappings"`

	ContentFilterRegex      []string `yaml:"content_filter_regex"`
	IdentityCacheTTLSeconds int      `yaml:"identity_cache_ttl_seconds"`
	IDTrackerTTLSeconds     int      `yaml:"id_tracker_ttl_seconds"`
	QueueSizeEvents         int      `yaml:"queue_size"`
	StopTimeoutSeconds      int      `yaml:"stop_timeout_seconds"`

	IThrottleLimit         int      `yaml:"i_throttle_limit"`
	IAutoRejoin            *bool    `yaml:"i_auto_rejoin"`
	IRejoinDelay           float64  `yaml:"i_rejoin_delay"`
	IRedactEnabled         *bool    `yaml:"i_redact_enabled"`
	IRelaymsgSuffix        bool     `yaml:"i_relaymsg_suffix"`
	IPuppetPingInterval    int      `yaml:"i_puppet_ping_interval"`
	IPuppetIdleTimeout     int      `yaml:"i_puppet_idle_timeout"`
	IPuppetPrejoinCommands []string `yaml:"i_puppet_prejoin_commands"`
}

// Defaults.
const (
	DefaultThrottleLimit      = 10
	DefaultRejoinDelay        = 5 * time.Second
	DefaultPuppetPingInterval = 120 * time.Second
	DefaultPuppetIdleTimeout  = 24 * time.Hour
	DefaultIdentityCacheTTL   = time.Hour
	DefaultIDTrackerTTL       = time.Hour
	DefaultQueueSize          = 1024
	DefaultStopTimeout        = 10 * time.Second
)

// Parse decodes a YAML document. Unknown keys are ignored.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// ContentFilters implements relay.FilterSource.
func (f *File) ContentFilters() []string {
	return f.ContentFilterRegex
}

// QueueSize is the outbound queue capacity of each adapter.
func (f *File) QueueSize() int {
	if f.QueueSizeEvents <= 0 {
		return DefaultQueueSize
	}
	return f.QueueSizeEvents
}

func (f *File) StopTimeout() time.Duration {
	return seconds(f.StopTimeoutSeconds, DefaultStopTimeout)
}

func (f *File) ThrottleLimit() int {
	if f.IThrottleLimit <= 0 {
		return DefaultThrottleLimit
	}
	return f.IThrottleLimit
}

func (f *File) AutoRejoin() bool {
	return f.IAutoRejoin == nil || *f.IAutoRejoin
}

func (f *File) RejoinDelay() time.Duration {
	if f.IRejoinDelay <= 0 {
		return DefaultRejoinDelay
	}
	return time.Duration(f.IRejoinDelay * float64(time.Second))
}

func (f *File) RedactEnabled() bool {
	return f.IRedactEnabled == nil || *f.IRedactEnabled
}

func (f *File) PuppetPingInterval() time.Duration {
	return seconds(f.IPuppetPingInterval, DefaultPuppetPingInterval)
}

func (f *File) PuppetIdleTimeout() time.Duration {
	return seconds(f.IPuppetIdleTimeout, DefaultPuppetIdleTimeout)
}

func (f *File) IdentityCacheTTL() time.Duration {
	return seconds(f.IdentityCacheTTLSeconds, DefaultIdentityCacheTTL)
}

func (f *File) IDTrackerTTL() time.Duration {
	return seconds(f.IDTrackerTTLSeconds, DefaultIDTrackerTTL)
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
