// Package config loads daemon settings from a TOML file, an optional .env
// file and the environment, in increasing order of precedence.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/matheus3301/integrations/internal/store"
)

// Config represents ~/.integrations/config.toml.
type Config struct {
	// Instance names the data directory under the base dir.
	Instance string `toml:"instance" env:"INTEGRATIONS_INSTANCE"`
	// DataDir overrides the base dir (~/.integrations).
	DataDir  string   `toml:"data_dir" env:"INTEGRATIONS_DATA_DIR"`
	LogLevel string   `toml:"log_level" env:"INTEGRATIONS_LOG_LEVEL"`
	Channels []string `toml:"channels" env:"INTEGRATIONS_CHANNELS" envSeparator:","`

	MainAPI  MainAPIConfig  `toml:"main_api" envPrefix:"MAIN_API_"`
	Resolver ResolverConfig `toml:"resolver" envPrefix:"RESOLVER_"`
	HTTP     HTTPConfig     `toml:"http" envPrefix:"HTTP_"`
	Provider ProviderConfig `toml:"provider" envPrefix:"PROVIDER_"`

	Facebook FacebookConfig `toml:"facebook" envPrefix:"FACEBOOK_"`
	Gmail    OAuthConfig    `toml:"gmail" envPrefix:"GMAIL_"`
	Nylas    NylasConfig    `toml:"nylas" envPrefix:"NYLAS_"`
	Smooch   APIConfig      `toml:"smooch" envPrefix:"SMOOCH_"`
	WhatsApp WhatsAppConfig `toml:"whatsapp" envPrefix:"WHATSAPP_"`
	Telnyx   TelnyxConfig   `toml:"telnyx" envPrefix:"TELNYX_"`
}

// MainAPIConfig addresses the system of record.
type MainAPIConfig struct {
	URL     string   `toml:"url" env:"URL"`
	Timeout Duration `toml:"timeout" env:"TIMEOUT"`
}

// ResolverConfig tunes concurrent creation handling.
type ResolverConfig struct {
	PendingWait  Duration `toml:"pending_wait" env:"PENDING_WAIT"`
	PollInterval Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
}

// HTTPConfig configures the public listener.
type HTTPConfig struct {
	Addr     string   `toml:"addr" env:"ADDR"`
	MaxBody  int64    `toml:"max_body" env:"MAX_BODY"`
	Shutdown Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ProviderConfig applies to every outbound provider call.
type ProviderConfig struct {
	Timeout Duration `toml:"timeout" env:"TIMEOUT"`
	RPS     float64  `toml:"rps" env:"RPS"`
	Burst   int      `toml:"burst" env:"BURST"`
}

// FacebookConfig configures Messenger pages. AppSecret signs webhooks.
type FacebookConfig struct {
	GraphURL    string `toml:"graph_url" env:"GRAPH_URL"`
	VerifyToken string `toml:"verify_token" env:"VERIFY_TOKEN"`
	AppSecret   string `toml:"app_secret" env:"APP_SECRET"`
}

// OAuthConfig is shared by the mail providers that refresh tokens through
// an OAuth2 token endpoint.
type OAuthConfig struct {
	APIURL       string `toml:"api_url" env:"API_URL"`
	TokenURL     string `toml:"token_url" env:"TOKEN_URL"`
	ClientID     string `toml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `toml:"client_secret" env:"CLIENT_SECRET"`
}

// NylasConfig adds the delta webhook secret to the OAuth settings.
type NylasConfig struct {
	OAuthConfig
	WebhookSecret string `toml:"webhook_secret" env:"WEBHOOK_SECRET"`
}

// APIConfig points a channel at its provider API.
type APIConfig struct {
	APIURL string `toml:"api_url" env:"API_URL"`
}

// WhatsAppConfig configures the hosted instance API.
type WhatsAppConfig struct {
	APIURL string `toml:"api_url" env:"API_URL"`
	// WebhookToken is expected as ?token= on the instance webhook URL.
	WebhookToken string `toml:"webhook_token" env:"WEBHOOK_TOKEN"`
}

// TelnyxConfig configures SMS sends and webhook verification.
type TelnyxConfig struct {
	APIURL string `toml:"api_url" env:"API_URL"`
	APIKey string `toml:"api_key" env:"API_KEY"`
	// PublicKey is the base64 ed25519 key from the Telnyx portal.
	PublicKey string `toml:"public_key" env:"PUBLIC_KEY"`
}

// Duration decodes "10s" style strings from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in settings.
func Default() *Config {
	channels := make([]string, len(store.Kinds))
	for i, k := range store.Kinds {
		channels[i] = string(k)
	}
	return &Config{
		Instance: "main",
		LogLevel: "info",
		Channels: channels,
		MainAPI: MainAPIConfig{
			URL:     "http://localhost:3300",
			Timeout: Duration{10 * time.Second},
		},
		Resolver: ResolverConfig{
			PendingWait:  Duration{5 * time.Second},
			PollInterval: Duration{50 * time.Millisecond},
		},
		HTTP: HTTPConfig{
			Addr:     ":3400",
			MaxBody:  5 << 20,
			Shutdown: Duration{10 * time.Second},
		},
		Provider: ProviderConfig{
			Timeout: Duration{10 * time.Second},
			RPS:     10,
			Burst:   20,
		},
	}
}

// Load reads the file at path over the defaults. A missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration. A missing file at path is not
// an error; the defaults apply. envFile, when it exists, is loaded into the
// process environment before the overrides are read.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.MainAPI.URL == "" {
		return errors.New("main_api.url is required")
	}
	for _, ch := range c.Channels {
		if _, err := store.ParseKind(ch); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
	}
	if c.Provider.RPS <= 0 || c.Provider.Burst <= 0 {
		return errors.New("provider.rps and provider.burst must be positive")
	}
	if k := c.Telnyx.PublicKey; k != "" {
		if key, err := base64.StdEncoding.DecodeString(k); err != nil || len(key) != ed25519.PublicKeySize {
			return errors.New("telnyx.public_key must be a base64 ed25519 public key")
		}
	}
	return nil
}

// Enabled reports whether the channel kind is switched on.
func (c *Config) Enabled(kind store.Kind) bool {
	for _, ch := range c.Channels {
		if ch == string(kind) {
			return true
		}
	}
	return false
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
