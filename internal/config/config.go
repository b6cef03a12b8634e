// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package config

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// Config is the top-level Parley configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Typing   TypingConfig   `mapstructure:"typing"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Offline  OfflineConfig  `mapstructure:"offline"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// ServerConfig controls how the HTTP API listens for connections.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// WebhooksConfig routes session kinds to their conversation-processing
// endpoints. Header values may be keyring:// URIs; they are resolved before
// the config reaches the delivery client.
type WebhooksConfig struct {
	Public  WebhookConfig     `mapstructure:"public"`
	Admin   WebhookConfig     `mapstructure:"admin"`
	Headers map[string]string `mapstructure:"headers"`
}

// WebhookConfig holds one endpoint.
type WebhookConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// DeliveryConfig controls webhook call behavior.
type DeliveryConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// TypingConfig bounds the artificial typing delay applied before replies
// are surfaced.
type TypingConfig struct {
	PerRune time.Duration `mapstructure:"per_rune"`
	Min     time.Duration `mapstructure:"min"`
	Max     time.Duration `mapstructure:"max"`
}

// SessionsConfig controls session lifecycle.
type SessionsConfig struct {
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// OfflineConfig controls connectivity probing and queue reconciliation.
type OfflineConfig struct {
	AutoSync      bool          `mapstructure:"auto_sync"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// StorageConfig selects the durable storage backend for the offline queue
// and session snapshots.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// Endpoints returns the configured webhook endpoints keyed by session kind.
// Kinds without an endpoint are omitted.
func (c *Config) Endpoints() map[store.SessionKind]string {
	out := make(map[store.SessionKind]string, 2)
	if c.Webhooks.Public.Endpoint != "" {
		out[store.SessionKindPublic] = c.Webhooks.Public.Endpoint
	}
	if c.Webhooks.Admin.Endpoint != "" {
		out[store.SessionKindAdmin] = c.Webhooks.Admin.Endpoint
	}
	return out
}

// SetDefaults installs Parley's defaults on a Viper instance. The cobra
// root uses the same instance so flags, env, and file all land in one place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("delivery.timeout", "30s")
	v.SetDefault("delivery.retry_delay", "1s")
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("typing.per_rune", "30ms")
	v.SetDefault("typing.min", "500ms")
	v.SetDefault("typing.max", "3s")
	v.SetDefault("sessions.idle_ttl", "30m")
	v.SetDefault("sessions.reap_interval", "5m")
	v.SetDefault("offline.auto_sync", true)
	v.SetDefault("offline.probe_interval", "30s")
	v.SetDefault("storage.backend", "sqlite")
}

// SetupEnv installs the PARLEY_ environment prefix on a Viper instance, so
// any config key can be overridden as PARLEY_SECTION_KEY.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix PARLEY_).
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, parleyerr.Errorf(parleyerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a populated Viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found, collecting every issue rather than stopping at
// the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateWebhooks()...)
	errs = append(errs, c.validateDelivery()...)
	errs = append(errs, c.validateTyping()...)
	errs = append(errs, c.validateSessions()...)
	errs = append(errs, c.validateOffline()...)
	errs = append(errs, c.validateStorage()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue, "config: server.listen must not be empty"))
		return errs
	}

	// Host can be empty (e.g. ":8080"), which is valid.
	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q",
			portStr,
		))
	} else if port < 1 || port > 65535 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d",
			port,
		))
	}

	return errs
}

func (c *Config) validateWebhooks() []error {
	var errs []error

	check := func(name, endpoint string) {
		if endpoint == "" {
			return
		}
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
				"config: webhooks.%s.endpoint must be an http(s) URL, got %q",
				name, endpoint,
			))
		}
	}
	check("public", c.Webhooks.Public.Endpoint)
	check("admin", c.Webhooks.Admin.Endpoint)

	return errs
}

func (c *Config) validateDelivery() []error {
	var errs []error

	if c.Delivery.Timeout <= 0 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: delivery.timeout must be greater than 0, got %s",
			c.Delivery.Timeout,
		))
	}
	if c.Delivery.RetryDelay < 0 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: delivery.retry_delay must not be negative, got %s",
			c.Delivery.RetryDelay,
		))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: delivery.max_attempts must be at least 1, got %d",
			c.Delivery.MaxAttempts,
		))
	}

	return errs
}

func (c *Config) validateTyping() []error {
	var errs []error

	if c.Typing.PerRune <= 0 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: typing.per_rune must be greater than 0, got %s",
			c.Typing.PerRune,
		))
	}
	if c.Typing.Min <= 0 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: typing.min must be greater than 0, got %s",
			c.Typing.Min,
		))
	}
	if c.Typing.Max < c.Typing.Min {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: typing.max must not be less than typing.min, got max=%s min=%s",
			c.Typing.Max, c.Typing.Min,
		))
	}

	return errs
}

func (c *Config) validateSessions() []error {
	var errs []error

	if c.Sessions.IdleTTL <= 0 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: sessions.idle_ttl must be greater than 0, got %s",
			c.Sessions.IdleTTL,
		))
	}
	if c.Sessions.ReapInterval <= 0 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: sessions.reap_interval must be greater than 0, got %s",
			c.Sessions.ReapInterval,
		))
	}

	return errs
}

func (c *Config) validateOffline() []error {
	var errs []error

	if c.Offline.ProbeInterval <= 0 {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: offline.probe_interval must be greater than 0, got %s",
			c.Offline.ProbeInterval,
		))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	// Backend names are resolved against the registry at startup, so only
	// emptiness is checked here.
	if c.Storage.Backend == "" {
		errs = append(errs, parleyerr.Errorf(parleyerr.CodeConfigValidateInvalidValue,
			"config: storage.backend must not be empty"))
	}

	return errs
}
