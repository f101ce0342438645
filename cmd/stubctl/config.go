package main

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

const envPrefix = "STUBCTL_"

// Config is the stubctl configuration. Values come from an optional YAML file,
// then STUBCTL_ environment variables (STUBCTL_STORE__BACKEND sets
// store.backend), then command line flags.
type Config struct {
	Store   StoreConfig   `koanf:"store"`
	Webhook WebhookConfig `koanf:"webhook"`
	// StrictTypes rejects questions whose type has no matcher.
	StrictTypes bool `koanf:"strict_types"`
}

type StoreConfig struct {
	Backend     string `koanf:"backend"` // memory, sqlite, redis
	SQLitePath  string `koanf:"sqlite_path"`
	RedisURL    string `koanf:"redis_url"`
	RedisPrefix string `koanf:"redis_prefix"`
}

type WebhookConfig struct {
	Timeout   time.Duration `koanf:"timeout"`
	AuthToken string        `koanf:"auth_token"`
}

func (c StoreConfig) options() store.OpenOptions {
	return store.OpenOptions{
		SQLitePath:  c.SQLitePath,
		RedisURL:    c.RedisURL,
		RedisPrefix: c.RedisPrefix,
	}
}

var defaults = map[string]any{
	"store.backend":      store.BackendSQLite,
	"store.sqlite_path":  "./twilio-stub.db",
	"store.redis_url":    "redis://localhost:6379/0",
	"store.redis_prefix": "twilio-stub:",
	"webhook.timeout":    "10s",
}

// loadConfig reads path (when it exists), the environment and overrides, in
// that order. overrides uses dotted keys.
func loadConfig(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
