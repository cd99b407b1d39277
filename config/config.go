// Package config holds the tunables of a confcache engine. Everything is a
// plain struct passed in at construction time; FromEnv fills it from the
// environment for processes that configure themselves that way.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config tunes one engine instance. The zero value is usable: New applies
// the defaults below for every zero field.
type Config struct {
	// Cache core.
	Capacity       int           `env:"CONFCACHE_CAPACITY"`        // max unpinned records; 0 => 10000
	DefaultTTL     time.Duration `env:"CONFCACHE_DEFAULT_TTL"`     // record TTL; 0 => 10m
	FloorRetention time.Duration `env:"CONFCACHE_FLOOR_RETENTION"` // version floor retention; 0 => 24h
	SweepInterval  time.Duration `env:"CONFCACHE_SWEEP_INTERVAL"`  // expiry/floor sweep; 0 => 1m

	// Second-level byte cache.
	L2TTL time.Duration `env:"CONFCACHE_L2_TTL"` // 0 => DefaultTTL

	// Async operation manager.
	Workers    int           `env:"CONFCACHE_WORKERS"`     // worker pool size; 0 => 8
	QueueDepth int           `env:"CONFCACHE_QUEUE_DEPTH"` // bounded submit queue; 0 => 256
	OpTimeout  time.Duration `env:"CONFCACHE_OP_TIMEOUT"`  // per store round-trip; 0 => 5s

	// Change feed listener.
	ReorderWindow    time.Duration `env:"CONFCACHE_REORDER_WINDOW"`     // 0 => apply immediately
	ReconnectMinWait time.Duration `env:"CONFCACHE_RECONNECT_MIN_WAIT"` // backoff floor; 0 => 250ms
	ReconnectMaxWait time.Duration `env:"CONFCACHE_RECONNECT_MAX_WAIT"` // backoff cap; 0 => 30s

	// Hot reload.
	ReloadGrace     time.Duration `env:"CONFCACHE_RELOAD_GRACE"`     // pre-suspend grace; 0 => none
	SuspendTimeout  time.Duration `env:"CONFCACHE_SUSPEND_TIMEOUT"`  // write drain; 0 => 10s
	LoadTimeout     time.Duration `env:"CONFCACHE_LOAD_TIMEOUT"`     // 0 => 30s
	ValidateTimeout time.Duration `env:"CONFCACHE_VALIDATE_TIMEOUT"` // 0 => 10s

	// Translations.
	DefaultLanguage string        `env:"CONFCACHE_DEFAULT_LANGUAGE"` // "" => "en"
	LanguageTTL     time.Duration `env:"CONFCACHE_LANGUAGE_TTL"`     // effective-language cache; 0 => 5m
}

// FromEnv reads a Config from the process environment.
func FromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return c, nil
}
