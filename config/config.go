// Package config defines the enumerated deployment configuration for a
// sync-kernel instance. Reading it from a file or the environment is the
// entrypoint's job (cmd/syncserver); this package only validates shape.
package config

import (
	"fmt"
	"time"
)

// Config is the full set of knobs a sync-kernel instance needs at
// construction time.
type Config struct {
	// Auth
	AuthRequired   bool
	JWTSecret      []byte
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
	RefreshTokenTTL time.Duration
	APIKeys        map[string]struct{}

	// Connections
	MaxConnections    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AcceptConcurrency int

	// Sync
	BatchWindow       time.Duration
	AckTimeout        time.Duration
	MaxAckAttempts    int
	DeltaLogLimit     int

	// Awareness
	AwarenessTTL             time.Duration
	AwarenessReaperInterval  time.Duration

	// Storage — any non-empty DSN selects storage.SQLite; empty runs with
	// no persister, so document state lives only in memory.
	DatabaseURL string

	// PubSub — empty EtcdEndpoints selects the in-memory bus instead of
	// the etcd-backed cross-instance one.
	EtcdEndpoints       []string
	PubSubChannelPrefix string
}

// Default returns a Config populated with production-sane defaults.
// Callers typically start here and override individual fields from
// flags/env.
func Default() *Config {
	return &Config{
		AuthRequired:            true,
		AccessTokenTTL:          15 * time.Minute,
		RefreshTokenTTL:         7 * 24 * time.Hour,
		APIKeys:                 map[string]struct{}{},
		MaxConnections:          10000,
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        10 * time.Second,
		AcceptConcurrency:       256,
		BatchWindow:             50 * time.Millisecond,
		AckTimeout:              5 * time.Second,
		MaxAckAttempts:          3,
		DeltaLogLimit:           10000,
		AwarenessTTL:            30 * time.Second,
		AwarenessReaperInterval: 30 * time.Second,
		PubSubChannelPrefix:     "synckit:",
	}
}

// Validate checks internal consistency. It does not check reachability of
// DatabaseURL or EtcdEndpoints — those fail at dial time.
func (c *Config) Validate() error {
	if c.AuthRequired && len(c.JWTSecret) == 0 && len(c.APIKeys) == 0 {
		return fmt.Errorf("config: authRequired is true but no jwtSecret or apiKeys configured")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: maxConnections must be positive, got %d", c.MaxConnections)
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeatInterval and heartbeatTimeout must be positive")
	}
	if c.BatchWindow < 0 {
		return fmt.Errorf("config: batchWindow must be non-negative, got %s", c.BatchWindow)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("config: ackTimeout must be positive, got %s", c.AckTimeout)
	}
	if c.MaxAckAttempts <= 0 {
		return fmt.Errorf("config: maxAckAttempts must be positive, got %d", c.MaxAckAttempts)
	}
	if c.DeltaLogLimit < 0 {
		return fmt.Errorf("config: deltaLogLimit must be non-negative, got %d", c.DeltaLogLimit)
	}
	if c.AwarenessTTL <= 0 || c.AwarenessReaperInterval <= 0 {
		return fmt.Errorf("config: awarenessTTL and awarenessReaperInterval must be positive")
	}
	if c.PubSubChannelPrefix == "" {
		return fmt.Errorf("config: pubSubChannelPrefix must not be empty")
	}
	return nil
}
