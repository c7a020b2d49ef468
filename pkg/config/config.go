// Copyright 2024-2026 Aiku AI

// Package config loads and validates the bot configuration from a YAML file.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig holds the Matrix connection settings. All three fields
// are required; the daemon refuses to start without them.
type HomeserverConfig struct {
	Address     string `yaml:"address"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// EncryptionConfig controls end-to-end encryption support for the bot's own
// session. When disabled, messages to encrypted rooms are still attempted
// but cannot be decrypted locally (which matters for bridge reply parsing).
type EncryptionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	PickleKey string `yaml:"pickle_key"`
	StorePath string `yaml:"store_path"`
}

// RoomsConfig names the well-known rooms the bot operates in.
type RoomsConfig struct {
	Default     string `yaml:"default"`
	Welcome     string `yaml:"welcome"`
	BridgeAdmin string `yaml:"bridge_admin"`
}

// BridgeConfig describes the bridge bot and the knobs of the chat-command
// protocol used to talk to it. BotAddress and the admin room are required
// for bridge deliveries; their absence disables that capability only.
type BridgeConfig struct {
	BotAddress     string `yaml:"bot_address"`
	AddressPrefix  string `yaml:"address_prefix"`
	ResolveCommand string `yaml:"resolve_command"`
	ChatCommand    string `yaml:"chat_command"`
	DefaultRegion  string `yaml:"default_region"`

	ResolveDelaySeconds  int   `yaml:"resolve_delay_seconds"`
	SearchDelaySeconds   []int `yaml:"search_delay_seconds"`
	SettleDelaySeconds   int   `yaml:"settle_delay_seconds"`
	DirectRoomMaxMembers int   `yaml:"direct_room_max_members"`

	Keywords []string `yaml:"keywords"`
}

// CacheConfig controls the local room/user cache and its freshness policy.
type CacheConfig struct {
	Path             string   `yaml:"path"`
	MinRoomMembers   int      `yaml:"min_room_members"`
	FreshnessMinutes int      `yaml:"freshness_minutes"`
	DegradedMinutes  int      `yaml:"degraded_minutes"`
	PriorityKeywords []string `yaml:"priority_keywords"`
	// Categories maps a category label to name/topic keywords. The first
	// matching category is recorded on the cached room.
	Categories map[string][]string `yaml:"categories"`
}

// SendConfig holds the messaging knobs: bulk batching and the encrypted-room
// warm-up delay.
type SendConfig struct {
	BatchSize          int    `yaml:"batch_size"`
	BatchDelayMs       int    `yaml:"batch_delay_ms"`
	SettleDelaySeconds int    `yaml:"settle_delay_seconds"`
	HelloText          string `yaml:"hello_text"`
	ModeratorTag       string `yaml:"moderator_tag"`
	RecommendLimit     int    `yaml:"recommend_limit"`
}

// APIConfig is the listen address for the inbound HTTP API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// SyncConfig controls the scheduled background sync in the daemon.
type SyncConfig struct {
	BackgroundCron   string `yaml:"background_cron"`
	BackgroundMaxAge int    `yaml:"background_max_age_minutes"`
}

// Config is the root configuration document.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Cache      CacheConfig      `yaml:"cache"`
	Send       SendConfig       `yaml:"send"`
	API        APIConfig        `yaml:"api"`
	Sync       SyncConfig       `yaml:"sync"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and validates required settings.
func (c *Config) PostProcess() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.UserID == "" {
		return fmt.Errorf("homeserver.user_id is required")
	}
	if _, _, err := id.UserID(c.Homeserver.UserID).Parse(); err != nil {
		return fmt.Errorf("homeserver.user_id is not a valid Matrix user ID: %w", err)
	}
	if c.Homeserver.AccessToken == "" {
		return fmt.Errorf("homeserver.access_token is required")
	}
	if c.Encryption.Enabled {
		if c.Encryption.PickleKey == "" {
			return fmt.Errorf("encryption.pickle_key is required when encryption is enabled")
		}
		if c.Encryption.StorePath == "" {
			c.Encryption.StorePath = "crypto.db"
		}
	}

	if c.Bridge.ResolveCommand == "" {
		c.Bridge.ResolveCommand = "resolve"
	}
	if c.Bridge.ChatCommand == "" {
		c.Bridge.ChatCommand = "pm"
	}
	if c.Bridge.DefaultRegion == "" {
		c.Bridge.DefaultRegion = "US"
	}
	if c.Bridge.ResolveDelaySeconds <= 0 {
		c.Bridge.ResolveDelaySeconds = 3
	}
	if len(c.Bridge.SearchDelaySeconds) == 0 {
		c.Bridge.SearchDelaySeconds = []int{2, 3, 5}
	}
	if c.Bridge.SettleDelaySeconds <= 0 {
		c.Bridge.SettleDelaySeconds = 2
	}
	if c.Bridge.DirectRoomMaxMembers <= 0 {
		c.Bridge.DirectRoomMaxMembers = 5
	}
	if len(c.Bridge.Keywords) == 0 {
		c.Bridge.Keywords = []string{"bridge", "signal", "whatsapp", "sms"}
	}

	if c.Cache.Path == "" {
		c.Cache.Path = "cache.db"
	}
	if c.Cache.MinRoomMembers <= 0 {
		c.Cache.MinRoomMembers = 2
	}
	if c.Cache.FreshnessMinutes <= 0 {
		c.Cache.FreshnessMinutes = 30
	}
	if c.Cache.DegradedMinutes <= 0 {
		c.Cache.DegradedMinutes = 60
	}
	if len(c.Cache.PriorityKeywords) == 0 {
		c.Cache.PriorityKeywords = []string{"mod", "admin", "staff", "announce"}
	}

	if c.Send.BatchSize <= 0 {
		c.Send.BatchSize = 10
	}
	if c.Send.BatchDelayMs < 0 {
		c.Send.BatchDelayMs = 0
	}
	if c.Send.SettleDelaySeconds <= 0 {
		c.Send.SettleDelaySeconds = 5
	}
	if c.Send.HelloText == "" {
		c.Send.HelloText = "👋"
	}
	if c.Send.ModeratorTag == "" {
		c.Send.ModeratorTag = "[mod]"
	}
	if c.Send.RecommendLimit <= 0 {
		c.Send.RecommendLimit = 3
	}

	if c.API.Addr == "" {
		c.API.Addr = ":29600"
	}
	if c.Sync.BackgroundCron == "" {
		c.Sync.BackgroundCron = "@every 15m"
	}
	if c.Sync.BackgroundMaxAge <= 0 {
		c.Sync.BackgroundMaxAge = c.Cache.FreshnessMinutes
	}
	return nil
}

// BridgeConfigured reports whether the bridge capability has the settings it
// needs. Missing bridge settings are not fatal to the rest of the system.
func (c *Config) BridgeConfigured() bool {
	return c.Bridge.BotAddress != "" && c.Rooms.BridgeAdmin != ""
}

// Freshness returns the cache freshness window as a duration.
func (c *CacheConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessMinutes) * time.Minute
}
