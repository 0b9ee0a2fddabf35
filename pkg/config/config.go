package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all offlinekit configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	Version    string           `yaml:"version"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Cache      CacheConfig      `yaml:"cache"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Queue      QueueConfig      `yaml:"queue"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Snapshots  SnapshotConfig   `yaml:"snapshots"`
	Router     RouterConfig     `yaml:"router"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	DeadLetter DeadLetterConfig `yaml:"deadletter"`
	Log        LogConfig        `yaml:"log"`
}

// UpstreamConfig points at the real service the proxy fronts.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig controls the content cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Compress   bool          `yaml:"compress"`
}

// ResolverConfig controls offline chat synthesis.
type ResolverConfig struct {
	MaxGenerated  int           `yaml:"max_generated"`
	GeneratedTTL  time.Duration `yaml:"generated_ttl"`
	ChunkSize     int           `yaml:"chunk_size"`
	OfflinePrefix string        `yaml:"offline_prefix"`
	TemplatesFile string        `yaml:"templates_file"`
}

// QueueConfig controls mutation replay.
type QueueConfig struct {
	CredentialTimeout time.Duration `yaml:"credential_timeout"`
}

// TriggerConfig controls when reconciliation runs.
type TriggerConfig struct {
	Debounce         time.Duration `yaml:"debounce"`
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbePath        string        `yaml:"probe_path"`
}

// SnapshotConfig bounds the offline list snapshots.
type SnapshotConfig struct {
	MaxConversations           int `yaml:"max_conversations"`
	MaxMessagesPerConversation int `yaml:"max_messages_per_conversation"`
	// RefreshConversations is how many recent conversations get their
	// messages re-fetched on a periodic wake.
	RefreshConversations int `yaml:"refresh_conversations"`
}

// RouterConfig defines the ordered strategy rules.
type RouterConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig maps requests to a handling strategy. The first matching rule wins.
type RuleConfig struct {
	Name       string   `yaml:"name"`
	Methods    []string `yaml:"methods"`
	Prefix     string   `yaml:"prefix"`
	Pattern    string   `yaml:"pattern"`
	Extensions []string `yaml:"extensions"`
	Accept     string   `yaml:"accept"`
	Strategy   string   `yaml:"strategy"`
	// Snapshot is "conversations" or "messages" for store-backed rules.
	Snapshot string `yaml:"snapshot"`
}

// ProxyConfig names the special upstream endpoints.
type ProxyConfig struct {
	ChatPath          string `yaml:"chat_path"`
	ConversationsPath string `yaml:"conversations_path"`
	TemplatesPath     string `yaml:"templates_path"`
	FallbackPage      string `yaml:"fallback_page"`
	// AllowedOrigins lists browser origins, besides the proxy's own, that
	// may open the foreground channel.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DeadLetterConfig controls the rejected-mutation log.
type DeadLetterConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:  ":8787",
		DBPath:  "offlinekit.db",
		Version: "v1",
		Upstream: UpstreamConfig{
			URL:     "http://localhost:3000",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			TTL:        7 * 24 * time.Hour,
			MaxEntries: 500,
			Compress:   true,
		},
		Resolver: ResolverConfig{
			MaxGenerated:  100,
			GeneratedTTL:  24 * time.Hour,
			ChunkSize:     24,
			OfflinePrefix: "[offline] ",
		},
		Queue: QueueConfig{
			CredentialTimeout: 3 * time.Second,
		},
		Trigger: TriggerConfig{
			Debounce:         5 * time.Second,
			PeriodicInterval: 15 * time.Minute,
			ProbeInterval:    30 * time.Second,
			ProbePath:        "/api/health",
		},
		Snapshots: SnapshotConfig{
			MaxConversations:           50,
			MaxMessagesPerConversation: 200,
			RefreshConversations:       5,
		},
		Proxy: ProxyConfig{
			ChatPath:          "/api/chat",
			ConversationsPath: "/api/conversations",
			TemplatesPath:     "/api/offline/templates",
			FallbackPage:      "/offline.html",
		},
		DeadLetter: DeadLetterConfig{
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path if it exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks that required fields are set and bounds are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.Version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url cannot be empty")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Resolver.MaxGenerated <= 0 {
		return fmt.Errorf("resolver.max_generated must be > 0")
	}
	if c.Resolver.ChunkSize <= 0 {
		return fmt.Errorf("resolver.chunk_size must be > 0")
	}
	if c.Trigger.Debounce < 0 {
		return fmt.Errorf("trigger.debounce must be >= 0")
	}
	if !strings.HasPrefix(c.Proxy.ChatPath, "/") {
		return fmt.Errorf("proxy.chat_path must start with /")
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
