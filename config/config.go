// Package config loads the settings that tune an LSNP node: the UDP port,
// presence timing, retry backoff, file-transfer chunking, and the dedupe
// and token bookkeeping limits. Values come from flags, LSNP_-prefixed
// environment variables, and an optional YAML file, in that precedence
// order, falling back to the defaults below.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable named by the protocol's settings table.
type Config struct {
	Port int `mapstructure:"port"`

	ProfileInterval time.Duration `mapstructure:"profile_interval"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
	EvictThreshold  time.Duration `mapstructure:"evict_threshold"`

	RetrySchedule []time.Duration `mapstructure:"-"`

	FileChunkSize int `mapstructure:"file_chunk_size"`
	FileWindow    int `mapstructure:"file_window"`

	// SessionTimeout bounds how long an unanswered FILE_OFFER or
	// GAME_INVITE waits before the offering/inviting side gives up and
	// surfaces session_timeout to the UI (spec.md §7).
	SessionTimeout time.Duration `mapstructure:"session_timeout"`

	DedupeCap int           `mapstructure:"dedupe_cap"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`

	TokenTTL time.Duration `mapstructure:"token_ttl"`

	Verbose bool `mapstructure:"verbose"`
}

// Default returns the protocol's stock settings.
func Default() Config {
	return Config{
		Port:            50999,
		ProfileInterval: 30 * time.Second,
		PingInterval:    10 * time.Second,
		StaleThreshold:  60 * time.Second,
		EvictThreshold:  300 * time.Second,
		RetrySchedule:   []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		FileChunkSize:   1024,
		FileWindow:      8,
		SessionTimeout:  60 * time.Second,
		DedupeCap:       4096,
		DedupeTTL:       60 * time.Second,
		TokenTTL:        3600 * time.Second,
		Verbose:         false,
	}
}

// BindFlags registers every setting as a flag on fs, seeded with the
// defaults, so callers can expose them on a cobra command.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("port", d.Port, "UDP port to bind")
	fs.Duration("profile-interval", d.ProfileInterval, "interval between PROFILE broadcasts")
	fs.Duration("ping-interval", d.PingInterval, "interval between PING broadcasts")
	fs.Duration("stale-threshold", d.StaleThreshold, "time since last contact before a peer is stale")
	fs.Duration("evict-threshold", d.EvictThreshold, "time since last contact before a peer is evicted")
	fs.Int("file-chunk-size", d.FileChunkSize, "file transfer chunk size in bytes")
	fs.Int("file-window", d.FileWindow, "file transfer sliding window size in chunks")
	fs.Duration("session-timeout", d.SessionTimeout, "time an unanswered file offer or game invite waits before timing out")
	fs.Int("dedupe-cap", d.DedupeCap, "maximum entries held in the dedupe cache")
	fs.Duration("dedupe-ttl", d.DedupeTTL, "dedupe cache entry lifetime")
	fs.Duration("token-ttl", d.TokenTTL, "capability token lifetime")
	fs.Bool("verbose", d.Verbose, "log dropped/duplicate/unauthorized frames")
}

// Load resolves a Config from flags (fs, may be nil), the LSNP_-prefixed
// environment, and an optional YAML file, in descending precedence, with
// Default() underneath everything.
func Load(fs *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LSNP")
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("port", d.Port)
	v.SetDefault("profile_interval", d.ProfileInterval)
	v.SetDefault("ping_interval", d.PingInterval)
	v.SetDefault("stale_threshold", d.StaleThreshold)
	v.SetDefault("evict_threshold", d.EvictThreshold)
	v.SetDefault("file_chunk_size", d.FileChunkSize)
	v.SetDefault("file_window", d.FileWindow)
	v.SetDefault("session_timeout", d.SessionTimeout)
	v.SetDefault("dedupe_cap", d.DedupeCap)
	v.SetDefault("dedupe_ttl", d.DedupeTTL)
	v.SetDefault("token_ttl", d.TokenTTL)
	v.SetDefault("verbose", d.Verbose)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	if fs != nil {
		bindEnv := func(key, flag string) {
			if f := fs.Lookup(flag); f != nil {
				v.BindPFlag(key, f)
			}
		}
		bindEnv("port", "port")
		bindEnv("profile_interval", "profile-interval")
		bindEnv("ping_interval", "ping-interval")
		bindEnv("stale_threshold", "stale-threshold")
		bindEnv("evict_threshold", "evict-threshold")
		bindEnv("file_chunk_size", "file-chunk-size")
		bindEnv("file_window", "file-window")
		bindEnv("session_timeout", "session-timeout")
		bindEnv("dedupe_cap", "dedupe-cap")
		bindEnv("dedupe_ttl", "dedupe-ttl")
		bindEnv("token_ttl", "token-ttl")
		bindEnv("verbose", "verbose")
	}

	cfg := Config{
		Port:            v.GetInt("port"),
		ProfileInterval: v.GetDuration("profile_interval"),
		PingInterval:    v.GetDuration("ping_interval"),
		StaleThreshold:  v.GetDuration("stale_threshold"),
		EvictThreshold:  v.GetDuration("evict_threshold"),
		RetrySchedule:   d.RetrySchedule,
		FileChunkSize:   v.GetInt("file_chunk_size"),
		FileWindow:      v.GetInt("file_window"),
		SessionTimeout:  v.GetDuration("session_timeout"),
		DedupeCap:       v.GetInt("dedupe_cap"),
		DedupeTTL:       v.GetDuration("dedupe_ttl"),
		TokenTTL:        v.GetDuration("token_ttl"),
		Verbose:         v.GetBool("verbose"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would make the node misbehave rather
// than simply run slower or chattier than intended.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.FileChunkSize <= 0 {
		return fmt.Errorf("config: file_chunk_size must be positive")
	}
	if c.FileWindow <= 0 {
		return fmt.Errorf("config: file_window must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("config: session_timeout must be positive")
	}
	if c.DedupeCap <= 0 {
		return fmt.Errorf("config: dedupe_cap must be positive")
	}
	return nil
}
