// Package config loads the enumerated tunables of SPEC_FULL.md §6 from a
// YAML file, the same loader shape as the teacher's authn/main.go: a
// gopkg.in/yaml.v3 decoder with KnownFields(true) so a typo'd key fails
// loudly instead of silently falling back to a default.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/reeltake/collab/internal/breaker"
	"github.com/reeltake/collab/internal/queue"
	"gopkg.in/yaml.v3"
)

// defaultCatchupPageSize mirrors provider.DefaultCatchupPageSize without
// importing the provider package, keeping config a leaf dependency.
const defaultCatchupPageSize = 256

// Breakers holds the three named breaker configs.
type Breakers struct {
	Persist     BreakerConfig `yaml:"persist"`
	Subscribe   BreakerConfig `yaml:"subscribe"`
	LoadInitial BreakerConfig `yaml:"loadInitial"`
}

// BreakerConfig mirrors breaker.Config with yaml tags and zero-value
// defaulting; all fields are optional in the file.
type BreakerConfig struct {
	TimeoutMs         int    `yaml:"timeoutMs"`
	ErrorThresholdPct int    `yaml:"errorThresholdPct"`
	VolumeThreshold   uint32 `yaml:"volumeThreshold"`
	ResetTimeoutMs    int    `yaml:"resetTimeoutMs"`
	RollingWindowMs   int    `yaml:"rollingWindowMs"`
}

func (c BreakerConfig) toBreaker(def breaker.Config) breaker.Config {
	if c.TimeoutMs > 0 {
		def.TimeoutMs = c.TimeoutMs
	}
	if c.ErrorThresholdPct > 0 {
		def.ErrorThresholdPct = c.ErrorThresholdPct
	}
	if c.VolumeThreshold > 0 {
		def.VolumeThreshold = c.VolumeThreshold
	}
	if c.ResetTimeoutMs > 0 {
		def.ResetTimeoutMs = c.ResetTimeoutMs
	}
	if c.RollingWindowMs > 0 {
		def.RollingWindowMs = c.RollingWindowMs
	}
	return def
}

// Queue mirrors spec.md §6's queue.* keys.
type Queue struct {
	MaxAttempts     int `yaml:"maxAttempts"`
	DrainIntervalMs int `yaml:"drainIntervalMs"`
}

// Channel mirrors spec.md §6's channel.* keys.
type Channel struct {
	CatchupPageSize int `yaml:"catchupPageSize"`
}

// Codec mirrors spec.md §6's codec.* keys.
type Codec struct {
	MinUpdateBytes int `yaml:"minUpdateBytes"`
}

// Auth holds the shared secret used to verify (and, for cmd/collab-token,
// mint) bearer tokens.
type Auth struct {
	JWTSecret string `yaml:"jwtSecret"`
}

// Config is the top-level collab configuration file.
type Config struct {
	Breakers Breakers `yaml:"breakers"`
	Queue    Queue    `yaml:"queue"`
	Channel  Channel  `yaml:"channel"`
	Codec    Codec    `yaml:"codec"`
	Auth     Auth     `yaml:"auth"`

	// QueuePath is where the offline queue's SQLite file lives on disk.
	QueuePath string `yaml:"queuePath"`
}

// Load parses the YAML file at path. Unknown keys are a hard error, per the
// teacher's own loadConfig.
func Load(path string) (Config, error) {
	var in, err = os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer in.Close()

	var cfg Config
	var dec = yaml.NewDecoder(in)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// PersistBreaker returns the persist breaker config, layered over
// breaker.DefaultConfig.
func (c Config) PersistBreaker() breaker.Config {
	return c.Breakers.Persist.toBreaker(breaker.DefaultConfig())
}

// SubscribeBreaker returns the subscribe breaker config, layered over
// breaker.DefaultConfig.
func (c Config) SubscribeBreaker() breaker.Config {
	return c.Breakers.Subscribe.toBreaker(breaker.DefaultConfig())
}

// LoadInitialBreaker returns the loadInitial breaker config, layered over
// breaker.DefaultLoadInitialConfig.
func (c Config) LoadInitialBreaker() breaker.Config {
	return c.Breakers.LoadInitial.toBreaker(breaker.DefaultLoadInitialConfig())
}

// QueueMaxAttempts returns queue.maxAttempts, defaulting per spec.md §6.
func (c Config) QueueMaxAttempts() int {
	if c.Queue.MaxAttempts > 0 {
		return c.Queue.MaxAttempts
	}
	return queue.DefaultMaxAttempts
}

// DrainInterval returns queue.drainIntervalMs as a time.Duration.
func (c Config) DrainInterval() time.Duration {
	if c.Queue.DrainIntervalMs > 0 {
		return time.Duration(c.Queue.DrainIntervalMs) * time.Millisecond
	}
	return 5 * time.Second
}

// CatchupPageSize returns channel.catchupPageSize, defaulted.
func (c Config) CatchupPageSize() int {
	if c.Channel.CatchupPageSize > 0 {
		return c.Channel.CatchupPageSize
	}
	return defaultCatchupPageSize
}

// MinUpdateBytes returns codec.minUpdateBytes, defaulted.
func (c Config) MinUpdateBytes() int {
	if c.Codec.MinUpdateBytes > 0 {
		return c.Codec.MinUpdateBytes
	}
	return 4
}
