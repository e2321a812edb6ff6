// Package config loads shuffle node configuration from YAML files and
// SHUFFLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	shuffle "github.com/ironfang-ltd/go-shuffle"
)

// Config is the root node configuration.
type Config struct {
	// HostID identifies this node in transport handshakes.
	HostID string `mapstructure:"host_id"`

	// ListenAddr is where the transport accepts peer connections.
	ListenAddr string `mapstructure:"listen_addr"`

	// AdminAddr enables the admin HTTP server when non-empty.
	AdminAddr string `mapstructure:"admin_addr"`

	// Job is the job whose packets this node exchanges.
	Job string `mapstructure:"job"`

	// Peers lists every host of the job, this one included.
	Peers []shuffle.Peer `mapstructure:"peers"`

	// Containers are the local receivers packets are routed to.
	Containers []ContainerConfig `mapstructure:"containers"`

	Shuffle ShuffleConfig     `mapstructure:"shuffle"`
	Log     shuffle.LogConfig `mapstructure:"log"`
}

// ContainerConfig declares one local container and its tasks.
type ContainerConfig struct {
	ID    int64   `mapstructure:"id"`
	Tasks []int32 `mapstructure:"tasks"`
}

// ShuffleConfig tunes the network tasks.
type ShuffleConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size"`
	ReceiveBufferSize int           `mapstructure:"receive_buffer_size"`
	MaxPayload        int           `mapstructure:"max_payload"`
	WriterQueueLimit  int           `mapstructure:"writer_queue_limit"`
	IdleInterval      time.Duration `mapstructure:"idle_interval"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		HostID:     "node-1",
		ListenAddr: ":7400",
		Job:        "default",
		Shuffle: ShuffleConfig{
			ChunkSize:         256,
			ReceiveBufferSize: 64 << 10,
			MaxPayload:        16 << 20,
			WriterQueueLimit:  8 << 20,
			IdleInterval:      time.Millisecond,
		},
		Log: shuffle.LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from path (if non-empty) or from SHUFFLE_CONFIG,
// then applies environment overrides. Environment variables use the prefix
// SHUFFLE and `.` is replaced with `_`, e.g. SHUFFLE_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SHUFFLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("host_id", cfg.HostID)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("admin_addr", cfg.AdminAddr)
	v.SetDefault("job", cfg.Job)
	v.SetDefault("shuffle.chunk_size", cfg.Shuffle.ChunkSize)
	v.SetDefault("shuffle.receive_buffer_size", cfg.Shuffle.ReceiveBufferSize)
	v.SetDefault("shuffle.max_payload", cfg.Shuffle.MaxPayload)
	v.SetDefault("shuffle.writer_queue_limit", cfg.Shuffle.WriterQueueLimit)
	v.SetDefault("shuffle.idle_interval", cfg.Shuffle.IdleInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	if path == "" {
		path = os.Getenv("SHUFFLE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and normalises the log settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HostID) == "" {
		return errors.New("config: host_id is required")
	}
	if strings.TrimSpace(c.Job) == "" {
		return errors.New("config: job is required")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: invalid log.level %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("config: peers[%d]: id is required", i)
		}
		if p.ID != c.HostID && p.Address == "" {
			return fmt.Errorf("config: peer %q: address is required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate peer %q", p.ID)
		}
		seen[p.ID] = true
	}

	ids := make(map[int64]bool, len(c.Containers))
	for _, ct := range c.Containers {
		if ids[ct.ID] {
			return fmt.Errorf("config: duplicate container %d", ct.ID)
		}
		ids[ct.ID] = true
	}

	if c.Shuffle.ChunkSize <= 0 {
		return fmt.Errorf("config: shuffle.chunk_size must be positive, got %d", c.Shuffle.ChunkSize)
	}
	if c.Shuffle.ReceiveBufferSize < 20 {
		return fmt.Errorf("config: shuffle.receive_buffer_size must be at least 20, got %d", c.Shuffle.ReceiveBufferSize)
	}
	return nil
}

// TaskOptions converts the shuffle settings to task options.
func (c *Config) TaskOptions() []shuffle.Option {
	return []shuffle.Option{
		shuffle.WithChunkSize(c.Shuffle.ChunkSize),
		shuffle.WithReceiveBufferSize(c.Shuffle.ReceiveBufferSize),
		shuffle.WithMaxPayload(c.Shuffle.MaxPayload),
		shuffle.WithWriterQueueLimit(c.Shuffle.WriterQueueLimit),
	}
}
