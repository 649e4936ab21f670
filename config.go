package rollback

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds session-wide tunables, mirroring internal/server.Config's
// flat struct-plus-DefaultConfig shape in the teacher.
type Config struct {
	PlayerCount           int           `yaml:"player_count"`
	InputSize             int           `yaml:"input_size"`
	SyncRoundtrips        int           `yaml:"sync_roundtrips"`
	DisconnectNotifyStart time.Duration `yaml:"disconnect_notify_start"`
	DisconnectTimeout     time.Duration `yaml:"disconnect_timeout"`
}

// DefaultConfig returns the spec's documented defaults for a two-player
// session.
func DefaultConfig() Config {
	return Config{
		PlayerCount:           2,
		InputSize:             1,
		SyncRoundtrips:        5,
		DisconnectNotifyStart: 750 * time.Millisecond,
		DisconnectTimeout:     5 * time.Second,
	}
}

// LoadConfig reads a YAML file with Config's shape; fields the file omits
// keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading session config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing session config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validating session config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PlayerCount <= 0 {
		return fmt.Errorf("player_count must be positive")
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("input_size must be positive")
	}
	if c.SyncRoundtrips <= 0 {
		return fmt.Errorf("sync_roundtrips must be positive")
	}
	return nil
}
