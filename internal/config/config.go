package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Simulation   SimulationConfig   `toml:"simulation"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type ServerConfig struct {
	Addr       string `toml:"addr"`
	DBPath     string `toml:"db_path"`
	LayoutPath string `toml:"layout_path"`
	TickLogDir string `toml:"tick_log_dir"`
}

type SimulationConfig struct {
	TickIntervalMS int     `toml:"tick_interval_ms"`
	CarSpeed       float64 `toml:"car_speed"`
}

type OrchestratorConfig struct {
	PickupDwellMS       int `toml:"pickup_dwell_ms"`
	DropoffDwellMS      int `toml:"dropoff_dwell_ms"`
	MaxConcurrentOrders int `toml:"max_concurrent_orders"`
	ReadyTimeoutMS      int `toml:"ready_timeout_ms"`
}

// Default is the configuration used when no file is given. Load decodes on
// top of it, so keys missing from a file keep these values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:   "127.0.0.1:8091",
			DBPath: "data/stackyard.db",
		},
		Simulation: SimulationConfig{
			TickIntervalMS: 16,
			CarSpeed:       2.0,
		},
		Orchestrator: OrchestratorConfig{
			PickupDwellMS:       350,
			DropoffDwellMS:      350,
			MaxConcurrentOrders: 2,
		},
		Raw: map[string]any{},
	}
}

func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", resolved, err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

// MaxConcurrentOrders is the hard cap on orders executing at once.
const MaxConcurrentOrders = 2

func (c Config) Validate() error {
	if c.Simulation.CarSpeed < 0 {
		return fmt.Errorf("simulation.car_speed must not be negative, got %v", c.Simulation.CarSpeed)
	}
	if c.Simulation.TickIntervalMS < 0 {
		return fmt.Errorf("simulation.tick_interval_ms must not be negative, got %d", c.Simulation.TickIntervalMS)
	}
	if c.Orchestrator.PickupDwellMS < 0 || c.Orchestrator.DropoffDwellMS < 0 {
		return fmt.Errorf("orchestrator dwell must not be negative")
	}
	if c.Orchestrator.MaxConcurrentOrders < 0 || c.Orchestrator.MaxConcurrentOrders > MaxConcurrentOrders {
		return fmt.Errorf("orchestrator.max_concurrent_orders must be between 0 and %d, got %d", MaxConcurrentOrders, c.Orchestrator.MaxConcurrentOrders)
	}
	if c.Orchestrator.ReadyTimeoutMS < 0 {
		return fmt.Errorf("orchestrator.ready_timeout_ms must not be negative, got %d", c.Orchestrator.ReadyTimeoutMS)
	}
	return nil
}
