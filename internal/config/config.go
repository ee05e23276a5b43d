// Package config loads the engine configuration from a yaml file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	WorldDir  string `yaml:"world_dir"`
	WorldName string `yaml:"world_name"`

	RenderDistance    uint32 `yaml:"render_distance"`
	TickRateHz        int    `yaml:"tick_rate_hz"`
	IoWorkers         int    `yaml:"io_workers"`
	IoQueueIntervalMs int    `yaml:"io_queue_interval_ms"`
	IoBatchSize       int    `yaml:"io_batch_size"`

	IndexDb  bool   `yaml:"index_db"`
	Observer string `yaml:"observer_addr"`
}

func Default() Config {
	return Config{
		WorldName:         "world",
		RenderDistance:    8,
		TickRateHz:        60,
		IoWorkers:         2,
		IoQueueIntervalMs: 5,
		IoBatchSize:       32,
		IndexDb:           true,
	}
}

// Load reads a yaml config, filling unset fields from Default. A
// missing file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	if c.RenderDistance < 1 || c.RenderDistance > 64 {
		return fmt.Errorf("config: render_distance %d out of range [1,64]", c.RenderDistance)
	}
	if c.TickRateHz < 1 || c.TickRateHz > 240 {
		return fmt.Errorf("config: tick_rate_hz %d out of range [1,240]", c.TickRateHz)
	}
	if c.IoWorkers < 1 {
		return fmt.Errorf("config: io_workers must be positive")
	}
	if c.IoBatchSize < 1 {
		return fmt.Errorf("config: io_batch_size must be positive")
	}
	return nil
}

func (c Config) TickDuration() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}

func (c Config) QueueInterval() time.Duration {
	return time.Duration(c.IoQueueIntervalMs) * time.Millisecond
}
