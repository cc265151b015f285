package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the surveyd process configuration, loaded from YAML with
	// sane defaults for local development.
	Config struct {
		HTTP  HTTPConfig  `yaml:"http"`
		Mongo MongoConfig `yaml:"mongo"`
		Redis RedisConfig `yaml:"redis"`
		Relay RelayConfig `yaml:"relay"`
		Sweep SweepConfig `yaml:"sweep"`
	}

	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	RelayConfig struct {
		PollInterval Duration `yaml:"poll_interval"`
		BatchSize    int      `yaml:"batch_size"`
		// PublishRate caps bus publishes per second. Zero means unlimited.
		PublishRate float64 `yaml:"publish_rate"`
	}

	SweepConfig struct {
		// ReservationInterval paces the expired-reservation sweeper.
		ReservationInterval Duration `yaml:"reservation_interval"`
		// AbandonInterval paces the idle-session sweeper.
		AbandonInterval Duration `yaml:"abandon_interval"`
		// AbandonAfter is how long a session may idle before it is
		// transitioned to ABANDONED.
		AbandonAfter Duration `yaml:"abandon_after"`
		// AbandonBatch bounds sessions swept per pass.
		AbandonBatch int `yaml:"abandon_batch"`
	}

	// Duration decodes Go duration strings ("30s", "5m") from YAML.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads the YAML file at path. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}

func defaultConfig() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "canvass"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Relay: RelayConfig{PollInterval: Duration(time.Second), BatchSize: 50},
		Sweep: SweepConfig{
			ReservationInterval: Duration(time.Minute),
			AbandonInterval:     Duration(5 * time.Minute),
			AbandonAfter:        Duration(2 * time.Hour),
			AbandonBatch:        100,
		},
	}
}

// withDefaults fills any field the file left zero.
func (c Config) withDefaults() Config {
	def := defaultConfig()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = def.Mongo.URI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = def.Mongo.Database
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if c.Relay.PollInterval <= 0 {
		c.Relay.PollInterval = def.Relay.PollInterval
	}
	if c.Relay.BatchSize <= 0 {
		c.Relay.BatchSize = def.Relay.BatchSize
	}
	if c.Sweep.ReservationInterval <= 0 {
		c.Sweep.ReservationInterval = def.Sweep.ReservationInterval
	}
	if c.Sweep.AbandonInterval <= 0 {
		c.Sweep.AbandonInterval = def.Sweep.AbandonInterval
	}
	if c.Sweep.AbandonAfter <= 0 {
		c.Sweep.AbandonAfter = def.Sweep.AbandonAfter
	}
	if c.Sweep.AbandonBatch <= 0 {
		c.Sweep.AbandonBatch = def.Sweep.AbandonBatch
	}
	return c
}
