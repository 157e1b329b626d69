// Package config loads the worker/client host-process defaults (storage
// DSNs and connection limits, task-queue visibility and poll interval,
// metrics prefix and reporting interval, tracing and logging settings) from
// a YAML file, the way the teacher's surrounding deployment tooling
// configures a worker process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document read from a worker's config file.
type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type TaskQueueConfig struct {
	DefaultVisibility time.Duration `yaml:"default_visibility"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	Prefix        string        `yaml:"prefix"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type TracingConfig struct {
	ServiceName string `yaml:"service_name"`
	AgentHostPort string `yaml:"agent_host_port"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the conservative defaults used when a worker starts
// without an explicit config file.
func Default() Config {
	return Config{
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		TaskQueue: TaskQueueConfig{
			DefaultVisibility: 30 * time.Second,
			PollInterval:      50 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Prefix:        "woc",
			ReportInterval: time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "woc-worker",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and parses a YAML config file at path, overlaying it onto
// Default() so a partial file only needs to set what it changes.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
