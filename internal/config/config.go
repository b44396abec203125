// Package config loads the on-disk YAML configuration for a dagqueue
// process, following the shape of the teacher's internal/cli.Config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	iqueue "github.com/dagqueue/dagqueue/internal/queue"
)

// Config is the on-disk schema for a dagqueue deployment.
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// WorkerConfig controls the worker pool and liveness timing, matching
// spec.md §7's configuration surface.
type WorkerConfig struct {
	NWorkers          int           `yaml:"n_workers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DeadWorkerTimeout time.Duration `yaml:"dead_worker_timeout"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	MaxCrashRequeues  int           `yaml:"max_crash_requeues"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			NWorkers:          4,
			HeartbeatInterval: 2 * time.Second,
			DeadWorkerTimeout: 10 * time.Second,
			JobTimeout:        30 * time.Second,
			MaxCrashRequeues:  3,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

// Load reads and parses a YAML config file at path.
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

// QueueConfig converts this configuration's worker section into the
// internal/queue.Config a MasterQueue is built from.
func (c Config) QueueConfig() iqueue.Config {
	return iqueue.Config{
		NWorkers:          c.Worker.NWorkers,
		HeartbeatInterval: c.Worker.HeartbeatInterval,
		DeadWorkerTimeout: c.Worker.DeadWorkerTimeout,
		JobTimeout:        c.Worker.JobTimeout,
		MaxCrashRequeues:  c.Worker.MaxCrashRequeues,
	}
}
