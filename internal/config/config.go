package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Daemon struct {
		// ListenAddress is the OOB control endpoint.
		ListenAddress string `yaml:"listenAddress"`
		// MigrationAddress is the endpoint migration peers dial.
		MigrationAddress string `yaml:"migrationAddress"`
		// MetricsAddress serves Prometheus metrics.
		MetricsAddress string `yaml:"metricsAddress"`
		LogPath        string `yaml:"logPath"`
	} `yaml:"daemon"`
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Checkpoint struct {
		// IntervalMs paces continuous checkpointing; zero disables it.
		IntervalMs uint64 `yaml:"intervalMs"`
		ImageDir   string `yaml:"imageDir"`
	} `yaml:"checkpoint"`
	Pipeline struct {
		QueueCapacity int `yaml:"queueCapacity"`
	} `yaml:"pipeline"`
}

// LoadConfig reads the daemon configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	config.applyDefaults()

	return &config, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Daemon.ListenAddress == "" {
		c.Daemon.ListenAddress = "0.0.0.0:5213"
	}
	if c.Daemon.MigrationAddress == "" {
		c.Daemon.MigrationAddress = "0.0.0.0:5214"
	}
	if c.Daemon.MetricsAddress == "" {
		c.Daemon.MetricsAddress = "0.0.0.0:9213"
	}
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
}

// AgentConfig is the client-side agent configuration file.
type AgentConfig struct {
	// JobName identifies the client on the daemon. Required, at most 256
	// bytes.
	JobName string `yaml:"job_name"`
	// DaemonAddr is the daemon host; the default is the local machine.
	DaemonAddr string `yaml:"daemon_addr"`
}

// LoadAgentConfig reads and validates an agent configuration file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config AgentConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if config.JobName == "" {
		return nil, fmt.Errorf("agent config %s: job_name is required", path)
	}
	if len(config.JobName) > 256 {
		return nil, fmt.Errorf("agent config %s: job_name exceeds 256 bytes", path)
	}
	if config.DaemonAddr == "" {
		config.DaemonAddr = "127.0.0.1"
	}
	return &config, nil
}
