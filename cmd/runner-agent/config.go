package main

import (
	"fmt"
	"os"
	"time"

	"codetier/internal/dispatch"
	"codetier/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

type sandboxConfig struct {
	Command        string        `yaml:"command"`
	CPUSeconds     int           `yaml:"cpuSeconds"`
	WallTimeout    time.Duration `yaml:"wallTimeout"`
	MaxStderrBytes int           `yaml:"maxStderrBytes"`
}

type agentAppConfig struct {
	Log     logger.Config        `yaml:"log"`
	Agent   dispatch.AgentConfig `yaml:"agent"`
	Sandbox sandboxConfig        `yaml:"sandbox"`
}

func loadAgentConfig(path string) (*agentAppConfig, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg agentAppConfig
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Agent.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("agent.id is required when the hostname is unavailable: %w", err)
		}
		cfg.Agent.ID = host
	}
	if cfg.Agent.HubURL == "" {
		return nil, fmt.Errorf("agent.hubURL is required")
	}
	// No default capacity: an agent must state what it can carry.
	if cfg.Agent.Capacity <= 0 {
		return nil, fmt.Errorf("agent.capacity must be positive")
	}
	return &cfg, nil
}
