package main

import (
	"fmt"
	"os"
	"time"

	"codetier/internal/common/cache"
	"codetier/internal/common/db"
	"codetier/internal/common/mq"
	"codetier/internal/common/storage"
	"codetier/internal/dispatch"
	"codetier/internal/score"
	"codetier/internal/submission"
	"codetier/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

// Dispatcher modes: run jobs in-process or fan out to websocket agents.
const (
	dispatchModeLocal = "local"
	dispatchModeHub   = "hub"
)

type serverConfig struct {
	Addr string `yaml:"addr"`
	Mode string `yaml:"mode"` // gin mode: debug, release
}

type versionConfig struct {
	MaxFileCount   int           `yaml:"maxFileCount"`
	HistoryLimit   int           `yaml:"historyLimit"`
	ArchivePrefix  string        `yaml:"archivePrefix"`
	ArchiveTimeout time.Duration `yaml:"archiveTimeout"`
}

type dispatchConfig struct {
	Mode string `yaml:"mode"`

	// MaxConcurrency caps local jobs. Required in local mode; a node that
	// does not state its capacity must not start.
	MaxConcurrency int           `yaml:"maxConcurrency"`
	TickInterval   time.Duration `yaml:"tickInterval"`

	Hub dispatch.HubConfig `yaml:"hub"`
}

type kafkaConfig struct {
	Enabled bool `yaml:"enabled"`
	mq.KafkaConfig `yaml:",inline"`
}

type sandboxConfig struct {
	Command        string        `yaml:"command"`
	CPUSeconds     int           `yaml:"cpuSeconds"`
	WallTimeout    time.Duration `yaml:"wallTimeout"`
	MaxStderrBytes int           `yaml:"maxStderrBytes"`
}

type appConfig struct {
	Server     serverConfig                `yaml:"server"`
	Log        logger.Config               `yaml:"log"`
	Database   db.MySQLConfig              `yaml:"database"`
	Redis      cache.RedisConfig           `yaml:"redis"`
	MinIO      storage.MinIOConfig         `yaml:"minio"`
	Kafka      kafkaConfig                 `yaml:"kafka"`
	Version    versionConfig               `yaml:"version"`
	Dispatch   dispatchConfig              `yaml:"dispatch"`
	Sandbox    sandboxConfig               `yaml:"sandbox"`
	Engine     score.EngineConfig          `yaml:"engine"`
	Submission submission.ServiceConfig    `yaml:"submission"`
}

func loadAppConfig(path string) (*appConfig, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg appConfig
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = dispatchModeLocal
	}
	if cfg.Dispatch.Mode != dispatchModeLocal && cfg.Dispatch.Mode != dispatchModeHub {
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Dispatch.Mode)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if cfg.MinIO.Endpoint == "" {
		return nil, fmt.Errorf("minio.endpoint is required")
	}
	if cfg.Engine.RunnerImage == "" {
		return nil, fmt.Errorf("engine.runnerImage is required")
	}
	return &cfg, nil
}
