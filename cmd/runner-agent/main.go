package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codetier/internal/dispatch"
	"codetier/internal/sandbox"
	"codetier/pkg/utils/logger"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/runner-agent.yaml", "path to config file")
	flag.Parse()

	cfg, err := loadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner, err := sandbox.NewRunner(sandbox.Config{
		Command:        cfg.Sandbox.Command,
		CPUSeconds:     cfg.Sandbox.CPUSeconds,
		WallTimeout:    cfg.Sandbox.WallTimeout,
		MaxStderrBytes: cfg.Sandbox.MaxStderrBytes,
	})
	if err != nil {
		logger.Fatal(ctx, "build sandbox runner failed", zap.Error(err))
	}
	agent, err := dispatch.NewAgent(runner, cfg.Agent)
	if err != nil {
		logger.Fatal(ctx, "build agent failed", zap.Error(err))
	}

	logger.Info(ctx, "runner agent starting",
		zap.String("agent_id", cfg.Agent.ID),
		zap.String("hub", cfg.Agent.HubURL),
		zap.Int("capacity", cfg.Agent.Capacity))
	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		logger.Error(ctx, "agent stopped", zap.Error(err))
	}
}
