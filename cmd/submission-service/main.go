package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codetier/internal/achieve"
	"codetier/internal/artifact"
	"codetier/internal/common/cache"
	"codetier/internal/common/db"
	"codetier/internal/common/mq"
	"codetier/internal/common/storage"
	"codetier/internal/dispatch"
	"codetier/internal/sandbox"
	"codetier/internal/score"
	"codetier/internal/submission"
	"codetier/internal/version"
	"codetier/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/submission-service.yaml", "path to config file")
	flag.Parse()

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	database, err := db.NewMySQLWithConfig(&cfg.Database)
	if err != nil {
		logger.Fatal(ctx, "connect mysql failed", zap.Error(err))
	}
	defer database.Close()

	redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
	if err != nil {
		logger.Fatal(ctx, "connect redis failed", zap.Error(err))
	}
	defer redisCache.Close()

	objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		logger.Fatal(ctx, "connect minio failed", zap.Error(err))
	}
	archive, err := version.NewBlobArchive(objStorage, cfg.MinIO.Bucket, cfg.Version.ArchivePrefix)
	if err != nil {
		logger.Fatal(ctx, "create blob archive failed", zap.Error(err))
	}
	store := version.NewStore(version.Config{
		MaxFileCount:   cfg.Version.MaxFileCount,
		HistoryLimit:   cfg.Version.HistoryLimit,
		Archive:        archive,
		ArchiveTimeout: cfg.Version.ArchiveTimeout,
	})

	var producer mq.Producer
	if cfg.Kafka.Enabled {
		kafkaProducer, err := mq.NewKafkaProducer(cfg.Kafka.KafkaConfig)
		if err != nil {
			logger.Fatal(ctx, "connect kafka failed", zap.Error(err))
		}
		defer kafkaProducer.Close()
		producer = kafkaProducer
	}

	dispatcher, hub, err := buildDispatcher(cfg)
	if err != nil {
		logger.Fatal(ctx, "build dispatcher failed", zap.Error(err))
	}
	defer dispatcher.Close()

	artifactRepo := artifact.NewRepository(database)
	groupRepo := artifact.NewGroupRepository(database)
	scoreRepo := score.NewMySQLRepository(database)
	achieveRepo := achieve.NewMySQLRepository(database)

	bus := achieve.NewBus(achieveRepo)
	registerAchievements(bus)

	engine, err := score.NewEngine(store, artifactRepo, scoreRepo, dispatcher, bus, producer, cfg.Engine)
	if err != nil {
		logger.Fatal(ctx, "build score engine failed", zap.Error(err))
	}
	service, err := submission.NewService(store, artifactRepo, groupRepo, engine, redisCache, achieveRepo, cfg.Submission)
	if err != nil {
		logger.Fatal(ctx, "build submission service failed", zap.Error(err))
	}

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unreachable"})
			return
		}
		body := gin.H{"status": "ok"}
		if hub != nil {
			body["agents"] = hub.AgentCount()
		}
		c.JSON(http.StatusOK, body)
	})
	if hub != nil {
		router.GET("/agents", gin.WrapF(hub.HandleAgent))
	}
	submission.NewController(service).RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	go func() {
		logger.Info(ctx, "submission service listening",
			zap.String("addr", cfg.Server.Addr), zap.String("dispatch", cfg.Dispatch.Mode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown failed", zap.Error(err))
	}
}

// buildDispatcher wires either an in-process pool or the agent hub.
func buildDispatcher(cfg *appConfig) (dispatch.Dispatcher, *dispatch.Hub, error) {
	if cfg.Dispatch.Mode == dispatchModeHub {
		hub := dispatch.NewHub(cfg.Dispatch.Hub)
		return hub, hub, nil
	}
	runner, err := sandbox.NewRunner(sandbox.Config{
		Command:        cfg.Sandbox.Command,
		CPUSeconds:     cfg.Sandbox.CPUSeconds,
		WallTimeout:    cfg.Sandbox.WallTimeout,
		MaxStderrBytes: cfg.Sandbox.MaxStderrBytes,
	})
	if err != nil {
		return nil, nil, err
	}
	pool, err := dispatch.NewLocalPool(runner, dispatch.LocalPoolConfig{
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		TickInterval:   cfg.Dispatch.TickInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	return pool, nil, nil
}

// registerAchievements installs the built-in unlockables.
func registerAchievements(bus *achieve.Bus) {
	bus.Register(achieve.Achievement{
		ID:    "first-perfect",
		Event: achieve.EventSolutionProcessed,
		Check: func(ctx context.Context, e achieve.Event) bool {
			return e.Facts["score"] == 1 && e.Facts["scored"] > 0
		},
	})
	bus.Register(achieve.Achievement{
		ID:    "on-the-board",
		Event: achieve.EventSolutionProcessed,
		Check: func(ctx context.Context, e achieve.Event) bool {
			return e.Facts["scored"] > 0
		},
	})
	bus.Register(achieve.Achievement{
		ID:    "valid-testcase",
		Event: achieve.EventTestCaseProcessed,
		Check: func(ctx context.Context, e achieve.Event) bool {
			return e.Facts["valid"] == 1
		},
	})
}
