package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/GiampaoloGabba/taskengine/config"
	"github.com/GiampaoloGabba/taskengine/internal/applog"
	"github.com/GiampaoloGabba/taskengine/internal/dispatcher"
	"github.com/GiampaoloGabba/taskengine/internal/engine"
	"github.com/GiampaoloGabba/taskengine/internal/host"
	"github.com/GiampaoloGabba/taskengine/internal/models"
	"github.com/GiampaoloGabba/taskengine/internal/storage"
	"github.com/GiampaoloGabba/taskengine/internal/storage/memstore"
	"github.com/GiampaoloGabba/taskengine/internal/storage/relational"
	"github.com/GiampaoloGabba/taskengine/internal/worker"
)

func main() {
	cfg := config.LoadConfig()

	logger := applog.New(applog.Config{Level: "info", Pretty: true})

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}

	opts := []engine.Option{
		engine.WithStore(store),
		engine.WithLogger(logger),
		engine.WithDefaultQueue(cfg.Engine.DefaultQueueCapacity, cfg.Engine.DefaultQueueParallelism),
		engine.WithRecurringQueue(cfg.Engine.RecurringQueueCapacity, cfg.Engine.RecurringQueueParallelism),
		engine.WithSchedulerTick(cfg.Engine.SchedulerTick),
		engine.WithLazyHandlerResolution(cfg.Engine.LazyHandlerResolution),
		engine.WithLazyHandlerResolutionThreshold(cfg.Engine.LazyHandlerResolutionThreshold),
		engine.WithDefaultAuditLevel(parseAuditLevel(cfg.Engine.DefaultAuditLevel)),
		engine.WithPersistentLogger(cfg.Engine.MaxLogsPerTask),
		engine.WithHandler(dispatcher.Registration{
			Type:    "echo",
			Factory: newEchoHandlerFactory(logger.WithComponent("echo")),
			Retry:   worker.DefaultRetryPolicy(),
			Timeout: 30 * time.Second,
		}),
	}
	if cfg.Engine.UseShardedScheduler {
		opts = append(opts, engine.WithShardedScheduler(cfg.Engine.SchedulerShardCount))
	}

	eng, err := engine.New(opts...)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	h := host.New(host.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AppName:         "taskengine",
	}, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil {
		log.Fatalf("host stopped with error: %v", err)
	}
	log.Println("taskengine stopped")
}

// buildStore selects the durable backend per ENGINE_STORAGE_BACKEND,
// matching the teacher's database.NewPostgresConnection +
// database.AutoMigrate sequence when the backend is "postgres".
func buildStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Engine.StorageBackend {
	case "postgres":
		db, err := relational.Connect(relational.Config{
			Host:               cfg.Postgres.Host,
			Port:               cfg.Postgres.Port,
			User:               cfg.Postgres.User,
			Password:           cfg.Postgres.Password,
			DBName:             cfg.Postgres.DBName,
			SSLMode:            cfg.Postgres.SSLMode,
			MaxIdleConns:       cfg.Postgres.MaxIdleConns,
			MaxOpenConns:       cfg.Postgres.MaxOpenConns,
			MaxLifetimeMinutes: cfg.Postgres.MaxLifetimeMinutes,
			LogLevel:           cfg.Postgres.LogLevel,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := relational.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto-migrate postgres: %w", err)
		}
		return relational.New(db), nil
	case "memory", "":
		return memstore.New(cfg.Engine.MaxLogsPerTask), nil
	default:
		return nil, fmt.Errorf("unrecognized ENGINE_STORAGE_BACKEND %q", cfg.Engine.StorageBackend)
	}
}

func parseAuditLevel(s string) models.AuditLevel {
	switch models.AuditLevel(s) {
	case models.AuditFull, models.AuditMinimal, models.AuditErrorsOnly, models.AuditNone:
		return models.AuditLevel(s)
	default:
		return models.AuditFull
	}
}
