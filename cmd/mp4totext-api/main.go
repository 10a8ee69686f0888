package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
	server "github.com/hsnksc/mp4totext-backend-sub001/internal/http"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/jobs"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/migrate"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/queue"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/transcribe"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	// Basic pool settings; adjust as needed
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Lane routing is pure configuration; malformed tables kill the
	// process here rather than misrouting jobs later.
	router, err := jobs.NewRouter(cfg)
	if err != nil {
		log.Fatalf("invalid lane configuration: %v", err)
	}

	var broker queue.Broker
	if cfg.Redis.URL != "" {
		rb, err := queue.NewRedisBroker(cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			log.Fatalf("redis broker failed: %v", err)
		}
		broker = rb
	} else {
		logger.Warn("no redis configured, using in-process broker (single node only)")
		broker = queue.NewMemoryBroker()
	}

	retry := jobs.NewRetryPolicy(cfg.Retry)
	engine := transcribe.NewHTTPEngine(cfg.Engine.BaseURL, time.Duration(cfg.Engine.TimeoutMs)*time.Millisecond)
	cleanup := func(ctx context.Context) (int64, error) {
		stats := jobs.CleanupExpiredJobs(ctx, cfg, st)
		var total int64
		for _, n := range stats.JobsDeleted {
			total += n
		}
		return total, nil
	}
	bodies := transcribe.Bodies(engine, cleanup)

	svc := jobs.NewService(st, broker, router, retry, bodies, logger, cfg.Worker.SyncFallback)
	pools := jobs.NewManager(cfg, router, broker, st, bodies, retry, logger)

	rootCtx := context.Background()

	switch *role {
	case "api":
		// API-only: do not start worker pools.
		s := server.NewServer(cfg, st, svc, pools, broker, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		// Worker-only: start the lane pools and block.
		pools.Start(rootCtx)
		jobs.StartRetentionLoop(rootCtx, cfg, st, logger)
		select {}
	case "all":
		// Default: run both API and workers in one process.
		pools.Start(rootCtx)
		jobs.StartRetentionLoop(rootCtx, cfg, st, logger)
		s := server.NewServer(cfg, st, svc, pools, broker, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}
