package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/jobs"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/metrics"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/queue"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

// Pinger is anything that can answer a connectivity check, used by
// deep health for the broker.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer wires the API surface: job submission and polling,
// admin lane controls, health and metrics.
func NewServer(cfg *config.Config, st *store.Store, svc *jobs.Service, pools *jobs.Manager, broker queue.Broker, logger *slog.Logger) *Server {
	app := fiber.New()

	// Inject dependencies into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		if st != nil {
			c.Locals("store", st)
		}
		c.Locals("service", svc)
		c.Locals("pools", pools)
		c.Locals("broker", broker)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB and broker connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if st == nil || st.DB == nil {
			dbStatus = "disabled"
		} else if err := st.DB.PingContext(ctx); err != nil {
			dbStatus = "error"
		}

		brokerStatus := "ok"
		if p, ok := broker.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				brokerStatus = "error"
			}
		}

		status := "ok"
		if dbStatus == "error" || brokerStatus == "error" {
			status = "degraded"
		}
		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"broker": brokerStatus,
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain; version=0.0.4")
		return c.SendString(metrics.Export())
	})

	v1 := app.Group("/v1")
	v1.Post("/jobs", createJobHandler)
	v1.Get("/jobs", jobsListHandler)
	v1.Get("/jobs/:id", jobGetHandler)

	admin := v1.Group("/admin", adminAuthMiddleware)
	admin.Get("/lanes", lanesListHandler)
	admin.Post("/lanes/:lane/pause", lanePauseHandler)
	admin.Post("/lanes/:lane/resume", laneResumeHandler)
	admin.Post("/lanes/:lane/workers", laneWorkersHandler)
	admin.Post("/jobs/:id/requeue", jobRequeueHandler)

	return &Server{app: app, config: cfg, logger: logger}
}

// adminAuthMiddleware guards the ops surface with the static token
// from config. Auth proper (users, keys, tenancy) lives upstream.
func adminAuthMiddleware(c *fiber.Ctx) error {
	cfg, _ := c.Locals("config").(*config.Config)
	if cfg == nil || cfg.Server.AdminToken == "" {
		return c.Next()
	}
	if c.Get("Authorization") != "Bearer "+cfg.Server.AdminToken {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Success: false,
			Code:    "UNAUTHENTICATED",
			Error:   "admin token required",
		})
	}
	return c.Next()
}

// Listen blocks serving HTTP on the configured host/port.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }
