// Package control serves the local HTTP API a rendering layer uses to drive
// taskpilot: projects, threads, input, task control, replay, trigger state
// and dead letters.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/taskpilot/internal/health"
	"github.com/p-blackswan/taskpilot/internal/metrics"
	"github.com/p-blackswan/taskpilot/internal/requestid"
)

// ServerConfig holds configuration for the control API server.
type ServerConfig struct {
	ListenAddr string
	AuthConfig AuthConfig
	RateLimit  RateLimitConfig
}

// Server is the control API Fiber application.
type Server struct {
	app     *fiber.App
	limiter *rateLimiter
	logger  zerolog.Logger
	config  ServerConfig
}

// NewServer creates and configures a new control API server.
func NewServer(cfg ServerConfig, deps Deps, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "control").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger,
		config: cfg,
	}

	s.setupMiddleware(cfg, m)
	s.setupRoutes(NewHandlers(deps, checker, logger), m)
	return s
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

func (s *Server) setupMiddleware(cfg ServerConfig, m *metrics.Metrics) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			var ctx context.Context
			ctx, reqID = requestid.New(c.UserContext())
			c.SetUserContext(ctx)
		} else {
			c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		}
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	// Counted before auth and rate limiting so rejections show up too.
	if m != nil {
		s.app.Use(func(c *fiber.Ctx) error {
			err := c.Next()
			status := c.Response().StatusCode()
			if err != nil {
				status = fiber.StatusInternalServerError
				var fe *fiber.Error
				if errors.As(err, &fe) {
					status = fe.Code
				}
			}
			route := c.Route().Path
			if route == "" || route == "/" {
				route = "unmatched"
			}
			m.RecordControlRequest(route, strconv.Itoa(status))
			return err
		})
	}

	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
		s.app.Use(s.limiter.middleware())
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Int("status", c.Response().StatusCode()).
			Dur("duration", time.Since(start)).
			Str("request_id", requestID(c)).
			Msg("control api request")
		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/projects", h.ListProjects)
	v1.Post("/projects", h.CreateProject)
	v1.Get("/projects/:id", h.GetProject)
	v1.Delete("/projects/:id", h.RemoveProject)
	v1.Post("/projects/:id/activate", h.ActivateProject)
	v1.Post("/projects/:id/threads", h.AppendThread)
	v1.Get("/projects/:id/threads/:thread", h.GetThread)
	v1.Post("/projects/:id/threads/:thread/activate", h.ActivateThread)
	v1.Post("/projects/:id/input", h.Input)
	v1.Post("/projects/:id/pause", h.Pause)
	v1.Post("/projects/:id/resume", h.Resume)
	v1.Post("/projects/:id/stop", h.Stop)
	v1.Post("/projects/:id/confirm", h.Confirm)
	v1.Put("/projects/:id/proposals", h.EditProposals)
	v1.Post("/projects/:id/queue", h.AddQueued)
	v1.Delete("/projects/:id/queue/:task", h.RemoveQueued)
	v1.Get("/projects/:id/triggers", h.ListTriggers)
	v1.Get("/projects/:id/artifacts", h.ListArtifacts)

	v1.Post("/replay", h.Replay)

	v1.Get("/triggers/queue", h.TriggerQueue)

	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Post("/dead-letters/:id/resolve", h.ResolveDeadLetter)

	v1.Get("/subscription", h.SubscriptionStatus)
	v1.Post("/subscription/reconnect", h.Reconnect)

	v1.Get("/health", h.HealthDetail)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	if s.limiter != nil {
		go s.limiter.janitor()
	}
	s.logger.Info().Str("addr", addr).Msg("control API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("control API server shutting down")
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals("request_id").(string)
	return id
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		errType := "internal_error"
		title := "Internal Server Error"
		detail := "An internal error occurred"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			errType = "request_error"
			title = utils.StatusMessage(code)
			detail = fe.Message
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    title,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
