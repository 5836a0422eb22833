// Package mgmt serves the AREA management API: area and parameter CRUD,
// execution history, linked accounts and scheduler control.
package mgmt

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-blackswan/area/internal/metrics"
	"github.com/p-blackswan/area/internal/observability"
	"github.com/p-blackswan/area/internal/requestid"
)

var tracer = otel.Tracer("github.com/p-blackswan/area/internal/mgmt")

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins []string
	TLSCert     string
	TLSKey      string
}

// Server is the management API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(cfg ServerConfig, deps Deps, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          60 * time.Second,
	})

	handlers := NewHandlers(deps, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		metrics:  metricsCollector,
		logger:   logger.With().Str("component", "mgmt_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: accept the caller's, otherwise mint one.
	s.app.Use(func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		reqID := c.Get(requestid.Header)
		if reqID != "" {
			ctx = requestid.WithRequestID(ctx, reqID)
		} else {
			ctx, reqID = requestid.New(ctx)
		}
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	s.app.Use(s.tracingMiddleware())

	if len(cfg.CORSOrigins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.CORSOrigins, ", "),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Audit log and request metrics.
	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Path()
		if isProbe(path) {
			return err
		}

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		route := c.Route().Path
		if s.metrics != nil {
			s.metrics.RecordAPIRequest(c.Method(), route, strconv.Itoa(status))
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("ip", c.IP()).
			Str("owner", principal(c).Owner).
			Str("request_id", requestid.FromContext(c.UserContext())).
			Msg("mgmt api request")

		return err
	})
}

// tracingMiddleware opens a server span per request, continuing any trace
// propagated by the caller.
func (s *Server) tracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		carrier := propagation.HeaderCarrier(http.Header(c.GetReqHeaders()))
		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), carrier)
		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.target", c.Path()),
				attribute.String("http.request_id", requestid.FromContext(c.UserContext())),
			))
		defer span.End()

		c.SetUserContext(ctx)
		if id := observability.TraceID(ctx); id != "" {
			c.Set("Trace-ID", id)
		}

		err := c.Next()
		status := c.Response().StatusCode()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if err != nil || status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, strconv.Itoa(status))
		}
		return err
	}
}

func (s *Server) setupRoutes(h *Handlers) {
	// Probe endpoints (no auth required, handled in auth middleware)
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	v1 := s.app.Group("/api/v1")

	read := requireRole(RoleReadOnly)
	write := requireRole(RoleOperator)
	admin := requireRole(RoleAdmin)

	v1.Get("/areas", read, h.ListAreas)
	v1.Post("/areas", write, h.CreateArea)
	v1.Get("/areas/:id", read, h.GetArea)
	v1.Patch("/areas/:id", write, h.UpdateArea)
	v1.Delete("/areas/:id", write, h.DeleteArea)
	v1.Get("/areas/:id/parameters", read, h.ListParameters)
	v1.Put("/areas/:id/parameters", write, h.PutParameters)
	v1.Get("/areas/:id/hooks", read, h.ListHooks)
	v1.Get("/areas/:id/executions", read, h.ListExecutions)
	v1.Post("/areas/:id/run", write, h.RunArea)

	v1.Get("/executions/:id", read, h.GetExecution)

	v1.Get("/services", read, h.ListServices)
	v1.Get("/components/:id", read, h.GetComponent)

	v1.Put("/accounts/:service", write, h.PutAccount)
	v1.Delete("/accounts/:service", write, h.DeleteAccount)

	v1.Get("/scheduler", read, h.SchedulerStatus)
	v1.Post("/scheduler/tick", admin, h.TriggerTick)

	v1.Get("/health", read, h.HealthDetail)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
		}

		detail := http.StatusText(code)
		if fe != nil && code < fiber.StatusInternalServerError {
			detail = fe.Message
		}
		return problemResponse(c, code, "error", http.StatusText(code), detail)
	}
}
