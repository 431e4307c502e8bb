package api

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basekick-labs/lpdecode/internal/logger"
	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Server is the lpdecode HTTP API. It serves health, metrics and logs itself;
// the decode and MQTT handlers add their routes through GetApp.
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	config  *ServerConfig
	errCh   chan error
	started time.Time

	mu     sync.RWMutex
	checks map[string]ReadyCheck
}

// ReadyCheck reports why a component cannot take traffic, or nil when it can
type ReadyCheck func() error

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxPayloadSize  int64
	TLSEnabled      bool
	TLSCertFile     string
	TLSKeyFile      string
	EnablePprof     bool
	Version         string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxPayloadSize:  100 * 1024 * 1024,
		Version:         "dev",
	}
}

// NewServer creates a new HTTP server with Fiber
func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	bodyLimit := int(config.MaxPayloadSize)
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		AppName:               "lpdecode " + config.Version,
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Content-Encoding," + RequestIDHeader,
		ExposeHeaders: RequestIDHeader + "," + HeaderLines + "," + HeaderRecords + "," + HeaderSkippedLines + "," + HeaderInvalidLines,
	}))
	app.Use(apiHeaders())
	if config.EnablePprof {
		app.Use(pprof.New())
	}
	app.Use(requestMetrics(logger))

	return &Server{
		app:     app,
		logger:  logger,
		config:  config,
		errCh:   make(chan error, 1),
		started: time.Now(),
		checks:  make(map[string]ReadyCheck),
	}
}

// AddReadyCheck makes /ready fail while check returns an error.
// A second check with the same name replaces the first.
func (s *Server) AddReadyCheck(name string, check ReadyCheck) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// RegisterRoutes registers the health, metrics and logs routes
func (s *Server) RegisterRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.metricsHandler)

	v1 := s.app.Group("/api/v1")
	v1.Get("/info", s.infoHandler)
	v1.Get("/metrics", s.apiMetricsHandler)
	v1.Get("/metrics/endpoints", s.endpointMetricsHandler)
	v1.Get("/metrics/timeseries/:type", s.timeseriesMetricsHandler)
	v1.Get("/logs", s.logsHandler)
}

// healthHandler is the liveness probe; it only reports that the process answers
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"version":    s.config.Version,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler runs every ready check and answers 503 if any fails
func (s *Server) readyHandler(c *fiber.Ctx) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(fiber.Map, len(names))
	ready := true
	for _, name := range names {
		if err := s.checks[name](); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}
	s.mu.RUnlock()

	status, code := "ready", fiber.StatusOK
	if !ready {
		status, code = "not_ready", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": results,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// infoHandler describes the running build and process
func (s *Server) infoHandler(c *fiber.Ctx) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(fiber.Map{
		"version":    s.config.Version,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"started_at": s.started.UTC().Format(time.RFC3339),
		"server": fiber.Map{
			"tls":              s.config.TLSEnabled,
			"max_payload_size": s.config.MaxPayloadSize,
			"pprof":            s.config.EnablePprof,
		},
		"runtime": fiber.Map{
			"goroutines":      runtime.NumGoroutine(),
			"gomaxprocs":      runtime.GOMAXPROCS(0),
			"heap_alloc_mb":   float64(mem.HeapAlloc) / 1024 / 1024,
			"heap_objects":    mem.HeapObjects,
			"gc_cycles":       mem.NumGC,
			"gc_pause_total":  time.Duration(mem.PauseTotalNs).String(),
			"gc_cpu_fraction": mem.GCCPUFraction,
		},
	})
}

// metricsHandler returns metrics in Prometheus format, or JSON when asked for it
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()

	if c.Get(fiber.HeaderAccept) == fiber.MIMEApplicationJSON {
		return c.JSON(m.Snapshot())
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := metrics.Get().Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

// endpointGroups maps each response group to its snapshot key prefix
var endpointGroups = []struct {
	group  string
	prefix string
}{
	{"http", "http_"},
	{"decoder", "decode_"},
	{"payload", "payload_"},
	{"mqtt", "mqtt_"},
}

// endpointMetricsHandler groups the snapshot by subsystem, dropping the key prefix
func (s *Server) endpointMetricsHandler(c *fiber.Ctx) error {
	snapshot := metrics.Get().Snapshot()

	out := fiber.Map{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	for _, g := range endpointGroups {
		group := fiber.Map{}
		for k, v := range snapshot {
			if name, ok := strings.CutPrefix(k, g.prefix); ok {
				group[name] = v
			}
		}
		out[g.group] = group
	}

	if count, ok := snapshot["http_latency_count"].(int64); ok && count > 0 {
		if sum, ok := snapshot["http_latency_sum_us"].(int64); ok {
			out["http"].(fiber.Map)["latency_avg_ms"] = float64(sum) / float64(count) / 1000.0
		}
	}
	return c.JSON(out)
}

// logsHandler returns recent entries from the in-memory log buffer
// GET /api/v1/logs?limit=100&level=warn&since_minutes=60
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := queryInt(c, "limit", 100, 1000)
	sinceMinutes := queryInt(c, "since_minutes", 60, 1440)
	level := c.Query("level")

	entries := logger.GetBuffer().GetRecent(limit, level, sinceMinutes)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

// timeseriesMetricsHandler returns collected points for one series
// GET /api/v1/metrics/timeseries/decoder?duration_minutes=30
func (s *Server) timeseriesMetricsHandler(c *fiber.Ctx) error {
	kind := c.Params("type")
	minutes := queryInt(c, "duration_minutes", 30, 1440)

	points, ok := metrics.GetTimeSeriesCollector().Points(kind, minutes)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       fmt.Sprintf("unknown series %q", kind),
			"valid_types": metrics.SeriesNames,
		})
	}

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"type":             kind,
		"duration_minutes": minutes,
		"points_count":     len(points),
		"data":             points,
	})
}

// Start listens in the background. Listen errors are reported on Errors().
func (s *Server) Start() error {
	if s.config.TLSEnabled && (s.config.TLSCertFile == "" || s.config.TLSKeyFile == "") {
		return errors.New("TLS enabled but certificate or key file not set")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info().
		Str("addr", addr).
		Bool("tls", s.config.TLSEnabled).
		Bool("pprof", s.config.EnablePprof).
		Msg("Starting lpdecode HTTP server")

	go func() {
		var err error
		if s.config.TLSEnabled {
			err = s.app.ListenTLS(addr, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.app.Listen(addr)
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("HTTP server stopped with error")
			s.errCh <- err
		}
	}()

	return nil
}

// Errors receives the listen error if the server fails to start or stops unexpectedly
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown stops accepting connections and waits up to timeout for in-flight requests
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// Close implements shutdown.Shutdownable
func (s *Server) Close() error {
	return s.Shutdown(s.config.ShutdownTimeout)
}

// GetApp returns the underlying Fiber app for handlers to register routes on
func (s *Server) GetApp() *fiber.App {
	return s.app
}
