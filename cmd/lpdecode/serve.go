package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/basekick-labs/lpdecode/internal/api"
	"github.com/basekick-labs/lpdecode/internal/config"
	"github.com/basekick-labs/lpdecode/internal/logger"
	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/basekick-labs/lpdecode/internal/mqtt"
	"github.com/basekick-labs/lpdecode/internal/output"
	"github.com/basekick-labs/lpdecode/internal/shutdown"
	"github.com/basekick-labs/lpdecode/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decode HTTP API and MQTT subscribers",
	Long: `Run lpdecode as a service.

The HTTP API decodes request bodies on POST /api/v1/decode. When MQTT is
enabled in the config file, every configured subscription is connected and
the records decoded from its messages are written to stdout.

Examples:
  lpdecode serve --config /etc/lpdecode/lpdecode.toml
  LPDECODE_SERVER_PORT=9000 lpdecode serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Flags win over the config file for logging
	level, format := cfg.Log.Level, cfg.Log.Format
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		format = logFormat
	}
	logger.SetupWriter(os.Stderr, level, format)
	log.Info().Str("version", Version).Msg("Starting lpdecode...")

	outputFormat, err := output.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}

	metrics.Init(logger.Get("metrics"))
	collector := metrics.InitTimeSeriesCollector(
		cfg.Metrics.TimeseriesRetentionMinutes,
		cfg.Metrics.TimeseriesIntervalSeconds,
	)
	log.Info().
		Int("retention_minutes", cfg.Metrics.TimeseriesRetentionMinutes).
		Int("interval_seconds", cfg.Metrics.TimeseriesIntervalSeconds).
		Msg("Timeseries metrics collector initialized")

	timeout := time.Duration(cfg.Shutdown.TimeoutSeconds) * time.Second
	coordinator := shutdown.New(timeout, logger.Get("shutdown"))

	coordinator.RegisterHook("timeseries-collector", func(ctx context.Context) error {
		collector.Stop()
		return nil
	}, shutdown.PriorityMetrics)

	server := api.NewServer(serverConfig(cfg, timeout), logger.Get("api-server"))
	server.RegisterRoutes()

	decodeHandler := api.NewDecodeHandler(api.DecodeConfig{
		Strict:        cfg.Decoder.Strict,
		SkipComments:  cfg.Decoder.SkipComments,
		RequireFields: cfg.Decoder.RequireFields,
		Format:        outputFormat,
	}, logger.Get("decode-handler"))
	decodeHandler.RegisterRoutes(server.GetApp())

	if cfg.MQTT.Enabled {
		sink := newRecordSink(cmd.OutOrStdout(), outputFormat, logger.Get("mqtt-sink"))
		manager, err := mqtt.NewSubscriptionManager(cfg.MQTT, sink.write, logger.Get("mqtt-manager"))
		if err != nil {
			return err
		}

		// Subscriptions that fail to connect stay listed with their error and can be restarted over the API
		if err := manager.Start(cmd.Context()); err != nil {
			log.Warn().Err(err).Msg("Some MQTT subscriptions failed to start")
		}
		coordinator.Register("mqtt-manager", manager, shutdown.PriorityMQTT)
		server.AddReadyCheck("mqtt", manager.Ready)

		api.NewMQTTHandler(manager, logger.Get("mqtt-api")).RegisterRoutes(server.GetApp())
		log.Info().Int("subscriptions", len(cfg.MQTT.Subscriptions)).Msg("MQTT subscription manager enabled")
	} else {
		log.Debug().Msg("MQTT subscription manager is disabled")
	}

	if err := server.Start(); err != nil {
		return err
	}
	coordinator.Register("http-server", server, shutdown.PriorityHTTPServer)

	// A listen failure triggers the same shutdown path as a signal
	serverErr := make(chan error, 1)
	go func() {
		select {
		case err := <-server.Errors():
			serverErr <- err
			coordinator.TriggerShutdown()
		case <-coordinator.Done():
		}
	}()

	coordinator.WaitForSignal()

	if err := coordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
	}
	log.Info().Msg("lpdecode stopped")
	return nil
}

func serverConfig(cfg *config.Config, shutdownTimeout time.Duration) *api.ServerConfig {
	sc := api.DefaultServerConfig()
	sc.Host = cfg.Server.Host
	sc.Port = cfg.Server.Port
	sc.ReadTimeout = time.Duration(cfg.Server.ReadTimeout) * time.Second
	sc.WriteTimeout = time.Duration(cfg.Server.WriteTimeout) * time.Second
	sc.ShutdownTimeout = shutdownTimeout
	sc.MaxPayloadSize = cfg.Server.MaxPayloadSize
	sc.TLSEnabled = cfg.Server.TLSEnabled
	sc.TLSCertFile = cfg.Server.TLSCertFile
	sc.TLSKeyFile = cfg.Server.TLSKeyFile
	sc.EnablePprof = cfg.Server.EnablePprof
	sc.Version = Version
	return sc
}

// recordSink writes records decoded from MQTT messages. Subscribers deliver
// concurrently, so writes are serialized.
type recordSink struct {
	mu     sync.Mutex
	w      io.Writer
	format output.Format
	logger zerolog.Logger
}

func newRecordSink(w io.Writer, f output.Format, logger zerolog.Logger) *recordSink {
	if !output.Streamable(f) {
		f = output.FormatJSONL
	}
	return &recordSink{w: w, format: f, logger: logger}
}

func (s *recordSink) write(topic string, records []models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if err := output.WriteRecord(s.w, s.format, rec); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to write record")
			return
		}
	}
	s.logger.Debug().Str("topic", topic).Int("records", len(records)).Msg("Wrote records")
}
