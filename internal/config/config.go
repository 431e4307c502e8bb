package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for lpdecode
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Decoder  DecoderConfig
	Output   OutputConfig
	Metrics  MetricsConfig
	MQTT     MQTTConfig
	Shutdown ShutdownConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	MaxPayloadSize int64 // Applies to both compressed and decompressed bodies
	// TLS Configuration
	TLSEnabled  bool
	TLSCertFile string // PEM
	TLSKeyFile  string // PEM

	EnablePprof bool // Mounts /debug/pprof
}

type LogConfig struct {
	Level  string
	Format string
}

// DecoderConfig controls how line protocol payloads are decoded
type DecoderConfig struct {
	Strict        bool // Return errors for unusable input instead of empty records
	SkipComments  bool // Drop lines starting with '#' before decoding
	RequireFields bool // Treat lines without a measurement or fields as invalid
	Workers       int  // Concurrent files decoded by the CLI
}

type OutputConfig struct {
	Format string // json, jsonl, msgpack, yaml, pretty, flat
}

type MetricsConfig struct {
	TimeseriesRetentionMinutes int
	TimeseriesIntervalSeconds  int
}

// MQTTConfig enables the subscriber and lists its subscriptions.
//
//	[[mqtt.subscriptions]]
//	name = "sensors"
//	broker = "tcp://localhost:1883"
//	topics = ["sensors/#"]
type MQTTConfig struct {
	Enabled       bool
	Subscriptions []MQTTSubscription
}

// MQTTSubscription is one broker connection decoded from the config file
type MQTTSubscription struct {
	Name                  string   `mapstructure:"name"`
	Broker                string   `mapstructure:"broker"`
	ClientID              string   `mapstructure:"client_id"`
	Topics                []string `mapstructure:"topics"`
	QoS                   int      `mapstructure:"qos"`
	Username              string   `mapstructure:"username"`
	Password              string   `mapstructure:"password"`
	PasswordEnv           string   `mapstructure:"password_env"` // Read the password from this variable instead
	TLSEnabled            bool     `mapstructure:"tls_enabled"`
	TLSCertPath           string   `mapstructure:"tls_cert_path"`
	TLSKeyPath            string   `mapstructure:"tls_key_path"`
	TLSCAPath             string   `mapstructure:"tls_ca_path"`
	TLSInsecureSkipVerify bool     `mapstructure:"tls_insecure_skip_verify"`
	KeepAliveSeconds      int      `mapstructure:"keep_alive_seconds"`
	ConnectTimeoutSeconds int      `mapstructure:"connect_timeout_seconds"`
	ReconnectMinSeconds   int      `mapstructure:"reconnect_min_seconds"`
	ReconnectMaxSeconds   int      `mapstructure:"reconnect_max_seconds"`
	Strict                bool     `mapstructure:"strict"`
	RequireFields         bool     `mapstructure:"require_fields"`
	TopicTag              string   `mapstructure:"topic_tag"`        // Tag key that receives the message topic
	MaxPayloadSize        string   `mapstructure:"max_payload_size"` // e.g. "1MB"; empty means no limit
}

type ShutdownConfig struct {
	TimeoutSeconds int
}

// Load loads configuration from environment and the first lpdecode.toml found
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or searches the default locations when path is empty.
// A missing file in the default locations is not an error; a missing explicit path is.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LPDECODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lpdecode")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lpdecode/")
		v.AddConfigPath("$HOME/.lpdecode/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	maxPayloadSize, err := ParseSize(v.GetString("server.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_payload_size: %w", err)
	}

	var subs []MQTTSubscription
	if err := v.UnmarshalKey("mqtt.subscriptions", &subs); err != nil {
		return nil, fmt.Errorf("invalid mqtt.subscriptions: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			ReadTimeout:    v.GetInt("server.read_timeout"),
			WriteTimeout:   v.GetInt("server.write_timeout"),
			MaxPayloadSize: maxPayloadSize,
			TLSEnabled:     v.GetBool("server.tls_enabled"),
			TLSCertFile:    v.GetString("server.tls_cert_file"),
			TLSKeyFile:     v.GetString("server.tls_key_file"),
			EnablePprof:    v.GetBool("server.enable_pprof"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Decoder: DecoderConfig{
			Strict:        v.GetBool("decoder.strict"),
			SkipComments:  v.GetBool("decoder.skip_comments"),
			RequireFields: v.GetBool("decoder.require_fields"),
			Workers:       v.GetInt("decoder.workers"),
		},
		Output: OutputConfig{
			Format: v.GetString("output.format"),
		},
		Metrics: MetricsConfig{
			TimeseriesRetentionMinutes: v.GetInt("metrics.timeseries_retention_minutes"),
			TimeseriesIntervalSeconds:  v.GetInt("metrics.timeseries_interval_seconds"),
		},
		MQTT: MQTTConfig{
			Enabled:       v.GetBool("mqtt.enabled"),
			Subscriptions: subs,
		},
		Shutdown: ShutdownConfig{
			TimeoutSeconds: v.GetInt("shutdown.timeout_seconds"),
		},
	}

	if cfg.Metrics.TimeseriesRetentionMinutes > 1440 {
		cfg.Metrics.TimeseriesRetentionMinutes = 1440
	}
	if cfg.Decoder.Workers <= 0 {
		cfg.Decoder.Workers = getDefaultWorkers()
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.max_payload_size", "100MB")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.enable_pprof", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("decoder.strict", false)
	v.SetDefault("decoder.skip_comments", true)
	v.SetDefault("decoder.require_fields", false)
	v.SetDefault("decoder.workers", getDefaultWorkers())

	v.SetDefault("output.format", "json")

	v.SetDefault("metrics.timeseries_retention_minutes", 30)
	v.SetDefault("metrics.timeseries_interval_seconds", 5)

	v.SetDefault("mqtt.enabled", false)

	v.SetDefault("shutdown.timeout_seconds", 30)
}

// getDefaultWorkers returns the CPU count capped at 16
func getDefaultWorkers() int {
	n := runtime.NumCPU()
	if n > 16 {
		return 16
	}
	return n
}

// Validate checks the settings Load cannot check while parsing
func (cfg *Config) Validate() error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", cfg.Log.Format)
	}
	if cfg.Metrics.TimeseriesIntervalSeconds <= 0 {
		return fmt.Errorf("metrics.timeseries_interval_seconds must be positive")
	}
	if cfg.Shutdown.TimeoutSeconds <= 0 {
		return fmt.Errorf("shutdown.timeout_seconds must be positive")
	}
	return cfg.Server.ValidateTLS()
}

// ValidateTLS checks that both PEM files are set and readable when TLS is enabled
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}
	if cfg.TLSCertFile == "" {
		return errors.New("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return errors.New("TLS enabled but server.tls_key_file not specified")
	}
	if err := checkFile("certificate", cfg.TLSCertFile); err != nil {
		return err
	}
	return checkFile("key", cfg.TLSKeyFile)
}

func checkFile(kind, path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("TLS %s file not found: %s", kind, path)
	case err != nil:
		return fmt.Errorf("cannot access TLS %s file %s: %w", kind, path, err)
	case info.IsDir():
		return fmt.Errorf("TLS %s path is a directory: %s", kind, path)
	}
	return nil
}

// sizeUnits are checked in order, so longer suffixes come first
var sizeUnits = []struct {
	suffix string
	bytes  float64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize parses sizes such as "100MB", "1.5kb" or "512" (bytes).
// Units are powers of 1024; TB and larger are rejected.
func ParseSize(s string) (int64, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	if in == "" {
		return 0, errors.New("empty size string")
	}

	num, mult := in, float64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(in, u.suffix) {
			num, mult = strings.TrimSpace(strings.TrimSuffix(in, u.suffix)), u.bytes
			break
		}
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, fmt.Errorf("invalid size %q (use e.g. '1GB', '500MB', '100KB')", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}
	if mult == 1 && n != math.Trunc(n) {
		return 0, fmt.Errorf("fractional byte count: %q", s)
	}
	return int64(n * mult), nil
}
