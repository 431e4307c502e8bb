package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/basekick-labs/lpdecode/internal/config"
	"github.com/google/uuid"
)

// Validation limits
const (
	MaxTopics       = 100
	MaxTopicLength  = 1024
	MaxClientIDLen  = 255
	MaxBrokerURLLen = 2048
	MaxNameLen      = 255
)

// SubscriptionStatus represents the current state of a subscription
type SubscriptionStatus string

const (
	StatusStopped SubscriptionStatus = "stopped"
	StatusRunning SubscriptionStatus = "running"
	StatusError   SubscriptionStatus = "error"
)

// Subscription is one broker connection whose messages carry line protocol payloads
type Subscription struct {
	ID                    string             `json:"id"`
	Name                  string             `json:"name"`
	Broker                string             `json:"broker"`
	ClientID              string             `json:"client_id"`
	Topics                []string           `json:"topics"`
	QoS                   int                `json:"qos"`
	Username              string             `json:"username,omitempty"`
	Password              string             `json:"-"` // Never expose in JSON
	PasswordEnv           string             `json:"password_env,omitempty"`
	HasPassword           bool               `json:"has_password"`
	TLSEnabled            bool               `json:"tls_enabled"`
	TLSCertPath           string             `json:"tls_cert_path,omitempty"`
	TLSKeyPath            string             `json:"tls_key_path,omitempty"`
	TLSCAPath             string             `json:"tls_ca_path,omitempty"`
	TLSInsecureSkipVerify bool               `json:"tls_insecure_skip_verify"`
	Strict                bool               `json:"strict"`
	RequireFields         bool               `json:"require_fields"`
	TopicTag              string             `json:"topic_tag,omitempty"`
	MaxPayloadBytes       int64              `json:"max_payload_bytes,omitempty"`
	Status                SubscriptionStatus `json:"status"`
	ErrorMessage          string             `json:"error_message,omitempty"`
	KeepAliveSeconds      int                `json:"keep_alive_seconds"`
	ConnectTimeoutSeconds int                `json:"connect_timeout_seconds"`
	ReconnectMinSeconds   int                `json:"reconnect_min_seconds"`
	ReconnectMaxSeconds   int                `json:"reconnect_max_seconds"`
}

// SubscriptionStats contains runtime statistics for a subscription
type SubscriptionStats struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Status           string                 `json:"status"`
	Error            string                 `json:"error,omitempty"`
	MessagesReceived int64                  `json:"messages_received"`
	MessagesFailed   int64                  `json:"messages_failed"`
	MessagesTooLarge int64                  `json:"messages_too_large"`
	BytesReceived    int64                  `json:"bytes_received"`
	RecordsDecoded   int64                  `json:"records_decoded"`
	InvalidLines     int64                  `json:"invalid_lines"`
	LastMessageAt    time.Time              `json:"last_message_at,omitempty"`
	ConnectedSince   time.Time              `json:"connected_since,omitempty"`
	Reconnects       int64                  `json:"reconnects"`
	Topics           map[string]TopicCounts `json:"topics,omitempty"`
}

// TopicCounts is the traffic seen on one concrete topic, not the subscribed filter
type TopicCounts struct {
	Messages int64 `json:"messages"`
	Records  int64 `json:"records"`
	Failed   int64 `json:"failed"`
}

// FromConfig builds a subscription from its config file entry and applies defaults.
// It fails when password_env names an unset variable or max_payload_size does not parse.
func FromConfig(cfg config.MQTTSubscription) (*Subscription, error) {
	s := &Subscription{
		ID:                    uuid.NewString(),
		Name:                  cfg.Name,
		Broker:                cfg.Broker,
		ClientID:              cfg.ClientID,
		Topics:                append([]string(nil), cfg.Topics...),
		QoS:                   cfg.QoS,
		Username:              cfg.Username,
		Password:              cfg.Password,
		PasswordEnv:           cfg.PasswordEnv,
		TLSEnabled:            cfg.TLSEnabled,
		TLSCertPath:           cfg.TLSCertPath,
		TLSKeyPath:            cfg.TLSKeyPath,
		TLSCAPath:             cfg.TLSCAPath,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		Strict:                cfg.Strict,
		RequireFields:         cfg.RequireFields,
		TopicTag:              cfg.TopicTag,
		KeepAliveSeconds:      cfg.KeepAliveSeconds,
		ConnectTimeoutSeconds: cfg.ConnectTimeoutSeconds,
		ReconnectMinSeconds:   cfg.ReconnectMinSeconds,
		ReconnectMaxSeconds:   cfg.ReconnectMaxSeconds,
	}

	if cfg.PasswordEnv != "" {
		if cfg.Password != "" {
			return nil, errors.New("password and password_env are mutually exclusive")
		}
		pw, ok := os.LookupEnv(cfg.PasswordEnv)
		if !ok {
			return nil, fmt.Errorf("password_env %s is not set", cfg.PasswordEnv)
		}
		s.Password = pw
	}
	s.HasPassword = s.Password != ""

	if cfg.MaxPayloadSize != "" {
		n, err := config.ParseSize(cfg.MaxPayloadSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max_payload_size: %w", err)
		}
		s.MaxPayloadBytes = n
	}

	s.SetDefaults()
	return s, nil
}

// Validate validates the subscription configuration
func (s *Subscription) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Name) > MaxNameLen {
		return fmt.Errorf("name exceeds %d characters", MaxNameLen)
	}

	if s.Broker == "" {
		return errors.New("broker is required")
	}
	if len(s.Broker) > MaxBrokerURLLen {
		return fmt.Errorf("broker URL exceeds %d characters", MaxBrokerURLLen)
	}

	if err := validateBrokerURL(s.Broker); err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	if s.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(s.ClientID) > MaxClientIDLen {
		return fmt.Errorf("client_id exceeds %d characters", MaxClientIDLen)
	}

	if len(s.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	if len(s.Topics) > MaxTopics {
		return fmt.Errorf("maximum %d topics allowed", MaxTopics)
	}

	for _, topic := range s.Topics {
		if err := validateTopicFilter(topic); err != nil {
			return fmt.Errorf("topic %q: %w", topic, err)
		}
	}

	if s.QoS < 0 || s.QoS > 2 {
		return errors.New("qos must be 0, 1, or 2")
	}

	// Path traversal check for TLS certificate paths
	for _, path := range []string{s.TLSCertPath, s.TLSKeyPath, s.TLSCAPath} {
		if path != "" && strings.Contains(path, "..") {
			return errors.New("path traversal not allowed in certificate paths")
		}
	}

	if strings.ContainsAny(s.TopicTag, " ,=\"\\") {
		return errors.New("topic_tag cannot contain spaces, commas, '=', quotes or backslashes")
	}
	if s.MaxPayloadBytes < 0 {
		return errors.New("max_payload_bytes cannot be negative")
	}

	if s.KeepAliveSeconds < 0 {
		return errors.New("keep_alive_seconds cannot be negative")
	}
	if s.ConnectTimeoutSeconds < 0 {
		return errors.New("connect_timeout_seconds cannot be negative")
	}
	if s.ReconnectMinSeconds < 0 {
		return errors.New("reconnect_min_seconds cannot be negative")
	}
	if s.ReconnectMaxSeconds < 0 {
		return errors.New("reconnect_max_seconds cannot be negative")
	}
	if s.ReconnectMinSeconds > s.ReconnectMaxSeconds && s.ReconnectMaxSeconds > 0 {
		return errors.New("reconnect_min_seconds cannot exceed reconnect_max_seconds")
	}

	return nil
}

// SetDefaults sets default values for optional fields
func (s *Subscription) SetDefaults() {
	if s.ClientID == "" {
		s.ClientID = generateClientID()
	}
	if s.QoS == 0 {
		s.QoS = 1 // Default to at-least-once
	}
	if s.KeepAliveSeconds == 0 {
		s.KeepAliveSeconds = 60
	}
	if s.ConnectTimeoutSeconds == 0 {
		s.ConnectTimeoutSeconds = 30
	}
	if s.ReconnectMinSeconds == 0 {
		s.ReconnectMinSeconds = 1
	}
	if s.ReconnectMaxSeconds == 0 {
		s.ReconnectMaxSeconds = 60
	}
	if s.Status == "" {
		s.Status = StatusStopped
	}
}

// generateClientID creates a unique client ID for MQTT connections
func generateClientID() string {
	return "lpdecode-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// validateBrokerURL validates the MQTT broker URL format
func validateBrokerURL(brokerURL string) error {
	// MQTT URLs can be: tcp://, ssl://, ws://, wss://
	validSchemes := []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://"}

	hasValidScheme := false
	for _, scheme := range validSchemes {
		if strings.HasPrefix(brokerURL, scheme) {
			hasValidScheme = true
			break
		}
	}

	if !hasValidScheme {
		return fmt.Errorf("must start with one of: %v", validSchemes)
	}

	parsed, err := url.Parse(brokerURL)
	if err != nil {
		return err
	}

	if parsed.Host == "" {
		return errors.New("host is required")
	}

	return nil
}

// validateTopicFilter checks an MQTT subscription filter. '+' must fill a whole level
// and '#' must fill the last level.
func validateTopicFilter(filter string) error {
	if filter == "" {
		return errors.New("empty topic not allowed")
	}
	if len(filter) > MaxTopicLength {
		return fmt.Errorf("topic pattern exceeds %d characters", MaxTopicLength)
	}
	if strings.ContainsRune(filter, 0) {
		return errors.New("topic contains a NUL character")
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case strings.Contains(level, "#"):
			if level != "#" || i != len(levels)-1 {
				return errors.New("'#' must be the last level on its own")
			}
		case strings.Contains(level, "+"):
			if level != "+" {
				return errors.New("'+' must fill a whole level")
			}
		}
	}
	return nil
}
