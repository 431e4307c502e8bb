package mqtt

import (
	"strings"
	"testing"

	"github.com/basekick-labs/lpdecode/internal/config"
)

func TestSubscription_Validate(t *testing.T) {
	validSub := func() *Subscription {
		s := &Subscription{
			Name:     "test-sub",
			Broker:   "tcp://localhost:1883",
			ClientID: "test-client",
			Topics:   []string{"sensors/#"},
			QoS:      1,
		}
		s.SetDefaults()
		return s
	}

	tests := []struct {
		name    string
		modify  func(*Subscription)
		wantErr bool
	}{
		{
			name:    "valid",
			modify:  func(s *Subscription) {},
			wantErr: false,
		},
		{
			name:    "empty_name",
			modify:  func(s *Subscription) { s.Name = "" },
			wantErr: true,
		},
		{
			name:    "name_too_long",
			modify:  func(s *Subscription) { s.Name = string(make([]byte, MaxNameLen+1)) },
			wantErr: true,
		},
		{
			name:    "empty_broker",
			modify:  func(s *Subscription) { s.Broker = "" },
			wantErr: true,
		},
		{
			name:    "invalid_broker_scheme",
			modify:  func(s *Subscription) { s.Broker = "http://localhost:1883" },
			wantErr: true,
		},
		{
			name:    "valid_ssl_broker",
			modify:  func(s *Subscription) { s.Broker = "ssl://localhost:8883" },
			wantErr: false,
		},
		{
			name:    "valid_ws_broker",
			modify:  func(s *Subscription) { s.Broker = "ws://localhost:9001" },
			wantErr: false,
		},
		{
			name:    "empty_client_id",
			modify:  func(s *Subscription) { s.ClientID = "" },
			wantErr: true,
		},
		{
			name:    "no_topics",
			modify:  func(s *Subscription) { s.Topics = nil },
			wantErr: true,
		},
		{
			name:    "empty_topic",
			modify:  func(s *Subscription) { s.Topics = []string{""} },
			wantErr: true,
		},
		{
			name:    "too_many_topics",
			modify:  func(s *Subscription) { s.Topics = make([]string, MaxTopics+1); for i := range s.Topics { s.Topics[i] = "topic" } },
			wantErr: true,
		},
		{
			name:    "invalid_qos_negative",
			modify:  func(s *Subscription) { s.QoS = -1 },
			wantErr: true,
		},
		{
			name:    "invalid_qos_high",
			modify:  func(s *Subscription) { s.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "valid_qos_0",
			modify:  func(s *Subscription) { s.QoS = 0 },
			wantErr: false,
		},
		{
			name:    "valid_qos_2",
			modify:  func(s *Subscription) { s.QoS = 2 },
			wantErr: false,
		},
		{
			name:    "long_client_id",
			modify:  func(s *Subscription) { s.ClientID = strings.Repeat("c", MaxClientIDLen+1) },
			wantErr: true,
		},
		{
			name:    "path_traversal_cert",
			modify:  func(s *Subscription) { s.TLSCertPath = "../etc/passwd" },
			wantErr: true,
		},
		{
			name:    "path_traversal_key",
			modify:  func(s *Subscription) { s.TLSKeyPath = "/foo/../bar" },
			wantErr: true,
		},
		{
			name:    "path_traversal_ca",
			modify:  func(s *Subscription) { s.TLSCAPath = "..\\windows\\system32" },
			wantErr: true,
		},
		{
			name:    "valid_tls_paths",
			modify:  func(s *Subscription) { s.TLSCertPath = "/etc/certs/client.crt"; s.TLSKeyPath = "/etc/certs/client.key" },
			wantErr: false,
		},
		{
			name:    "wildcard_filters",
			modify:  func(s *Subscription) { s.Topics = []string{"#", "plant/+/lp", "+/+/#", "sensors/+"} },
			wantErr: false,
		},
		{
			name:    "hash_not_last",
			modify:  func(s *Subscription) { s.Topics = []string{"sensors/#/lp"} },
			wantErr: true,
		},
		{
			name:    "hash_inside_level",
			modify:  func(s *Subscription) { s.Topics = []string{"sensors/temp#"} },
			wantErr: true,
		},
		{
			name:    "plus_inside_level",
			modify:  func(s *Subscription) { s.Topics = []string{"plant/line+1"} },
			wantErr: true,
		},
		{
			name:    "topic_too_long",
			modify:  func(s *Subscription) { s.Topics = []string{strings.Repeat("t", MaxTopicLength+1)} },
			wantErr: true,
		},
		{
			name:    "valid_topic_tag",
			modify:  func(s *Subscription) { s.TopicTag = "mqtt_topic" },
			wantErr: false,
		},
		{
			name:    "topic_tag_with_comma",
			modify:  func(s *Subscription) { s.TopicTag = "a,b" },
			wantErr: true,
		},
		{
			name:    "topic_tag_with_space",
			modify:  func(s *Subscription) { s.TopicTag = "mqtt topic" },
			wantErr: true,
		},
		{
			name:    "negative_max_payload",
			modify:  func(s *Subscription) { s.MaxPayloadBytes = -1 },
			wantErr: true,
		},
		{
			name:    "negative_keep_alive",
			modify:  func(s *Subscription) { s.KeepAliveSeconds = -1 },
			wantErr: true,
		},
		{
			name:    "reconnect_min_exceeds_max",
			modify:  func(s *Subscription) { s.ReconnectMinSeconds = 60; s.ReconnectMaxSeconds = 30 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSub()
			tt.modify(sub)

			err := sub.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscription_SetDefaults(t *testing.T) {
	sub := &Subscription{}
	sub.SetDefaults()

	if sub.QoS != 1 {
		t.Errorf("Default QoS = %d, want 1", sub.QoS)
	}
	if sub.KeepAliveSeconds != 60 {
		t.Errorf("Default KeepAliveSeconds = %d, want 60", sub.KeepAliveSeconds)
	}
	if sub.ConnectTimeoutSeconds != 30 {
		t.Errorf("Default ConnectTimeoutSeconds = %d, want 30", sub.ConnectTimeoutSeconds)
	}
	if sub.ReconnectMinSeconds != 1 {
		t.Errorf("Default ReconnectMinSeconds = %d, want 1", sub.ReconnectMinSeconds)
	}
	if sub.ReconnectMaxSeconds != 60 {
		t.Errorf("Default ReconnectMaxSeconds = %d, want 60", sub.ReconnectMaxSeconds)
	}
	if sub.Status != StatusStopped {
		t.Errorf("Default Status = %s, want %s", sub.Status, StatusStopped)
	}
}

func TestValidateBrokerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"tcp://localhost:1883", false},
		{"ssl://broker.example.com:8883", false},
		{"ws://localhost:9001/mqtt", false},
		{"wss://broker.example.com/mqtt", false},
		{"mqtt://localhost:1883", false},
		{"mqtts://localhost:8883", false},
		{"http://localhost:1883", true},
		{"https://localhost:8883", true},
		{"localhost:1883", true},
		{"tcp://", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateBrokerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBrokerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	sub, err := FromConfig(config.MQTTSubscription{
		Name:           "sensors",
		Broker:         "tcp://localhost:1883",
		Topics:         []string{"sensors/#", "plant/+/lp"},
		Password:       "secret",
		Strict:         true,
		TopicTag:       "topic",
		MaxPayloadSize: "1MB",
	})
	if err != nil {
		t.Fatalf("FromConfig() = %v", err)
	}

	if sub.ID == "" {
		t.Error("ID not generated")
	}
	if !strings.HasPrefix(sub.ClientID, "lpdecode-") || len(sub.ClientID) != len("lpdecode-")+8 {
		t.Errorf("ClientID = %q, want lpdecode- and 8 hex chars", sub.ClientID)
	}
	if !sub.HasPassword {
		t.Error("HasPassword = false, want true")
	}
	if !sub.Strict || sub.TopicTag != "topic" {
		t.Errorf("Strict/TopicTag not carried over: %v %q", sub.Strict, sub.TopicTag)
	}
	if sub.MaxPayloadBytes != 1024*1024 {
		t.Errorf("MaxPayloadBytes = %d, want 1MB", sub.MaxPayloadBytes)
	}
	if sub.QoS != 1 || sub.KeepAliveSeconds != 60 {
		t.Errorf("defaults not applied: qos=%d keep_alive=%d", sub.QoS, sub.KeepAliveSeconds)
	}
	if err := sub.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestFromConfig_PasswordEnv(t *testing.T) {
	base := config.MQTTSubscription{
		Name:        "sensors",
		Broker:      "tcp://localhost:1883",
		Topics:      []string{"sensors/#"},
		PasswordEnv: "LPDECODE_TEST_MQTT_PASSWORD",
	}

	t.Setenv("LPDECODE_TEST_MQTT_PASSWORD", "from-env")
	sub, err := FromConfig(base)
	if err != nil {
		t.Fatalf("FromConfig() = %v", err)
	}
	if sub.Password != "from-env" || !sub.HasPassword {
		t.Errorf("password not read from environment: %q", sub.Password)
	}

	both := base
	both.Password = "inline"
	if _, err := FromConfig(both); err == nil {
		t.Error("expected error for password and password_env together")
	}

	unset := base
	unset.PasswordEnv = "LPDECODE_TEST_MQTT_PASSWORD_UNSET"
	if _, err := FromConfig(unset); err == nil {
		t.Error("expected error for unset password_env")
	}
}

func TestFromConfig_InvalidPayloadSize(t *testing.T) {
	_, err := FromConfig(config.MQTTSubscription{
		Name:           "sensors",
		Broker:         "tcp://localhost:1883",
		Topics:         []string{"sensors/#"},
		MaxPayloadSize: "lots",
	})
	if err == nil {
		t.Error("expected error for unparseable max_payload_size")
	}
}

func TestGenerateClientID_Unique(t *testing.T) {
	a, b := generateClientID(), generateClientID()
	if a == b {
		t.Errorf("generateClientID returned %q twice", a)
	}
}
