package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/lpdecode/internal/ingest"
	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/basekick-labs/lpdecode/pkg/models"
)

// Sink receives the records decoded from one message
type Sink func(topic string, records []models.Record)

// Message errors
var (
	ErrEmptyMessage    = errors.New("empty message payload")
	ErrMessageTooLarge = errors.New("message exceeds max_payload_size")
)

// Subscriber handles MQTT connection and message processing for a single subscription
type Subscriber struct {
	id             string
	config         *Subscription
	client         pahomqtt.Client
	decoder        *ingest.BatchDecoder
	sink           Sink
	logger         zerolog.Logger
	onStatusChange func(id string, status SubscriptionStatus, errMsg string)

	// Runtime state
	mu             sync.RWMutex
	running        bool
	connectedSince time.Time
	lastMessageAt  time.Time
	topics         map[string]TopicCounts

	// Statistics
	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	messagesTooLarge atomic.Int64
	bytesReceived    atomic.Int64
	recordsDecoded   atomic.Int64
	invalidLines     atomic.Int64
	reconnects       atomic.Int64
}

// NewSubscriber creates a new MQTT subscriber. Comment lines in payloads are always skipped.
func NewSubscriber(
	config *Subscription,
	sink Sink,
	onStatusChange func(id string, status SubscriptionStatus, errMsg string),
	logger zerolog.Logger,
) *Subscriber {
	logger = logger.With().Str("subscription_id", config.ID).Str("subscription_name", config.Name).Logger()

	opts := ingest.BatchOptions{
		Strict:        config.Strict,
		SkipComments:  true,
		RequireFields: config.RequireFields,
	}

	return &Subscriber{
		id:             config.ID,
		config:         config,
		decoder:        ingest.NewBatchDecoder(opts, logger),
		sink:           sink,
		onStatusChange: onStatusChange,
		logger:         logger,
		topics:         make(map[string]TopicCounts),
	}
}

// Start connects to the broker and waits until the connection is up, the
// connect timeout passes or ctx is cancelled. Topics are subscribed in onConnect.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("subscriber already running")
	}
	s.mu.Unlock()

	opts, err := s.config.clientOptions()
	if err != nil {
		return err
	}
	opts.SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(s.onReconnecting)

	client := pahomqtt.NewClient(opts)
	s.logger.Info().Str("broker", s.config.Broker).Msg("Connecting to MQTT broker")

	timeout := time.Duration(s.config.ConnectTimeoutSeconds) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-timer.C:
		client.Disconnect(0)
		return fmt.Errorf("connection timeout after %s", timeout)
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Msg("Connected to MQTT broker")
	s.updateStatus(StatusRunning, "")
	return nil
}

// Stop disconnects from the MQTT broker
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	client := s.client
	s.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Unsubscribe(s.config.Topics...).WaitTimeout(time.Second)
		client.Disconnect(1000)
		metrics.Get().SetMQTTConnected(false)
	}

	s.logger.Info().Msg("Disconnected from MQTT broker")
	s.updateStatus(StatusStopped, "")

	return nil
}

// IsRunning returns whether the subscriber is running
func (s *Subscriber) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStats returns current statistics
func (s *Subscriber) GetStats() *SubscriptionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := StatusStopped
	if s.running {
		status = StatusRunning
	}

	topics := make(map[string]TopicCounts, len(s.topics))
	for t, c := range s.topics {
		topics[t] = c
	}

	return &SubscriptionStats{
		ID:               s.id,
		Name:             s.config.Name,
		Status:           string(status),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesFailed:   s.messagesFailed.Load(),
		MessagesTooLarge: s.messagesTooLarge.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		RecordsDecoded:   s.recordsDecoded.Load(),
		InvalidLines:     s.invalidLines.Load(),
		LastMessageAt:    s.lastMessageAt,
		ConnectedSince:   s.connectedSince,
		Reconnects:       s.reconnects.Load(),
		Topics:           topics,
	}
}

// onConnect subscribes to every topic filter in one request. It also runs after each
// automatic reconnect, since the session is clean.
func (s *Subscriber) onConnect(client pahomqtt.Client) {
	filters := make(map[string]byte, len(s.config.Topics))
	for _, topic := range s.config.Topics {
		filters[topic] = byte(s.config.QoS)
	}

	token := client.SubscribeMultiple(filters, s.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Strs("topics", s.config.Topics).Msg("Failed to subscribe to topics")
		s.updateStatus(StatusError, err.Error())
		return
	}
	s.logger.Info().Strs("topics", s.config.Topics).Int("qos", s.config.QoS).Msg("Subscribed to topics")

	s.mu.Lock()
	s.connectedSince = time.Now()
	s.mu.Unlock()

	metrics.Get().SetMQTTConnected(true)
}

// onConnectionLost is called when connection is lost
func (s *Subscriber) onConnectionLost(client pahomqtt.Client, err error) {
	s.logger.Warn().Err(err).Msg("MQTT connection lost")
	metrics.Get().SetMQTTConnected(false)
}

// onReconnecting is called before reconnection attempt
func (s *Subscriber) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	s.reconnects.Add(1)
	metrics.Get().IncMQTTReconnects()
	s.logger.Info().Int64("reconnect_count", s.reconnects.Load()).Msg("Attempting to reconnect to MQTT broker")
}

// onMessage handles incoming MQTT messages
func (s *Subscriber) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	topic, payload := msg.Topic(), msg.Payload()
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(int64(len(payload)))

	m := metrics.Get()
	m.IncMQTTMessagesReceived()
	m.IncMQTTBytesReceived(int64(len(payload)))

	n, err := s.processMessage(topic, payload)

	s.mu.Lock()
	s.lastMessageAt = time.Now()
	c := s.topics[topic]
	c.Messages++
	c.Records += int64(n)
	if err != nil {
		c.Failed++
	}
	s.topics[topic] = c
	s.mu.Unlock()

	if err != nil {
		s.messagesFailed.Add(1)
		m.IncMQTTMessagesFailed()
		s.logger.Error().
			Err(err).
			Str("topic", topic).
			Int("payload_size", len(payload)).
			Msg("Failed to process MQTT message")
	}
}

// processMessage decodes a line protocol payload, gzip or zstd compressed or plain,
// and hands the records to the sink. It returns the number of records delivered.
// A strict subscription with require_fields rejects the whole message at the first
// line without fields.
// The size limit applies to the payload before and after decompression.
func (s *Subscriber) processMessage(topic string, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyMessage
	}
	if err := s.checkSize(payload); err != nil {
		return 0, err
	}

	data, err := ingest.Decompress(payload, "")
	if err != nil {
		return 0, fmt.Errorf("failed to decompress payload: %w", err)
	}
	if err := s.checkSize(data); err != nil {
		return 0, err
	}

	records, stats, err := s.decoder.DecodeBatch(data)
	s.invalidLines.Add(int64(stats.Invalid))
	if err != nil {
		return 0, fmt.Errorf("failed to decode payload: %w", err)
	}

	if len(records) == 0 {
		return 0, nil
	}

	if s.config.TopicTag != "" {
		addTopicTag(records, s.config.TopicTag, topic)
	}

	s.recordsDecoded.Add(int64(len(records)))
	metrics.Get().IncMQTTRecordsDecoded(int64(len(records)))

	if s.sink != nil {
		s.sink(topic, records)
	}
	return len(records), nil
}

func (s *Subscriber) checkSize(data []byte) error {
	limit := s.config.MaxPayloadBytes
	if limit > 0 && int64(len(data)) > limit {
		s.messagesTooLarge.Add(1)
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), limit)
	}
	return nil
}

// addTopicTag appends the topic as a tag. A tag with the same key already in the
// point is left alone.
func addTopicTag(records []models.Record, key, topic string) {
	for i := range records {
		if _, ok := records[i].Tag(key); ok {
			continue
		}
		records[i].Tags = append(records[i].Tags, models.Tag{Key: key, Value: topic})
	}
}

// updateStatus updates the subscription status via callback
func (s *Subscriber) updateStatus(status SubscriptionStatus, errMsg string) {
	if s.onStatusChange != nil {
		s.onStatusChange(s.id, status, errMsg)
	}
}
