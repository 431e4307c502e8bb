package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/lpdecode/internal/config"
	"github.com/basekick-labs/lpdecode/internal/shutdown"
)

// Manager errors
var (
	ErrNotFound       = errors.New("subscription not found")
	ErrAlreadyRunning = errors.New("subscription already running")
	ErrNotRunning     = errors.New("subscription not running")
)

// Manager interface for MQTT subscription management
type Manager interface {
	// Lifecycle
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error

	List(ctx context.Context) ([]*Subscription, error)

	// Subscription lifecycle
	StartSubscription(ctx context.Context, name string) error
	StopSubscription(ctx context.Context, name string) error
	GetStats(ctx context.Context, name string) (*SubscriptionStats, error)
	GetAllStats(ctx context.Context) ([]*SubscriptionStats, error)
}

// SubscriptionManager runs the subscriptions listed in the config file.
// Subscriptions are addressed by name.
type SubscriptionManager struct {
	sink   Sink
	logger zerolog.Logger

	// Subscriptions in config order
	mu            sync.RWMutex
	subscriptions []*Subscription
	subscribers   map[string]*Subscriber
}

// Ensure SubscriptionManager implements Manager and Shutdownable
var _ Manager = (*SubscriptionManager)(nil)
var _ shutdown.Shutdownable = (*SubscriptionManager)(nil)

// NewSubscriptionManager validates the configured subscriptions and creates a manager.
// Every decoded batch is passed to sink.
func NewSubscriptionManager(cfg config.MQTTConfig, sink Sink, logger zerolog.Logger) (*SubscriptionManager, error) {
	m := &SubscriptionManager{
		sink:        sink,
		logger:      logger,
		subscribers: make(map[string]*Subscriber),
	}

	seen := make(map[string]bool, len(cfg.Subscriptions))
	for i, sc := range cfg.Subscriptions {
		sub, err := FromConfig(sc)
		if err == nil {
			err = sub.Validate()
		}
		if err != nil {
			return nil, fmt.Errorf("mqtt subscription %d (%q): %w", i, sc.Name, err)
		}
		if seen[sub.Name] {
			return nil, fmt.Errorf("mqtt subscription %q defined twice", sub.Name)
		}
		seen[sub.Name] = true
		m.subscriptions = append(m.subscriptions, sub)
	}

	return m, nil
}

// Start connects every configured subscription concurrently. A subscription that fails
// to connect is marked as errored and does not stop the others.
func (m *SubscriptionManager) Start(ctx context.Context) error {
	m.logger.Info().Int("count", len(m.subscriptions)).Msg("Starting MQTT subscription manager")

	var g errgroup.Group
	for _, sub := range m.subscriptions {
		sub := sub
		g.Go(func() error {
			if err := m.startSubscriber(ctx, sub); err != nil {
				m.logger.Error().
					Err(err).
					Str("id", sub.ID).
					Str("name", sub.Name).
					Msg("Failed to start subscription")
				m.onStatusChange(sub.ID, StatusError, err.Error())
			}
			return nil
		})
	}
	return g.Wait()
}

// Close implements shutdown.Shutdownable interface
func (m *SubscriptionManager) Close() error {
	return m.Shutdown(context.Background())
}

// Shutdown stops all subscribers
func (m *SubscriptionManager) Shutdown(ctx context.Context) error {
	m.logger.Info().Msg("Shutting down MQTT subscription manager")

	m.mu.Lock()
	running := m.subscribers
	m.subscribers = make(map[string]*Subscriber)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for name, subscriber := range running {
		name, subscriber := name, subscriber
		g.Go(func() error {
			if err := subscriber.Stop(); err != nil {
				m.logger.Error().Err(err).Str("name", name).Msg("Error stopping subscriber during shutdown")
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	m.logger.Info().Msg("MQTT subscription manager shutdown complete")
	return err
}

// List returns the configured subscriptions
func (m *SubscriptionManager) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Subscription, len(m.subscriptions))
	for i, sub := range m.subscriptions {
		cp := *sub
		out[i] = &cp
	}
	return out, nil
}

// StartSubscription starts a subscription
func (m *SubscriptionManager) StartSubscription(ctx context.Context, name string) error {
	sub := m.find(name)
	if sub == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	m.mu.RLock()
	_, ok := m.subscribers[name]
	m.mu.RUnlock()
	if ok {
		return ErrAlreadyRunning
	}

	if err := m.startSubscriber(ctx, sub); err != nil {
		m.onStatusChange(sub.ID, StatusError, err.Error())
		return err
	}

	return nil
}

// StopSubscription stops a subscription
func (m *SubscriptionManager) StopSubscription(ctx context.Context, name string) error {
	m.mu.Lock()
	subscriber, ok := m.subscribers[name]
	if !ok {
		m.mu.Unlock()
		if m.find(name) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return ErrNotRunning
	}
	delete(m.subscribers, name)
	m.mu.Unlock()

	if err := subscriber.Stop(); err != nil {
		return err
	}

	m.logger.Info().Str("name", name).Msg("Stopped MQTT subscription")

	return nil
}

// GetStats returns statistics for a subscription
func (m *SubscriptionManager) GetStats(ctx context.Context, name string) (*SubscriptionStats, error) {
	sub := m.find(name)
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statsLocked(sub), nil
}

// GetAllStats returns statistics for all subscriptions
func (m *SubscriptionManager) GetAllStats(ctx context.Context) ([]*SubscriptionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]*SubscriptionStats, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		stats = append(stats, m.statsLocked(sub))
	}
	return stats, nil
}

// statsLocked returns live stats for running subscriptions and the recorded status otherwise
func (m *SubscriptionManager) statsLocked(sub *Subscription) *SubscriptionStats {
	if subscriber, ok := m.subscribers[sub.Name]; ok {
		return subscriber.GetStats()
	}
	return &SubscriptionStats{
		ID:     sub.ID,
		Name:   sub.Name,
		Status: string(sub.Status),
		Error:  sub.ErrorMessage,
	}
}

// Ready fails while any subscription is in the error state
func (m *SubscriptionManager) Ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []string
	for _, sub := range m.subscriptions {
		if sub.Status == StatusError {
			failed = append(failed, sub.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("subscriptions in error: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (m *SubscriptionManager) find(name string) *Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

// startSubscriber creates and starts a subscriber
func (m *SubscriptionManager) startSubscriber(ctx context.Context, sub *Subscription) error {
	subscriber := NewSubscriber(sub, m.sink, m.onStatusChange, m.logger)

	if err := subscriber.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.subscribers[sub.Name] = subscriber
	m.mu.Unlock()

	m.logger.Info().
		Str("id", sub.ID).
		Str("name", sub.Name).
		Msg("Started MQTT subscription")

	return nil
}

// onStatusChange records status changes reported by subscribers
func (m *SubscriptionManager) onStatusChange(id string, status SubscriptionStatus, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscriptions {
		if sub.ID == id {
			sub.Status = status
			sub.ErrorMessage = errMsg
			return
		}
	}
}
