// Package subscription keeps at most one live set of change-feed channels per group.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/gateway"
	"github.com/Nick67672/Gymsta/internal/observability"
)

// Spec describes one channel of a group.
type Spec struct {
	// Name is the logical channel name; the live channel gets a unique suffix.
	Name    string
	Filter  events.Filter
	Handler gateway.ChangeHandler
}

// Option configures optional behaviour for the Manager.
type Option func(*Manager)

// WithLogger overrides the logger used to report teardown failures.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithIDSource overrides the generator for channel name suffixes.
func WithIDSource(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// Manager maps group names to their live subscriptions.
type Manager struct {
	feed   gateway.ChangeFeed
	logger *zap.Logger
	newID  func() string

	mu     sync.Mutex
	groups map[string][]gateway.Subscription
}

// NewManager constructs a Manager over the provided change feed.
func NewManager(feed gateway.ChangeFeed, opts ...Option) *Manager {
	m := &Manager{
		feed:   feed,
		logger: zap.NewNop(),
		newID:  uuid.NewString,
		groups: make(map[string][]gateway.Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open releases any channels held for group and opens one fresh channel per spec.
// When a spec fails the channels opened so far are released and the group is left empty.
func (m *Manager) Open(ctx context.Context, group string, specs []Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.closeLocked(group); err != nil {
		m.logger.Warn("release previous channels", zap.String("group", group), zap.Error(err))
	}

	opened := make([]gateway.Subscription, 0, len(specs))
	for _, spec := range specs {
		channel := fmt.Sprintf("%s-channel-%s", spec.Name, m.newID())
		sub, err := m.feed.Subscribe(ctx, channel, spec.Filter, spec.Handler)
		if err != nil {
			for _, live := range opened {
				if uErr := live.Unsubscribe(); uErr != nil {
					m.logger.Warn("rollback channel", zap.String("channel", live.Channel()), zap.Error(uErr))
				}
			}
			observability.RecordSubscriptionFailure(group)
			observability.SetActiveSubscriptions(group, 0)
			return &domain.SubscriptionError{Group: group, Channel: channel, Err: err}
		}
		opened = append(opened, sub)
	}

	m.groups[group] = opened
	observability.SetActiveSubscriptions(group, len(opened))
	m.logger.Debug("group subscribed", zap.String("group", group), zap.Int("channels", len(opened)))
	return nil
}

// CloseAll releases every channel held for group. It is a no-op when none are held.
func (m *Manager) CloseAll(group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(group)
}

// Close releases every group.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for group := range m.groups {
		if err := m.closeLocked(group); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Channels lists the live channel names of group.
func (m *Manager) Channels(group string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.groups[group]
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Channel())
	}
	sort.Strings(out)
	return out
}

func (m *Manager) closeLocked(group string) error {
	subs, ok := m.groups[group]
	if !ok {
		return nil
	}
	delete(m.groups, group)
	observability.SetActiveSubscriptions(group, 0)

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Channel(), err))
		}
	}
	return errors.Join(errs...)
}
