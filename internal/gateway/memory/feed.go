package memory

import (
	"context"
	"fmt"

	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/gateway"
)

// Subscribe registers handler for changes matching filter under channel.
func (s *Store) Subscribe(_ context.Context, channel string, filter events.Filter, handler gateway.ChangeHandler) (gateway.Subscription, error) {
	if filter.Table == "" {
		return nil, fmt.Errorf("subscribe %s: table is required", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[channel]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelInUse, channel)
	}
	s.listeners[channel] = listener{filter: filter, handler: handler}
	return &subscription{store: s, channel: channel}, nil
}

// Channels reports the number of live channels.
func (s *Store) Channels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// change builds an envelope; callers hold the lock.
func (s *Store) change(table string, kind events.Kind, record, old map[string]any) events.Change {
	return events.Change{
		Schema:     events.SchemaPublic,
		Table:      table,
		Kind:       kind,
		Record:     record,
		OldRecord:  old,
		CommitTime: s.now(),
	}
}

func (s *Store) publish(c events.Change) {
	s.mu.RLock()
	var handlers []gateway.ChangeHandler
	for _, l := range s.listeners {
		if l.filter.Matches(c) {
			handlers = append(handlers, l.handler)
		}
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), c)
	}
}

type subscription struct {
	store   *Store
	channel string
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Unsubscribe() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.listeners, s.channel)
	return nil
}
