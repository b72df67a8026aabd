package events

import (
	"context"
	"sort"
	"sync"
)

// Subscription is a remote device's interest in a local event.
type Subscription struct {
	Device     string `json:"device"`
	Driver     string `json:"driver"`
	InstanceID string `json:"instanceId,omitempty"`
	EventKey   string `json:"eventKey"`
}

// SubscriptionStore persists remote subscriptions so they survive a restart.
type SubscriptionStore interface {
	Save(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, sub Subscription) error
	List(ctx context.Context) ([]Subscription, error)
}

// MemoryStore is an in-process SubscriptionStore.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[Subscription]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[Subscription]struct{})}
}

// Save stores sub. Saving an existing subscription is a no-op.
func (s *MemoryStore) Save(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
	return nil
}

// Delete removes sub if present.
func (s *MemoryStore) Delete(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
	return nil
}

// List returns every subscription ordered by device, driver, instance and key.
func (s *MemoryStore) List(_ context.Context) ([]Subscription, error) {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.Driver != b.Driver {
			return a.Driver < b.Driver
		}
		if a.InstanceID != b.InstanceID {
			return a.InstanceID < b.InstanceID
		}
		return a.EventKey < b.EventKey
	})
	return out, nil
}
