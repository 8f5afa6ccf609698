package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps subscriptions in process.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewMemoryStore creates an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Subscription)}
}

// GetActive returns the user's active subscription.
func (s *MemoryStore) GetActive(_ context.Context, userID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID || sub.Status != StatusActive {
			continue
		}
		if found == nil || sub.NextBillingDate.Before(found.NextBillingDate) {
			cp := sub
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ListDue returns active subscriptions due on or before date.
func (s *MemoryStore) ListDue(_ context.Context, date time.Time) ([]*Subscription, error) {
	cutoff := dayEnd(date)

	s.mu.RLock()
	var due []*Subscription
	for _, sub := range s.subs {
		if sub.Status == StatusActive && !sub.NextBillingDate.After(cutoff) {
			cp := sub
			due = append(due, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextBillingDate.Equal(due[j].NextBillingDate) {
			return due[i].NextBillingDate.Before(due[j].NextBillingDate)
		}
		return due[i].UserID < due[j].UserID
	})
	return due, nil
}

// Put creates or replaces a subscription.
func (s *MemoryStore) Put(_ context.Context, sub *Subscription) error {
	if sub.ID == "" || sub.UserID == "" {
		return errors.New("subscription id and user id are required")
	}
	if !sub.Amount.IsPositive() {
		return errors.New("subscription amount must be positive")
	}
	if !sub.Status.Valid() {
		return errors.New("invalid subscription status " + string(sub.Status))
	}

	stored := *sub
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = stored
	return nil
}
