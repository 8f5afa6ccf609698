// Package store persists the billing transaction log.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/billing"
)

// DefaultLimit applies when a listing does not specify one.
const DefaultLimit = 50

// MemoryStore keeps transactions in process.
type MemoryStore struct {
	mu   sync.RWMutex
	txns []billing.Transaction
}

var _ billing.TransactionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, txn *billing.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.Succeeded() && txn.BillingPeriod != "" {
		for i := range s.txns {
			if isPeriodSuccess(&s.txns[i], txn.SubscriptionID, txn.BillingPeriod) {
				return billing.ErrDuplicateSettlement
			}
		}
	}
	s.txns = append(s.txns, *txn)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter billing.ListFilter) ([]*billing.Transaction, int, error) {
	s.mu.RLock()
	matched := make([]*billing.Transaction, 0, len(s.txns))
	for i := len(s.txns) - 1; i >= 0; i-- {
		if filter.UserID != "" && s.txns[i].UserID != filter.UserID {
			continue
		}
		cp := s.txns[i]
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	// Stable keeps insertion order, newest first, for equal timestamps.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].TransactionDate.After(matched[j].TransactionDate)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if filter.Offset >= total {
		return []*billing.Transaction{}, total, nil
	}
	end := filter.Offset + limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (s *MemoryStore) FindSuccessfulForPeriod(_ context.Context, subscriptionID, billingPeriod string) (*billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.txns {
		if isPeriodSuccess(&s.txns[i], subscriptionID, billingPeriod) {
			cp := s.txns[i]
			return &cp, nil
		}
	}
	return nil, billing.ErrTransactionNotFound
}

func isPeriodSuccess(t *billing.Transaction, subscriptionID, billingPeriod string) bool {
	return t.Succeeded() && t.SubscriptionID == subscriptionID && t.BillingPeriod == billingPeriod
}
