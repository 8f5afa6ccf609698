package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/SravanKumarPolu/subscription-billing-logic/internal/common/money"
)

type memoryEntry struct {
	mu     sync.Mutex
	wallet Wallet
}

// MemoryStore keeps wallets in process. Each wallet has its own mutex so
// debits on one user serialize while different users proceed independently.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) entry(userID string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.wallets[userID]
	return e, ok
}

// Get returns a copy of the user's wallet.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Wallet, error) {
	e, ok := s.entry(userID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.wallet
	return &w, nil
}

// Debit subtracts amount, clamping at zero unless exact is set.
func (s *MemoryStore) Debit(ctx context.Context, userID string, amount money.Money, exact bool) (*Wallet, error) {
	e, ok := s.entry(userID)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	balance, err := debitBalance(e.wallet.Balance, amount, exact)
	if err != nil {
		return nil, err
	}
	e.wallet.Balance = balance
	e.wallet.UpdatedAt = s.now().UTC()

	w := e.wallet
	return &w, nil
}

// Put creates or replaces a wallet.
func (s *MemoryStore) Put(_ context.Context, w *Wallet) error {
	if w.Balance.IsNegative() {
		return ErrNegativeBalance
	}
	stored := *w
	if stored.ID == "" {
		stored.ID = "wallet_" + stored.UserID
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.wallets[w.UserID]; ok {
		e.mu.Lock()
		e.wallet = stored
		e.mu.Unlock()
		return nil
	}
	s.wallets[w.UserID] = &memoryEntry{wallet: stored}
	return nil
}
