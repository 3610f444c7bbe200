package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo mode and tests.
//
// Atomic stages all writes against copies and merges them into the base
// maps only when fn returns nil, so a failing unit of work leaves no
// partial state behind.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	txns    map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		txns:    make(map[string]*Transaction),
	}
}

// Atomic implements Store. The whole store is locked for the duration of
// fn; fine for demo mode, Postgres handles real concurrency.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(Ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := &memOps{
		base:    s,
		wallets: make(map[string]*Wallet),
		txns:    make(map[string]*Transaction),
	}
	if err := fn(ops); err != nil {
		return err
	}
	ops.commit()
	return nil
}

// memOps stages writes on cloned records until commit.
type memOps struct {
	base    *MemoryStore
	wallets map[string]*Wallet
	txns    map[string]*Transaction
}

func (o *memOps) commit() {
	for k, w := range o.wallets {
		o.base.wallets[k] = w
	}
	for id, t := range o.txns {
		o.base.txns[id] = t
	}
}

// stagedWallet returns the staged copy of a wallet, cloning from base on
// first touch.
func (o *memOps) stagedWallet(owner Principal) *Wallet {
	key := owner.Key()
	if w, ok := o.wallets[key]; ok {
		return w
	}
	if w, ok := o.base.wallets[key]; ok {
		clone := cloneWallet(w)
		o.wallets[key] = clone
		return clone
	}
	return nil
}

func (o *memOps) Wallet(owner Principal) (*Wallet, error) {
	if w := o.stagedWallet(owner); w != nil {
		return cloneWallet(w), nil
	}
	now := time.Now().UTC()
	w := &Wallet{Owner: owner, CreatedAt: now, UpdatedAt: now}
	o.wallets[owner.Key()] = w
	return cloneWallet(w), nil
}

func (o *memOps) AdjustBalance(owner Principal, delta int64, txnID string) error {
	w := o.stagedWallet(owner)
	if w == nil {
		return ErrWalletNotFound
	}
	if w.Balance+delta < 0 {
		return ErrInsufficientFunds
	}
	w.Balance += delta
	w.TransactionIDs = append(w.TransactionIDs, txnID)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *memOps) Insert(txn *Transaction) error {
	clone := *txn
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	o.txns[clone.ID] = &clone
	return nil
}

func (o *memOps) Get(id string) (*Transaction, error) {
	if t, ok := o.txns[id]; ok {
		clone := *t
		return &clone, nil
	}
	if t, ok := o.base.txns[id]; ok {
		clone := *t
		return &clone, nil
	}
	return nil, ErrTransactionNotFound
}

func (o *memOps) Transition(id string, from, to Status) (*Transaction, error) {
	txn, ok := o.txns[id]
	if !ok {
		base, found := o.base.txns[id]
		if !found {
			return nil, ErrTransactionNotFound
		}
		clone := *base
		txn = &clone
		o.txns[id] = txn
	}
	if txn.Status != from {
		return nil, ErrInvalidTransition
	}
	txn.Status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		txn.SettledAt = &now
	}
	result := *txn
	return &result, nil
}

func (s *MemoryStore) GetOrCreateWallet(ctx context.Context, owner Principal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[owner.Key()]; ok {
		return cloneWallet(w), nil
	}
	now := time.Now().UTC()
	w := &Wallet{Owner: owner, CreatedAt: now, UpdatedAt: now}
	s.wallets[owner.Key()] = w
	return cloneWallet(w), nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, owner Principal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[owner.Key()]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

func (s *MemoryStore) ListWallets(ctx context.Context, offset, limit int) ([]*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.wallets))
	for k := range s.wallets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if offset >= len(keys) {
		return nil, nil
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]*Wallet, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneWallet(s.wallets[k]))
	}
	return out, nil
}

func (s *MemoryStore) SetReconciledBalance(ctx context.Context, owner Principal, balance int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[owner.Key()]
	if !ok {
		return ErrWalletNotFound
	}
	w.ReconciledBalance = balance
	w.ReconciledAt = &at
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner Principal, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, t := range s.txns {
		if t.Owner == owner {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByService(ctx context.Context, serviceID string) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, t := range s.txns {
		if t.ServiceID == serviceID {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, t := range s.txns {
		if t.Status == StatusPending && t.CreatedAt.Before(cutoff) {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneWallet(w *Wallet) *Wallet {
	clone := *w
	clone.TransactionIDs = append([]string(nil), w.TransactionIDs...)
	return &clone
}
