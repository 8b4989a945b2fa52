package persistence

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/treasuryrun/internal/pricing"
)

// MemoryLastGood is an in-process LastGoodStore for tests and dry runs.
type MemoryLastGood struct {
	mu   sync.RWMutex
	rows map[string]pricing.ConsolidatedPrice
}

func NewMemoryLastGood() *MemoryLastGood {
	return &MemoryLastGood{rows: make(map[string]pricing.ConsolidatedPrice)}
}

func (m *MemoryLastGood) Get(_ context.Context, tokenID string) (*pricing.ConsolidatedPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.rows[tokenID]
	if !ok {
		return nil, nil
	}
	out := cp
	out.Price = new(big.Int).Set(cp.Price)
	return &out, nil
}

func (m *MemoryLastGood) Put(_ context.Context, cp pricing.ConsolidatedPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cp
	stored.Price = new(big.Int).Set(cp.Price)
	m.rows[cp.TokenID] = stored
	return nil
}

// MemoryIntentStore is an in-process IntentStore with the same unique-key
// and transition semantics as the Postgres repo.
type MemoryIntentStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*TransferIntent // idemKey -> intent
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{rows: make(map[string]*TransferIntent)}
}

func (m *MemoryIntentStore) InsertPlanned(_ context.Context, it *TransferIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[it.IdemKey]; exists {
		return ErrDuplicateIntent
	}
	m.nextID++
	it.ID = m.nextID
	it.Status = StatusPlanned
	now := time.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now
	cp := *it
	m.rows[it.IdemKey] = &cp
	return nil
}

func (m *MemoryIntentStore) UpdateStatus(_ context.Context, idemKey string, status IntentStatus, txHash, proposalHash, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[idemKey]
	if !ok {
		return ErrIntentNotFound
	}
	if !row.Status.CanTransition(status) {
		return ErrBadTransition
	}
	row.Status = status
	if txHash != "" {
		row.TxHash = txHash
	}
	if proposalHash != "" {
		row.ProposalHash = proposalHash
	}
	if cause != "" {
		row.Cause = cause
	}
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryIntentStore) FindByIdemKey(_ context.Context, idemKey string) (*TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[idemKey]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *MemoryIntentStore) FindInFlightForRule(_ context.Context, ruleID string) (*TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.RuleID == ruleID && !row.Status.Terminal() {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryIntentStore) NonTerminal(_ context.Context) ([]TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransferIntent
	for _, row := range m.rows {
		if !row.Status.Terminal() {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt < out[j].FiredAt })
	return out, nil
}

func (m *MemoryIntentStore) LastFiredAt(_ context.Context, ruleID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last int64
	for _, row := range m.rows {
		if row.RuleID == ruleID && row.FiredAt > last {
			last = row.FiredAt
		}
	}
	return last, nil
}

func (m *MemoryIntentStore) List(_ context.Context, limit int) ([]TransferIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransferIntent, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt > out[j].FiredAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
