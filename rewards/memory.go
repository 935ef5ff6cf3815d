package rewards

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/castcle/ledger-engine/ledger"
)

// MemoryPlacements is an in-memory PlacementStore (for testing/dev).
type MemoryPlacements struct {
	mu         sync.RWMutex
	placements map[ledger.PlacementID]Placement
}

func NewMemoryPlacements() *MemoryPlacements {
	return &MemoryPlacements{placements: make(map[ledger.PlacementID]Placement)}
}

func (m *MemoryPlacements) SavePlacement(_ context.Context, p Placement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.placements[p.ID] = p
	return nil
}

func (m *MemoryPlacements) ListUndistributedPlacements(_ context.Context, limit int) ([]Placement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Placement
	for _, p := range m.placements {
		if !p.Distributed() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryPlacements) MarkPlacementDistributed(_ context.Context, id ledger.PlacementID, txID ledger.TransactionID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.placements[id]
	if !ok {
		return ErrPlacementNotFound
	}
	p.TransactionID = txID
	p.DistributedAt = &at
	m.placements[id] = p
	return nil
}

func (m *MemoryPlacements) ClaimPlacement(_ context.Context, id ledger.PlacementID, txID ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.placements[id]
	if !ok {
		return ErrPlacementNotFound
	}
	if !p.Distributed() {
		p.TransactionID = txID
		m.placements[id] = p
	}
	return nil
}

// Get returns a stored placement.
func (m *MemoryPlacements) Get(id ledger.PlacementID) (Placement, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.placements[id]
	return p, ok
}
