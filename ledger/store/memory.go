// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/castcle/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions []ledger.Transaction // ordered by creation
	index        map[ledger.TransactionID]int
	campaigns    map[ledger.CampaignID]ledger.Campaign
	accounts     map[ledger.AccountNo]ledger.CAccount

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		index:     make(map[ledger.TransactionID]int),
		campaigns: make(map[ledger.CampaignID]ledger.Campaign),
		accounts:  make(map[ledger.AccountNo]ledger.CAccount),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewMemoryWithChart returns a memory store seeded with the default chart.
func NewMemoryWithChart() *Memory {
	m := NewMemory()
	for _, a := range ledger.DefaultChart() {
		m.accounts[a.No] = a
	}
	return m
}

func (m *Memory) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[tx.ID]; exists {
		return ledger.ErrDuplicateTransaction
	}

	// Binary search for insertion point keeps the slice in creation order
	i := sort.Search(len(m.transactions), func(i int) bool {
		return tx.Before(m.transactions[i])
	})
	m.transactions = append(m.transactions, ledger.Transaction{})
	copy(m.transactions[i+1:], m.transactions[i:])
	m.transactions[i] = cloneTx(tx)

	for j := i; j < len(m.transactions); j++ {
		m.index[m.transactions[j].ID] = j
	}
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return cloneTx(m.transactions[i]), nil
}

func (m *Memory) FindTransactions(_ context.Context, q ledger.Query) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Transaction
	for _, tx := range m.transactions {
		if q.Matches(tx) {
			result = append(result, cloneTx(tx))
		}
	}
	return result, nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id ledger.TransactionID, status ledger.Status, msg ledger.FailureMessage) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	m.transactions[i].Status = status
	m.transactions[i].FailureMessage = msg
	m.transactions[i].UpdatedAt = m.now()
	return cloneTx(m.transactions[i]), nil
}

func (m *Memory) FindCampaign(_ context.Context, id ledger.CampaignID) (ledger.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.campaigns[id]
	if !ok {
		return ledger.Campaign{}, ledger.ErrCampaignNotFound
	}
	return c, nil
}

func (m *Memory) FindCAccount(_ context.Context, no ledger.AccountNo) (ledger.CAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[no]
	if !ok {
		return ledger.CAccount{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) SaveCampaign(_ context.Context, c ledger.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	return nil
}

func (m *Memory) SaveCAccount(_ context.Context, a ledger.CAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.No] = a
	return nil
}

// cloneTx copies the slices so callers cannot mutate stored records.
func cloneTx(tx ledger.Transaction) ledger.Transaction {
	tx.To = append([]ledger.Movement(nil), tx.To...)
	tx.Ledgers = append([]ledger.LedgerLine(nil), tx.Ledgers...)
	return tx
}
