package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func personal(user string, v int64) ledger.Movement {
	return ledger.Movement{WalletType: ledger.WalletPersonal, Value: d(v), User: ledger.UserID(user)}
}

func pool(w ledger.WalletType, v int64) ledger.Movement {
	return ledger.Movement{WalletType: w, Value: d(v)}
}

// recordingQueue captures enqueued transactions instead of delivering them.
type recordingQueue struct {
	mu  sync.Mutex
	txs []ledger.Transaction
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, tx ledger.Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.txs = append(q.txs, tx)
	return nil
}

func (q *recordingQueue) ids() []ledger.TransactionID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ledger.TransactionID, len(q.txs))
	for i, tx := range q.txs {
		out[i] = tx.ID
	}
	return out
}

type harness struct {
	store     *store.Memory
	balances  *ledger.BalanceEngine
	locks     *ledger.AccountLocks
	queue     *recordingQueue
	transfers *ledger.Transfers
	verifier  *ledger.Verifier
	outcomes  *[]ledger.Outcome
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryWithChart()
	balances := ledger.NewBalanceEngine(st)
	locks := ledger.NewAccountLocks()
	q := &recordingQueue{}

	var mu sync.Mutex
	outcomes := []ledger.Outcome{}
	verifier := ledger.NewVerifier(st,
		ledger.WithLocks(locks),
		ledger.OnCompleted(func(_ context.Context, o ledger.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, o)
		}),
	)

	return &harness{
		store:     st,
		balances:  balances,
		locks:     locks,
		queue:     q,
		transfers: ledger.NewTransfers(st, balances, q, locks, nil),
		verifier:  verifier,
		outcomes:  &outcomes,
	}
}

var seq int

// insert writes a transaction directly, bypassing the pre-check.
func (h *harness) insert(t *testing.T, tx ledger.Transaction) ledger.Transaction {
	t.Helper()
	seq++
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(fmt.Sprintf("tx-%04d", seq))
	}
	if tx.Status == "" {
		tx.Status = ledger.StatusPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	}
	if tx.Ledgers == nil {
		lines, err := ledger.BuildLines(tx.From, tx.To)
		require.NoError(t, err)
		tx.Ledgers = lines
	}
	require.NoError(t, h.store.InsertTransaction(context.Background(), tx))
	return tx
}

// fund gives user a VERIFIED personal balance via a deposit.
func (h *harness) fund(t *testing.T, user string, v int64) {
	t.Helper()
	h.insert(t, ledger.Transaction{
		Type:   ledger.TxDeposit,
		Status: ledger.StatusVerified,
		From:   pool(ledger.WalletExternalDeposit, v),
		To:     []ledger.Movement{personal(user, v)},
	})
}

func (h *harness) campaign(t *testing.T, id string, balance, total int64) ledger.CampaignID {
	t.Helper()
	c := ledger.Campaign{
		ID:              ledger.CampaignID(id),
		Name:            id,
		RewardBalance:   d(balance),
		TotalRewards:    d(total),
		MaxClaims:       10,
		RewardsPerClaim: d(10),
	}
	require.NoError(t, h.store.SaveCampaign(context.Background(), c))
	return c.ID
}

func (h *harness) verify(t *testing.T, tx ledger.Transaction) ledger.Outcome {
	t.Helper()
	out, err := h.verifier.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)
	return out
}
