package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/rewards"
	"github.com/castcle/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	require.NoError(t, ledger.SeedChart(context.Background(), store))
	return store
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func transfer(t *testing.T, id string, offset time.Duration, status ledger.Status, from ledger.Movement, to ...ledger.Movement) ledger.Transaction {
	t.Helper()
	lines, err := ledger.BuildLines(from, to)
	require.NoError(t, err)
	return ledger.Transaction{
		ID:        ledger.TransactionID(id),
		Type:      ledger.TxSend,
		Status:    status,
		From:      from,
		To:        to,
		Ledgers:   lines,
		CreatedAt: epoch.Add(offset),
	}
}

func personal(user string, v int64) ledger.Movement {
	return ledger.Movement{WalletType: ledger.WalletPersonal, Value: d(v), User: ledger.UserID(user)}
}

func deposit(v int64) ledger.Movement {
	return ledger.Movement{WalletType: ledger.WalletExternalDeposit, Value: d(v)}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_InsertAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx := transfer(t, "tx-1", 0, ledger.StatusPending, personal("A", 30), personal("B", 10), personal("C", 20))
	tx.Data = ledger.TxData{Note: "split bill"}
	require.NoError(t, store.InsertTransaction(ctx, tx))

	got, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)

	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(tx.CreatedAt))
	assert.True(t, got.From.Value.Equal(d(30)))
	require.Len(t, got.To, 2)
	assert.Equal(t, ledger.UserID("C"), got.To[1].User)
	require.Len(t, got.Ledgers, 2)
	assert.Equal(t, ledger.AccountPersonalWallets, got.Ledgers[0].Credit.AccountNo)
	assert.Equal(t, "split bill", got.Data.Note)
}

func TestStore_DuplicateInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx := transfer(t, "tx-1", 0, ledger.StatusPending, personal("A", 1), personal("B", 1))
	require.NoError(t, store.InsertTransaction(ctx, tx))

	err := store.InsertTransaction(ctx, tx)

	assert.ErrorIs(t, err, ledger.ErrDuplicateTransaction)
}

func TestStore_UpdateStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertTransaction(ctx, transfer(t, "tx-1", 0, ledger.StatusPending, personal("A", 1), personal("B", 1))))

	updated, err := store.UpdateTransactionStatus(ctx, "tx-1", ledger.StatusFailed, ledger.FailureInsufficientFunds)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, updated.Status)
	assert.Equal(t, ledger.FailureInsufficientFunds, updated.FailureMessage)

	_, err = store.UpdateTransactionStatus(ctx, "missing", ledger.StatusVerified, "")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	_, err = store.GetTransaction(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestStore_FindTransactions_AgreesWithMatches(t *testing.T) {
	// GIVEN: A mix of deposits and sends across users and statuses
	// THEN: every query returns exactly what Query.Matches selects, in creation order

	store := newTestStore(t)
	ctx := context.Background()

	all := []ledger.Transaction{
		transfer(t, "t3", 3*time.Second, ledger.StatusPending, personal("A", 5), personal("C", 5)),
		transfer(t, "t1", 1*time.Second, ledger.StatusVerified, deposit(50), personal("A", 50)),
		transfer(t, "t2", 2*time.Second, ledger.StatusFailed, personal("A", 90), personal("B", 90)),
		transfer(t, "t4", 4*time.Second, ledger.StatusVerified, personal("B", 1), ledger.Movement{WalletType: ledger.WalletAds, Value: d(1), User: "B"}),
	}
	all[1].Type = ledger.TxDeposit
	for _, tx := range all {
		require.NoError(t, store.InsertTransaction(ctx, tx))
	}

	queries := []ledger.Query{
		{},
		{User: "A"},
		{User: "B", WalletType: ledger.WalletAds},
		{User: "C"},
		{Statuses: []ledger.Status{ledger.StatusPending, ledger.StatusVerified}},
		{Accounts: []ledger.AccountNo{ledger.AccountDepositsHeld}},
		{Accounts: []ledger.AccountNo{ledger.AccountAdsCredit, ledger.AccountFarmLocked}},
		{Type: ledger.TxDeposit},
		{User: "A", Statuses: []ledger.Status{ledger.StatusPending}},
	}

	for _, q := range queries {
		got, err := store.FindTransactions(ctx, q)
		require.NoError(t, err)

		var want []ledger.TransactionID
		for _, id := range []ledger.TransactionID{"t1", "t2", "t3", "t4"} {
			for _, tx := range all {
				if tx.ID == id && q.Matches(tx) {
					want = append(want, id)
				}
			}
		}
		var gotIDs []ledger.TransactionID
		for _, tx := range got {
			gotIDs = append(gotIDs, tx.ID)
		}
		assert.Equal(t, want, gotIDs, "query %+v", q)
	}
}

// =============================================================================
// LEDGER ON SQLITE
// =============================================================================

func TestStore_VerifierEndToEnd(t *testing.T) {
	// GIVEN: A has 50 verified on SQLite
	// WHEN: Two sends of 30 are verified in creation order
	// THEN: the first verifies, the second fails, and balances reflect it

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertTransaction(ctx, transfer(t, "dep", 0, ledger.StatusVerified, deposit(50), personal("A", 50))))
	first := transfer(t, "s1", time.Second, ledger.StatusPending, personal("A", 30), personal("B", 30))
	second := transfer(t, "s2", 2*time.Second, ledger.StatusPending, personal("A", 30), personal("C", 30))
	require.NoError(t, store.InsertTransaction(ctx, first))
	require.NoError(t, store.InsertTransaction(ctx, second))

	v := ledger.NewVerifier(store)
	out1, err := v.HandleTransaction(ctx, first)
	require.NoError(t, err)
	out2, err := v.HandleTransaction(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusVerified, out1.Status)
	assert.Equal(t, ledger.StatusFailed, out2.Status)
	assert.Equal(t, ledger.FailureInsufficientFunds, out2.FailureMessage)

	balances := ledger.NewBalanceEngine(store)
	a, err := balances.AvailableBalance(ctx, "A", ledger.WalletPersonal)
	require.NoError(t, err)
	assert.True(t, a.Equal(d(20)), "A: %s", a)

	liabilities, err := balances.AccountBalance(ctx, ledger.AccountUserLiabilities)
	require.NoError(t, err)
	assert.True(t, liabilities.Equal(d(50)), "liabilities: %s", liabilities)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func TestStore_CampaignUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := ledger.Campaign{ID: "c1", Name: "Launch", RewardBalance: d(100), TotalRewards: d(100), MaxClaims: 10, RewardsPerClaim: d(10)}
	require.NoError(t, store.SaveCampaign(ctx, c))
	c.RewardBalance = d(90)
	require.NoError(t, store.SaveCampaign(ctx, c))

	got, err := store.FindCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.RewardBalance.Equal(d(90)))
	assert.Equal(t, 10, got.MaxClaims)

	_, err = store.FindCampaign(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrCampaignNotFound)
}

func TestStore_ChartSeeded(t *testing.T) {
	store := newTestStore(t)

	a, err := store.FindCAccount(context.Background(), ledger.AccountUserLiabilities)
	require.NoError(t, err)
	assert.Equal(t, ledger.NatureCredit, a.Nature)
	assert.Len(t, a.Child, 3)

	leaf, err := store.FindCAccount(context.Background(), ledger.AccountFarmLocked)
	require.NoError(t, err)
	assert.Empty(t, leaf.Child)

	_, err = store.FindCAccount(context.Background(), "0000")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// PLACEMENTS
// =============================================================================

func TestStore_Placements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"p-b", "p-a", "p-c"} {
		require.NoError(t, store.SavePlacement(ctx, rewards.Placement{
			ID:            ledger.PlacementID(id),
			Viewer:        "viewer",
			Contents:      []rewards.ContentShare{{ContentID: "c", Author: "author"}},
			FarmingStakes: []rewards.Stake{{User: "farmer", Amount: d(3)}},
			Cost:          decimal.RequireFromString("12.5"),
			CreatedAt:     epoch.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := store.ListUndistributedPlacements(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ledger.PlacementID("p-b"), list[0].ID)
	assert.Equal(t, ledger.PlacementID("p-a"), list[1].ID)
	assert.True(t, list[0].Cost.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, ledger.UserID("farmer"), list[0].FarmingStakes[0].User)

	require.NoError(t, store.MarkPlacementDistributed(ctx, "p-b", "tx-9", epoch))

	list, err = store.ListUndistributedPlacements(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, p := range list {
		assert.NotEqual(t, ledger.PlacementID("p-b"), p.ID)
	}

	err = store.MarkPlacementDistributed(ctx, "missing", "tx", epoch)
	assert.ErrorIs(t, err, rewards.ErrPlacementNotFound)
}

func TestStore_DistributorOnSQLite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlacement(ctx, rewards.Placement{
		ID:       "p-1",
		Viewer:   "v",
		Contents: []rewards.ContentShare{{ContentID: "c", Author: "a"}},
		Cost:     d(10),
	}))

	transfers := ledger.NewTransfers(store, ledger.NewBalanceEngine(store), nopQueue{}, ledger.NewAccountLocks(), nil)
	dist := rewards.NewDistributor(store, store, transfers, rewards.DefaultShares())

	res, err := dist.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)

	txs, err := store.FindTransactions(ctx, ledger.Query{Placement: "p-1"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxRewardDistribution, txs[0].Type)

	left, err := store.ListUndistributedPlacements(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, txs[0].ID, left[0].TransactionID)
	assert.Nil(t, left[0].DistributedAt)

	verifier := ledger.NewVerifier(store, ledger.OnCompleted(dist.Settle))
	out, err := verifier.HandleTransaction(ctx, ledger.Transaction{ID: txs[0].ID})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusVerified, out.Status)

	left, err = store.ListUndistributedPlacements(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestStore_ClaimPlacement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SavePlacement(ctx, rewards.Placement{
		ID:       "p-1",
		Contents: []rewards.ContentShare{{ContentID: "c", Author: "a"}},
		Cost:     d(10),
	}))

	require.NoError(t, store.ClaimPlacement(ctx, "p-1", "tx-1"))
	require.NoError(t, store.ClaimPlacement(ctx, "p-1", "tx-2"))

	list, err := store.ListUndistributedPlacements(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.TransactionID("tx-2"), list[0].TransactionID)

	// A distributed placement keeps the payout that settled it.
	require.NoError(t, store.MarkPlacementDistributed(ctx, "p-1", "tx-2", epoch))
	require.NoError(t, store.ClaimPlacement(ctx, "p-1", "tx-3"))

	list, err = store.ListUndistributedPlacements(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	err = store.ClaimPlacement(ctx, "missing", "tx")
	assert.ErrorIs(t, err, rewards.ErrPlacementNotFound)
}

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, ledger.Transaction) error { return nil }
