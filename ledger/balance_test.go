package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castcle/ledger-engine/ledger"
)

// =============================================================================
// CHART OF ACCOUNTS
// =============================================================================

func TestChart_FindChildAccounts_IncludesSelfAndDescendants(t *testing.T) {
	h := newHarness(t)

	set, err := h.balances.Chart.FindChildAccounts(context.Background(), ledger.AccountUserLiabilities)
	require.NoError(t, err)

	assert.Equal(t, ledger.AccountUserLiabilities, set.Self.No)
	assert.ElementsMatch(t,
		[]ledger.AccountNo{ledger.AccountUserLiabilities, ledger.AccountPersonalWallets, ledger.AccountAdsCredit, ledger.AccountFarmLocked},
		set.Numbers())
}

func TestChart_FindChildAccounts_FollowsNestedChildren(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveCAccount(ctx, ledger.CAccount{No: "9000", Nature: ledger.NatureDebit, Child: []ledger.AccountNo{"9100"}}))
	require.NoError(t, h.store.SaveCAccount(ctx, ledger.CAccount{No: "9100", Nature: ledger.NatureDebit, Child: []ledger.AccountNo{"9110"}}))
	require.NoError(t, h.store.SaveCAccount(ctx, ledger.CAccount{No: "9110", Nature: ledger.NatureDebit}))

	set, err := h.balances.Chart.FindChildAccounts(ctx, "9000")

	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountNo{"9000", "9100", "9110"}, set.Numbers())
}

func TestChart_UnknownAccount_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.balances.AccountBalance(context.Background(), "0000")

	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

func TestChart_UnknownChild_IsConfigurationError(t *testing.T) {
	// GIVEN: A parent listing a child with no CAccount record
	// THEN: a fatal configuration error, not a zero balance

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveCAccount(ctx, ledger.CAccount{No: "9000", Nature: ledger.NatureDebit, Child: []ledger.AccountNo{"9999"}}))

	_, err := h.balances.AccountBalance(ctx, "9000")

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrChartMisconfigured)
	var chartErr *ledger.ChartError
	require.ErrorAs(t, err, &chartErr)
	assert.Equal(t, ledger.AccountNo("9999"), chartErr.Missing)
}

// =============================================================================
// ACCOUNT BALANCE
// =============================================================================

func TestAccountBalance_NatureDecidesSign(t *testing.T) {
	// GIVEN: Deposit of 100 (debit 1100 / credit 2100), withdraw 30 (debit 2100 / credit 1100)
	// THEN: assets (debit nature) = 70, user liabilities (credit nature) = 70

	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "A", 100)
	h.insert(t, ledger.Transaction{
		Type:   ledger.TxWithdraw,
		Status: ledger.StatusVerified,
		From:   personal("A", 30),
		To:     []ledger.Movement{pool(ledger.WalletExternalWithdraw, 30)},
	})

	assets, err := h.balances.AccountBalance(ctx, ledger.AccountAssets)
	require.NoError(t, err)
	liabilities, err := h.balances.AccountBalance(ctx, ledger.AccountUserLiabilities)
	require.NoError(t, err)

	assert.True(t, assets.Equal(d(70)), "assets: %s", assets)
	assert.True(t, liabilities.Equal(d(70)), "liabilities: %s", liabilities)
}

func TestAccountBalance_SumsOnlyMatchingLines(t *testing.T) {
	// GIVEN: A reward split to two users: two lines debit 3200, credit 2100
	// THEN: the social pool (credit nature) is down by the full amount,
	//       and personal wallets are up by the same amount

	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, ledger.Transaction{
		Type:   ledger.TxRewardDistribution,
		Status: ledger.StatusVerified,
		From:   pool(ledger.WalletCastcleSocial, 30),
		To:     []ledger.Movement{personal("A", 10), personal("B", 20)},
	})

	social, err := h.balances.AccountBalance(ctx, ledger.AccountSocialRewards)
	require.NoError(t, err)
	wallets, err := h.balances.AccountBalance(ctx, ledger.AccountPersonalWallets)
	require.NoError(t, err)

	assert.True(t, social.Equal(d(-30)), "social pool: %s", social)
	assert.True(t, wallets.Equal(d(30)), "wallets: %s", wallets)
}

func TestAccountBalance_EmptyDescendantIsBalanceNeutral(t *testing.T) {
	// GIVEN: Assets balance with some activity
	// WHEN: A new child with no transactions is added to the parent
	// THEN: the balance is unchanged

	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "A", 40)

	before, err := h.balances.AccountBalance(ctx, ledger.AccountAssets)
	require.NoError(t, err)

	require.NoError(t, h.store.SaveCAccount(ctx, ledger.CAccount{No: "1200", Name: "Cold storage", Nature: ledger.NatureDebit}))
	require.NoError(t, h.store.SaveCAccount(ctx, ledger.CAccount{
		No: ledger.AccountAssets, Name: "Assets", Nature: ledger.NatureDebit,
		Child: []ledger.AccountNo{ledger.AccountDepositsHeld, "1200"},
	}))

	after, err := h.balances.AccountBalance(ctx, ledger.AccountAssets)
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "before %s, after %s", before, after)
	assert.True(t, after.IsPositive())
}

// =============================================================================
// AVAILABLE BALANCE
// =============================================================================

func TestAvailableBalance_PendingSpendIsLocked(t *testing.T) {
	// GIVEN: A received 100 (verified) and has a pending spend of 40
	// THEN: settled 100, locked 40, available 60

	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "A", 100)
	h.insert(t, ledger.Transaction{Type: ledger.TxSend, From: personal("A", 40), To: []ledger.Movement{personal("B", 40)}})

	b, err := h.balances.WalletBalance(ctx, "A", ledger.WalletPersonal)
	require.NoError(t, err)

	assert.True(t, b.Settled().Equal(d(100)))
	assert.True(t, b.Locked.Equal(d(40)))
	assert.True(t, b.Available().Equal(d(60)))
}

func TestAvailableBalance_PendingInflowIsNotAvailable(t *testing.T) {
	h := newHarness(t)
	h.insert(t, ledger.Transaction{Type: ledger.TxDeposit, From: pool(ledger.WalletExternalDeposit, 100), To: []ledger.Movement{personal("A", 100)}})

	available, err := h.balances.AvailableBalance(context.Background(), "A", ledger.WalletPersonal)

	require.NoError(t, err)
	assert.True(t, available.IsZero())
}

func TestAvailableBalance_FailedSpendReleasesFunds(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "A", 100)
	h.insert(t, ledger.Transaction{Type: ledger.TxSend, Status: ledger.StatusFailed, From: personal("A", 40), To: []ledger.Movement{personal("B", 40)}})

	available, err := h.balances.AvailableBalance(context.Background(), "A", ledger.WalletPersonal)

	require.NoError(t, err)
	assert.True(t, available.Equal(d(100)))
}

func TestAvailableBalance_IsPerBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "A", 100)
	h.insert(t, ledger.Transaction{
		Type:   ledger.TxTopUp,
		Status: ledger.StatusVerified,
		From:   personal("A", 25),
		To:     []ledger.Movement{{WalletType: ledger.WalletAds, Value: d(25), User: "A"}},
	})

	personalBal, err := h.balances.AvailableBalance(ctx, "A", ledger.WalletPersonal)
	require.NoError(t, err)
	adsBal, err := h.balances.AvailableBalance(ctx, "A", ledger.WalletAds)
	require.NoError(t, err)
	farmBal, err := h.balances.AvailableBalance(ctx, "A", ledger.WalletFarmLocked)
	require.NoError(t, err)

	assert.True(t, personalBal.Equal(d(75)))
	assert.True(t, adsBal.Equal(d(25)))
	assert.True(t, farmBal.IsZero())
}
