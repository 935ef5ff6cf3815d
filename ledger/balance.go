/*
balance.go - Balance Query Engine

PURPOSE:
  Answers "how much is in this account?" and "how much can this user
  spend?" by replaying the transaction log. There is no materialized
  running balance anywhere: the ledger is the single source of truth.

ACCOUNT BALANCE (chart of accounts):
  1. Resolve the account and every descendant (ChartResolver)
  2. Fetch transactions with a line against any of those accounts
  3. Sum only the matching debit lines and matching credit lines
  4. Debit-nature:  debit - credit
     Credit-nature: credit - debit

AVAILABLE BALANCE (user wallet):
  Inflow:   recipients == (user, bucket) on VERIFIED transactions
  Outflow:  source == (user, bucket) on VERIFIED transactions
  Locked:   source == (user, bucket) on PENDING transactions

  Available = Inflow - Outflow - Locked

  Pending spends are unavailable, so two pending transfers cannot both
  spend the same funds. Buckets (personal / ads / farm / other) never
  cover each other.

SEE ALSO:
  - chart.go:    Account resolution
  - transfer.go: Pre-check that uses AvailableBalance
  - verifier.go: Sufficiency rule that uses WalletBalanceFor
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WALLET BALANCE
// =============================================================================

// WalletBalance is the decomposed balance of one (user, bucket).
type WalletBalance struct {
	User   UserID
	Bucket Bucket

	// Received on VERIFIED transactions
	Inflow decimal.Decimal

	// Spent on VERIFIED transactions
	Outflow decimal.Decimal

	// Committed to PENDING transactions
	Locked decimal.Decimal
}

// Settled returns what has been verified in and out, ignoring pending spends.
func (b WalletBalance) Settled() decimal.Decimal {
	return b.Inflow.Sub(b.Outflow)
}

// Available returns what can be spent right now.
func (b WalletBalance) Available() decimal.Decimal {
	return b.Settled().Sub(b.Locked)
}

// Covers reports whether the available balance is at least amount.
func (b WalletBalance) Covers(amount decimal.Decimal) bool {
	return b.Available().GreaterThanOrEqual(amount)
}

// WalletBalanceFor folds txs into the balance of (user, bucket).
//
// If judged is non-nil the balance is computed from judged's point of
// view: judged itself is excluded, and other PENDING spends count only if
// they were created before it. VERIFIED spends always count.
func WalletBalanceFor(txs []Transaction, user UserID, bucket Bucket, judged *Transaction) WalletBalance {
	b := WalletBalance{
		User:    user,
		Bucket:  bucket,
		Inflow:  decimal.Zero,
		Outflow: decimal.Zero,
		Locked:  decimal.Zero,
	}

	for _, tx := range txs {
		if judged != nil && tx.ID == judged.ID {
			continue
		}

		if tx.Status == StatusVerified {
			for _, m := range tx.To {
				if m.User == user && m.WalletType.Bucket() == bucket {
					b.Inflow = b.Inflow.Add(m.Value)
				}
			}
		}

		if tx.From.User != user || tx.From.WalletType.Bucket() != bucket {
			continue
		}
		switch tx.Status {
		case StatusVerified:
			b.Outflow = b.Outflow.Add(tx.From.Value)
		case StatusPending:
			if judged == nil || tx.Before(*judged) {
				b.Locked = b.Locked.Add(tx.From.Value)
			}
		}
	}
	return b
}

// =============================================================================
// BALANCE ENGINE
// =============================================================================

// BalanceEngine computes balances from the store.
type BalanceEngine struct {
	Store Store
	Chart *ChartResolver
}

func NewBalanceEngine(store Store) *BalanceEngine {
	return &BalanceEngine{Store: store, Chart: NewChartResolver(store)}
}

// AccountBalance returns the balance of a chart-of-accounts node including
// all of its descendants.
func (e *BalanceEngine) AccountBalance(ctx context.Context, no AccountNo) (decimal.Decimal, error) {
	set, err := e.Chart.FindChildAccounts(ctx, no)
	if err != nil {
		return decimal.Zero, err
	}

	numbers := set.Numbers()
	txs, err := e.Store.FindTransactions(ctx, Query{Accounts: numbers})
	if err != nil {
		return decimal.Zero, err
	}

	targets := accountSet(numbers)
	allDebit, allCredit := decimal.Zero, decimal.Zero
	for _, tx := range txs {
		for _, l := range tx.Ledgers {
			if targets[l.Debit.AccountNo] {
				allDebit = allDebit.Add(l.Debit.Value)
			}
			if targets[l.Credit.AccountNo] {
				allCredit = allCredit.Add(l.Credit.Value)
			}
		}
	}

	if set.Self.Nature == NatureDebit {
		return allDebit.Sub(allCredit), nil
	}
	return allCredit.Sub(allDebit), nil
}

// WalletBalance returns the decomposed balance of a user's wallet type.
func (e *BalanceEngine) WalletBalance(ctx context.Context, user UserID, wallet WalletType) (WalletBalance, error) {
	txs, err := e.Store.FindTransactions(ctx, Query{User: user})
	if err != nil {
		return WalletBalance{}, err
	}
	return WalletBalanceFor(txs, user, wallet.Bucket(), nil), nil
}

// AvailableBalance returns what user can spend from wallet right now.
func (e *BalanceEngine) AvailableBalance(ctx context.Context, user UserID, wallet WalletType) (decimal.Decimal, error) {
	b, err := e.WalletBalance(ctx, user, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available(), nil
}

// availableFor computes the sender's balance from tx's point of view.
func (e *BalanceEngine) availableFor(ctx context.Context, tx Transaction) (WalletBalance, error) {
	txs, err := e.Store.FindTransactions(ctx, Query{User: tx.From.User})
	if err != nil {
		return WalletBalance{}, err
	}
	return WalletBalanceFor(txs, tx.From.User, tx.From.WalletType.Bucket(), &tx), nil
}
