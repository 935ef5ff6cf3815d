/*
verifier.go - Transaction Verifier (core state machine)

PURPOSE:
  Consumes queued PENDING transactions and decides, against the current
  state of the ledger, whether each becomes VERIFIED or FAILED.

STATES:
  PENDING -> VERIFIED
  PENDING -> FAILED
  Both targets are terminal. A redelivered terminal transaction is a
  no-op: its stored outcome is returned, nothing is written or emitted.

RULE ORDER (first failure wins):
  1. Wallet type     every user-wallet movement carries a user
                     -> "Invalid wallet type"
  2. Sufficiency     general: sender's available balance covers from.value
                     airdrop: rewardBalance + sum(non-failed airdrops of the
                              campaign) == totalRewards
                     -> "Insufficient funds"
  3. Checksum        from == sum(to) == sum(debit) == sum(credit)
                     -> "Invalid checksum"

  An underfunded and inconsistent transaction reports insufficient funds.

CONCURRENCY:
  Steps 1-6 run under a per-account lock (KeyLocker, keyed by LockKey):
  the sender's wallet bucket for the general ruleset, the campaign for
  airdrops. AccountLocks covers one process; with several processes the
  PostgreSQL store's advisory locks are stacked on top. The
  transaction is re-read after the lock is taken so a concurrent
  redelivery that already finished is seen as terminal.

FAILURE SEMANTICS:
  Business failures are outcomes, never errors. Any error (store down,
  campaign missing, context cancelled) is returned as-is and the
  transaction stays PENDING for the queue to retry.
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// CompletionFunc observes every terminal transition made by the Verifier.
type CompletionFunc func(ctx context.Context, outcome Outcome)

// Recorder receives verification metrics. metrics.Metrics implements it.
type Recorder interface {
	VerificationCompleted(status, reason string, duration time.Duration)
}

// Verifier is safe for concurrent use by many workers.
type Verifier struct {
	store     Store
	balances  *BalanceEngine
	locks     KeyLocker
	log       *slog.Logger
	recorder  Recorder
	listeners []CompletionFunc
}

type VerifierOption func(*Verifier)

// WithLocks shares a lock table with Transfers. Deployments with several
// verifier processes pass a locker backed by the shared store.
func WithLocks(l KeyLocker) VerifierOption {
	return func(v *Verifier) { v.locks = l }
}

func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.log = l }
}

func WithRecorder(r Recorder) VerifierOption {
	return func(v *Verifier) { v.recorder = r }
}

// OnCompleted registers a completion listener.
func OnCompleted(fn CompletionFunc) VerifierOption {
	return func(v *Verifier) { v.listeners = append(v.listeners, fn) }
}

func NewVerifier(store Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:    store,
		balances: NewBalanceEngine(store),
		locks:    NewAccountLocks(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// HandleTransaction verifies the transaction identified by tx.ID. Only the
// id of tx is trusted: the record is re-read from the store.
func (v *Verifier) HandleTransaction(ctx context.Context, tx Transaction) (Outcome, error) {
	start := time.Now()

	current, err := v.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load transaction %s: %w", tx.ID, err)
	}
	if current.Status.IsTerminal() {
		v.log.Debug("transaction_already_terminal",
			slog.String("transaction", string(current.ID)),
			slog.String("status", string(current.Status)))
		return current.Outcome(), nil
	}

	unlock, err := v.locks.Lock(ctx, LockKey(current))
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	current, err = v.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reload transaction %s: %w", tx.ID, err)
	}
	if current.Status.IsTerminal() {
		return current.Outcome(), nil
	}

	failure, err := v.evaluate(ctx, current)
	if err != nil {
		return Outcome{}, err
	}

	status := StatusVerified
	if failure != "" {
		status = StatusFailed
	}
	updated, err := v.store.UpdateTransactionStatus(ctx, current.ID, status, failure)
	if err != nil {
		return Outcome{}, fmt.Errorf("update status of %s: %w", current.ID, err)
	}

	outcome := updated.Outcome()
	v.log.Info("transaction_"+string(outcome.Status),
		slog.String("transaction", string(outcome.TransactionID)),
		slog.String("type", string(current.Type)),
		slog.String("failure", string(outcome.FailureMessage)))
	if v.recorder != nil {
		v.recorder.VerificationCompleted(string(outcome.Status), string(outcome.FailureMessage), time.Since(start))
	}
	for _, fn := range v.listeners {
		fn(ctx, outcome)
	}
	return outcome, nil
}

// evaluate runs the ruleset for tx and returns the first failure, or "".
func (v *Verifier) evaluate(ctx context.Context, tx Transaction) (FailureMessage, error) {
	if !walletTypesValid(tx) {
		return FailureInvalidWalletType, nil
	}

	var (
		funded bool
		err    error
	)
	if tx.Type == TxAirdrop {
		funded, err = v.campaignFunded(ctx, tx)
	} else {
		funded, err = v.senderFunded(ctx, tx)
	}
	if err != nil {
		return "", err
	}
	if !funded {
		return FailureInsufficientFunds, nil
	}

	if !ChecksumValid(tx.From, tx.To, tx.Ledgers) {
		return FailureInvalidChecksum, nil
	}
	return "", nil
}

// walletTypesValid checks every movement names a known wallet type and that
// user wallets carry a user.
func walletTypesValid(tx Transaction) bool {
	for _, m := range tx.Movements() {
		if !m.WalletType.Valid() {
			return false
		}
		if m.WalletType.IsUserWallet() && !m.HasUser() {
			return false
		}
	}
	return true
}

// senderFunded is the general-ruleset sufficiency check. Sources that are
// not user wallets (pools, external deposits) are not balance-limited.
func (v *Verifier) senderFunded(ctx context.Context, tx Transaction) (bool, error) {
	if !tx.From.HasUser() {
		return true, nil
	}
	balance, err := v.balances.availableFor(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("compute available balance: %w", err)
	}
	return balance.Covers(tx.From.Value), nil
}

// campaignFunded is the airdrop-ruleset sufficiency check: the campaign's
// remaining balance plus everything committed to it must equal its budget.
func (v *Verifier) campaignFunded(ctx context.Context, tx Transaction) (bool, error) {
	if tx.Data.Campaign == "" {
		return false, fmt.Errorf("airdrop %s: %w", tx.ID, ErrCampaignNotFound)
	}
	campaign, err := v.store.FindCampaign(ctx, tx.Data.Campaign)
	if err != nil {
		return false, fmt.Errorf("load campaign %s: %w", tx.Data.Campaign, err)
	}

	claims, err := v.store.FindTransactions(ctx, Query{
		Type:     TxAirdrop,
		Campaign: campaign.ID,
		Statuses: []Status{StatusPending, StatusVerified},
	})
	if err != nil {
		return false, fmt.Errorf("load campaign claims: %w", err)
	}

	committed := decimal.Zero
	for _, c := range claims {
		committed = committed.Add(c.From.Value)
	}
	return campaign.RewardBalance.Add(committed).Equal(campaign.TotalRewards), nil
}
