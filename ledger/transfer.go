/*
transfer.go - Transfer Command Validator and submission

PURPOSE:
  The synchronous gatekeeper every caller goes through before a PENDING
  transaction is written. It is a fast-fail check against a possibly
  stale balance. The Verifier is the authority.

VALIDATION (ValidateTransfer):
  1. No negative values anywhere
  2. from.value == sum(to[].value)
  3. sum(debit) == sum(credit) == from.value
  4. Source is not a user wallet  -> done
  5. AvailableBalance(from.user, from.walletType) >= from.value

SUBMISSION (Transfers.Submit):
  lock sender -> validate -> insert PENDING -> enqueue -> unlock

  A pre-check rejection returns *TransferRejectedError and persists
  nothing. If enqueueing fails the transaction stays PENDING and is picked
  up by RequeuePending.
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceReader is the slice of the Balance Query Engine the pre-check needs.
type BalanceReader interface {
	AvailableBalance(ctx context.Context, user UserID, wallet WalletType) (decimal.Decimal, error)
}

// RejectionRecorder counts pre-check rejections.
type RejectionRecorder interface {
	TransferRejected(reason string)
}

// Enqueuer hands a persisted PENDING transaction to the verification queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx Transaction) error
}

// =============================================================================
// TRANSFER COMMAND VALIDATOR
// =============================================================================

type TransferValidator struct {
	Balances BalanceReader
}

func NewTransferValidator(balances BalanceReader) *TransferValidator {
	return &TransferValidator{Balances: balances}
}

// ValidateTransfer reports whether the proposed transfer may be persisted.
// The error is non-nil only when the balance could not be read.
func (v *TransferValidator) ValidateTransfer(ctx context.Context, from Movement, to []Movement, lines []LedgerLine) (bool, error) {
	rejected, err := v.Check(ctx, from, to, lines)
	if err != nil {
		return false, err
	}
	return rejected == nil, nil
}

// Check is ValidateTransfer with the rejection reason.
func (v *TransferValidator) Check(ctx context.Context, from Movement, to []Movement, lines []LedgerLine) (*TransferRejectedError, error) {
	if hasNegative(from, to, lines) {
		return &TransferRejectedError{Reason: RejectNegativeValue, From: from}, nil
	}

	if !from.Value.Equal(sumMovements(to)) {
		return &TransferRejectedError{Reason: RejectChecksumMismatch, From: from}, nil
	}

	tx := Transaction{Ledgers: lines}
	totalDebit, totalCredit := tx.TotalDebit(), tx.TotalCredit()
	if !totalDebit.Equal(totalCredit) || !totalDebit.Equal(from.Value) {
		return &TransferRejectedError{Reason: RejectLedgerUnbalanced, From: from}, nil
	}

	if !from.HasUser() {
		return nil, nil
	}

	available, err := v.Balances.AvailableBalance(ctx, from.User, from.WalletType)
	if err != nil {
		return nil, fmt.Errorf("read available balance: %w", err)
	}
	if available.LessThan(from.Value) {
		return &TransferRejectedError{Reason: RejectInsufficientBalance, From: from, Available: available}, nil
	}
	return nil, nil
}

// =============================================================================
// TRANSFERS - validate, persist, enqueue
// =============================================================================

// TransferRequest is a command to move value. Ledgers may be left empty to
// derive them from the wallet-to-account mapping.
type TransferRequest struct {
	Type    TransactionType
	From    Movement
	To      []Movement
	Ledgers []LedgerLine
	Data    TxData
}

type Transfers struct {
	Store     Store
	Validator *TransferValidator
	Queue     Enqueuer
	Locks     KeyLocker
	Log       *slog.Logger
	Recorder  RejectionRecorder
	Now       func() time.Time
}

func NewTransfers(store Store, balances BalanceReader, queue Enqueuer, locks KeyLocker, log *slog.Logger) *Transfers {
	if log == nil {
		log = slog.Default()
	}
	return &Transfers{
		Store:     store,
		Validator: NewTransferValidator(balances),
		Queue:     queue,
		Locks:     locks,
		Log:       log,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates req, persists it as PENDING and enqueues it for
// verification.
func (t *Transfers) Submit(ctx context.Context, req TransferRequest) (Transaction, error) {
	if !req.Type.Valid() || len(req.To) == 0 {
		return Transaction{}, ErrInvalidTransfer
	}
	if req.Type == TxAirdrop && req.Data.Campaign == "" {
		return Transaction{}, fmt.Errorf("%w: airdrop without campaign", ErrInvalidTransfer)
	}

	lines := req.Ledgers
	if len(lines) == 0 {
		built, err := BuildLines(req.From, req.To)
		if err != nil {
			return Transaction{}, err
		}
		lines = built
	}

	unlock, err := t.Locks.Lock(ctx, WalletKey(req.From.User, req.From.WalletType))
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	rejected, err := t.Validator.Check(ctx, req.From, req.To, lines)
	if err != nil {
		return Transaction{}, err
	}
	if rejected != nil {
		t.Log.Info("transfer_rejected",
			slog.String("type", string(req.Type)),
			slog.String("reason", string(rejected.Reason)),
			slog.String("user", string(req.From.User)))
		if t.Recorder != nil {
			t.Recorder.TransferRejected(string(rejected.Reason))
		}
		return Transaction{}, rejected
	}

	now := t.Now()
	tx := Transaction{
		ID:        TransactionID(uuid.NewString()),
		Type:      req.Type,
		Status:    StatusPending,
		From:      req.From,
		To:        req.To,
		Ledgers:   lines,
		Data:      req.Data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.Store.InsertTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("persist pending transaction: %w", err)
	}

	if err := t.Queue.Enqueue(ctx, tx); err != nil {
		t.Log.Error("enqueue_failed", slog.String("transaction", string(tx.ID)), slog.Any("err", err))
		return tx, fmt.Errorf("enqueue transaction %s: %w", tx.ID, err)
	}
	return tx, nil
}

// RequeuePending enqueues every PENDING transaction created before cutoff.
// Redelivery is safe: the Verifier ignores transactions already terminal.
func (t *Transfers) RequeuePending(ctx context.Context, cutoff time.Time) (int, error) {
	txs, err := t.Store.FindTransactions(ctx, Query{Statuses: []Status{StatusPending}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tx := range txs {
		if !tx.CreatedAt.Before(cutoff) {
			continue
		}
		if err := t.Queue.Enqueue(ctx, tx); err != nil {
			return n, fmt.Errorf("requeue %s: %w", tx.ID, err)
		}
		n++
	}
	return n, nil
}
