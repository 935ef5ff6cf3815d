/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Not found       - A referenced transaction, campaign or account is unknown
  2. Pre-check       - Transfers rejected before anything is persisted
  3. Configuration   - The chart of accounts references an unknown account

VERIFICATION OUTCOMES ARE NOT ERRORS:
  "Invalid wallet type", "Invalid checksum" and "Insufficient funds" are
  business outcomes recorded on the transaction (see FailureMessage). An
  error returned by the Verifier always means "could not decide": the
  transaction stays PENDING and the queue redelivers the job.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTransactionNotFound is returned when no transaction has the given id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrCampaignNotFound is returned when an airdrop references an unknown campaign.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrAccountNotFound is returned when an account number has no CAccount record.
	ErrAccountNotFound = errors.New("account not found")

	// ErrChartMisconfigured is a fatal configuration error: a CAccount lists a
	// descendant that does not exist.
	ErrChartMisconfigured = errors.New("chart of accounts misconfigured")

	// ErrTransferRejected is returned by the pre-check. Nothing was persisted.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrDuplicateTransaction is returned when inserting an existing id.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")

	// ErrInvalidTransfer is returned for malformed requests (unknown type, no recipients).
	ErrInvalidTransfer = errors.New("invalid transfer request")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RejectReason explains why the pre-check refused a transfer.
type RejectReason string

const (
	RejectNegativeValue       RejectReason = "negative_value"
	RejectChecksumMismatch    RejectReason = "checksum_mismatch"
	RejectLedgerUnbalanced    RejectReason = "ledger_unbalanced"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
)

// TransferRejectedError provides details about a pre-check rejection.
type TransferRejectedError struct {
	Reason    RejectReason
	From      Movement
	Available decimal.Decimal // only set for RejectInsufficientBalance
}

func (e *TransferRejectedError) Error() string {
	if e.Reason == RejectInsufficientBalance {
		return fmt.Sprintf("transfer rejected: %s (available %s, requested %s)",
			e.Reason, e.Available, e.From.Value)
	}
	return fmt.Sprintf("transfer rejected: %s", e.Reason)
}

func (e *TransferRejectedError) Unwrap() error {
	return ErrTransferRejected
}

// ChartError names the account whose child list is broken.
type ChartError struct {
	Parent  AccountNo
	Missing AccountNo
}

func (e *ChartError) Error() string {
	return fmt.Sprintf("chart of accounts: %s lists unknown child %s", e.Parent, e.Missing)
}

func (e *ChartError) Unwrap() error {
	return ErrChartMisconfigured
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrCampaignNotFound) ||
		errors.Is(err, ErrAccountNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrTransferRejected) ||
		errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, ErrDuplicateTransaction)
}
