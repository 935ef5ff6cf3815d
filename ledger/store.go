/*
store.go - Persistence contract for the ledger

PURPOSE:
  Defines the interface between the ledger logic and the database. The
  verification rules are plain algorithms over fetched records, so any
  engine that can filter transactions (SQLite, PostgreSQL, memory) can
  serve them.

WRITE CONTRACT:
  - InsertTransaction(): append a new PENDING transaction
  - UpdateTransactionStatus(): the single terminal in-place update, done
    only by the Verifier
  - Nothing else mutates a transaction. There is no Delete.

MATCHING:
  Query.Matches is the one definition of which transactions a query
  selects. Stores may pre-filter with indexes but must agree with it.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package ledger

import "context"

// Store persists transactions and reads the reference data the
// verification rules depend on.
type Store interface {
	// InsertTransaction appends tx. Returns ErrDuplicateTransaction if the id exists.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns ErrTransactionNotFound for unknown ids.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// FindTransactions returns every transaction matching q, ordered by creation.
	FindTransactions(ctx context.Context, q Query) ([]Transaction, error)

	// UpdateTransactionStatus sets the terminal status (last write wins).
	UpdateTransactionStatus(ctx context.Context, id TransactionID, status Status, msg FailureMessage) (Transaction, error)

	// FindCampaign returns ErrCampaignNotFound for unknown ids.
	FindCampaign(ctx context.Context, id CampaignID) (Campaign, error)

	// FindCAccount returns ErrAccountNotFound for unknown numbers.
	FindCAccount(ctx context.Context, no AccountNo) (CAccount, error)
}

// AdminStore seeds reference data. Used by the composition root and tests,
// never by the verification pipeline.
type AdminStore interface {
	Store
	SaveCampaign(ctx context.Context, c Campaign) error
	SaveCAccount(ctx context.Context, a CAccount) error
}

// =============================================================================
// QUERY
// =============================================================================

// Query selects transactions. Zero-valued fields do not filter; all set
// fields must match.
type Query struct {
	// Accounts matches when any ledger line debits or credits one of them.
	Accounts []AccountNo

	// User matches when from or any recipient belongs to the user.
	// WalletType narrows that to movements of this wallet type.
	User       UserID
	WalletType WalletType

	Type      TransactionType
	Campaign  CampaignID
	Placement PlacementID
	Statuses  []Status
}

// Matches reports whether tx is selected by q.
func (q Query) Matches(tx Transaction) bool {
	if q.Type != "" && tx.Type != q.Type {
		return false
	}
	if q.Campaign != "" && tx.Data.Campaign != q.Campaign {
		return false
	}
	if q.Placement != "" && tx.Data.Placement != q.Placement {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, tx.Status) {
		return false
	}
	if q.User != "" && !q.matchesUser(tx) {
		return false
	}
	if len(q.Accounts) > 0 && !q.matchesAccounts(tx) {
		return false
	}
	return true
}

func (q Query) matchesUser(tx Transaction) bool {
	for _, m := range tx.Movements() {
		if m.User != q.User {
			continue
		}
		if q.WalletType == "" || m.WalletType == q.WalletType {
			return true
		}
	}
	return false
}

func (q Query) matchesAccounts(tx Transaction) bool {
	set := accountSet(q.Accounts)
	for _, l := range tx.Ledgers {
		if l.References(set) {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func accountSet(nos []AccountNo) map[AccountNo]bool {
	set := make(map[AccountNo]bool, len(nos))
	for _, no := range nos {
		set[no] = true
	}
	return set
}
