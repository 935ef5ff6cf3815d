package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/castcle/ledger-engine/ledger"
)

func TestBuildWhere_NumbersPlaceholdersInOrder(t *testing.T) {
	where, args := buildWhere(ledger.Query{
		Type:       ledger.TxSend,
		Statuses:   []ledger.Status{ledger.StatusPending, ledger.StatusVerified},
		User:       "alice",
		WalletType: ledger.WalletPersonal,
		Accounts:   []ledger.AccountNo{ledger.AccountPersonalWallets},
	})

	assert.Equal(t, []string{
		"tx_type = $1",
		"status = ANY($2)",
		"id IN (SELECT tx_id FROM transaction_movements WHERE user_id = $3 AND wallet_type = $4)",
		"id IN (SELECT tx_id FROM transaction_lines WHERE account_no = ANY($5))",
	}, where)
	assert.Equal(t, []any{
		"send",
		[]string{"pending", "verified"},
		"alice",
		"personal",
		[]string{"2100"},
	}, args)
}

func TestBuildWhere_EmptyQuerySelectsAll(t *testing.T) {
	where, args := buildWhere(ledger.Query{})

	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestBuildWhere_PlacementAndCampaign(t *testing.T) {
	where, args := buildWhere(ledger.Query{Campaign: "c1", Placement: "p1"})

	assert.Equal(t, []string{"campaign_id = $1", "placement_id = $2"}, where)
	assert.Equal(t, []any{"c1", "p1"}, args)
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})

	assert.True(t, isUniqueViolation(wrapped))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestLineAccounts_Distinct(t *testing.T) {
	tx := ledger.Transaction{Ledgers: []ledger.LedgerLine{
		{Debit: ledger.Entry{AccountNo: "2100"}, Credit: ledger.Entry{AccountNo: "2200"}},
		{Debit: ledger.Entry{AccountNo: "2100"}, Credit: ledger.Entry{AccountNo: "2300"}},
	}}

	assert.Equal(t, []ledger.AccountNo{"2100", "2200", "2300"}, lineAccounts(tx))
}
