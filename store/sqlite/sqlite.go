/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.AdminStore:      Transactions, campaigns, chart of accounts
  rewards.PlacementStore: Ad placements awaiting distribution

WRITE CONTRACT:
  - INSERT only on transactions, plus the single status UPDATE made by
    the verifier (status, failure_message, updated_at)
  - No DELETE statements on transactions
  - Reference data (campaigns, caccounts) is upserted by seeding

KEY TABLES:
  transactions:          One row per transaction; from/to/ledgers as JSON
  transaction_movements: (tx, user, wallet type) per movement side
  transaction_lines:     (tx, account) per debit/credit side
  campaigns:             Airdrop budgets
  caccounts:             Chart of accounts
  placements:            Charged ad placements

INDEXES:
  - idx_movements_user:     Wallet balance queries (hot path)
  - idx_lines_account:      Account balance queries
  - idx_transactions_status: Pending scans (RequeuePending)
  FindTransactions narrows with these indexes, then applies Query.Matches
  so results agree exactly with every other Store.

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. SQLite allows one writer at
  a time and ":memory:" databases are per-connection.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/rewards"
)

// timeLayout is fixed width so text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var (
	_ ledger.AdminStore      = (*Store)(nil)
	_ rewards.PlacementStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_message TEXT NOT NULL DEFAULT '',
		from_json TEXT NOT NULL,
		to_json TEXT NOT NULL,
		ledgers_json TEXT NOT NULL,
		campaign_id TEXT NOT NULL DEFAULT '',
		placement_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_transactions_campaign
		ON transactions(campaign_id) WHERE campaign_id != '';
	CREATE INDEX IF NOT EXISTS idx_transactions_placement
		ON transactions(placement_id) WHERE placement_id != '';

	CREATE TABLE IF NOT EXISTS transaction_movements (
		tx_id TEXT NOT NULL REFERENCES transactions(id),
		user_id TEXT NOT NULL,
		wallet_type TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_user
		ON transaction_movements(user_id, wallet_type);

	CREATE TABLE IF NOT EXISTS transaction_lines (
		tx_id TEXT NOT NULL REFERENCES transactions(id),
		account_no TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lines_account
		ON transaction_lines(account_no);

	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		reward_balance TEXT NOT NULL,
		total_rewards TEXT NOT NULL,
		max_claims INTEGER NOT NULL DEFAULT 0,
		rewards_per_claim TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS caccounts (
		no TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		nature TEXT NOT NULL,
		child_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS placements (
		id TEXT PRIMARY KEY,
		viewer TEXT NOT NULL DEFAULT '',
		contents_json TEXT NOT NULL,
		stakes_json TEXT NOT NULL,
		cost TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		distributed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_placements_undistributed
		ON placements(created_at, id) WHERE distributed_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromJSON, toJSON, ledgersJSON, err := encodeTx(tx)
	if err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, tx_type, status, failure_message, from_json, to_json, ledgers_json,
		 campaign_id, placement_id, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.Type, tx.Status, tx.FailureMessage,
		fromJSON, toJSON, ledgersJSON,
		tx.Data.Campaign, tx.Data.Placement, tx.Data.Note,
		formatTime(tx.CreatedAt), formatTime(updatedAt(tx)),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	for _, m := range tx.Movements() {
		if !m.HasUser() {
			continue
		}
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO transaction_movements (tx_id, user_id, wallet_type) VALUES (?, ?, ?)`,
			tx.ID, m.User, m.WalletType); err != nil {
			return fmt.Errorf("failed to index movement: %w", err)
		}
	}
	for _, no := range lineAccounts(tx) {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO transaction_lines (tx_id, account_no) VALUES (?, ?)`,
			tx.ID, no); err != nil {
			return fmt.Errorf("failed to index ledger line: %w", err)
		}
	}

	return sqlTx.Commit()
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTransaction(ctx, id)
}

func (s *Store) getTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, selectTransactions+` WHERE id = ?`, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *Store) FindTransactions(ctx context.Context, q ledger.Query) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildWhere(q)
	query := selectTransactions
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	candidates, err := s.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	result := candidates[:0]
	for _, tx := range candidates {
		if q.Matches(tx) {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id ledger.TransactionID, status ledger.Status, msg ledger.FailureMessage) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ?, failure_message = ?, updated_at = ? WHERE id = ?`,
		status, msg, formatTime(s.now()), id)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Transaction{}, err
	}
	if n == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return s.getTransaction(ctx, id)
}

const selectTransactions = `
	SELECT id, tx_type, status, failure_message, from_json, to_json, ledgers_json,
	       campaign_id, placement_id, note, created_at, updated_at
	FROM transactions`

// buildWhere narrows a query with indexed columns. It may over-select;
// callers apply Query.Matches afterwards.
func buildWhere(q ledger.Query) ([]string, []any) {
	var where []string
	var args []any

	if q.Type != "" {
		where = append(where, "tx_type = ?")
		args = append(args, q.Type)
	}
	if q.Campaign != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, q.Campaign)
	}
	if q.Placement != "" {
		where = append(where, "placement_id = ?")
		args = append(args, q.Placement)
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, st := range q.Statuses {
			args = append(args, st)
		}
	}
	if q.User != "" {
		sub := "SELECT tx_id FROM transaction_movements WHERE user_id = ?"
		args = append(args, q.User)
		if q.WalletType != "" {
			sub += " AND wallet_type = ?"
			args = append(args, q.WalletType)
		}
		where = append(where, "id IN ("+sub+")")
	}
	if len(q.Accounts) > 0 {
		where = append(where, "id IN (SELECT tx_id FROM transaction_lines WHERE account_no IN ("+placeholders(len(q.Accounts))+"))")
		for _, no := range q.Accounts {
			args = append(args, no)
		}
	}
	return where, args
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                            ledger.Transaction
		fromJSON, toJSON, ledgersJSON string
		createdAt, updatedAtText      string
	)
	err := rows.Scan(
		&tx.ID, &tx.Type, &tx.Status, &tx.FailureMessage,
		&fromJSON, &toJSON, &ledgersJSON,
		&tx.Data.Campaign, &tx.Data.Placement, &tx.Data.Note,
		&createdAt, &updatedAtText,
	)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if err := decodeTx(&tx, fromJSON, toJSON, ledgersJSON); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.UpdatedAt, err = parseTime(updatedAtText); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) FindCampaign(ctx context.Context, id ledger.CampaignID) (ledger.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c                        ledger.Campaign
		balance, total, perClaim string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, reward_balance, total_rewards, max_claims, rewards_per_claim
		FROM campaigns WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &balance, &total, &c.MaxClaims, &perClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Campaign{}, ledger.ErrCampaignNotFound
	}
	if err != nil {
		return ledger.Campaign{}, fmt.Errorf("failed to get campaign: %w", err)
	}
	if c.RewardBalance, err = decimal.NewFromString(balance); err != nil {
		return ledger.Campaign{}, err
	}
	if c.TotalRewards, err = decimal.NewFromString(total); err != nil {
		return ledger.Campaign{}, err
	}
	if c.RewardsPerClaim, err = decimal.NewFromString(perClaim); err != nil {
		return ledger.Campaign{}, err
	}
	return c, nil
}

func (s *Store) SaveCampaign(ctx context.Context, c ledger.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, reward_balance, total_rewards, max_claims, rewards_per_claim)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			reward_balance = excluded.reward_balance,
			total_rewards = excluded.total_rewards,
			max_claims = excluded.max_claims,
			rewards_per_claim = excluded.rewards_per_claim
	`, c.ID, c.Name, c.RewardBalance.String(), c.TotalRewards.String(), c.MaxClaims, c.RewardsPerClaim.String())
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

func (s *Store) FindCAccount(ctx context.Context, no ledger.AccountNo) (ledger.CAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		a         ledger.CAccount
		childJSON string
	)
	err := s.db.QueryRowContext(ctx, `SELECT no, name, nature, child_json FROM caccounts WHERE no = ?`, no).
		Scan(&a.No, &a.Name, &a.Nature, &childJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CAccount{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.CAccount{}, fmt.Errorf("failed to get account: %w", err)
	}
	if err := json.Unmarshal([]byte(childJSON), &a.Child); err != nil {
		return ledger.CAccount{}, fmt.Errorf("failed to decode account children: %w", err)
	}
	return a, nil
}

func (s *Store) SaveCAccount(ctx context.Context, a ledger.CAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := a.Child
	if child == nil {
		child = []ledger.AccountNo{}
	}
	childJSON, err := json.Marshal(child)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO caccounts (no, name, nature, child_json) VALUES (?, ?, ?, ?)
		ON CONFLICT(no) DO UPDATE SET
			name = excluded.name, nature = excluded.nature, child_json = excluded.child_json
	`, a.No, a.Name, a.Nature, string(childJSON))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// =============================================================================
// PLACEMENT STORE (rewards.PlacementStore interface)
// =============================================================================

func (s *Store) SavePlacement(ctx context.Context, p rewards.Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contentsJSON, err := json.Marshal(p.Contents)
	if err != nil {
		return err
	}
	stakesJSON, err := json.Marshal(p.FarmingStakes)
	if err != nil {
		return err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	var distributedAt sql.NullString
	if p.DistributedAt != nil {
		distributedAt = sql.NullString{String: formatTime(*p.DistributedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO placements (id, viewer, contents_json, stakes_json, cost, transaction_id, distributed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			viewer = excluded.viewer,
			contents_json = excluded.contents_json,
			stakes_json = excluded.stakes_json,
			cost = excluded.cost,
			transaction_id = excluded.transaction_id,
			distributed_at = excluded.distributed_at
	`, p.ID, p.Viewer, string(contentsJSON), string(stakesJSON), p.Cost.String(), p.TransactionID, distributedAt, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save placement: %w", err)
	}
	return nil
}

func (s *Store) ListUndistributedPlacements(ctx context.Context, limit int) ([]rewards.Placement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, viewer, contents_json, stakes_json, cost, transaction_id, distributed_at, created_at
		FROM placements
		WHERE distributed_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query placements: %w", err)
	}
	defer rows.Close()

	var out []rewards.Placement
	for rows.Next() {
		var (
			p                              rewards.Placement
			contentsJSON, stakesJSON, cost string
			distributedAt                  sql.NullString
			createdAt                      string
		)
		if err := rows.Scan(&p.ID, &p.Viewer, &contentsJSON, &stakesJSON, &cost, &p.TransactionID, &distributedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan placement: %w", err)
		}
		if err := json.Unmarshal([]byte(contentsJSON), &p.Contents); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stakesJSON), &p.FarmingStakes); err != nil {
			return nil, err
		}
		if p.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) MarkPlacementDistributed(ctx context.Context, id ledger.PlacementID, txID ledger.TransactionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE placements SET transaction_id = ?, distributed_at = ? WHERE id = ?`,
		txID, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark placement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rewards.ErrPlacementNotFound
	}
	return nil
}

// ClaimPlacement records the in-flight payout without marking the
// placement distributed. A placement already distributed keeps its payout.
func (s *Store) ClaimPlacement(ctx context.Context, id ledger.PlacementID, txID ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE placements
		SET transaction_id = CASE WHEN distributed_at IS NULL THEN ? ELSE transaction_id END
		WHERE id = ?`,
		txID, id)
	if err != nil {
		return fmt.Errorf("failed to claim placement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rewards.ErrPlacementNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func encodeTx(tx ledger.Transaction) (fromJSON, toJSON, ledgersJSON string, err error) {
	from, err := json.Marshal(tx.From)
	if err != nil {
		return "", "", "", fmt.Errorf("encode from: %w", err)
	}
	to, err := json.Marshal(tx.To)
	if err != nil {
		return "", "", "", fmt.Errorf("encode to: %w", err)
	}
	lines, err := json.Marshal(tx.Ledgers)
	if err != nil {
		return "", "", "", fmt.Errorf("encode ledgers: %w", err)
	}
	return string(from), string(to), string(lines), nil
}

func decodeTx(tx *ledger.Transaction, fromJSON, toJSON, ledgersJSON string) error {
	if err := json.Unmarshal([]byte(fromJSON), &tx.From); err != nil {
		return fmt.Errorf("decode from: %w", err)
	}
	if err := json.Unmarshal([]byte(toJSON), &tx.To); err != nil {
		return fmt.Errorf("decode to: %w", err)
	}
	if err := json.Unmarshal([]byte(ledgersJSON), &tx.Ledgers); err != nil {
		return fmt.Errorf("decode ledgers: %w", err)
	}
	return nil
}

// lineAccounts returns the distinct accounts tx's lines touch.
func lineAccounts(tx ledger.Transaction) []ledger.AccountNo {
	seen := map[ledger.AccountNo]bool{}
	var out []ledger.AccountNo
	for _, l := range tx.Ledgers {
		for _, no := range []ledger.AccountNo{l.Debit.AccountNo, l.Credit.AccountNo} {
			if !seen[no] {
				seen[no] = true
				out = append(out, no)
			}
		}
	}
	return out
}

func updatedAt(tx ledger.Transaction) time.Time {
	if tx.UpdatedAt.IsZero() {
		return tx.CreatedAt
	}
	return tx.UpdatedAt
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
