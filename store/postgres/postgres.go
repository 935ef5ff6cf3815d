/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, for deployments where several ledger processes share one log.

INTERFACES IMPLEMENTED:
  ledger.AdminStore:      Transactions, campaigns, chart of accounts
  rewards.PlacementStore: Ad placements awaiting distribution

SCHEMA:
  Same tables as the SQLite store. Monetary values are NUMERIC and are read
  back as text so no precision is lost on the way to decimal.Decimal.
  from/to/ledgers are JSONB; timestamps are TIMESTAMPTZ (microseconds).

CONCURRENCY:
  pgxpool handles connection concurrency. Status updates are single
  statements. Store.Lock is a ledger.KeyLocker built on session advisory
  locks, so verifiers in different processes serialize on the same wallet
  or campaign. Each held lock pins one connection of a separate lock pool;
  queries made while holding it use the main pool.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/rewards"
)

type Store struct {
	pool     *pgxpool.Pool
	lockPool *pgxpool.Pool
	now      func() time.Time
}

var (
	_ ledger.AdminStore      = (*Store)(nil)
	_ ledger.KeyLocker       = (*Store)(nil)
	_ rewards.PlacementStore = (*Store)(nil)
)

// Open connects to dsn, checks the connection and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	lockPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres lock pool: %w", err)
	}
	s := New(pool)
	s.lockPool = lockPool
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}

// New wraps an existing pool. The schema is assumed to exist. Locks share
// the pool, so it must have more connections than concurrent lock holders.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, lockPool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() {
	if s.lockPool != s.pool {
		s.lockPool.Close()
	}
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	tx_type TEXT NOT NULL,
	status TEXT NOT NULL,
	failure_message TEXT NOT NULL DEFAULT '',
	from_json JSONB NOT NULL,
	to_json JSONB NOT NULL,
	ledgers_json JSONB NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	placement_id TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at, id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_transactions_campaign ON transactions(campaign_id) WHERE campaign_id <> '';
CREATE INDEX IF NOT EXISTS idx_transactions_placement ON transactions(placement_id) WHERE placement_id <> '';

CREATE TABLE IF NOT EXISTS transaction_movements (
	tx_id TEXT NOT NULL REFERENCES transactions(id),
	user_id TEXT NOT NULL,
	wallet_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_movements_user ON transaction_movements(user_id, wallet_type);

CREATE TABLE IF NOT EXISTS transaction_lines (
	tx_id TEXT NOT NULL REFERENCES transactions(id),
	account_no TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lines_account ON transaction_lines(account_no);

CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	reward_balance NUMERIC NOT NULL,
	total_rewards NUMERIC NOT NULL,
	max_claims INTEGER NOT NULL DEFAULT 0,
	rewards_per_claim NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS caccounts (
	no TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	nature TEXT NOT NULL,
	child TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS placements (
	id TEXT PRIMARY KEY,
	viewer TEXT NOT NULL DEFAULT '',
	contents_json JSONB NOT NULL,
	stakes_json JSONB NOT NULL,
	cost NUMERIC NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	distributed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_placements_undistributed ON placements(created_at, id) WHERE distributed_at IS NULL;
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = t.CreatedAt
	}
	to := t.To
	if to == nil {
		to = []ledger.Movement{}
	}
	lines := t.Ledgers
	if lines == nil {
		lines = []ledger.LedgerLine{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions
		(id, tx_type, status, failure_message, from_json, to_json, ledgers_json,
		 campaign_id, placement_id, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		string(t.ID), string(t.Type), string(t.Status), string(t.FailureMessage),
		t.From, to, lines,
		string(t.Data.Campaign), string(t.Data.Placement), t.Data.Note,
		t.CreatedAt, updated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateTransaction
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range t.Movements() {
		if m.HasUser() {
			batch.Queue(`INSERT INTO transaction_movements (tx_id, user_id, wallet_type) VALUES ($1, $2, $3)`,
				string(t.ID), string(m.User), string(m.WalletType))
		}
	}
	for _, no := range lineAccounts(t) {
		batch.Queue(`INSERT INTO transaction_lines (tx_id, account_no) VALUES ($1, $2)`, string(t.ID), string(no))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("index transaction: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, selectTransactions+` WHERE id = $1`, string(id))
	if err != nil {
		return ledger.Transaction{}, err
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *Store) FindTransactions(ctx context.Context, q ledger.Query) ([]ledger.Transaction, error) {
	where, args := buildWhere(q)
	query := selectTransactions
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	candidates, err := collectTransactions(rows)
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET status = $1, failure_message = $2, updated_at = $3 WHERE id = $4`,
		string(status), string(msg), s.now(), string(id))
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return s.GetTransaction(ctx, id)
}

const selectTransactions = `
	SELECT id, tx_type, status, failure_message, from_json, to_json, ledgers_json,
	       campaign_id, placement_id, note, created_at, updated_at
	FROM transactions`

// buildWhere narrows a query with indexed columns. It may over-select;
// FindTransactions applies Query.Matches afterwards.
func buildWhere(q ledger.Query) ([]string, []any) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Type != "" {
		where = append(where, "tx_type = "+arg(string(q.Type)))
	}
	if q.Campaign != "" {
		where = append(where, "campaign_id = "+arg(string(q.Campaign)))
	}
	if q.Placement != "" {
		where = append(where, "placement_id = "+arg(string(q.Placement)))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if q.User != "" {
		sub := "SELECT tx_id FROM transaction_movements WHERE user_id = " + arg(string(q.User))
		if q.WalletType != "" {
			sub += " AND wallet_type = " + arg(string(q.WalletType))
		}
		where = append(where, "id IN ("+sub+")")
	}
	if len(q.Accounts) > 0 {
		accounts := make([]string, len(q.Accounts))
		for i, no := range q.Accounts {
			accounts[i] = string(no)
		}
		where = append(where, "id IN (SELECT tx_id FROM transaction_lines WHERE account_no = ANY("+arg(accounts)+"))")
	}
	return where, args
}

func collectTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Transaction, error) {
		var (
			t                           ledger.Transaction
			id, txType, status, failure string
			campaign, placement         string
		)
		err := row.Scan(
			&id, &txType, &status, &failure,
			&t.From, &t.To, &t.Ledgers,
			&campaign, &placement, &t.Data.Note,
			&t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("scan transaction: %w", err)
		}
		t.ID = ledger.TransactionID(id)
		t.Type = ledger.TransactionType(txType)
		t.Status = ledger.Status(status)
		t.FailureMessage = ledger.FailureMessage(failure)
		t.Data.Campaign = ledger.CampaignID(campaign)
		t.Data.Placement = ledger.PlacementID(placement)
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		return t, nil
	})
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) FindCampaign(ctx context.Context, id ledger.CampaignID) (ledger.Campaign, error) {
	var (
		c                        ledger.Campaign
		cid, name                string
		balance, total, perClaim string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, reward_balance::text, total_rewards::text, max_claims, rewards_per_claim::text
		FROM campaigns
		WHERE id = $1
	`, string(id)).Scan(&cid, &name, &balance, &total, &c.MaxClaims, &perClaim)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Campaign{}, ledger.ErrCampaignNotFound
		}
		return ledger.Campaign{}, err
	}
	c.ID, c.Name = ledger.CampaignID(cid), name
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, name, reward_balance, total_rewards, max_claims, rewards_per_claim)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::numeric)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			reward_balance = EXCLUDED.reward_balance,
			total_rewards = EXCLUDED.total_rewards,
			max_claims = EXCLUDED.max_claims,
			rewards_per_claim = EXCLUDED.rewards_per_claim
	`, string(c.ID), c.Name, c.RewardBalance.String(), c.TotalRewards.String(), c.MaxClaims, c.RewardsPerClaim.String())
	if err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	return nil
}

func (s *Store) FindCAccount(ctx context.Context, no ledger.AccountNo) (ledger.CAccount, error) {
	var (
		accountNo, name, nature string
		child                   []string
	)
	err := s.pool.QueryRow(ctx, `SELECT no, name, nature, child FROM caccounts WHERE no = $1`, string(no)).
		Scan(&accountNo, &name, &nature, &child)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.CAccount{}, ledger.ErrAccountNotFound
		}
		return ledger.CAccount{}, err
	}
	a := ledger.CAccount{No: ledger.AccountNo(accountNo), Name: name, Nature: ledger.Nature(nature)}
	for _, c := range child {
		a.Child = append(a.Child, ledger.AccountNo(c))
	}
	return a, nil
}

func (s *Store) SaveCAccount(ctx context.Context, a ledger.CAccount) error {
	child := make([]string, len(a.Child))
	for i, c := range a.Child {
		child[i] = string(c)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO caccounts (no, name, nature, child) VALUES ($1, $2, $3, $4)
		ON CONFLICT (no) DO UPDATE SET
			name = EXCLUDED.name, nature = EXCLUDED.nature, child = EXCLUDED.child
	`, string(a.No), a.Name, string(a.Nature), child)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// =============================================================================
// PLACEMENT STORE
// =============================================================================

func (s *Store) SavePlacement(ctx context.Context, p rewards.Placement) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	contents := p.Contents
	if contents == nil {
		contents = []rewards.ContentShare{}
	}
	stakes := p.FarmingStakes
	if stakes == nil {
		stakes = []rewards.Stake{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO placements (id, viewer, contents_json, stakes_json, cost, transaction_id, distributed_at, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			viewer = EXCLUDED.viewer,
			contents_json = EXCLUDED.contents_json,
			stakes_json = EXCLUDED.stakes_json,
			cost = EXCLUDED.cost,
			transaction_id = EXCLUDED.transaction_id,
			distributed_at = EXCLUDED.distributed_at
	`, string(p.ID), string(p.Viewer), contents, stakes, p.Cost.String(), string(p.TransactionID), p.DistributedAt, createdAt)
	if err != nil {
		return fmt.Errorf("save placement: %w", err)
	}
	return nil
}

func (s *Store) ListUndistributedPlacements(ctx context.Context, limit int) ([]rewards.Placement, error) {
	query := `
		SELECT id, viewer, contents_json, stakes_json, cost::text, transaction_id, created_at
		FROM placements
		WHERE distributed_at IS NULL
		ORDER BY created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query placements: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.Placement, error) {
		var (
			p                      rewards.Placement
			id, viewer, cost, txID string
		)
		if err := row.Scan(&id, &viewer, &p.Contents, &p.FarmingStakes, &cost, &txID, &p.CreatedAt); err != nil {
			return rewards.Placement{}, fmt.Errorf("scan placement: %w", err)
		}
		p.ID = ledger.PlacementID(id)
		p.Viewer = ledger.UserID(viewer)
		p.TransactionID = ledger.TransactionID(txID)
		p.CreatedAt = p.CreatedAt.UTC()
		var err error
		if p.Cost, err = decimal.NewFromString(cost); err != nil {
			return rewards.Placement{}, err
		}
		return p, nil
	})
}

func (s *Store) MarkPlacementDistributed(ctx context.Context, id ledger.PlacementID, txID ledger.TransactionID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE placements SET transaction_id = $1, distributed_at = $2 WHERE id = $3`,
		string(txID), at, string(id))
	if err != nil {
		return fmt.Errorf("mark placement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewards.ErrPlacementNotFound
	}
	return nil
}

// ClaimPlacement records the in-flight payout without marking the
// placement distributed. A placement already distributed keeps its payout.
func (s *Store) ClaimPlacement(ctx context.Context, id ledger.PlacementID, txID ledger.TransactionID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE placements
		 SET transaction_id = CASE WHEN distributed_at IS NULL THEN $1 ELSE transaction_id END
		 WHERE id = $2`,
		string(txID), string(id))
	if err != nil {
		return fmt.Errorf("claim placement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewards.ErrPlacementNotFound
	}
	return nil
}

// =============================================================================
// ADVISORY LOCKS (ledger.KeyLocker)
// =============================================================================

// Lock takes a session advisory lock on key for every process sharing the
// database. If the unlock statement fails the connection is closed, which
// drops the lock with the session.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return func() {}, nil
	}
	conn, err := s.lockPool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// A cancelled wait may still have been granted server side.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func lineAccounts(t ledger.Transaction) []ledger.AccountNo {
	seen := map[ledger.AccountNo]bool{}
	var out []ledger.AccountNo
	for _, l := range t.Ledgers {
		for _, no := range []ledger.AccountNo{l.Debit.AccountNo, l.Credit.AccountNo} {
			if !seen[no] {
				seen[no] = true
				out = append(out, no)
			}
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
