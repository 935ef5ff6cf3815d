/*
Package ledger provides the double-entry ledger and transaction verification engine.

PURPOSE:
  Every movement of value (sending tokens, claiming an airdrop, paying for
  ads, distributing social rewards) is recorded as one Transaction. The
  transaction log is the single source of truth: balances are never stored,
  they are always recomputed by replaying the relevant transactions.

KEY CONCEPTS IN THIS FILE (types.go):
  - Movement:    One side of a transfer (wallet type + value + optional user)
  - LedgerLine:  A debit/credit pair against chart-of-accounts numbers
  - Transaction: from + to[] + ledgers[] + lifecycle status
  - CAccount:    A chart-of-accounts node (nature + descendants)
  - Campaign:    The fixed budget that funds airdrop transactions

LIFECYCLE:
  PENDING  --(Verifier)-->  VERIFIED | FAILED

  A transaction is created PENDING by Transfers.Submit and transitions
  exactly once. VERIFIED and FAILED are terminal.

CHECKSUM:
  from.value == sum(to[].value)
  sum(ledgers[].debit.value) == sum(ledgers[].credit.value) == from.value

PRECISION:
  Every monetary value is a decimal.Decimal. Floating point is never used
  for summation or comparison.

SEE ALSO:
  - accounts.go: Default chart of accounts and wallet-to-account mapping
  - balance.go:  Balance Query Engine
  - transfer.go: Transfer Command Validator and submission
  - verifier.go: Transaction Verifier state machine
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string
type UserID string
type AccountNo string
type CampaignID string
type PlacementID string

// =============================================================================
// WALLET TYPES
// =============================================================================

// WalletType is the coarse, user-facing category of a balance.
type WalletType string

const (
	// User wallets: a Movement against these MUST carry a user.
	WalletPersonal   WalletType = "personal"
	WalletAds        WalletType = "ads"
	WalletFarmLocked WalletType = "farm.locked"

	// Platform pools and external endpoints: no user required.
	WalletCastcleSocial    WalletType = "castcle.social"
	WalletCastcleAirdrop   WalletType = "castcle.airdrop"
	WalletCastcleTreasury  WalletType = "castcle.treasury"
	WalletExternalDeposit  WalletType = "external.deposit"
	WalletExternalWithdraw WalletType = "external.withdraw"
)

var knownWalletTypes = map[WalletType]bool{
	WalletPersonal:         true,
	WalletAds:              true,
	WalletFarmLocked:       true,
	WalletCastcleSocial:    true,
	WalletCastcleAirdrop:   true,
	WalletCastcleTreasury:  true,
	WalletExternalDeposit:  true,
	WalletExternalWithdraw: true,
}

// Valid reports whether w is one of the known wallet types.
func (w WalletType) Valid() bool { return knownWalletTypes[w] }

// IsUserWallet reports whether money in w belongs to a specific user.
func (w WalletType) IsUserWallet() bool {
	switch w {
	case WalletPersonal, WalletAds, WalletFarmLocked:
		return true
	}
	return false
}

// Bucket groups wallet types for available-balance computation. Funds in one
// bucket never cover a shortfall in another.
type Bucket string

const (
	BucketPersonal Bucket = "personal"
	BucketAds      Bucket = "ads"
	BucketFarm     Bucket = "farm"
	BucketOther    Bucket = "other"
)

func (w WalletType) Bucket() Bucket {
	switch w {
	case WalletPersonal:
		return BucketPersonal
	case WalletAds:
		return BucketAds
	case WalletFarmLocked:
		return BucketFarm
	}
	return BucketOther
}

// =============================================================================
// TRANSACTION TYPE AND STATUS
// =============================================================================

type TransactionType string

const (
	TxDeposit            TransactionType = "deposit"
	TxWithdraw           TransactionType = "withdraw"
	TxSend               TransactionType = "send"
	TxAirdrop            TransactionType = "airdrop"
	TxAdsCharge          TransactionType = "ads_charge"
	TxTopUp              TransactionType = "top_up"
	TxFarming            TransactionType = "farming"
	TxUnfarming          TransactionType = "unfarming"
	TxRewardDistribution TransactionType = "reward_distribution"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdraw, TxSend, TxAirdrop, TxAdsCharge, TxTopUp,
		TxFarming, TxUnfarming, TxRewardDistribution:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether no further transition is defined out of s.
func (s Status) IsTerminal() bool { return s == StatusVerified || s == StatusFailed }

// FailureMessage is the fixed vocabulary recorded on FAILED transactions.
type FailureMessage string

const (
	FailureInvalidWalletType FailureMessage = "Invalid wallet type"
	FailureInvalidChecksum   FailureMessage = "Invalid checksum"
	FailureInsufficientFunds FailureMessage = "Insufficient funds"
)

// =============================================================================
// MOVEMENTS AND LEDGER LINES
// =============================================================================

// Movement is one side of a transfer.
type Movement struct {
	WalletType WalletType      `json:"type"`
	Value      decimal.Decimal `json:"value"`
	User       UserID          `json:"user,omitempty"`
}

func (m Movement) HasUser() bool { return m.User != "" }

// Entry is one side of a ledger line.
type Entry struct {
	AccountNo AccountNo       `json:"caccountNo"`
	Value     decimal.Decimal `json:"value"`
}

// LedgerLine is the chart-of-accounts projection of (part of) a movement.
type LedgerLine struct {
	Debit  Entry `json:"debit"`
	Credit Entry `json:"credit"`
}

// References reports whether either side of the line hits an account in set.
func (l LedgerLine) References(set map[AccountNo]bool) bool {
	return set[l.Debit.AccountNo] || set[l.Credit.AccountNo]
}

// TxData is the type-specific payload.
type TxData struct {
	Campaign  CampaignID  `json:"campaign,omitempty"`
	Placement PlacementID `json:"placement,omitempty"`
	Note      string      `json:"note,omitempty"`
}

// =============================================================================
// TRANSACTION
// =============================================================================

type Transaction struct {
	ID             TransactionID   `json:"id"`
	Type           TransactionType `json:"type"`
	Status         Status          `json:"status"`
	FailureMessage FailureMessage  `json:"failureMessage,omitempty"`
	From           Movement        `json:"from"`
	To             []Movement      `json:"to"`
	Ledgers        []LedgerLine    `json:"ledgers"`
	Data           TxData          `json:"data"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// SumOfTo returns the total value arriving at all recipients.
func (tx Transaction) SumOfTo() decimal.Decimal {
	return sumMovements(tx.To)
}

// TotalDebit returns the sum of every debit line.
func (tx Transaction) TotalDebit() decimal.Decimal {
	total := decimal.Zero
	for _, l := range tx.Ledgers {
		total = total.Add(l.Debit.Value)
	}
	return total
}

// TotalCredit returns the sum of every credit line.
func (tx Transaction) TotalCredit() decimal.Decimal {
	total := decimal.Zero
	for _, l := range tx.Ledgers {
		total = total.Add(l.Credit.Value)
	}
	return total
}

// Movements returns from followed by every recipient.
func (tx Transaction) Movements() []Movement {
	out := make([]Movement, 0, len(tx.To)+1)
	out = append(out, tx.From)
	return append(out, tx.To...)
}

// Before orders transactions by creation time, ties broken by id.
func (tx Transaction) Before(other Transaction) bool {
	if !tx.CreatedAt.Equal(other.CreatedAt) {
		return tx.CreatedAt.Before(other.CreatedAt)
	}
	return tx.ID < other.ID
}

// Outcome returns the verification result recorded on tx.
func (tx Transaction) Outcome() Outcome {
	return Outcome{TransactionID: tx.ID, Status: tx.Status, FailureMessage: tx.FailureMessage}
}

// Outcome is the result of verifying one transaction.
type Outcome struct {
	TransactionID  TransactionID  `json:"transactionId"`
	Status         Status         `json:"status"`
	FailureMessage FailureMessage `json:"failureMessage,omitempty"`
}

func sumMovements(ms []Movement) decimal.Decimal {
	total := decimal.Zero
	for _, m := range ms {
		total = total.Add(m.Value)
	}
	return total
}

// =============================================================================
// CHART OF ACCOUNTS
// =============================================================================

// Nature says which side of a ledger line increases an account.
type Nature string

const (
	NatureDebit  Nature = "debit"
	NatureCredit Nature = "credit"
)

// CAccount is a chart-of-accounts node. Child lists descendant account
// numbers whose lines roll up into this account's balance.
type CAccount struct {
	No     AccountNo   `json:"no"`
	Name   string      `json:"name"`
	Nature Nature      `json:"nature"`
	Child  []AccountNo `json:"child,omitempty"`
}

// =============================================================================
// CAMPAIGN
// =============================================================================

// Campaign is the fixed budget funding AIRDROP transactions. Its balance
// fields are mutated by the claiming workflow, never by the verifier.
type Campaign struct {
	ID              CampaignID      `json:"id"`
	Name            string          `json:"name"`
	RewardBalance   decimal.Decimal `json:"rewardBalance"`
	TotalRewards    decimal.Decimal `json:"totalRewards"`
	MaxClaims       int             `json:"maxClaims"`
	RewardsPerClaim decimal.Decimal `json:"rewardsPerClaim"`
}
