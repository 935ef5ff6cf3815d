/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface, kept apart from the ledger types so the
  wire contract can evolve without touching the domain model.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every value is a decimal string on output ("12.5"). Input accepts a
  JSON string or number; strings are preferred to avoid float parsing.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/rewards"
)

// =============================================================================
// TRANSFERS AND TRANSACTIONS
// =============================================================================

type MovementDTO struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
	User  string          `json:"user,omitempty"`
}

type EntryDTO struct {
	AccountNo string          `json:"caccountNo"`
	Value     decimal.Decimal `json:"value"`
}

type LedgerLineDTO struct {
	Debit  EntryDTO `json:"debit"`
	Credit EntryDTO `json:"credit"`
}

type TxDataDTO struct {
	Campaign  string `json:"campaign,omitempty"`
	Placement string `json:"placement,omitempty"`
	Note      string `json:"note,omitempty"`
}

// SubmitTransferRequest is the body of POST /api/transfers. Ledgers may be
// omitted; they are then derived from the wallet types.
type SubmitTransferRequest struct {
	Type    string          `json:"type"`
	From    MovementDTO     `json:"from"`
	To      []MovementDTO   `json:"to"`
	Ledgers []LedgerLineDTO `json:"ledgers,omitempty"`
	Data    TxDataDTO       `json:"data"`
}

type TransactionDTO struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	FailureMessage string          `json:"failureMessage,omitempty"`
	From           MovementDTO     `json:"from"`
	To             []MovementDTO   `json:"to"`
	Ledgers        []LedgerLineDTO `json:"ledgers"`
	Data           TxDataDTO       `json:"data"`
	CreatedAt      string          `json:"createdAt"`
	UpdatedAt      string          `json:"updatedAt"`
}

// =============================================================================
// BALANCES
// =============================================================================

type WalletBalanceDTO struct {
	User      string          `json:"user"`
	Wallet    string          `json:"wallet"`
	Inflow    decimal.Decimal `json:"inflow"`
	Outflow   decimal.Decimal `json:"outflow"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
}

type AccountBalanceDTO struct {
	AccountNo string          `json:"caccountNo"`
	Balance   decimal.Decimal `json:"balance"`
}

// =============================================================================
// PLACEMENTS
// =============================================================================

type ContentShareDTO struct {
	ContentID string `json:"contentId"`
	Author    string `json:"author"`
}

type StakeDTO struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

// CreatePlacementRequest registers a charged ad placement for distribution.
type CreatePlacementRequest struct {
	ID            string            `json:"id"`
	Viewer        string            `json:"viewer,omitempty"`
	Contents      []ContentShareDTO `json:"contents"`
	FarmingStakes []StakeDTO        `json:"farmingStakes,omitempty"`
	Cost          decimal.Decimal   `json:"cost"`
}

// RewardPassDTO counts placements by what the pass did with them.
type RewardPassDTO struct {
	Submitted int `json:"submitted"`
	Settled   int `json:"settled"`
	InFlight  int `json:"inFlight"`
	Failed    int `json:"failed"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (m MovementDTO) toLedger() ledger.Movement {
	return ledger.Movement{WalletType: ledger.WalletType(m.Type), Value: m.Value, User: ledger.UserID(m.User)}
}

func movementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{Type: string(m.WalletType), Value: m.Value, User: string(m.User)}
}

func (r SubmitTransferRequest) toLedger() ledger.TransferRequest {
	req := ledger.TransferRequest{
		Type: ledger.TransactionType(r.Type),
		From: r.From.toLedger(),
		Data: ledger.TxData{
			Campaign:  ledger.CampaignID(r.Data.Campaign),
			Placement: ledger.PlacementID(r.Data.Placement),
			Note:      r.Data.Note,
		},
	}
	for _, m := range r.To {
		req.To = append(req.To, m.toLedger())
	}
	for _, l := range r.Ledgers {
		req.Ledgers = append(req.Ledgers, ledger.LedgerLine{
			Debit:  ledger.Entry{AccountNo: ledger.AccountNo(l.Debit.AccountNo), Value: l.Debit.Value},
			Credit: ledger.Entry{AccountNo: ledger.AccountNo(l.Credit.AccountNo), Value: l.Credit.Value},
		})
	}
	return req
}

func transactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(tx.ID),
		Type:           string(tx.Type),
		Status:         string(tx.Status),
		FailureMessage: string(tx.FailureMessage),
		From:           movementDTO(tx.From),
		To:             make([]MovementDTO, 0, len(tx.To)),
		Ledgers:        make([]LedgerLineDTO, 0, len(tx.Ledgers)),
		Data: TxDataDTO{
			Campaign:  string(tx.Data.Campaign),
			Placement: string(tx.Data.Placement),
			Note:      tx.Data.Note,
		},
		CreatedAt: tx.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: tx.UpdatedAt.Format(time.RFC3339Nano),
	}
	for _, m := range tx.To {
		dto.To = append(dto.To, movementDTO(m))
	}
	for _, l := range tx.Ledgers {
		dto.Ledgers = append(dto.Ledgers, LedgerLineDTO{
			Debit:  EntryDTO{AccountNo: string(l.Debit.AccountNo), Value: l.Debit.Value},
			Credit: EntryDTO{AccountNo: string(l.Credit.AccountNo), Value: l.Credit.Value},
		})
	}
	return dto
}

func (r CreatePlacementRequest) toPlacement() rewards.Placement {
	p := rewards.Placement{
		ID:     ledger.PlacementID(r.ID),
		Viewer: ledger.UserID(r.Viewer),
		Cost:   r.Cost,
	}
	for _, c := range r.Contents {
		p.Contents = append(p.Contents, rewards.ContentShare{ContentID: c.ContentID, Author: ledger.UserID(c.Author)})
	}
	for _, s := range r.FarmingStakes {
		p.FarmingStakes = append(p.FarmingStakes, rewards.Stake{User: ledger.UserID(s.User), Amount: s.Amount})
	}
	return p
}
