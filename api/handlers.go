/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes transfer submission and balance queries over REST. Handles HTTP
  request/response and JSON serialization, and delegates to the ledger.

ENDPOINTS:
  Transfers:
    POST   /api/transfers                   Submit a transfer (202, verified async)
    GET    /api/transactions/{id}           Transaction with its current status

  Balances:
    GET    /api/users/{id}/balance?wallet=  Decomposed wallet balance
    GET    /api/users/{id}/transactions     Every transaction touching the user
    GET    /api/accounts/{no}/balance       Chart-of-accounts balance

  Rewards:
    POST   /api/placements                  Register a charged ad placement
    POST   /api/admin/rewards/run           Run one distribution pass now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, unknown wallet or transaction type
  - 404: Unknown transaction or account
  - 409: Duplicate id
  - 422: Transfer rejected by the pre-check (reason in body)
  - 500: Internal errors

  A transfer persisted but not enqueued still answers 202: it is PENDING
  and is re-enqueued at the next startup.

SECURITY NOTE:
  No authentication. Intended to sit behind the platform's gateway.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// TransferSubmitter is implemented by ledger.Transfers.
type TransferSubmitter interface {
	Submit(ctx context.Context, req ledger.TransferRequest) (ledger.Transaction, error)
}

// BalanceReader is implemented by ledger.BalanceEngine.
type BalanceReader interface {
	AccountBalance(ctx context.Context, no ledger.AccountNo) (decimal.Decimal, error)
	WalletBalance(ctx context.Context, user ledger.UserID, wallet ledger.WalletType) (ledger.WalletBalance, error)
}

// RewardRunner is implemented by rewards.Scheduler.
type RewardRunner interface {
	RunNow(ctx context.Context) (rewards.PassResult, error)
}

// Handler holds all dependencies for HTTP handlers. Placements and Rewards
// are optional; their routes answer 501 when nil.
type Handler struct {
	Store      ledger.Store
	Transfers  TransferSubmitter
	Balances   BalanceReader
	Placements rewards.PlacementStore
	Rewards    RewardRunner
	Log        *slog.Logger
}

func NewHandler(store ledger.Store, transfers TransferSubmitter, balances BalanceReader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Store:     store,
		Transfers: transfers,
		Balances:  balances,
		Log:       log.With(slog.String("component", "api")),
	}
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// SubmitTransfer validates and queues a transfer.
// POST /api/transfers
func (h *Handler) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if msg := validateWallets(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg, nil)
		return
	}

	tx, err := h.Transfers.Submit(r.Context(), req.toLedger())
	if err != nil && tx.ID != "" {
		h.Log.Warn("transfer_enqueue_deferred", slog.String("transaction", string(tx.ID)), slog.Any("err", err))
		writeJSON(w, http.StatusAccepted, transactionDTO(tx))
		return
	}
	if err != nil {
		h.writeLedgerError(w, "Transfer not accepted", err)
		return
	}

	writeJSON(w, http.StatusAccepted, transactionDTO(tx))
}

// GetTransaction returns a transaction and its current status.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, transactionDTO(tx))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetWalletBalance returns the decomposed balance of one user wallet.
// GET /api/users/{id}/balance?wallet=personal
func (h *Handler) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "id"))
	wallet := ledger.WalletType(r.URL.Query().Get("wallet"))
	if wallet == "" {
		wallet = ledger.WalletPersonal
	}
	if !wallet.IsUserWallet() {
		writeError(w, http.StatusBadRequest, "wallet must be one of personal, ads, farm.locked", nil)
		return
	}

	b, err := h.Balances.WalletBalance(r.Context(), user, wallet)
	if err != nil {
		h.writeLedgerError(w, "Failed to compute balance", err)
		return
	}

	writeJSON(w, http.StatusOK, WalletBalanceDTO{
		User:      string(user),
		Wallet:    string(wallet),
		Inflow:    b.Inflow,
		Outflow:   b.Outflow,
		Locked:    b.Locked,
		Available: b.Available(),
	})
}

// GetUserTransactions lists every transaction the user appears in, oldest first.
// GET /api/users/{id}/transactions
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	q := ledger.Query{User: ledger.UserID(chi.URLParam(r, "id"))}
	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		q.WalletType = ledger.WalletType(wallet)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		q.Statuses = []ledger.Status{ledger.Status(status)}
	}

	txs, err := h.Store.FindTransactions(r.Context(), q)
	if err != nil {
		h.writeLedgerError(w, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = transactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccountBalance returns the balance of a chart-of-accounts node and
// everything under it.
// GET /api/accounts/{no}/balance
func (h *Handler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	no := ledger.AccountNo(chi.URLParam(r, "no"))

	balance, err := h.Balances.AccountBalance(r.Context(), no)
	if err != nil {
		h.writeLedgerError(w, "Failed to compute account balance", err)
		return
	}

	writeJSON(w, http.StatusOK, AccountBalanceDTO{AccountNo: string(no), Balance: balance})
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// CreatePlacement records a charged placement for the next distribution pass.
// POST /api/placements
func (h *Handler) CreatePlacement(w http.ResponseWriter, r *http.Request) {
	if h.Placements == nil {
		writeError(w, http.StatusNotImplemented, "Reward distribution is not configured", nil)
		return
	}

	var req CreatePlacementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	p := req.toPlacement()
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid placement", err)
		return
	}

	if err := h.Placements.SavePlacement(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save placement", err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// RunRewards triggers a distribution pass outside the schedule.
// POST /api/admin/rewards/run
func (h *Handler) RunRewards(w http.ResponseWriter, r *http.Request) {
	if h.Rewards == nil {
		writeError(w, http.StatusNotImplemented, "Reward distribution is not configured", nil)
		return
	}

	res, err := h.Rewards.RunNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reward pass failed", err)
		return
	}

	writeJSON(w, http.StatusOK, RewardPassDTO{
		Submitted: res.Submitted,
		Settled:   res.Settled,
		InFlight:  res.InFlight,
		Failed:    res.Failed,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func validateWallets(req SubmitTransferRequest) string {
	if !ledger.TransactionType(req.Type).Valid() {
		return "Unknown transaction type: " + req.Type
	}
	if !ledger.WalletType(req.From.Type).Valid() {
		return "Unknown wallet type: " + req.From.Type
	}
	for _, m := range req.To {
		if !ledger.WalletType(m.Type).Valid() {
			return "Unknown wallet type: " + m.Type
		}
	}
	return ""
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	var rejected *ledger.TransferRejectedError
	switch {
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   message,
			Reason:  string(rejected.Reason),
			Details: err.Error(),
		})
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.Error("request_failed", slog.String("message", message), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
