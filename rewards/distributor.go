package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/castcle/ledger-engine/ledger"
)

// Submitter is the transfer entry point rewards are paid through.
type Submitter interface {
	Submit(ctx context.Context, req ledger.TransferRequest) (ledger.Transaction, error)
}

// TransactionFinder reads earlier payouts so a placement is never paid twice.
type TransactionFinder interface {
	GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error)
	FindTransactions(ctx context.Context, q ledger.Query) ([]ledger.Transaction, error)
}

// Recorder observes distribution results.
type Recorder interface {
	RewardDistribution(result string)
}

const (
	ResultSubmitted    = "submitted"
	ResultSettled      = "settled"
	ResultInFlight     = "in_flight"
	ResultFailed       = "failed"
	ResultPayoutFailed = "payout_failed"
)

// ErrPayoutAttemptsExhausted is returned for a placement whose payouts kept
// failing verification. It stays undistributed for an operator to inspect.
var ErrPayoutAttemptsExhausted = errors.New("reward payout failed verification too many times")

// PassResult summarizes one distribution pass.
type PassResult struct {
	Submitted int
	Settled   int
	InFlight  int
	Failed    int
}

// =============================================================================
// DISTRIBUTOR
// =============================================================================

type Distributor struct {
	Placements   PlacementStore
	Transactions TransactionFinder
	Transfers    Submitter
	Shares       Shares

	// BatchSize caps placements fetched per pass.
	BatchSize int

	// Parallelism caps placements in flight.
	Parallelism int

	// MaxPayoutAttempts caps FAILED payouts per placement. Zero means no cap.
	MaxPayoutAttempts int

	// Limiter paces submissions. Nil means unlimited.
	Limiter *rate.Limiter

	Log      *slog.Logger
	Recorder Recorder
	Now      func() time.Time
}

func NewDistributor(placements PlacementStore, txs TransactionFinder, transfers Submitter, shares Shares) *Distributor {
	return &Distributor{
		Placements:        placements,
		Transactions:      txs,
		Transfers:         transfers,
		Shares:            shares,
		BatchSize:         100,
		Parallelism:       4,
		MaxPayoutAttempts: 5,
		Log:               slog.Default(),
		Now:               func() time.Time { return time.Now().UTC() },
	}
}

// RunPass works through one batch of undistributed placements. A placement
// that fails is logged and stays undistributed for the next pass. The error
// is non-nil only when the batch could not be listed or ctx ended.
func (d *Distributor) RunPass(ctx context.Context) (PassResult, error) {
	placements, err := d.Placements.ListUndistributedPlacements(ctx, d.BatchSize)
	if err != nil {
		return PassResult{}, fmt.Errorf("list placements: %w", err)
	}
	if len(placements) == 0 {
		return PassResult{}, nil
	}

	var submitted, settled, inFlight, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if d.Parallelism > 0 {
		g.SetLimit(d.Parallelism)
	}
	for _, p := range placements {
		p := p
		g.Go(func() error {
			if d.Limiter != nil {
				if err := d.Limiter.Wait(gctx); err != nil {
					return err
				}
			}
			result, err := d.Distribute(gctx, p)
			d.record(result)
			if err != nil {
				failed.Add(1)
				d.Log.Error("reward_distribution_failed",
					slog.String("placement", string(p.ID)),
					slog.Any("err", err))
				return nil
			}
			switch result {
			case ResultSubmitted:
				submitted.Add(1)
			case ResultSettled:
				settled.Add(1)
			case ResultInFlight:
				inFlight.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	res := PassResult{
		Submitted: int(submitted.Load()),
		Settled:   int(settled.Load()),
		InFlight:  int(inFlight.Load()),
		Failed:    int(failed.Load()),
	}
	d.Log.Info("reward_pass_completed",
		slog.Int("submitted", res.Submitted),
		slog.Int("settled", res.Settled),
		slog.Int("in_flight", res.InFlight),
		slog.Int("failed", res.Failed))
	return res, err
}

// Distribute moves one placement forward according to its payouts so far:
//
//	a VERIFIED payout      -> mark the placement distributed
//	a PENDING payout       -> record it as in flight and wait
//	none, or only FAILED   -> submit a new payout and record it as in flight
func (d *Distributor) Distribute(ctx context.Context, p Placement) (string, error) {
	if p.Distributed() {
		return ResultSettled, nil
	}

	payouts, err := d.Transactions.FindTransactions(ctx, ledger.Query{
		Type:      ledger.TxRewardDistribution,
		Placement: p.ID,
	})
	if err != nil {
		return ResultFailed, err
	}

	var pending *ledger.Transaction
	failedPayouts := 0
	for i := range payouts {
		switch payouts[i].Status {
		case ledger.StatusVerified:
			if err := d.Placements.MarkPlacementDistributed(ctx, p.ID, payouts[i].ID, d.Now()); err != nil {
				return ResultFailed, err
			}
			return ResultSettled, nil
		case ledger.StatusPending:
			pending = &payouts[i]
		case ledger.StatusFailed:
			failedPayouts++
		}
	}
	if pending != nil {
		if p.TransactionID != pending.ID {
			if err := d.Placements.ClaimPlacement(ctx, p.ID, pending.ID); err != nil {
				return ResultFailed, err
			}
		}
		return ResultInFlight, nil
	}
	if failedPayouts > 0 {
		if d.MaxPayoutAttempts > 0 && failedPayouts >= d.MaxPayoutAttempts {
			return ResultFailed, fmt.Errorf("placement %s: %w", p.ID, ErrPayoutAttemptsExhausted)
		}
		d.Log.Warn("reward_payout_retry",
			slog.String("placement", string(p.ID)),
			slog.Int("failed_payouts", failedPayouts))
	}

	to, err := Split(p, d.Shares)
	if err != nil {
		return ResultFailed, err
	}

	tx, err := d.Transfers.Submit(ctx, ledger.TransferRequest{
		Type: ledger.TxRewardDistribution,
		From: ledger.Movement{WalletType: ledger.WalletCastcleSocial, Value: p.Cost},
		To:   to,
		Data: ledger.TxData{Placement: p.ID},
	})
	// Submit returns the persisted transaction even when enqueueing failed.
	if err != nil && tx.ID == "" {
		return ResultFailed, err
	}
	if claimErr := d.Placements.ClaimPlacement(ctx, p.ID, tx.ID); claimErr != nil {
		return ResultFailed, errors.Join(err, claimErr)
	}
	if err != nil {
		d.Log.Warn("reward_enqueue_deferred",
			slog.String("placement", string(p.ID)),
			slog.String("transaction", string(tx.ID)),
			slog.Any("err", err))
	}

	d.Log.Info("reward_submitted",
		slog.String("placement", string(p.ID)),
		slog.String("transaction", string(tx.ID)),
		slog.Int("recipients", len(to)))
	return ResultSubmitted, nil
}

// Settle has the shape of ledger.CompletionFunc. A VERIFIED payout marks
// its placement distributed straight away; a FAILED one leaves the
// placement listed so the next pass submits a fresh payout.
func (d *Distributor) Settle(ctx context.Context, o ledger.Outcome) {
	tx, err := d.Transactions.GetTransaction(ctx, o.TransactionID)
	if err != nil {
		d.Log.Error("reward_settle_failed", slog.String("transaction", string(o.TransactionID)), slog.Any("err", err))
		return
	}
	if tx.Type != ledger.TxRewardDistribution || tx.Data.Placement == "" {
		return
	}

	switch o.Status {
	case ledger.StatusVerified:
		if err := d.Placements.MarkPlacementDistributed(ctx, tx.Data.Placement, tx.ID, d.Now()); err != nil {
			// The next pass finds the VERIFIED payout and marks it then.
			d.Log.Error("reward_settle_failed",
				slog.String("placement", string(tx.Data.Placement)),
				slog.String("transaction", string(tx.ID)),
				slog.Any("err", err))
			return
		}
		d.record(ResultSettled)
	case ledger.StatusFailed:
		d.Log.Warn("reward_payout_failed",
			slog.String("placement", string(tx.Data.Placement)),
			slog.String("transaction", string(tx.ID)),
			slog.String("failure", string(o.FailureMessage)))
		d.record(ResultPayoutFailed)
	}
}

func (d *Distributor) record(result string) {
	if d.Recorder != nil {
		d.Recorder.RewardDistribution(result)
	}
}
