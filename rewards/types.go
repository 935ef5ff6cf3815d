/*
Package rewards pays out the cost of ad placements to the people who made
them worth something.

PURPOSE:
  An ad placement is charged when it is shown. The charged amount sits in
  the social reward pool (castcle.social) until a distribution pass splits
  it between the viewer, the authors of the content the ad ran against,
  and the users farming (staking on) that content.

FLOW:
  Scheduler tick
    -> Distributor.RunPass
       -> ListUndistributedPlacements (batch)
       -> per placement, bounded + rate limited, by its existing payouts:
          VERIFIED          -> MarkPlacementDistributed
          PENDING           -> ClaimPlacement, wait for the verifier
          none, all FAILED  -> Split -> Transfers.Submit(reward_distribution)
                               -> ClaimPlacement

  Verifier completion
    -> Distributor.Settle
       VERIFIED payout -> MarkPlacementDistributed
       FAILED payout   -> placement stays undistributed for the next pass

  Each distribution is an ordinary ledger transaction and goes through the
  same pre-check and verifier as every other transfer. A placement is
  complete only when its payout is VERIFIED.

SEE ALSO:
  - split.go:       Share formula
  - distributor.go: Pass runner
  - scheduler.go:   Ticker
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/castcle/ledger-engine/ledger"
)

var (
	ErrPlacementNotFound = errors.New("placement not found")
	ErrInvalidPlacement  = errors.New("invalid placement")
	ErrInvalidShares     = errors.New("reward shares must be non-negative and sum to 1")
)

// ContentShare is one piece of content the ad ran against.
type ContentShare struct {
	ContentID string        `json:"contentId"`
	Author    ledger.UserID `json:"author"`
}

// Stake is a user's farming position on the placement's content.
type Stake struct {
	User   ledger.UserID   `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

// Placement is a charged ad impression awaiting distribution. TransactionID
// is the latest payout submitted for it; DistributedAt is set only once that
// payout is VERIFIED.
type Placement struct {
	ID            ledger.PlacementID   `json:"id"`
	Viewer        ledger.UserID        `json:"viewer,omitempty"`
	Contents      []ContentShare       `json:"contents"`
	FarmingStakes []Stake              `json:"farmingStakes,omitempty"`
	Cost          decimal.Decimal      `json:"cost"`
	TransactionID ledger.TransactionID `json:"transactionId,omitempty"`
	DistributedAt *time.Time           `json:"distributedAt,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

func (p Placement) Distributed() bool { return p.DistributedAt != nil }

// Validate rejects placements whose payout would carry a personal-wallet
// movement without a user. Such a payout passes the pre-check (the pool
// source has no balance to check) and then fails verification every time.
// An empty Viewer means the placement had no viewer.
func (p Placement) Validate() error {
	if !p.Cost.IsPositive() {
		return fmt.Errorf("%w: cost must be positive", ErrInvalidPlacement)
	}
	if len(p.Contents) == 0 {
		return fmt.Errorf("%w: no content authors", ErrInvalidPlacement)
	}
	for _, c := range p.Contents {
		if c.Author == "" {
			return fmt.Errorf("%w: content %s has no author", ErrInvalidPlacement, c.ContentID)
		}
	}
	for i, st := range p.FarmingStakes {
		if st.User == "" {
			return fmt.Errorf("%w: farming stake %d has no user", ErrInvalidPlacement, i)
		}
		if st.Amount.IsNegative() {
			return fmt.Errorf("%w: farming stake of %s is negative", ErrInvalidPlacement, st.User)
		}
	}
	return nil
}

// PlacementStore persists placements and their distribution marker.
type PlacementStore interface {
	SavePlacement(ctx context.Context, p Placement) error

	// ListUndistributedPlacements returns up to limit placements with no
	// DistributedAt, oldest first. Placements with a payout in flight are
	// included.
	ListUndistributedPlacements(ctx context.Context, limit int) ([]Placement, error)

	// ClaimPlacement sets TransactionID to the in-flight payout and leaves
	// DistributedAt unset. It returns ErrPlacementNotFound for unknown ids.
	ClaimPlacement(ctx context.Context, id ledger.PlacementID, txID ledger.TransactionID) error

	// MarkPlacementDistributed records the verified payout. It returns
	// ErrPlacementNotFound for unknown ids.
	MarkPlacementDistributed(ctx context.Context, id ledger.PlacementID, txID ledger.TransactionID, at time.Time) error
}
