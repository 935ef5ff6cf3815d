package rewards

import (
	"github.com/shopspring/decimal"

	"github.com/castcle/ledger-engine/ledger"
)

// Precision is the number of decimal places reward amounts are truncated to.
const Precision int32 = 8

// =============================================================================
// SHARES
// =============================================================================

// Shares is the fraction of a placement's cost each party receives.
type Shares struct {
	Viewer  decimal.Decimal
	Creator decimal.Decimal
	Farming decimal.Decimal
}

func DefaultShares() Shares {
	return Shares{
		Viewer:  decimal.RequireFromString("0.1"),
		Creator: decimal.RequireFromString("0.5"),
		Farming: decimal.RequireFromString("0.4"),
	}
}

func (s Shares) Validate() error {
	if s.Viewer.IsNegative() || s.Creator.IsNegative() || s.Farming.IsNegative() {
		return ErrInvalidShares
	}
	if !s.Viewer.Add(s.Creator).Add(s.Farming).Equal(decimal.NewFromInt(1)) {
		return ErrInvalidShares
	}
	return nil
}

// =============================================================================
// SPLIT
// =============================================================================

// Split divides p.Cost into personal-wallet recipients.
//
//	viewer   = trunc(cost * viewer share)
//	farmer_i = trunc(cost * farming share * stake_i / total stake)
//	creators = cost - viewer - sum(farmer_i), split evenly, remainder to
//	           the first author
//
// With no viewer or no positive stake, those shares fall to the creators.
// Recipients appearing more than once are merged. Zero amounts are omitted,
// and the result always sums to exactly p.Cost.
func Split(p Placement, s Shares) ([]ledger.Movement, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	out := newRecipients()

	viewerAmt := decimal.Zero
	if p.Viewer != "" {
		viewerAmt = p.Cost.Mul(s.Viewer).Truncate(Precision)
		out.add(p.Viewer, viewerAmt)
	}

	farmed := decimal.Zero
	totalStake := decimal.Zero
	for _, st := range p.FarmingStakes {
		if st.Amount.IsPositive() {
			totalStake = totalStake.Add(st.Amount)
		}
	}
	if totalStake.IsPositive() {
		pool := p.Cost.Mul(s.Farming)
		for _, st := range p.FarmingStakes {
			if !st.Amount.IsPositive() {
				continue
			}
			amt := pool.Mul(st.Amount).Div(totalStake).Truncate(Precision)
			out.add(st.User, amt)
			farmed = farmed.Add(amt)
		}
	}

	creatorTotal := p.Cost.Sub(viewerAmt).Sub(farmed)
	n := decimal.NewFromInt(int64(len(p.Contents)))
	each := creatorTotal.Div(n).Truncate(Precision)
	first := creatorTotal.Sub(each.Mul(n.Sub(decimal.NewFromInt(1))))
	for i, c := range p.Contents {
		if i == 0 {
			out.add(c.Author, first)
			continue
		}
		out.add(c.Author, each)
	}

	return out.movements(), nil
}

// recipients accumulates amounts per user in first-seen order.
type recipients struct {
	order  []ledger.UserID
	amount map[ledger.UserID]decimal.Decimal
}

func newRecipients() *recipients {
	return &recipients{amount: make(map[ledger.UserID]decimal.Decimal)}
}

func (r *recipients) add(user ledger.UserID, v decimal.Decimal) {
	if _, ok := r.amount[user]; !ok {
		r.order = append(r.order, user)
	}
	r.amount[user] = r.amount[user].Add(v)
}

func (r *recipients) movements() []ledger.Movement {
	out := make([]ledger.Movement, 0, len(r.order))
	for _, u := range r.order {
		v := r.amount[u]
		if v.IsZero() {
			continue
		}
		out = append(out, ledger.Movement{WalletType: ledger.WalletPersonal, Value: v, User: u})
	}
	return out
}
