package ledger

import (
	"context"
	"errors"
)

// =============================================================================
// CHART-OF-ACCOUNTS RESOLVER
// =============================================================================

// AccountSet is an account together with every account rolling up into it.
type AccountSet struct {
	Self        CAccount
	Descendants []CAccount
}

// Numbers returns self followed by every descendant number.
func (s AccountSet) Numbers() []AccountNo {
	out := make([]AccountNo, 0, len(s.Descendants)+1)
	out = append(out, s.Self.No)
	for _, d := range s.Descendants {
		out = append(out, d.No)
	}
	return out
}

// ChartResolver resolves account numbers against the chart of accounts.
type ChartResolver struct {
	Store Store
}

func NewChartResolver(store Store) *ChartResolver {
	return &ChartResolver{Store: store}
}

// FindChildAccounts returns the account and all of its descendants.
// Child lists are followed transitively so a parent only needs to name its
// direct children, though flattened lists work too.
//
// Returns ErrAccountNotFound if no is unknown, and a *ChartError if any
// listed descendant is unknown.
func (r *ChartResolver) FindChildAccounts(ctx context.Context, no AccountNo) (AccountSet, error) {
	self, err := r.Store.FindCAccount(ctx, no)
	if err != nil {
		return AccountSet{}, err
	}

	set := AccountSet{Self: self}
	seen := map[AccountNo]bool{self.No: true}

	type pending struct {
		parent AccountNo
		child  AccountNo
	}
	var queue []pending
	for _, c := range self.Child {
		queue = append(queue, pending{parent: self.No, child: c})
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next.child] {
			continue
		}
		seen[next.child] = true

		acc, err := r.Store.FindCAccount(ctx, next.child)
		if errors.Is(err, ErrAccountNotFound) {
			return AccountSet{}, &ChartError{Parent: next.parent, Missing: next.child}
		}
		if err != nil {
			return AccountSet{}, err
		}
		set.Descendants = append(set.Descendants, acc)
		for _, c := range acc.Child {
			queue = append(queue, pending{parent: acc.No, child: c})
		}
	}
	return set, nil
}
