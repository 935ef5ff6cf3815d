package rewards_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/rewards"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func amounts(ms []ledger.Movement) map[ledger.UserID]string {
	out := make(map[ledger.UserID]string, len(ms))
	for _, m := range ms {
		out[m.User] = m.Value.String()
	}
	return out
}

func sum(ms []ledger.Movement) decimal.Decimal {
	total := decimal.Zero
	for _, m := range ms {
		total = total.Add(m.Value)
	}
	return total
}

func TestSplit_DefaultShares(t *testing.T) {
	// GIVEN: Cost 100, one viewer, two creators, two farmers staking 3:1
	// THEN: viewer 10, creators 25 each, farmers 30 and 10

	p := rewards.Placement{
		ID:       "p-1",
		Viewer:   "viewer",
		Contents: []rewards.ContentShare{{ContentID: "c1", Author: "alice"}, {ContentID: "c2", Author: "bob"}},
		FarmingStakes: []rewards.Stake{
			{User: "f1", Amount: dec("300")},
			{User: "f2", Amount: dec("100")},
		},
		Cost: dec("100"),
	}

	to, err := rewards.Split(p, rewards.DefaultShares())

	require.NoError(t, err)
	assert.Equal(t, map[ledger.UserID]string{
		"viewer": "10", "alice": "25", "bob": "25", "f1": "30", "f2": "10",
	}, amounts(to))
	for _, m := range to {
		assert.Equal(t, ledger.WalletPersonal, m.WalletType)
	}
}

func TestSplit_RemainderGoesToFirstCreator(t *testing.T) {
	// GIVEN: Cost 1 split between three creators, no viewer, no farmers
	// THEN: 0.33333333 each, first creator takes the leftover unit

	p := rewards.Placement{
		Contents: []rewards.ContentShare{{Author: "a"}, {Author: "b"}, {Author: "c"}},
		Cost:     dec("1"),
	}

	to, err := rewards.Split(p, rewards.DefaultShares())

	require.NoError(t, err)
	assert.Equal(t, map[ledger.UserID]string{
		"a": "0.33333334", "b": "0.33333333", "c": "0.33333333",
	}, amounts(to))
	assert.True(t, sum(to).Equal(dec("1")))
}

func TestSplit_TruncatesToEightPlaces(t *testing.T) {
	p := rewards.Placement{
		Viewer:        "v",
		Contents:      []rewards.ContentShare{{Author: "a"}},
		FarmingStakes: []rewards.Stake{{User: "f1", Amount: dec("1")}, {User: "f2", Amount: dec("2")}},
		Cost:          dec("0.00000007"),
	}

	to, err := rewards.Split(p, rewards.DefaultShares())

	require.NoError(t, err)
	for _, m := range to {
		assert.LessOrEqual(t, -m.Value.Exponent(), int32(8), "value %s", m.Value)
		assert.True(t, m.Value.IsPositive(), "zero recipients are omitted")
	}
	assert.True(t, sum(to).Equal(p.Cost), "sum %s", sum(to))
}

func TestSplit_MergesRepeatedRecipients(t *testing.T) {
	// GIVEN: The viewer also authored the content
	p := rewards.Placement{
		Viewer:   "alice",
		Contents: []rewards.ContentShare{{Author: "alice"}},
		Cost:     dec("10"),
	}

	to, err := rewards.Split(p, rewards.DefaultShares())

	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.True(t, to[0].Value.Equal(dec("10")))
}

func TestSplit_InvalidPlacement(t *testing.T) {
	tests := []struct {
		name string
		p    rewards.Placement
	}{
		{"zero cost", rewards.Placement{Contents: []rewards.ContentShare{{Author: "a"}}, Cost: decimal.Zero}},
		{"no contents", rewards.Placement{Cost: dec("1")}},
		{"content without author", rewards.Placement{Contents: []rewards.ContentShare{{ContentID: "c"}}, Cost: dec("1")}},
		{"stake without user", rewards.Placement{
			Contents:      []rewards.ContentShare{{Author: "a"}},
			FarmingStakes: []rewards.Stake{{User: "f1", Amount: dec("1")}, {Amount: dec("5")}},
			Cost:          dec("10"),
		}},
		{"negative stake", rewards.Placement{
			Contents:      []rewards.ContentShare{{Author: "a"}},
			FarmingStakes: []rewards.Stake{{User: "f1", Amount: dec("-1")}},
			Cost:          dec("10"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rewards.Split(tt.p, rewards.DefaultShares())
			assert.ErrorIs(t, err, rewards.ErrInvalidPlacement)
		})
	}
}

func TestSplit_NoViewerPaysOnlyNamedUsers(t *testing.T) {
	// GIVEN: A placement shown without a known viewer
	// WHEN: It is split
	// THEN: The viewer share falls to the creator and every movement names a user

	p := rewards.Placement{
		Contents:      []rewards.ContentShare{{ContentID: "c", Author: "a"}},
		FarmingStakes: []rewards.Stake{{User: "f1", Amount: dec("1")}},
		Cost:          dec("10"),
	}

	ms, err := rewards.Split(p, rewards.DefaultShares())
	require.NoError(t, err)

	assert.Equal(t, map[ledger.UserID]string{"a": "6", "f1": "4"}, amounts(ms))
	for _, m := range ms {
		assert.NotEmpty(t, m.User)
		assert.Equal(t, ledger.WalletPersonal, m.WalletType)
	}
}

func TestShares_Validate(t *testing.T) {
	assert.NoError(t, rewards.DefaultShares().Validate())

	bad := rewards.DefaultShares()
	bad.Farming = dec("0.5")
	assert.ErrorIs(t, bad.Validate(), rewards.ErrInvalidShares)

	negative := rewards.Shares{Viewer: dec("-0.1"), Creator: dec("0.7"), Farming: dec("0.4")}
	assert.ErrorIs(t, negative.Validate(), rewards.ErrInvalidShares)
}
