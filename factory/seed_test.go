package factory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castcle/ledger-engine/ledger"
	"github.com/castcle/ledger-engine/ledger/store"
)

func defaultAccountsJSON(t *testing.T) []AccountJSON {
	t.Helper()
	return NewSeedFactory().ToJSON(DefaultSeed()).Accounts
}

func TestParseSeed_CampaignsWithDefaultChart(t *testing.T) {
	// GIVEN: A seed file that only opens a campaign
	data := []byte(`{
		"campaigns": [{
			"id": "launch",
			"name": "Launch airdrop",
			"reward_balance": "1000.5",
			"total_rewards": "1000.5",
			"max_claims": 100,
			"rewards_per_claim": "10"
		}]
	}`)

	// WHEN: Parsing
	seed, err := NewSeedFactory().ParseSeed(data)

	// THEN: The default chart is used and the campaign amounts are exact
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultChart(), seed.Accounts)
	require.Len(t, seed.Campaigns, 1)
	assert.True(t, seed.Campaigns[0].RewardBalance.Equal(decimal.RequireFromString("1000.5")))
	assert.Equal(t, 100, seed.Campaigns[0].MaxClaims)
}

func TestParseSeed_CustomChartRoundTrip(t *testing.T) {
	f := NewSeedFactory()
	sj := SeedJSON{Accounts: defaultAccountsJSON(t)}
	sj.Accounts = append(sj.Accounts, AccountJSON{No: "5200", Name: "Marketing", Nature: "debit"})

	raw, err := json.Marshal(sj)
	require.NoError(t, err)
	seed, err := f.ParseSeed(raw)
	require.NoError(t, err)

	assert.Len(t, seed.Accounts, len(ledger.DefaultChart())+1)
	assert.Equal(t, sj, f.ToJSON(seed))
}

func TestParseSeed_Rejections(t *testing.T) {
	withAccounts := func(mutate func([]AccountJSON) []AccountJSON) SeedJSON {
		return SeedJSON{Accounts: mutate(defaultAccountsJSON(t))}
	}

	tests := []struct {
		name string
		seed SeedJSON
		msg  string
	}{
		{
			"duplicate account",
			withAccounts(func(a []AccountJSON) []AccountJSON { return append(a, a[0]) }),
			"defined twice",
		},
		{
			"bad nature",
			withAccounts(func(a []AccountJSON) []AccountJSON { a[1].Nature = "asset"; return a }),
			"must be debit or credit",
		},
		{
			"unknown child",
			withAccounts(func(a []AccountJSON) []AccountJSON { a[0].Child = append(a[0].Child, "1999"); return a }),
			"lists unknown child 1999",
		},
		{
			"cycle",
			withAccounts(func(a []AccountJSON) []AccountJSON { a[1].Child = []string{a[0].No}; return a }),
			"its own descendant",
		},
		{
			"wallet account missing",
			SeedJSON{Accounts: []AccountJSON{{No: "2100", Name: "Personal", Nature: "credit"}}},
			"wallet accounts not defined",
		},
		{
			"negative campaign balance",
			SeedJSON{Campaigns: []CampaignJSON{{ID: "c", RewardBalance: "-1"}}},
			"reward_balance",
		},
		{
			"duplicate campaign",
			SeedJSON{Campaigns: []CampaignJSON{{ID: "c"}, {ID: "c"}}},
			"campaign c defined twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSeedFactory().FromJSON(tt.seed)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSeed)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseSeed_UnknownChildIsChartError(t *testing.T) {
	sj := SeedJSON{Accounts: defaultAccountsJSON(t)}
	sj.Accounts[0].Child = []string{"0001"}

	_, err := NewSeedFactory().FromJSON(sj)

	assert.ErrorIs(t, err, ledger.ErrChartMisconfigured)
}

func TestParseSeed_MalformedJSON(t *testing.T) {
	_, err := NewSeedFactory().ParseSeed([]byte(`{"accounts": [`))

	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestSeedApply_MakesCampaignsVisibleToLedger(t *testing.T) {
	st := store.NewMemory()
	seed, err := NewSeedFactory().FromJSON(SeedJSON{Campaigns: []CampaignJSON{{
		ID: "launch", Name: "Launch", RewardBalance: "50", TotalRewards: "50", MaxClaims: 5, RewardsPerClaim: "10",
	}}})
	require.NoError(t, err)

	require.NoError(t, seed.Apply(context.Background(), st))

	c, err := st.FindCampaign(context.Background(), "launch")
	require.NoError(t, err)
	assert.True(t, c.RewardBalance.Equal(decimal.NewFromInt(50)))

	balance, err := ledger.NewBalanceEngine(st).AccountBalance(context.Background(), ledger.AccountUserLiabilities)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}
