/*
Package factory provides JSON to Go conversion of ledger reference data.

PURPOSE:
  Converts a JSON seed file into the chart of accounts and the airdrop
  campaigns the verifier reads. Operators can change the chart or open a
  campaign without a code change.

JSON SCHEMA:
  {
    "accounts": [
      {"no": "2000", "name": "User wallets", "nature": "credit", "child": ["2100", "2200", "2300"]},
      {"no": "2100", "name": "Personal wallets", "nature": "credit"}
    ],
    "campaigns": [
      {
        "id": "launch-2025",
        "name": "Launch airdrop",
        "reward_balance": "100000",
        "total_rewards": "100000",
        "max_claims": 10000,
        "rewards_per_claim": "10"
      }
    ]
  }

VALIDATION:
  - Account numbers are unique and natures are debit or credit
  - Every child is a defined account, and no account is its own ancestor
  - Every account a wallet type posts to is defined
  - Campaign ids are unique and amounts are non-negative decimals

  When "accounts" is omitted the default chart is used.

USAGE:
  f := factory.NewSeedFactory()
  seed, err := f.ParseSeed(data)
  if err != nil { ... }
  err = seed.Apply(ctx, store)
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/castcle/ledger-engine/ledger"
)

// ErrInvalidSeed wraps every validation failure.
var ErrInvalidSeed = errors.New("invalid seed")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type SeedJSON struct {
	Accounts  []AccountJSON  `json:"accounts,omitempty"`
	Campaigns []CampaignJSON `json:"campaigns,omitempty"`
}

type AccountJSON struct {
	No     string   `json:"no"`
	Name   string   `json:"name"`
	Nature string   `json:"nature"`
	Child  []string `json:"child,omitempty"`
}

// CampaignJSON takes amounts as strings so no value passes through float64.
type CampaignJSON struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	RewardBalance   string `json:"reward_balance"`
	TotalRewards    string `json:"total_rewards"`
	MaxClaims       int    `json:"max_claims"`
	RewardsPerClaim string `json:"rewards_per_claim"`
}

// Seed is validated reference data ready to be written to a store.
type Seed struct {
	Accounts  []ledger.CAccount
	Campaigns []ledger.Campaign
}

// DefaultSeed is the default chart with no campaigns.
func DefaultSeed() Seed {
	return Seed{Accounts: ledger.DefaultChart()}
}

// Apply upserts every account and campaign.
func (s Seed) Apply(ctx context.Context, store ledger.AdminStore) error {
	for _, a := range s.Accounts {
		if err := store.SaveCAccount(ctx, a); err != nil {
			return fmt.Errorf("seed account %s: %w", a.No, err)
		}
	}
	for _, c := range s.Campaigns {
		if err := store.SaveCampaign(ctx, c); err != nil {
			return fmt.Errorf("seed campaign %s: %w", c.ID, err)
		}
	}
	return nil
}

// =============================================================================
// SEED FACTORY
// =============================================================================

// SeedFactory converts JSON seed files to ledger reference data.
type SeedFactory struct{}

func NewSeedFactory() *SeedFactory {
	return &SeedFactory{}
}

// ParseSeed parses and validates a JSON seed document.
func (f *SeedFactory) ParseSeed(data []byte) (Seed, error) {
	var sj SeedJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return Seed{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return f.FromJSON(sj)
}

// FromJSON validates sj and converts it.
func (f *SeedFactory) FromJSON(sj SeedJSON) (Seed, error) {
	var seed Seed

	if len(sj.Accounts) == 0 {
		seed.Accounts = ledger.DefaultChart()
	} else {
		accounts, err := parseAccounts(sj.Accounts)
		if err != nil {
			return Seed{}, err
		}
		seed.Accounts = accounts
	}

	campaigns, err := parseCampaigns(sj.Campaigns)
	if err != nil {
		return Seed{}, err
	}
	seed.Campaigns = campaigns
	return seed, nil
}

// ToJSON is the inverse of FromJSON.
func (f *SeedFactory) ToJSON(seed Seed) SeedJSON {
	var sj SeedJSON
	for _, a := range seed.Accounts {
		aj := AccountJSON{No: string(a.No), Name: a.Name, Nature: string(a.Nature)}
		for _, c := range a.Child {
			aj.Child = append(aj.Child, string(c))
		}
		sj.Accounts = append(sj.Accounts, aj)
	}
	for _, c := range seed.Campaigns {
		sj.Campaigns = append(sj.Campaigns, CampaignJSON{
			ID:              string(c.ID),
			Name:            c.Name,
			RewardBalance:   c.RewardBalance.String(),
			TotalRewards:    c.TotalRewards.String(),
			MaxClaims:       c.MaxClaims,
			RewardsPerClaim: c.RewardsPerClaim.String(),
		})
	}
	return sj
}

// =============================================================================
// PARSERS
// =============================================================================

func parseAccounts(in []AccountJSON) ([]ledger.CAccount, error) {
	byNo := make(map[ledger.AccountNo]ledger.CAccount, len(in))
	out := make([]ledger.CAccount, 0, len(in))

	for _, aj := range in {
		if aj.No == "" {
			return nil, fmt.Errorf("%w: account with empty number", ErrInvalidSeed)
		}
		no := ledger.AccountNo(aj.No)
		if _, dup := byNo[no]; dup {
			return nil, fmt.Errorf("%w: account %s defined twice", ErrInvalidSeed, no)
		}
		nature, err := parseNature(aj.Nature)
		if err != nil {
			return nil, fmt.Errorf("%w: account %s: %v", ErrInvalidSeed, no, err)
		}
		a := ledger.CAccount{No: no, Name: aj.Name, Nature: nature}
		for _, c := range aj.Child {
			a.Child = append(a.Child, ledger.AccountNo(c))
		}
		byNo[no] = a
		out = append(out, a)
	}

	for _, a := range out {
		for _, c := range a.Child {
			if _, ok := byNo[c]; !ok {
				return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, &ledger.ChartError{Parent: a.No, Missing: c})
			}
		}
		if hasCycle(a.No, byNo) {
			return nil, fmt.Errorf("%w: account %s is its own descendant", ErrInvalidSeed, a.No)
		}
	}

	if missing := unmappedAccounts(byNo); len(missing) > 0 {
		return nil, fmt.Errorf("%w: wallet accounts not defined: %v", ErrInvalidSeed, missing)
	}
	return out, nil
}

func parseNature(s string) (ledger.Nature, error) {
	switch ledger.Nature(s) {
	case ledger.NatureDebit, ledger.NatureCredit:
		return ledger.Nature(s), nil
	}
	return "", fmt.Errorf("nature %q must be debit or credit", s)
}

// hasCycle reports whether start can reach itself through child lists.
func hasCycle(start ledger.AccountNo, byNo map[ledger.AccountNo]ledger.CAccount) bool {
	seen := map[ledger.AccountNo]bool{}
	stack := append([]ledger.AccountNo(nil), byNo[start].Child...)
	for len(stack) > 0 {
		no := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if no == start {
			return true
		}
		if seen[no] {
			continue
		}
		seen[no] = true
		stack = append(stack, byNo[no].Child...)
	}
	return false
}

// unmappedAccounts lists accounts wallet types post to that the chart lacks.
func unmappedAccounts(byNo map[ledger.AccountNo]ledger.CAccount) []ledger.AccountNo {
	wallets := []ledger.WalletType{
		ledger.WalletPersonal, ledger.WalletAds, ledger.WalletFarmLocked,
		ledger.WalletCastcleSocial, ledger.WalletCastcleAirdrop, ledger.WalletCastcleTreasury,
		ledger.WalletExternalDeposit, ledger.WalletExternalWithdraw,
	}
	seen := map[ledger.AccountNo]bool{}
	var missing []ledger.AccountNo
	for _, w := range wallets {
		no, _ := ledger.AccountFor(w)
		if _, ok := byNo[no]; !ok && !seen[no] {
			seen[no] = true
			missing = append(missing, no)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func parseCampaigns(in []CampaignJSON) ([]ledger.Campaign, error) {
	seen := map[string]bool{}
	out := make([]ledger.Campaign, 0, len(in))
	for _, cj := range in {
		if cj.ID == "" {
			return nil, fmt.Errorf("%w: campaign with empty id", ErrInvalidSeed)
		}
		if seen[cj.ID] {
			return nil, fmt.Errorf("%w: campaign %s defined twice", ErrInvalidSeed, cj.ID)
		}
		seen[cj.ID] = true

		c := ledger.Campaign{ID: ledger.CampaignID(cj.ID), Name: cj.Name, MaxClaims: cj.MaxClaims}
		var err error
		if c.RewardBalance, err = parseAmount(cj.RewardBalance); err != nil {
			return nil, fmt.Errorf("%w: campaign %s reward_balance: %v", ErrInvalidSeed, cj.ID, err)
		}
		if c.TotalRewards, err = parseAmount(cj.TotalRewards); err != nil {
			return nil, fmt.Errorf("%w: campaign %s total_rewards: %v", ErrInvalidSeed, cj.ID, err)
		}
		if c.RewardsPerClaim, err = parseAmount(cj.RewardsPerClaim); err != nil {
			return nil, fmt.Errorf("%w: campaign %s rewards_per_claim: %v", ErrInvalidSeed, cj.ID, err)
		}
		if c.MaxClaims < 0 {
			return nil, fmt.Errorf("%w: campaign %s max_claims is negative", ErrInvalidSeed, cj.ID)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s is negative", s)
	}
	return d, nil
}
