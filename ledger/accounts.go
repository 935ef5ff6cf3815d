package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DEFAULT CHART OF ACCOUNTS
// =============================================================================

const (
	AccountAssets          AccountNo = "1000"
	AccountDepositsHeld    AccountNo = "1100"
	AccountUserLiabilities AccountNo = "2000"
	AccountPersonalWallets AccountNo = "2100"
	AccountAdsCredit       AccountNo = "2200"
	AccountFarmLocked      AccountNo = "2300"
	AccountPlatformPools   AccountNo = "3000"
	AccountTreasury        AccountNo = "3100"
	AccountSocialRewards   AccountNo = "3200"
	AccountExpenses        AccountNo = "5000"
	AccountAirdropExpense  AccountNo = "5100"
)

// DefaultChart returns the chart of accounts seeded at startup.
// Parents list every descendant, flattened.
func DefaultChart() []CAccount {
	return []CAccount{
		{No: AccountAssets, Name: "Assets", Nature: NatureDebit, Child: []AccountNo{AccountDepositsHeld}},
		{No: AccountDepositsHeld, Name: "External deposits held", Nature: NatureDebit},
		{No: AccountUserLiabilities, Name: "User wallets", Nature: NatureCredit,
			Child: []AccountNo{AccountPersonalWallets, AccountAdsCredit, AccountFarmLocked}},
		{No: AccountPersonalWallets, Name: "Personal wallets", Nature: NatureCredit},
		{No: AccountAdsCredit, Name: "Ads credit", Nature: NatureCredit},
		{No: AccountFarmLocked, Name: "Farm locked", Nature: NatureCredit},
		{No: AccountPlatformPools, Name: "Platform pools", Nature: NatureCredit,
			Child: []AccountNo{AccountTreasury, AccountSocialRewards}},
		{No: AccountTreasury, Name: "Treasury", Nature: NatureCredit},
		{No: AccountSocialRewards, Name: "Social reward pool", Nature: NatureCredit},
		{No: AccountExpenses, Name: "Expenses", Nature: NatureDebit, Child: []AccountNo{AccountAirdropExpense}},
		{No: AccountAirdropExpense, Name: "Airdrop expense", Nature: NatureDebit},
	}
}

var walletAccounts = map[WalletType]AccountNo{
	WalletPersonal:         AccountPersonalWallets,
	WalletAds:              AccountAdsCredit,
	WalletFarmLocked:       AccountFarmLocked,
	WalletCastcleSocial:    AccountSocialRewards,
	WalletCastcleAirdrop:   AccountAirdropExpense,
	WalletCastcleTreasury:  AccountTreasury,
	WalletExternalDeposit:  AccountDepositsHeld,
	WalletExternalWithdraw: AccountDepositsHeld,
}

// AccountFor returns the account a wallet type posts to.
func AccountFor(w WalletType) (AccountNo, bool) {
	no, ok := walletAccounts[w]
	return no, ok
}

// BuildLines derives the ledger lines for a transfer: one line per
// recipient, debiting the source's account and crediting the recipient's.
func BuildLines(from Movement, to []Movement) ([]LedgerLine, error) {
	debit, ok := AccountFor(from.WalletType)
	if !ok {
		return nil, ErrInvalidTransfer
	}
	lines := make([]LedgerLine, 0, len(to))
	for _, m := range to {
		credit, ok := AccountFor(m.WalletType)
		if !ok {
			return nil, ErrInvalidTransfer
		}
		lines = append(lines, LedgerLine{
			Debit:  Entry{AccountNo: debit, Value: m.Value},
			Credit: Entry{AccountNo: credit, Value: m.Value},
		})
	}
	return lines, nil
}

// ChecksumValid reports whether from, to and ledgers all carry the same total
// and no value is negative.
func ChecksumValid(from Movement, to []Movement, lines []LedgerLine) bool {
	if hasNegative(from, to, lines) {
		return false
	}
	if !from.Value.Equal(sumMovements(to)) {
		return false
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		debit = debit.Add(l.Debit.Value)
		credit = credit.Add(l.Credit.Value)
	}
	return debit.Equal(credit) && debit.Equal(from.Value)
}

func hasNegative(from Movement, to []Movement, lines []LedgerLine) bool {
	if from.Value.IsNegative() {
		return true
	}
	for _, m := range to {
		if m.Value.IsNegative() {
			return true
		}
	}
	for _, l := range lines {
		if l.Debit.Value.IsNegative() || l.Credit.Value.IsNegative() {
			return true
		}
	}
	return false
}

// SeedChart writes the default chart into s. Existing accounts with the
// same number are overwritten.
func SeedChart(ctx context.Context, s AdminStore) error {
	for _, a := range DefaultChart() {
		if err := s.SaveCAccount(ctx, a); err != nil {
			return fmt.Errorf("seed account %s: %w", a.No, err)
		}
	}
	return nil
}
