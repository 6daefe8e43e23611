// Package model defines the core data structures for the dues application.
package model

import "fmt"

// AccountType classifies a ledger account.
type AccountType string

// Account type constants.
const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeUserAsset AccountType = "USER_ASSET"
	AccountTypeBankAsset AccountType = "BANK_ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeExpense   AccountType = "EXPENSE"
	AccountTypeRevenue   AccountType = "REVENUE"
)

// AccountTypes lists every valid account type.
var AccountTypes = []AccountType{
	AccountTypeAsset,
	AccountTypeUserAsset,
	AccountTypeBankAsset,
	AccountTypeLiability,
	AccountTypeExpense,
	AccountTypeRevenue,
}

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	for _, known := range AccountTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseAccountType converts a string into an AccountType.
func ParseAccountType(s string) (AccountType, error) {
	t := AccountType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown account type %q", s)
	}
	return t, nil
}

// Account is a ledger account. Its balance is the sum of its splits.
type Account struct {
	Name   string      `json:"name" yaml:"name"`
	Type   AccountType `json:"type" yaml:"type"`
	ID     int64       `json:"id" yaml:"id"`
	Legacy bool        `json:"legacy" yaml:"legacy"`
}

// AccountPattern binds a regular expression to an account. References that
// match it are attributed to the account during reconciliation.
type AccountPattern struct {
	Pattern   string `json:"pattern" yaml:"pattern"`
	ID        int64  `json:"id" yaml:"id"`
	AccountID int64  `json:"account_id" yaml:"account_id"`
}
