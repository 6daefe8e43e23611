// Package storage provides the data persistence layer for the dues application.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidDateRange   = errors.New("start date must be before end date")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidActivity    = errors.New("invalid bank account activity")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateAccount(account *model.Account) error {
	if account == nil {
		return fmt.Errorf("%w: account", ErrNilParameter)
	}
	if strings.TrimSpace(account.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAccount)
	}
	if !account.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAccount, account.Type)
	}
	return nil
}

// validateTransaction checks the shape of a transaction before insert. The
// balance itself is verified again inside the store before commit.
func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if strings.TrimSpace(txn.Description) == "" {
		return fmt.Errorf("%w: missing description", ErrInvalidTransaction)
	}
	if txn.PostedAt.IsZero() || txn.ValidOn.IsZero() {
		return fmt.Errorf("%w: missing dates", ErrInvalidTransaction)
	}
	if len(txn.Splits) < 2 {
		return fmt.Errorf("%w: %d splits", common.ErrImbalancedTransaction, len(txn.Splits))
	}
	if sum := model.Balance(txn.Splits); sum != 0 {
		return fmt.Errorf("%w: splits sum to %d", common.ErrImbalancedTransaction, sum)
	}
	return nil
}

func validateActivity(activity *model.BankAccountActivity) error {
	if activity == nil {
		return fmt.Errorf("%w: activity", ErrNilParameter)
	}
	if activity.BankAccountID == 0 {
		return fmt.Errorf("%w: missing bank account", ErrInvalidActivity)
	}
	if activity.PostedOn.IsZero() || activity.ValidOn.IsZero() {
		return fmt.Errorf("%w: missing dates", ErrInvalidActivity)
	}
	if activity.Linked() {
		return fmt.Errorf("%w: activities are imported unlinked", ErrInvalidActivity)
	}
	return nil
}
