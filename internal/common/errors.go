// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/the-dues-must-flow/internal/interval"
)

// Common application errors.
var (
	// Store errors.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers every store-level constraint violation: overlapping
	// memberships, duplicate splits, broken activity links.
	ErrConflict = errors.New("conflicting write rejected by store")

	// ErrInvalidInterval rejects intervals whose begin lies after their end.
	ErrInvalidInterval = interval.ErrInvalidInterval

	// Ledger errors.
	ErrImbalancedTransaction = errors.New("imbalanced transaction")
	ErrWrongAccountType      = errors.New("wrong account type")
	ErrAlreadyConfirmed      = errors.New("transaction already confirmed")

	// Reconciliation errors.
	ErrAlreadyLinked = errors.New("activity already linked to a split")

	// Fee errors.
	ErrFeeRunInProgress  = errors.New("fee run already in progress")
	ErrNoFeeInformation  = errors.New("no membership fee information available")
	ErrNoDefaultFeeAcct  = errors.New("no default fee account configured")
	ErrInvalidFeeDetails = errors.New("invalid membership fee")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
