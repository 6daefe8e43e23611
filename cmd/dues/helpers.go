package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/cli"
	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/storage"
)

const dateLayout = "2006-01-02"

// systemProcessor is the author ID recorded for bookings made from the CLI.
const systemProcessor int64 = 0

// initStorage opens the configured database and runs migrations.
func initStorage(ctx context.Context) (*storage.SQLiteStorage, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	store, err := storage.NewSQLiteStorage(appConfig.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// parseID parses a positive integer identifier.
func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID %q", what, s)
	}
	return id, nil
}

// parseDate parses a YYYY-MM-DD date as midnight UTC. An empty string yields
// the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// parseSplits parses "ACCOUNT_ID=AMOUNT" arguments, e.g. "3=-12.50".
func parseSplits(args []string) ([]model.SplitInput, error) {
	splits := make([]model.SplitInput, 0, len(args))
	for _, arg := range args {
		accountPart, amountPart, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid split %q, expected ACCOUNT_ID=AMOUNT", arg)
		}
		accountID, err := parseID(accountPart, "account")
		if err != nil {
			return nil, err
		}
		amount, err := cli.ParseAmount(amountPart)
		if err != nil {
			return nil, err
		}
		splits = append(splits, model.SplitInput{AccountID: accountID, Amount: amount})
	}
	return splits, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(dateLayout)
}

func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// hints maps domain errors to operator-facing explanations.
var hints = []struct {
	err     error
	message string
}{
	{common.ErrImbalancedTransaction, "Splits must sum to zero and there must be at least two"},
	{common.ErrWrongAccountType, "The account has the wrong type for this booking"},
	{common.ErrAlreadyConfirmed, "Confirmed transactions are final"},
	{common.ErrAlreadyLinked, "The bank activity is already booked"},
	{common.ErrFeeRunInProgress, "Another run for this fee has not finished; if it crashed, run \"dues fee unlock\""},
	{common.ErrNoDefaultFeeAcct, "Set fees.default_account_id for members without a room"},
	{common.ErrConflict, "The change conflicts with existing records"},
	{common.ErrNotFound, "No such record"},
}

// explain wraps known domain errors in a common.UserError.
func explain(err error) error {
	var userErr *common.UserError
	if err == nil || errors.As(err, &userErr) {
		return err
	}
	for _, h := range hints {
		if errors.Is(err, h.err) {
			return common.NewUserError(h.message, err)
		}
	}
	return err
}
