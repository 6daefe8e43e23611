package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

const activityColumns = `id, bank_account_id, amount, reference, other_name, other_iban, other_bic,
	end_to_end_reference, posted_on, valid_on, imported_at, transaction_id, account_id`

// InsertActivity persists an unlinked bank account activity.
func (s *store) InsertActivity(ctx context.Context, activity *model.BankAccountActivity) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateActivity(activity); err != nil {
		return err
	}
	if activity.ImportedAt.IsZero() {
		activity.ImportedAt = time.Now()
	}
	activity.PostedOn = model.Date(activity.PostedOn)
	activity.ValidOn = model.Date(activity.ValidOn)

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO bank_account_activity (
			bank_account_id, amount, reference, other_name, other_iban, other_bic,
			end_to_end_reference, posted_on, valid_on, imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		activity.BankAccountID, activity.Amount, activity.Reference, activity.OtherName,
		activity.OtherIBAN, activity.OtherBIC, activity.EndToEndReference,
		activity.PostedOn, activity.ValidOn, utc(activity.ImportedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to insert activity: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get activity ID: %w", err)
	}
	activity.ID = id
	return nil
}

// ActivityExists reports whether the same statement line was already imported
// into the activity's bank account.
func (s *store) ActivityExists(ctx context.Context, activity *model.BankAccountActivity) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if activity == nil {
		return false, fmt.Errorf("%w: activity", ErrNilParameter)
	}

	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bank_account_activity
			WHERE bank_account_id = ? AND amount = ? AND reference = ?
			  AND other_iban = ? AND other_bic = ? AND other_name = ?
			  AND posted_on = ? AND valid_on = ?
		)`,
		activity.BankAccountID, activity.Amount, activity.Reference,
		activity.OtherIBAN, activity.OtherBIC, activity.OtherName,
		model.Date(activity.PostedOn), model.Date(activity.ValidOn),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check activity: %w", err)
	}
	return exists, nil
}

// GetActivity retrieves an activity by ID.
func (s *store) GetActivity(ctx context.Context, id int64) (*model.BankAccountActivity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	activity, err := scanActivity(s.q.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM bank_account_activity WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: activity %d", common.ErrNotFound, id)
	}
	return activity, err
}

// GetUnlinkedActivities lists activities not yet attached to a split.
func (s *store) GetUnlinkedActivities(ctx context.Context) ([]model.BankAccountActivity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM bank_account_activity
		WHERE transaction_id IS NULL
		ORDER BY posted_on, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var activities []model.BankAccountActivity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, *activity)
	}
	return activities, rows.Err()
}

// LinkActivity attaches an activity to the split (transactionID, accountID).
// Triggers reject relinking and splits that do not match the bank account
// or the amount.
func (s *store) LinkActivity(ctx context.Context, activityID, transactionID, accountID int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE bank_account_activity SET transaction_id = ?, account_id = ?
		WHERE id = ?`, transactionID, accountID, activityID)
	if err != nil {
		return mapError(fmt.Errorf("failed to link activity %d: %w", activityID, err))
	}
	return expectOneRow(result, "activity", activityID)
}

func scanActivity(row rowScanner) (*model.BankAccountActivity, error) {
	var a model.BankAccountActivity
	var txID, accountID sql.NullInt64
	err := row.Scan(&a.ID, &a.BankAccountID, &a.Amount, &a.Reference, &a.OtherName,
		&a.OtherIBAN, &a.OtherBIC, &a.EndToEndReference, &a.PostedOn, &a.ValidOn,
		&a.ImportedAt, &txID, &accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan activity: %w", err)
	}
	a.PostedOn = a.PostedOn.UTC()
	a.ValidOn = a.ValidOn.UTC()
	a.TransactionID = int64Ptr(txID)
	a.SplitAccountID = int64Ptr(accountID)
	return &a, nil
}
