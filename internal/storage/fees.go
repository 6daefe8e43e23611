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

const feeColumns = `id, name, regular_fee, booking_begin, booking_end,
	payment_deadline, payment_deadline_final, begins_on, ends_on`

// CreateMembershipFee validates and inserts a fee definition.
func (s *store) CreateMembershipFee(ctx context.Context, fee *model.MembershipFee) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if fee == nil {
		return fmt.Errorf("%w: membership fee", ErrNilParameter)
	}
	if err := fee.Validate(); err != nil {
		return fmt.Errorf("%w: %w", common.ErrInvalidFeeDetails, err)
	}
	fee.BeginsOn = model.Date(fee.BeginsOn)
	fee.EndsOn = model.Date(fee.EndsOn)

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO membership_fee (
			name, regular_fee, booking_begin, booking_end,
			payment_deadline, payment_deadline_final, begins_on, ends_on
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fee.Name, fee.RegularFee, fee.BookingBegin, fee.BookingEnd,
		fee.PaymentDeadline, fee.PaymentDeadlineFinal, fee.BeginsOn, fee.EndsOn)
	if err != nil {
		return mapError(fmt.Errorf("failed to create membership fee: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get membership fee ID: %w", err)
	}
	fee.ID = id
	return nil
}

// GetMembershipFee retrieves a fee by ID.
func (s *store) GetMembershipFee(ctx context.Context, id int64) (*model.MembershipFee, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	fee, err := scanFee(s.q.QueryRowContext(ctx, `SELECT `+feeColumns+` FROM membership_fee WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: membership fee %d", common.ErrNotFound, id)
	}
	return fee, err
}

// GetMembershipFees lists all fees ordered by period start.
func (s *store) GetMembershipFees(ctx context.Context) ([]model.MembershipFee, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+feeColumns+` FROM membership_fee ORDER BY begins_on, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership fees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fees []model.MembershipFee
	for rows.Next() {
		fee, err := scanFee(rows)
		if err != nil {
			return nil, err
		}
		fees = append(fees, *fee)
	}
	return fees, rows.Err()
}

// GetLatestMembershipFee returns the fee with the latest period, or
// common.ErrNoFeeInformation when none exists.
func (s *store) GetLatestMembershipFee(ctx context.Context) (*model.MembershipFee, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	fee, err := scanFee(s.q.QueryRowContext(ctx,
		`SELECT `+feeColumns+` FROM membership_fee ORDER BY ends_on DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNoFeeInformation
	}
	return fee, err
}

// HasFeeTransaction reports whether a transaction valid within [begin, end]
// debits the user's account against one of the fee accounts.
func (s *store) HasFeeTransaction(ctx context.Context, userAccountID int64, feeAccountIDs []int64, begin, end time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if len(feeAccountIDs) == 0 {
		return false, nil
	}

	placeholders, feeArgs := inClause(feeAccountIDs)
	args := append([]any{userAccountID}, feeArgs...)
	args = append(args, model.Date(begin), model.Date(end))

	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM "transaction" t
			JOIN split us ON us.transaction_id = t.id AND us.account_id = ?
			JOIN split fs ON fs.transaction_id = t.id AND fs.amount < 0
			WHERE fs.account_id IN (`+placeholders+`)
			  AND t.valid_on BETWEEN ? AND ?
		)`, args...).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check fee transaction: %w", err)
	}
	return exists, nil
}

// BeginFeeRun registers an open run for a fee. A second open run for the
// same fee fails with common.ErrFeeRunInProgress.
func (s *store) BeginFeeRun(ctx context.Context, run *model.FeeRun) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: fee run", ErrNilParameter)
	}
	if err := validateString(run.ID, "fee run ID"); err != nil {
		return err
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO fee_run (id, fee_id, processor_id, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.FeeID, run.ProcessorID, utc(run.StartedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: fee %d", common.ErrFeeRunInProgress, run.FeeID)
		}
		return mapError(fmt.Errorf("failed to begin fee run: %w", err))
	}
	return nil
}

// FinishFeeRun closes a run so the fee can be billed again.
func (s *store) FinishFeeRun(ctx context.Context, id string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE fee_run SET finished_at = ? WHERE id = ? AND finished_at IS NULL`, utc(at), id)
	if err != nil {
		return fmt.Errorf("failed to finish fee run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: open fee run %s", common.ErrNotFound, id)
	}
	return nil
}

// ReleaseFeeRuns closes the fee's open runs that started before
// startedBefore and reports how many were closed. It clears markers left
// behind by runs that never reached FinishFeeRun.
func (s *store) ReleaseFeeRuns(ctx context.Context, feeID int64, startedBefore, at time.Time) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE fee_run SET finished_at = ?
		WHERE fee_id = ? AND finished_at IS NULL AND started_at < ?`,
		utc(at), feeID, utc(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to release fee runs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows, nil
}

func scanFee(row rowScanner) (*model.MembershipFee, error) {
	var fee model.MembershipFee
	err := row.Scan(&fee.ID, &fee.Name, &fee.RegularFee, &fee.BookingBegin, &fee.BookingEnd,
		&fee.PaymentDeadline, &fee.PaymentDeadlineFinal, &fee.BeginsOn, &fee.EndsOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan membership fee: %w", err)
	}
	fee.BeginsOn = fee.BeginsOn.UTC()
	fee.EndsOn = fee.EndsOn.UTC()
	return &fee, nil
}
