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

// InsertTransaction persists a transaction together with its splits as one
// unit of work and assigns IDs to both.
func (s *store) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransaction(txn); err != nil {
		return err
	}

	return s.atomic(ctx, func(w *store) error {
		result, err := w.q.ExecContext(ctx, `
			INSERT INTO "transaction" (description, author_id, posted_at, valid_on, confirmed)
			VALUES (?, ?, ?, ?, ?)`,
			txn.Description, txn.AuthorID, utc(txn.PostedAt), model.Date(txn.ValidOn), txn.Confirmed)
		if err != nil {
			return mapError(fmt.Errorf("failed to insert transaction: %w", err))
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get transaction ID: %w", err)
		}
		w.touch(id)

		for i := range txn.Splits {
			split := &txn.Splits[i]
			res, err := w.q.ExecContext(ctx,
				`INSERT INTO split (transaction_id, account_id, amount) VALUES (?, ?, ?)`,
				id, split.AccountID, split.Amount)
			if err != nil {
				return mapError(fmt.Errorf("failed to insert split on account %d: %w", split.AccountID, err))
			}
			splitID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get split ID: %w", err)
			}
			split.ID = splitID
			split.TransactionID = id
		}

		txn.ID = id
		txn.ValidOn = model.Date(txn.ValidOn)
		return nil
	})
}

// GetTransaction retrieves a transaction with its splits.
func (s *store) GetTransaction(ctx context.Context, id int64) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var txn model.Transaction
	err := s.q.QueryRowContext(ctx, `
		SELECT id, description, author_id, posted_at, valid_on, confirmed
		FROM "transaction" WHERE id = ?`, id,
	).Scan(&txn.ID, &txn.Description, &txn.AuthorID, &txn.PostedAt, &txn.ValidOn, &txn.Confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	splits, err := s.querySplits(ctx, `WHERE transaction_id = ?`, id)
	if err != nil {
		return nil, err
	}
	txn.Splits = splits
	txn.PostedAt = txn.PostedAt.UTC()
	txn.ValidOn = txn.ValidOn.UTC()
	return &txn, nil
}

// GetSplitsByAccount returns every split booked on an account.
func (s *store) GetSplitsByAccount(ctx context.Context, accountID int64) ([]model.Split, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.querySplits(ctx, `WHERE account_id = ?`, accountID)
}

func (s *store) querySplits(ctx context.Context, where string, args ...any) ([]model.Split, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, transaction_id, account_id, amount FROM split `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query splits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var splits []model.Split
	for rows.Next() {
		var split model.Split
		if err := rows.Scan(&split.ID, &split.TransactionID, &split.AccountID, &split.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		splits = append(splits, split)
	}
	return splits, rows.Err()
}

// SetTransactionConfirmed marks a transaction as confirmed.
func (s *store) SetTransactionConfirmed(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx, `UPDATE "transaction" SET confirmed = 1 WHERE id = ?`, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to confirm transaction: %w", err))
	}
	return expectOneRow(result, "transaction", id)
}

// DeleteTransaction removes a transaction; its splits cascade. The store
// rejects deleting confirmed transactions and transactions whose splits are
// linked to bank activities.
func (s *store) DeleteTransaction(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	s.touch(id)
	result, err := s.q.ExecContext(ctx, `DELETE FROM "transaction" WHERE id = ?`, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to delete transaction: %w", err))
	}
	return expectOneRow(result, "transaction", id)
}

// GetUnconfirmedTransactionIDs lists unconfirmed transactions posted before the threshold.
func (s *store) GetUnconfirmedTransactionIDs(ctx context.Context, postedBefore time.Time) ([]int64, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id FROM "transaction"
		WHERE confirmed = 0 AND posted_at < ?
		ORDER BY posted_at, id`, utc(postedBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to query unconfirmed transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddLogEntry appends an audit log entry.
func (s *store) AddLogEntry(ctx context.Context, entry *model.LogEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: log entry", ErrNilParameter)
	}
	if err := validateString(entry.Message, "message"); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO log_entry (author_id, message, created_at, transaction_id, user_id)
		VALUES (?, ?, ?, ?, ?)`,
		entry.AuthorID, entry.Message, utc(entry.CreatedAt), entry.TransactionID, entry.UserID)
	if err != nil {
		return mapError(fmt.Errorf("failed to add log entry: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get log entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// GetLogEntries returns the audit trail of a transaction, oldest first.
func (s *store) GetLogEntries(ctx context.Context, transactionID int64) ([]model.LogEntry, error) {
	return s.queryLogEntries(ctx, "transaction_id = ?", transactionID)
}

// GetLogEntriesByAuthor returns every audit entry written by authorID, oldest
// first. Entries of deleted transactions are only reachable this way.
func (s *store) GetLogEntriesByAuthor(ctx context.Context, authorID int64) ([]model.LogEntry, error) {
	return s.queryLogEntries(ctx, "author_id = ?", authorID)
}

func (s *store) queryLogEntries(ctx context.Context, where string, arg int64) ([]model.LogEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, author_id, message, created_at, transaction_id, user_id
		FROM log_entry WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.LogEntry
	for rows.Next() {
		var entry model.LogEntry
		var txID, userID sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.AuthorID, &entry.Message, &entry.CreatedAt, &txID, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.TransactionID = int64Ptr(txID)
		entry.UserID = int64Ptr(userID)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func expectOneRow(result sql.Result, what string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", common.ErrNotFound, what, id)
	}
	return nil
}
