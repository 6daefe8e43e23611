// Package ledger implements the double-entry ledger: posting balanced
// transactions, confirming and deleting them, and computing balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
)

// Ledger posts and manages transactions on top of a store.
type Ledger struct {
	storage service.Storage
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a ledger backed by storage.
func New(storage service.Storage) *Ledger {
	return &Ledger{
		storage: storage,
		logger:  common.Component("ledger"),
		now:     time.Now,
	}
}

type postOptions struct {
	validOn   time.Time
	confirmed bool
}

// PostOption customises a posting.
type PostOption func(*postOptions)

// WithValidOn sets the business date of the transaction. It defaults to the
// posting date.
func WithValidOn(validOn time.Time) PostOption {
	return func(o *postOptions) {
		o.validOn = validOn
	}
}

// Unconfirmed posts the transaction unconfirmed so it can still be deleted.
func Unconfirmed() PostOption {
	return func(o *postOptions) {
		o.confirmed = false
	}
}

// Post persists a balanced transaction and its splits atomically.
func (l *Ledger) Post(ctx context.Context, description string, authorID int64, splits []model.SplitInput, opts ...PostOption) (*model.Transaction, error) {
	var txn *model.Transaction
	err := service.WithTransaction(ctx, l.storage, func(tx service.Transaction) error {
		var err error
		txn, err = l.PostTx(ctx, tx, description, authorID, splits, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// PostTx posts a transaction inside an open store transaction. Batch callers
// use it so that many postings commit or fail together.
func (l *Ledger) PostTx(ctx context.Context, tx service.Transaction, description string, authorID int64, splits []model.SplitInput, opts ...PostOption) (*model.Transaction, error) {
	now := l.now()
	o := postOptions{validOn: now, confirmed: true}
	for _, opt := range opts {
		opt(&o)
	}

	if len(splits) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 splits, got %d", common.ErrImbalancedTransaction, len(splits))
	}
	if sum := model.Imbalance(splits); sum != 0 {
		return nil, fmt.Errorf("%w: splits sum to %d", common.ErrImbalancedTransaction, sum)
	}
	for _, split := range splits {
		if err := checkAccountType(ctx, tx, split.AccountID); err != nil {
			return nil, err
		}
	}

	txn := &model.Transaction{
		Description: description,
		AuthorID:    authorID,
		PostedAt:    now,
		ValidOn:     o.validOn,
		Confirmed:   o.confirmed,
		Splits:      make([]model.Split, len(splits)),
	}
	for i, split := range splits {
		txn.Splits[i] = model.Split{AccountID: split.AccountID, Amount: split.Amount}
	}

	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to post %q: %w", description, err)
	}

	l.logger.Debug("Posted transaction",
		"transaction_id", txn.ID,
		"author_id", authorID,
		"splits", len(splits),
		"confirmed", txn.Confirmed)
	return txn, nil
}

// checkAccountType rejects splits on unknown accounts, and on a bank
// account's ledger account unless that account is a BANK_ASSET. Storage
// enforces the type when the bank account is created; an account retyped
// afterwards is caught here.
func checkAccountType(ctx context.Context, s service.Storage, accountID int64) error {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Type == model.AccountTypeBankAsset {
		return nil
	}

	_, err = s.GetBankAccountByAccountID(ctx, accountID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: account %d backs a bank account but is %s",
		common.ErrWrongAccountType, accountID, account.Type)
}

// Confirm marks an unconfirmed transaction as confirmed and records who did it.
func (l *Ledger) Confirm(ctx context.Context, txID, processorID int64) error {
	err := service.WithTransaction(ctx, l.storage, func(tx service.Transaction) error {
		txn, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if txn.Confirmed {
			return fmt.Errorf("%w: transaction %d", common.ErrAlreadyConfirmed, txID)
		}
		if err := tx.SetTransactionConfirmed(ctx, txID); err != nil {
			return err
		}
		return tx.AddLogEntry(ctx, &model.LogEntry{
			AuthorID:      processorID,
			TransactionID: &txID,
			Message:       "Transaction confirmed",
			CreatedAt:     l.now(),
		})
	})
	if err != nil {
		return err
	}

	l.logger.Info("Confirmed transaction", "transaction_id", txID, "processor_id", processorID)
	return nil
}

// Delete removes an unconfirmed transaction; its splits go with it.
func (l *Ledger) Delete(ctx context.Context, txID, processorID int64) error {
	err := service.WithTransaction(ctx, l.storage, func(tx service.Transaction) error {
		txn, err := tx.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if txn.Confirmed {
			return fmt.Errorf("%w: transaction %d cannot be deleted", common.ErrAlreadyConfirmed, txID)
		}
		// The entry outlives the transaction; its transaction_id is nulled on delete.
		if err := tx.AddLogEntry(ctx, &model.LogEntry{
			AuthorID:      processorID,
			TransactionID: &txID,
			Message:       fmt.Sprintf("Transaction %d (%q) deleted", txID, txn.Description),
			CreatedAt:     l.now(),
		}); err != nil {
			return err
		}
		return tx.DeleteTransaction(ctx, txID)
	})
	if err != nil {
		return err
	}

	l.logger.Info("Deleted transaction", "transaction_id", txID, "processor_id", processorID)
	return nil
}

// ConfirmReport summarises a bulk confirmation.
type ConfirmReport struct {
	Failed    map[int64]error
	Confirmed []int64
}

// ConfirmAllOlderThan confirms every unconfirmed transaction posted before
// threshold. Each confirmation commits on its own, so one failure does not
// block the rest; failures are reported per transaction.
func (l *Ledger) ConfirmAllOlderThan(ctx context.Context, threshold time.Time, processorID int64) (ConfirmReport, error) {
	report := ConfirmReport{Failed: make(map[int64]error)}

	ids, err := l.storage.GetUnconfirmedTransactionIDs(ctx, threshold)
	if err != nil {
		return report, fmt.Errorf("failed to list unconfirmed transactions: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := l.Confirm(ctx, id, processorID); err != nil {
			l.logger.Warn("Failed to confirm transaction", "transaction_id", id, "error", err)
			report.Failed[id] = err
			continue
		}
		report.Confirmed = append(report.Confirmed, id)
	}

	l.logger.Info("Confirmed old transactions",
		"threshold", threshold,
		"confirmed", len(report.Confirmed),
		"failed", len(report.Failed))
	return report, nil
}

// Balance returns an account's balance as aggregated by the store.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	return l.storage.GetAccountBalance(ctx, accountID)
}
