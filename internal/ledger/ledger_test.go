package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*testutil.TestDB, *Ledger, int64, int64) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	cash := db.Account("Cash", model.AccountTypeAsset)
	income := db.Account("Income", model.AccountTypeRevenue)
	return db, New(db.Storage), cash, income
}

func pair(debit, credit, amount int64) []model.SplitInput {
	return []model.SplitInput{
		{AccountID: debit, Amount: amount},
		{AccountID: credit, Amount: -amount},
	}
}

func TestLedger_Post(t *testing.T) {
	db, l, cash, income := setup(t)
	ctx := context.Background()
	validOn := testutil.Day(2024, 5, 17)

	txn, err := l.Post(ctx, "Donation", 3, pair(cash, income, 1200), WithValidOn(validOn))
	require.NoError(t, err)
	assert.True(t, txn.Confirmed)
	assert.Equal(t, validOn, txn.ValidOn)
	assert.Equal(t, int64(3), txn.AuthorID)
	require.Len(t, txn.Splits, 2)

	assert.Equal(t, int64(1200), db.Balance(cash))
	assert.Equal(t, int64(-1200), db.Balance(income))

	balance, err := l.Balance(ctx, cash)
	require.NoError(t, err)
	splits, err := db.Storage.GetSplitsByAccount(ctx, cash)
	require.NoError(t, err)
	assert.Equal(t, model.Balance(splits), balance)
}

func TestLedger_PostRejectsImbalance(t *testing.T) {
	db, l, cash, income := setup(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		splits []model.SplitInput
	}{
		{name: "empty"},
		{name: "one split", splits: []model.SplitInput{{AccountID: cash, Amount: 0}}},
		{name: "off by one", splits: []model.SplitInput{{AccountID: cash, Amount: 100}, {AccountID: income, Amount: -101}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Post(ctx, "bad", 1, tt.splits)
			assert.ErrorIs(t, err, common.ErrImbalancedTransaction)
		})
	}
	assert.Zero(t, db.TransactionCount())
}

func TestLedger_PostUnknownAccount(t *testing.T) {
	db, l, cash, _ := setup(t)

	_, err := l.Post(context.Background(), "ghost", 1, pair(cash, 9999, 5))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Zero(t, db.TransactionCount())
}

func TestLedger_PostRetypedBankAccount(t *testing.T) {
	db, l, _, income := setup(t)
	ctx := context.Background()

	bank := db.BankAccount("Main")
	_, err := l.Post(ctx, "deposit", 1, pair(bank.AccountID, income, 5))
	require.NoError(t, err)

	_, err = db.Storage.DB().ExecContext(ctx, `UPDATE account SET type = 'ASSET' WHERE id = ?`, bank.AccountID)
	require.NoError(t, err)

	_, err = l.Post(ctx, "deposit", 1, pair(bank.AccountID, income, 5))
	assert.ErrorIs(t, err, common.ErrWrongAccountType)
	assert.Equal(t, 1, db.TransactionCount())
}

func TestLedger_PostDuplicateAccount(t *testing.T) {
	db, l, cash, income := setup(t)

	splits := []model.SplitInput{
		{AccountID: cash, Amount: 50},
		{AccountID: cash, Amount: 50},
		{AccountID: income, Amount: -100},
	}
	_, err := l.Post(context.Background(), "double", 1, splits)
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.Zero(t, db.TransactionCount())
}

func TestLedger_Confirm(t *testing.T) {
	db, l, cash, income := setup(t)
	ctx := context.Background()

	txn, err := l.Post(ctx, "pending", 1, pair(cash, income, 10), Unconfirmed())
	require.NoError(t, err)
	assert.False(t, txn.Confirmed)

	require.NoError(t, l.Confirm(ctx, txn.ID, 42))

	got, err := db.Storage.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Confirmed)

	entries, err := db.Storage.GetLogEntries(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(42), entries[0].AuthorID)

	err = l.Confirm(ctx, txn.ID, 42)
	assert.ErrorIs(t, err, common.ErrAlreadyConfirmed)

	entries, err = db.Storage.GetLogEntries(ctx, txn.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a rejected confirm leaves no trace")
}

func TestLedger_Delete(t *testing.T) {
	db, l, cash, income := setup(t)
	ctx := context.Background()

	pending, err := l.Post(ctx, "pending", 1, pair(cash, income, 10), Unconfirmed())
	require.NoError(t, err)
	final, err := l.Post(ctx, "final", 1, pair(cash, income, 20))
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, pending.ID, 7))
	_, err = db.Storage.GetTransaction(ctx, pending.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, int64(20), db.Balance(cash))

	entries, err := db.Storage.GetLogEntriesByAuthor(ctx, 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fmt.Sprintf("Transaction %d (\"pending\") deleted", pending.ID), entries[0].Message)
	assert.Nil(t, entries[0].TransactionID, "the reference is cleared with the transaction")

	assert.ErrorIs(t, l.Delete(ctx, final.ID, 7), common.ErrAlreadyConfirmed)
	assert.ErrorIs(t, l.Delete(ctx, pending.ID, 7), common.ErrNotFound)
	assert.Equal(t, 1, db.TransactionCount())

	entries, err = db.Storage.GetLogEntriesByAuthor(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a rejected delete leaves no trace")
}

func TestLedger_ConfirmAllOlderThan(t *testing.T) {
	db, l, cash, income := setup(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now.AddDate(0, 0, -30)
	l.now = func() time.Time { return clock }

	old1, err := l.Post(ctx, "old 1", 1, pair(cash, income, 1), Unconfirmed())
	require.NoError(t, err)
	old2, err := l.Post(ctx, "old 2", 1, pair(cash, income, 2), Unconfirmed())
	require.NoError(t, err)

	clock = now
	recent, err := l.Post(ctx, "recent", 1, pair(cash, income, 3), Unconfirmed())
	require.NoError(t, err)

	report, err := l.ConfirmAllOlderThan(ctx, now.AddDate(0, 0, -14), 7)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{old1.ID, old2.ID}, report.Confirmed)
	assert.Empty(t, report.Failed)

	got, err := db.Storage.GetTransaction(ctx, recent.ID)
	require.NoError(t, err)
	assert.False(t, got.Confirmed)

	report, err = l.ConfirmAllOlderThan(ctx, now.AddDate(0, 0, -14), 7)
	require.NoError(t, err)
	assert.Empty(t, report.Confirmed)
}
