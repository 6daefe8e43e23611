package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createBank(t *testing.T, s *SQLiteStorage) *model.BankAccount {
	t.Helper()
	bank := &model.BankAccount{
		Name:      "Main",
		BankName:  "Sparkasse",
		IBAN:      "DE89370400440532013000",
		AccountID: createAccount(t, s, "Bank", model.AccountTypeBankAsset),
	}
	require.NoError(t, s.CreateBankAccount(context.Background(), bank))
	return bank
}

func newActivity(bankID, amount int64, reference string, day time.Time) *model.BankAccountActivity {
	return &model.BankAccountActivity{
		BankAccountID: bankID,
		Amount:        amount,
		Reference:     reference,
		OtherName:     "Jane Doe",
		OtherIBAN:     "DE02120300000000202051",
		PostedOn:      day,
		ValidOn:       day,
	}
}

func TestSQLiteStorage_CreateBankAccount(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	bank := createBank(t, store)
	got, err := store.GetBankAccountByAccountID(ctx, bank.AccountID)
	require.NoError(t, err)
	assert.Equal(t, bank.ID, got.ID)
	assert.Nil(t, got.LastImportedAt)

	wrong := &model.BankAccount{Name: "Wrong", AccountID: createAccount(t, store, "Asset", model.AccountTypeAsset)}
	assert.ErrorIs(t, store.CreateBankAccount(ctx, wrong), common.ErrWrongAccountType)

	now := time.Now()
	require.NoError(t, store.SetBankAccountImported(ctx, bank.ID, now))
	got, err = store.GetBankAccount(ctx, bank.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastImportedAt)
	assert.WithinDuration(t, now, *got.LastImportedAt, time.Second)

	banks, err := store.GetBankAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, banks, 1)
}

func TestSQLiteStorage_ActivityExists(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	bank := createBank(t, store)
	day := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)

	activity := newActivity(bank.ID, 2500, "1234-56 fee", day)
	require.NoError(t, store.InsertActivity(ctx, activity))
	assert.NotZero(t, activity.ID)

	same := newActivity(bank.ID, 2500, "1234-56 fee", day.Add(5*time.Hour))
	exists, err := store.ActivityExists(ctx, same)
	require.NoError(t, err)
	assert.True(t, exists, "the time of day is not part of a statement line")

	other := newActivity(bank.ID, 2501, "1234-56 fee", day)
	exists, err = store.ActivityExists(ctx, other)
	require.NoError(t, err)
	assert.False(t, exists)

	unlinked, err := store.GetUnlinkedActivities(ctx)
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.True(t, unlinked[0].SameLine(activity))
}

func TestSQLiteStorage_LinkActivity(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	bank := createBank(t, store)
	user := createUser(t, store, "erin")
	day := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)

	activity := newActivity(bank.ID, 2500, "payment", day)
	require.NoError(t, store.InsertActivity(ctx, activity))

	wrongAmount := transfer(user.AccountID, bank.AccountID, 2000, day)
	require.NoError(t, store.InsertTransaction(ctx, wrongAmount))
	err := store.LinkActivity(ctx, activity.ID, wrongAmount.ID, bank.AccountID)
	assert.ErrorIs(t, err, common.ErrConflict)

	match := transfer(user.AccountID, bank.AccountID, 2500, day)
	match.Confirmed = false
	require.NoError(t, store.InsertTransaction(ctx, match))

	err = store.LinkActivity(ctx, activity.ID, match.ID, user.AccountID)
	assert.ErrorIs(t, err, common.ErrConflict, "the linked split must be on the bank's account")

	require.NoError(t, store.LinkActivity(ctx, activity.ID, match.ID, bank.AccountID))

	got, err := store.GetActivity(ctx, activity.ID)
	require.NoError(t, err)
	assert.True(t, got.Linked())
	assert.Equal(t, match.ID, *got.TransactionID)

	t.Run("links are one-way", func(t *testing.T) {
		other := transfer(user.AccountID, bank.AccountID, 2500, day)
		require.NoError(t, store.InsertTransaction(ctx, other))
		assert.ErrorIs(t, store.LinkActivity(ctx, activity.ID, other.ID, bank.AccountID), common.ErrConflict)
	})

	t.Run("linked transactions cannot be deleted", func(t *testing.T) {
		assert.ErrorIs(t, store.DeleteTransaction(ctx, match.ID), common.ErrConflict)
	})

	unlinked, err := store.GetUnlinkedActivities(ctx)
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestSQLiteStorage_MT940Errors(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	bank := createBank(t, store)
	mtErr := &model.MT940Error{MT940: ":20:broken", Exception: "unexpected end", BankAccountID: bank.ID}
	require.NoError(t, store.CreateMT940Error(ctx, mtErr))

	errs, err := store.GetMT940Errors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, ":20:broken", errs[0].MT940)
	assert.Equal(t, bank.ID, errs[0].BankAccountID)
}

func TestSQLiteStorage_AccountPatterns(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	team := createAccount(t, store, "Team", model.AccountTypeExpense)
	require.NoError(t, store.CreateAccountPattern(ctx, &model.AccountPattern{Pattern: "hosting", AccountID: team}))
	assert.Error(t, store.CreateAccountPattern(ctx, &model.AccountPattern{Pattern: " ", AccountID: team}))

	patterns, err := store.GetAccountPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, team, patterns[0].AccountID)
}
