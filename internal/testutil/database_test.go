package testutil

import (
	"context"
	"testing"

	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTestDB_Fixtures(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	user := db.User("alice")
	group := db.Group("members", Grants(model.PropertyMembershipFee))
	db.Member(user.ID, group.ID, interval.Since(Day(2024, 1, 1)))

	props, err := db.Storage.GetGroupProperties(ctx, []int64{group.ID})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.True(t, props[0].Granted)

	ids, err := db.Storage.GetUserIDsWithMembershipAt(ctx, Day(2024, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, []int64{user.ID}, ids)

	assert.Zero(t, db.Balance(user.AccountID))
	assert.Zero(t, db.TransactionCount())
}

func TestWithTransaction_RollsBack(t *testing.T) {
	db := SetupTestDB(t)
	ctx := context.Background()

	err := db.WithTransaction(func(tx service.Transaction) error {
		return tx.CreateAccount(ctx, &model.Account{Name: "temp", Type: model.AccountTypeAsset})
	})
	require.NoError(t, err)

	accounts, err := db.Storage.GetAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestSetupTestDBWithOptions_CustomSetup(t *testing.T) {
	db := SetupTestDBWithOptions(t, TestDBOptions{
		CustomSetup: func(ctx context.Context, s service.Storage) error {
			return s.CreateGroup(ctx, &model.Group{Name: "seeded"})
		},
	})

	group, err := db.Storage.GetGroupByName(context.Background(), "seeded")
	require.NoError(t, err)
	assert.Equal(t, "seeded", group.Name)
}
