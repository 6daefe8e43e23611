package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createUser(t *testing.T, s *SQLiteStorage, login string) *model.User {
	t.Helper()
	user := &model.User{
		Login:     login,
		Name:      login,
		AccountID: createAccount(t, s, "User "+login, model.AccountTypeUserAsset),
	}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func TestSQLiteStorage_Users(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	alice := createUser(t, store, "alice")
	got, err := store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Login)
	assert.Equal(t, alice.AccountID, got.AccountID)

	dup := &model.User{Login: "alice", Name: "again", AccountID: createAccount(t, store, "x", model.AccountTypeUserAsset)}
	assert.ErrorIs(t, store.CreateUser(ctx, dup), common.ErrConflict)

	_, err = store.GetUser(ctx, 404)
	assert.ErrorIs(t, err, common.ErrNotFound)

	users, err := store.GetUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestSQLiteStorage_MembershipOverlap(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	user := createUser(t, store, "bob")
	group := &model.Group{Name: "members"}
	require.NoError(t, store.CreateGroup(ctx, group))

	first := &model.Membership{
		UserID:       user.ID,
		GroupID:      group.ID,
		ActiveDuring: interval.Closed(at(2024, 1, 1), at(2024, 3, 1)),
	}
	require.NoError(t, store.AddMembership(ctx, first))

	tests := []struct {
		during  interval.Interval[time.Time]
		name    string
		wantErr bool
	}{
		{name: "overlapping", during: interval.Closed(at(2024, 2, 1), at(2024, 4, 1)), wantErr: true},
		{name: "unbounded past", during: interval.Until(at(2024, 1, 15)), wantErr: true},
		{name: "adjacent", during: interval.Closed(at(2024, 3, 1), at(2024, 5, 1)), wantErr: false},
		{name: "open ended after adjacent", during: interval.Since(at(2024, 4, 1)), wantErr: true},
		{name: "empty inside existing", during: interval.Closed(at(2024, 2, 1), at(2024, 2, 1)), wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.wantErr {
				assert.False(t, tt.during.Overlaps(first.ActiveDuring), "accepted intervals never overlap in memory either")
			}
			err := store.AddMembership(ctx, &model.Membership{UserID: user.ID, GroupID: group.ID, ActiveDuring: tt.during})
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrConflict)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	other := &model.Group{Name: "network"}
	require.NoError(t, store.CreateGroup(ctx, other))
	assert.NoError(t, store.AddMembership(ctx, &model.Membership{
		UserID: user.ID, GroupID: other.ID, ActiveDuring: interval.Since(at(2024, 1, 1)),
	}), "other groups do not conflict")

	memberships, err := store.GetMemberships(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, memberships, 4)
}

func TestSQLiteStorage_GetUserIDsWithMembershipAt(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	group := &model.Group{Name: "members"}
	require.NoError(t, store.CreateGroup(ctx, group))

	early := createUser(t, store, "early")
	late := createUser(t, store, "late")
	never := createUser(t, store, "never")
	_ = never

	require.NoError(t, store.AddMembership(ctx, &model.Membership{
		UserID: early.ID, GroupID: group.ID, ActiveDuring: interval.Closed(at(2024, 1, 1), at(2024, 2, 1)),
	}))
	require.NoError(t, store.AddMembership(ctx, &model.Membership{
		UserID: late.ID, GroupID: group.ID, ActiveDuring: interval.Since(at(2024, 3, 1)),
	}))

	ids, err := store.GetUserIDsWithMembershipAt(ctx, at(2024, 1, 15))
	require.NoError(t, err)
	assert.Equal(t, []int64{early.ID}, ids)

	ids, err = store.GetUserIDsWithMembershipAt(ctx, at(2024, 2, 1))
	require.NoError(t, err)
	assert.Empty(t, ids, "end bound is exclusive")

	ids, err = store.GetUserIDsWithMembershipAt(ctx, at(2024, 1, 31), at(2024, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, []int64{early.ID, late.ID}, ids)
}

func TestSQLiteStorage_EndMembership(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	user := createUser(t, store, "carol")
	group := &model.Group{Name: "members"}
	require.NoError(t, store.CreateGroup(ctx, group))
	m := &model.Membership{UserID: user.ID, GroupID: group.ID, ActiveDuring: interval.Since(at(2024, 1, 1))}
	require.NoError(t, store.AddMembership(ctx, m))

	require.NoError(t, store.EndMembership(ctx, m.ID, at(2024, 6, 1)))
	memberships, err := store.GetMemberships(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	require.NotNil(t, memberships[0].ActiveDuring.End)
	assert.True(t, memberships[0].ActiveDuring.End.Equal(at(2024, 6, 1)))
	assert.False(t, memberships[0].ActiveAt(at(2024, 6, 1)))

	assert.ErrorIs(t, store.EndMembership(ctx, m.ID, at(2023, 1, 1)), common.ErrNotFound)
}

func TestSQLiteStorage_UpsertProperty(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	group := &model.Group{Name: "members"}
	require.NoError(t, store.CreateGroup(ctx, group))

	prop, err := store.UpsertProperty(ctx, group.ID, model.PropertyMembershipFee, true)
	require.NoError(t, err)
	assert.True(t, prop.Granted)

	updated, err := store.UpsertProperty(ctx, group.ID, model.PropertyMembershipFee, false)
	require.NoError(t, err)
	assert.Equal(t, prop.ID, updated.ID)
	assert.False(t, updated.Granted)

	props, err := store.GetGroupProperties(ctx, []int64{group.ID})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.False(t, props[0].Granted)

	props, err = store.GetGroupProperties(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestSQLiteStorage_Rooms(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	feeAccount := createAccount(t, store, "Fees A", model.AccountTypeRevenue)
	withAccount := &model.Building{ShortName: "A", FeeAccountID: &feeAccount}
	without := &model.Building{ShortName: "B"}
	require.NoError(t, store.CreateBuilding(ctx, withAccount))
	require.NoError(t, store.CreateBuilding(ctx, without))

	got, err := store.GetBuilding(ctx, without.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FeeAccountID)

	ids, err := store.GetFeeAccountIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{feeAccount}, ids)

	roomA := &model.Room{BuildingID: withAccount.ID, Number: "101"}
	roomB := &model.Room{BuildingID: without.ID, Number: "7"}
	require.NoError(t, store.CreateRoom(ctx, roomA))
	require.NoError(t, store.CreateRoom(ctx, roomB))

	user := createUser(t, store, "dave")
	require.NoError(t, store.AddRoomHistoryEntry(ctx, &model.RoomHistoryEntry{
		UserID: user.ID, RoomID: roomA.ID, ActiveDuring: interval.Closed(at(2024, 1, 1), at(2024, 2, 1)),
	}))
	require.NoError(t, store.AddRoomHistoryEntry(ctx, &model.RoomHistoryEntry{
		UserID: user.ID, RoomID: roomB.ID, ActiveDuring: interval.Since(at(2024, 2, 1)),
	}))

	err = store.AddRoomHistoryEntry(ctx, &model.RoomHistoryEntry{
		UserID: user.ID, RoomID: roomA.ID, ActiveDuring: interval.Since(at(2024, 5, 1)),
	})
	assert.ErrorIs(t, err, common.ErrConflict)

	assert.NoError(t, store.AddRoomHistoryEntry(ctx, &model.RoomHistoryEntry{
		UserID: user.ID, RoomID: roomA.ID, ActiveDuring: interval.Closed(at(2024, 5, 1), at(2024, 5, 1)),
	}), "an empty stay overlaps nothing")

	room, err := store.GetRoomAt(ctx, user.ID, at(2024, 1, 20))
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, roomA.ID, room.ID)

	room, err = store.GetRoomAt(ctx, user.ID, at(2024, 2, 1))
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, roomB.ID, room.ID)

	room, err = store.GetRoomAt(ctx, user.ID, at(2023, 12, 31))
	require.NoError(t, err)
	assert.Nil(t, room)
}
