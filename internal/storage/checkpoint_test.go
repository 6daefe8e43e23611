package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointManager_CreateAndList(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	a := createAccount(t, store, "A", model.AccountTypeAsset)
	b := createAccount(t, store, "B", model.AccountTypeRevenue)
	require.NoError(t, store.InsertTransaction(ctx, transfer(b, a, 100, time.Now())))

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)

	info, err := cm.Create(ctx, "before-fees", "manual")
	require.NoError(t, err)
	assert.Equal(t, "before-fees", info.ID)
	assert.Equal(t, 1, info.Transactions)
	assert.Equal(t, ExpectedSchemaVersion, info.SchemaVersion)
	assert.False(t, info.IsAuto)

	_, err = os.Stat(filepath.Join(filepath.Dir(store.Path()), "checkpoints", "before-fees.db"))
	require.NoError(t, err)

	_, err = cm.Create(ctx, "before-fees", "again")
	assert.ErrorIs(t, err, ErrCheckpointExists)

	_, err = cm.Create(ctx, "../escape", "bad")
	assert.Error(t, err)

	list, err := cm.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "manual", list[0].Description)
}

func TestCheckpointManager_Delete(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)

	_, err = cm.Create(ctx, "temp", "")
	require.NoError(t, err)
	require.NoError(t, cm.Delete(ctx, "temp"))
	assert.ErrorIs(t, cm.Delete(ctx, "temp"), ErrCheckpointNotFound)
}

func TestCheckpointManager_AutoCheckpointPrunes(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)

	for i := 0; i < maxAutoCheckpoints+2; i++ {
		_, err := cm.create(ctx, "auto-fee-"+string(rune('a'+i)), "auto", true)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, cm.AutoCheckpoint(ctx, "fee"))

	list, err := cm.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, maxAutoCheckpoints)
}

func TestCheckpointManager_RejectsInMemory(t *testing.T) {
	_, err := NewCheckpointManager(nil, ":memory:")
	assert.ErrorIs(t, err, ErrInMemoryDatabase)
}
