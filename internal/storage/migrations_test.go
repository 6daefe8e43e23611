package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_ReachesExpectedVersion(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSchemaVersion, version)

	// Running again is a no-op.
	require.NoError(t, store.Migrate(ctx))
}

func TestMigrate_CreatesSchemaObjects(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	objects := map[string]string{
		"account":                      "table",
		"split":                        "table",
		"bank_account_activity":        "table",
		"membership_fee":               "table",
		"fee_run":                      "table",
		"account_balance":              "view",
		"idx_fee_run_open":             "index",
		"transaction_confirmed_delete": "trigger",
		"activity_link_one_way":        "trigger",
		"membership_no_overlap_insert": "trigger",
	}

	for name, typ := range objects {
		var count int
		err := store.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`, typ, name).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "%s %s missing", typ, name)
	}
}

func TestMigrate_ForeignKeysEnforced(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	var enabled int
	require.NoError(t, store.db.QueryRow(`PRAGMA foreign_keys`).Scan(&enabled))
	assert.Equal(t, 1, enabled)
}
