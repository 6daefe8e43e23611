package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/config"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const organisation = `
accounts:
  - {key: bank, name: Main bank, type: BANK_ASSET}
  - {key: fees-a, name: Fees building A, type: REVENUE}
  - {key: hosting, name: Team hosting, type: EXPENSE}
bank_accounts:
  - {name: Main, bank: Sparkasse, iban: DE89370400440532013000, account: bank}
buildings:
  - {short_name: A, fee_account: fees-a, rooms: ["101"]}
groups:
  - {name: members, grants: [membership_fee]}
  - {name: exempt, denies: [membership_fee]}
users:
  - login: alice
    memberships:
      - {group: members, since: 2023-10-01}
    residences:
      - {building: A, room: "101", since: 2023-10-01}
  - login: bob
    memberships:
      - {group: members, since: 2023-10-01}
      - {group: exempt, since: 2024-01-01}
fees:
  - {name: 2024-01, regular_fee: "5.00", begins_on: 2024-01-01, ends_on: 2024-01-31, booking_begin: 3, booking_end: 14}
patterns:
  - {pattern: hosting, account: hosting}
`

const statement = `:20:STARTUMSE
:25:37040044/0532013000
:28C:00001/001
:60F:C240101EUR0,00
:61:2401050105C5,00NTRFNONREF
:86:166?00GUTSCHRIFT?20SVWZ+Mitgliedsbeitrag 0001-95?32ALICE
:61:2401080108D2,00NDDTNONREF
:86:105?00LASTSCHRIFT?20SVWZ+Server hosting Jan?32HOSTING GMBH
:62F:C240108EUR3,00
-
`

func setupCommandTest(t *testing.T) string {
	t.Helper()

	v := viper.New()
	config.Configure(v)
	dir := t.TempDir()
	v.Set("database.path", filepath.Join(dir, "dues.db"))
	cfg, err := config.Load(v)
	require.NoError(t, err)

	previous := appConfig
	appConfig = cfg
	t.Cleanup(func() { appConfig = previous })
	return dir
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestWorkflow_SeedBillImportReconcile(t *testing.T) {
	dir := setupCommandTest(t)

	seedFile := filepath.Join(dir, "org.yaml")
	require.NoError(t, os.WriteFile(seedFile, []byte(organisation), 0600))
	out := runCommand(t, seedCmd(), seedFile)
	assert.Contains(t, out, "Seeded 3 accounts, 2 users")

	out = runCommand(t, feeCmd(), "post", "1", "--simulate")
	assert.Contains(t, out, "Would bill 1 members, 5.00 in total")
	assert.Contains(t, out, "alice")

	out = runCommand(t, feeCmd(), "post", "1")
	assert.Contains(t, out, "Billed 1 members")

	appConfig.Fees.Checkpoint = false
	out = runCommand(t, feeCmd(), "post", "1")
	assert.Contains(t, out, "No member is billable")

	statementFile := filepath.Join(dir, "jan.sta")
	require.NoError(t, os.WriteFile(statementFile, []byte(statement), 0600))
	out = runCommand(t, bankCmd(), "import", "1", statementFile)
	assert.Contains(t, out, "Imported 2 new activities, skipped 0")

	out = runCommand(t, bankCmd(), "import", "1", statementFile)
	assert.Contains(t, out, "Imported 0 new activities, skipped 2")

	out = runCommand(t, bankCmd(), "match", "--accept")
	assert.Contains(t, out, "0001-95")
	assert.Contains(t, out, "Team hosting")
	assert.Contains(t, out, "Booked 2 activities")

	store, err := storage.NewSQLiteStorage(appConfig.Database.Path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	users, err := store.GetUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)

	balances := map[int64]int64{}
	for _, id := range []int64{1, 2, 3, users[0].AccountID, users[1].AccountID} {
		balance, err := store.GetAccountBalance(ctx, id)
		require.NoError(t, err)
		balances[id] = balance
	}
	assert.Equal(t, int64(300), balances[1], "bank")
	assert.Equal(t, int64(-500), balances[2], "building fees")
	assert.Equal(t, int64(200), balances[3], "hosting")
	assert.Equal(t, int64(0), balances[users[0].AccountID], "alice paid the fee")
	assert.Equal(t, int64(0), balances[users[1].AccountID], "bob is exempt")

	unlinked, err := store.GetUnlinkedActivities(ctx)
	require.NoError(t, err)
	assert.Empty(t, unlinked)

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)
	checkpoints, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1, "the real fee run checkpoints the database")
}

func TestFeeUnlock(t *testing.T) {
	dir := setupCommandTest(t)

	seedFile := filepath.Join(dir, "org.yaml")
	require.NoError(t, os.WriteFile(seedFile, []byte(organisation), 0600))
	runCommand(t, seedCmd(), seedFile)

	out := runCommand(t, feeCmd(), "unlock", "1")
	assert.Contains(t, out, "Fee 1 has no open run")

	store, err := storage.NewSQLiteStorage(appConfig.Database.Path)
	require.NoError(t, err)
	crashed := &model.FeeRun{ID: "crashed", FeeID: 1, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.BeginFeeRun(context.Background(), crashed))
	require.NoError(t, store.Close())

	appConfig.Fees.Checkpoint = false
	cmd := feeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"post", "1"})
	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), common.ErrFeeRunInProgress)

	out = runCommand(t, feeCmd(), "unlock", "1")
	assert.Contains(t, out, "Released 1 open run(s) of fee 1")

	out = runCommand(t, feeCmd(), "post", "1")
	assert.Contains(t, out, "Billed 1 members")
}

func TestLedgerCommands(t *testing.T) {
	setupCommandTest(t)

	runCommand(t, accountCmd(), "create", "--name", "Cash", "--type", "ASSET")
	runCommand(t, accountCmd(), "create", "--name", "Supplies", "--type", "EXPENSE")

	out := runCommand(t, ledgerCmd(), "post", "--description", "Cleaning supplies", "--valid-on", "2024-03-01", "--unconfirmed", "2=12.50", "1=-12.50")
	assert.Contains(t, out, "Posted transaction 1 valid on 2024-03-01")

	out = runCommand(t, ledgerCmd(), "show", "1")
	assert.Contains(t, out, "Cleaning supplies")
	assert.Contains(t, out, "unconfirmed")

	runCommand(t, ledgerCmd(), "confirm", "1")
	out = runCommand(t, ledgerCmd(), "show", "1")
	assert.Contains(t, out, "confirmed")

	out = runCommand(t, accountCmd(), "balance", "2")
	assert.Contains(t, out, "12.50")

	cmd := ledgerCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"delete", "1"})
	assert.Error(t, cmd.ExecuteContext(context.Background()), "confirmed transactions cannot be deleted")

	cmd = ledgerCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"post", "--description", "Broken", "2=1.00", "1=-0.99"})
	assert.Error(t, cmd.ExecuteContext(context.Background()), "imbalanced postings are rejected")
}

func TestMemberCommands(t *testing.T) {
	setupCommandTest(t)

	runCommand(t, groupCmd(), "create", "members")
	runCommand(t, groupCmd(), "grant", "members", "membership_fee")

	out := runCommand(t, userCmd(), "create", "--login", "alice", "--name", "Alice Example")
	assert.Contains(t, out, "member ID 0001-95")

	runCommand(t, userCmd(), "join", "1", "--group", "members", "--since", "2024-01-01", "--until", "2024-07-01")

	out = runCommand(t, userCmd(), "properties", "1", "--at", "2024-03-01")
	assert.Contains(t, out, "membership_fee")
	assert.Contains(t, out, "granted")

	out = runCommand(t, userCmd(), "properties", "1", "--at", "2024-08-01")
	assert.Contains(t, out, "No properties.")

	out = runCommand(t, groupCmd(), "deny", "members", "membership_fee")
	assert.Contains(t, out, "membership_fee is denied")
}
