// Package testutil provides test utilities for the dues project: isolated
// SQLite databases and fixture builders for the ledger, membership and bank
// entities.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/Veraticus/the-dues-must-flow/internal/storage"
)

// TestDB represents a test database with associated fixture helpers.
type TestDB struct {
	Storage *storage.SQLiteStorage
	t       *testing.T
	ctx     context.Context
}

// TestDBOptions provides configuration options for test database setup.
type TestDBOptions struct {
	CustomSetup    func(context.Context, service.Storage) error
	SkipMigrations bool
}

// SetupTestDB creates a migrated database in the test's temp directory.
// It is closed automatically when the test ends.
//
// Example:
//
//	db := testutil.SetupTestDB(t)
//	user := db.User("alice")
//	db.Member(user.ID, db.Group("members", testutil.Grants(model.PropertyMembershipFee)).ID, interval.Since(day0))
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{})
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "dues.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if !opts.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	if opts.CustomSetup != nil {
		if err := opts.CustomSetup(ctx, store); err != nil {
			t.Fatalf("custom setup failed: %v", err)
		}
	}

	return &TestDB{Storage: store, t: t, ctx: ctx}
}

// WithTransaction executes fn within a database transaction that is always
// rolled back afterwards.
func (db *TestDB) WithTransaction(fn func(tx service.Transaction) error) error {
	tx, err := db.Storage.BeginTx(db.ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// Account creates a ledger account and returns its ID.
func (db *TestDB) Account(name string, typ model.AccountType) int64 {
	db.t.Helper()
	account := &model.Account{Name: name, Type: typ}
	db.must(db.Storage.CreateAccount(db.ctx, account), "create account %q", name)
	return account.ID
}

// User creates a user with a fresh USER_ASSET account.
func (db *TestDB) User(login string) *model.User {
	db.t.Helper()
	user := &model.User{
		Login:        login,
		Name:         login,
		AccountID:    db.Account("User "+login, model.AccountTypeUserAsset),
		RegisteredAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	db.must(db.Storage.CreateUser(db.ctx, user), "create user %q", login)
	return user
}

// PropertySpec describes a property a fixture group carries.
type PropertySpec struct {
	Name    string
	Granted bool
}

// Grants returns specs granting each named property.
func Grants(names ...string) []PropertySpec {
	specs := make([]PropertySpec, len(names))
	for i, name := range names {
		specs[i] = PropertySpec{Name: name, Granted: true}
	}
	return specs
}

// Denies returns specs denying each named property.
func Denies(names ...string) []PropertySpec {
	specs := make([]PropertySpec, len(names))
	for i, name := range names {
		specs[i] = PropertySpec{Name: name, Granted: false}
	}
	return specs
}

// Group creates a property group carrying the given properties.
func (db *TestDB) Group(name string, props []PropertySpec) *model.Group {
	db.t.Helper()
	group := &model.Group{Name: name}
	db.must(db.Storage.CreateGroup(db.ctx, group), "create group %q", name)
	for _, p := range props {
		_, err := db.Storage.UpsertProperty(db.ctx, group.ID, p.Name, p.Granted)
		db.must(err, "set property %q on %q", p.Name, name)
	}
	return group
}

// Member adds a membership of user in group during the interval.
func (db *TestDB) Member(userID, groupID int64, during interval.Interval[time.Time]) *model.Membership {
	db.t.Helper()
	m := &model.Membership{UserID: userID, GroupID: groupID, ActiveDuring: during}
	db.must(db.Storage.AddMembership(db.ctx, m), "add membership")
	return m
}

// Building creates a building, optionally with a fee account.
func (db *TestDB) Building(shortName string, feeAccountID *int64) *model.Building {
	db.t.Helper()
	building := &model.Building{ShortName: shortName, FeeAccountID: feeAccountID}
	db.must(db.Storage.CreateBuilding(db.ctx, building), "create building %q", shortName)
	return building
}

// Room creates a room in a building.
func (db *TestDB) Room(buildingID int64, number string) *model.Room {
	db.t.Helper()
	room := &model.Room{BuildingID: buildingID, Number: number}
	db.must(db.Storage.CreateRoom(db.ctx, room), "create room %q", number)
	return room
}

// LivesIn records that user lived in room during the interval.
func (db *TestDB) LivesIn(userID, roomID int64, during interval.Interval[time.Time]) {
	db.t.Helper()
	entry := &model.RoomHistoryEntry{UserID: userID, RoomID: roomID, ActiveDuring: during}
	db.must(db.Storage.AddRoomHistoryEntry(db.ctx, entry), "add room history")
}

// Fee creates a membership fee.
func (db *TestDB) Fee(fee model.MembershipFee) *model.MembershipFee {
	db.t.Helper()
	db.must(db.Storage.CreateMembershipFee(db.ctx, &fee), "create fee %q", fee.Name)
	return &fee
}

// BankAccount creates a bank account owning a fresh BANK_ASSET account.
func (db *TestDB) BankAccount(name string) *model.BankAccount {
	db.t.Helper()
	bank := &model.BankAccount{
		Name:      name,
		BankName:  "Test Bank",
		IBAN:      "DE89370400440532013000",
		AccountID: db.Account("Bank "+name, model.AccountTypeBankAsset),
	}
	db.must(db.Storage.CreateBankAccount(db.ctx, bank), "create bank account %q", name)
	return bank
}

// Pattern binds a team pattern to an account.
func (db *TestDB) Pattern(pattern string, accountID int64) {
	db.t.Helper()
	db.must(db.Storage.CreateAccountPattern(db.ctx, &model.AccountPattern{Pattern: pattern, AccountID: accountID}),
		"create pattern %q", pattern)
}

// Balance returns the store-side balance of an account.
func (db *TestDB) Balance(accountID int64) int64 {
	db.t.Helper()
	balance, err := db.Storage.GetAccountBalance(db.ctx, accountID)
	db.must(err, "get balance of %d", accountID)
	return balance
}

// TransactionCount returns the number of persisted ledger transactions.
func (db *TestDB) TransactionCount() int {
	db.t.Helper()
	var count int
	err := db.Storage.DB().QueryRowContext(db.ctx, `SELECT COUNT(*) FROM "transaction"`).Scan(&count)
	db.must(err, "count transactions")
	return count
}

func (db *TestDB) must(err error, format string, args ...any) {
	db.t.Helper()
	if err != nil {
		db.t.Fatalf("failed to "+format+": %v", append(args, err)...)
	}
}

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
