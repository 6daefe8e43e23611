// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

// Storage defines the contract for our persistence layer.
type Storage interface {
	// Account operations
	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetAccounts(ctx context.Context) ([]model.Account, error)
	GetAccountBalance(ctx context.Context, accountID int64) (int64, error)

	// Transaction operations
	InsertTransaction(ctx context.Context, txn *model.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*model.Transaction, error)
	GetSplitsByAccount(ctx context.Context, accountID int64) ([]model.Split, error)
	SetTransactionConfirmed(ctx context.Context, id int64) error
	DeleteTransaction(ctx context.Context, id int64) error
	GetUnconfirmedTransactionIDs(ctx context.Context, postedBefore time.Time) ([]int64, error)
	AddLogEntry(ctx context.Context, entry *model.LogEntry) error
	GetLogEntries(ctx context.Context, transactionID int64) ([]model.LogEntry, error)
	GetLogEntriesByAuthor(ctx context.Context, authorID int64) ([]model.LogEntry, error)

	// Bank operations
	CreateBankAccount(ctx context.Context, bank *model.BankAccount) error
	GetBankAccount(ctx context.Context, id int64) (*model.BankAccount, error)
	GetBankAccountByAccountID(ctx context.Context, accountID int64) (*model.BankAccount, error)
	GetBankAccounts(ctx context.Context) ([]model.BankAccount, error)
	SetBankAccountImported(ctx context.Context, id int64, at time.Time) error

	// Bank activity operations
	InsertActivity(ctx context.Context, activity *model.BankAccountActivity) error
	ActivityExists(ctx context.Context, activity *model.BankAccountActivity) (bool, error)
	GetActivity(ctx context.Context, id int64) (*model.BankAccountActivity, error)
	GetUnlinkedActivities(ctx context.Context) ([]model.BankAccountActivity, error)
	LinkActivity(ctx context.Context, activityID, transactionID, accountID int64) error

	// Pattern operations
	CreateAccountPattern(ctx context.Context, pattern *model.AccountPattern) error
	GetAccountPatterns(ctx context.Context) ([]model.AccountPattern, error)

	// Statement error operations
	CreateMT940Error(ctx context.Context, mtErr *model.MT940Error) error
	GetMT940Errors(ctx context.Context) ([]model.MT940Error, error)

	// User and group operations
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUsers(ctx context.Context) ([]model.User, error)
	CreateGroup(ctx context.Context, group *model.Group) error
	GetGroupByName(ctx context.Context, name string) (*model.Group, error)
	AddMembership(ctx context.Context, membership *model.Membership) error
	EndMembership(ctx context.Context, id int64, end time.Time) error
	GetMemberships(ctx context.Context, userID int64) ([]model.Membership, error)
	GetUserIDsWithMembershipAt(ctx context.Context, when ...time.Time) ([]int64, error)
	UpsertProperty(ctx context.Context, groupID int64, name string, granted bool) (*model.Property, error)
	GetGroupProperties(ctx context.Context, groupIDs []int64) ([]model.Property, error)

	// Building and room operations
	CreateBuilding(ctx context.Context, building *model.Building) error
	GetBuilding(ctx context.Context, id int64) (*model.Building, error)
	GetFeeAccountIDs(ctx context.Context) ([]int64, error)
	CreateRoom(ctx context.Context, room *model.Room) error
	AddRoomHistoryEntry(ctx context.Context, entry *model.RoomHistoryEntry) error
	GetRoomAt(ctx context.Context, userID int64, when time.Time) (*model.Room, error)

	// Membership fee operations
	CreateMembershipFee(ctx context.Context, fee *model.MembershipFee) error
	GetMembershipFee(ctx context.Context, id int64) (*model.MembershipFee, error)
	GetMembershipFees(ctx context.Context) ([]model.MembershipFee, error)
	GetLatestMembershipFee(ctx context.Context) (*model.MembershipFee, error)
	HasFeeTransaction(ctx context.Context, userAccountID int64, feeAccountIDs []int64, begin, end time.Time) (bool, error)
	BeginFeeRun(ctx context.Context, run *model.FeeRun) error
	FinishFeeRun(ctx context.Context, id string, at time.Time) error
	ReleaseFeeRuns(ctx context.Context, feeID int64, startedBefore, at time.Time) (int64, error)

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit() error
	Rollback() error
	// Include all Storage methods for use within transaction
	Storage
}

// WithTransaction runs fn inside a store transaction. The transaction is
// committed when fn returns nil and rolled back otherwise, so fn's writes
// either all persist or none do.
func WithTransaction(ctx context.Context, storage Storage, fn func(tx Transaction) error) error {
	tx, err := storage.BeginTx(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// StatementSource is a banking client that yields raw statement records.
type StatementSource interface {
	Statements(ctx context.Context, bank model.BankAccount, start, end time.Time) ([]model.StatementRecord, error)
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
