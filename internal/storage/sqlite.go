package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	*store
	db     *sql.DB
	dbPath string
}

// store carries every data operation. Outside a transaction q is the *sql.DB
// and db is set; inside one q is the *sql.Tx and touched collects the
// ledger transactions whose balance must be verified before commit.
type store struct {
	q       queryable
	db      *sql.DB
	touched map[int64]struct{}
}

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serialises writers anyway; one connection keeps pragmas consistent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		store:  &store{q: db, db: db},
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// NewCheckpointManager creates a new checkpoint manager for this storage instance.
func (s *SQLiteStorage) NewCheckpointManager() (*CheckpointManager, error) {
	return NewCheckpointManager(s.db, s.dbPath)
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTransaction{
		store: &store{q: tx, touched: make(map[int64]struct{})},
		tx:    tx,
		ctx:   ctx,
	}, nil
}

// sqliteTransaction wraps sql.Tx to implement service.Transaction.
type sqliteTransaction struct {
	*store
	tx  *sql.Tx
	ctx context.Context
}

// Commit verifies that every ledger transaction touched inside this unit of
// work is balanced and only then commits. On violation it rolls back.
func (t *sqliteTransaction) Commit() error {
	if err := t.verifyBalanced(t.ctx); err != nil {
		_ = t.tx.Rollback()
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTransaction) Migrate(_ context.Context) error {
	// Migrations should not be run within a transaction
	return fmt.Errorf("migrations cannot be run within a transaction")
}

func (t *sqliteTransaction) BeginTx(_ context.Context) (service.Transaction, error) {
	// Nested transactions not supported
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *sqliteTransaction) Close() error {
	// Transactions should be committed or rolled back, not closed
	return fmt.Errorf("transactions must be committed or rolled back, not closed")
}

// atomic runs fn in a unit of work. Inside a caller's transaction it reuses
// it; otherwise it opens one and applies the same pre-commit checks.
func (s *store) atomic(ctx context.Context, fn func(*store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inner := &store{q: tx, touched: make(map[int64]struct{})}
	if err := fn(inner); err != nil {
		return err
	}
	if err := inner.verifyBalanced(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *store) touch(transactionID int64) {
	if s.touched != nil {
		s.touched[transactionID] = struct{}{}
	}
}

// verifyBalanced is the deferred balance check: every touched transaction
// that still exists must have at least two splits summing to zero.
func (s *store) verifyBalanced(ctx context.Context) error {
	if len(s.touched) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(s.touched))
	for id := range s.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	placeholders, args := inClause(ids)
	query := `
		SELECT t.id, COUNT(s.id), COALESCE(SUM(s.amount), 0)
		FROM "transaction" t
		LEFT JOIN split s ON s.transaction_id = t.id
		WHERE t.id IN (` + placeholders + `)
		GROUP BY t.id
		HAVING COUNT(s.id) < 2 OR COALESCE(SUM(s.amount), 0) != 0
		LIMIT 1`

	var id, count, sum int64
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&id, &count, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to verify transaction balance: %w", err)
	}
	return fmt.Errorf("%w: transaction %d has %d splits summing to %d",
		common.ErrImbalancedTransaction, id, count, sum)
}

// mapError translates SQLite constraint failures, including trigger aborts,
// into common.ErrConflict.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", common.ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func inClause(ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

// utc normalises times before they reach SQLite so that the textual
// comparisons done by queries and triggers order correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return utc(*t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
