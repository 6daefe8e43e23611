package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial ledger, bank and membership schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE account (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					type TEXT NOT NULL CHECK (type IN (
						'ASSET', 'USER_ASSET', 'BANK_ASSET', 'LIABILITY', 'EXPENSE', 'REVENUE'
					)),
					legacy BOOLEAN NOT NULL DEFAULT 0
				)`,

				`CREATE TABLE "user" (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					login TEXT UNIQUE NOT NULL,
					name TEXT NOT NULL,
					account_id INTEGER UNIQUE NOT NULL REFERENCES account(id),
					registered_at DATETIME NOT NULL
				)`,

				`CREATE TABLE "transaction" (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					description TEXT NOT NULL,
					author_id INTEGER NOT NULL,
					posted_at DATETIME NOT NULL,
					valid_on DATETIME NOT NULL,
					confirmed BOOLEAN NOT NULL DEFAULT 1
				)`,
				`CREATE INDEX idx_transaction_valid_on ON "transaction"(valid_on)`,
				`CREATE INDEX idx_transaction_unconfirmed ON "transaction"(posted_at) WHERE confirmed = 0`,

				`CREATE TABLE split (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					transaction_id INTEGER NOT NULL REFERENCES "transaction"(id) ON DELETE CASCADE,
					account_id INTEGER NOT NULL REFERENCES account(id),
					amount INTEGER NOT NULL,
					UNIQUE (transaction_id, account_id)
				)`,
				`CREATE INDEX idx_split_account ON split(account_id)`,

				// The store-side rendition of model.Balance.
				`CREATE VIEW account_balance AS
					SELECT a.id AS account_id, COALESCE(SUM(s.amount), 0) AS balance
					FROM account a
					LEFT JOIN split s ON s.account_id = a.id
					GROUP BY a.id`,

				`CREATE TABLE bank_account (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					bank TEXT NOT NULL DEFAULT '',
					iban TEXT NOT NULL DEFAULT '',
					bic TEXT NOT NULL DEFAULT '',
					routing_number TEXT NOT NULL DEFAULT '',
					account_number TEXT NOT NULL DEFAULT '',
					account_id INTEGER UNIQUE NOT NULL REFERENCES account(id),
					last_imported_at DATETIME
				)`,

				`CREATE TABLE bank_account_activity (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					bank_account_id INTEGER NOT NULL REFERENCES bank_account(id),
					amount INTEGER NOT NULL,
					reference TEXT NOT NULL,
					other_name TEXT NOT NULL DEFAULT '',
					other_iban TEXT NOT NULL DEFAULT '',
					other_bic TEXT NOT NULL DEFAULT '',
					end_to_end_reference TEXT NOT NULL DEFAULT '',
					posted_on DATETIME NOT NULL,
					valid_on DATETIME NOT NULL,
					imported_at DATETIME NOT NULL,
					transaction_id INTEGER,
					account_id INTEGER,
					CHECK ((transaction_id IS NULL) = (account_id IS NULL)),
					FOREIGN KEY (transaction_id, account_id) REFERENCES split(transaction_id, account_id)
				)`,
				`CREATE INDEX idx_activity_line ON bank_account_activity(bank_account_id, amount, posted_on)`,
				`CREATE INDEX idx_activity_unlinked ON bank_account_activity(id) WHERE transaction_id IS NULL`,

				`CREATE TABLE account_pattern (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					pattern TEXT NOT NULL,
					account_id INTEGER NOT NULL REFERENCES account(id)
				)`,

				`CREATE TABLE mt940_error (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					mt940 TEXT NOT NULL,
					exception TEXT NOT NULL,
					author_id INTEGER NOT NULL,
					bank_account_id INTEGER NOT NULL REFERENCES bank_account(id),
					imported_at DATETIME NOT NULL
				)`,

				`CREATE TABLE membership_fee (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					regular_fee INTEGER NOT NULL CHECK (regular_fee >= 0),
					booking_begin INTEGER NOT NULL CHECK (booking_begin >= 0),
					booking_end INTEGER NOT NULL CHECK (booking_end >= 0),
					payment_deadline INTEGER NOT NULL DEFAULT 0,
					payment_deadline_final INTEGER NOT NULL DEFAULT 0,
					begins_on DATETIME NOT NULL,
					ends_on DATETIME NOT NULL,
					CHECK (begins_on <= ends_on)
				)`,

				`CREATE TABLE property_group (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT UNIQUE NOT NULL
				)`,

				`CREATE TABLE membership (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL REFERENCES "user"(id),
					group_id INTEGER NOT NULL REFERENCES property_group(id),
					begins_at DATETIME,
					ends_at DATETIME,
					CHECK (begins_at IS NULL OR ends_at IS NULL OR begins_at <= ends_at)
				)`,
				`CREATE INDEX idx_membership_user ON membership(user_id)`,

				`CREATE TABLE property (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					property_group_id INTEGER NOT NULL REFERENCES property_group(id),
					name TEXT NOT NULL,
					granted BOOLEAN NOT NULL,
					UNIQUE (property_group_id, name)
				)`,

				`CREATE TABLE building (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					short_name TEXT UNIQUE NOT NULL,
					fee_account_id INTEGER REFERENCES account(id)
				)`,

				`CREATE TABLE room (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					building_id INTEGER NOT NULL REFERENCES building(id),
					number TEXT NOT NULL,
					UNIQUE (building_id, number)
				)`,

				`CREATE TABLE room_history_entry (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL REFERENCES "user"(id),
					room_id INTEGER NOT NULL REFERENCES room(id),
					begins_at DATETIME,
					ends_at DATETIME,
					CHECK (begins_at IS NULL OR ends_at IS NULL OR begins_at <= ends_at)
				)`,
				`CREATE INDEX idx_room_history_user ON room_history_entry(user_id)`,

				`CREATE TABLE log_entry (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					author_id INTEGER NOT NULL,
					message TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					transaction_id INTEGER REFERENCES "transaction"(id) ON DELETE SET NULL,
					user_id INTEGER REFERENCES "user"(id)
				)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Enforce ledger and membership invariants with triggers",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TRIGGER transaction_confirmed_delete
				BEFORE DELETE ON "transaction"
				WHEN OLD.confirmed
				BEGIN
					SELECT RAISE(ABORT, 'confirmed transactions cannot be deleted');
				END`,

				`CREATE TRIGGER transaction_unconfirm
				BEFORE UPDATE OF confirmed ON "transaction"
				WHEN OLD.confirmed AND NOT NEW.confirmed
				BEGIN
					SELECT RAISE(ABORT, 'confirmed transactions cannot be unconfirmed');
				END`,

				`CREATE TRIGGER split_immutable
				BEFORE UPDATE ON split
				BEGIN
					SELECT RAISE(ABORT, 'splits are immutable');
				END`,

				`CREATE TRIGGER bank_account_owns_bank_asset
				BEFORE INSERT ON bank_account
				WHEN (SELECT type FROM account WHERE id = NEW.account_id) IS NOT 'BANK_ASSET'
				BEGIN
					SELECT RAISE(ABORT, 'bank account must own a BANK_ASSET account');
				END`,

				`CREATE TRIGGER activity_link_insert
				BEFORE INSERT ON bank_account_activity
				WHEN NEW.transaction_id IS NOT NULL
				BEGIN
					SELECT RAISE(ABORT, 'activities are imported unlinked');
				END`,

				`CREATE TRIGGER activity_link_one_way
				BEFORE UPDATE OF transaction_id, account_id ON bank_account_activity
				WHEN OLD.transaction_id IS NOT NULL
				BEGIN
					SELECT RAISE(ABORT, 'activity is already linked');
				END`,

				`CREATE TRIGGER activity_link_consistent
				BEFORE UPDATE OF transaction_id, account_id ON bank_account_activity
				WHEN NEW.transaction_id IS NOT NULL AND NOT EXISTS (
					SELECT 1
					FROM split s
					JOIN bank_account b ON b.id = NEW.bank_account_id
					WHERE s.transaction_id = NEW.transaction_id
					  AND s.account_id = NEW.account_id
					  AND s.account_id = b.account_id
					  AND s.amount = NEW.amount
				)
				BEGIN
					SELECT RAISE(ABORT, 'linked split must match bank account and amount');
				END`,

				`CREATE TRIGGER activity_immutable
				BEFORE UPDATE OF bank_account_id, amount, reference, other_name, other_iban,
					other_bic, end_to_end_reference, posted_on, valid_on, imported_at
				ON bank_account_activity
				BEGIN
					SELECT RAISE(ABORT, 'imported activities are immutable');
				END`,

				`CREATE TRIGGER membership_no_overlap_insert
				BEFORE INSERT ON membership
				WHEN EXISTS (
					SELECT 1 FROM membership m
					WHERE m.user_id = NEW.user_id AND m.group_id = NEW.group_id
					  AND (m.begins_at IS NULL OR NEW.ends_at IS NULL OR m.begins_at < NEW.ends_at)
					  AND (NEW.begins_at IS NULL OR m.ends_at IS NULL OR NEW.begins_at < m.ends_at)
					  AND NOT (m.begins_at IS NOT NULL AND m.ends_at IS NOT NULL AND m.begins_at >= m.ends_at)
					  AND NOT (NEW.begins_at IS NOT NULL AND NEW.ends_at IS NOT NULL AND NEW.begins_at >= NEW.ends_at)
				)
				BEGIN
					SELECT RAISE(ABORT, 'membership overlaps an existing membership');
				END`,

				`CREATE TRIGGER membership_no_overlap_update
				BEFORE UPDATE OF begins_at, ends_at, user_id, group_id ON membership
				WHEN EXISTS (
					SELECT 1 FROM membership m
					WHERE m.id != NEW.id
					  AND m.user_id = NEW.user_id AND m.group_id = NEW.group_id
					  AND (m.begins_at IS NULL OR NEW.ends_at IS NULL OR m.begins_at < NEW.ends_at)
					  AND (NEW.begins_at IS NULL OR m.ends_at IS NULL OR NEW.begins_at < m.ends_at)
					  AND NOT (m.begins_at IS NOT NULL AND m.ends_at IS NOT NULL AND m.begins_at >= m.ends_at)
					  AND NOT (NEW.begins_at IS NOT NULL AND NEW.ends_at IS NOT NULL AND NEW.begins_at >= NEW.ends_at)
				)
				BEGIN
					SELECT RAISE(ABORT, 'membership overlaps an existing membership');
				END`,

				`CREATE TRIGGER room_history_no_overlap
				BEFORE INSERT ON room_history_entry
				WHEN EXISTS (
					SELECT 1 FROM room_history_entry r
					WHERE r.user_id = NEW.user_id
					  AND (r.begins_at IS NULL OR NEW.ends_at IS NULL OR r.begins_at < NEW.ends_at)
					  AND (NEW.begins_at IS NULL OR r.ends_at IS NULL OR NEW.begins_at < r.ends_at)
					  AND NOT (r.begins_at IS NOT NULL AND r.ends_at IS NOT NULL AND r.begins_at >= r.ends_at)
					  AND NOT (NEW.begins_at IS NOT NULL AND NEW.ends_at IS NOT NULL AND NEW.begins_at >= NEW.ends_at)
				)
				BEGIN
					SELECT RAISE(ABORT, 'room history overlaps an existing entry');
				END`,
			})
		},
	},
	{
		Version:     3,
		Description: "Add fee runs to serialise billing per fee",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE fee_run (
					id TEXT PRIMARY KEY,
					fee_id INTEGER NOT NULL REFERENCES membership_fee(id),
					processor_id INTEGER NOT NULL,
					started_at DATETIME NOT NULL,
					finished_at DATETIME
				)`,
				`CREATE UNIQUE INDEX idx_fee_run_open ON fee_run(fee_id) WHERE finished_at IS NULL`,
			})
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	// Apply migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		// Update version
		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, version)
	}

	return nil
}

// SchemaVersion reports the schema version recorded in the database.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
