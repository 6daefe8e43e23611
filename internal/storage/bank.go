package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

const bankAccountColumns = `id, name, bank, iban, bic, routing_number, account_number, account_id, last_imported_at`

// CreateBankAccount inserts a bank account. Its ledger account must be BANK_ASSET.
func (s *store) CreateBankAccount(ctx context.Context, bank *model.BankAccount) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if bank == nil {
		return fmt.Errorf("%w: bank account", ErrNilParameter)
	}
	if err := validateString(bank.Name, "name"); err != nil {
		return err
	}

	account, err := s.GetAccount(ctx, bank.AccountID)
	if err != nil {
		return err
	}
	if account.Type != model.AccountTypeBankAsset {
		return fmt.Errorf("%w: bank account needs a %s account, account %d is %s",
			common.ErrWrongAccountType, model.AccountTypeBankAsset, account.ID, account.Type)
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO bank_account (name, bank, iban, bic, routing_number, account_number, account_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bank.Name, bank.BankName, bank.IBAN, bank.BIC, bank.RoutingNumber, bank.AccountNumber, bank.AccountID)
	if err != nil {
		return mapError(fmt.Errorf("failed to create bank account: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get bank account ID: %w", err)
	}
	bank.ID = id
	return nil
}

// GetBankAccount retrieves a bank account by ID.
func (s *store) GetBankAccount(ctx context.Context, id int64) (*model.BankAccount, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.scanBankAccount(s.q.QueryRowContext(ctx,
		`SELECT `+bankAccountColumns+` FROM bank_account WHERE id = ?`, id), "bank account", id)
}

// GetBankAccountByAccountID retrieves the bank account owning a ledger account.
func (s *store) GetBankAccountByAccountID(ctx context.Context, accountID int64) (*model.BankAccount, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.scanBankAccount(s.q.QueryRowContext(ctx,
		`SELECT `+bankAccountColumns+` FROM bank_account WHERE account_id = ?`, accountID), "bank account for account", accountID)
}

// GetBankAccounts lists all bank accounts.
func (s *store) GetBankAccounts(ctx context.Context) ([]model.BankAccount, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+bankAccountColumns+` FROM bank_account ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bank accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var banks []model.BankAccount
	for rows.Next() {
		bank, err := scanBankAccountRow(rows)
		if err != nil {
			return nil, err
		}
		banks = append(banks, *bank)
	}
	return banks, rows.Err()
}

// SetBankAccountImported records the time of the latest statement import.
func (s *store) SetBankAccountImported(ctx context.Context, id int64, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	result, err := s.q.ExecContext(ctx, `UPDATE bank_account SET last_imported_at = ? WHERE id = ?`, utc(at), id)
	if err != nil {
		return fmt.Errorf("failed to update bank account: %w", err)
	}
	return expectOneRow(result, "bank account", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *store) scanBankAccount(row *sql.Row, what string, id int64) (*model.BankAccount, error) {
	bank, err := scanBankAccountRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %d", common.ErrNotFound, what, id)
	}
	return bank, err
}

func scanBankAccountRow(row rowScanner) (*model.BankAccount, error) {
	var bank model.BankAccount
	var imported sql.NullTime
	err := row.Scan(&bank.ID, &bank.Name, &bank.BankName, &bank.IBAN, &bank.BIC,
		&bank.RoutingNumber, &bank.AccountNumber, &bank.AccountID, &imported)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bank account: %w", err)
	}
	bank.LastImportedAt = timePtr(imported)
	return &bank, nil
}

// CreateMT940Error stores a statement that could not be parsed.
func (s *store) CreateMT940Error(ctx context.Context, mtErr *model.MT940Error) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if mtErr == nil {
		return fmt.Errorf("%w: mt940 error", ErrNilParameter)
	}
	if mtErr.ImportedAt.IsZero() {
		mtErr.ImportedAt = time.Now()
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO mt940_error (mt940, exception, author_id, bank_account_id, imported_at)
		VALUES (?, ?, ?, ?, ?)`,
		mtErr.MT940, mtErr.Exception, mtErr.AuthorID, mtErr.BankAccountID, utc(mtErr.ImportedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to store mt940 error: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get mt940 error ID: %w", err)
	}
	mtErr.ID = id
	return nil
}

// GetMT940Errors lists captured statement errors, newest first.
func (s *store) GetMT940Errors(ctx context.Context) ([]model.MT940Error, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, mt940, exception, author_id, bank_account_id, imported_at
		FROM mt940_error ORDER BY imported_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mt940 errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var errs []model.MT940Error
	for rows.Next() {
		var e model.MT940Error
		if err := rows.Scan(&e.ID, &e.MT940, &e.Exception, &e.AuthorID, &e.BankAccountID, &e.ImportedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mt940 error: %w", err)
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// CreateAccountPattern stores a team-account pattern.
func (s *store) CreateAccountPattern(ctx context.Context, pattern *model.AccountPattern) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if pattern == nil {
		return fmt.Errorf("%w: account pattern", ErrNilParameter)
	}
	if err := validateString(pattern.Pattern, "pattern"); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO account_pattern (pattern, account_id) VALUES (?, ?)`, pattern.Pattern, pattern.AccountID)
	if err != nil {
		return mapError(fmt.Errorf("failed to create account pattern: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get account pattern ID: %w", err)
	}
	pattern.ID = id
	return nil
}

// GetAccountPatterns lists all patterns in creation order.
func (s *store) GetAccountPatterns(ctx context.Context) ([]model.AccountPattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `SELECT id, pattern, account_id FROM account_pattern ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []model.AccountPattern
	for rows.Next() {
		var p model.AccountPattern
		if err := rows.Scan(&p.ID, &p.Pattern, &p.AccountID); err != nil {
			return nil, fmt.Errorf("failed to scan account pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
