package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
)

// CreateAccount inserts a new ledger account.
func (s *store) CreateAccount(ctx context.Context, account *model.Account) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateAccount(account); err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`INSERT INTO account (name, type, legacy) VALUES (?, ?, ?)`,
		account.Name, string(account.Type), account.Legacy)
	if err != nil {
		return mapError(fmt.Errorf("failed to create account: %w", err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get account ID: %w", err)
	}
	account.ID = id
	return nil
}

// GetAccount retrieves an account by ID.
func (s *store) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var account model.Account
	var accountType string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, type, legacy FROM account WHERE id = ?`, id,
	).Scan(&account.ID, &account.Name, &accountType, &account.Legacy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.Type = model.AccountType(accountType)
	return &account, nil
}

// GetAccounts lists all accounts ordered by ID.
func (s *store) GetAccounts(ctx context.Context) ([]model.Account, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `SELECT id, name, type, legacy FROM account ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		var account model.Account
		var accountType string
		if err := rows.Scan(&account.ID, &account.Name, &accountType, &account.Legacy); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		account.Type = model.AccountType(accountType)
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// GetAccountBalance returns the store-side aggregate from the account_balance view.
func (s *store) GetAccountBalance(ctx context.Context, accountID int64) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	var balance int64
	err := s.q.QueryRowContext(ctx,
		`SELECT balance FROM account_balance WHERE account_id = ?`, accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: account %d", common.ErrNotFound, accountID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get account balance: %w", err)
	}
	return balance, nil
}
