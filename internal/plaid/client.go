// Package plaid provides a statement source backed by the Plaid API.
package plaid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/shopspring/decimal"
)

// ErrUnmappedAccount is returned when a bank account has no Plaid account configured.
var ErrUnmappedAccount = errors.New("bank account has no plaid account mapping")

// pageSize is Plaid's maximum page size for /transactions/get.
const pageSize = int32(500)

// Config holds Plaid API configuration.
type Config struct {
	// Accounts maps local bank account IDs to Plaid account IDs.
	Accounts    map[string]string
	ClientID    string
	Secret      string
	Environment string // sandbox or production
	AccessToken string
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("plaid client ID is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("plaid secret is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("plaid access token is required")
	}
	if c.Environment == "" {
		return fmt.Errorf("plaid environment is required")
	}

	validEnvs := map[string]bool{
		"sandbox":    true,
		"production": true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid Plaid environment: must be sandbox or production")
	}

	return nil
}

// pager fetches one page of transactions for a Plaid account.
type pager interface {
	page(ctx context.Context, accountID string, start, end time.Time, offset int32) ([]plaid.Transaction, error)
	accounts(ctx context.Context) ([]plaid.AccountBase, error)
}

type apiPager struct {
	client      *plaid.APIClient
	accessToken string
}

func (p *apiPager) page(ctx context.Context, accountID string, start, end time.Time, offset int32) ([]plaid.Transaction, error) {
	request := plaid.NewTransactionsGetRequest(
		p.accessToken,
		start.Format("2006-01-02"),
		end.Format("2006-01-02"),
	)
	request.SetOptions(plaid.TransactionsGetRequestOptions{
		AccountIds: &[]string{accountID},
		Count:      plaid.PtrInt32(pageSize),
		Offset:     plaid.PtrInt32(offset),
	})

	resp, _, err := p.client.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*request).Execute()
	if err != nil {
		return nil, classify(err, "failed to fetch transactions")
	}
	return resp.GetTransactions(), nil
}

func (p *apiPager) accounts(ctx context.Context) ([]plaid.AccountBase, error) {
	request := plaid.NewAccountsGetRequest(p.accessToken)
	resp, _, err := p.client.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
	if err != nil {
		return nil, classify(err, "failed to fetch accounts")
	}
	return resp.GetAccounts(), nil
}

// classify turns rate limiting into a retryable error.
func classify(err error, msg string) error {
	if plaidError := extractPlaidError(err); plaidError != nil {
		if plaidError.ErrorCode == "RATE_LIMIT_EXCEEDED" {
			return &common.RetryableError{Err: err, Retryable: true}
		}
		return fmt.Errorf("plaid API error: %s - %s", plaidError.ErrorCode, plaidError.ErrorMessage)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Client implements service.StatementSource.
type Client struct {
	pager     pager
	logger    *slog.Logger
	accounts  map[string]string
	retryOpts service.RetryOptions
}

// NewClient creates a new Plaid client with the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)

	switch cfg.Environment {
	case "sandbox":
		configuration.UseEnvironment(plaid.Sandbox)
	case "production":
		configuration.UseEnvironment(plaid.Production)
	}

	return newClient(&apiPager{
		client:      plaid.NewAPIClient(configuration),
		accessToken: cfg.AccessToken,
	}, cfg.Accounts), nil
}

func newClient(p pager, accounts map[string]string) *Client {
	return &Client{
		pager:    p,
		accounts: accounts,
		logger:   slog.Default().With("component", "plaid"),
		retryOpts: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Statements fetches the records of a bank account between two dates.
func (c *Client) Statements(ctx context.Context, bank model.BankAccount, start, end time.Time) ([]model.StatementRecord, error) {
	if start.After(end) {
		return nil, fmt.Errorf("start date must be before end date")
	}

	accountID, ok := c.accounts[strconv.FormatInt(bank.ID, 10)]
	if !ok {
		return nil, fmt.Errorf("%w: %s (id %d)", ErrUnmappedAccount, bank.Name, bank.ID)
	}

	c.logger.Info("Fetching transactions from Plaid",
		"bank_account", bank.Name,
		"start_date", start.Format("2006-01-02"),
		"end_date", end.Format("2006-01-02"))

	var all []plaid.Transaction
	for offset := int32(0); ; offset += pageSize {
		var batch []plaid.Transaction
		err := common.WithRetry(ctx, func() error {
			var err error
			batch, err = c.pager.page(ctx, accountID, start, end, offset)
			if common.IsRetryable(err) {
				c.logger.Warn("Rate limit hit, will retry", "error", err)
			}
			return err
		}, c.retryOpts)
		if err != nil {
			return nil, err
		}

		c.logger.Debug("Fetched transaction batch", "count", len(batch), "offset", offset)
		all = append(all, batch...)
		if len(batch) < int(pageSize) {
			break
		}
	}

	records := make([]model.StatementRecord, 0, len(all))
	for _, pt := range all {
		if pt.GetPending() {
			continue
		}
		record, err := mapPlaidTransaction(pt)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	c.logger.Info("Fetched statement records", "count", len(records))
	return records, nil
}

// Accounts lists the Plaid account IDs reachable with the access token, for
// building the bank account mapping.
func (c *Client) Accounts(ctx context.Context) (map[string]string, error) {
	var accounts []plaid.AccountBase
	err := common.WithRetry(ctx, func() error {
		var err error
		accounts, err = c.pager.accounts(ctx)
		return err
	}, c.retryOpts)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(accounts))
	for _, account := range accounts {
		out[account.GetAccountId()] = account.GetName()
	}
	return out, nil
}

// mapPlaidTransaction converts a Plaid transaction into a statement record.
// Plaid reports money leaving the account as a positive amount.
func mapPlaidTransaction(pt plaid.Transaction) (model.StatementRecord, error) {
	date, err := time.Parse("2006-01-02", pt.GetDate())
	if err != nil {
		return model.StatementRecord{}, fmt.Errorf("transaction %s: invalid date %q: %w", pt.GetTransactionId(), pt.GetDate(), err)
	}
	valueDate := date
	if authorized := pt.GetAuthorizedDate(); authorized != "" {
		if parsed, err := time.Parse("2006-01-02", authorized); err == nil {
			valueDate = parsed
		}
	}

	name := pt.GetMerchantName()
	if name == "" {
		name = pt.GetName()
	}

	reference := pt.GetOriginalDescription()
	if reference == "" {
		reference = pt.GetName()
	}

	return model.StatementRecord{
		BookingDate:       date,
		ValueDate:         valueDate,
		CounterpartyName:  cleanMerchantName(name),
		Reference:         strings.TrimSpace(reference),
		EndToEndReference: pt.GetTransactionId(),
		Amount:            -decimal.NewFromFloat(pt.GetAmount()).Round(2).Shift(2).IntPart(),
	}, nil
}

// cleanMerchantName normalises whitespace and drops trailing transaction IDs
// and company suffixes.
func cleanMerchantName(name string) string {
	parts := strings.Fields(name)
	if len(parts) > 1 {
		lastPart := parts[len(parts)-1]
		// A long all-digit tail is a transaction ID
		if len(lastPart) > 5 && isAllDigits(lastPart) {
			parts = parts[:len(parts)-1]
		}
	}
	name = strings.Join(parts, " ")

	suffixes := []string{
		" LLC",
		" Inc",
		" Ltd",
		" GmbH",
		" e.V.",
	}

	changed := true
	for changed {
		changed = false
		for _, suffix := range suffixes {
			if len(name) > len(suffix) && strings.EqualFold(name[len(name)-len(suffix):], suffix) {
				name = name[:len(name)-len(suffix)]
				changed = true
			}
		}
	}

	return strings.TrimSpace(name)
}

// isAllDigits checks if a string contains only digits.
func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// extractPlaidError attempts to extract a Plaid error from a generic error.
func extractPlaidError(err error) *plaid.PlaidError {
	plaidErr, convErr := plaid.ToPlaidError(err)
	if convErr != nil {
		return nil
	}
	return &plaidErr
}

var _ service.StatementSource = (*Client)(nil)
