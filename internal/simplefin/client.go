// Package simplefin provides a statement source backed by a SimpleFIN bridge.
package simplefin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/shopspring/decimal"
)

// ErrUnmappedAccount is returned when a bank account has no SimpleFIN account configured.
var ErrUnmappedAccount = errors.New("bank account has no simplefin account mapping")

// Config holds SimpleFIN configuration.
type Config struct {
	// Accounts maps local bank account IDs to SimpleFIN account IDs.
	Accounts map[string]string
	// Token is the one-time setup token, claimed on first use.
	Token string
	// AccessURL skips claiming when set.
	AccessURL string
	// StateFile stores the claimed access URL.
	StateFile string
}

// Client fetches statement records from a SimpleFIN bridge.
type Client struct {
	httpClient *http.Client
	accounts   map[string]string
	logger     *slog.Logger
	accessURL  string
	retryOpts  service.RetryOptions
}

// SimpleFIN API response types.
type accountSet struct {
	Errors   []string  `json:"errors"`
	Accounts []account `json:"accounts"`
}

type account struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Currency     string        `json:"currency"`
	Balance      string        `json:"balance"`
	Transactions []transaction `json:"transactions"`
}

type transaction struct {
	ID           string `json:"id"`
	Amount       string `json:"amount"`
	Description  string `json:"description"`
	Payee        string `json:"payee"`
	Memo         string `json:"memo"`
	Posted       int64  `json:"posted"`
	TransactedAt int64  `json:"transacted_at"`
	Pending      bool   `json:"pending"`
}

// NewClient creates a SimpleFIN client, claiming the setup token if no
// access URL is configured or saved.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	accessURL := cfg.AccessURL
	if accessURL == "" {
		stateFile := cfg.StateFile
		if stateFile == "" {
			var err error
			if stateFile, err = DefaultStateFile(); err != nil {
				return nil, fmt.Errorf("failed to get state file path: %w", err)
			}
		}
		auth, err := LoadOrClaimAuth(ctx, httpClient, cfg.Token, stateFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load/claim auth: %w", err)
		}
		accessURL = auth.AccessURL
	}

	return &Client{
		accessURL:  strings.TrimSuffix(accessURL, "/"),
		httpClient: httpClient,
		accounts:   cfg.Accounts,
		logger:     common.Component("simplefin"),
		retryOpts: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}, nil
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

	q := url.Values{}
	q.Set("account", accountID)
	q.Set("start-date", strconv.FormatInt(start.Unix(), 10))
	// end-date is exclusive
	q.Set("end-date", strconv.FormatInt(end.AddDate(0, 0, 1).Unix(), 10))

	c.logger.Info("Fetching transactions from SimpleFIN",
		"bank_account", bank.Name,
		"start_date", start.Format("2006-01-02"),
		"end_date", end.Format("2006-01-02"))

	set, err := c.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	var records []model.StatementRecord
	for _, acct := range set.Accounts {
		if acct.ID != accountID {
			continue
		}
		for _, tx := range acct.Transactions {
			if tx.Pending {
				continue
			}
			record, err := mapTransaction(tx)
			if err != nil {
				return nil, err
			}
			if record.BookingDate.Before(model.Date(start)) || record.BookingDate.After(end) {
				continue
			}
			records = append(records, record)
		}
	}

	c.logger.Info("Fetched statement records", "count", len(records))
	return records, nil
}

// Accounts lists the SimpleFIN account IDs and names, for building the bank
// account mapping.
func (c *Client) Accounts(ctx context.Context) (map[string]string, error) {
	q := url.Values{}
	q.Set("balances-only", "1")
	set, err := c.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(set.Accounts))
	for _, acct := range set.Accounts {
		out[acct.ID] = acct.Name
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, q url.Values) (*accountSet, error) {
	u, err := url.Parse(c.accessURL + "/accounts")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	u.RawQuery = q.Encode()

	var set accountSet
	err = common.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &common.RetryableError{Err: fmt.Errorf("failed to fetch data: %w", err), Retryable: true}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			apiErr := fmt.Errorf("SimpleFIN API error: %d - %s", resp.StatusCode, string(body))
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return &common.RetryableError{Err: apiErr, Retryable: retryable}
		}

		set = accountSet{}
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}, c.retryOpts)
	if err != nil {
		return nil, err
	}

	for _, msg := range set.Errors {
		c.logger.Warn("SimpleFIN bridge reported an error", "error", msg)
	}
	return &set, nil
}

// mapTransaction converts a SimpleFIN transaction into a statement record.
// Amounts are signed decimal strings; negative amounts leave the account.
func mapTransaction(tx transaction) (model.StatementRecord, error) {
	amount, err := decimal.NewFromString(tx.Amount)
	if err != nil {
		return model.StatementRecord{}, fmt.Errorf("failed to parse amount %q: %w", tx.Amount, err)
	}

	booking := model.Date(time.Unix(tx.Posted, 0).UTC())
	value := booking
	if tx.TransactedAt != 0 {
		value = model.Date(time.Unix(tx.TransactedAt, 0).UTC())
	}

	reference := strings.TrimSpace(tx.Memo)
	if reference == "" {
		reference = strings.TrimSpace(tx.Description)
	}

	return model.StatementRecord{
		BookingDate:       booking,
		ValueDate:         value,
		Amount:            amount.Shift(2).Round(0).IntPart(),
		CounterpartyName:  strings.TrimSpace(tx.Payee),
		Reference:         reference,
		EndToEndReference: tx.ID,
	}, nil
}
