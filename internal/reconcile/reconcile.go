// Package reconcile imports bank statements as activities, matches them to
// members and team accounts, and links them to ledger transactions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/ledger"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/mt940"
	"github.com/Veraticus/the-dues-must-flow/internal/ofx"
	"github.com/Veraticus/the-dues-must-flow/internal/pattern"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
)

// Raw statement formats accepted by ImportRaw.
const (
	FormatMT940 = "mt940"
	FormatOFX   = "ofx"
)

// ErrUnknownFormat is returned by ImportRaw for unsupported formats.
var ErrUnknownFormat = errors.New("unknown statement format")

// Config holds configuration options for reconciliation.
type Config struct {
	// Boilerplate lists fixed notices removed from references before
	// member IDs are extracted.
	Boilerplate []string
	// StrictTeamMatching leaves references matching several team accounts
	// unmatched instead of taking the first.
	StrictTeamMatching bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Boilerplate: DefaultBoilerplate}
}

// ImportResult classifies the records of one import.
type ImportResult struct {
	// New activities were persisted.
	New []model.BankAccountActivity
	// Old activities duplicate already imported lines and were skipped.
	Old []model.BankAccountActivity
	// Doubtful activities are dated today or later and were skipped.
	Doubtful []model.BankAccountActivity
	// Errors holds statements that could not be parsed.
	Errors []model.MT940Error
}

// Reconciler imports and matches bank account activities.
type Reconciler struct {
	storage service.Storage
	ledger  *ledger.Ledger
	logger  *slog.Logger
	parser  *ofx.Parser
	now     func() time.Time
	config  Config
}

// New creates a reconciler with the default configuration.
func New(storage service.Storage, l *ledger.Ledger) *Reconciler {
	return NewWithConfig(storage, l, DefaultConfig())
}

// NewWithConfig creates a reconciler with the given configuration.
func NewWithConfig(storage service.Storage, l *ledger.Ledger, config Config) *Reconciler {
	return &Reconciler{
		storage: storage,
		ledger:  l,
		logger:  common.Component("reconcile"),
		parser:  ofx.NewParser(),
		now:     time.Now,
		config:  config,
	}
}

// ImportStatement classifies records as doubtful, old, or new and persists
// the new ones. Duplicates are detected against previously imported
// activities only; repeated lines within one statement are all kept.
func (r *Reconciler) ImportStatement(ctx context.Context, bankAccountID int64, records []model.StatementRecord) (*ImportResult, error) {
	if _, err := r.storage.GetBankAccount(ctx, bankAccountID); err != nil {
		return nil, err
	}

	now := r.now()
	today := model.Date(now)
	result := &ImportResult{}

	err := service.WithTransaction(ctx, r.storage, func(tx service.Transaction) error {
		var fresh []model.BankAccountActivity
		for _, record := range records {
			activity := toActivity(bankAccountID, record, now)
			if !activity.PostedOn.Before(today) {
				result.Doubtful = append(result.Doubtful, activity)
				continue
			}

			exists, err := tx.ActivityExists(ctx, &activity)
			if err != nil {
				return err
			}
			if exists {
				result.Old = append(result.Old, activity)
				continue
			}
			fresh = append(fresh, activity)
		}

		for i := range fresh {
			if err := tx.InsertActivity(ctx, &fresh[i]); err != nil {
				return err
			}
		}
		result.New = fresh

		return tx.SetBankAccountImported(ctx, bankAccountID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import statement: %w", err)
	}

	r.logger.Info("Imported statement",
		"bank_account_id", bankAccountID,
		"new", len(result.New),
		"old", len(result.Old),
		"doubtful", len(result.Doubtful))
	for _, d := range result.Doubtful {
		r.logger.Warn("Doubtful activity needs manual review",
			"bank_account_id", bankAccountID,
			"posted_on", d.PostedOn.Format("2006-01-02"),
			"amount", d.Amount,
			"reference", d.Reference)
	}
	return result, nil
}

func toActivity(bankAccountID int64, record model.StatementRecord, now time.Time) model.BankAccountActivity {
	validOn := record.ValueDate
	if validOn.IsZero() {
		validOn = record.BookingDate
	}
	return model.BankAccountActivity{
		BankAccountID:     bankAccountID,
		Amount:            record.Amount,
		Reference:         record.Reference,
		OtherName:         record.CounterpartyName,
		OtherIBAN:         record.CounterpartyIBAN,
		OtherBIC:          record.CounterpartyBIC,
		EndToEndReference: record.EndToEndReference,
		PostedOn:          model.Date(record.BookingDate),
		ValidOn:           model.Date(validOn),
		ImportedAt:        now,
	}
}

// ImportRaw parses a raw statement and imports its records. Statements that
// fail to parse are stored as MT940 errors and do not abort the import.
func (r *Reconciler) ImportRaw(ctx context.Context, bankAccountID int64, format, raw string, authorID int64) (*ImportResult, error) {
	bank, err := r.storage.GetBankAccount(ctx, bankAccountID)
	if err != nil {
		return nil, err
	}

	var records []model.StatementRecord
	var failures []model.MT940Error
	capture := func(rawText string, parseErr error) {
		failures = append(failures, model.MT940Error{
			MT940:         rawText,
			Exception:     parseErr.Error(),
			AuthorID:      authorID,
			BankAccountID: bankAccountID,
			ImportedAt:    r.now(),
		})
	}

	switch strings.ToLower(format) {
	case FormatMT940:
		statements, parseErrs := mt940.Parse(raw)
		for _, stmt := range statements {
			records = append(records, stmt.Records...)
		}
		for _, parseErr := range parseErrs {
			capture(parseErr.Raw, parseErr)
		}
	case FormatOFX:
		statements, err := r.parser.ParseFile(ctx, strings.NewReader(raw))
		if err != nil {
			capture(raw, err)
		}
		for _, stmt := range statements {
			if bank.AccountNumber != "" && stmt.AccountID != bank.AccountNumber {
				r.logger.Debug("Skipping OFX statement for other account", "account", stmt.AccountID)
				continue
			}
			records = append(records, stmt.Records...)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	for i := range failures {
		if err := r.storage.CreateMT940Error(ctx, &failures[i]); err != nil {
			return nil, fmt.Errorf("failed to store unparseable statement: %w", err)
		}
		r.logger.Warn("Captured unparseable statement",
			"bank_account_id", bankAccountID,
			"mt940_error_id", failures[i].ID,
			"error", failures[i].Exception)
	}

	result, err := r.ImportStatement(ctx, bankAccountID, records)
	if err != nil {
		return nil, err
	}
	result.Errors = failures
	return result, nil
}

// Fetch pulls the records of a bank account between two dates from source
// and imports them.
func (r *Reconciler) Fetch(ctx context.Context, source service.StatementSource, bankAccountID int64, start, end time.Time) (*ImportResult, error) {
	bank, err := r.storage.GetBankAccount(ctx, bankAccountID)
	if err != nil {
		return nil, err
	}

	records, err := source.Statements(ctx, *bank, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch statements for %s: %w", bank.Name, err)
	}
	return r.ImportStatement(ctx, bankAccountID, records)
}

// UserMatch attributes an activity to a member.
type UserMatch struct {
	Activity model.BankAccountActivity
	User     model.User
}

// TeamMatch attributes an activity to a team account.
type TeamMatch struct {
	Activity  model.BankAccountActivity
	AccountID int64
}

// Ambiguity records an activity whose reference matched several team accounts.
type Ambiguity struct {
	Activity   model.BankAccountActivity
	AccountIDs []int64
}

// Matches is the outcome of MatchActivities.
type Matches struct {
	Users     []UserMatch
	Teams     []TeamMatch
	Ambiguous []Ambiguity
	Unmatched []model.BankAccountActivity
}

// MatchActivities resolves every unlinked activity to a member by the member
// ID in its reference, or else to a team account by pattern.
func (r *Reconciler) MatchActivities(ctx context.Context) (*Matches, error) {
	activities, err := r.storage.GetUnlinkedActivities(ctx)
	if err != nil {
		return nil, err
	}
	patterns, err := r.storage.GetAccountPatterns(ctx)
	if err != nil {
		return nil, err
	}
	matcher, err := pattern.NewMatcher(patterns)
	if err != nil {
		return nil, err
	}

	matches := &Matches{}
	for _, activity := range activities {
		user, err := r.matchUser(ctx, activity.Reference)
		if err != nil {
			return nil, err
		}
		if user != nil {
			matches.Users = append(matches.Users, UserMatch{Activity: activity, User: *user})
			continue
		}

		accounts := matcher.Match(activity.Reference)
		switch {
		case len(accounts) == 0:
			matches.Unmatched = append(matches.Unmatched, activity)
			continue
		case len(accounts) > 1:
			matches.Ambiguous = append(matches.Ambiguous, Ambiguity{Activity: activity, AccountIDs: accounts})
			r.logger.Warn("Reference matches several team accounts",
				"activity_id", activity.ID,
				"reference", activity.Reference,
				"accounts", accounts,
				"strict", r.config.StrictTeamMatching)
			if r.config.StrictTeamMatching {
				matches.Unmatched = append(matches.Unmatched, activity)
				continue
			}
		}
		matches.Teams = append(matches.Teams, TeamMatch{Activity: activity, AccountID: accounts[0]})
	}

	r.logger.Info("Matched activities",
		"activities", len(activities),
		"users", len(matches.Users),
		"teams", len(matches.Teams),
		"ambiguous", len(matches.Ambiguous),
		"unmatched", len(matches.Unmatched))
	return matches, nil
}

// matchUser returns the member whose ID appears in reference, or nil.
func (r *Reconciler) matchUser(ctx context.Context, reference string) (*model.User, error) {
	id, ok := ExtractMemberID(reference, r.config.Boilerplate)
	if !ok {
		return nil, nil
	}
	user, err := r.storage.GetUser(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

// AcceptMatches books every match against its bank account and links the
// activity. Each activity commits on its own; the failures are joined.
func (r *Reconciler) AcceptMatches(ctx context.Context, m *Matches, processorID int64) (int, error) {
	var errs []error
	accepted := 0

	accept := func(activity model.BankAccountActivity, accountID int64, description string) {
		if _, err := r.Bind(ctx, activity.ID, accountID, processorID, description); err != nil {
			errs = append(errs, fmt.Errorf("activity %d: %w", activity.ID, err))
			return
		}
		accepted++
	}

	for _, match := range m.Users {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		accept(match.Activity, match.User.AccountID, fmt.Sprintf("Payment by %s", match.User.Login))
	}
	for _, match := range m.Teams {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		accept(match.Activity, match.AccountID, match.Activity.Reference)
	}

	r.logger.Info("Accepted matches", "accepted", accepted, "failed", len(errs))
	return accepted, errors.Join(errs...)
}

// Bind books an activity between its bank account and target and links it
// to the bank account's split.
func (r *Reconciler) Bind(ctx context.Context, activityID, targetAccountID, processorID int64, description string) (*model.Transaction, error) {
	var txn *model.Transaction
	err := service.WithTransaction(ctx, r.storage, func(tx service.Transaction) error {
		activity, err := tx.GetActivity(ctx, activityID)
		if err != nil {
			return err
		}
		if activity.Linked() {
			return fmt.Errorf("%w: activity %d", common.ErrAlreadyLinked, activityID)
		}
		bank, err := tx.GetBankAccount(ctx, activity.BankAccountID)
		if err != nil {
			return err
		}

		if description == "" {
			description = activity.Reference
		}
		if description == "" {
			description = fmt.Sprintf("Bank activity %d", activity.ID)
		}

		txn, err = r.ledger.PostTx(ctx, tx, description, processorID, []model.SplitInput{
			{AccountID: bank.AccountID, Amount: activity.Amount},
			{AccountID: targetAccountID, Amount: -activity.Amount},
		}, ledger.WithValidOn(activity.ValidOn))
		if err != nil {
			return err
		}
		if err := tx.LinkActivity(ctx, activity.ID, txn.ID, bank.AccountID); err != nil {
			return err
		}
		return tx.AddLogEntry(ctx, &model.LogEntry{
			AuthorID:      processorID,
			TransactionID: &txn.ID,
			Message:       fmt.Sprintf("Bank activity %d bound to account %d", activity.ID, targetAccountID),
			CreatedAt:     r.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Bound activity",
		"activity_id", activityID,
		"account_id", targetAccountID,
		"transaction_id", txn.ID)
	return txn, nil
}
