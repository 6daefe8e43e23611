// Package fee implements membership fee billing: deciding which users are
// billable for a fee period and posting their fee transactions as one batch.
package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/ledger"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/property"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/google/uuid"
)

// Config holds configuration options for the fee engine.
type Config struct {
	// Property is the property that makes a user billable.
	Property string
	// Description is a fmt template receiving the fee name.
	Description string
	// DefaultAccountID is the fee account used for users without a room in a
	// building that has one. Zero means none is configured.
	DefaultAccountID int64
	// Checkpoint snapshots the database before non-simulated runs.
	Checkpoint bool
	// RunTimeout is the age after which an unfinished run marker is taken
	// to belong to a crashed process and is released. Zero never expires.
	RunTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Property:    model.PropertyMembershipFee,
		Description: "Membership fee %s",
	}
}

// Checkpointer snapshots the database before a bulk write.
type Checkpointer interface {
	AutoCheckpoint(ctx context.Context, prefix string) error
}

// Checkpoint names which booking checkpoint made a user billable.
type Checkpoint string

// Booking checkpoints.
const (
	CheckpointBegin Checkpoint = "booking_begin"
	CheckpointEnd   Checkpoint = "booking_end"
)

// AffectedUser is a user billed (or, when simulating, to be billed) by a run.
type AffectedUser struct {
	Login         string
	Checkpoint    Checkpoint
	UserID        int64
	AccountID     int64
	FeeAccountID  int64
	Amount        int64
	TransactionID int64
}

// Engine posts membership fees.
type Engine struct {
	storage      service.Storage
	ledger       *ledger.Ledger
	checkpointer Checkpointer
	progress     func(done, total int)
	logger       *slog.Logger
	now          func() time.Time
	config       Config
}

// New creates a fee engine with the default configuration.
func New(storage service.Storage, l *ledger.Ledger) *Engine {
	return NewWithConfig(storage, l, DefaultConfig())
}

// NewWithConfig creates a fee engine with custom configuration.
func NewWithConfig(storage service.Storage, l *ledger.Ledger, config Config) *Engine {
	defaults := DefaultConfig()
	if config.Property == "" {
		config.Property = defaults.Property
	}
	if config.Description == "" {
		config.Description = defaults.Description
	}
	return &Engine{
		storage: storage,
		ledger:  l,
		config:  config,
		logger:  common.Component("fee"),
		now:     time.Now,
	}
}

// SetCheckpointer installs the snapshotter used when Config.Checkpoint is set.
func (e *Engine) SetCheckpointer(c Checkpointer) {
	e.checkpointer = c
}

// OnProgress registers a callback invoked as users are evaluated.
func (e *Engine) OnProgress(fn func(done, total int)) {
	e.progress = fn
}

// Unlock closes every open run marker of a fee, whatever its age. Use it
// only when no run for the fee is active.
func (e *Engine) Unlock(ctx context.Context, feeID, processorID int64) (int64, error) {
	if _, err := e.storage.GetMembershipFee(ctx, feeID); err != nil {
		return 0, fmt.Errorf("failed to load fee %d: %w", feeID, err)
	}
	now := e.now()
	released, err := e.storage.ReleaseFeeRuns(ctx, feeID, now.Add(time.Nanosecond), now)
	if err != nil {
		return 0, err
	}
	e.logger.Info("Unlocked fee", "fee_id", feeID, "released", released, "processor_id", processorID)
	return released, nil
}

// PostFee bills every eligible user for the fee. With simulate set it only
// computes the affected users. A real run holds the fee's run marker for its
// duration, so concurrent runs for the same fee fail with
// common.ErrFeeRunInProgress; all postings commit together or not at all.
func (e *Engine) PostFee(ctx context.Context, feeID, processorID int64, simulate bool) ([]AffectedUser, error) {
	fee, err := e.storage.GetMembershipFee(ctx, feeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee %d: %w", feeID, err)
	}

	e.logger.Info("Starting fee run",
		"fee", fee.Name,
		"regular_fee", fee.RegularFee,
		"begins_on", fee.BeginsOn.Format(time.DateOnly),
		"ends_on", fee.EndsOn.Format(time.DateOnly),
		"simulate", simulate)

	if simulate {
		return e.affectedUsers(ctx, e.storage, fee)
	}

	run := &model.FeeRun{
		ID:          uuid.NewString(),
		FeeID:       fee.ID,
		ProcessorID: processorID,
		StartedAt:   e.now(),
	}
	if e.config.RunTimeout > 0 {
		cutoff := run.StartedAt.Add(-e.config.RunTimeout)
		released, err := e.storage.ReleaseFeeRuns(ctx, fee.ID, cutoff, run.StartedAt)
		if err != nil {
			return nil, err
		}
		if released > 0 {
			e.logger.Warn("Released stale fee run",
				"fee", fee.Name,
				"count", released,
				"started_before", cutoff.Format(time.RFC3339))
		}
	}
	if err := e.storage.BeginFeeRun(ctx, run); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.storage.FinishFeeRun(context.WithoutCancel(ctx), run.ID, e.now()); err != nil {
			e.logger.Error("Failed to release fee run", "run_id", run.ID, "error", err)
		}
	}()

	if e.config.Checkpoint && e.checkpointer != nil {
		if err := e.checkpointer.AutoCheckpoint(ctx, "fee"); err != nil {
			return nil, fmt.Errorf("failed to checkpoint before fee run: %w", err)
		}
	}

	var affected []AffectedUser
	err = service.WithTransaction(ctx, e.storage, func(tx service.Transaction) error {
		var err error
		affected, err = e.affectedUsers(ctx, tx, fee)
		if err != nil {
			return err
		}
		return e.post(ctx, tx, fee, processorID, affected)
	})
	if err != nil {
		return nil, fmt.Errorf("fee run %s failed: %w", run.ID, err)
	}

	e.logger.Info("Finished fee run",
		"fee", fee.Name,
		"run_id", run.ID,
		"users", len(affected),
		"total", int64(len(affected))*fee.RegularFee)
	return affected, nil
}

func (e *Engine) post(ctx context.Context, tx service.Transaction, fee *model.MembershipFee, processorID int64, affected []AffectedUser) error {
	description := fmt.Sprintf(e.config.Description, fee.Name)
	for i := range affected {
		a := &affected[i]
		txn, err := e.ledger.PostTx(ctx, tx, description, processorID, []model.SplitInput{
			{AccountID: a.FeeAccountID, Amount: -a.Amount},
			{AccountID: a.AccountID, Amount: a.Amount},
		}, ledger.WithValidOn(fee.EndsOn))
		if err != nil {
			return fmt.Errorf("failed to bill user %d: %w", a.UserID, err)
		}
		a.TransactionID = txn.ID

		userID := a.UserID
		if err := tx.AddLogEntry(ctx, &model.LogEntry{
			AuthorID:      processorID,
			UserID:        &userID,
			TransactionID: &txn.ID,
			Message:       description + " booked",
			CreatedAt:     e.now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// affectedUsers evaluates eligibility, the double-billing guard and fee
// account resolution against s.
func (e *Engine) affectedUsers(ctx context.Context, s service.Storage, fee *model.MembershipFee) ([]AffectedUser, error) {
	if fee.RegularFee == 0 {
		e.logger.Info("Fee is zero, nobody is billed", "fee", fee.Name)
		return nil, nil
	}

	beginCP := fee.BookingBeginCheckpoint()
	endCP := fee.BookingEndCheckpoint()

	candidates, err := s.GetUserIDsWithMembershipAt(ctx, beginCP, endCP)
	if err != nil {
		return nil, err
	}

	feeAccounts, err := e.feeAccountIDs(ctx, s)
	if err != nil {
		return nil, err
	}

	resolver := property.NewResolver(s)
	var affected []AffectedUser
	for i, userID := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.progress != nil {
			e.progress(i+1, len(candidates))
		}

		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		atBegin, err := resolver.HasProperty(ctx, userID, e.config.Property, beginCP)
		if err != nil {
			return nil, err
		}
		atEnd, err := resolver.HasProperty(ctx, userID, e.config.Property, endCP)
		if err != nil {
			return nil, err
		}
		if !atBegin && !atEnd {
			e.logger.Debug("User not billable", "user_id", userID)
			continue
		}

		billed, err := s.HasFeeTransaction(ctx, user.AccountID, feeAccounts, fee.BeginsOn, fee.EndsOn)
		if err != nil {
			return nil, err
		}
		if billed {
			e.logger.Debug("User already billed", "user_id", userID, "fee", fee.Name)
			continue
		}

		feeAccount, checkpoint, err := e.resolveFeeAccount(ctx, s, userID, atBegin, atEnd, beginCP, endCP)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", userID, err)
		}

		affected = append(affected, AffectedUser{
			UserID:       userID,
			Login:        user.Login,
			AccountID:    user.AccountID,
			FeeAccountID: feeAccount,
			Amount:       fee.RegularFee,
			Checkpoint:   checkpoint,
		})
	}

	e.logger.Info("Evaluated fee eligibility",
		"fee", fee.Name,
		"candidates", len(candidates),
		"billable", len(affected))
	return affected, nil
}

// feeAccountIDs lists every account that counts as a fee account for the
// double-billing guard.
func (e *Engine) feeAccountIDs(ctx context.Context, s service.Storage) ([]int64, error) {
	ids, err := s.GetFeeAccountIDs(ctx)
	if err != nil {
		return nil, err
	}
	if e.config.DefaultAccountID == 0 {
		return ids, nil
	}
	for _, id := range ids {
		if id == e.config.DefaultAccountID {
			return ids, nil
		}
	}
	return append(ids, e.config.DefaultAccountID), nil
}

// resolveFeeAccount picks the building fee account of the user's room at the
// checkpoint that made them billable, preferring booking_end.
func (e *Engine) resolveFeeAccount(ctx context.Context, s service.Storage, userID int64, atBegin, atEnd bool, beginCP, endCP time.Time) (int64, Checkpoint, error) {
	type option struct {
		when       time.Time
		checkpoint Checkpoint
		eligible   bool
	}
	options := []option{
		{when: endCP, checkpoint: CheckpointEnd, eligible: atEnd},
		{when: beginCP, checkpoint: CheckpointBegin, eligible: atBegin},
	}

	fallback := CheckpointEnd
	if !atEnd {
		fallback = CheckpointBegin
	}

	for _, o := range options {
		if !o.eligible {
			continue
		}
		room, err := s.GetRoomAt(ctx, userID, o.when)
		if err != nil {
			return 0, "", err
		}
		if room == nil {
			continue
		}
		building, err := s.GetBuilding(ctx, room.BuildingID)
		if err != nil {
			return 0, "", err
		}
		if building.FeeAccountID != nil {
			return *building.FeeAccountID, o.checkpoint, nil
		}
	}

	if e.config.DefaultAccountID == 0 {
		return 0, "", common.ErrNoDefaultFeeAcct
	}
	return e.config.DefaultAccountID, fallback, nil
}

// EstimateBalance projects the user's balance at endDate: the current
// balance, plus the latest fee if it is still unbilled, plus one regular fee
// for every later month in which the user would be billable. A positive
// result is owed by the user. Nothing is posted.
func (e *Engine) EstimateBalance(ctx context.Context, userID int64, endDate time.Time) (int64, error) {
	user, err := e.storage.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	latest, err := e.storage.GetLatestMembershipFee(ctx)
	if err != nil {
		if errors.Is(err, common.ErrNoFeeInformation) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to load latest fee: %w", err)
	}

	balance, err := e.storage.GetAccountBalance(ctx, user.AccountID)
	if err != nil {
		return 0, err
	}

	feeAccounts, err := e.feeAccountIDs(ctx, e.storage)
	if err != nil {
		return 0, err
	}
	billed, err := e.storage.HasFeeTransaction(ctx, user.AccountID, feeAccounts, latest.BeginsOn, latest.EndsOn)
	if err != nil {
		return 0, err
	}

	resolver := property.NewResolver(e.storage)
	if !billed {
		due, err := e.billableIn(ctx, resolver, userID, *latest)
		if err != nil {
			return 0, err
		}
		if due {
			balance += latest.RegularFee
		}
	}

	end := model.Date(endDate)
	for month := firstOfNextMonth(latest.EndsOn); !month.After(end); month = month.AddDate(0, 1, 0) {
		period := *latest
		period.BeginsOn = month
		period.EndsOn = month.AddDate(0, 1, -1)
		due, err := e.billableIn(ctx, resolver, userID, period)
		if err != nil {
			return 0, err
		}
		if due {
			balance += latest.RegularFee
		}
	}

	return balance, nil
}

func (e *Engine) billableIn(ctx context.Context, r *property.Resolver, userID int64, fee model.MembershipFee) (bool, error) {
	for _, cp := range []time.Time{fee.BookingBeginCheckpoint(), fee.BookingEndCheckpoint()} {
		ok, err := r.HasProperty(ctx, userID, e.config.Property, cp)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func firstOfNextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
