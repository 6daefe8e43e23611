package fee

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/ledger"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db            *testutil.TestDB
	fee           *model.MembershipFee
	members       *model.Group
	buildingFees  int64
	defaultFees   int64
	resident      *model.User
	roomless      *model.User
	nonPaying     *model.User
	former        *model.User
	residentRoom  *model.Room
	defaultConfig Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)

	f := &fixture{db: db}
	f.buildingFees = db.Account("Fees building A", model.AccountTypeRevenue)
	f.defaultFees = db.Account("Fees default", model.AccountTypeRevenue)
	f.defaultConfig = Config{DefaultAccountID: f.defaultFees}

	building := db.Building("A", &f.buildingFees)
	f.residentRoom = db.Room(building.ID, "101")

	f.members = db.Group("members", testutil.Grants(model.PropertyMembershipFee))
	exempt := db.Group("exempt", testutil.Denies(model.PropertyMembershipFee))

	since := interval.Since(testutil.Day(2023, 12, 1))

	f.resident = db.User("resident")
	db.Member(f.resident.ID, f.members.ID, since)
	db.LivesIn(f.resident.ID, f.residentRoom.ID, since)

	f.roomless = db.User("roomless")
	db.Member(f.roomless.ID, f.members.ID, since)

	f.nonPaying = db.User("exempt")
	db.Member(f.nonPaying.ID, f.members.ID, since)
	db.Member(f.nonPaying.ID, exempt.ID, since)

	f.former = db.User("former")
	db.Member(f.former.ID, f.members.ID, interval.Closed(testutil.Day(2023, 6, 1), testutil.Day(2023, 12, 31)))

	f.fee = db.Fee(model.MembershipFee{
		Name:         "2024-01",
		RegularFee:   500,
		BookingBegin: 3,
		BookingEnd:   14,
		BeginsOn:     testutil.Day(2024, 1, 1),
		EndsOn:       testutil.Day(2024, 1, 31),
	})
	return f
}

func (f *fixture) engine(config Config) *Engine {
	return NewWithConfig(f.db.Storage, ledger.New(f.db.Storage), config)
}

func byUser(affected []AffectedUser) map[int64]AffectedUser {
	m := make(map[int64]AffectedUser, len(affected))
	for _, a := range affected {
		m[a.UserID] = a
	}
	return m
}

func TestPostFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(f.defaultConfig)

	affected, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)
	require.Len(t, affected, 2)

	users := byUser(affected)
	assert.Equal(t, f.buildingFees, users[f.resident.ID].FeeAccountID)
	assert.Equal(t, CheckpointEnd, users[f.resident.ID].Checkpoint)
	assert.Equal(t, f.defaultFees, users[f.roomless.ID].FeeAccountID)

	for _, a := range affected {
		txn, err := f.db.Storage.GetTransaction(ctx, a.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, "Membership fee 2024-01", txn.Description)
		assert.True(t, txn.Confirmed)
		assert.True(t, f.fee.EndsOn.Equal(txn.ValidOn))
		assert.Equal(t, int64(1), txn.AuthorID)

		feeSplit, ok := txn.SplitFor(a.FeeAccountID)
		require.True(t, ok)
		assert.Equal(t, int64(-500), feeSplit.Amount)
		userSplit, ok := txn.SplitFor(a.AccountID)
		require.True(t, ok)
		assert.Equal(t, int64(500), userSplit.Amount)
	}

	assert.Equal(t, int64(500), f.db.Balance(f.resident.AccountID))
	assert.Equal(t, int64(500), f.db.Balance(f.roomless.AccountID))
	assert.Zero(t, f.db.Balance(f.nonPaying.AccountID), "a denying group overrides the grant")
	assert.Zero(t, f.db.Balance(f.former.AccountID))
	assert.Equal(t, int64(-500), f.db.Balance(f.buildingFees))
	assert.Equal(t, int64(-500), f.db.Balance(f.defaultFees))
}

func TestPostFee_RerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(f.defaultConfig)

	first, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	count := f.db.TransactionCount()

	second, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, count, f.db.TransactionCount())
}

func TestPostFee_Simulate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(f.defaultConfig)

	simulated, err := e.PostFee(ctx, f.fee.ID, 1, true)
	require.NoError(t, err)
	assert.Zero(t, f.db.TransactionCount())

	posted, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)
	require.Len(t, posted, len(simulated))

	for _, s := range simulated {
		assert.Zero(t, s.TransactionID)
		p := byUser(posted)[s.UserID]
		assert.Equal(t, s.FeeAccountID, p.FeeAccountID)
		assert.Equal(t, s.Amount, p.Amount)
	}
}

func TestPostFee_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{})

	_, err := e.PostFee(context.Background(), f.fee.ID, 1, false)
	assert.ErrorIs(t, err, common.ErrNoDefaultFeeAcct)
	assert.Zero(t, f.db.TransactionCount(), "the resident must not be billed when the run fails")
}

func TestPostFee_RunGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(f.defaultConfig)

	require.NoError(t, f.db.Storage.BeginFeeRun(ctx, &model.FeeRun{ID: "other", FeeID: f.fee.ID, ProcessorID: 2}))

	_, err := e.PostFee(ctx, f.fee.ID, 1, false)
	assert.ErrorIs(t, err, common.ErrFeeRunInProgress)
	assert.Zero(t, f.db.TransactionCount())

	_, err = e.PostFee(ctx, f.fee.ID, 1, true)
	assert.NoError(t, err, "simulations do not take the run marker")

	require.NoError(t, f.db.Storage.FinishFeeRun(ctx, "other", time.Now()))
	affected, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)
	assert.Len(t, affected, 2)

	// The engine releases its own marker.
	_, err = e.PostFee(ctx, f.fee.ID, 1, false)
	assert.NoError(t, err)
}

func TestPostFee_ReleasesStaleRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	config := f.defaultConfig
	config.RunTimeout = 24 * time.Hour
	e := f.engine(config)

	crashed := &model.FeeRun{ID: "crashed", FeeID: f.fee.ID, ProcessorID: 2, StartedAt: time.Now().Add(-72 * time.Hour)}
	require.NoError(t, f.db.Storage.BeginFeeRun(ctx, crashed))

	affected, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)
	assert.Len(t, affected, 2)
	assert.ErrorIs(t, f.db.Storage.FinishFeeRun(ctx, crashed.ID, time.Now()), common.ErrNotFound)
}

func TestPostFee_RecentRunIsKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	config := f.defaultConfig
	config.RunTimeout = 24 * time.Hour
	e := f.engine(config)

	active := &model.FeeRun{ID: "active", FeeID: f.fee.ID, ProcessorID: 2, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, f.db.Storage.BeginFeeRun(ctx, active))

	_, err := e.PostFee(ctx, f.fee.ID, 1, false)
	assert.ErrorIs(t, err, common.ErrFeeRunInProgress)
	assert.Zero(t, f.db.TransactionCount())
}

func TestUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(f.defaultConfig)

	crashed := &model.FeeRun{ID: "crashed", FeeID: f.fee.ID, ProcessorID: 2, StartedAt: time.Now().Add(-72 * time.Hour)}
	require.NoError(t, f.db.Storage.BeginFeeRun(ctx, crashed))

	_, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.ErrorIs(t, err, common.ErrFeeRunInProgress, "without a timeout the marker never expires")

	released, err := e.Unlock(ctx, f.fee.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	released, err = e.Unlock(ctx, f.fee.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, released)

	_, err = e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)

	_, err = e.Unlock(ctx, 999, 1)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPostFee_EligibleAtBeginOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leaver := f.db.User("leaver")
	f.db.Member(leaver.ID, f.members.ID, interval.Closed(testutil.Day(2023, 12, 1), testutil.Day(2024, 1, 10)))
	f.db.LivesIn(leaver.ID, f.residentRoom.ID, interval.Closed(testutil.Day(2023, 12, 1), testutil.Day(2024, 1, 10)))

	affected, err := f.engine(f.defaultConfig).PostFee(ctx, f.fee.ID, 1, true)
	require.NoError(t, err)

	a, ok := byUser(affected)[leaver.ID]
	require.True(t, ok)
	assert.Equal(t, CheckpointBegin, a.Checkpoint)
	assert.Equal(t, f.buildingFees, a.FeeAccountID)
}

func TestPostFee_BuildingWithoutFeeAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	annex := f.db.Building("B", nil)
	annexRoom := f.db.Room(annex.ID, "1")
	since := interval.Since(testutil.Day(2023, 12, 1))

	mover := f.db.User("mover")
	f.db.Member(mover.ID, f.members.ID, since)
	f.db.LivesIn(mover.ID, f.residentRoom.ID, interval.Closed(testutil.Day(2023, 12, 1), testutil.Day(2024, 1, 10)))
	f.db.LivesIn(mover.ID, annexRoom.ID, interval.Since(testutil.Day(2024, 1, 10)))

	tenant := f.db.User("tenant")
	f.db.Member(tenant.ID, f.members.ID, since)
	f.db.LivesIn(tenant.ID, annexRoom.ID, since)

	affected, err := f.engine(f.defaultConfig).PostFee(ctx, f.fee.ID, 1, true)
	require.NoError(t, err)
	users := byUser(affected)

	// The booking_end room has no fee account, so the booking_begin room decides.
	require.Contains(t, users, mover.ID)
	assert.Equal(t, f.buildingFees, users[mover.ID].FeeAccountID)
	assert.Equal(t, CheckpointBegin, users[mover.ID].Checkpoint)

	require.Contains(t, users, tenant.ID)
	assert.Equal(t, f.defaultFees, users[tenant.ID].FeeAccountID)
	assert.Equal(t, CheckpointEnd, users[tenant.ID].Checkpoint)
}

func TestPostFee_ZeroFee(t *testing.T) {
	f := newFixture(t)
	free := f.db.Fee(model.MembershipFee{
		Name:         "free",
		BookingBegin: 1,
		BookingEnd:   1,
		BeginsOn:     testutil.Day(2024, 2, 1),
		EndsOn:       testutil.Day(2024, 2, 29),
	})

	affected, err := f.engine(f.defaultConfig).PostFee(context.Background(), free.ID, 1, false)
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Zero(t, f.db.TransactionCount())
}

type recordingCheckpointer struct {
	prefixes []string
}

func (r *recordingCheckpointer) AutoCheckpoint(_ context.Context, prefix string) error {
	r.prefixes = append(r.prefixes, prefix)
	return nil
}

func TestPostFee_CheckpointAndProgress(t *testing.T) {
	f := newFixture(t)
	config := f.defaultConfig
	config.Checkpoint = true
	e := f.engine(config)

	cp := &recordingCheckpointer{}
	e.SetCheckpointer(cp)
	var lastDone, lastTotal int
	e.OnProgress(func(done, total int) { lastDone, lastTotal = done, total })

	_, err := e.PostFee(context.Background(), f.fee.ID, 1, true)
	require.NoError(t, err)
	assert.Empty(t, cp.prefixes, "simulations do not checkpoint")
	assert.Equal(t, 3, lastTotal)
	assert.Equal(t, lastTotal, lastDone)

	_, err = e.PostFee(context.Background(), f.fee.ID, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"fee"}, cp.prefixes)
}

func TestEstimateBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine(f.defaultConfig)

	leaver := f.db.User("leaver")
	f.db.Member(leaver.ID, f.members.ID, interval.Closed(testutil.Day(2023, 12, 1), testutil.Day(2024, 2, 10)))

	t.Run("unbilled current period counts", func(t *testing.T) {
		got, err := e.EstimateBalance(ctx, f.resident.ID, testutil.Day(2024, 1, 31))
		require.NoError(t, err)
		assert.Equal(t, int64(500), got)
	})

	_, err := e.PostFee(ctx, f.fee.ID, 1, false)
	require.NoError(t, err)

	tests := []struct {
		end  time.Time
		name string
		user int64
		want int64
	}{
		{name: "billed period only", user: f.resident.ID, end: testutil.Day(2024, 1, 31), want: 500},
		{name: "two more months", user: f.resident.ID, end: testutil.Day(2024, 3, 31), want: 1500},
		{name: "partial month counts once begun", user: f.resident.ID, end: testutil.Day(2024, 3, 1), want: 1500},
		{name: "membership ends in February", user: leaver.ID, end: testutil.Day(2024, 6, 30), want: 1000},
		{name: "exempt user owes nothing", user: f.nonPaying.ID, end: testutil.Day(2024, 6, 30), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EstimateBalance(ctx, tt.user, tt.end)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("estimates never post", func(t *testing.T) {
		assert.Equal(t, 3, f.db.TransactionCount())
	})
}

func TestEstimateBalance_NoFee(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := db.User("u")
	e := NewWithConfig(db.Storage, ledger.New(db.Storage), Config{})

	_, err := e.EstimateBalance(context.Background(), user.ID, testutil.Day(2024, 1, 1))
	assert.ErrorIs(t, err, common.ErrNoFeeInformation)
}
