package optimizer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/replay"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/store"
)

var now = time.Date(2026, 8, 23, 20, 0, 0, 0, time.UTC) // Sunday 20:00

type fakeDB struct {
	outcomes  []store.TradeOutcome
	decisions []store.DecisionBreakdown
	params    []string
	events    []string
}

func (f *fakeDB) OutcomesBetween(from, to time.Time) ([]store.TradeOutcome, error) {
	var out []store.TradeOutcome
	for _, o := range f.outcomes {
		if !o.ClosedAt.Before(from) && o.ClosedAt.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeDB) ApprovedDecisionsBetween(from, to time.Time) ([]store.DecisionBreakdown, error) {
	var out []store.DecisionBreakdown
	for _, d := range f.decisions {
		if !d.DecidedAt.Before(from) && d.DecidedAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDB) InsertParamChange(_ time.Time, _ int, param string, _, _ float64, _ string) error {
	f.params = append(f.params, param)
	return nil
}

func (f *fakeDB) InsertSystemEvent(_ time.Time, kind, _ string) error {
	f.events = append(f.events, kind)
	return nil
}

func testConfig() Config {
	return Config{
		LookbackWeeks:     8,
		MinSample:         60,
		RecentShareMin:    0.3,
		WinRateShiftMax:   20,
		MaxChange:         0.05,
		MaxThresholdDelta: 0.03,
		HoldoutTolerance:  0.5,
	}
}

func flatHoldout(context.Context, scoring.Snapshot, time.Time, time.Time) (replay.Report, error) {
	return replay.Report{Trades: 30, Expectancy: 4.0}, nil
}

// addTrade appends a matched decision/outcome pair. withSweep controls
// whether the liquidity_sweep factor fired.
func addTrade(db *fakeDB, at time.Time, withSweep, win bool) {
	b := decision.Breakdown{Decision: decision.Approve}
	b.Contributions = append(b.Contributions, decision.Contribution{Rule: "regime_trend_base", Value: 0.20})
	b.Total = 0.20
	if withSweep {
		b.Contributions = append(b.Contributions, decision.Contribution{Rule: "liquidity_sweep", Value: 0.25})
		b.Total = 0.45
	}
	db.decisions = append(db.decisions, store.DecisionBreakdown{
		ID: int64(len(db.decisions) + 1), DecidedAt: at, Direction: "buy", Breakdown: b,
	})
	pnl := -40.0
	if win {
		pnl = 60.0
	}
	db.outcomes = append(db.outcomes, store.TradeOutcome{
		PositionID: "p", Outcome: "tp_hit", PnL: pnl, DurationMin: 45,
		ScoreAtEntry: b.Total, ClosedAt: at.Add(45 * time.Minute),
	})
}

// sweepEdgeSample builds 80 recent trades where sweep-backed entries win 70%
// and the rest win 40%, spread evenly so the halves look alike.
func sweepEdgeSample(db *fakeDB) {
	base := now.Add(-10 * 24 * time.Hour)
	for i := 0; i < 80; i++ {
		at := base.Add(time.Duration(i) * 2 * time.Hour)
		withSweep := i%2 == 0
		j := i / 2
		win := j%10 < 4
		if withSweep {
			win = j%10 < 7
		}
		addTrade(db, at, withSweep, win)
	}
}

func newOptimizer(t *testing.T, db *fakeDB, holdout HoldoutFunc) *Optimizer {
	t.Helper()
	params, err := scoring.NewStore(filepath.Join(t.TempDir(), "scoring.yaml"))
	require.NoError(t, err)
	o := New(db, params, testConfig(), holdout, nil)
	o.Now = func() time.Time { return now }
	return o
}

func TestFactorWithEdgeGetsMoreWeight(t *testing.T) {
	db := &fakeDB{}
	sweepEdgeSample(db)
	o := newOptimizer(t, db, flatHoldout)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Skipped, rep.Reason)
	require.Len(t, rep.Changes, 1)
	require.Equal(t, "liquidity_sweep", rep.Changes[0].Param)

	// 70% vs 40% win rate moves the weight up by the damped edge, 0.03.
	require.InDelta(t, 0.28, o.Params.Current().Value("liquidity_sweep"), 1e-9)
	require.Equal(t, 2, o.Params.Current().Version)
	require.Equal(t, []string{"liquidity_sweep"}, db.params)
}

func TestSmallSampleSkips(t *testing.T) {
	db := &fakeDB{}
	base := now.Add(-5 * 24 * time.Hour)
	for i := 0; i < 20; i++ {
		addTrade(db, base.Add(time.Duration(i)*time.Hour), i%2 == 0, i%3 == 0)
	}
	o := newOptimizer(t, db, flatHoldout)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Skipped)
	require.Contains(t, rep.Reason, "sample")
	require.Equal(t, 1, o.Params.Current().Version)
	require.Equal(t, []string{"optimizer_skipped"}, db.events)
}

func TestStaleSampleSkips(t *testing.T) {
	db := &fakeDB{}
	base := now.Add(-7 * 7 * 24 * time.Hour) // all trades seven weeks old
	for i := 0; i < 80; i++ {
		addTrade(db, base.Add(time.Duration(i)*time.Hour), i%2 == 0, i%2 == 0)
	}
	o := newOptimizer(t, db, flatHoldout)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Skipped)
	require.Contains(t, rep.Reason, "last two weeks")
}

func TestWinRateShiftSkips(t *testing.T) {
	db := &fakeDB{}
	base := now.Add(-10 * 24 * time.Hour)
	for i := 0; i < 80; i++ {
		addTrade(db, base.Add(time.Duration(i)*time.Hour), i%2 == 0, i < 40)
	}
	o := newOptimizer(t, db, flatHoldout)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Skipped)
	require.Contains(t, rep.Reason, "shifted")
}

func TestHoldoutVetoesWorseProposal(t *testing.T) {
	db := &fakeDB{}
	sweepEdgeSample(db)
	calls := 0
	holdout := func(_ context.Context, snap scoring.Snapshot, _, _ time.Time) (replay.Report, error) {
		calls++
		if calls == 1 {
			return replay.Report{Trades: 30, Expectancy: 5.0}, nil // baseline
		}
		return replay.Report{Trades: 30, Expectancy: 1.0}, nil // candidate, much worse
	}
	o := newOptimizer(t, db, holdout)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Skipped)
	require.Contains(t, rep.Reason, "holdout")
	require.Equal(t, 1, o.Params.Current().Version)
}

func TestProposalClampsToBounds(t *testing.T) {
	db := &fakeDB{}
	sweepEdgeSample(db)
	o := newOptimizer(t, db, flatHoldout)

	vals := o.Params.Current().Values()
	vals["liquidity_sweep"] = 0.39
	_, err := o.Params.Publish(vals)
	require.NoError(t, err)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Skipped, rep.Reason)
	require.InDelta(t, 0.40, o.Params.Current().Value("liquidity_sweep"), 1e-9)
}

func TestValidateRejectsOffWhitelist(t *testing.T) {
	cur := scoring.NewSnapshot(1, scoring.Defaults())

	bad := cur.Values()
	bad["atr_sl_mult"] = 2.5
	require.True(t, strings.Contains(validate(cur, bad), "not tunable"))

	tooFar := cur.Values()
	tooFar["liquidity_sweep"] = tooFar["liquidity_sweep"] + 0.06
	require.True(t, strings.Contains(validate(cur, tooFar), "cap"))

	outOfBounds := cur.Values()
	outOfBounds["wait_threshold"] = 0.04
	require.True(t, strings.Contains(validate(cur, outOfBounds), "outside"))
}
