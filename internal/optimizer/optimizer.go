// Package optimizer adjusts scoring weights from realized trade outcomes on
// a weekly schedule. It is deliberately timid: small steps, a bounds
// whitelist, and a holdout replay that can veto the whole proposal. When in
// doubt it changes nothing.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
	"github.com/auriclabs/goldpilot/internal/replay"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/store"
)

// DB is the slice of the store the optimizer reads and writes.
type DB interface {
	OutcomesBetween(from, to time.Time) ([]store.TradeOutcome, error)
	ApprovedDecisionsBetween(from, to time.Time) ([]store.DecisionBreakdown, error)
	InsertParamChange(at time.Time, version int, param string, oldV, newV float64, rationale string) error
	InsertSystemEvent(at time.Time, kind, detail string) error
}

// HoldoutFunc replays an out-of-sample window under a candidate snapshot.
type HoldoutFunc func(ctx context.Context, snap scoring.Snapshot, from, to time.Time) (replay.Report, error)

type Config struct {
	LookbackWeeks     int
	MinSample         int     // matched trades required before any change
	RecentShareMin    float64 // share of the sample that must be from the last 2 weeks
	WinRateShiftMax   float64 // percentage-point drift between sample halves that aborts
	MaxChange         float64 // per-parameter per-run step cap
	MaxThresholdDelta float64 // tighter cap for the two thresholds
	HoldoutTolerance  float64 // allowed expectancy drop on the holdout window
	MinBucket         int     // trades needed on each side of a factor split
}

// Change is one applied parameter adjustment.
type Change struct {
	Param     string
	Old, New  float64
	Rationale string
}

// RunReport says what a run did, or why it did nothing.
type RunReport struct {
	Skipped bool
	Reason  string
	Version int
	Changes []Change
}

type Optimizer struct {
	DB      DB
	Params  *scoring.Store
	Cfg     Config
	Holdout HoldoutFunc
	Notify  func(event, detail string)
	Now     func() time.Time
}

func New(db DB, params *scoring.Store, cfg Config, holdout HoldoutFunc, notify func(event, detail string)) *Optimizer {
	if cfg.MinBucket == 0 {
		cfg.MinBucket = 10
	}
	return &Optimizer{
		DB: db, Params: params, Cfg: cfg, Holdout: holdout, Notify: notify,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// pair is an outcome joined with the decision that opened it.
type pair struct {
	outcome  store.TradeOutcome
	decision store.DecisionBreakdown
}

// Run executes one optimization cycle.
func (o *Optimizer) Run(ctx context.Context) (RunReport, error) {
	now := o.Now()
	lookback := time.Duration(o.Cfg.LookbackWeeks) * 7 * 24 * time.Hour
	from, to := now.Add(-lookback), now

	outcomes, err := o.DB.OutcomesBetween(from, to)
	if err != nil {
		return RunReport{}, fmt.Errorf("load outcomes: %w", err)
	}
	decisions, err := o.DB.ApprovedDecisionsBetween(from, to)
	if err != nil {
		return RunReport{}, fmt.Errorf("load decisions: %w", err)
	}
	pairs := joinPairs(outcomes, decisions)

	if reason := o.sampleGate(pairs, now); reason != "" {
		return o.skip(now, reason)
	}

	cur := o.Params.Current()
	proposal, changes := o.propose(cur, pairs)
	if len(changes) == 0 {
		return o.skip(now, "no parameter cleared the evidence bar")
	}

	if reason := validate(cur, proposal); reason != "" {
		// A proposal outside its own safety rails is a bug, not a tune.
		return o.skip(now, "proposal rejected: "+reason)
	}

	if o.Holdout != nil {
		ok, reason, err := o.holdoutCheck(ctx, cur, proposal, from)
		if err != nil {
			return RunReport{}, err
		}
		if !ok {
			return o.skip(now, reason)
		}
	}

	next, err := o.Params.Publish(proposal)
	if err != nil {
		return RunReport{}, fmt.Errorf("publish: %w", err)
	}
	for _, c := range changes {
		if err := o.DB.InsertParamChange(now, next.Version, c.Param, c.Old, c.New, c.Rationale); err != nil {
			observ.LogError("param_history_write_failed", err, map[string]any{"param": c.Param})
		}
	}
	o.event(now, "optimizer_applied", fmt.Sprintf("version %d, %d parameters changed", next.Version, len(changes)))
	if o.Notify != nil {
		o.Notify("optimizer_applied", fmt.Sprintf("scoring config v%d: %d parameters adjusted", next.Version, len(changes)))
	}
	observ.IncCounter("optimizer_runs_total", map[string]string{"result": "applied"})
	return RunReport{Version: next.Version, Changes: changes}, nil
}

func (o *Optimizer) skip(now time.Time, reason string) (RunReport, error) {
	observ.IncCounter("optimizer_runs_total", map[string]string{"result": "skipped"})
	observ.Log("optimizer_skipped", map[string]any{"reason": reason})
	o.event(now, "optimizer_skipped", reason)
	return RunReport{Skipped: true, Reason: reason}, nil
}

func (o *Optimizer) event(now time.Time, kind, detail string) {
	if err := o.DB.InsertSystemEvent(now, kind, detail); err != nil {
		observ.LogError("system_event_write_failed", err, nil)
	}
}

// sampleGate refuses to learn from samples that are too small, too stale, or
// straddling an apparent regime change.
func (o *Optimizer) sampleGate(pairs []pair, now time.Time) string {
	n := len(pairs)
	if n < o.Cfg.MinSample {
		return fmt.Sprintf("sample %d below minimum %d", n, o.Cfg.MinSample)
	}

	recentCut := now.Add(-14 * 24 * time.Hour)
	recent := 0
	for _, p := range pairs {
		if p.outcome.ClosedAt.After(recentCut) {
			recent++
		}
	}
	if share := float64(recent) / float64(n); share < o.Cfg.RecentShareMin {
		return fmt.Sprintf("only %.0f%% of sample is from the last two weeks", share*100)
	}

	half := n / 2
	first, second := winRate(pairs[:half]), winRate(pairs[half:])
	if shift := math.Abs(first-second) * 100; shift >= o.Cfg.WinRateShiftMax {
		return fmt.Sprintf("win rate shifted %.0f points between sample halves", shift)
	}
	return ""
}

// propose walks the whitelist and nudges each factor weight toward the
// evidence, capped per run and clamped to bounds.
func (o *Optimizer) propose(cur scoring.Snapshot, pairs []pair) (map[string]float64, []Change) {
	values := cur.Values()
	var changes []Change
	overall := winRate(pairs)

	for param, bounds := range scoring.Bounds {
		if scoring.ThresholdParams[param] {
			continue
		}
		old := cur.Value(param)
		with, without := splitByFactor(pairs, param)
		if len(with) < o.Cfg.MinBucket || len(without) < o.Cfg.MinBucket {
			continue
		}
		edge := winRate(with) - winRate(without)
		step := clampAbs(edge*0.1, o.Cfg.MaxChange)
		if math.Abs(step) < 0.005 {
			continue
		}
		next := clampRange(round4(old+step), bounds[0], bounds[1])
		if next == old {
			continue
		}
		values[param] = next
		changes = append(changes, Change{
			Param: param, Old: old, New: next,
			Rationale: fmt.Sprintf("win rate with %.0f%% vs without %.0f%% over %d trades",
				winRate(with)*100, winRate(without)*100, len(pairs)),
		})
	}

	// Thresholds move on overall performance only, and more slowly.
	if c := o.proposeThreshold(cur, overall, len(pairs)); c != nil {
		values[c.Param] = c.New
		changes = append(changes, *c)
	}
	return values, changes
}

func (o *Optimizer) proposeThreshold(cur scoring.Snapshot, overall float64, n int) *Change {
	old := cur.Value("approve_threshold")
	bounds := scoring.Bounds["approve_threshold"]
	var next float64
	var why string
	switch {
	case overall < 0.40:
		next = clampRange(round4(old+math.Min(0.01, o.Cfg.MaxThresholdDelta)), bounds[0], bounds[1])
		why = fmt.Sprintf("win rate %.0f%% over %d trades, tightening entries", overall*100, n)
	case overall > 0.60:
		next = clampRange(round4(old-math.Min(0.01, o.Cfg.MaxThresholdDelta)), bounds[0], bounds[1])
		why = fmt.Sprintf("win rate %.0f%% over %d trades, loosening entries", overall*100, n)
	default:
		return nil
	}
	if next == old {
		return nil
	}
	return &Change{Param: "approve_threshold", Old: old, New: next, Rationale: why}
}

// validate re-checks the rails independently of how the proposal was built:
// whitelist only, inside bounds, step caps respected.
func validate(cur scoring.Snapshot, proposal map[string]float64) string {
	for param, next := range proposal {
		old := cur.Value(param)
		if next == old {
			continue
		}
		bounds, whitelisted := scoring.Bounds[param]
		if !whitelisted {
			return fmt.Sprintf("%s is not tunable", param)
		}
		if next < bounds[0] || next > bounds[1] {
			return fmt.Sprintf("%s=%.4f outside [%.2f, %.2f]", param, next, bounds[0], bounds[1])
		}
		limit := 0.05
		if scoring.ThresholdParams[param] {
			limit = 0.03
		}
		if math.Abs(next-old) > limit+1e-9 {
			return fmt.Sprintf("%s step %.4f exceeds cap %.2f", param, next-old, limit)
		}
	}
	return ""
}

// holdoutCheck replays the window before the training window under both the
// current and the proposed parameters. The proposal must not be meaningfully
// worse out of sample.
func (o *Optimizer) holdoutCheck(ctx context.Context, cur scoring.Snapshot, proposal map[string]float64, trainFrom time.Time) (bool, string, error) {
	lookback := time.Duration(o.Cfg.LookbackWeeks) * 7 * 24 * time.Hour
	hFrom, hTo := trainFrom.Add(-lookback), trainFrom

	base, err := o.Holdout(ctx, cur, hFrom, hTo)
	if err != nil {
		return false, "", fmt.Errorf("holdout baseline: %w", err)
	}
	cand, err := o.Holdout(ctx, scoring.NewSnapshot(cur.Version, proposal), hFrom, hTo)
	if err != nil {
		return false, "", fmt.Errorf("holdout candidate: %w", err)
	}
	if base.Trades == 0 && cand.Trades == 0 {
		// Nothing to compare against; the sample gates carried the run, let
		// the small capped steps through.
		return true, "", nil
	}
	if cand.Expectancy < base.Expectancy-o.Cfg.HoldoutTolerance {
		return false, fmt.Sprintf("holdout expectancy %.2f under baseline %.2f", cand.Expectancy, base.Expectancy), nil
	}
	return true, "", nil
}

// joinPairs matches each trade result to the approved decision that opened
// it: the latest decision before the close whose total equals the recorded
// entry score, consumed at most once.
func joinPairs(outcomes []store.TradeOutcome, decisions []store.DecisionBreakdown) []pair {
	used := make([]bool, len(decisions))
	var pairs []pair
	for _, out := range outcomes {
		best := -1
		for i, d := range decisions {
			if used[i] || d.DecidedAt.After(out.ClosedAt) {
				continue
			}
			if math.Abs(d.Breakdown.Total-out.ScoreAtEntry) > 1e-6 {
				continue
			}
			if best == -1 || d.DecidedAt.After(decisions[best].DecidedAt) {
				best = i
			}
		}
		if best >= 0 {
			used[best] = true
			pairs = append(pairs, pair{outcome: out, decision: decisions[best]})
		}
	}
	return pairs
}

func splitByFactor(pairs []pair, param string) (with, without []pair) {
	for _, p := range pairs {
		if p.decision.Breakdown.Value(param) != 0 {
			with = append(with, p)
		} else {
			without = append(without, p)
		}
	}
	return with, without
}

func winRate(pairs []pair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	wins := 0
	for _, p := range pairs {
		if p.outcome.PnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(pairs))
}

func clampAbs(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
