package decision

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/auriclabs/goldpilot/internal/observ"
	"github.com/auriclabs/goldpilot/internal/risk"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/signal"
	"github.com/auriclabs/goldpilot/internal/venue"
)

// Recorder is the slice of the store the pipeline writes to. Nil-safe: the
// replay engine runs without one.
type Recorder interface {
	InsertSignal(a signal.RawAlert, mc signal.MarketContext) (int64, error)
	InsertDecision(at time.Time, signalIDs []int64, side string, b Breakdown, scoringVersion int, riskBlock string) (int64, error)
	InsertWait(decisionID int64, at time.Time, scope, condition string) (int64, error)
	RecentStructureEvents(events []string, since time.Time) ([]signal.StructureEvent, error)
}

// Venue is what the pipeline needs from execution.
type Venue interface {
	Open(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error)
	Quote(ctx context.Context) (venue.Quote, error)
}

// ExecutionConfig turns an approval into an order.
type ExecutionConfig struct {
	RiskPct     float64            // percent of equity risked per trade
	ATRMin      float64            // volatility filter lower bound, dollars
	ATRMax      float64            // upper bound
	SLMinUSD    float64            // stop distance clamp
	SLMaxUSD    float64
	SessionSLTP map[string]float64 // session -> SL/TP distance multiplier
}

// ReversalConfig controls promotion of structure-only batches into
// synthetic counter-direction entry triggers.
type ReversalConfig struct {
	Enabled     bool
	SweepWindow time.Duration
	ZoneWindow  time.Duration
	Cooldown    time.Duration
}

// Result is one decided evaluation: the breakdown, the guard trail when the
// score approved, and the execution if one happened.
type Result struct {
	Side       string             `json:"side"`
	Breakdown  Breakdown          `json:"breakdown"`
	Risk       risk.ChainResult   `json:"risk"`
	Executed   bool               `json:"executed"`
	Order      venue.OrderRequest `json:"order,omitempty"`
	Fill       venue.OrderResult  `json:"fill,omitempty"`
	SkipReason string             `json:"skip_reason,omitempty"`
	DecisionID int64              `json:"decision_id,omitempty"`
}

// Pipeline fuses structurizer, scoring engine, guard chain and execution.
// Live trading, the revaluator and replay all decide through the same
// Decide method; only the surroundings differ.
type Pipeline struct {
	Gates       GateConfig
	Exec        ExecutionConfig
	Reversal    ReversalConfig
	Structurer  signal.Structurizer
	Guards      *risk.Chain
	Scoring     *scoring.Store
	Recorder    Recorder
	Venue       Venue
	Account     func(ctx context.Context, mc signal.MarketContext) (risk.AccountState, error)
	Context     func(ctx context.Context) signal.MarketContext
	GlobalPause func() bool

	// OnWait hands a wait decision to the buffer. OnStructure wakes the
	// revaluator. OnExecuted lets the caller start position management.
	OnWait      func(alerts []signal.RawAlert, side string, b Breakdown, decisionID, waitID int64, at time.Time)
	OnStructure func()
	OnExecuted  func(a signal.RawAlert, res Result, atr float64, at time.Time)

	lastReversal map[string]time.Time
}

// ProcessBatch classifies and routes one collector batch. Structure signals
// are recorded and wake the revaluator; entry triggers are decided per
// direction; a structure-only batch may promote a reversal setup.
//
// Not safe for concurrent use: the reversal cooldown state is unguarded.
// The collector drain loop is the single caller, which also keeps batches
// in arrival order.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch []signal.RawAlert) error {
	mc := p.Context(ctx)

	var entries, structures []signal.RawAlert
	for _, a := range batch {
		if a.SignalType == signal.TypeEntryTrigger {
			entries = append(entries, a)
		} else {
			structures = append(structures, a)
		}
	}

	var structureIDs []int64
	for _, s := range structures {
		id := p.recordSignal(s, mc)
		structureIDs = append(structureIDs, id)
	}
	if len(structures) > 0 && p.OnStructure != nil {
		p.OnStructure()
	}

	if len(entries) == 0 {
		if synth := p.detectReversal(ctx, structures, mc); synth != nil {
			observ.IncCounter("reversal_promotions_total", map[string]string{"side": synth.Side})
			observ.Log("reversal_promoted", map[string]any{"side": synth.Side, "price": synth.Price})
			p.decideGroup(ctx, []signal.RawAlert{*synth}, mc)
		}
		return nil
	}

	// Mixed-direction batches are decided per direction.
	bySide := map[string][]signal.RawAlert{}
	var order []string
	for _, e := range entries {
		if _, seen := bySide[e.Side]; !seen {
			order = append(order, e.Side)
		}
		bySide[e.Side] = append(bySide[e.Side], e)
	}
	if len(order) > 1 {
		observ.Log("mixed_direction_batch", map[string]any{"sides": order})
	}
	for _, side := range order {
		p.decideGroup(ctx, bySide[side], mc)
	}
	return nil
}

func (p *Pipeline) decideGroup(ctx context.Context, alerts []signal.RawAlert, mc signal.MarketContext) {
	var ids []int64
	for _, a := range alerts {
		ids = append(ids, p.recordSignal(a, mc))
	}
	cfg := p.Scoring.Current()
	res, err := p.Decide(ctx, alerts, mc, cfg)
	if err != nil {
		observ.LogError("decide_failed", err, map[string]any{"side": alerts[0].Side})
		return
	}
	p.record(ctx, alerts, ids, mc, cfg, res)
}

// Decide scores the lead alert of a same-direction group, gates an approval
// through the risk chain and executes it. Pure with respect to its inputs:
// replay calls it with a fixed snapshot and simulated venue and gets the
// decisions live trading would have made.
func (p *Pipeline) Decide(ctx context.Context, alerts []signal.RawAlert, mc signal.MarketContext, cfg scoring.Snapshot) (Result, error) {
	if len(alerts) == 0 {
		return Result{}, fmt.Errorf("empty alert group")
	}
	lead := alerts[0]
	res := Result{Side: lead.Side}

	start := time.Now()
	norm, err := p.Structurer.Structure(ctx, lead, mc)
	if err != nil {
		return res, fmt.Errorf("structure: %w", err)
	}
	res.Breakdown = Score(norm, lead.Side, cfg, p.Gates, mc.AuxTrend != "")
	observ.RecordDuration("decision_latency", time.Since(start), nil)
	observ.IncCounter("decisions_total", map[string]string{"outcome": res.Breakdown.Decision})

	if res.Breakdown.Decision != Approve {
		return res, nil
	}

	acct, err := p.Account(ctx, mc)
	if err != nil {
		// Cannot verify limits, so the trade does not happen.
		res.Risk = risk.ChainResult{Blocked: true, By: "account", Reason: fmt.Sprintf("account state unavailable: %v", err)}
		return res, nil
	}
	res.Risk = p.Guards.Evaluate(ctx, acct, mc)
	if res.Risk.Blocked {
		return res, nil
	}

	if p.GlobalPause != nil && p.GlobalPause() {
		res.SkipReason = "global pause"
		return res, nil
	}

	p.execute(ctx, lead, mc, acct, cfg, &res)
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, lead signal.RawAlert, mc signal.MarketContext, acct risk.AccountState, cfg scoring.Snapshot, res *Result) {
	if mc.Ind.ATR == nil {
		res.SkipReason = "atr unavailable"
		return
	}
	atr := *mc.Ind.ATR
	if atr < p.Exec.ATRMin || atr > p.Exec.ATRMax {
		res.SkipReason = fmt.Sprintf("atr %.1f outside [%.1f, %.1f]", atr, p.Exec.ATRMin, p.Exec.ATRMax)
		observ.IncCounter("entries_skipped_total", map[string]string{"reason": "volatility_filter"})
		return
	}

	adj := 1.0
	if v, ok := p.Exec.SessionSLTP[mc.Session]; ok && v > 0 {
		adj = v
	}
	slDist := clamp(atr*cfg.Value("atr_sl_mult")*adj, p.Exec.SLMinUSD, p.Exec.SLMaxUSD)
	tpDist := atr * cfg.Value("atr_tp_mult") * adj

	riskUSD := acct.Equity * p.Exec.RiskPct / 100
	size := riskUSD / slDist
	if size <= 0 {
		res.SkipReason = "size computed as zero"
		return
	}

	q, err := p.Venue.Quote(ctx)
	if err != nil {
		res.SkipReason = fmt.Sprintf("quote unavailable: %v", err)
		return
	}
	ref := q.Ask
	sl, tp := ref-slDist, ref+tpDist
	if lead.Side == "sell" {
		ref = q.Bid
		sl, tp = ref+slDist, ref-tpDist
	}

	req := venue.OrderRequest{
		ID: uuid.NewString(), Side: lead.Side, Size: round2(size),
		Price: ref, StopLoss: round2(sl), TakeProfit: round2(tp),
		Comment: lead.Source,
	}
	fill, err := p.Venue.Open(ctx, req)
	if err != nil {
		res.SkipReason = fmt.Sprintf("open failed: %v", err)
		observ.LogError("order_open_failed", err, map[string]any{"side": req.Side})
		return
	}
	res.Executed = true
	res.Order = req
	res.Fill = fill
	observ.Log("order_filled", map[string]any{
		"id": req.ID, "side": req.Side, "size": req.Size, "fill": fill.FillPrice,
		"sl": req.StopLoss, "tp": req.TakeProfit, "score": res.Breakdown.Total,
	})
	if p.OnExecuted != nil {
		p.OnExecuted(lead, *res, atr, mc.At)
	}
}

// record persists the decision and registers waits. Separate from Decide so
// replay produces no writes.
func (p *Pipeline) record(ctx context.Context, alerts []signal.RawAlert, ids []int64, mc signal.MarketContext, cfg scoring.Snapshot, res Result) {
	if p.Recorder == nil {
		return
	}
	riskBlock := ""
	if res.Risk.Blocked {
		riskBlock = res.Risk.By + ": " + res.Risk.Reason
	}
	decisionID, err := p.Recorder.InsertDecision(mc.At, ids, res.Side, res.Breakdown, cfg.Version, riskBlock)
	if err != nil {
		observ.LogError("decision_persist_failed", err, nil)
		return
	}
	res.DecisionID = decisionID

	if res.Breakdown.Decision == Wait && p.OnWait != nil {
		waitID, err := p.Recorder.InsertWait(decisionID, mc.At, res.Breakdown.WaitScope, "")
		if err != nil {
			observ.LogError("wait_persist_failed", err, nil)
		}
		p.OnWait(alerts, res.Side, res.Breakdown, decisionID, waitID, mc.At)
	}
}

func (p *Pipeline) recordSignal(a signal.RawAlert, mc signal.MarketContext) int64 {
	if p.Recorder == nil {
		return 0
	}
	id, err := p.Recorder.InsertSignal(a, mc)
	if err != nil {
		observ.LogError("signal_persist_failed", err, map[string]any{"event": a.Event})
		return 0
	}
	return id
}

// detectReversal promotes a structure-only batch into a synthetic entry
// trigger when a liquidity sweep and a zone or FVG touch line up: the sweep
// exhausted one side's pressure, so entry goes the other way.
func (p *Pipeline) detectReversal(ctx context.Context, structures []signal.RawAlert, mc signal.MarketContext) *signal.RawAlert {
	if !p.Reversal.Enabled || len(structures) == 0 {
		return nil
	}

	var sweepSide string
	for _, s := range structures {
		if s.Event == signal.EventSweep {
			sweepSide = s.Side
			break
		}
	}

	var sweeps, zones []signal.StructureEvent
	if p.Recorder != nil {
		var err error
		sweeps, err = p.Recorder.RecentStructureEvents([]string{signal.EventSweep}, mc.At.Add(-p.Reversal.SweepWindow))
		if err != nil {
			observ.LogError("reversal_lookup_failed", err, nil)
			return nil
		}
		zones, err = p.Recorder.RecentStructureEvents([]string{signal.EventZoneTouch, signal.EventFVGTouch}, mc.At.Add(-p.Reversal.ZoneWindow))
		if err != nil {
			observ.LogError("reversal_lookup_failed", err, nil)
			return nil
		}
	}

	hasSweep := sweepSide != "" || len(sweeps) > 0
	hasZone := len(zones) > 0
	for _, s := range structures {
		if s.Event == signal.EventZoneTouch || s.Event == signal.EventFVGTouch {
			hasZone = true
		}
	}
	if !hasSweep || !hasZone {
		return nil
	}

	if sweepSide == "" && len(sweeps) > 0 {
		sweepSide = sweeps[0].Side
	}
	var entrySide string
	switch sweepSide {
	case "sell":
		entrySide = "buy"
	case "buy":
		entrySide = "sell"
	default:
		if len(zones) > 0 {
			entrySide = zones[0].Side
		}
	}
	if entrySide == "" {
		return nil
	}

	if p.lastReversal == nil {
		p.lastReversal = map[string]time.Time{}
	}
	if last, ok := p.lastReversal[entrySide]; ok && mc.At.Sub(last) < p.Reversal.Cooldown {
		return nil
	}
	p.lastReversal[entrySide] = mc.At

	price := 0.0
	if len(zones) > 0 {
		price = zones[0].Price
	} else if len(sweeps) > 0 {
		price = sweeps[0].Price
	} else {
		for _, s := range structures {
			if s.Event == signal.EventSweep {
				price = s.Price
				break
			}
		}
	}

	return &signal.RawAlert{
		ReceivedAt:        mc.At,
		Symbol:            structures[0].Symbol,
		Price:             price,
		Timeframe:         5,
		Side:              entrySide,
		SignalType:        signal.TypeEntryTrigger,
		Event:             signal.EventPrediction,
		Source:            "ReversalAutoTrigger",
		Strength:          "normal",
		BarCloseConfirmed: true,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
