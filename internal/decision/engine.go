// Package decision turns a normalized signal into approve / wait / reject
// with a full score breakdown, and hosts the pipeline that live trading and
// replay both call.
package decision

import (
	"fmt"
	"math"

	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/signal"
)

const (
	Approve = "approve"
	Wait    = "wait"
	Reject  = "reject"
)

// Wait scopes, each with its own expiry in the wait buffer.
const (
	WaitNextBar         = "next_bar"
	WaitStructureNeeded = "structure_needed"
	WaitCooldown        = "cooldown"
)

const instantRejectScore = -999

// Contribution is one rule's effect on the score. Order of appearance is
// evaluation order and is preserved in logs and persistence.
type Contribution struct {
	Rule  string  `json:"rule"`
	Value float64 `json:"value"`
}

// Breakdown is the full decision record. Total is accumulated from the
// contributions and nothing else, so Total always equals their sum.
type Breakdown struct {
	Contributions []Contribution `json:"contributions"`
	Total         float64        `json:"total"`
	Decision      string         `json:"decision"`
	RejectReasons []string       `json:"reject_reasons,omitempty"`
	WaitScope     string         `json:"wait_scope,omitempty"`
}

func (b *Breakdown) add(rule string, v float64) {
	b.Contributions = append(b.Contributions, Contribution{Rule: rule, Value: v})
	b.Total += v
}

// Value returns a named contribution, 0 when the rule did not fire.
func (b *Breakdown) Value(rule string) float64 {
	for _, c := range b.Contributions {
		if c.Rule == rule {
			return c.Value
		}
	}
	return 0
}

// GateConfig holds the instant-reject gate settings.
type GateConfig struct {
	Gate2Enabled     bool    // counter-trend + unconfirmed bar gate
	FlatZonePct      float64 // SMA20 distance band treated as range middle
	MaxMissingFields int
}

var criticalFields = map[string]bool{
	"rsi_value":     true,
	"adx_value":     true,
	"atr_expanding": true,
}

// Score evaluates one normalized signal for the given direction against a
// scoring snapshot. Pure: same inputs give the same breakdown, which is what
// makes replay equivalent to live.
func Score(sig signal.Normalized, side string, cfg scoring.Snapshot, gates GateConfig, auxTrendAvailable bool) Breakdown {
	var b Breakdown

	if reasons := instantReject(sig, gates, auxTrendAvailable); len(reasons) > 0 {
		b.add("instant_reject", instantRejectScore)
		b.Decision = Reject
		b.RejectReasons = reasons
		return b
	}

	scoreRegime(&b, sig, cfg)
	scoreStructure(&b, sig, side, cfg)
	scoreMomentum(&b, sig, side, cfg)
	scoreQuality(&b, sig, cfg)

	switch {
	case b.Total >= cfg.Value("approve_threshold"):
		b.Decision = Approve
	case b.Total >= cfg.Value("wait_threshold"):
		b.Decision = Wait
		b.WaitScope = waitScope(sig)
	default:
		b.Decision = Reject
		b.RejectReasons = rejectReasons(&b)
	}
	return b
}

func instantReject(sig signal.Normalized, gates GateConfig, auxTrendAvailable bool) []string {
	var reasons []string

	missing := sig.Completeness.FieldsMissing
	criticalMissing := false
	for _, f := range missing {
		if criticalFields[f] {
			criticalMissing = true
			break
		}
	}
	if len(missing) >= gates.MaxMissingFields || criticalMissing {
		reasons = append(reasons, fmt.Sprintf("critical data missing: %v", missing))
	}

	// Chasing price in the middle of a range with no structure backing.
	if sig.Regime.Classification == "range" && sig.Structure.SMA20DistancePct != nil &&
		math.Abs(*sig.Structure.SMA20DistancePct) <= gates.FlatZonePct &&
		!sig.Zones.ZoneTouch && !sig.Zones.FVGTouch {
		reasons = append(reasons, "range middle entry without zone or fvg touch")
	}

	// Counter-trend on an unconfirmed bar. Skipped entirely when the
	// higher-timeframe trend feed is absent.
	if gates.Gate2Enabled && auxTrendAvailable && sig.Momentum.TrendAligned != nil &&
		!*sig.Momentum.TrendAligned && !sig.Quality.BarCloseConfirmed {
		reasons = append(reasons, "counter-trend with unconfirmed bar close")
	}

	return reasons
}

func scoreRegime(b *Breakdown, sig signal.Normalized, cfg scoring.Snapshot) {
	switch sig.Regime.Classification {
	case "trend":
		b.add("regime_trend_base", cfg.Value("regime_trend_base"))
	case "breakout":
		b.add("regime_breakout_base", cfg.Value("regime_breakout_base"))
	case "range":
		b.add("regime_range_base", cfg.Value("regime_range_base"))
	}
}

func scoreStructure(b *Breakdown, sig signal.Normalized, side string, cfg scoring.Snapshot) {
	z := sig.Zones
	zoneAligned := z.ZoneTouch && zoneAligns(z.ZoneDirection, side)
	if zoneAligned {
		b.add("zone_touch_aligned", cfg.Value("zone_touch_aligned"))
	}
	if z.FVGTouch && fvgAligns(z.FVGDirection, side) {
		b.add("fvg_touch_aligned", cfg.Value("fvg_touch_aligned"))
	}
	if z.LiquiditySweep && sweepAligns(z.SweepDirection, side) {
		b.add("liquidity_sweep", cfg.Value("liquidity_sweep"))
		if zoneAligned {
			b.add("sweep_plus_zone", cfg.Value("sweep_plus_zone"))
		}
	}
}

func scoreMomentum(b *Breakdown, sig signal.Normalized, side string, cfg scoring.Snapshot) {
	if sig.Momentum.TrendAligned != nil && *sig.Momentum.TrendAligned {
		b.add("trend_aligned", cfg.Value("trend_aligned"))
	}
	if sig.Momentum.RSI == nil {
		return
	}
	switch {
	case side == "buy" && sig.Momentum.RSIZone == "oversold",
		side == "sell" && sig.Momentum.RSIZone == "overbought":
		b.add("rsi_confirmation", cfg.Value("rsi_confirmation"))
	case side == "buy" && sig.Momentum.RSIZone == "overbought",
		side == "sell" && sig.Momentum.RSIZone == "oversold":
		b.add("rsi_divergence", cfg.Value("rsi_divergence"))
	}
}

func scoreQuality(b *Breakdown, sig signal.Normalized, cfg scoring.Snapshot) {
	q := sig.Quality
	if q.BarCloseConfirmed {
		b.add("bar_close_confirmed", cfg.Value("bar_close_confirmed"))
	}
	switch q.Session {
	case "London_NY":
		b.add("session_london_ny", cfg.Value("session_london_ny"))
	case "Off_hours":
		b.add("session_off_hours", cfg.Value("session_off_hours"))
	}
	if q.Confidence != nil {
		if *q.Confidence > 0.7 {
			b.add("tv_confidence_high", cfg.Value("tv_confidence_high"))
		} else if *q.Confidence < 0.3 {
			b.add("tv_confidence_low", cfg.Value("tv_confidence_low"))
		}
	}
	if q.PatternSimilarity != nil && *q.PatternSimilarity > 0.7 {
		b.add("pattern_similarity_high", cfg.Value("pattern_similarity_high"))
	}
}

// zone "demand" supports buys, "supply" supports sells
func zoneAligns(dir, side string) bool {
	return (dir == "demand" && side == "buy") || (dir == "supply" && side == "sell")
}

func fvgAligns(dir, side string) bool {
	return (dir == "bullish" && side == "buy") || (dir == "bearish" && side == "sell")
}

// A sweep of one side's liquidity supports entries in that same direction:
// sell-side liquidity taken means the buying pressure is spent.
func sweepAligns(dir, side string) bool {
	return (dir == "sell_side" && side == "sell") || (dir == "buy_side" && side == "buy")
}

func waitScope(sig signal.Normalized) string {
	if !sig.Zones.ZoneTouch && !sig.Zones.FVGTouch {
		return WaitStructureNeeded
	}
	if !sig.Quality.BarCloseConfirmed {
		return WaitNextBar
	}
	return WaitCooldown
}

func rejectReasons(b *Breakdown) []string {
	var reasons []string
	for _, c := range b.Contributions {
		if c.Value < 0 {
			reasons = append(reasons, fmt.Sprintf("%s: %+.2f", c.Rule, c.Value))
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "score below wait threshold")
	}
	return reasons
}
