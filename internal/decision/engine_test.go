package decision

import (
	"testing"

	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/signal"
)

func fp(v float64) *float64 { return &v }
func bp(v bool) *bool       { return &v }

func defaults() scoring.Snapshot { return scoring.NewSnapshot(1, scoring.Defaults()) }

func gates() GateConfig {
	return GateConfig{Gate2Enabled: true, FlatZonePct: 0.3, MaxMissingFields: 3}
}

// strongBuy scores well above the approve threshold with the defaults:
// trend regime, aligned demand-zone touch, aligned trend, confirmed bar,
// prime session.
func strongBuy() signal.Normalized {
	return signal.Normalized{
		Regime: signal.Regime{Classification: "trend", ADX: fp(28), ATRExpanding: bp(false)},
		Structure: signal.PriceStructure{SMA20DistancePct: fp(0.8)},
		Zones: signal.ZoneInteraction{ZoneTouch: true, ZoneDirection: "demand"},
		Momentum: signal.Momentum{RSI: fp(45), RSIZone: "neutral", TrendAligned: bp(true)},
		Quality: signal.Quality{BarCloseConfirmed: true, Session: "London_NY"},
		Completeness: signal.Completeness{SourceConnected: true},
	}
}

func TestStrongSetupApproves(t *testing.T) {
	b := Score(strongBuy(), "buy", defaults(), gates(), true)
	if b.Decision != Approve {
		t.Fatalf("decision = %s (total %v), want approve", b.Decision, b.Total)
	}
	for _, rule := range []string{"regime_trend_base", "zone_touch_aligned", "trend_aligned", "bar_close_confirmed", "session_london_ny"} {
		if b.Value(rule) == 0 {
			t.Fatalf("rule %s did not fire", rule)
		}
	}
}

func TestTotalEqualsContributionSum(t *testing.T) {
	sigs := []signal.Normalized{
		strongBuy(),
		{Regime: signal.Regime{Classification: "range"}, Completeness: signal.Completeness{FieldsMissing: []string{"rsi_value"}}},
		{Regime: signal.Regime{Classification: "breakout"}, Quality: signal.Quality{Session: "Off_hours"}},
		// 0.2 + 0.1 does not accumulate to the double closest to 0.3, so
		// any post-hoc rounding of Total would break exact equality here.
		{
			Zones:    signal.ZoneInteraction{ZoneTouch: true, ZoneDirection: "demand"},
			Momentum: signal.Momentum{TrendAligned: bp(true)},
		},
	}
	for i, sig := range sigs {
		b := Score(sig, "buy", defaults(), gates(), true)
		sum := 0.0
		for _, c := range b.Contributions {
			sum += c.Value
		}
		if sum != b.Total {
			t.Fatalf("case %d: total %v != contribution sum %v", i, b.Total, sum)
		}
	}
}

func TestCriticalFieldMissingRejectsInstantly(t *testing.T) {
	sig := strongBuy()
	sig.Completeness.FieldsMissing = []string{"adx_value"}
	b := Score(sig, "buy", defaults(), gates(), true)
	if b.Decision != Reject {
		t.Fatalf("decision = %s, want reject", b.Decision)
	}
	if len(b.Contributions) != 1 || b.Contributions[0].Value != instantRejectScore {
		t.Fatalf("contributions = %+v, want single instant_reject", b.Contributions)
	}
	if len(b.RejectReasons) == 0 {
		t.Fatal("missing reject reason")
	}
}

func TestTooManyMissingFieldsRejects(t *testing.T) {
	sig := strongBuy()
	sig.Completeness.FieldsMissing = []string{"sma20", "atr_percentile", "confidence"}
	b := Score(sig, "buy", defaults(), gates(), true)
	if b.Decision != Reject {
		t.Fatalf("decision = %s, want reject", b.Decision)
	}
}

func TestRangeMiddleWithoutStructureRejects(t *testing.T) {
	sig := signal.Normalized{
		Regime:    signal.Regime{Classification: "range"},
		Structure: signal.PriceStructure{SMA20DistancePct: fp(0.1)},
		Quality:   signal.Quality{BarCloseConfirmed: true},
	}
	b := Score(sig, "buy", defaults(), gates(), true)
	if b.Decision != Reject || b.Value("instant_reject") != instantRejectScore {
		t.Fatalf("breakdown = %+v, want instant reject", b)
	}

	// A zone touch clears the gate.
	sig.Zones = signal.ZoneInteraction{ZoneTouch: true, ZoneDirection: "demand"}
	b = Score(sig, "buy", defaults(), gates(), true)
	if b.Value("instant_reject") != 0 {
		t.Fatal("zone touch must disarm the range-middle gate")
	}
}

func TestCounterTrendGateNeedsAuxTrend(t *testing.T) {
	sig := strongBuy()
	sig.Momentum.TrendAligned = bp(false)
	sig.Quality.BarCloseConfirmed = false

	if b := Score(sig, "buy", defaults(), gates(), true); b.Value("instant_reject") != instantRejectScore {
		t.Fatal("counter-trend unconfirmed bar must instant-reject")
	}
	// Without the higher-timeframe feed the gate stands down.
	if b := Score(sig, "buy", defaults(), gates(), false); b.Value("instant_reject") != 0 {
		t.Fatal("gate must be skipped when aux trend is unavailable")
	}
	// And it can be disabled outright.
	g := gates()
	g.Gate2Enabled = false
	if b := Score(sig, "buy", defaults(), g, true); b.Value("instant_reject") != 0 {
		t.Fatal("disabled gate must not fire")
	}
}

func TestCounterDirectionStructureDoesNotScore(t *testing.T) {
	sig := strongBuy()
	b := Score(sig, "sell", defaults(), gates(), true)
	if b.Value("zone_touch_aligned") != 0 {
		t.Fatal("demand zone must not score for a sell")
	}
}

func TestSweepAlignmentAndStack(t *testing.T) {
	sig := strongBuy()
	sig.Zones.LiquiditySweep = true
	sig.Zones.SweepDirection = "buy_side"
	b := Score(sig, "buy", defaults(), gates(), true)
	if b.Value("liquidity_sweep") == 0 {
		t.Fatal("aligned sweep must score")
	}
	if b.Value("sweep_plus_zone") == 0 {
		t.Fatal("sweep on top of an aligned zone must add the stack bonus")
	}

	sig.Zones.SweepDirection = "sell_side"
	b = Score(sig, "buy", defaults(), gates(), true)
	if b.Value("liquidity_sweep") != 0 {
		t.Fatal("sell-side sweep must not score for a buy")
	}
}

func TestRSIConfirmationAndDivergence(t *testing.T) {
	sig := strongBuy()
	sig.Momentum.RSIZone = "oversold"
	if b := Score(sig, "buy", defaults(), gates(), true); b.Value("rsi_confirmation") == 0 {
		t.Fatal("oversold RSI must confirm a buy")
	}
	sig.Momentum.RSIZone = "overbought"
	if b := Score(sig, "buy", defaults(), gates(), true); b.Value("rsi_divergence") >= 0 {
		t.Fatal("overbought RSI must penalize a buy")
	}
}

func TestWaitScopeSelection(t *testing.T) {
	cfg := defaults()
	g := gates()

	// No zone or FVG: structure is what the wait is for.
	sig := signal.Normalized{
		Regime:  signal.Regime{Classification: "trend"},
		Quality: signal.Quality{BarCloseConfirmed: false},
	}
	b := Score(sig, "buy", cfg, g, true)
	if b.Decision != Wait || b.WaitScope != WaitStructureNeeded {
		t.Fatalf("decision = %s scope = %s, want wait/structure_needed (total %v)", b.Decision, b.WaitScope, b.Total)
	}

	// Zone present, bar not closed yet.
	sig.Zones = signal.ZoneInteraction{ZoneTouch: true, ZoneDirection: "supply"}
	b = Score(sig, "buy", cfg, g, true)
	if b.Decision != Wait || b.WaitScope != WaitNextBar {
		t.Fatalf("scope = %s, want next_bar", b.WaitScope)
	}

	// Everything present, score just short of approval.
	sig = signal.Normalized{
		Regime:  signal.Regime{Classification: "range"},
		Zones:   signal.ZoneInteraction{ZoneTouch: true, ZoneDirection: "demand"},
		Quality: signal.Quality{BarCloseConfirmed: true},
	}
	b = Score(sig, "buy", cfg, g, true)
	if b.Decision != Wait || b.WaitScope != WaitCooldown {
		t.Fatalf("decision = %s scope = %s, want wait/cooldown (total %v)", b.Decision, b.WaitScope, b.Total)
	}
}

func TestLowScoreRejectsWithReasons(t *testing.T) {
	sig := signal.Normalized{
		Regime:    signal.Regime{Classification: "range"},
		Structure: signal.PriceStructure{SMA20DistancePct: fp(1.5)},
		Quality:   signal.Quality{Session: "Off_hours"},
	}
	b := Score(sig, "buy", defaults(), gates(), true)
	if b.Decision != Reject {
		t.Fatalf("decision = %s (total %v), want reject", b.Decision, b.Total)
	}
	if len(b.RejectReasons) == 0 {
		t.Fatal("reject must carry reasons")
	}
}

func TestThresholdBoundariesInclusive(t *testing.T) {
	vals := scoring.Defaults()
	vals["approve_threshold"] = 0.40
	vals["wait_threshold"] = 0.10
	cfg := scoring.NewSnapshot(2, vals)

	// trend 0.20 + zone 0.20 lands exactly on the approve threshold.
	sig := signal.Normalized{
		Regime: signal.Regime{Classification: "trend"},
		Zones:  signal.ZoneInteraction{ZoneTouch: true, ZoneDirection: "demand"},
	}
	b := Score(sig, "buy", cfg, gates(), true)
	if b.Total != 0.40 || b.Decision != Approve {
		t.Fatalf("total %v decision %s, want 0.40 approve", b.Total, b.Decision)
	}
}

func TestScoringIsDeterministic(t *testing.T) {
	sig := strongBuy()
	first := Score(sig, "buy", defaults(), gates(), true)
	for i := 0; i < 10; i++ {
		again := Score(sig, "buy", defaults(), gates(), true)
		if again.Total != first.Total || again.Decision != first.Decision ||
			len(again.Contributions) != len(first.Contributions) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}
