package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fullContext() MarketContext {
	return MarketContext{
		At:        time.Date(2026, 8, 5, 13, 0, 0, 0, time.UTC),
		Connected: true,
		Session:   "London_NY",
		AuxTrend:  "buy",
		Ind: Indicators{
			RSI: fptr(28), ADX: fptr(27), ATR: fptr(9),
			ATRPercentile: fptr(80), SMA20: fptr(3340), SMA50H1: fptr(3320),
			Close: fptr(3352),
		},
	}
}

func TestRuleStructurizerFullData(t *testing.T) {
	a := RawAlert{SignalType: TypeEntryTrigger, Event: EventPrediction, Side: "buy", BarCloseConfirmed: true, Source: "Lorentzian"}
	n, err := RuleStructurizer{}.Structure(context.Background(), a, fullContext())
	if err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if n.Regime.Classification != "breakout" {
		t.Fatalf("classification = %q, want breakout (ADX 27, ATR pctile 80)", n.Regime.Classification)
	}
	if n.Momentum.RSIZone != "oversold" {
		t.Fatalf("rsi zone = %q, want oversold", n.Momentum.RSIZone)
	}
	if n.Momentum.TrendAligned == nil || !*n.Momentum.TrendAligned {
		t.Fatal("aux trend buy + signal buy should be aligned")
	}
	if n.Structure.AboveSMA20 == nil || !*n.Structure.AboveSMA20 {
		t.Fatal("close above sma20")
	}
	if len(n.Completeness.FieldsMissing) != 0 {
		t.Fatalf("unexpected missing fields: %v", n.Completeness.FieldsMissing)
	}
}

func TestRuleStructurizerRecordsMissing(t *testing.T) {
	mc := fullContext()
	mc.Ind.RSI = nil
	mc.Ind.ADX = nil
	a := RawAlert{SignalType: TypeEntryTrigger, Event: EventPrediction, Side: "sell"}
	n, err := RuleStructurizer{}.Structure(context.Background(), a, mc)
	if err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if !n.Completeness.Missing("rsi_value") || !n.Completeness.Missing("adx_value") {
		t.Fatalf("missing fields not recorded: %v", n.Completeness.FieldsMissing)
	}
	if n.Regime.Classification != "range" {
		t.Fatalf("no ADX should default to range, got %q", n.Regime.Classification)
	}
}

func TestRuleStructurizerZoneEvents(t *testing.T) {
	mc := fullContext()
	mc.Recent = []StructureEvent{
		{Event: EventSweep, Side: "sell", Price: 3338},
		{Event: EventZoneTouch, Side: "buy", Price: 3339},
	}
	a := RawAlert{SignalType: TypeEntryTrigger, Event: EventPrediction, Side: "buy"}
	n, _ := RuleStructurizer{}.Structure(context.Background(), a, mc)
	if !n.Zones.LiquiditySweep || n.Zones.SweepDirection != "sell_side" {
		t.Fatalf("sweep not mapped: %+v", n.Zones)
	}
	if !n.Zones.ZoneTouch || n.Zones.ZoneDirection != "demand" {
		t.Fatalf("zone not mapped: %+v", n.Zones)
	}
}

func TestRemoteStructurizerFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	notified := 0
	r := NewRemoteStructurizer(srv.URL, time.Second, func(event, detail string) { notified++ })

	a := RawAlert{SignalType: TypeEntryTrigger, Event: EventPrediction, Side: "buy"}
	n, err := r.Structure(context.Background(), a, fullContext())
	require.NoError(t, err, "fallback must absorb remote failure")
	require.Equal(t, 1, notified)
	require.NotEmpty(t, n.Regime.Classification, "fallback output must be structured")
}

func TestRemoteStructurizerReconcilesUndeclaredGaps(t *testing.T) {
	// Response claims a clean trend setup but carries no indicator values
	// and an empty missing-fields list.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Regime":{"Classification":"trend"},
			"Momentum":{"TrendAligned":true},
			"Quality":{"BarCloseConfirmed":true,"Session":"London_NY"},
			"Completeness":{"SourceConnected":true,"FieldsMissing":[]}
		}`))
	}))
	defer srv.Close()

	r := NewRemoteStructurizer(srv.URL, time.Second, nil)
	a := RawAlert{SignalType: TypeEntryTrigger, Event: EventPrediction, Side: "buy"}
	n, err := r.Structure(context.Background(), a, fullContext())
	require.NoError(t, err)
	for _, f := range []string{"rsi_value", "adx_value", "atr_expanding"} {
		require.True(t, n.Completeness.Missing(f), "nil %s must be recorded as missing", f)
	}
	require.Equal(t, "neutral", n.Momentum.RSIZone)
}

func TestValidateKeepsCompleteOutputUntouched(t *testing.T) {
	n, err := RuleStructurizer{}.Structure(context.Background(),
		RawAlert{SignalType: TypeEntryTrigger, Event: EventPrediction, Side: "buy"}, fullContext())
	require.NoError(t, err)
	require.Empty(t, Validate(n).Completeness.FieldsMissing)
}

func TestRemoteStructurizerUsesRemoteWhenHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Regime":{"Classification":"trend"}}`))
	}))
	defer srv.Close()

	r := NewRemoteStructurizer(srv.URL, time.Second, nil)
	a := RawAlert{SignalType: TypeEntryTrigger, Event: EventPrediction, Side: "buy"}
	n, err := r.Structure(context.Background(), a, fullContext())
	require.NoError(t, err)
	require.Equal(t, "trend", n.Regime.Classification)
}
