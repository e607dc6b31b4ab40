package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/signal"
	"github.com/auriclabs/goldpilot/internal/store"
)

type sliceSource []store.StoredSignal

func (s sliceSource) SignalsBetween(from, to time.Time) ([]store.StoredSignal, error) {
	var out []store.StoredSignal
	for _, row := range s {
		if !row.Alert.ReceivedAt.Before(from) && row.Alert.ReceivedAt.Before(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

func fp(v float64) *float64 { return &v }

var (
	rFrom = time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	rTo   = time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC)
)

func capturedContext(at time.Time, price float64) signal.MarketContext {
	return signal.MarketContext{
		At: at, Connected: true, Session: "London_NY", AuxTrend: "buy",
		Ind: signal.Indicators{
			RSI: fp(50), ADX: fp(22), ATR: fp(5), ATRPercentile: fp(50),
			SMA20: fp(price - 20), SMA50H1: fp(price - 40), Close: fp(price),
		},
	}
}

// A confirmed buy trigger in a trend with the higher timeframe aligned, then
// price walking up through the take-profit.
func winningTape() sliceSource {
	t1 := rFrom.Add(5 * time.Minute)
	t2 := t1.Add(10 * time.Minute)
	t3 := t2.Add(10 * time.Minute)
	return sliceSource{
		{ID: 1, Alert: signal.RawAlert{
			ReceivedAt: t1, Symbol: "XAUUSD", Price: 3340, Timeframe: 5, Side: "buy",
			SignalType: signal.TypeEntryTrigger, Event: signal.EventPrediction,
			Source: "chart", BarCloseConfirmed: true,
		}, Context: capturedContext(t1, 3340)},
		{ID: 2, Alert: signal.RawAlert{
			ReceivedAt: t2, Symbol: "XAUUSD", Price: 3344, Side: "buy",
			SignalType: signal.TypeStructure, Event: signal.EventNewZone,
		}, Context: capturedContext(t2, 3344)},
		{ID: 3, Alert: signal.RawAlert{
			ReceivedAt: t3, Symbol: "XAUUSD", Price: 3356, Side: "buy",
			SignalType: signal.TypeStructure, Event: signal.EventNewZone,
		}, Context: capturedContext(t3, 3356)},
	}
}

func runConfig(snap scoring.Snapshot) Config {
	return Config{
		Snapshot: snap,
		Gates:    decision.GateConfig{Gate2Enabled: true, FlatZonePct: 0.3, MaxMissingFields: 3},
		Exec: decision.ExecutionConfig{
			RiskPct: 0.5, ATRMin: 3, ATRMax: 30, SLMinUSD: 8, SLMaxUSD: 80,
		},
		SpreadUSD:       0.2,
		StartEquity:     10000,
		BreakevenBuffer: 0.2,
	}
}

func TestReplayExecutesAndSettles(t *testing.T) {
	snap := scoring.NewSnapshot(1, scoring.Defaults())
	eng := New(winningTape(), runConfig(snap))

	rep, err := eng.Run(context.Background(), rFrom, rTo)
	require.NoError(t, err)

	require.Equal(t, 3, rep.Signals)
	require.Equal(t, 1, rep.Approvals)
	require.Equal(t, 1, rep.Trades)
	require.Equal(t, 1, rep.Wins)
	require.Equal(t, 1.0, rep.WinRate)

	// Fill at ask 3340.1, target ask+15, closed at bid 3355.9, size 5.
	require.InDelta(t, 79.0, rep.TotalPnL, 0.01)
	require.InDelta(t, 10079.0, rep.FinalEquity, 0.01)
	require.Zero(t, rep.MaxDrawdown)
}

func TestReplayIsDeterministic(t *testing.T) {
	snap := scoring.NewSnapshot(1, scoring.Defaults())
	first, err := New(winningTape(), runConfig(snap)).Run(context.Background(), rFrom, rTo)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := New(winningTape(), runConfig(snap)).Run(context.Background(), rFrom, rTo)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestSnapshotOverrideChangesDecisions(t *testing.T) {
	vals := scoring.Defaults()
	vals["approve_threshold"] = 0.60
	snap := scoring.NewSnapshot(2, vals)

	rep, err := New(winningTape(), runConfig(snap)).Run(context.Background(), rFrom, rTo)
	require.NoError(t, err)

	require.Zero(t, rep.Approvals)
	require.Equal(t, 1, rep.Waits)
	require.Zero(t, rep.Trades)
	require.Zero(t, rep.TotalPnL)
}

func TestOpenPositionFlattenedAtEnd(t *testing.T) {
	tape := winningTape()[:2] // entry plus one tick shy of the target
	snap := scoring.NewSnapshot(1, scoring.Defaults())

	rep, err := New(tape, runConfig(snap)).Run(context.Background(), rFrom, rTo)
	require.NoError(t, err)

	require.Equal(t, 1, rep.Trades)
	// Closed at the last tape bid 3343.9 after entering at 3340.1.
	require.InDelta(t, 19.0, rep.TotalPnL, 0.01)
}
