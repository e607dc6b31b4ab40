package signal

import (
	"testing"
	"time"
)

var now = time.Date(2026, 8, 5, 13, 0, 0, 0, time.UTC)

func TestParseAlertNormalizes(t *testing.T) {
	b := []byte(`{"symbol":"gold","price":3345.2,"tf":5,"side":"BUY",
		"signal_type":"entry_trigger","event":"prediction_signal",
		"source":"Lorentzian","confirmed":"bar_close","confidence":0.82}`)
	a, err := ParseAlert(b, now)
	if err != nil {
		t.Fatalf("ParseAlert: %v", err)
	}
	if a.Symbol != "XAUUSD" {
		t.Fatalf("symbol = %q, want XAUUSD", a.Symbol)
	}
	if a.Side != "buy" {
		t.Fatalf("side = %q, want buy", a.Side)
	}
	if !a.BarCloseConfirmed {
		t.Fatal("confirmed=bar_close should set BarCloseConfirmed")
	}
	if a.Confidence == nil || *a.Confidence != 0.82 {
		t.Fatalf("confidence = %v", a.Confidence)
	}
}

func TestParseAlertRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown signal type", `{"signal_type":"exit","event":"fvg_touch","price":1}`},
		{"unknown event", `{"signal_type":"structure","event":"moon_phase","price":1}`},
		{"missing price", `{"signal_type":"structure","event":"fvg_touch"}`},
		{"entry without direction", `{"signal_type":"entry_trigger","event":"prediction_signal","price":1}`},
	}
	for _, c := range cases {
		if _, err := ParseAlert([]byte(c.body), now); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}
}

func TestParseAlertDropsOutOfRangeOptionals(t *testing.T) {
	b := []byte(`{"signal_type":"entry_trigger","event":"prediction_signal",
		"price":3345.2,"direction":"sell","confidence":1.7,"pattern_similarity":-0.2}`)
	a, err := ParseAlert(b, now)
	if err != nil {
		t.Fatalf("ParseAlert: %v", err)
	}
	if a.Confidence != nil || a.PatternSimilarity != nil {
		t.Fatalf("out-of-range optionals should be nil: %v %v", a.Confidence, a.PatternSimilarity)
	}
}

func TestParseAlertStructureNeedsNoDirection(t *testing.T) {
	b := []byte(`{"signal_type":"structure","event":"liquidity_sweep","price":3340}`)
	if _, err := ParseAlert(b, now); err != nil {
		t.Fatalf("structure alert without direction should pass: %v", err)
	}
}
