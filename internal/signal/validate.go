package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var validSignalTypes = map[string]bool{TypeEntryTrigger: true, TypeStructure: true}

var validEvents = map[string]bool{
	EventPrediction: true,
	EventZoneTouch:  true,
	EventNewZone:    true,
	EventFVGTouch:   true,
	EventSweep:      true,
}

// Upstream chart scripts disagree on the symbol name for gold.
var symbolAliases = map[string]string{
	"gold": "XAUUSD", "xauusd": "XAUUSD",
}

// wireAlert tolerates the field aliases different alert sources use.
type wireAlert struct {
	Symbol            string   `json:"symbol"`
	Price             any      `json:"price"`
	TF                any      `json:"tf"`
	Direction         string   `json:"direction"`
	Side              string   `json:"side"`
	Action            string   `json:"action"`
	SignalType        string   `json:"signal_type"`
	Event             string   `json:"event"`
	Source            string   `json:"source"`
	Strength          string   `json:"strength"`
	Comment           string   `json:"comment"`
	Confirmed         string   `json:"confirmed"`
	Confidence        *float64 `json:"confidence"`
	PatternSimilarity *float64 `json:"pattern_similarity"`
}

// ParseAlert validates and normalizes a raw alert payload. Unknown signal
// types, unknown events, missing price, or an entry trigger without a
// direction are rejected. Out-of-range optional fields are dropped to nil
// rather than failing the whole alert.
func ParseAlert(b []byte, now time.Time) (RawAlert, error) {
	var w wireAlert
	if err := json.Unmarshal(b, &w); err != nil {
		return RawAlert{}, fmt.Errorf("decode alert: %w", err)
	}

	st := strings.ToLower(strings.TrimSpace(w.SignalType))
	if !validSignalTypes[st] {
		return RawAlert{}, fmt.Errorf("unknown signal_type %q", w.SignalType)
	}
	ev := strings.ToLower(strings.TrimSpace(w.Event))
	if !validEvents[ev] {
		return RawAlert{}, fmt.Errorf("unknown event %q", w.Event)
	}

	side := strings.ToLower(strings.TrimSpace(firstNonEmpty(w.Direction, w.Side, w.Action)))
	if st == TypeEntryTrigger && side != "buy" && side != "sell" {
		return RawAlert{}, fmt.Errorf("entry trigger needs direction buy|sell, got %q", side)
	}

	price, ok := toFloat(w.Price)
	if !ok {
		return RawAlert{}, fmt.Errorf("bad price %v", w.Price)
	}

	tf := 0
	if v, ok := toFloat(w.TF); ok {
		tf = int(v)
	}

	a := RawAlert{
		ReceivedAt:        now.UTC(),
		Symbol:            normalizeSymbol(w.Symbol),
		Price:             price,
		Timeframe:         tf,
		Side:              side,
		SignalType:        st,
		Event:             ev,
		Source:            w.Source,
		Strength:          w.Strength,
		Comment:           w.Comment,
		BarCloseConfirmed: w.Confirmed == "bar_close",
	}
	if w.Confidence != nil && *w.Confidence >= 0 && *w.Confidence <= 1 {
		a.Confidence = w.Confidence
	}
	if w.PatternSimilarity != nil && *w.PatternSimilarity >= 0 && *w.PatternSimilarity <= 1 {
		a.PatternSimilarity = w.PatternSimilarity
	}
	return a, nil
}

// normalizedFields maps each nil-able field of the structured schema to its
// FieldsMissing name. The scoring gates only see FieldsMissing, so the record
// must reflect what is actually absent.
var normalizedFields = []struct {
	name   string
	absent func(Normalized) bool
}{
	{"rsi_value", func(n Normalized) bool { return n.Momentum.RSI == nil }},
	{"adx_value", func(n Normalized) bool { return n.Regime.ADX == nil }},
	{"adx_rising", func(n Normalized) bool { return n.Regime.ADXRising == nil }},
	{"atr_expanding", func(n Normalized) bool { return n.Regime.ATRExpanding == nil }},
	{"above_sma20", func(n Normalized) bool { return n.Structure.AboveSMA20 == nil }},
	{"sma20_distance_pct", func(n Normalized) bool { return n.Structure.SMA20DistancePct == nil }},
	{"perfect_order", func(n Normalized) bool { return n.Structure.PerfectOrder == nil }},
	{"source_connected", func(n Normalized) bool { return !n.Completeness.SourceConnected }},
}

// Validate reconciles the completeness record with the fields actually
// present: every nil field of the schema is appended to FieldsMissing, and
// empty enumerations get their neutral default. Every structurizer output
// goes through this pass, so a response that omits data without declaring it
// still trips the missing-data gate.
func Validate(n Normalized) Normalized {
	for _, f := range normalizedFields {
		if f.absent(n) && !n.Completeness.Missing(f.name) {
			n.Completeness.FieldsMissing = append(n.Completeness.FieldsMissing, f.name)
		}
	}
	if n.Regime.Classification == "" {
		n.Regime.Classification = "range"
	}
	if n.Momentum.RSIZone == "" {
		n.Momentum.RSIZone = "neutral"
	}
	return n
}

func normalizeSymbol(raw string) string {
	if raw == "" {
		return "XAUUSD"
	}
	if mapped, ok := symbolAliases[strings.ToLower(raw)]; ok {
		return mapped
	}
	return strings.ToUpper(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(x, "%g", &f); err == nil {
			return f, true
		}
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
