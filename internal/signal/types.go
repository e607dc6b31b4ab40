// Package signal holds the wire types for incoming market alerts and the
// normalized structure the scoring engine consumes, plus the collection
// window that batches alerts arriving within a few hundred ms of each other.
package signal

import "time"

const (
	TypeEntryTrigger = "entry_trigger"
	TypeStructure    = "structure"
)

// Alert events accepted from upstream chart scripts.
const (
	EventPrediction = "prediction_signal"
	EventZoneTouch  = "zone_retrace_touch"
	EventNewZone    = "new_zone_confirmed"
	EventFVGTouch   = "fvg_touch"
	EventSweep      = "liquidity_sweep"
)

// RawAlert is a validated incoming alert.
type RawAlert struct {
	ReceivedAt        time.Time `json:"received_at"`
	Symbol            string    `json:"symbol"`
	Price             float64   `json:"price"`
	Timeframe         int       `json:"tf"`
	Side              string    `json:"direction"` // buy | sell
	SignalType        string    `json:"signal_type"`
	Event             string    `json:"event"`
	Source            string    `json:"source"`
	Strength          string    `json:"strength"`
	Comment           string    `json:"comment"`
	BarCloseConfirmed bool      `json:"bar_close_confirmed"`
	Confidence        *float64  `json:"confidence,omitempty"`
	PatternSimilarity *float64  `json:"pattern_similarity,omitempty"`
}

// Indicators carries the live indicator snapshot used for structuring.
// Pointers are nil when the feed could not provide a value.
type Indicators struct {
	RSI           *float64 `json:"rsi,omitempty"`            // 5m RSI14
	ADX           *float64 `json:"adx,omitempty"`            // 15m ADX14
	ATR           *float64 `json:"atr,omitempty"`            // 15m ATR14, in dollars
	ATRPercentile *float64 `json:"atr_percentile,omitempty"` // rolling percentile of ATR, 0..100
	SMA20         *float64 `json:"sma20,omitempty"`          // 5m
	SMA50H1       *float64 `json:"sma50_h1,omitempty"`       // 1h
	Close         *float64 `json:"close,omitempty"`          // 5m close
}

// StructureEvent is a recent structure-type alert kept for context lookups
// (zone touches, FVG touches, liquidity sweeps).
type StructureEvent struct {
	Event string
	Side  string
	Price float64
	At    time.Time
}

// MarketContext is everything the structurizer and guards need about the
// market at decision time. Built once per batch so all alerts in the batch
// see the same view.
type MarketContext struct {
	At        time.Time
	Connected bool
	Ind       Indicators
	AuxTrend  string // higher-timeframe trend direction, "" when unavailable
	Recent    []StructureEvent
	Session   string
}

// Normalized is the fixed structured schema scoring operates on. Optional
// values stay nil when the underlying data was missing; Completeness records
// which fields could not be filled.
type Normalized struct {
	Regime       Regime
	Structure    PriceStructure
	Zones        ZoneInteraction
	Momentum     Momentum
	Quality      Quality
	Completeness Completeness
}

type Regime struct {
	Classification  string // range | trend | breakout
	ADX             *float64
	ADXRising       *bool
	ATRExpanding    *bool
	SqueezeDetected *bool
}

type PriceStructure struct {
	AboveSMA20       *bool
	SMA20DistancePct *float64
	PerfectOrder     *bool
}

type ZoneInteraction struct {
	ZoneTouch      bool
	ZoneDirection  string // demand | supply | ""
	FVGTouch       bool
	FVGDirection   string // bullish | bearish | ""
	LiquiditySweep bool
	SweepDirection string // buy_side | sell_side | ""
}

type Momentum struct {
	RSI          *float64
	RSIZone      string // oversold | neutral | overbought
	TrendAligned *bool  // nil when aux trend unavailable
}

type Quality struct {
	Source            string
	BarCloseConfirmed bool
	Session           string
	Confidence        *float64
	PatternSimilarity *float64
}

type Completeness struct {
	SourceConnected bool
	FieldsMissing   []string
}

// Missing reports whether a named field is recorded as missing.
func (c Completeness) Missing(field string) bool {
	for _, f := range c.FieldsMissing {
		if f == field {
			return true
		}
	}
	return false
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }
