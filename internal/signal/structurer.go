package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
)

// Structurizer converts a raw alert plus market context into the fixed
// normalized schema. Implementations never panic on partial data; whatever
// cannot be derived lands in Completeness.FieldsMissing and the scoring
// gates handle it (fail closed).
type Structurizer interface {
	Structure(ctx context.Context, a RawAlert, mc MarketContext) (Normalized, error)
}

// RuleStructurizer derives the normalized schema deterministically from the
// indicator snapshot and recent structure events.
type RuleStructurizer struct{}

func (RuleStructurizer) Structure(_ context.Context, a RawAlert, mc MarketContext) (Normalized, error) {
	var n Normalized
	var missing []string

	ind := mc.Ind

	// Regime
	if ind.ADX != nil {
		n.Regime.ADX = ind.ADX
		n.Regime.ADXRising = bptr(*ind.ADX > 20)
	} else {
		missing = append(missing, "adx_value", "adx_rising")
	}
	if ind.ATR != nil && ind.ATRPercentile != nil {
		n.Regime.ATRExpanding = bptr(*ind.ATRPercentile > 70)
		n.Regime.SqueezeDetected = bptr(*ind.ATRPercentile < 20)
	} else {
		missing = append(missing, "atr_expanding")
	}

	n.Regime.Classification = "range"
	if ind.ADX != nil {
		switch {
		case *ind.ADX > 25 && n.Regime.ATRExpanding != nil && *n.Regime.ATRExpanding:
			n.Regime.Classification = "breakout"
		case *ind.ADX > 20:
			n.Regime.Classification = "trend"
		}
	}

	// Price structure
	if ind.SMA20 != nil && ind.Close != nil && *ind.SMA20 > 0 {
		n.Structure.AboveSMA20 = bptr(*ind.Close > *ind.SMA20)
		dist := (*ind.Close - *ind.SMA20) / *ind.SMA20 * 100
		n.Structure.SMA20DistancePct = fptr(math.Round(dist*100) / 100)
	} else {
		missing = append(missing, "above_sma20", "sma20_distance_pct")
	}
	if ind.SMA20 != nil && ind.SMA50H1 != nil {
		n.Structure.PerfectOrder = bptr(*ind.SMA20 > *ind.SMA50H1)
	} else {
		missing = append(missing, "perfect_order")
	}

	// Zone interaction from recent structure events
	for _, ev := range mc.Recent {
		switch ev.Event {
		case EventZoneTouch:
			if !n.Zones.ZoneTouch {
				n.Zones.ZoneTouch = true
				n.Zones.ZoneDirection = zoneDirection(ev.Side)
			}
		case EventFVGTouch:
			if !n.Zones.FVGTouch {
				n.Zones.FVGTouch = true
				n.Zones.FVGDirection = fvgDirection(ev.Side)
			}
		case EventSweep:
			if !n.Zones.LiquiditySweep {
				n.Zones.LiquiditySweep = true
				n.Zones.SweepDirection = sweepDirection(ev.Side)
			}
		}
	}
	if a.SignalType == TypeStructure {
		applyOwnEvent(&n.Zones, a)
	}

	// Momentum
	n.Momentum.RSIZone = "neutral"
	if ind.RSI != nil {
		n.Momentum.RSI = ind.RSI
		if *ind.RSI < 30 {
			n.Momentum.RSIZone = "oversold"
		} else if *ind.RSI > 70 {
			n.Momentum.RSIZone = "overbought"
		}
	} else {
		missing = append(missing, "rsi_value")
	}
	if mc.AuxTrend != "" && a.Side != "" {
		n.Momentum.TrendAligned = bptr(mc.AuxTrend == a.Side)
	}

	// Quality
	n.Quality.Source = a.Source
	n.Quality.BarCloseConfirmed = a.BarCloseConfirmed
	n.Quality.Session = mc.Session
	n.Quality.Confidence = a.Confidence
	n.Quality.PatternSimilarity = a.PatternSimilarity

	n.Completeness.SourceConnected = mc.Connected
	if !mc.Connected {
		// No live feed means nothing above can be trusted.
		missing = append(missing, "source_connected")
	}
	n.Completeness.FieldsMissing = missing
	return Validate(n), nil
}

// applyOwnEvent folds the alert's own structure event into the zone view,
// so a just-received sweep counts without waiting for the store.
func applyOwnEvent(z *ZoneInteraction, a RawAlert) {
	switch a.Event {
	case EventZoneTouch:
		z.ZoneTouch = true
		if z.ZoneDirection == "" {
			z.ZoneDirection = zoneDirection(a.Side)
		}
	case EventFVGTouch:
		z.FVGTouch = true
		if z.FVGDirection == "" {
			z.FVGDirection = fvgDirection(a.Side)
		}
	case EventSweep:
		z.LiquiditySweep = true
		if z.SweepDirection == "" {
			z.SweepDirection = sweepDirection(a.Side)
		}
	}
}

func zoneDirection(side string) string {
	switch side {
	case "buy":
		return "demand"
	case "sell":
		return "supply"
	}
	return ""
}

func fvgDirection(side string) string {
	switch side {
	case "buy":
		return "bullish"
	case "sell":
		return "bearish"
	}
	return ""
}

func sweepDirection(side string) string {
	switch side {
	case "buy":
		return "buy_side"
	case "sell":
		return "sell_side"
	}
	return ""
}

// RemoteStructurizer posts alert plus context to an external structuring
// service. Any failure falls back to the rule structurizer and notifies
// once per incident.
type RemoteStructurizer struct {
	URL      string
	Client   *http.Client
	Fallback RuleStructurizer
	Notify   func(event, detail string)
}

func NewRemoteStructurizer(url string, timeout time.Duration, notify func(event, detail string)) *RemoteStructurizer {
	return &RemoteStructurizer{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Notify: notify,
	}
}

type remotePayload struct {
	Alert   RawAlert      `json:"alert"`
	Context remoteContext `json:"context"`
}

type remoteContext struct {
	At       time.Time        `json:"at"`
	Session  string           `json:"session"`
	AuxTrend string           `json:"aux_trend,omitempty"`
	Ind      Indicators       `json:"indicators"`
	Recent   []StructureEvent `json:"recent"`
}

func (r *RemoteStructurizer) Structure(ctx context.Context, a RawAlert, mc MarketContext) (Normalized, error) {
	n, err := r.remote(ctx, a, mc)
	if err == nil {
		// The remote is not trusted to declare its own gaps.
		return Validate(n), nil
	}
	observ.IncCounter("structurer_fallbacks_total", nil)
	observ.LogError("structurer_fallback", err, map[string]any{"url": r.URL})
	if r.Notify != nil {
		r.Notify("structurer_failure", err.Error())
	}
	return r.Fallback.Structure(ctx, a, mc)
}

func (r *RemoteStructurizer) remote(ctx context.Context, a RawAlert, mc MarketContext) (Normalized, error) {
	body, err := json.Marshal(remotePayload{
		Alert: a,
		Context: remoteContext{
			At: mc.At, Session: mc.Session, AuxTrend: mc.AuxTrend,
			Ind: mc.Ind, Recent: mc.Recent,
		},
	})
	if err != nil {
		return Normalized{}, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return Normalized{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.Client.Do(req)
	if err != nil {
		return Normalized{}, fmt.Errorf("structurer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Normalized{}, fmt.Errorf("structurer status %d", resp.StatusCode)
	}
	var n Normalized
	if err := json.NewDecoder(resp.Body).Decode(&n); err != nil {
		return Normalized{}, fmt.Errorf("decode structurer response: %w", err)
	}
	return n, nil
}
