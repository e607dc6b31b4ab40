// Package risk is the pre-trade guard chain. Every approved signal passes
// through all guards in registration order; the first block wins and the
// entry is refused. Guards are independent and individually testable.
package risk

import (
	"context"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
	"github.com/auriclabs/goldpilot/internal/signal"
)

// Closure is a finished trade as the streak guard sees it.
type Closure struct {
	Outcome  string // tp_hit | sl_hit | trailing_sl | partial_tp | manual | eod_close
	ClosedAt time.Time
}

// AccountState is the account view guards evaluate against. The pipeline
// assembles it from the venue and the store right before evaluation.
type AccountState struct {
	Equity           float64
	Balance          float64
	RealizedToday    float64 // realized PnL since UTC midnight, losses negative
	UnrealizedPnL    float64
	OpenPositions    int
	AggregateRiskPct float64 // sum of per-position risk as percent of equity
	FridayClose      float64 // last Friday close price, 0 when unknown
	RecentClosures   []Closure
}

type CheckResult struct {
	Guard   string `json:"guard"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// Guard is one independent pre-trade check.
type Guard interface {
	Name() string
	Check(ctx context.Context, acct AccountState, mc signal.MarketContext) CheckResult
}

// ChainResult reports the short-circuited evaluation: Trail holds every
// guard that ran, up to and including the blocking one.
type ChainResult struct {
	Blocked bool          `json:"blocked"`
	By      string        `json:"by,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Trail   []CheckResult `json:"trail"`
}

type Chain struct {
	guards []Guard
}

func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

// Evaluate runs the guards in order and stops at the first block.
func (c *Chain) Evaluate(ctx context.Context, acct AccountState, mc signal.MarketContext) ChainResult {
	var res ChainResult
	for _, g := range c.guards {
		r := g.Check(ctx, acct, mc)
		r.Guard = g.Name()
		res.Trail = append(res.Trail, r)
		if r.Blocked {
			res.Blocked = true
			res.By = g.Name()
			res.Reason = r.Reason
			observ.IncCounter("risk_blocks_total", map[string]string{"guard": g.Name()})
			observ.Log("risk_blocked", map[string]any{"guard": g.Name(), "reason": r.Reason})
			return res
		}
	}
	return res
}

func blocked(reason string) CheckResult { return CheckResult{Blocked: true, Reason: reason} }
func pass() CheckResult                 { return CheckResult{} }
