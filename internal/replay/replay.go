// Package replay re-runs recorded signals through the live decision path
// against a simulated venue. Decisions come out identical to what live
// trading would have produced for the same snapshot, which is what makes
// replay usable for optimizer holdout checks and what-if threshold runs.
package replay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/position"
	"github.com/auriclabs/goldpilot/internal/risk"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/signal"
	"github.com/auriclabs/goldpilot/internal/store"
	"github.com/auriclabs/goldpilot/internal/venue"
)

// Source feeds recorded signals with their captured market context.
type Source interface {
	SignalsBetween(from, to time.Time) ([]store.StoredSignal, error)
}

// Config fixes everything a run depends on. The snapshot is pinned for the
// whole run; live parameter changes never leak in.
type Config struct {
	Snapshot        scoring.Snapshot
	Gates           decision.GateConfig
	Exec            decision.ExecutionConfig
	SpreadUSD       float64
	StartEquity     float64
	BreakevenBuffer float64
}

// Report aggregates one run.
type Report struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Signals      int       `json:"signals"`
	Approvals    int       `json:"approvals"`
	Waits        int       `json:"waits"`
	Rejects      int       `json:"rejects"`
	RiskBlocks   int       `json:"risk_blocks"`
	Trades       int       `json:"trades"`
	Wins         int       `json:"wins"`
	WinRate      float64   `json:"win_rate"`
	TotalPnL     float64   `json:"total_pnl"`
	ProfitFactor float64   `json:"profit_factor"`
	Expectancy   float64   `json:"expectancy"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	Sharpe       float64   `json:"sharpe"`
	FinalEquity  float64   `json:"final_equity"`
}

type Engine struct {
	src Source
	cfg Config
}

func New(src Source, cfg Config) *Engine {
	return &Engine{src: src, cfg: cfg}
}

// Run replays [from, to) in timestamp order. Every stored signal advances the
// simulated tape; entry triggers are decided exactly as live trading decides
// them, with the pinned snapshot and an empty guard chain so results reflect
// scoring alone.
func (e *Engine) Run(ctx context.Context, from, to time.Time) (Report, error) {
	rows, err := e.src.SignalsBetween(from, to)
	if err != nil {
		return Report{}, fmt.Errorf("load signals: %w", err)
	}

	rep := Report{From: from, To: to, Signals: len(rows)}
	sim := newSimVenue(e.cfg.SpreadUSD)
	equity := e.cfg.StartEquity

	var outcomes []position.Outcome
	mgr := position.NewManager(sim,
		func() scoring.Snapshot { return e.cfg.Snapshot },
		e.cfg.BreakevenBuffer,
		func(o position.Outcome) {
			outcomes = append(outcomes, o)
			equity += o.PnL
		}, nil)

	pipe := &decision.Pipeline{
		Gates:      e.cfg.Gates,
		Exec:       e.cfg.Exec,
		Structurer: signal.RuleStructurizer{},
		Guards:     risk.NewChain(),
		Venue:      sim,
		Account: func(context.Context, signal.MarketContext) (risk.AccountState, error) {
			return risk.AccountState{Equity: equity, Balance: equity}, nil
		},
		OnExecuted: func(a signal.RawAlert, res decision.Result, atr float64, at time.Time) {
			mgr.Track(position.Position{
				ID: res.Order.ID, Side: res.Order.Side,
				EntryPrice: res.Fill.FillPrice, EntryTime: at,
				Size: res.Order.Size, StopLoss: res.Order.StopLoss,
				TakeProfit: res.Order.TakeProfit, ATR: atr,
				ScoreAtEntry: res.Breakdown.Total,
			})
		},
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		price := row.Alert.Price
		if price == 0 && row.Context.Ind.Close != nil {
			price = *row.Context.Ind.Close
		}
		if price > 0 {
			sim.setMid(price, row.Alert.ReceivedAt)
			mgr.Tick(ctx, sim.current())
		}
		if row.Alert.SignalType != signal.TypeEntryTrigger {
			continue
		}

		res, err := pipe.Decide(ctx, []signal.RawAlert{row.Alert}, row.Context, e.cfg.Snapshot)
		if err != nil {
			return rep, fmt.Errorf("decide signal %d: %w", row.ID, err)
		}
		switch res.Breakdown.Decision {
		case decision.Approve:
			rep.Approvals++
			if res.Risk.Blocked {
				rep.RiskBlocks++
			}
		case decision.Wait:
			rep.Waits++
		default:
			rep.Rejects++
		}
	}

	// Flatten whatever is still open at the final tape price.
	mgr.CloseAll(ctx, sim.current(), "eod_close")

	e.aggregate(&rep, outcomes, equity)
	return rep, nil
}

func (e *Engine) aggregate(rep *Report, outcomes []position.Outcome, equity float64) {
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].At.Before(outcomes[j].At) })

	rep.Trades = len(outcomes)
	rep.FinalEquity = equity

	var grossProfit, grossLoss, cum, peak float64
	for _, o := range outcomes {
		rep.TotalPnL += o.PnL
		if o.PnL > 0 {
			rep.Wins++
			grossProfit += o.PnL
		} else {
			grossLoss += -o.PnL
		}
		cum += o.PnL
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > rep.MaxDrawdown {
			rep.MaxDrawdown = dd
		}
	}
	if rep.Trades == 0 {
		return
	}
	rep.WinRate = float64(rep.Wins) / float64(rep.Trades)
	rep.Expectancy = rep.TotalPnL / float64(rep.Trades)
	if grossLoss > 0 {
		rep.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		rep.ProfitFactor = math.Inf(1)
	}

	mean := rep.Expectancy
	var variance float64
	for _, o := range outcomes {
		variance += (o.PnL - mean) * (o.PnL - mean)
	}
	variance /= float64(rep.Trades)
	if sd := math.Sqrt(variance); sd > 0 {
		rep.Sharpe = mean / sd
	}
}

// simVenue is the replay tape: a single synthetic quote derived from the
// current signal's price plus a fixed spread. It serves both order entry and
// position management.
type simVenue struct {
	mu     sync.Mutex
	cur    venue.Quote
	spread float64
	sides  map[string]string
}

func newSimVenue(spread float64) *simVenue {
	return &simVenue{spread: spread, sides: map[string]string{}}
}

func (v *simVenue) setMid(mid float64, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	half := v.spread / 2
	v.cur = venue.Quote{Bid: mid - half, Ask: mid + half, At: at}
}

func (v *simVenue) current() venue.Quote {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

func (v *simVenue) Quote(context.Context) (venue.Quote, error) {
	return v.current(), nil
}

func (v *simVenue) Open(_ context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sides[req.ID] = req.Side
	fill := v.cur.Ask
	if req.Side == "sell" {
		fill = v.cur.Bid
	}
	return venue.OrderResult{OrderID: req.ID, FillPrice: fill, FilledAt: v.cur.At}, nil
}

func (v *simVenue) ModifyStops(context.Context, string, float64, float64) error {
	return nil
}

func (v *simVenue) Close(_ context.Context, orderID string, _ float64) (venue.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fill := v.cur.Bid
	if v.sides[orderID] == "sell" {
		fill = v.cur.Ask
	}
	return venue.OrderResult{OrderID: orderID, FillPrice: fill, FilledAt: v.cur.At}, nil
}
