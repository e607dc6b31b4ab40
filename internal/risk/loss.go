package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/auriclabs/goldpilot/internal/signal"
)

// DailyLoss halts new entries once today's loss reaches a percentage of
// equity. Open losses count: an account down 2% realized and 2% floating is
// not in a position to add risk.
type DailyLoss struct {
	LimitPct float64 // e.g. 3.0 blocks at -3% of equity
}

func (DailyLoss) Name() string { return "daily_loss" }

func (g DailyLoss) Check(_ context.Context, acct AccountState, _ signal.MarketContext) CheckResult {
	if acct.Equity <= 0 {
		return blocked("equity unknown")
	}
	loss := acct.RealizedToday
	if acct.UnrealizedPnL < 0 {
		loss += acct.UnrealizedPnL
	}
	limit := -g.LimitPct / 100 * acct.Equity
	if loss <= limit {
		return blocked(fmt.Sprintf("daily loss %.2f beyond limit %.2f", loss, limit))
	}
	return pass()
}

// ConsecutiveLosses stops trading after a run of stop-loss hits. Closures
// within GroupWithin of each other count as a single hit (multi-position
// stops triggered by one move), and a quiet period of ResetAfter clears the
// streak.
type ConsecutiveLosses struct {
	Max         int
	GroupWithin time.Duration
	ResetAfter  time.Duration
}

func (ConsecutiveLosses) Name() string { return "consecutive_losses" }

func (g ConsecutiveLosses) Check(_ context.Context, acct AccountState, mc signal.MarketContext) CheckResult {
	streak := 0
	var lastAt time.Time

	// Closures arrive most recent first.
	for i, c := range acct.RecentClosures {
		if c.Outcome != "sl_hit" && c.Outcome != "trailing_sl" {
			break
		}
		if i == 0 {
			streak = 1
			lastAt = c.ClosedAt
			continue
		}
		prev := acct.RecentClosures[i-1]
		if prev.ClosedAt.Sub(c.ClosedAt) <= g.GroupWithin {
			continue // same market move, one hit
		}
		streak++
	}

	if streak >= g.Max {
		if !lastAt.IsZero() && mc.At.Sub(lastAt) >= g.ResetAfter {
			return pass() // cooled off
		}
		return blocked(fmt.Sprintf("%d consecutive stop-loss hits", streak))
	}
	return pass()
}
