package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/auriclabs/goldpilot/internal/signal"
)

var ctx = context.Background()

// monday 14:00 UTC, market open
func openMarket() signal.MarketContext {
	return signal.MarketContext{At: time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC)}
}

func healthyAccount() AccountState {
	return AccountState{Equity: 10000, Balance: 10000}
}

type stubGuard struct {
	name  string
	block bool
	calls *int
}

func (s stubGuard) Name() string { return s.name }
func (s stubGuard) Check(context.Context, AccountState, signal.MarketContext) CheckResult {
	*s.calls++
	if s.block {
		return blocked("stub")
	}
	return pass()
}

func TestChainShortCircuits(t *testing.T) {
	calls := []int{0, 0, 0}
	chain := NewChain(
		stubGuard{"first", false, &calls[0]},
		stubGuard{"second", true, &calls[1]},
		stubGuard{"third", false, &calls[2]},
	)

	res := chain.Evaluate(ctx, healthyAccount(), openMarket())
	if !res.Blocked || res.By != "second" {
		t.Fatalf("chain result = %+v, want blocked by second", res)
	}
	if calls[2] != 0 {
		t.Fatal("guard after the block must not run")
	}
	if len(res.Trail) != 2 {
		t.Fatalf("trail length = %d, want 2", len(res.Trail))
	}
}

func TestMarketHoursGuard(t *testing.T) {
	g := MarketHours{}
	mc := openMarket()
	if r := g.Check(ctx, healthyAccount(), mc); r.Blocked {
		t.Fatalf("open market blocked: %s", r.Reason)
	}
	mc.At = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) // saturday
	if r := g.Check(ctx, healthyAccount(), mc); !r.Blocked {
		t.Fatal("weekend must block")
	}
	mc.At = time.Date(2026, 8, 4, 23, 50, 0, 0, time.UTC)
	if r := g.Check(ctx, healthyAccount(), mc); !r.Blocked {
		t.Fatal("daily break must block")
	}
}

func TestDailyLossGuard(t *testing.T) {
	g := DailyLoss{LimitPct: 3}
	acct := healthyAccount()
	acct.RealizedToday = -200
	if r := g.Check(ctx, acct, openMarket()); r.Blocked {
		t.Fatalf("-2%% should pass: %s", r.Reason)
	}
	acct.RealizedToday = -250
	acct.UnrealizedPnL = -80
	if r := g.Check(ctx, acct, openMarket()); !r.Blocked {
		t.Fatal("realized plus floating beyond 3% must block")
	}
	// floating profit does not offset realized losses past the limit
	acct.RealizedToday = -310
	acct.UnrealizedPnL = 500
	if r := g.Check(ctx, acct, openMarket()); !r.Blocked {
		t.Fatal("realized loss past limit must block regardless of floating profit")
	}
}

func TestConsecutiveLossesGuard(t *testing.T) {
	g := ConsecutiveLosses{Max: 3, GroupWithin: 10 * time.Second, ResetAfter: 6 * time.Hour}
	mc := openMarket()
	base := mc.At.Add(-time.Hour)

	mkClosures := func(outcomes []string, gaps []time.Duration) []Closure {
		cs := make([]Closure, len(outcomes))
		at := base
		for i := range outcomes {
			cs[i] = Closure{Outcome: outcomes[i], ClosedAt: at}
			if i < len(gaps) {
				at = at.Add(-gaps[i])
			}
		}
		return cs
	}

	acct := healthyAccount()
	acct.RecentClosures = mkClosures(
		[]string{"sl_hit", "sl_hit", "sl_hit"},
		[]time.Duration{time.Minute, time.Minute})
	if r := g.Check(ctx, acct, mc); !r.Blocked {
		t.Fatal("three separate sl hits must block")
	}

	// two of the three closed within 10s: grouped, streak is 2
	acct.RecentClosures = mkClosures(
		[]string{"sl_hit", "sl_hit", "sl_hit"},
		[]time.Duration{5 * time.Second, time.Minute})
	if r := g.Check(ctx, acct, mc); r.Blocked {
		t.Fatalf("grouped closes should count once: %s", r.Reason)
	}

	// a win breaks the streak
	acct.RecentClosures = mkClosures(
		[]string{"sl_hit", "tp_hit", "sl_hit", "sl_hit"},
		[]time.Duration{time.Minute, time.Minute, time.Minute})
	if r := g.Check(ctx, acct, mc); r.Blocked {
		t.Fatal("streak broken by tp_hit must pass")
	}

	// streak older than the reset window clears
	old := mkClosures(
		[]string{"sl_hit", "sl_hit", "sl_hit"},
		[]time.Duration{time.Minute, time.Minute})
	for i := range old {
		old[i].ClosedAt = old[i].ClosedAt.Add(-8 * time.Hour)
	}
	acct.RecentClosures = old
	if r := g.Check(ctx, acct, mc); r.Blocked {
		t.Fatal("streak past reset window must pass")
	}
}

func TestWeekendGapGuard(t *testing.T) {
	g := WeekendGap{ThresholdUSD: 15}
	close := 3360.0
	acct := healthyAccount()
	acct.FridayClose = 3340

	mc := signal.MarketContext{
		At:  time.Date(2026, 8, 3, 1, 30, 0, 0, time.UTC), // monday 01:30
		Ind: signal.Indicators{Close: &close},
	}
	if r := g.Check(ctx, acct, mc); !r.Blocked {
		t.Fatal("$20 gap in reopen window must block")
	}

	mc.At = time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC)
	if r := g.Check(ctx, acct, mc); r.Blocked {
		t.Fatal("outside reopen window the gap guard stands down")
	}
}

func TestNewsBlackoutGuard(t *testing.T) {
	mc := openMarket()
	base := NewsBlackout{
		Enabled: true, Window: 30 * time.Minute, MinImportance: 2,
		Currencies: []string{"USD", "EUR"},
	}

	g := base
	g.Fetch = func(context.Context) ([]CalendarEvent, error) {
		return []CalendarEvent{{Time: mc.At.Add(20 * time.Minute), Currency: "USD", Importance: 3, Title: "NFP"}}, nil
	}
	if r := g.Check(ctx, healthyAccount(), mc); !r.Blocked {
		t.Fatal("high-impact USD event in 20m must block")
	}

	g = base
	g.Fetch = func(context.Context) ([]CalendarEvent, error) {
		return []CalendarEvent{
			{Time: mc.At.Add(10 * time.Minute), Currency: "JPY", Importance: 3},
			{Time: mc.At.Add(2 * time.Hour), Currency: "USD", Importance: 3},
			{Time: mc.At.Add(5 * time.Minute), Currency: "USD", Importance: 1},
		}, nil
	}
	if r := g.Check(ctx, healthyAccount(), mc); r.Blocked {
		t.Fatalf("unwatched currency, far event, low importance should pass: %s", r.Reason)
	}

	// fetch failure fails safe
	g = base
	g.Fetch = func(context.Context) ([]CalendarEvent, error) { return nil, errors.New("timeout") }
	if r := g.Check(ctx, healthyAccount(), mc); !r.Blocked {
		t.Fatal("calendar failure must block")
	}

	g.Enabled = false
	if r := g.Check(ctx, healthyAccount(), mc); r.Blocked {
		t.Fatal("disabled guard must pass")
	}
}

func TestCapacityGuard(t *testing.T) {
	g := Capacity{MaxPositions: 3, MaxAggregatePct: 5}
	acct := healthyAccount()
	acct.OpenPositions = 3
	if r := g.Check(ctx, acct, openMarket()); !r.Blocked {
		t.Fatal("position cap must block")
	}
	acct.OpenPositions = 1
	acct.AggregateRiskPct = 6
	if r := g.Check(ctx, acct, openMarket()); !r.Blocked {
		t.Fatal("aggregate risk cap must block")
	}
	acct.AggregateRiskPct = 2
	if r := g.Check(ctx, acct, openMarket()); r.Blocked {
		t.Fatalf("healthy account blocked: %s", r.Reason)
	}
}
