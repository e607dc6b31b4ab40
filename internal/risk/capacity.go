package risk

import (
	"context"
	"fmt"

	"github.com/auriclabs/goldpilot/internal/signal"
)

// Capacity caps concurrent exposure: number of open positions and the sum
// of their individual risk as a percentage of equity.
type Capacity struct {
	MaxPositions    int
	MaxAggregatePct float64
}

func (Capacity) Name() string { return "capacity" }

func (g Capacity) Check(_ context.Context, acct AccountState, _ signal.MarketContext) CheckResult {
	if acct.OpenPositions >= g.MaxPositions {
		return blocked(fmt.Sprintf("open positions %d at cap %d", acct.OpenPositions, g.MaxPositions))
	}
	if acct.AggregateRiskPct >= g.MaxAggregatePct {
		return blocked(fmt.Sprintf("aggregate risk %.1f%% at cap %.1f%%",
			acct.AggregateRiskPct, g.MaxAggregatePct))
	}
	return pass()
}
