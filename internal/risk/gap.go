package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/auriclabs/goldpilot/internal/market"
	"github.com/auriclabs/goldpilot/internal/signal"
)

// WeekendGap blocks entries during the Monday reopen window when price
// gapped away from Friday's close. Gaps tend to fill or whip around in the
// first hours; entering into one is uncompensated risk.
type WeekendGap struct {
	ThresholdUSD float64
}

func (WeekendGap) Name() string { return "weekend_gap" }

func (g WeekendGap) Check(_ context.Context, acct AccountState, mc signal.MarketContext) CheckResult {
	if !market.MondayReopenWindow(mc.At) {
		return pass()
	}
	if acct.FridayClose <= 0 || mc.Ind.Close == nil {
		// Without both prices the gap cannot be measured; the market-hours
		// and news guards still apply, so this one stands down.
		return pass()
	}
	gap := math.Abs(*mc.Ind.Close - acct.FridayClose)
	if gap >= g.ThresholdUSD {
		return blocked(fmt.Sprintf("weekend gap $%.2f >= $%.2f", gap, g.ThresholdUSD))
	}
	return pass()
}
