package risk

import (
	"context"

	"github.com/auriclabs/goldpilot/internal/market"
	"github.com/auriclabs/goldpilot/internal/signal"
)

// MarketHours blocks entries while the venue is closed: the daily
// maintenance break and the weekend window.
type MarketHours struct{}

func (MarketHours) Name() string { return "market_hours" }

func (MarketHours) Check(_ context.Context, _ AccountState, mc signal.MarketContext) CheckResult {
	if market.IsWeekend(mc.At) {
		return blocked("weekend close")
	}
	if market.IsDailyBreak(mc.At) {
		return blocked("daily maintenance break")
	}
	return pass()
}
