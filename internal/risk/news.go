package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/auriclabs/goldpilot/internal/signal"
)

// CalendarEvent is one scheduled economic release.
type CalendarEvent struct {
	Time       time.Time `json:"time"`
	Currency   string    `json:"currency"`
	Importance int       `json:"importance"`
	Title      string    `json:"title"`
}

// CalendarFunc fetches upcoming calendar events. Implementations decide the
// horizon; the guard only inspects the blackout window around now.
type CalendarFunc func(ctx context.Context) ([]CalendarEvent, error)

// NewsBlackout blocks entries inside the window around high-impact releases
// for the watched currencies. A calendar fetch failure blocks too: trading
// blind into a possible NFP release is worse than missing an entry.
type NewsBlackout struct {
	Window        time.Duration
	MinImportance int
	Currencies    []string
	Fetch         CalendarFunc
	Enabled       bool
}

func (g NewsBlackout) Name() string { return "news_blackout" }

func (g NewsBlackout) Check(ctx context.Context, _ AccountState, mc signal.MarketContext) CheckResult {
	if !g.Enabled {
		return pass()
	}
	events, err := g.Fetch(ctx)
	if err != nil {
		return blocked(fmt.Sprintf("calendar unavailable: %v", err))
	}
	now := mc.At
	for _, ev := range events {
		if ev.Importance < g.MinImportance || !g.watches(ev.Currency) {
			continue
		}
		delta := ev.Time.Sub(now)
		if delta < 0 {
			delta = -delta
		}
		if delta <= g.Window {
			return blocked(fmt.Sprintf("%s %s at %s inside blackout window",
				ev.Currency, ev.Title, ev.Time.UTC().Format("15:04")))
		}
	}
	return pass()
}

func (g NewsBlackout) watches(currency string) bool {
	for _, c := range g.Currencies {
		if c == currency {
			return true
		}
	}
	return false
}

// HTTPCalendar fetches events from a JSON endpoint.
func HTTPCalendar(url string, timeout time.Duration) CalendarFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) ([]CalendarEvent, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch calendar: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("calendar status %d", resp.StatusCode)
		}
		var events []CalendarEvent
		if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
			return nil, fmt.Errorf("decode calendar: %w", err)
		}
		return events, nil
	}
}
