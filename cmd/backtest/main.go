// goldpilot backtest: replays stored signals through the live decision path
// and prints the aggregate result. Threshold flags override the scoring
// snapshot for what-if runs without touching the live config.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/auriclabs/goldpilot/internal/config"
	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/replay"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/store"
)

func main() {
	var (
		cfgPath    string
		fromStr    string
		toStr      string
		approveThr float64
		waitThr    float64
		asJSON     bool
	)
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to config file")
	flag.StringVar(&fromStr, "from", "", "window start, RFC3339 or YYYY-MM-DD (default: 8 weeks ago)")
	flag.StringVar(&toStr, "to", "", "window end, RFC3339 or YYYY-MM-DD (default: now)")
	flag.Float64Var(&approveThr, "approve-threshold", 0, "override approve threshold (0 keeps snapshot value)")
	flag.Float64Var(&waitThr, "wait-threshold", 0, "override wait threshold (0 keeps snapshot value)")
	flag.BoolVar(&asJSON, "json", false, "print the full report as JSON")
	flag.Parse()

	if err := run(cfgPath, fromStr, toStr, approveThr, waitThr, asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, fromStr, toStr string, approveThr, waitThr float64, asJSON bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	now := time.Now().UTC()
	from := now.Add(-8 * 7 * 24 * time.Hour)
	to := now
	if fromStr != "" {
		if from, err = parseTime(fromStr); err != nil {
			return fmt.Errorf("-from: %w", err)
		}
	}
	if toStr != "" {
		if to, err = parseTime(toStr); err != nil {
			return fmt.Errorf("-to: %w", err)
		}
	}
	if !from.Before(to) {
		return fmt.Errorf("window start %s not before end %s", from, to)
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	params, err := scoring.NewStore(cfg.ScoringPath)
	if err != nil {
		return fmt.Errorf("open scoring store: %w", err)
	}
	snap := params.Current()
	values := snap.Values()
	if approveThr > 0 {
		values["approve_threshold"] = approveThr
	}
	if waitThr > 0 {
		values["wait_threshold"] = waitThr
	}
	snap = scoring.NewSnapshot(snap.Version, values)

	eng := replay.New(db, replay.Config{
		Snapshot: snap,
		Gates: decision.GateConfig{
			Gate2Enabled:     cfg.Decision.Gate2Enabled,
			FlatZonePct:      cfg.Decision.FlatZonePct,
			MaxMissingFields: cfg.Decision.MaxMissingFields,
		},
		Exec: decision.ExecutionConfig{
			RiskPct:     cfg.Execution.RiskPct,
			ATRMin:      cfg.Execution.ATRMin,
			ATRMax:      cfg.Execution.ATRMax,
			SLMinUSD:    cfg.Execution.SLMinUSD,
			SLMaxUSD:    cfg.Execution.SLMaxUSD,
			SessionSLTP: cfg.Execution.SessionSLTP,
		},
		SpreadUSD:       cfg.Venue.SpreadUSD,
		StartEquity:     cfg.Venue.StartEquity,
		BreakevenBuffer: cfg.Execution.BreakevenBuffer,
	})

	rep, err := eng.Run(context.Background(), from, to)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Printf("window      %s .. %s\n", from.Format(time.RFC3339), to.Format(time.RFC3339))
	fmt.Printf("signals     %d (approve %d, wait %d, reject %d)\n",
		rep.Signals, rep.Approvals, rep.Waits, rep.Rejects)
	fmt.Printf("trades      %d, win rate %.1f%%\n", rep.Trades, rep.WinRate*100)
	fmt.Printf("pnl         %.2f (expectancy %.2f, profit factor %.2f)\n",
		rep.TotalPnL, rep.Expectancy, rep.ProfitFactor)
	fmt.Printf("drawdown    %.2f, sharpe %.2f\n", rep.MaxDrawdown, rep.Sharpe)
	fmt.Printf("equity      %.2f -> %.2f\n", cfg.Venue.StartEquity, rep.FinalEquity)
	return nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
}
