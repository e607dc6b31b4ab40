// goldpilot trader: receives chart alerts, decides entries, executes them on
// the configured venue and manages open positions until close.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/auriclabs/goldpilot/internal/config"
	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/market"
	"github.com/auriclabs/goldpilot/internal/notify"
	"github.com/auriclabs/goldpilot/internal/observ"
	"github.com/auriclabs/goldpilot/internal/optimizer"
	"github.com/auriclabs/goldpilot/internal/position"
	"github.com/auriclabs/goldpilot/internal/replay"
	"github.com/auriclabs/goldpilot/internal/risk"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/server"
	sig "github.com/auriclabs/goldpilot/internal/signal"
	"github.com/auriclabs/goldpilot/internal/store"
	"github.com/auriclabs/goldpilot/internal/venue"
	"github.com/auriclabs/goldpilot/internal/waitbuf"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		observ.LogError("fatal", err, nil)
		os.Exit(1)
	}
}

// tape is the live market view: last traded price from alerts plus the
// indicator snapshot pushed by the data bridge.
type tape struct {
	mu       sync.Mutex
	mid      float64
	at       time.Time
	ind      sig.Indicators
	indAt    time.Time
	auxTrend string
	friday   float64 // last captured Friday close
}

const indicatorTTL = 5 * time.Minute

func (t *tape) observePrice(price float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if price > 0 {
		t.mid = price
		t.at = at
	}
}

func (t *tape) updateIndicators(ind sig.Indicators, auxTrend string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ind = ind
	t.indAt = at
	t.auxTrend = auxTrend
	if ind.Close != nil && *ind.Close > 0 {
		t.mid = *ind.Close
		t.at = at
	}
}

func (t *tape) quote(spread float64) venue.Quote {
	t.mu.Lock()
	defer t.mu.Unlock()
	half := spread / 2
	return venue.Quote{Bid: t.mid - half, Ask: t.mid + half, At: t.at}
}

// indicators returns the snapshot, empty when stale. Stale data must not
// look fresh: scoring fails closed on the resulting missing fields.
func (t *tape) indicators(now time.Time) (sig.Indicators, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indAt.IsZero() || now.Sub(t.indAt) > indicatorTTL {
		return sig.Indicators{}, ""
	}
	return t.ind, t.auxTrend
}

func (t *tape) captureFridayClose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mid > 0 {
		t.friday = t.mid
	}
}

func (t *tape) fridayClose() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.friday
}

func run(cfg config.Root) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observ.Log("starting", map[string]any{
		"symbol": cfg.Symbol, "mode": cfg.TradingMode, "venue": cfg.Venue.Kind,
	})

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	params, err := scoring.NewStore(cfg.ScoringPath)
	if err != nil {
		return fmt.Errorf("open scoring store: %w", err)
	}

	notifier := notify.New(notify.Config{
		Enabled:     cfg.Notify.WebhookURL != "",
		WebhookURL:  cfg.Notify.WebhookURL,
		TimeoutSecs: cfg.Notify.TimeoutMs / 1000,
		MaxAttempts: cfg.Notify.MaxRetries + 1,
	})
	defer notifier.Close()

	mkt := &tape{}

	journal, err := venue.NewJournal(cfg.Venue.JournalPath, time.Duration(cfg.Venue.DedupeWindowSecs)*time.Second)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	paper, err := venue.NewPaper(
		func() venue.Quote { return mkt.quote(cfg.Venue.SpreadUSD) },
		journal, cfg.Venue.AccountPath, cfg.Venue.StartEquity)
	if err != nil {
		return fmt.Errorf("open venue: %w", err)
	}
	pool := venue.NewPool(paper, cfg.Venue.PoolSize, cfg.Venue.RatePerSec,
		time.Duration(cfg.Venue.TimeoutMs)*time.Millisecond)

	var structurer sig.Structurizer = sig.RuleStructurizer{}
	if cfg.Structurer.Mode == "remote" {
		structurer = sig.NewRemoteStructurizer(cfg.Structurer.RemoteURL,
			time.Duration(cfg.Structurer.TimeoutMs)*time.Millisecond, notifier.Send)
	}

	manager := position.NewManager(pool, params.Current, cfg.Execution.BreakevenBuffer,
		func(o position.Outcome) {
			err := db.InsertOutcome(store.TradeOutcome{
				PositionID:   o.Position.ID,
				Outcome:      o.Kind,
				PnL:          o.PnL,
				DurationMin:  o.At.Sub(o.Position.EntryTime).Minutes(),
				ScoreAtEntry: o.Position.ScoreAtEntry,
				ClosedAt:     o.At,
			})
			if err != nil {
				observ.LogError("outcome_persist_failed", err, map[string]any{"id": o.Position.ID})
			}
		}, notifier.Send)

	var paused atomic.Bool
	paused.Store(cfg.GlobalPause)

	buildContext := func(now time.Time) sig.MarketContext {
		ind, auxTrend := mkt.indicators(now)
		recent, err := db.RecentStructureEvents(
			[]string{sig.EventZoneTouch, sig.EventFVGTouch, sig.EventSweep},
			now.Add(-30*time.Minute))
		if err != nil {
			observ.LogError("context_events_failed", err, nil)
		}
		return sig.MarketContext{
			At:        now,
			Connected: pool.Connected(),
			Ind:       ind,
			AuxTrend:  auxTrend,
			Recent:    recent,
			Session:   market.SessionAt(now),
		}
	}

	account := func(ctx context.Context, mc sig.MarketContext) (risk.AccountState, error) {
		midnight := mc.At.Truncate(24 * time.Hour)
		realized, err := db.RealizedSince(midnight)
		if err != nil {
			return risk.AccountState{}, fmt.Errorf("realized pnl: %w", err)
		}
		recent, err := db.RecentOutcomes(20)
		if err != nil {
			return risk.AccountState{}, fmt.Errorf("recent outcomes: %w", err)
		}
		closures := make([]risk.Closure, 0, len(recent))
		for _, o := range recent {
			closures = append(closures, risk.Closure{Outcome: o.Outcome, ClosedAt: o.ClosedAt})
		}

		q := mkt.quote(cfg.Venue.SpreadUSD)
		equity := paper.Equity((q.Bid + q.Ask) / 2)
		var unrealized, aggregate float64
		open := manager.Open()
		for _, p := range open {
			exit := q.Bid
			gain := exit - p.EntryPrice
			if p.Side == "sell" {
				exit = q.Ask
				gain = p.EntryPrice - exit
			}
			unrealized += gain * p.RemainingSize
			if equity > 0 {
				riskUSD := p.EntryPrice - p.StopLoss
				if p.Side == "sell" {
					riskUSD = p.StopLoss - p.EntryPrice
				}
				if riskUSD > 0 {
					aggregate += riskUSD * p.RemainingSize / equity * 100
				}
			}
		}
		return risk.AccountState{
			Equity:           equity,
			Balance:          paper.Balance(),
			RealizedToday:    realized,
			UnrealizedPnL:    unrealized,
			OpenPositions:    len(open),
			AggregateRiskPct: aggregate,
			FridayClose:      mkt.fridayClose(),
			RecentClosures:   closures,
		}, nil
	}

	guards := risk.NewChain(
		risk.NewsBlackout{
			Enabled:       cfg.Risk.News.Enabled,
			Window:        time.Duration(cfg.Risk.News.WindowMinutes) * time.Minute,
			MinImportance: cfg.Risk.News.MinImportance,
			Currencies:    cfg.Risk.News.Currencies,
			Fetch: risk.HTTPCalendar(cfg.Risk.News.CalendarURL,
				time.Duration(cfg.Risk.News.TimeoutMs)*time.Millisecond),
		},
		risk.MarketHours{},
		risk.DailyLoss{LimitPct: cfg.Risk.DailyLossPct},
		risk.ConsecutiveLosses{
			Max:         cfg.Risk.MaxConsecutiveSL,
			GroupWithin: time.Duration(cfg.Risk.SimultaneousCloseS) * time.Second,
			ResetAfter:  time.Duration(cfg.Risk.ConsecutiveResetHrs) * time.Hour,
		},
		risk.WeekendGap{ThresholdUSD: cfg.Risk.WeekendGapUSD},
		risk.Capacity{
			MaxPositions:    cfg.Risk.MaxOpenPositions,
			MaxAggregatePct: cfg.Risk.MaxAggregateRiskPct,
		},
	)

	buffer := waitbuf.NewBuffer(waitbuf.Expiry{
		NextBar:         time.Duration(cfg.Wait.NextBarMin) * time.Minute,
		StructureNeeded: time.Duration(cfg.Wait.StructureNeededMin) * time.Minute,
		Cooldown:        time.Duration(cfg.Wait.CooldownMin) * time.Minute,
	}, cfg.Wait.MaxReevaluations)

	pipe := &decision.Pipeline{
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
		Reversal: decision.ReversalConfig{
			Enabled:     cfg.Decision.ReversalPromotion,
			SweepWindow: time.Duration(cfg.Decision.ReversalSweepWindowM) * time.Minute,
			ZoneWindow:  time.Duration(cfg.Decision.ReversalZoneWindowM) * time.Minute,
			Cooldown:    time.Duration(cfg.Decision.ReversalCooldownSec) * time.Second,
		},
		Structurer: structurer,
		Guards:     guards,
		Scoring:    params,
		Recorder:   db,
		Venue:      pool,
		Account:    account,
		Context:    func(context.Context) sig.MarketContext { return buildContext(time.Now().UTC()) },
		GlobalPause: func() bool {
			return paused.Load() || cfg.TradingMode == "dry-run"
		},
		OnWait: func(alerts []sig.RawAlert, side string, b decision.Breakdown, decisionID, waitID int64, at time.Time) {
			buffer.Add(alerts, side, b.WaitScope, decisionID, waitID, at)
		},
		OnExecuted: func(a sig.RawAlert, res decision.Result, atr float64, at time.Time) {
			manager.Track(position.Position{
				ID:           res.Order.ID,
				Side:         res.Order.Side,
				EntryPrice:   res.Fill.FillPrice,
				EntryTime:    at,
				Size:         res.Order.Size,
				StopLoss:     res.Order.StopLoss,
				TakeProfit:   res.Order.TakeProfit,
				ATR:          atr,
				ScoreAtEntry: res.Breakdown.Total,
			})
		},
	}

	collector := sig.NewCollector(
		time.Duration(cfg.Collector.WindowMs)*time.Millisecond,
		cfg.Collector.BufferSize, cfg.Collector.RequeueMaxMult,
		func(batch []sig.RawAlert) error { return pipe.ProcessBatch(ctx, batch) })

	revaluator := waitbuf.NewRevaluator(buffer,
		time.Duration(cfg.Wait.PollSeconds)*time.Second,
		func(ctx context.Context, it waitbuf.Item) (string, error) {
			res, err := pipe.Decide(ctx, it.Alerts, buildContext(time.Now().UTC()), params.Current())
			if err != nil {
				return "", err
			}
			return res.Breakdown.Decision, nil
		},
		func(it waitbuf.Item, result string, at time.Time) {
			if it.WaitID == 0 {
				return
			}
			if err := db.ResolveWait(it.WaitID, at, result); err != nil {
				observ.LogError("wait_resolve_failed", err, map[string]any{"wait_id": it.WaitID})
			}
		})
	pipe.OnStructure = revaluator.OnNewStructure

	opt := optimizer.New(db, params, optimizer.Config{
		LookbackWeeks:     cfg.Optimizer.LookbackWeeks,
		MinSample:         cfg.Optimizer.MinSample,
		RecentShareMin:    cfg.Optimizer.RecentShareMin,
		WinRateShiftMax:   cfg.Optimizer.WinRateShiftMax,
		MaxChange:         cfg.Optimizer.MaxChange,
		MaxThresholdDelta: cfg.Optimizer.MaxThresholdDelta,
		HoldoutTolerance:  cfg.Optimizer.HoldoutTolerance,
	}, func(ctx context.Context, snap scoring.Snapshot, from, to time.Time) (replay.Report, error) {
		eng := replay.New(db, replay.Config{
			Snapshot:        snap,
			Gates:           pipe.Gates,
			Exec:            pipe.Exec,
			SpreadUSD:       cfg.Venue.SpreadUSD,
			StartEquity:     cfg.Venue.StartEquity,
			BreakevenBuffer: cfg.Execution.BreakevenBuffer,
		})
		return eng.Run(ctx, from, to)
	}, notifier.Send)

	srv := &server.Server{
		Ingest: func(a sig.RawAlert) {
			mkt.observePrice(a.Price, a.ReceivedAt)
			collector.Add(a)
		},
		UpdateMarket: func(ind sig.Indicators, auxTrend string) {
			mkt.updateIndicators(ind, auxTrend, time.Now().UTC())
		},
		SetPause:     func(p bool) { paused.Store(p) },
		Paused:       paused.Load,
		Positions:    manager.Open,
		Scoring:      params.Current,
		Decisions:    db.RecentDecisions,
		Trades:       db.RecentOutcomes,
		ParamHistory: db.ParamHistory,
	}

	eodHour, eodMin, err := parseClock(cfg.Execution.EODCloseUTC)
	if err != nil {
		return fmt.Errorf("eod_close_utc: %w", err)
	}

	sched := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	_, err = sched.AddFunc(fmt.Sprintf("*/%d * * * * *", cfg.PositionTickSec), func() {
		q := mkt.quote(cfg.Venue.SpreadUSD)
		if q.Bid <= 0 {
			return
		}
		manager.Tick(ctx, q)
	})
	if err != nil {
		return fmt.Errorf("schedule position tick: %w", err)
	}

	_, err = sched.AddFunc(fmt.Sprintf("0 %d %d * * *", eodMin, eodHour), func() {
		q := mkt.quote(cfg.Venue.SpreadUSD)
		if q.Bid <= 0 {
			return
		}
		observ.Log("eod_close", map[string]any{"open": len(manager.Open())})
		manager.CloseAll(ctx, q, "eod_close")
		if time.Now().UTC().Weekday() == time.Friday {
			mkt.captureFridayClose()
		}
	})
	if err != nil {
		return fmt.Errorf("schedule eod close: %w", err)
	}

	_, err = sched.AddFunc(fmt.Sprintf("*/%d * * * * *", cfg.HealthTickSec), func() {
		connected := pool.Connected()
		v := 0.0
		if connected {
			v = 1.0
		}
		observ.SetGauge("venue_connected", v, nil)
		if !connected {
			notifier.Send("venue_disconnect", "execution venue not connected")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule health tick: %w", err)
	}

	if cfg.Optimizer.Enabled {
		_, err = sched.AddFunc(cfg.Optimizer.Schedule, func() {
			rep, err := opt.Run(ctx)
			if err != nil {
				observ.LogError("optimizer_failed", err, nil)
				return
			}
			observ.Log("optimizer_done", map[string]any{
				"skipped": rep.Skipped, "reason": rep.Reason, "changes": len(rep.Changes),
			})
		})
		if err != nil {
			return fmt.Errorf("schedule optimizer: %w", err)
		}
	}

	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, cfg.ListenAddr) })
	g.Go(func() error {
		collector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		revaluator.Run(gctx)
		return nil
	})

	observ.Log("started", map[string]any{"listen": cfg.ListenAddr})
	err = g.Wait()
	observ.Log("stopped", nil)
	if err != nil && ctx.Err() != nil {
		return nil // clean shutdown
	}
	return err
}

func parseClock(s string) (hour, min int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	min, err = strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, min, nil
}
