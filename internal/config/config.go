package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Collector struct {
	WindowMs       int `yaml:"window_ms"`
	BufferSize     int `yaml:"buffer_size"`
	RequeueMaxMult int `yaml:"requeue_max_mult"` // requeue cap as multiple of buffer_size
}

type Structurer struct {
	Mode      string `yaml:"mode"` // rule | remote
	RemoteURL string `yaml:"remote_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type Decision struct {
	Gate2Enabled         bool    `yaml:"gate2_enabled"`
	FlatZonePct          float64 `yaml:"flat_zone_pct"`
	MaxMissingFields     int     `yaml:"max_missing_fields"`
	ReversalPromotion    bool    `yaml:"reversal_promotion"`
	ReversalSweepWindowM int     `yaml:"reversal_sweep_window_min"`
	ReversalZoneWindowM  int     `yaml:"reversal_zone_window_min"`
	ReversalCooldownSec  int     `yaml:"reversal_cooldown_sec"`
}

type NewsBlackout struct {
	Enabled       bool     `yaml:"enabled"`
	WindowMinutes int      `yaml:"window_minutes"`
	MinImportance int      `yaml:"min_importance"`
	Currencies    []string `yaml:"currencies"`
	CalendarURL   string   `yaml:"calendar_url"`
	TimeoutMs     int      `yaml:"timeout_ms"`
}

type Risk struct {
	News                NewsBlackout `yaml:"news"`
	DailyLossPct        float64      `yaml:"daily_loss_pct"`
	MaxConsecutiveSL    int          `yaml:"max_consecutive_sl"`
	ConsecutiveResetHrs int          `yaml:"consecutive_reset_hours"`
	SimultaneousCloseS  int          `yaml:"simultaneous_close_seconds"`
	WeekendGapUSD       float64      `yaml:"weekend_gap_usd"`
	MaxOpenPositions    int          `yaml:"max_open_positions"`
	MaxAggregateRiskPct float64      `yaml:"max_aggregate_risk_pct"`
}

type Execution struct {
	RiskPct         float64            `yaml:"risk_pct"`
	ATRMin          float64            `yaml:"atr_min"`
	ATRMax          float64            `yaml:"atr_max"`
	SLMinUSD        float64            `yaml:"sl_min_usd"`
	SLMaxUSD        float64            `yaml:"sl_max_usd"`
	SessionSLTP     map[string]float64 `yaml:"session_sltp_adjust"` // session -> multiplier
	EODCloseUTC     string             `yaml:"eod_close_utc"`       // "23:30"
	BreakevenBuffer float64            `yaml:"breakeven_buffer"`    // price units past entry
}

type Venue struct {
	Kind             string  `yaml:"kind"` // paper | bridge
	PoolSize         int     `yaml:"pool_size"`
	RatePerSec       float64 `yaml:"rate_per_sec"`
	TimeoutMs        int     `yaml:"timeout_ms"`
	JournalPath      string  `yaml:"journal_path"`
	DedupeWindowSecs int     `yaml:"dedupe_window_seconds"`
	SpreadUSD        float64 `yaml:"spread_usd"`
	AccountPath      string  `yaml:"account_path"`
	StartEquity      float64 `yaml:"start_equity"`
}

type Wait struct {
	NextBarMin         int `yaml:"next_bar_min"`
	StructureNeededMin int `yaml:"structure_needed_min"`
	CooldownMin        int `yaml:"cooldown_min"`
	MaxReevaluations   int `yaml:"max_reevaluations"`
	PollSeconds        int `yaml:"poll_seconds"`
}

type Optimizer struct {
	Enabled           bool    `yaml:"enabled"`
	Schedule          string  `yaml:"schedule"` // cron with seconds field
	LookbackWeeks     int     `yaml:"lookback_weeks"`
	MinSample         int     `yaml:"min_sample"`
	RecentShareMin    float64 `yaml:"recent_share_min"`
	WinRateShiftMax   float64 `yaml:"win_rate_shift_max"` // points, regime-change guard
	MaxChange         float64 `yaml:"max_change"`
	MaxThresholdDelta float64 `yaml:"max_threshold_delta"`
	HoldoutTolerance  float64 `yaml:"holdout_tolerance"`
}

type Notify struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries"`
}

type Root struct {
	Symbol          string     `yaml:"symbol"`
	TradingMode     string     `yaml:"trading_mode"` // paper | live | dry-run
	GlobalPause     bool       `yaml:"global_pause"`
	ListenAddr      string     `yaml:"listen_addr"`
	StorePath       string     `yaml:"store_path"`
	ScoringPath     string     `yaml:"scoring_path"`
	Collector       Collector  `yaml:"collector"`
	Structurer      Structurer `yaml:"structurer"`
	Decision        Decision   `yaml:"decision"`
	Risk            Risk       `yaml:"risk"`
	Execution       Execution  `yaml:"execution"`
	Venue           Venue      `yaml:"venue"`
	Wait            Wait       `yaml:"wait"`
	Optimizer       Optimizer  `yaml:"optimizer"`
	Notify          Notify     `yaml:"notify"`
	PositionTickSec int        `yaml:"position_tick_seconds"`
	HealthTickSec   int        `yaml:"health_tick_seconds"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Symbol == "" {
		c.Symbol = "XAUUSD"
	}
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.StorePath == "" {
		c.StorePath = "data/goldpilot.db"
	}
	if c.ScoringPath == "" {
		c.ScoringPath = "config/scoring.yaml"
	}

	if c.Collector.WindowMs == 0 {
		c.Collector.WindowMs = 500
	}
	if c.Collector.BufferSize == 0 {
		c.Collector.BufferSize = 64
	}
	if c.Collector.RequeueMaxMult == 0 {
		c.Collector.RequeueMaxMult = 4
	}

	if c.Structurer.Mode == "" {
		c.Structurer.Mode = "rule"
	}
	if c.Structurer.TimeoutMs == 0 {
		c.Structurer.TimeoutMs = 3000
	}

	if c.Decision.FlatZonePct == 0 {
		c.Decision.FlatZonePct = 0.3
	}
	if c.Decision.MaxMissingFields == 0 {
		c.Decision.MaxMissingFields = 3
	}
	if c.Decision.ReversalSweepWindowM == 0 {
		c.Decision.ReversalSweepWindowM = 30
	}
	if c.Decision.ReversalZoneWindowM == 0 {
		c.Decision.ReversalZoneWindowM = 15
	}
	if c.Decision.ReversalCooldownSec == 0 {
		c.Decision.ReversalCooldownSec = 300
	}

	if c.Risk.News.WindowMinutes == 0 {
		c.Risk.News.WindowMinutes = 30
	}
	if c.Risk.News.MinImportance == 0 {
		c.Risk.News.MinImportance = 2
	}
	if len(c.Risk.News.Currencies) == 0 {
		c.Risk.News.Currencies = []string{"USD", "EUR"}
	}
	if c.Risk.News.TimeoutMs == 0 {
		c.Risk.News.TimeoutMs = 3000
	}
	if c.Risk.DailyLossPct == 0 {
		c.Risk.DailyLossPct = 3.0
	}
	if c.Risk.MaxConsecutiveSL == 0 {
		c.Risk.MaxConsecutiveSL = 3
	}
	if c.Risk.ConsecutiveResetHrs == 0 {
		c.Risk.ConsecutiveResetHrs = 6
	}
	if c.Risk.SimultaneousCloseS == 0 {
		c.Risk.SimultaneousCloseS = 10
	}
	if c.Risk.WeekendGapUSD == 0 {
		c.Risk.WeekendGapUSD = 15
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = 3
	}
	if c.Risk.MaxAggregateRiskPct == 0 {
		c.Risk.MaxAggregateRiskPct = 5.0
	}

	if c.Execution.RiskPct == 0 {
		c.Execution.RiskPct = 1.0
	}
	if c.Execution.ATRMin == 0 {
		c.Execution.ATRMin = 3.0
	}
	if c.Execution.ATRMax == 0 {
		c.Execution.ATRMax = 30.0
	}
	if c.Execution.SLMinUSD == 0 {
		c.Execution.SLMinUSD = 8.0
	}
	if c.Execution.SLMaxUSD == 0 {
		c.Execution.SLMaxUSD = 80.0
	}
	if c.Execution.EODCloseUTC == "" {
		c.Execution.EODCloseUTC = "23:30"
	}
	if c.Execution.BreakevenBuffer == 0 {
		c.Execution.BreakevenBuffer = 0.2
	}

	if c.Venue.Kind == "" {
		c.Venue.Kind = "paper"
	}
	if c.Venue.PoolSize == 0 {
		c.Venue.PoolSize = 4
	}
	if c.Venue.RatePerSec == 0 {
		c.Venue.RatePerSec = 5
	}
	if c.Venue.TimeoutMs == 0 {
		c.Venue.TimeoutMs = 5000
	}
	if c.Venue.JournalPath == "" {
		c.Venue.JournalPath = "data/orders.jsonl"
	}
	if c.Venue.DedupeWindowSecs == 0 {
		c.Venue.DedupeWindowSecs = 90
	}
	if c.Venue.SpreadUSD == 0 {
		c.Venue.SpreadUSD = 0.35
	}
	if c.Venue.AccountPath == "" {
		c.Venue.AccountPath = "data/account.json"
	}
	if c.Venue.StartEquity == 0 {
		c.Venue.StartEquity = 10000
	}

	if c.Wait.NextBarMin == 0 {
		c.Wait.NextBarMin = 6
	}
	if c.Wait.StructureNeededMin == 0 {
		c.Wait.StructureNeededMin = 15
	}
	if c.Wait.CooldownMin == 0 {
		c.Wait.CooldownMin = 3
	}
	if c.Wait.MaxReevaluations == 0 {
		c.Wait.MaxReevaluations = 3
	}
	if c.Wait.PollSeconds == 0 {
		c.Wait.PollSeconds = 15
	}

	if c.Optimizer.Schedule == "" {
		c.Optimizer.Schedule = "0 0 20 * * 0"
	}
	if c.Optimizer.LookbackWeeks == 0 {
		c.Optimizer.LookbackWeeks = 8
	}
	if c.Optimizer.MinSample == 0 {
		c.Optimizer.MinSample = 60
	}
	if c.Optimizer.RecentShareMin == 0 {
		c.Optimizer.RecentShareMin = 0.3
	}
	if c.Optimizer.WinRateShiftMax == 0 {
		c.Optimizer.WinRateShiftMax = 20
	}
	if c.Optimizer.MaxChange == 0 {
		c.Optimizer.MaxChange = 0.05
	}
	if c.Optimizer.MaxThresholdDelta == 0 {
		c.Optimizer.MaxThresholdDelta = 0.03
	}
	if c.Optimizer.HoldoutTolerance == 0 {
		c.Optimizer.HoldoutTolerance = 0.05
	}

	if c.Notify.TimeoutMs == 0 {
		c.Notify.TimeoutMs = 5000
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = 2
	}

	if c.PositionTickSec == 0 {
		c.PositionTickSec = 10
	}
	if c.HealthTickSec == 0 {
		c.HealthTickSec = 30
	}
}
