// Package store persists signals, decisions, trade outcomes, wait history
// and parameter history in sqlite. Append-mostly; the optimizer and replay
// read it back.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/signal"
)

// TradeOutcome is a finished (or partially closed) trade result.
type TradeOutcome struct {
	PositionID   string    `json:"position_id"`
	Outcome      string    `json:"outcome"` // tp_hit | sl_hit | trailing_sl | partial_tp | manual | eod_close
	PnL          float64   `json:"pnl"`
	DurationMin  float64   `json:"duration_min"`
	ScoreAtEntry float64   `json:"score_at_entry"`
	ClosedAt     time.Time `json:"closed_at"`
}

// StoredSignal is a signal row read back for replay and context queries.
type StoredSignal struct {
	ID      int64
	Alert   signal.RawAlert
	Context signal.MarketContext
}

type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			received_at TEXT NOT NULL,
			symbol TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			event TEXT NOT NULL,
			direction TEXT,
			price REAL NOT NULL,
			source TEXT,
			alert_json TEXT NOT NULL,
			context_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_received ON signals(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_event ON signals(event, received_at)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decided_at TEXT NOT NULL,
			signal_ids TEXT NOT NULL,
			direction TEXT NOT NULL,
			decision TEXT NOT NULL,
			score REAL NOT NULL,
			scoring_version INTEGER NOT NULL,
			breakdown_json TEXT NOT NULL,
			risk_block TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS trade_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			pnl REAL NOT NULL,
			duration_min REAL NOT NULL,
			score_at_entry REAL NOT NULL,
			closed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_closed ON trade_results(closed_at)`,
		`CREATE TABLE IF NOT EXISTS wait_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			scope TEXT NOT NULL,
			condition TEXT,
			result TEXT,
			resolved_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS param_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			applied_at TEXT NOT NULL,
			version INTEGER NOT NULL,
			param TEXT NOT NULL,
			old_value REAL NOT NULL,
			new_value REAL NOT NULL,
			rationale TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS system_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const tsLayout = time.RFC3339Nano

func (s *Store) InsertSignal(a signal.RawAlert, mc signal.MarketContext) (int64, error) {
	alertJSON, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}
	ctxJSON, err := json.Marshal(mc)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO signals (received_at, symbol, signal_type, event, direction, price, source, alert_json, context_json)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ReceivedAt.UTC().Format(tsLayout), a.Symbol, a.SignalType, a.Event, a.Side, a.Price, a.Source,
		string(alertJSON), string(ctxJSON))
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) InsertDecision(at time.Time, signalIDs []int64, side string, b decision.Breakdown, scoringVersion int, riskBlock string) (int64, error) {
	ids, err := json.Marshal(signalIDs)
	if err != nil {
		return 0, err
	}
	bd, err := json.Marshal(b)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO decisions (decided_at, signal_ids, direction, decision, score, scoring_version, breakdown_json, risk_block)
		 VALUES (?,?,?,?,?,?,?,?)`,
		at.UTC().Format(tsLayout), string(ids), side, b.Decision, b.Total, scoringVersion, string(bd), riskBlock)
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) InsertOutcome(o TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO trade_results (position_id, outcome, pnl, duration_min, score_at_entry, closed_at)
		 VALUES (?,?,?,?,?,?)`,
		o.PositionID, o.Outcome, o.PnL, o.DurationMin, o.ScoreAtEntry, o.ClosedAt.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

func (s *Store) InsertWait(decisionID int64, at time.Time, scope, condition string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO wait_history (decision_id, created_at, scope, condition) VALUES (?,?,?,?)`,
		decisionID, at.UTC().Format(tsLayout), scope, condition)
	if err != nil {
		return 0, fmt.Errorf("insert wait: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) ResolveWait(waitID int64, at time.Time, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE wait_history SET result = ?, resolved_at = ? WHERE id = ?`,
		result, at.UTC().Format(tsLayout), waitID)
	return err
}

func (s *Store) InsertParamChange(at time.Time, version int, param string, oldV, newV float64, rationale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO param_history (applied_at, version, param, old_value, new_value, rationale)
		 VALUES (?,?,?,?,?,?)`,
		at.UTC().Format(tsLayout), version, param, oldV, newV, rationale)
	return err
}

func (s *Store) InsertSystemEvent(at time.Time, kind, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO system_events (at, kind, detail) VALUES (?,?,?)`,
		at.UTC().Format(tsLayout), kind, detail)
	return err
}

// RecentStructureEvents returns structure signals of the given events since
// the cutoff, newest first. Used for reversal detection and context building.
func (s *Store) RecentStructureEvents(events []string, since time.Time) ([]signal.StructureEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	query := `SELECT event, direction, price, received_at FROM signals
		WHERE signal_type = 'structure' AND received_at >= ? AND event IN (?` +
		strings.Repeat(",?", len(events)-1) + `) ORDER BY received_at DESC`
	args := []any{since.UTC().Format(tsLayout)}
	for _, e := range events {
		args = append(args, e)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query structure events: %w", err)
	}
	defer rows.Close()
	var out []signal.StructureEvent
	for rows.Next() {
		var ev signal.StructureEvent
		var ts string
		if err := rows.Scan(&ev.Event, &ev.Side, &ev.Price, &ts); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(tsLayout, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentOutcomes returns the latest closed trades, newest first.
func (s *Store) RecentOutcomes(limit int) ([]TradeOutcome, error) {
	rows, err := s.db.Query(
		`SELECT position_id, outcome, pnl, duration_min, score_at_entry, closed_at
		 FROM trade_results ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// OutcomesBetween returns closed trades in [from, to), oldest first.
func (s *Store) OutcomesBetween(from, to time.Time) ([]TradeOutcome, error) {
	rows, err := s.db.Query(
		`SELECT position_id, outcome, pnl, duration_min, score_at_entry, closed_at
		 FROM trade_results WHERE closed_at >= ? AND closed_at < ? ORDER BY closed_at ASC`,
		from.UTC().Format(tsLayout), to.UTC().Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]TradeOutcome, error) {
	var out []TradeOutcome
	for rows.Next() {
		var o TradeOutcome
		var ts string
		if err := rows.Scan(&o.PositionID, &o.Outcome, &o.PnL, &o.DurationMin, &o.ScoreAtEntry, &ts); err != nil {
			return nil, err
		}
		o.ClosedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RealizedSince sums closed PnL from the cutoff, typically UTC midnight.
func (s *Store) RealizedSince(cutoff time.Time) (float64, error) {
	var pnl sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(pnl) FROM trade_results WHERE closed_at >= ?`,
		cutoff.UTC().Format(tsLayout)).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("sum realized: %w", err)
	}
	return pnl.Float64, nil
}

// DecisionBreakdown is a decision row joined back for optimizer analysis.
type DecisionBreakdown struct {
	ID        int64
	DecidedAt time.Time
	Direction string
	Breakdown decision.Breakdown
}

// ApprovedDecisionsBetween returns approve decisions in [from, to).
func (s *Store) ApprovedDecisionsBetween(from, to time.Time) ([]DecisionBreakdown, error) {
	rows, err := s.db.Query(
		`SELECT id, decided_at, direction, breakdown_json FROM decisions
		 WHERE decision = 'approve' AND decided_at >= ? AND decided_at < ?
		 ORDER BY decided_at ASC`,
		from.UTC().Format(tsLayout), to.UTC().Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()
	var out []DecisionBreakdown
	for rows.Next() {
		var d DecisionBreakdown
		var ts, bd string
		if err := rows.Scan(&d.ID, &ts, &d.Direction, &bd); err != nil {
			return nil, err
		}
		d.DecidedAt, _ = time.Parse(tsLayout, ts)
		if err := json.Unmarshal([]byte(bd), &d.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DecisionRecord is a full decision row as served by the query endpoints.
type DecisionRecord struct {
	ID        int64              `json:"id"`
	DecidedAt time.Time          `json:"decided_at"`
	Direction string             `json:"direction"`
	Decision  string             `json:"decision"`
	Score     float64            `json:"score"`
	Version   int                `json:"scoring_version"`
	Breakdown decision.Breakdown `json:"breakdown"`
	RiskBlock string             `json:"risk_block,omitempty"`
}

// RecentDecisions returns the latest decisions of any outcome, newest first.
func (s *Store) RecentDecisions(limit int) ([]DecisionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, decided_at, direction, decision, score, scoring_version, breakdown_json, risk_block
		 FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var ts, bd string
		var block sql.NullString
		if err := rows.Scan(&d.ID, &ts, &d.Direction, &d.Decision, &d.Score, &d.Version, &bd, &block); err != nil {
			return nil, err
		}
		d.DecidedAt, _ = time.Parse(tsLayout, ts)
		d.RiskBlock = block.String
		if err := json.Unmarshal([]byte(bd), &d.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ParamChange is one applied scoring-parameter adjustment.
type ParamChange struct {
	AppliedAt time.Time `json:"applied_at"`
	Version   int       `json:"version"`
	Param     string    `json:"param"`
	OldValue  float64   `json:"old_value"`
	NewValue  float64   `json:"new_value"`
	Rationale string    `json:"rationale,omitempty"`
}

// ParamHistory returns applied parameter changes, newest first.
func (s *Store) ParamHistory(limit int) ([]ParamChange, error) {
	rows, err := s.db.Query(
		`SELECT applied_at, version, param, old_value, new_value, rationale
		 FROM param_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query param history: %w", err)
	}
	defer rows.Close()
	var out []ParamChange
	for rows.Next() {
		var c ParamChange
		var ts string
		var rationale sql.NullString
		if err := rows.Scan(&ts, &c.Version, &c.Param, &c.OldValue, &c.NewValue, &rationale); err != nil {
			return nil, err
		}
		c.AppliedAt, _ = time.Parse(tsLayout, ts)
		c.Rationale = rationale.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// SignalsBetween streams stored signals with their captured market context
// in timestamp order. This is the replay input.
func (s *Store) SignalsBetween(from, to time.Time) ([]StoredSignal, error) {
	rows, err := s.db.Query(
		`SELECT id, alert_json, context_json FROM signals
		 WHERE received_at >= ? AND received_at < ? ORDER BY received_at ASC, id ASC`,
		from.UTC().Format(tsLayout), to.UTC().Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()
	var out []StoredSignal
	for rows.Next() {
		var row StoredSignal
		var alertJSON, ctxJSON string
		if err := rows.Scan(&row.ID, &alertJSON, &ctxJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(alertJSON), &row.Alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		if err := json.Unmarshal([]byte(ctxJSON), &row.Context); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
