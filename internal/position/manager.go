// Package position manages open trades through their lifecycle: breakeven
// move, partial take-profit, trailing stop, close. Stages only move
// forward; a transition that would go backwards quarantines the position
// instead of guessing.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/venue"
)

type Stage string

const (
	StageOpened         Stage = "opened"
	StageBreakevenMoved Stage = "breakeven_moved"
	StagePartialClosed  Stage = "partial_closed"
	StageTrailing       Stage = "trailing"
	StageClosed         Stage = "closed"
)

var stageRank = map[Stage]int{
	StageOpened:         0,
	StageBreakevenMoved: 1,
	StagePartialClosed:  2,
	StageTrailing:       3,
	StageClosed:         4,
}

// Position is one managed trade.
type Position struct {
	ID            string
	Side          string // buy | sell
	EntryPrice    float64
	EntryTime     time.Time
	Size          float64
	RemainingSize float64
	Stage         Stage
	StopLoss      float64
	TakeProfit    float64
	ATR           float64 // ATR at entry, drives the stage triggers
	HighWaterMark float64 // best exit price seen since entry
	RealizedPnL   float64
	ScoreAtEntry  float64
	Quarantined   bool
}

// Outcome is reported to the recorder when size comes off.
type Outcome struct {
	Position Position
	Kind     string // tp_hit | sl_hit | trailing_sl | partial_tp | manual | eod_close
	PnL      float64
	At       time.Time
}

// Executor is the slice of the venue the manager needs.
type Executor interface {
	ModifyStops(ctx context.Context, orderID string, stopLoss, takeProfit float64) error
	Close(ctx context.Context, orderID string, size float64) (venue.OrderResult, error)
}

// Manager ticks all managed positions against fresh quotes.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*Position
	inflight  map[string]bool // positions with a venue call mid-transition
	exec      Executor
	params    func() scoring.Snapshot
	beBuffer  float64 // dollars past entry for the breakeven stop
	onOutcome func(Outcome)
	notify    func(event, detail string)
}

func NewManager(exec Executor, params func() scoring.Snapshot, beBuffer float64,
	onOutcome func(Outcome), notify func(event, detail string)) *Manager {
	return &Manager{
		positions: map[string]*Position{},
		inflight:  map[string]bool{},
		exec:      exec,
		params:    params,
		beBuffer:  beBuffer,
		onOutcome: onOutcome,
		notify:    notify,
	}
}

// Track starts managing a freshly opened position.
func (m *Manager) Track(p Position) {
	if p.Stage == "" {
		p.Stage = StageOpened
	}
	if p.RemainingSize == 0 {
		p.RemainingSize = p.Size
	}
	p.HighWaterMark = p.EntryPrice
	m.mu.Lock()
	m.positions[p.ID] = &p
	observ.SetGauge("open_positions", float64(len(m.positions)), nil)
	m.mu.Unlock()
	observ.Log("position_tracked", map[string]any{"id": p.ID, "side": p.Side, "entry": p.EntryPrice})
}

// Open returns copies of the currently managed positions.
func (m *Manager) Open() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Tick advances every managed position against the quote. Failures on one
// position never touch the others.
func (m *Manager) Tick(ctx context.Context, q venue.Quote) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.tickOne(ctx, id, q)
	}
}

// CloseAll force-closes everything, used for the end-of-day flatten.
func (m *Manager) CloseAll(ctx context.Context, q venue.Quote, kind string) {
	for _, p := range m.Open() {
		if !m.acquire(p.ID) {
			observ.Log("close_skipped_busy", map[string]any{"id": p.ID, "kind": kind})
			continue
		}
		m.closePosition(ctx, p.ID, q, kind)
		m.release(p.ID)
	}
}

// acquire marks a position as having a transition in flight. Transitions
// for one position are strictly sequential: a tick that loses the race
// simply skips, the next tick re-evaluates from fresh state.
func (m *Manager) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[id] {
		return false
	}
	m.inflight[id] = true
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func (m *Manager) tickOne(ctx context.Context, id string, q venue.Quote) {
	if !m.acquire(id) {
		return
	}
	defer m.release(id)

	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok || p.Quarantined {
		m.mu.Unlock()
		return
	}
	exit := exitPrice(p.Side, q)
	if favorable(p.Side, exit, p.HighWaterMark) {
		p.HighWaterMark = exit
	}
	snapshot := *p
	m.mu.Unlock()

	// Stop and target first: they are terminal whatever the stage.
	if hitStop(snapshot, exit) {
		kind := "sl_hit"
		if stageRank[snapshot.Stage] >= stageRank[StageTrailing] {
			kind = "trailing_sl"
		}
		m.closePosition(ctx, id, q, kind)
		return
	}
	if snapshot.TakeProfit != 0 && hitTarget(snapshot, exit) {
		m.closePosition(ctx, id, q, "tp_hit")
		return
	}

	cfg := m.params()
	unrealized := gain(snapshot.Side, snapshot.EntryPrice, exit)

	switch snapshot.Stage {
	case StageOpened:
		if snapshot.ATR > 0 && unrealized >= snapshot.ATR*cfg.Value("be_trigger_atr_mult") {
			m.moveToBreakeven(ctx, id, snapshot)
		}
	case StageBreakevenMoved:
		if snapshot.ATR > 0 && unrealized >= snapshot.ATR*cfg.Value("partial_tp_atr_mult") {
			m.takePartial(ctx, id, snapshot, q, cfg.Value("partial_close_ratio"))
		}
	case StagePartialClosed, StageTrailing:
		m.trail(ctx, id, snapshot, cfg.Value("trailing_step_atr_mult"))
	}
}

func (m *Manager) moveToBreakeven(ctx context.Context, id string, p Position) {
	newStop := p.EntryPrice + m.beBuffer
	if p.Side == "sell" {
		newStop = p.EntryPrice - m.beBuffer
	}
	if err := m.exec.ModifyStops(ctx, id, newStop, p.TakeProfit); err != nil {
		observ.LogError("breakeven_modify_failed", err, map[string]any{"id": id})
		return // retried next tick
	}
	m.transition(id, StageBreakevenMoved, func(p *Position) { p.StopLoss = newStop })
}

func (m *Manager) takePartial(ctx context.Context, id string, p Position, q venue.Quote, ratio float64) {
	size := p.RemainingSize * ratio
	res, err := m.exec.Close(ctx, id, size)
	if err != nil {
		observ.LogError("partial_close_failed", err, map[string]any{"id": id})
		return
	}
	pnl := gain(p.Side, p.EntryPrice, res.FillPrice) * size
	m.transition(id, StagePartialClosed, func(p *Position) {
		p.RemainingSize -= size
		p.RealizedPnL += pnl
	})
	m.report(p, "partial_tp", pnl, res.FilledAt)
}

func (m *Manager) trail(ctx context.Context, id string, p Position, stepMult float64) {
	if p.ATR <= 0 {
		return
	}
	newStop := p.HighWaterMark - p.ATR*stepMult
	if p.Side == "sell" {
		newStop = p.HighWaterMark + p.ATR*stepMult
	}
	// Only ever tighten.
	if !tighter(p.Side, newStop, p.StopLoss) {
		return
	}
	if err := m.exec.ModifyStops(ctx, id, newStop, p.TakeProfit); err != nil {
		observ.LogError("trail_modify_failed", err, map[string]any{"id": id})
		return
	}
	m.transition(id, StageTrailing, func(p *Position) { p.StopLoss = newStop })
}

func (m *Manager) closePosition(ctx context.Context, id string, q venue.Quote, kind string) {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *p
	m.mu.Unlock()

	res, err := m.exec.Close(ctx, id, snapshot.RemainingSize)
	if err != nil {
		observ.LogError("close_failed", err, map[string]any{"id": id, "kind": kind})
		return
	}
	pnl := gain(snapshot.Side, snapshot.EntryPrice, res.FillPrice) * snapshot.RemainingSize

	m.mu.Lock()
	if p, ok := m.positions[id]; ok {
		p.Stage = StageClosed
		p.RealizedPnL += pnl
		snapshot = *p
		delete(m.positions, id)
		observ.SetGauge("open_positions", float64(len(m.positions)), nil)
	}
	m.mu.Unlock()

	observ.IncCounter("positions_closed_total", map[string]string{"outcome": kind})
	m.report(snapshot, kind, pnl, res.FilledAt)
}

// transition applies a forward-only stage change. Anything else is a logic
// fault: the position is quarantined and a human gets one notification.
func (m *Manager) transition(id string, to Stage, apply func(*Position)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return
	}
	if stageRank[to] < stageRank[p.Stage] {
		p.Quarantined = true
		observ.Log("position_quarantined", map[string]any{
			"id": id, "from": string(p.Stage), "to": string(to)})
		if m.notify != nil {
			m.notify("position_quarantined",
				fmt.Sprintf("position %s: illegal stage %s -> %s", id, p.Stage, to))
		}
		return
	}
	if stageRank[to] > stageRank[p.Stage] {
		p.Stage = to
	}
	apply(p)
}

func (m *Manager) report(p Position, kind string, pnl float64, at time.Time) {
	if m.onOutcome == nil {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.onOutcome(Outcome{Position: p, Kind: kind, PnL: pnl, At: at})
}

// exitPrice is the price the position would close at right now.
func exitPrice(side string, q venue.Quote) float64 {
	if side == "buy" {
		return q.Bid
	}
	return q.Ask
}

func gain(side string, entry, price float64) float64 {
	if side == "buy" {
		return price - entry
	}
	return entry - price
}

func favorable(side string, price, mark float64) bool {
	if side == "buy" {
		return price > mark
	}
	return price < mark
}

func tighter(side string, newStop, oldStop float64) bool {
	if oldStop == 0 {
		return true
	}
	if side == "buy" {
		return newStop > oldStop
	}
	return newStop < oldStop
}

func hitStop(p Position, exit float64) bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.Side == "buy" {
		return exit <= p.StopLoss
	}
	return exit >= p.StopLoss
}

func hitTarget(p Position, exit float64) bool {
	if p.Side == "buy" {
		return exit >= p.TakeProfit
	}
	return exit <= p.TakeProfit
}
