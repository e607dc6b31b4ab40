package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
)

// PriceFunc supplies the current quote to the paper venue. Live runs feed
// it from the indicator stream; replay feeds it from historical bars.
type PriceFunc func() Quote

// Paper is the in-process venue simulator. Buys fill at the ask, sells at
// the bid; stop and target monitoring stays with the position manager.
// Account state survives restarts via an atomically written JSON file.
type Paper struct {
	mu        sync.Mutex
	price     PriceFunc
	journal   *Journal
	positions map[string]*paperPosition
	balance   float64
	path      string
	connected bool
}

type paperPosition struct {
	Req       OrderRequest
	Entry     float64
	Remaining float64
	OpenedAt  time.Time
}

type paperAccount struct {
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPaper restores the account file when present, otherwise starts at
// startEquity. journal may be nil.
func NewPaper(price PriceFunc, journal *Journal, accountPath string, startEquity float64) (*Paper, error) {
	p := &Paper{
		price:     price,
		journal:   journal,
		positions: map[string]*paperPosition{},
		balance:   startEquity,
		path:      accountPath,
		connected: true,
	}
	if accountPath != "" {
		b, err := os.ReadFile(accountPath)
		if err == nil {
			var acct paperAccount
			if err := json.Unmarshal(b, &acct); err != nil {
				return nil, fmt.Errorf("parse account state: %w", err)
			}
			p.balance = acct.Balance
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read account state: %w", err)
		}
	}
	return p, nil
}

func (p *Paper) Open(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Idempotent: a replayed ID returns the original fill.
	if pos, ok := p.positions[req.ID]; ok {
		return OrderResult{OrderID: req.ID, FillPrice: pos.Entry, FilledAt: pos.OpenedAt}, nil
	}
	if p.journal != nil && p.journal.HasRecentOrder(req.Side, req.Size) {
		return OrderResult{}, fmt.Errorf("duplicate order suppressed: side=%s size=%v", req.Side, req.Size)
	}

	q := p.price()
	fill := q.Ask
	if req.Side == "sell" {
		fill = q.Bid
	}
	now := q.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	p.positions[req.ID] = &paperPosition{Req: req, Entry: fill, Remaining: req.Size, OpenedAt: now}

	if p.journal != nil {
		if err := p.journal.AppendOrder(req, fill, now); err != nil {
			observ.LogError("journal_append_failed", err, map[string]any{"id": req.ID})
		}
	}
	return OrderResult{OrderID: req.ID, FillPrice: fill, FilledAt: now}, nil
}

func (p *Paper) ModifyStops(ctx context.Context, orderID string, stopLoss, takeProfit float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[orderID]
	if !ok {
		return ErrNotFound
	}
	if stopLoss != 0 {
		pos.Req.StopLoss = stopLoss
	}
	if takeProfit != 0 {
		pos.Req.TakeProfit = takeProfit
	}
	return nil
}

func (p *Paper) Close(ctx context.Context, orderID string, size float64) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[orderID]
	if !ok {
		return OrderResult{}, ErrNotFound
	}
	if size > pos.Remaining {
		size = pos.Remaining
	}

	q := p.price()
	fill := q.Bid // closing a buy sells at the bid
	if pos.Req.Side == "sell" {
		fill = q.Ask
	}
	pnl := (fill - pos.Entry) * size
	if pos.Req.Side == "sell" {
		pnl = (pos.Entry - fill) * size
	}
	p.balance += pnl
	pos.Remaining -= size
	if pos.Remaining <= 1e-9 {
		delete(p.positions, orderID)
	}
	if err := p.saveLocked(); err != nil {
		observ.LogError("account_save_failed", err, nil)
	}

	now := q.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if p.journal != nil {
		if err := p.journal.AppendFill(orderID, pos.Req.Side, size, fill, pnl, now); err != nil {
			observ.LogError("journal_append_failed", err, map[string]any{"id": orderID})
		}
	}
	return OrderResult{OrderID: orderID, FillPrice: fill, FilledAt: now}, nil
}

func (p *Paper) Quote(ctx context.Context) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	return p.price(), nil
}

func (p *Paper) OpenPositions(ctx context.Context) ([]PositionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PositionInfo, 0, len(p.positions))
	for id, pos := range p.positions {
		out = append(out, PositionInfo{
			OrderID: id, Side: pos.Req.Side, Size: pos.Remaining,
			EntryPrice: pos.Entry, StopLoss: pos.Req.StopLoss, TakeProfit: pos.Req.TakeProfit,
		})
	}
	return out, nil
}

func (p *Paper) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetConnected simulates venue outages in tests and drills.
func (p *Paper) SetConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
	val := 0.0
	if v {
		val = 1
	}
	observ.SetGauge("venue_connected", val, nil)
}

// Balance returns the realized account balance.
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Equity is balance plus unrealized PnL at the given mid price.
func (p *Paper) Equity(mid float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	eq := p.balance
	for _, pos := range p.positions {
		if pos.Req.Side == "buy" {
			eq += (mid - pos.Entry) * pos.Remaining
		} else {
			eq += (pos.Entry - mid) * pos.Remaining
		}
	}
	return eq
}

func (p *Paper) saveLocked() error {
	if p.path == "" {
		return nil
	}
	b, err := json.Marshal(paperAccount{Balance: p.balance, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}
