// Package venue abstracts order execution. The pipeline talks to an
// Adapter; live deployments point it at a broker bridge, everything else
// runs the paper simulator. The Pool wraps an adapter with bounded
// concurrency, rate limiting, and timeout handling with reconciliation.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/auriclabs/goldpilot/internal/observ"
)

// OrderRequest is an idempotent open request. ID is the client-side key:
// submitting the same ID twice must not double-fill.
type OrderRequest struct {
	ID         string  `json:"id"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"` // reference price at decision time
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Comment    string  `json:"comment,omitempty"`
}

type OrderResult struct {
	OrderID   string    `json:"order_id"`
	FillPrice float64   `json:"fill_price"`
	FilledAt  time.Time `json:"filled_at"`
}

// PositionInfo is the venue's view of an open position, used for
// reconciliation after unknown-outcome operations.
type PositionInfo struct {
	OrderID    string
	Side       string
	Size       float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

type Quote struct {
	Bid float64
	Ask float64
	At  time.Time
}

var (
	ErrNotFound     = errors.New("venue: order not found")
	ErrHalted       = errors.New("venue: trading halted")
	ErrUnknownState = errors.New("venue: operation outcome unknown")
)

// Adapter is the execution contract.
type Adapter interface {
	Open(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyStops(ctx context.Context, orderID string, stopLoss, takeProfit float64) error
	// Close closes up to size units; size >= remaining closes the position.
	Close(ctx context.Context, orderID string, size float64) (OrderResult, error)
	Quote(ctx context.Context) (Quote, error)
	OpenPositions(ctx context.Context) ([]PositionInfo, error)
	Connected() bool
}

// Pool serializes venue access through a bounded slot set and a rate
// limiter. An operation that times out has an unknown outcome; Open
// reconciles by reading back open positions before reporting failure.
type Pool struct {
	adapter Adapter
	slots   chan struct{}
	limiter *rate.Limiter
	timeout time.Duration
}

func NewPool(adapter Adapter, size int, perSec float64, timeout time.Duration) *Pool {
	return &Pool{
		adapter: adapter,
		slots:   make(chan struct{}, size),
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		timeout: timeout,
	}
}

func (p *Pool) acquire(ctx context.Context) (release func(), err error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := p.limiter.Wait(ctx); err != nil {
		<-p.slots
		return nil, err
	}
	return func() { <-p.slots }, nil
}

func (p *Pool) Open(ctx context.Context, req OrderRequest) (OrderResult, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	defer release()

	opCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.adapter.Open(opCtx, req)
	if err == nil {
		observ.IncCounter("orders_submitted_total", map[string]string{"side": req.Side})
		return res, nil
	}
	observ.IncCounter("order_errors_total", nil)

	if !errors.Is(err, context.DeadlineExceeded) {
		return OrderResult{}, err
	}

	// Timeout: the order may or may not have landed. Read back before
	// letting anyone retry with a fresh ID.
	observ.Log("order_outcome_unknown", map[string]any{"id": req.ID})
	rcCtx, rcCancel := context.WithTimeout(ctx, p.timeout)
	defer rcCancel()
	positions, rcErr := p.adapter.OpenPositions(rcCtx)
	if rcErr != nil {
		return OrderResult{}, fmt.Errorf("%w: reconcile failed: %v", ErrUnknownState, rcErr)
	}
	for _, pos := range positions {
		if pos.OrderID == req.ID {
			observ.Log("order_reconciled", map[string]any{"id": req.ID})
			return OrderResult{OrderID: pos.OrderID, FillPrice: pos.EntryPrice, FilledAt: time.Now().UTC()}, nil
		}
	}
	return OrderResult{}, fmt.Errorf("open order %s: %w", req.ID, err)
}

func (p *Pool) ModifyStops(ctx context.Context, orderID string, stopLoss, takeProfit float64) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	opCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.adapter.ModifyStops(opCtx, orderID, stopLoss, takeProfit)
}

func (p *Pool) Close(ctx context.Context, orderID string, size float64) (OrderResult, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	defer release()
	opCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.adapter.Close(opCtx, orderID, size)
}

func (p *Pool) Quote(ctx context.Context) (Quote, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.adapter.Quote(opCtx)
}

func (p *Pool) OpenPositions(ctx context.Context) ([]PositionInfo, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.adapter.OpenPositions(opCtx)
}

func (p *Pool) Connected() bool { return p.adapter.Connected() }
