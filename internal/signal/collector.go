package signal

import (
	"context"
	"sync"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
)

// Collector batches alerts that arrive within the collection window.
// TradingView fires related alerts for the same bar within a few hundred ms
// of each other; each received alert resets the window timer so the whole
// cluster lands in one batch.
//
// Batches are handed to the callback by a single drain goroutine (Run), one
// at a time: batch N finishes before batch N+1 starts, whatever the window
// timer does while the callback is blocked downstream.
//
// The flush callback returning an error requeues the batch at the head of
// the buffer so signals are never silently lost. The buffer is capped at
// maxBuffer to stop a permanently failing callback from growing it forever;
// on overflow the oldest alerts are dropped with an error log.
type Collector struct {
	mu        sync.Mutex
	buffer    []RawAlert
	timer     *time.Timer
	window    time.Duration
	maxBuffer int
	onBatch   func([]RawAlert) error
	wake      chan struct{}
}

func NewCollector(window time.Duration, bufferSize, requeueMaxMult int, onBatch func([]RawAlert) error) *Collector {
	if requeueMaxMult <= 0 {
		requeueMaxMult = 4
	}
	return &Collector{
		window:    window,
		maxBuffer: bufferSize * requeueMaxMult,
		onBatch:   onBatch,
		wake:      make(chan struct{}, 1),
	}
}

// Add buffers an alert and (re)arms the window timer.
func (c *Collector) Add(a RawAlert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, a)
	observ.SetGauge("collector_depth", float64(len(c.buffer)), nil)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, c.signal)
}

// Run is the drain loop. It owns every onBatch call, so downstream batch
// processing is strictly sequential. Returns when the context ends, after
// flushing whatever is still buffered.
func (c *Collector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case <-c.wake:
			c.flush()
		}
	}
}

// FlushNow forces the pending batch out on the calling goroutine. Only for
// tests and shutdown paths where the drain loop is not running.
func (c *Collector) FlushNow() {
	c.flush()
}

// Depth returns the number of buffered alerts.
func (c *Collector) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Collector) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	observ.SetGauge("collector_depth", 0, nil)
	c.mu.Unlock()

	observ.Log("batch_ready", map[string]any{"count": len(batch)})
	err := c.onBatch(batch)
	if err == nil {
		return
	}
	observ.LogError("batch_handler_failed", err, map[string]any{"count": len(batch)})

	// Requeue the failed batch ahead of anything that arrived meanwhile.
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := append(batch, c.buffer...)
	if len(merged) > c.maxBuffer {
		dropped := len(merged) - c.maxBuffer
		merged = merged[dropped:]
		observ.Log("collector_overflow", map[string]any{"dropped": dropped, "cap": c.maxBuffer})
		observ.IncCounterBy("collector_dropped_total", nil, float64(dropped))
	}
	c.buffer = merged
	observ.SetGauge("collector_depth", float64(len(c.buffer)), nil)
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.signal)
	}
}
