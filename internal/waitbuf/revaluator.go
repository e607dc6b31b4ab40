package waitbuf

import (
	"context"
	"time"

	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/observ"
)

// ReevalFunc re-runs an item through the decision pipeline with fresh
// context and returns the new decision (approve, wait, reject). Approve
// implies the entry was executed by the pipeline.
type ReevalFunc func(ctx context.Context, it Item) (string, error)

// ResolveFunc records the final fate of a wait item:
// approved | rejected | timeout | reeval_limit.
type ResolveFunc func(it Item, result string, at time.Time)

// Revaluator drives the wait buffer: a steady poll plus an immediate pass
// over structure_needed items whenever a structure signal lands.
type Revaluator struct {
	buf      *Buffer
	reeval   ReevalFunc
	resolve  ResolveFunc
	interval time.Duration
	wake     chan struct{}
	now      func() time.Time
}

func NewRevaluator(buf *Buffer, interval time.Duration, reeval ReevalFunc, resolve ResolveFunc) *Revaluator {
	return &Revaluator{
		buf:      buf,
		reeval:   reeval,
		resolve:  resolve,
		interval: interval,
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until the context ends.
func (r *Revaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Step(ctx, "")
		case <-r.wake:
			r.Step(ctx, decision.WaitStructureNeeded)
		}
	}
}

// OnNewStructure schedules an immediate pass over structure_needed items.
func (r *Revaluator) OnNewStructure() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Step processes the buffer once. With scopeOnly set, items of other scopes
// are left for the regular poll.
func (r *Revaluator) Step(ctx context.Context, scopeOnly string) {
	now := r.now()
	for _, it := range r.buf.Snapshot() {
		if scopeOnly != "" && it.Scope != scopeOnly {
			continue
		}
		if now.After(it.ExpiresAt) {
			if r.buf.Remove(it.ID) {
				observ.IncCounter("wait_resolved_total", map[string]string{"result": "timeout"})
				r.resolve(it, "timeout", now)
			}
			continue
		}

		result, err := r.reeval(ctx, it)
		if err != nil {
			observ.LogError("wait_reeval_failed", err, map[string]any{"id": it.ID})
			continue // item stays, retried next pass
		}
		switch result {
		case decision.Approve:
			if r.buf.Remove(it.ID) {
				observ.IncCounter("wait_resolved_total", map[string]string{"result": "approved"})
				r.resolve(it, "approved", now)
			}
		case decision.Reject:
			if r.buf.Remove(it.ID) {
				observ.IncCounter("wait_resolved_total", map[string]string{"result": "rejected"})
				r.resolve(it, "rejected", now)
			}
		default: // still waiting
			capExceeded, ok := r.buf.IncrReeval(it.ID)
			if ok && capExceeded {
				observ.IncCounter("wait_resolved_total", map[string]string{"result": "reeval_limit"})
				r.resolve(it, "reeval_limit", now)
			}
		}
	}
}
