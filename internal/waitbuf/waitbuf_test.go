package waitbuf

import (
	"context"
	"testing"
	"time"

	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/signal"
)

var expiry = Expiry{
	NextBar:         6 * time.Minute,
	StructureNeeded: 15 * time.Minute,
	Cooldown:        3 * time.Minute,
}

var t0 = time.Date(2026, 8, 5, 13, 0, 0, 0, time.UTC)

func oneAlert() []signal.RawAlert {
	return []signal.RawAlert{{SignalType: signal.TypeEntryTrigger, Event: signal.EventPrediction, Side: "buy"}}
}

func TestScopeExpiries(t *testing.T) {
	b := NewBuffer(expiry, 3)
	nb := b.Add(oneAlert(), "buy", decision.WaitNextBar, 1, 1, t0)
	sn := b.Add(oneAlert(), "buy", decision.WaitStructureNeeded, 2, 2, t0)
	cd := b.Add(oneAlert(), "buy", decision.WaitCooldown, 3, 3, t0)

	if got := nb.ExpiresAt.Sub(t0); got != 6*time.Minute {
		t.Fatalf("next_bar expiry = %v, want 6m", got)
	}
	if got := sn.ExpiresAt.Sub(t0); got != 15*time.Minute {
		t.Fatalf("structure_needed expiry = %v, want 15m", got)
	}
	if got := cd.ExpiresAt.Sub(t0); got != 3*time.Minute {
		t.Fatalf("cooldown expiry = %v, want 3m", got)
	}
}

func newRevaluator(b *Buffer, reeval ReevalFunc, resolved *map[string]string) *Revaluator {
	r := NewRevaluator(b, time.Second, reeval, func(it Item, result string, _ time.Time) {
		(*resolved)[it.ID] = result
	})
	return r
}

func TestExpiredItemTimesOut(t *testing.T) {
	b := NewBuffer(expiry, 3)
	it := b.Add(oneAlert(), "buy", decision.WaitCooldown, 1, 1, t0)

	resolved := map[string]string{}
	r := newRevaluator(b, func(context.Context, Item) (string, error) {
		t.Fatal("expired item must not be re-evaluated")
		return "", nil
	}, &resolved)
	r.now = func() time.Time { return t0.Add(4 * time.Minute) }

	r.Step(context.Background(), "")
	if resolved[it.ID] != "timeout" {
		t.Fatalf("resolved = %v, want timeout", resolved)
	}
	if b.Len() != 0 {
		t.Fatal("expired item must leave the buffer")
	}
}

func TestApprovePromotesAndRemoves(t *testing.T) {
	b := NewBuffer(expiry, 3)
	it := b.Add(oneAlert(), "buy", decision.WaitNextBar, 1, 1, t0)

	resolved := map[string]string{}
	r := newRevaluator(b, func(context.Context, Item) (string, error) {
		return decision.Approve, nil
	}, &resolved)
	r.now = func() time.Time { return t0.Add(time.Minute) }

	r.Step(context.Background(), "")
	if resolved[it.ID] != "approved" {
		t.Fatalf("resolved = %v, want approved", resolved)
	}
	if b.Len() != 0 {
		t.Fatal("approved item must leave the buffer")
	}
}

func TestReevalLimitDiscards(t *testing.T) {
	b := NewBuffer(expiry, 3)
	it := b.Add(oneAlert(), "buy", decision.WaitCooldown, 1, 1, t0)

	resolved := map[string]string{}
	calls := 0
	r := newRevaluator(b, func(context.Context, Item) (string, error) {
		calls++
		return decision.Wait, nil
	}, &resolved)
	r.now = func() time.Time { return t0.Add(time.Minute) }

	for i := 0; i < 5; i++ {
		r.Step(context.Background(), "")
	}
	if calls != 3 {
		t.Fatalf("re-evaluations = %d, want 3", calls)
	}
	if resolved[it.ID] != "reeval_limit" {
		t.Fatalf("resolved = %v, want reeval_limit", resolved)
	}
}

func TestStructureWakeOnlyTouchesStructureScope(t *testing.T) {
	b := NewBuffer(expiry, 3)
	b.Add(oneAlert(), "buy", decision.WaitNextBar, 1, 1, t0)
	sn := b.Add(oneAlert(), "buy", decision.WaitStructureNeeded, 2, 2, t0)

	resolved := map[string]string{}
	var seen []string
	r := newRevaluator(b, func(_ context.Context, it Item) (string, error) {
		seen = append(seen, it.Scope)
		return decision.Approve, nil
	}, &resolved)
	r.now = func() time.Time { return t0.Add(time.Minute) }

	r.Step(context.Background(), decision.WaitStructureNeeded)
	if len(seen) != 1 || seen[0] != decision.WaitStructureNeeded {
		t.Fatalf("scoped pass touched %v", seen)
	}
	if resolved[sn.ID] != "approved" {
		t.Fatalf("resolved = %v", resolved)
	}
	if b.Len() != 1 {
		t.Fatal("next_bar item must remain")
	}
}
