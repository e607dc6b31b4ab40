// Package waitbuf holds wait-decided signals until their scope expires or a
// re-evaluation promotes or discards them. Residency is bounded by the
// per-scope expiry and the re-evaluation cap.
package waitbuf

import (
	"strconv"
	"sync"
	"time"

	"github.com/auriclabs/goldpilot/internal/decision"
	"github.com/auriclabs/goldpilot/internal/observ"
	"github.com/auriclabs/goldpilot/internal/signal"
)

// Item is one waiting entry decision.
type Item struct {
	ID         string
	DecisionID int64
	WaitID     int64
	Alerts     []signal.RawAlert
	Side       string
	Scope      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Reevals    int
}

// Expiry maps wait scopes to their residency limit.
type Expiry struct {
	NextBar         time.Duration
	StructureNeeded time.Duration
	Cooldown        time.Duration
}

func (e Expiry) For(scope string) time.Duration {
	switch scope {
	case decision.WaitNextBar:
		return e.NextBar
	case decision.WaitStructureNeeded:
		return e.StructureNeeded
	default:
		return e.Cooldown
	}
}

type Buffer struct {
	mu         sync.Mutex
	items      map[string]*Item
	expiry     Expiry
	maxReevals int
	seq        int64
}

func NewBuffer(expiry Expiry, maxReevals int) *Buffer {
	return &Buffer{items: map[string]*Item{}, expiry: expiry, maxReevals: maxReevals}
}

// Add registers a waiting decision and returns the stored item.
func (b *Buffer) Add(alerts []signal.RawAlert, side, scope string, decisionID, waitID int64, now time.Time) Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	it := &Item{
		ID:         itemID(b.seq),
		DecisionID: decisionID,
		WaitID:     waitID,
		Alerts:     alerts,
		Side:       side,
		Scope:      scope,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.expiry.For(scope)),
	}
	b.items[it.ID] = it
	observ.SetGauge("wait_buffer_depth", float64(len(b.items)), nil)
	return *it
}

// Snapshot returns copies of all waiting items.
func (b *Buffer) Snapshot() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Item, 0, len(b.items))
	for _, it := range b.items {
		out = append(out, *it)
	}
	return out
}

// Remove drops an item, reporting whether it was present.
func (b *Buffer) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[id]
	delete(b.items, id)
	observ.SetGauge("wait_buffer_depth", float64(len(b.items)), nil)
	return ok
}

// IncrReeval bumps an item's re-evaluation count. The second return is
// false when the item is gone; reaching the cap removes the item and
// returns capExceeded=true.
func (b *Buffer) IncrReeval(id string) (capExceeded, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, present := b.items[id]
	if !present {
		return false, false
	}
	it.Reevals++
	if it.Reevals >= b.maxReevals {
		delete(b.items, id)
		observ.SetGauge("wait_buffer_depth", float64(len(b.items)), nil)
		return true, true
	}
	return false, true
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func itemID(seq int64) string {
	return time.Now().UTC().Format("20060102T150405") + "-" + strconv.FormatInt(seq, 10)
}
