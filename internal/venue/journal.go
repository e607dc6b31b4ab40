package venue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal is an append-only JSONL record of orders and fills. Besides the
// audit trail it backs duplicate suppression: a second open with the same
// side and size inside the dedupe window is refused, which covers retries
// after an unknown-outcome timeout.
type Journal struct {
	mu     sync.Mutex
	path   string
	dedupe time.Duration
	now    func() time.Time
}

type journalRecord struct {
	Kind  string    `json:"kind"` // order | fill
	TS    time.Time `json:"ts_utc"`
	ID    string    `json:"id"`
	Side  string    `json:"side"`
	Size  float64   `json:"size"`
	Price float64   `json:"price"`
	PnL   *float64  `json:"pnl,omitempty"`
}

func NewJournal(path string, dedupeWindow time.Duration) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	return &Journal{path: path, dedupe: dedupeWindow, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (j *Journal) AppendOrder(req OrderRequest, fill float64, at time.Time) error {
	return j.append(journalRecord{Kind: "order", TS: at, ID: req.ID, Side: req.Side, Size: req.Size, Price: fill})
}

func (j *Journal) AppendFill(orderID, side string, size, price, pnl float64, at time.Time) error {
	return j.append(journalRecord{Kind: "fill", TS: at, ID: orderID, Side: side, Size: size, Price: price, PnL: &pnl})
}

func (j *Journal) append(rec journalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// HasRecentOrder reports whether an order with the same side and size was
// journaled inside the dedupe window. A scan of the tail is enough at the
// order rates this system sees.
func (j *Journal) HasRecentOrder(side string, size float64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return false
	}
	defer f.Close()

	cutoff := j.now().Add(-j.dedupe)
	found := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Kind == "order" && rec.Side == side && rec.Size == size && rec.TS.After(cutoff) {
			found = true
		}
	}
	return found
}
