// Package scoring owns the tunable parameter set the decision engine and
// position manager read. Parameters are published as immutable versioned
// snapshots: readers grab the current snapshot once per evaluation, the
// weekly optimizer is the only writer.
package scoring

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auriclabs/goldpilot/internal/observ"
)

// Defaults are the starting parameter values before any optimizer run.
// Everything the optimizer may touch sits inside the Bounds whitelist.
func Defaults() map[string]float64 {
	return map[string]float64{
		"approve_threshold": 0.45,
		"wait_threshold":    0.10,

		"regime_trend_base":    0.20,
		"regime_breakout_base": 0.15,
		"regime_range_base":    -0.10,

		"zone_touch_aligned": 0.20,
		"fvg_touch_aligned":  0.15,
		"liquidity_sweep":    0.25,
		"sweep_plus_zone":    0.10,

		"trend_aligned":    0.10,
		"rsi_confirmation": 0.08,
		"rsi_divergence":   -0.10,

		"bar_close_confirmed":     0.10,
		"session_london_ny":       0.10,
		"session_off_hours":       -0.10,
		"tv_confidence_high":      0.10,
		"tv_confidence_low":       -0.10,
		"pattern_similarity_high": 0.10,

		// Position management multipliers, read by the position manager.
		// Not optimizer-tunable.
		"atr_sl_mult":            2.0,
		"atr_tp_mult":            3.0,
		"be_trigger_atr_mult":    1.0,
		"partial_tp_atr_mult":    2.0,
		"partial_close_ratio":    0.5,
		"trailing_step_atr_mult": 1.5,
	}
}

// Bounds is the optimizer whitelist: parameters outside this table must
// never be changed automatically, values must stay inside [min,max].
var Bounds = map[string][2]float64{
	"zone_touch_aligned":      {0.10, 0.35},
	"fvg_touch_aligned":       {0.08, 0.25},
	"liquidity_sweep":         {0.15, 0.40},
	"sweep_plus_zone":         {0.05, 0.20},
	"trend_aligned":           {0.05, 0.20},
	"rsi_confirmation":        {0.02, 0.12},
	"bar_close_confirmed":     {0.05, 0.20},
	"tv_confidence_high":      {0.05, 0.20},
	"pattern_similarity_high": {0.05, 0.20},
	"approve_threshold":       {0.35, 0.60},
	"wait_threshold":          {0.05, 0.20},
}

// ThresholdParams get the tighter per-run change cap.
var ThresholdParams = map[string]bool{
	"approve_threshold": true,
	"wait_threshold":    true,
}

// Snapshot is an immutable view of the parameter set.
type Snapshot struct {
	Version   int
	UpdatedAt time.Time
	values    map[string]float64
}

// Value returns a parameter, 0 when absent.
func (s Snapshot) Value(name string) float64 { return s.values[name] }

// Has reports whether the snapshot carries a parameter.
func (s Snapshot) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Values returns a copy of the parameter map.
func (s Snapshot) Values() map[string]float64 {
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewSnapshot builds a detached snapshot, used by replay overrides and tests.
func NewSnapshot(version int, values map[string]float64) Snapshot {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{Version: version, UpdatedAt: time.Now().UTC(), values: cp}
}

type persisted struct {
	Version   int                `yaml:"version"`
	UpdatedAt time.Time          `yaml:"updated_at"`
	Values    map[string]float64 `yaml:"values"`
}

// Store publishes snapshots. Single writer (the optimizer or an operator
// reload); any number of concurrent readers.
type Store struct {
	mu   sync.RWMutex
	cur  Snapshot
	path string
}

// NewStore loads the snapshot file, or seeds it with defaults when absent.
func NewStore(path string) (*Store, error) {
	st := &Store{path: path}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		st.cur = NewSnapshot(1, Defaults())
		if err := st.write(st.cur); err != nil {
			return nil, fmt.Errorf("seed scoring config: %w", err)
		}
		observ.Log("scoring_config_seeded", map[string]any{"path": path})
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scoring config: %w", err)
	}
	var p persisted
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse scoring config: %w", err)
	}
	// Fill any parameters added since the file was written.
	values := Defaults()
	for k, v := range p.Values {
		values[k] = v
	}
	st.cur = Snapshot{Version: p.Version, UpdatedAt: p.UpdatedAt, values: values}
	observ.SetGauge("scoring_config_version", float64(p.Version), nil)
	return st, nil
}

// Current returns the live snapshot. Callers must not cache it across
// evaluations.
func (st *Store) Current() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur
}

// Publish atomically replaces the parameter set: the file is written to a
// temp name and renamed, then the in-memory snapshot flips. On write failure
// the previous snapshot stays live.
func (st *Store) Publish(values map[string]float64) (Snapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := NewSnapshot(st.cur.Version+1, values)
	if err := st.write(next); err != nil {
		return st.cur, fmt.Errorf("persist scoring config: %w", err)
	}
	st.cur = next
	observ.SetGauge("scoring_config_version", float64(next.Version), nil)
	observ.Log("scoring_config_published", map[string]any{"version": next.Version})
	return next, nil
}

func (st *Store) write(s Snapshot) error {
	b, err := yaml.Marshal(persisted{Version: s.Version, UpdatedAt: s.UpdatedAt, Values: s.values})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return err
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path)
}
