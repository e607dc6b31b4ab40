package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	k := canonLabels(labels)
	m[k] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	k := canonLabels(labels)
	m[k] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records a duration observation in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// CounterTotal sums a counter across all label sets. Used by health checks
// and tests; not part of the hot path.
func CounterTotal(name string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var total int64
	for _, count := range reg.counters[name] {
		total += count
	}
	return total
}

// GaugeValue returns the first value recorded for a gauge, or 0.
func GaugeValue(name string) float64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, v := range reg.gauges[name] {
		return v
	}
	return 0
}

// Basic text/JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus is the payload served by HealthHandler.
type HealthStatus struct {
	Status    string         `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Metrics   HealthMetrics  `json:"metrics"`
	Details   map[string]any `json:"details"`
}

// HealthMetrics holds the few numbers operators actually look at.
type HealthMetrics struct {
	VenueConnected       bool    `json:"venue_connected"`
	StructurerFallbacks  int64   `json:"structurer_fallbacks_total"`
	DecisionLatencyP95Ms int64   `json:"decision_latency_p95_ms"`
	DecisionsTotal       int64   `json:"decisions_total"`
	OrdersSubmitted      int64   `json:"orders_submitted_total"`
	OrderErrors          int64   `json:"order_errors_total"`
	OrderErrorRate       float64 `json:"order_error_rate"`
	CollectorDepth       int     `json:"collector_depth"`
	OpenPositions        int     `json:"open_positions"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler computes overall service health from the metrics registry.
// Venue down => failed. Slow decisions or excessive order errors => degraded.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := collectHealthMetrics()

		status := "healthy"
		switch {
		case !m.VenueConnected:
			status = "failed"
		case m.DecisionLatencyP95Ms > 200,
			m.OrdersSubmitted > 20 && m.OrderErrorRate > 0.1,
			m.StructurerFallbacks > 0:
			status = "degraded"
		}

		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   m,
			Details:   gatherHealthDetails(),
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent
		case "failed":
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

func collectHealthMetrics() HealthMetrics {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	m := HealthMetrics{VenueConnected: true}

	if vals, ok := reg.gauges["venue_connected"]; ok {
		for _, v := range vals {
			m.VenueConnected = v == 1
			break
		}
	}
	for _, count := range reg.counters["structurer_fallbacks_total"] {
		m.StructurerFallbacks += count
	}
	for _, count := range reg.counters["decisions_total"] {
		m.DecisionsTotal += count
	}
	for _, count := range reg.counters["orders_submitted_total"] {
		m.OrdersSubmitted += count
	}
	for _, count := range reg.counters["order_errors_total"] {
		m.OrderErrors += count
	}
	if m.OrdersSubmitted > 0 {
		m.OrderErrorRate = float64(m.OrderErrors) / float64(m.OrdersSubmitted)
	}
	if vals, ok := reg.gauges["collector_depth"]; ok {
		for _, v := range vals {
			m.CollectorDepth = int(v)
			break
		}
	}
	if vals, ok := reg.gauges["open_positions"]; ok {
		for _, v := range vals {
			m.OpenPositions = int(v)
			break
		}
	}
	m.DecisionLatencyP95Ms = histP95Locked("decision_latency_ms")

	return m
}

// caller holds reg.mu
func histP95Locked(name string) int64 {
	for _, samples := range reg.hist[name] {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		i := int(float64(len(sorted)) * 0.95)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return int64(sorted[i])
	}
	return 0
}

func gatherHealthDetails() map[string]any {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	details := map[string]any{}

	decisions := map[string]int64{}
	for labelKey, count := range reg.counters["decisions_total"] {
		decisions[labelKey] = count
	}
	details["decisions_by_outcome"] = decisions

	guards := map[string]int64{}
	for labelKey, count := range reg.counters["risk_blocks_total"] {
		guards[labelKey] = count
	}
	details["risk_blocks_by_guard"] = guards

	if vals, ok := reg.gauges["wait_buffer_depth"]; ok {
		for _, v := range vals {
			details["wait_buffer_depth"] = int(v)
			break
		}
	}
	if vals, ok := reg.gauges["scoring_config_version"]; ok {
		for _, v := range vals {
			details["scoring_config_version"] = int(v)
			break
		}
	}

	return details
}

// Simple liveness handler
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
