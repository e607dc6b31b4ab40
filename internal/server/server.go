// Package server is the operational HTTP surface: the webhook that receives
// chart alerts, health and metrics, and the pause switch.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
	"github.com/auriclabs/goldpilot/internal/position"
	"github.com/auriclabs/goldpilot/internal/scoring"
	"github.com/auriclabs/goldpilot/internal/signal"
	"github.com/auriclabs/goldpilot/internal/store"
)

const maxAlertBody = 64 << 10

// Server holds the callbacks the handlers act through. Everything is
// injected so the trading loop owns the actual state.
type Server struct {
	Ingest       func(a signal.RawAlert)
	UpdateMarket func(ind signal.Indicators, auxTrend string)
	SetPause     func(paused bool)
	Paused       func() bool
	Positions    func() []position.Position
	Scoring      func() scoring.Snapshot
	Decisions    func(limit int) ([]store.DecisionRecord, error)
	Trades       func(limit int) ([]store.TradeOutcome, error)
	ParamHistory func(limit int) ([]store.ParamChange, error)
	Now          func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Routes builds the mux. Handed to the caller so tests and main wire their
// own listeners.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/indicators", s.handleIndicators)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/scoring", s.handleScoring)
	mux.HandleFunc("/decisions", queryHandler(s.Decisions))
	mux.HandleFunc("/trades", queryHandler(s.Trades))
	mux.HandleFunc("/optimizer-history", queryHandler(s.ParamHistory))
	mux.Handle("/healthz", observ.HealthHandler())
	mux.Handle("/metrics", observ.Handler())
	return mux
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	observ.Log("http_listening", map[string]any{"addr": addr})

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	alert, err := signal.ParseAlert(body, s.now())
	if err != nil {
		observ.IncCounter("webhook_rejected_total", nil)
		observ.LogError("webhook_rejected", err, nil)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	observ.IncCounter("webhook_accepted_total", map[string]string{"type": alert.SignalType})
	s.Ingest(alert)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"status": "accepted"})
}

// handleIndicators receives the indicator snapshot pushed by the market data
// bridge. Without a fresh snapshot the structurizer records missing fields
// and scoring fails closed, so a dead bridge stops entries by itself.
func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Indicators signal.Indicators `json:"indicators"`
		AuxTrend   string            `json:"aux_trend"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAlertBody)).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.UpdateMarket(req.Indicators, req.AuxTrend)
	observ.IncCounter("indicator_updates_total", nil)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"status": "accepted"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"paused": s.Paused()})
	case http.MethodPost:
		var req struct {
			Paused bool `json:"paused"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		s.SetPause(req.Paused)
		observ.Log("pause_toggled", map[string]any{"paused": req.Paused})
		writeJSON(w, map[string]any{"paused": req.Paused})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.Positions())
}

func (s *Server) handleScoring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.Scoring()
	writeJSON(w, map[string]any{
		"version":    snap.Version,
		"updated_at": snap.UpdatedAt,
		"values":     snap.Values(),
	})
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// queryHandler serves a bounded read-back listing (decisions, trades,
// optimizer history) with a ?limit= parameter.
func queryHandler[T any](query func(limit int) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if query == nil {
			http.Error(w, "not available", http.StatusServiceUnavailable)
			return
		}
		limit := defaultQueryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}
		rows, err := query(limit)
		if err != nil {
			observ.LogError("query_endpoint_failed", err, map[string]any{"path": r.URL.Path})
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []T{}
		}
		writeJSON(w, rows)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
