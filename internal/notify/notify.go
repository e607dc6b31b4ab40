// Package notify pushes operational alerts to a webhook: venue disconnects,
// structurer failures, quarantined positions, parameter changes. Delivery is
// best effort behind a bounded queue so a slow webhook never backs up the
// trading path.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/auriclabs/goldpilot/internal/observ"
)

type Config struct {
	Enabled      bool
	WebhookURL   string
	TimeoutSecs  int
	DedupeWindow time.Duration
	MaxAttempts  int
}

type message struct {
	Event  string    `json:"event"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

type queued struct {
	msg      message
	attempts int
}

// Notifier delivers alerts asynchronously with dedupe and retry.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan queued

	mu     sync.Mutex
	recent map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func New(cfg Config) *Notifier {
	if cfg.TimeoutSecs == 0 {
		cfg.TimeoutSecs = 10
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		queue:  make(chan queued, 256),
		recent: map[string]time.Time{},
		cancel: cancel,
		done:   make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
	go n.worker(ctx)
	return n
}

// Send enqueues an alert. Duplicates inside the dedupe window and overflow
// beyond the queue bound are dropped silently.
func (n *Notifier) Send(event, detail string) {
	if !n.cfg.Enabled || n.cfg.WebhookURL == "" {
		return
	}
	now := n.now()
	key := dedupeKey(event, detail)

	n.mu.Lock()
	if last, ok := n.recent[key]; ok && now.Sub(last) < n.cfg.DedupeWindow {
		n.mu.Unlock()
		return
	}
	n.recent[key] = now
	// Drop stale entries so the cache stays small.
	for k, t := range n.recent {
		if now.Sub(t) > n.cfg.DedupeWindow {
			delete(n.recent, k)
		}
	}
	n.mu.Unlock()

	select {
	case n.queue <- queued{msg: message{Event: event, Detail: detail, At: now}}:
		observ.SetGauge("notify_queue_depth", float64(len(n.queue)), nil)
	default:
		observ.IncCounter("notify_dropped_total", nil)
	}
}

// Close stops the worker; undelivered messages are dropped.
func (n *Notifier) Close() {
	n.cancel()
	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-n.queue:
			observ.SetGauge("notify_queue_depth", float64(len(n.queue)), nil)
			if err := n.post(ctx, q.msg); err != nil {
				q.attempts++
				observ.IncCounter("notify_errors_total", nil)
				if q.attempts < n.cfg.MaxAttempts {
					// Linear backoff is enough at this volume.
					select {
					case <-time.After(time.Duration(q.attempts) * time.Second):
					case <-ctx.Done():
						return
					}
					select {
					case n.queue <- q:
					default:
					}
					continue
				}
				observ.LogError("notify_gave_up", err, map[string]any{"event": q.msg.Event})
				continue
			}
			observ.IncCounter("notify_sent_total", nil)
		}
	}
}

func (n *Notifier) post(ctx context.Context, m message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func dedupeKey(event, detail string) string {
	sum := sha256.Sum256([]byte(event + "|" + detail))
	return hex.EncodeToString(sum[:8])
}
