package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type capture struct {
	mu   sync.Mutex
	msgs []message
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.msgs = append(c.msgs, m)
		c.mu.Unlock()
	}
}

func (c *capture) wait(t *testing.T, want int) []message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.msgs)
		c.mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.msgs...)
}

func TestDeliversEvents(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := New(Config{Enabled: true, WebhookURL: srv.URL})
	defer n.Close()

	n.Send("venue_disconnect", "paper adapter lost connection")
	msgs := c.wait(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("delivered = %d, want 1", len(msgs))
	}
	if msgs[0].Event != "venue_disconnect" {
		t.Fatalf("event = %s", msgs[0].Event)
	}
}

func TestDuplicatesInsideWindowDropped(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := New(Config{Enabled: true, WebhookURL: srv.URL, DedupeWindow: time.Hour})
	defer n.Close()

	for i := 0; i < 5; i++ {
		n.Send("structurer_failure", "timeout")
	}
	n.Send("structurer_failure", "connection refused") // different detail passes

	msgs := c.wait(t, 2)
	if len(msgs) != 2 {
		t.Fatalf("delivered = %d, want 2", len(msgs))
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	var c capture
	fails := 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fails > 0 {
			fails--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		c.handler()(w, r)
	}))
	defer srv.Close()

	n := New(Config{Enabled: true, WebhookURL: srv.URL, MaxAttempts: 3})
	defer n.Close()

	n.Send("position_quarantined", "p1 illegal transition")
	msgs := c.wait(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("delivered = %d after retries, want 1", len(msgs))
	}
}

func TestDisabledNeverPosts(t *testing.T) {
	posted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
	}))
	defer srv.Close()

	n := New(Config{Enabled: false, WebhookURL: srv.URL})
	defer n.Close()

	n.Send("anything", "detail")
	time.Sleep(50 * time.Millisecond)
	if posted {
		t.Fatal("disabled notifier must not post")
	}
}
