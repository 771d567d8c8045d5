package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"obcatalog/internal/config"
	"obcatalog/internal/events"
)

type hookRecorder struct {
	mu       sync.Mutex
	received []webhookEvent
	headers  []http.Header
	fail     bool
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var evt webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.received = append(h.received, evt)
	h.headers = append(h.headers, r.Header.Clone())
}

func (h *hookRecorder) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.received))
	for _, evt := range h.received {
		out = append(out, evt.Type)
	}
	return out
}

func TestWebhookDeliversOnlyNewMatchingEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	d := NewWebhookDispatcher(srv.repo, []config.WebhookConfig{
		{ID: "results", URL: hook.URL, Events: []string{events.TypeResultRecorded}, Enabled: true, Secret: "s3cret"},
		{ID: "off", URL: hook.URL, Enabled: false},
	}, nil)

	// seeded events predate the dispatcher and are skipped
	d.DispatchOnce(ctx)
	if got := rec.types(); len(got) != 0 {
		t.Fatalf("expected no deliveries, got %v", got)
	}

	appendEvents(t, srv, events.TypeOBIngested, events.TypeResultRecorded)
	d.DispatchOnce(ctx)
	got := rec.types()
	if len(got) != 1 || got[0] != events.TypeResultRecorded {
		t.Fatalf("unexpected deliveries %v", got)
	}
	if rec.headers[0].Get("X-Obcatalog-Secret") != "s3cret" || rec.headers[0].Get("X-Obcatalog-Event") != events.TypeResultRecorded {
		t.Fatalf("unexpected headers %v", rec.headers[0])
	}
	if rec.received[0].Payload == nil || string(rec.received[0].Payload) == "{}" {
		t.Fatalf("expected payload, got %s", rec.received[0].Payload)
	}

	d.DispatchOnce(ctx)
	if got := rec.types(); len(got) != 1 {
		t.Fatalf("events delivered twice: %v", got)
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	rec := &hookRecorder{fail: true}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	d := NewWebhookDispatcher(srv.repo, []config.WebhookConfig{{ID: "all", URL: hook.URL, Enabled: true}}, nil)
	d.DispatchOnce(ctx)
	appendEvents(t, srv, events.TypeOBIngested)
	d.DispatchOnce(ctx)
	if got := rec.types(); len(got) != 0 {
		t.Fatalf("unexpected deliveries %v", got)
	}

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	d.DispatchOnce(ctx)
	if got := rec.types(); len(got) != 1 || got[0] != events.TypeOBIngested {
		t.Fatalf("expected redelivery, got %v", got)
	}
}

func TestRunReturnsWithoutEnabledHooks(t *testing.T) {
	srv := newTestServer(t)
	d := NewWebhookDispatcher(srv.repo, []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: false}}, nil)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	<-done
}

func appendEvents(t *testing.T, srv *testServer, types ...string) {
	t.Helper()
	ctx := context.Background()
	uow, err := srv.repo.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer uow.Rollback()
	for _, typ := range types {
		if err := (events.Writer{}).Append(ctx, uow.Tx(), typ, "task", srv.task.ID, events.EventPayload{"task_id": srv.task.ID}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := uow.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
