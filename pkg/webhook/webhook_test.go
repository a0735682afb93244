package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type received struct {
	mu      sync.Mutex
	events  []Event
	headers []http.Header
	bodies  [][]byte
}

func (r *received) handler(status func(n int) int) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		n := int(calls.Add(1))
		code := http.StatusOK
		if status != nil {
			code = status(n)
		}
		if code == http.StatusOK {
			body, _ := io.ReadAll(req.Body)
			var e Event
			_ = json.Unmarshal(body, &e)
			r.mu.Lock()
			r.events = append(r.events, e)
			r.headers = append(r.headers, req.Header.Clone())
			r.bodies = append(r.bodies, body)
			r.mu.Unlock()
		}
		w.WriteHeader(code)
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testConfig(hooks ...HookConfig) Config {
	cfg := DefaultConfig()
	cfg.Hooks = hooks
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func closeClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.QueueSize != 100 {
		t.Errorf("expected QueueSize 100, got %d", cfg.QueueSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(HookConfig{URL: "ftp://example.com/hook"}, HookConfig{URL: "not a url"})
	cfg.MaxRetries = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"hooks[0]", "hooks[1]", "max_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestNotify_DeliversOnClose(t *testing.T) {
	var rec received
	server := httptest.NewServer(rec.handler(nil))
	defer server.Close()

	c := NewClient(testConfig(HookConfig{URL: server.URL}), Options{})
	c.Notify(Event{Event: "uninstall", Manager: "npm", Package: "left-pad", SnapshotID: "20250101T000000-abcdef"})
	c.Notify(Event{Event: "snapshot_create", SnapshotID: "20250101T000000-abcdef"})
	closeClient(t, c)

	if rec.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", rec.count())
	}
	got := map[string]bool{}
	for _, e := range rec.events {
		got[e.Event] = true
	}
	if !got["uninstall"] || !got["snapshot_create"] {
		t.Errorf("unexpected events: %+v", rec.events)
	}
	h := rec.headers[0]
	if h.Get(EventHeader) == "" || h.Get(DeliveryHeader) == "" {
		t.Errorf("missing delivery headers: %v", h)
	}
	if h.Get(SignatureHeader) != "" {
		t.Error("unsigned hook must not send a signature")
	}
}

func TestNotify_Signature(t *testing.T) {
	var rec received
	server := httptest.NewServer(rec.handler(nil))
	defer server.Close()

	c := NewClient(testConfig(HookConfig{URL: server.URL, Secret: "s3cret"}), Options{})
	c.Notify(Event{Event: "snapshot_delete", SnapshotID: "20250101T000000-abcdef"})
	closeClient(t, c)

	if rec.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", rec.count())
	}
	want := Sign(rec.bodies[0], "s3cret")
	if got := rec.headers[0].Get(SignatureHeader); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
	if !strings.HasPrefix(want, "sha256=") {
		t.Errorf("signature should be prefixed with sha256=: %s", want)
	}
}

func TestNotify_EventFiltering(t *testing.T) {
	var all, uninstalls received
	allSrv := httptest.NewServer(all.handler(nil))
	defer allSrv.Close()
	uninstallSrv := httptest.NewServer(uninstalls.handler(nil))
	defer uninstallSrv.Close()

	c := NewClient(testConfig(
		HookConfig{URL: allSrv.URL, Events: []string{"*"}},
		HookConfig{URL: uninstallSrv.URL, Events: []string{"uninstall"}},
	), Options{})
	c.Notify(Event{Event: "uninstall"})
	c.Notify(Event{Event: "lock_force_release"})
	closeClient(t, c)

	if all.count() != 2 {
		t.Errorf("wildcard hook expected 2 events, got %d", all.count())
	}
	if uninstalls.count() != 1 {
		t.Errorf("filtered hook expected 1 event, got %d", uninstalls.count())
	}
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var rec received
	server := httptest.NewServer(rec.handler(func(n int) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}))
	defer server.Close()

	c := NewClient(testConfig(HookConfig{URL: server.URL}), Options{})
	c.Notify(Event{Event: "uninstall"})
	closeClient(t, c)

	if rec.count() != 1 {
		t.Errorf("expected delivery after retries, got %d", rec.count())
	}
}

func TestDeliver_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(testConfig(HookConfig{URL: server.URL}), Options{})
	c.Notify(Event{Event: "uninstall"})
	closeClient(t, c)

	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestDisabledClient(t *testing.T) {
	c := NewClient(DefaultConfig(), Options{})
	if c.Enabled() {
		t.Fatal("client without hooks should be disabled")
	}
	c.Notify(Event{Event: "uninstall"})
	closeClient(t, c)
	closeClient(t, c)
}

func TestNotify_AfterCloseIsIgnored(t *testing.T) {
	var rec received
	server := httptest.NewServer(rec.handler(nil))
	defer server.Close()

	c := NewClient(testConfig(HookConfig{URL: server.URL}), Options{})
	closeClient(t, c)
	c.Notify(Event{Event: "uninstall"})

	if rec.count() != 0 {
		t.Errorf("expected no delivery after close, got %d", rec.count())
	}
}

func TestClose_DeadlineAbandonsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(HookConfig{URL: server.URL})
	cfg.MaxRetries = 100
	cfg.RetryDelay = time.Second
	c := NewClient(cfg, Options{})
	c.Notify(Event{Event: "uninstall"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := c.Close(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("close took too long: %s", time.Since(start))
	}
}

func TestNotify_QueueFullDrops(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(block)

	cfg := testConfig(HookConfig{URL: server.URL})
	cfg.QueueSize = 1
	c := NewClient(cfg, Options{})
	for range 10 {
		c.Notify(Event{Event: "uninstall"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded while the endpoint hangs, got %v", err)
	}
}

func TestEndpoint(t *testing.T) {
	if got := endpoint("https://user:pw@hooks.example.com/t/abc?token=x"); got != "https://hooks.example.com" {
		t.Errorf("endpoint leaked path or credentials: %s", got)
	}
}
