// Package webhook delivers audit events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/package-audit/pkgaudit/pkg/uuidutil"
)

// Request headers set on every delivery.
const (
	EventHeader     = "X-Pkgaudit-Event"
	DeliveryHeader  = "X-Pkgaudit-Delivery"
	SignatureHeader = "X-Pkgaudit-Signature"
)

// Delivery results reported to metrics.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// Event is the JSON body posted to a hook. Event carries the audit event
// type.
type Event struct {
	Event       string         `json:"event"`
	Timestamp   time.Time      `json:"timestamp"`
	OperationID string         `json:"operation_id,omitempty"`
	Manager     string         `json:"manager,omitempty"`
	Package     string         `json:"package,omitempty"`
	SnapshotID  string         `json:"snapshot_id,omitempty"`
	RecordHash  string         `json:"record_hash,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// HookConfig is one endpoint. An empty Events list, or "*", subscribes to
// every event.
type HookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret,omitempty"`
	Events []string `yaml:"events,omitempty"`
}

// Config is the webhooks section of the config file. No hooks means no
// deliveries and no background worker.
type Config struct {
	Hooks      []HookConfig  `yaml:"hooks,omitempty"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	QueueSize  int           `yaml:"queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		Timeout:    10 * time.Second,
		QueueSize:  100,
	}
}

// Validate checks hook URLs and value ranges.
func (c Config) Validate() error {
	var errs []error
	for i, h := range c.Hooks {
		u, err := url.Parse(h.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhooks.hooks[%d].url must be an http or https URL", i))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("webhooks.max_retries must not be negative"))
	}
	if len(c.Hooks) > 0 {
		if c.Timeout <= 0 {
			errs = append(errs, errors.New("webhooks.timeout must be positive"))
		}
		if c.QueueSize < 1 {
			errs = append(errs, errors.New("webhooks.queue_size must be at least 1"))
		}
	}
	return errors.Join(errs...)
}

// Options configures a Client.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// HTTPClient defaults to a client with Config.Timeout.
	HTTPClient *http.Client
}

type job struct {
	hook    HookConfig
	event   string
	payload []byte
}

// Client queues events and delivers them from one background goroutine,
// so a slow endpoint never delays a mutation.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *logging.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client and starts its worker when hooks are configured.
func NewClient(cfg Config, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		log:     log.WithFields(map[string]any{"component": "webhook"}),
		metrics: opts.Metrics,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if !c.Enabled() {
		close(c.done)
		return c
	}
	c.queue = make(chan job, max(cfg.QueueSize, 1))
	go c.worker()
	return c
}

// Enabled reports whether any hook is configured.
func (c *Client) Enabled() bool {
	return len(c.cfg.Hooks) > 0
}

// Notify queues e for every matching hook without blocking. Events that do
// not fit in the queue are dropped and counted.
func (c *Client) Notify(e Event) {
	if !c.Enabled() {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		c.log.ErrorErr("marshal webhook event", err, map[string]any{"event": e.Event})
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	for _, h := range c.cfg.Hooks {
		if !matches(h, e.Event) {
			continue
		}
		select {
		case c.queue <- job{hook: h, event: e.Event, payload: payload}:
		default:
			c.metrics.RecordWebhook(ResultDropped)
			c.log.Warn("webhook queue full, dropping event", map[string]any{
				"event":    e.Event,
				"endpoint": endpoint(h.URL),
			})
		}
	}
}

// Close stops accepting events and waits for queued deliveries. When ctx
// ends first, pending retries are abandoned and ctx's error is returned.
// Close is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		if c.queue != nil {
			close(c.queue)
		}
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-c.done
		return ctx.Err()
	}
}

func (c *Client) worker() {
	defer close(c.done)
	for j := range c.queue {
		if err := c.deliver(j); err != nil {
			c.metrics.RecordWebhook(ResultFailed)
			c.log.Warn("webhook delivery failed", map[string]any{
				"event":    j.event,
				"endpoint": endpoint(j.hook.URL),
				"error":    err.Error(),
			})
			continue
		}
		c.metrics.RecordWebhook(ResultDelivered)
	}
}

// deliver posts one job, retrying network errors, 429 and 5xx answers.
func (c *Client) deliver(j job) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		req, err := c.newRequest(j)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			lastErr = fmt.Errorf("post: %w", err)
			continue
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
		default:
			return fmt.Errorf("http %d", resp.StatusCode)
		}
	}
	return lastErr
}

func (c *Client) newRequest(j job) (*http.Request, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, j.hook.URL, bytes.NewReader(j.payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pkgaudit-webhook/1")
	req.Header.Set(EventHeader, j.event)
	req.Header.Set(DeliveryHeader, uuidutil.NewV4())
	if j.hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(j.payload, j.hook.Secret))
	}
	return req, nil
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matches(h HookConfig, event string) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, e := range h.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// endpoint reduces a hook URL to scheme and host for logs; paths and
// queries often carry tokens.
func endpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host
}
