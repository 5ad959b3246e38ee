// Package notify delivers request outcomes to the configured webhook.
//
// Deliveries run in the background: callers never wait on the network. A
// 2xx response ends delivery, a 5xx response or transport failure is retried
// after BaseDelay × attempt, and any other status is abandoned. After
// MaxAttempts the notification is dropped and logged.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/id/token"
	"github.com/JakeFAU/toolrunner/internal/metrics"
	"github.com/JakeFAU/toolrunner/internal/publisher"
	"github.com/JakeFAU/toolrunner/internal/runner"
)

// DeliveryHeader carries the per-notification id so receivers can drop replays.
const DeliveryHeader = "X-Toolrunner-Delivery"

// Config controls webhook delivery.
type Config struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	UserAgent   string
}

// Dispatcher implements runner.Notifier over HTTP.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	mirror publisher.Publisher
	ids    *token.Generator
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	closing chan struct{}
}

var _ runner.Notifier = (*Dispatcher)(nil)

// New builds a Dispatcher. client may be nil; mirror may be nil.
func New(cfg Config, client *http.Client, mirror publisher.Publisher, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "toolrunner"
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  client,
		mirror:  mirror,
		ids:     token.New(),
		logger:  logger.Named("notify"),
		closing: make(chan struct{}),
	}
}

// ToolSuccess reports valid results for req.
func (d *Dispatcher) ToolSuccess(ctx context.Context, req runner.Request, results []runner.Result, took time.Duration) {
	d.dispatch(ctx, SuccessEvent(req, results, took))
}

// ToolError reports a failed request to its submitter.
func (d *Dispatcher) ToolError(ctx context.Context, req runner.Request, message string) {
	d.dispatch(ctx, ErrorEvent(req, message))
}

// DeveloperError reports a failure to the tool's maintainer.
func (d *Dispatcher) DeveloperError(ctx context.Context, req runner.Request, message string, detail error) {
	d.dispatch(ctx, DeveloperEvent(req, message, detail))
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	if id, err := d.ids.NewTraceID(); err == nil {
		ev.ID = id
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("notification dropped after shutdown",
			zap.String("type", string(ev.Type)),
			zap.Int64("request_id", ev.Request.ID),
		)
		metrics.ObserveWebhookDelivery(string(ev.Type), "dropped")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		bg := context.WithoutCancel(ctx)
		d.publish(bg, ev)
		if err := d.Deliver(bg, ev); err != nil {
			d.logger.Warn("notification dropped",
				zap.String("type", string(ev.Type)),
				zap.Int64("request_id", ev.Request.ID),
				zap.String("url", ev.Request.URL),
				zap.Error(err),
			)
		}
	}()
}

// publish mirrors ev to the outcome topic. Failures are logged only.
func (d *Dispatcher) publish(ctx context.Context, ev Event) {
	if d.mirror == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("marshal outcome event", zap.Error(err))
		return
	}
	_, err = d.mirror.Publish(ctx, publisher.Message{
		Data: data,
		Attributes: map[string]string{
			"type":        string(ev.Type),
			"tool":        ev.Request.Tool,
			"delivery_id": ev.ID,
		},
	})
	if err != nil {
		d.logger.Warn("publish outcome event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Deliver posts ev to the webhook, retrying per the dispatcher's policy. It
// blocks until the notification is delivered or abandoned.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) error {
	if d.cfg.URL == "" {
		metrics.ObserveWebhookDelivery(string(ev.Type), "unconfigured")
		return fmt.Errorf("%w: webhook url is not configured", runner.ErrNotificationDelivery)
	}
	form, err := ev.Form()
	if err != nil {
		metrics.ObserveWebhookDelivery(string(ev.Type), "failed")
		return fmt.Errorf("%w: %w", runner.ErrNotificationDelivery, err)
	}
	body := form.Encode()

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		retry, err := d.post(ctx, ev.ID, body)
		if err == nil {
			metrics.ObserveWebhookDelivery(string(ev.Type), "delivered")
			return nil
		}
		lastErr = err
		if !retry || attempt == d.cfg.MaxAttempts {
			break
		}
		delay := d.cfg.BaseDelay * time.Duration(attempt)
		d.logger.Debug("retrying webhook",
			zap.String("type", string(ev.Type)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := d.backoff(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	metrics.ObserveWebhookDelivery(string(ev.Type), "failed")
	return fmt.Errorf("%w: %w", runner.ErrNotificationDelivery, lastErr)
}

func (d *Dispatcher) backoff(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closing:
		return errors.New("dispatcher closed during backoff")
	case <-timer.C:
		return nil
	}
}

// post makes one attempt. retry reports whether a failure is worth retrying.
func (d *Dispatcher) post(ctx context.Context, deliveryID, body string) (retry bool, err error) {
	metrics.ObserveWebhookAttempt()
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.cfg.URL, strings.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	if deliveryID != "" {
		req.Header.Set(DeliveryHeader, deliveryID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook responded %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook rejected notification with %d", resp.StatusCode)
	}
}

// Close stops accepting new notifications, cuts pending backoffs short, and
// waits for in-flight attempts until ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.closing)
	}
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for notifications: %w", ctx.Err())
	}
}
