// Package notify implements DotPay's downstream-notification queue: durable
// outbound delivery of DotPay's own lifecycle events (ledger/partner
// systems) with retry and a DLQ, independent of the inbound Daraja
// webhooks internal/webhook demultiplexes. Persistence lives in
// internal/storage's webhook queue; this package owns the drain loop,
// backoff, and the circuitbreaker-wrapped delivery call.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dotpay/backend/internal/circuitbreaker"
	"github.com/dotpay/backend/internal/config"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
	"github.com/dotpay/backend/internal/storage"
)

// Event is the payload shape posted to the configured downstream URL when a
// transaction reaches a notable lifecycle event.
type Event struct {
	EventType     string    `json:"eventType"`
	TransactionID string    `json:"transactionId"`
	FlowType      string    `json:"flowType"`
	Status        string    `json:"status"`
	UserAddress   string    `json:"userAddress"`
	AmountKes     float64   `json:"amountKes,omitempty"`
	AmountUsd     float64   `json:"amountUsd,omitempty"`
	At            time.Time `json:"at"`
}

// Dispatcher enqueues and delivers DotPay's downstream notifications.
type Dispatcher struct {
	store    storage.Store
	cfg      config.CallbacksConfig
	breakers *circuitbreaker.Manager
	http     *http.Client
	metrics  *metrics.Metrics
}

// NewDispatcher constructs a Dispatcher bound to store for queue persistence
// and cfg for the destination URL/headers/retry schedule.
func NewDispatcher(store storage.Store, cfg config.CallbacksConfig, breakers *circuitbreaker.Manager) *Dispatcher {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:    store,
		cfg:      cfg,
		breakers: breakers,
		http:     &http.Client{Timeout: timeout},
	}
}

// WithMetrics attaches a metrics collector, returning d for chaining at
// construction time in cmd/server.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Enabled reports whether a downstream notification target is configured.
// NotifyTerminal is a no-op when this is false, so callers can wire a
// Dispatcher unconditionally.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.cfg.PaymentSuccessURL != ""
}

// NotifyTerminal enqueues a durable notification for a transaction reaching
// a payment lifecycle event (succeeded, failed, refunded). Enqueueing itself
// never blocks on the network; delivery happens on Run's drain loop.
func (d *Dispatcher) NotifyTerminal(ctx context.Context, tx storage.Transaction, eventType string) {
	if !d.Enabled() {
		return
	}

	event := Event{
		EventType:     eventType,
		TransactionID: tx.ID,
		FlowType:      string(tx.FlowType),
		Status:        string(tx.Status),
		UserAddress:   tx.UserAddress,
		At:            time.Now().UTC(),
	}
	if tx.Quote != nil {
		event.AmountKes = tx.Quote.AmountKes
		event.AmountUsd = tx.Quote.AmountUsd
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("notify: failed to marshal event")
		return
	}

	maxAttempts := d.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	wh := storage.PendingWebhook{
		URL:         d.cfg.PaymentSuccessURL,
		Payload:     payload,
		Headers:     d.cfg.Headers,
		EventType:   eventType,
		MaxAttempts: maxAttempts,
	}
	if _, err := d.store.EnqueueWebhook(ctx, wh); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("transactionId", tx.ID).Msg("notify: failed to enqueue downstream notification")
	}
}

// Run drains the delivery queue on interval until ctx is cancelled. Intended
// to be started as a background goroutine from cmd/server.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) {
	pending, err := d.store.DequeueWebhooks(ctx, 20)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("notify: failed to dequeue")
		return
	}
	for _, wh := range pending {
		d.deliver(ctx, wh)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, wh storage.PendingWebhook) {
	log := logger.FromContext(ctx).With().Str("webhookId", wh.ID).Logger()
	if err := d.store.MarkWebhookProcessing(ctx, wh.ID); err != nil {
		log.Error().Err(err).Msg("notify: failed to mark processing")
		return
	}

	start := time.Now()
	_, err := d.breakers.Execute(circuitbreaker.ServiceWebhook, func() (interface{}, error) {
		return nil, d.post(ctx, wh)
	})
	if err != nil {
		if markErr := d.store.MarkWebhookFailed(ctx, wh.ID, err.Error(), backoff(d.cfg.Retry, wh.Attempts)); markErr != nil {
			log.Error().Err(markErr).Msg("notify: failed to record delivery failure")
		}
		exhausted := wh.Attempts+1 >= wh.MaxAttempts
		if exhausted {
			d.writeDLQ(ctx, wh, err)
		}
		if d.metrics != nil {
			d.metrics.ObserveWebhook(wh.EventType, "failed", time.Since(start), wh.Attempts+1, exhausted)
		}
		return
	}
	if err := d.store.MarkWebhookSuccess(ctx, wh.ID); err != nil {
		log.Error().Err(err).Msg("notify: failed to record delivery success")
	}
	if d.metrics != nil {
		d.metrics.ObserveWebhook(wh.EventType, "success", time.Since(start), wh.Attempts+1, false)
	}
}

func (d *Dispatcher) post(ctx context.Context, wh storage.PendingWebhook) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(wh.Payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: destination returned status %d", resp.StatusCode)
	}
	return nil
}

// backoff computes the next retry time from cfg's initial-interval/
// multiplier/max-interval schedule.
func backoff(cfg config.RetryConfig, attempts int) time.Time {
	initial := cfg.InitialInterval.Duration
	if initial <= 0 {
		initial = 5 * time.Second
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	maxInterval := cfg.MaxInterval.Duration
	if maxInterval <= 0 {
		maxInterval = 5 * time.Minute
	}

	delay := initial
	for i := 0; i < attempts; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay > maxInterval {
			delay = maxInterval
			break
		}
	}
	return time.Now().UTC().Add(delay)
}

// writeDLQ appends a permanently-failed webhook to the configured DLQ file,
// one JSON line per entry, for operator inspection once retries exhaust.
func (d *Dispatcher) writeDLQ(ctx context.Context, wh storage.PendingWebhook, cause error) {
	if !d.cfg.DLQEnabled || d.cfg.DLQPath == "" {
		return
	}
	f, err := os.OpenFile(d.cfg.DLQPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("notify: failed to open dlq file")
		return
	}
	defer f.Close()

	entry := struct {
		storage.PendingWebhook
		Cause string `json:"cause"`
	}{PendingWebhook: wh, Cause: cause.Error()}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("notify: failed to write dlq entry")
	}
}
