// Package webhooks delivers escrow lifecycle notifications to external
// services. Users register URLs with an event filter and a signing
// secret; deliveries are signed with HMAC-SHA256 and retried with
// exponential backoff.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrSubscriptionNotFound is returned for unknown subscription ids.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

const (
	maxAttempts    = 5
	deliveryWindow = 5 * time.Second
)

// Delivery is the JSON envelope POSTed to subscriber endpoints.
type Delivery struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Subscription registers a URL for a set of escrow events. An empty
// Events filter receives everything.
type Subscription struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId"`
	URL          string     `json:"url"`
	Secret       string     `json:"-"` // HMAC signing key, never serialized
	Events       []string   `json:"events"`
	Active       bool       `json:"active"`
	FailureCount int        `json:"failureCount"`
	LastSuccess  *time.Time `json:"lastSuccess,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Wants reports whether the subscription's filter matches the event.
func (s *Subscription) Wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher fans an event out to every matching subscription. Each
// delivery runs in its own goroutine with an internal retry loop, so one
// slow endpoint never delays another and callers never block.
type Dispatcher struct {
	store   Store
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration // doubled per attempt; overridable in tests
	wg      sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: deliveryWindow},
		logger:  logger,
		backoff: 1 * time.Second,
	}
}

// WithBackoff overrides the base retry delay. Test hook.
func (d *Dispatcher) WithBackoff(base time.Duration) *Dispatcher {
	d.backoff = base
	return d
}

// Send delivers the event to every active matching subscription.
func (d *Dispatcher) Send(ctx context.Context, event string, data map[string]any) error {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	payload, err := json.Marshal(Delivery{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(sub, event, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used in tests and
// on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver POSTs the payload with up to maxAttempts tries, doubling the
// backoff each time. Attempt n sleeps 2^n times the base before the
// next try.
func (d *Dispatcher) deliver(sub *Subscription, event string, payload []byte) {
	var lastErr string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := d.post(sub, event, payload)
		if err == nil {
			deliveriesTotal.WithLabelValues("success").Inc()
			d.recordSuccess(sub)
			return
		}
		lastErr = err.Error()
		deliveryRetriesTotal.Inc()
		if attempt < maxAttempts {
			time.Sleep(d.backoff * (1 << attempt))
		}
	}

	deliveriesTotal.WithLabelValues("failed").Inc()
	d.recordFailure(sub, lastErr)
	d.logger.Warn("webhook delivery failed",
		"subscriptionId", sub.ID, "url", sub.URL, "event", event, "error", lastErr)
}

func (d *Dispatcher) post(sub *Subscription, event string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryWindow)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vaultix-Event", event)
	if sub.Secret != "" {
		req.Header.Set("X-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) recordSuccess(sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryWindow)
	defer cancel()

	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.FailureCount = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "subscriptionId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(sub *Subscription, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryWindow)
	defer cancel()

	sub.LastError = errMsg
	sub.FailureCount++
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "subscriptionId", sub.ID, "error", err)
	}
}

// Sign computes the hex HMAC-SHA256 of the payload under the secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a received signature in constant time. Subscribers use
// this to authenticate deliveries.
func Verify(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
