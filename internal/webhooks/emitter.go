package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery outcomes.",
	}, []string{"outcome"})

	deliveryRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultix",
		Subsystem: "webhook",
		Name:      "delivery_retries_total",
		Help:      "Total failed webhook delivery attempts (including retried ones).",
	})
)

func init() {
	prometheus.MustRegister(emitTotal, deliveriesTotal, deliveryRetriesTotal)
}

// Emitter adapts the dispatcher to the fire-and-forget shape the escrow
// workflow expects. Errors are logged but never returned to the caller.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Dispatch fans the event out to subscribers without blocking the caller.
func (e *Emitter) Dispatch(event string, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(event).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.d.Send(ctx, event, data); err != nil {
		e.logger.Warn("webhook emit failed", "event", event, "error", err)
	}
}
