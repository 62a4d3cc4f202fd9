// Package notify delivers the scheduler's notification decisions. Delivery
// is best effort: a failing sink is logged and counted, never retried.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/cordell/internal/bus"
	"github.com/basket/cordell/internal/cron"
	"github.com/basket/cordell/internal/persistence"
	"github.com/basket/cordell/internal/telemetry"
)

const defaultDeliverTimeout = 15 * time.Second

// Sink is one destination for notifications.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n cron.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, n cron.Notification) error
}

func (s SinkFunc) Name() string { return s.ID }

func (s SinkFunc) Deliver(ctx context.Context, n cron.Notification) error { return s.Fn(ctx, n) }

type Config struct {
	Sinks   []Sink
	Bus     *bus.Bus
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	// Timeout bounds each sink delivery; defaults to 15 seconds.
	Timeout time.Duration
}

// Dispatcher fans notifications out to every sink in order.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDeliverTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, logger: logger.With("component", "notify")}
}

// Run delivers every notification read from in until it is closed. Sinks
// get a context detached from ctx's cancellation so notifications queued
// at shutdown still reach the inbox.
func (d *Dispatcher) Run(ctx context.Context, in <-chan cron.Notification) {
	for n := range in {
		d.Dispatch(context.WithoutCancel(ctx), n)
	}
}

// Dispatch hands one notification to every sink.
func (d *Dispatcher) Dispatch(ctx context.Context, n cron.Notification) {
	d.cfg.Bus.Publish(bus.TopicNotification, n)
	for _, sink := range d.cfg.Sinks {
		dctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := sink.Deliver(dctx, n)
		cancel()
		d.cfg.Metrics.ObserveNotification(sink.Name(), err)
		if err != nil {
			d.logger.Warn("notification delivery failed",
				"sink", sink.Name(), "notification_id", n.ID, "job", n.Job, "error", err)
			continue
		}
		d.logger.Debug("notification delivered", "sink", sink.Name(), "notification_id", n.ID, "job", n.Job)
	}
}

// InboxSink stores notifications in the local inbox.
type InboxSink struct {
	Store *persistence.Store
}

func (InboxSink) Name() string { return "inbox" }

func (s InboxSink) Deliver(ctx context.Context, n cron.Notification) error {
	return s.Store.InsertNotification(ctx, persistence.Notification{
		ID:        n.ID,
		Job:       n.Job,
		Session:   n.Session,
		Status:    string(n.Status),
		Response:  n.Response,
		Error:     n.Error,
		CreatedAt: n.Timestamp,
	})
}
