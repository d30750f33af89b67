package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"offload/internal/config"
	"offload/internal/events"
	"offload/internal/logging"
)

const forwarderQueue = 32

type queued struct {
	event   Event
	payload Payload
}

// Forwarder turns hub events into notifications. It implements events.Sink.
type Forwarder struct {
	svc     Service
	opts    config.Notifications
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

// NewForwarder starts a delivery goroutine; Close stops it.
func NewForwarder(svc Service, opts config.Notifications, logger *slog.Logger) *Forwarder {
	f := &Forwarder{
		svc:     svc,
		opts:    opts,
		timeout: time.Duration(opts.RequestTimeoutSeconds) * time.Second,
		logger:  logging.NewComponentLogger(logger, "notifications"),
		queue:   make(chan queued, forwarderQueue),
		done:    make(chan struct{}),
	}
	if f.timeout <= 0 {
		f.timeout = 10 * time.Second
	}
	go f.loop()
	return f
}

// Append implements events.Sink. It never blocks; a full queue drops the
// notification.
func (f *Forwarder) Append(evt events.Event) {
	item, ok := f.translate(evt)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- item:
	default:
		logging.WarnWithContext(f.logger, "notification queue full; dropping", "notify_dropped",
			logging.String("event", string(item.event)),
			logging.String(logging.FieldImpact, "push notification not sent"),
		)
	}
}

func (f *Forwarder) translate(evt events.Event) (queued, bool) {
	switch evt.Type {
	case events.TypeCardDetected:
		if !f.opts.CardDetected {
			return queued{}, false
		}
		return queued{event: EventCardDetected, payload: Payload{
			"name":            evt.Name,
			"path":            evt.Path,
			"lastDestination": evt.LastDestination,
		}}, true
	case events.TypeFinished:
		if !f.opts.SessionFinished {
			return queued{}, false
		}
		return queued{event: EventSessionFinished, payload: Payload{
			"status":      evt.Status,
			"copied":      evt.Copied,
			"failed":      evt.Failed,
			"destination": evt.Destination,
		}}, true
	default:
		return queued{}, false
	}
}

func (f *Forwarder) loop() {
	defer close(f.done)
	for item := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := f.svc.Publish(ctx, item.event, item.payload)
		cancel()
		if err != nil {
			logging.WarnWithContext(f.logger, "notification delivery failed", "notify_failed",
				logging.String("event", string(item.event)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
				logging.String(logging.FieldImpact, "push notification not sent"),
			)
		}
	}
}

// Close stops accepting events and waits for queued deliveries.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	<-f.done
	return nil
}
