package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"offload/internal/logging"
)

// Sink receives published events (for persistence, etc.).
type Sink interface {
	Append(Event)
}

// Hub stores recent events and wakes waiters when new events arrive.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Event
	nextSeq  uint64
	sinks    []Sink
	archive  *Archive
	logger   *slog.Logger
	now      func() time.Time
}

// NewHub constructs a bounded in-memory event buffer. Every published event
// is also logged at debug level through logger.
func NewHub(capacity int, logger *slog.Logger) *Hub {
	if capacity <= 0 {
		capacity = 512
	}
	h := &Hub{
		capacity: capacity,
		logger:   logging.NewComponentLogger(logger, "events"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// AddSink wires an additional sink that receives every published event.
func (h *Hub) AddSink(sink Sink) {
	if h == nil || sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// SetArchive registers the archive used both as a sink and as the fallback
// for readers that fall behind the in-memory buffer.
func (h *Hub) SetArchive(archive *Archive) {
	if h == nil || archive == nil {
		return
	}
	h.mu.Lock()
	h.archive = archive
	h.sinks = append(h.sinks, archive)
	h.mu.Unlock()
}

// Emit implements Emitter.
func (h *Hub) Emit(evt Event) {
	h.Publish(evt)
}

// Publish appends a new event to the hub and returns its sequence number.
func (h *Hub) Publish(evt Event) uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	h.nextSeq++
	evt.Sequence = h.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.now()
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, evt)
	sinks := append([]Sink(nil), h.sinks...)
	h.cond.Broadcast()
	h.mu.Unlock()

	for _, sink := range sinks {
		sink.Append(evt)
	}
	h.logger.Debug("event published",
		logging.String("type", string(evt.Type)),
		logging.Int64("seq", int64(evt.Sequence)),
		logging.String("message", evt.Message),
	)
	return evt.Sequence
}

// Fetch returns events with sequence greater than since. When wait is true,
// Fetch blocks until at least one event is available or the context ends.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		events, next := h.snapshotLocked(since, limit)
		if len(events) > 0 || !wait {
			return events, next, nil
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, h.nextSeq, err
		}
	}
}

// Read is Fetch with archive fallback: a reader whose cursor predates the
// in-memory buffer is served from the on-disk archive first.
func (h *Hub) Read(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	h.mu.Lock()
	archive := h.archive
	h.mu.Unlock()
	if archive != nil && since > 0 {
		if first := h.FirstSequence(); first > 0 && since+1 < first {
			archived, cursor, err := archive.ReadSince(since, limit)
			if err != nil {
				logging.WarnWithContext(h.logger, "event archive read failed; serving buffered events", "event_archive_read_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "older events skipped for this reader"),
				)
			} else if len(archived) > 0 {
				return archived, cursor, nil
			}
		}
	}
	return h.Fetch(ctx, since, limit, wait)
}

// Tail returns the most recent limit events without blocking.
func (h *Hub) Tail(limit int) ([]Event, uint64) {
	if h == nil {
		return nil, 0
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start := len(h.buffer) - limit
	if start < 0 {
		start = 0
	}
	return append([]Event(nil), h.buffer[start:]...), h.nextSeq
}

// FirstSequence reports the smallest sequence number still buffered.
func (h *Hub) FirstSequence() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == 0 {
		return h.nextSeq
	}
	return h.buffer[0].Sequence
}

// LastSequence reports the most recently assigned sequence number.
func (h *Hub) LastSequence() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

func (h *Hub) snapshotLocked(since uint64, limit int) ([]Event, uint64) {
	startIdx := -1
	for i, evt := range h.buffer {
		if evt.Sequence > since {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, h.nextSeq
	}
	end := startIdx + limit
	if end > len(h.buffer) {
		end = len(h.buffer)
	}
	out := append([]Event(nil), h.buffer[startIdx:end]...)
	return out, out[len(out)-1].Sequence
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
