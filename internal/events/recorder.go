package events

import "sync"

// Recorder is an Emitter that keeps every event in memory. Tests and the
// foreground CLI copy use it to inspect a finished run.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends evt.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of the given type, in order.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
