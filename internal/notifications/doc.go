// Package notifications pushes card and copy milestones to ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// callers never branch on whether notifications are enabled. Forwarder
// adapts the service to an events.Sink: it translates hub events into
// notifications and delivers them off the publishing goroutine.
package notifications
