package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offload/internal/config"
)

const userAgent = "Offload-Go/0.1.0"

// Event names a notification kind.
type Event string

const (
	EventCardDetected    Event = "card_detected"
	EventSessionFinished Event = "session_finished"
	EventTest            Event = "test"
)

// Payload carries event details keyed by field name.
type Payload map[string]any

// Service delivers notifications.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := cfg.NotifyTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	msg, ok := render(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func render(event Event, data Payload) (payload, bool) {
	switch event {
	case EventCardDetected:
		name := text(data, "name")
		message := fmt.Sprintf("💾 Card detected: %s", name)
		if path := text(data, "path"); path != "" {
			message = fmt.Sprintf("%s (%s)", message, path)
		}
		if last := text(data, "lastDestination"); last != "" {
			message = fmt.Sprintf("%s\nLast copy: %s", message, last)
		}
		return payload{
			title:   "Offload - Card Detected",
			message: message,
			tags:    []string{"offload", "card", "detected"},
		}, true
	case EventSessionFinished:
		return renderFinished(data), true
	case EventTest:
		return payload{
			title:    "Offload - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"offload", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func renderFinished(data Payload) payload {
	status := text(data, "status")
	copied := number(data, "copied")
	failed := number(data, "failed")
	destination := text(data, "destination")

	message := fmt.Sprintf("%s: %d copied", status, copied)
	if failed > 0 {
		message = fmt.Sprintf("%s, %d failed", message, failed)
	}
	if destination != "" {
		message = fmt.Sprintf("%s\nDestination: %s", message, destination)
	}

	switch {
	case strings.HasPrefix(status, "Completed"):
		return payload{
			title:   "Offload - Copy Complete",
			message: "✅ " + message,
			tags:    []string{"offload", "copy", "completed"},
		}
	case status == "Canceled":
		return payload{
			title:   "Offload - Copy Canceled",
			message: message,
			tags:    []string{"offload", "copy", "canceled"},
		}
	default:
		return payload{
			title:    "Offload - Copy Failed",
			message:  "❌ " + message,
			tags:     []string{"offload", "copy", "alert"},
			priority: "high",
		}
	}
}

func text(data Payload, key string) string {
	value, ok := data[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func number(data Payload, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
