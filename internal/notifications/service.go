package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"comfyrun/internal/config"
)

const userAgent = "comfyrun/0.1.0"

// Event names a notification kind.
type Event string

const (
	EventRunStarted   Event = "run_started"
	EventRunCompleted Event = "run_completed"
	EventJobFailed    Event = "job_failed"
	EventError        Event = "error"
	EventTest         Event = "test"
)

// Payload carries event-specific values.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is
// configured.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		runEvents:   cfg.Notifications.RunEvents,
		jobFailures: cfg.Notifications.JobFailures,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	runEvents   bool
	jobFailures bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventRunStarted:
		if !n.runEvents {
			return message{}, false
		}
		return message{
			title: "comfyrun - Run Started",
			body:  fmt.Sprintf("Run %s started with %d jobs", payload.str("runId"), payload.num("jobs")),
			tags:  []string{"comfyrun", "run", "started"},
		}, true
	case EventRunCompleted:
		if !n.runEvents {
			return message{}, false
		}
		clean, below, failed := payload.num("clean"), payload.num("belowFloor"), payload.num("failed")
		title := "comfyrun - Run Complete"
		priority := ""
		if failed > 0 || below > 0 {
			title = "comfyrun - Run Complete (with problems)"
			priority = "high"
		}
		body := fmt.Sprintf("Run %s finished in %s: %d clean, %d below floor, %d failed",
			payload.str("runId"), formatDuration(payload["duration"]), clean, below, failed)
		return message{title: title, body: body, tags: []string{"comfyrun", "run", "completed"}, priority: priority}, true
	case EventJobFailed:
		if !n.jobFailures {
			return message{}, false
		}
		body := fmt.Sprintf("Job %s failed after %d attempts (%s, %d frames)",
			payload.str("jobId"), payload.num("attempts"), payload.str("exitReason"), payload.num("frames"))
		return message{
			title:    "comfyrun - Job Failed",
			body:     body,
			tags:     []string{"comfyrun", "job", "failed"},
			priority: "high",
		}, true
	case EventError:
		var b strings.Builder
		b.WriteString("Error")
		if label := strings.TrimSpace(payload.str("context")); label != "" {
			b.WriteString(" during ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		if text := strings.TrimSpace(payload.str("error")); text != "" {
			b.WriteString(text)
		} else {
			b.WriteString("unknown")
		}
		return message{
			title:    "comfyrun - Error",
			body:     b.String(),
			tags:     []string{"comfyrun", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "comfyrun - Test",
			body:     "Notification system test",
			tags:     []string{"comfyrun", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
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

func (p Payload) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) num(key string) int {
	switch v := p[key].(type) {
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

func formatDuration(value any) string {
	d, ok := value.(time.Duration)
	if !ok || d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	if d == 0 {
		return "0s"
	}
	return d.String()
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
