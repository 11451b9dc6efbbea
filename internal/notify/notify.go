// Package notify alerts the user outside the terminal when an exam starts in
// their room.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/flowna/flowna-cli/internal/events"
)

// Config holds notification settings.
type Config struct {
	Enabled bool
	Desktop bool
	Webhook string
	NtfyURL string
}

// Notice is one alert.
type Notice struct {
	Room    string
	Title   string
	Message string
}

// Notifier fires desktop notifications and optional webhook and ntfy POSTs.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

var _ events.Broadcaster = (*Notifier)(nil)

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Broadcast turns exam_started events into notices. Delivery runs in the
// background so the event source is never held up.
func (n *Notifier) Broadcast(e events.Event) {
	if !n.cfg.Enabled || e.Type != events.TypeExamStarted {
		return
	}
	go n.Notify(Notice{
		Room:    e.Room,
		Title:   "Exam started",
		Message: fmt.Sprintf("The exam in room %s has started", e.Room),
	})
}

// Notify delivers a notice on every configured channel.
func (n *Notifier) Notify(nt Notice) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.Desktop {
		n.sendDesktop(nt)
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(nt)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(nt)
	}
}

func (n *Notifier) sendDesktop(nt Notice) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, nt.Message, "flowna: "+nt.Title)
		cmd = exec.Command("osascript", "-e", script)
	case "linux":
		cmd = exec.Command("notify-send", "flowna: "+nt.Title, nt.Message)
	default:
		return
	}
	if err := cmd.Run(); err != nil {
		n.logger.Debug("desktop notification failed", "err", err)
	}
}

type webhookPayload struct {
	Event     string `json:"event"`
	Room      string `json:"room"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(nt Notice) {
	n.post("webhook", n.cfg.Webhook, webhookPayload{
		Event:     events.TypeExamStarted,
		Room:      nt.Room,
		Message:   nt.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(nt Notice) {
	n.post("ntfy", n.cfg.NtfyURL, ntfyPayload{
		Title:    nt.Title,
		Message:  nt.Message,
		Priority: 4,
		Tags:     []string{"pencil2"},
	})
}

func (n *Notifier) post(channel, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn(channel+" notification failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn(channel+" notification rejected", "status", resp.StatusCode)
	}
}
