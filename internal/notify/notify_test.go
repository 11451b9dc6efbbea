package notify_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNtfyNotification(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	n := notify.New(notify.Config{
		Enabled: true,
		NtfyURL: srv.URL + "/test-topic",
	}, discardLogger())

	n.Notify(notify.Notice{Room: "ABC123", Title: "Exam started", Message: "go"})

	if received == nil {
		t.Fatal("no POST received")
	}
	if received["title"] != "Exam started" {
		t.Errorf("unexpected title: %v", received["title"])
	}
}

func TestNotify_WebhookErrorLogged(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Invalid URL forces a POST error.
	n := notify.New(notify.Config{Enabled: true, Webhook: "http://127.0.0.1:1"}, logger)
	n.Notify(notify.Notice{Room: "ABC123", Title: "test"})

	if !strings.Contains(buf.String(), "webhook") {
		t.Errorf("expected warn log mentioning webhook, got: %q", buf.String())
	}
}

func TestBroadcast_ExamStartedPostsWebhook(t *testing.T) {
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	n := notify.New(notify.Config{Enabled: true, Webhook: srv.URL}, discardLogger())
	n.Broadcast(events.Event{Type: events.TypeRoomUpdated, Room: "ABC123"})
	n.Broadcast(events.Event{Type: events.TypeExamStarted, Room: "ABC123"})

	select {
	case body := <-got:
		if body["event"] != events.TypeExamStarted || body["room"] != "ABC123" {
			t.Errorf("webhook body: %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook for exam_started")
	}
	select {
	case body := <-got:
		t.Errorf("unexpected second webhook: %v", body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotify_DisabledNoOp(t *testing.T) {
	n := notify.New(notify.Config{Enabled: false}, discardLogger())
	// Must not panic.
	n.Notify(notify.Notice{Room: "ABC123"})
	n.Broadcast(events.Event{Type: events.TypeExamStarted})
}
