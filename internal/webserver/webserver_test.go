package webserver_test

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/room"
	"github.com/flowna/flowna-cli/internal/webserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(secret string, inRoom bool) *webserver.Server {
	return webserver.New(webserver.Config{Host: "127.0.0.1", Enabled: true, Secret: secret}, webserver.Sources{
		Room: func() (room.Snapshot, bool) {
			if !inRoom {
				return room.Snapshot{}, false
			}
			return room.Snapshot{Code: "ABC123", IsHost: true, Players: []room.Player{{Username: "alice", Host: true}}}, true
		},
		Connection: func() webserver.ConnectionStatus {
			return webserver.ConnectionStatus{State: "connected", Failures: 0}
		},
	}, discardLogger())
}

func TestRoomEndpoint(t *testing.T) {
	handler := newServer("", true).Handler()

	req := httptest.NewRequest("GET", "/api/room", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap room.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.Code != "ABC123" || !snap.IsHost || len(snap.Players) != 1 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestRoomEndpoint_NotInRoom(t *testing.T) {
	handler := newServer("", false).Handler()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/room", nil))
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestConnectionEndpoint(t *testing.T) {
	handler := newServer("", false).Handler()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/connection", nil))

	var st webserver.ConnectionStatus
	json.NewDecoder(w.Body).Decode(&st)
	if st.State != "connected" {
		t.Errorf("state: %+v", st)
	}
}

func TestIndexServed(t *testing.T) {
	handler := newServer("", false).Handler()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != 200 || !strings.Contains(w.Body.String(), "EventSource") {
		t.Errorf("index: %d", w.Code)
	}
}

func TestAuth_RequiresToken(t *testing.T) {
	handler := newServer("s3cret", true).Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/room", nil))
	if w.Code != 401 {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 204 {
		t.Errorf("healthz should be public, got %d", w.Code)
	}

	token, _ := webserver.IssueStatusToken("s3cret", "alice", time.Hour)
	req := httptest.NewRequest("GET", "/api/room", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("expected 200 with header token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/connection?token="+token, nil))
	if w.Code != 200 {
		t.Errorf("expected 200 with query token, got %d", w.Code)
	}
}

func TestSSE_InitialStateThenBroadcast(t *testing.T) {
	srv := newServer("", true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				lines <- data
			}
		}
	}()

	next := func() events.Event {
		t.Helper()
		select {
		case l := <-lines:
			var e events.Event
			if err := json.Unmarshal([]byte(l), &e); err != nil {
				t.Fatalf("bad event %q: %v", l, err)
			}
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return events.Event{}
	}

	if e := next(); e.Type != events.TypeConnectionState || e.State != "connected" {
		t.Errorf("initial event: %+v", e)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.Broadcast(events.Event{Type: events.TypeRoomUpdated, Room: "ABC123"})
	if e := next(); e.Type != events.TypeRoomUpdated || e.Room != "ABC123" {
		t.Errorf("broadcast event: %+v", e)
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	srv := webserver.New(webserver.Config{Enabled: false}, webserver.Sources{}, discardLogger())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	if srv.Addr() != "" {
		t.Errorf("disabled server bound %q", srv.Addr())
	}
}

func TestStart_BindsAndShutsDown(t *testing.T) {
	srv := webserver.New(webserver.Config{Enabled: true, Host: "127.0.0.1", Port: 0}, webserver.Sources{}, discardLogger())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/connection")
	if err != nil {
		t.Fatal(err)
	}
	var st webserver.ConnectionStatus
	json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.State != "disconnected" {
		t.Errorf("state without source: %+v", st)
	}
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
