package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/flowna/flowna-cli/internal/api"
	"github.com/flowna/flowna-cli/internal/db"
	"github.com/flowna/flowna-cli/internal/room"
	"github.com/flowna/flowna-cli/internal/session"
	"github.com/flowna/flowna-cli/internal/subscription"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeBackend struct {
	mu       sync.Mutex
	created  []string
	joined   []string
	left     []string
	leaveErr error
	players  []room.Player

	examRunning bool
	examChecks  int
}

func (f *fakeBackend) CreateRoom(_ context.Context, name string) (api.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return api.Room{Code: "NEW001", Name: name}, nil
}

func (f *fakeBackend) JoinRoom(_ context.Context, code string) (api.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, code)
	return api.Room{Name: "joined " + code}, nil
}

func (f *fakeBackend) LeaveRoom(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, code)
	return f.leaveErr
}

func (f *fakeBackend) Members(context.Context, string) ([]room.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.players), nil
}

func (f *fakeBackend) ExamStatus(context.Context, string) (api.ExamStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.examChecks++
	return api.ExamStatus{Running: f.examRunning}, nil
}

func (f *fakeBackend) Messages(context.Context, string) ([]room.MessageRecord, error) { return nil, nil }
func (f *fakeBackend) Goals(context.Context, string) ([]room.Goal, error)             { return nil, nil }
func (f *fakeBackend) HoursGoal(context.Context, string) (float64, error)             { return 4, nil }
func (f *fakeBackend) ExternalLink(context.Context, string) (string, error)           { return "", nil }
func (f *fakeBackend) Lectures(context.Context, string) ([]room.Lecture, error)       { return nil, nil }
func (f *fakeBackend) Sessions(context.Context, string) ([]room.StudySession, error)  { return nil, nil }
func (f *fakeBackend) Stats(context.Context, string) (room.Stats, error)              { return room.Stats{}, nil }

func newManager(t *testing.T, backend *fakeBackend) (*session.Manager, *db.DB, *subscription.Registry) {
	t.Helper()
	store := newTestDB(t)
	reg := subscription.New(discardLogger())
	m := session.NewManager(session.Options{
		Backend:  backend,
		Store:    store,
		Registry: reg,
		Logger:   discardLogger(),
	})
	m.SetUsername("alice")
	t.Cleanup(m.Close)
	return m, store, reg
}

func TestGenerateRoomName(t *testing.T) {
	name := session.GenerateRoomName()
	if name == "" {
		t.Error("expected non-empty name")
	}
	parts := strings.Split(name, "-")
	if len(parts) < 2 {
		t.Errorf("expected adjective-noun, got %q", name)
	}
}

func TestCreate_EntersRoom(t *testing.T) {
	backend := &fakeBackend{players: []room.Player{{Username: "alice", Host: true}}}
	m, store, reg := newManager(t, backend)

	lobby, err := m.Create(t.Context(), "")
	if err != nil {
		t.Fatal(err)
	}
	lobby.Wait()

	if len(backend.created) != 1 || backend.created[0] == "" {
		t.Errorf("expected a generated name, got %v", backend.created)
	}
	if got := reg.DesiredTopics(); !slices.Equal(got, []string{room.Topic("NEW001")}) {
		t.Errorf("desired topics: %v", got)
	}
	ar, err := store.ActiveRoom()
	if err != nil || ar == nil {
		t.Fatalf("active room: %v %v", ar, err)
	}
	if ar.Code != "NEW001" || !ar.IsHost {
		t.Errorf("active room: %+v", ar)
	}

	snap, ok := m.Snapshot()
	if !ok {
		t.Fatal("expected to be in a room")
	}
	if !snap.IsHost || len(snap.Players) != 1 || snap.GoalHours != 4 {
		t.Errorf("snapshot after initial load: %+v", snap)
	}
}

func TestJoin_UsesRequestedCode(t *testing.T) {
	backend := &fakeBackend{}
	m, _, reg := newManager(t, backend)

	if _, err := m.Join(t.Context(), "ABC123"); err != nil {
		t.Fatal(err)
	}
	r, ok := m.Room()
	if !ok || r.Code != "ABC123" {
		t.Errorf("room: %+v %v", r, ok)
	}
	if got := reg.DesiredTopics(); !slices.Equal(got, []string{"/topic/rooms/ABC123"}) {
		t.Errorf("desired topics: %v", got)
	}
}

func TestEnter_ReplacesPreviousRoom(t *testing.T) {
	backend := &fakeBackend{players: []room.Player{{Username: "bob"}}}
	m, store, reg := newManager(t, backend)

	first, err := m.Join(t.Context(), "ROOM01")
	if err != nil {
		t.Fatal(err)
	}
	first.Wait()
	if _, err := m.Join(t.Context(), "ROOM02"); err != nil {
		t.Fatal(err)
	}

	if got := reg.DesiredTopics(); !slices.Equal(got, []string{room.Topic("ROOM02")}) {
		t.Errorf("desired topics: %v", got)
	}
	players, err := store.LoadPlayers("ROOM01")
	if err != nil {
		t.Fatal(err)
	}
	if len(players) != 1 || players[0].Username != "bob" {
		t.Errorf("players cached for the left room: %+v", players)
	}
}

func TestLeave(t *testing.T) {
	backend := &fakeBackend{}
	m, store, reg := newManager(t, backend)

	if _, err := m.Join(t.Context(), "ABC123"); err != nil {
		t.Fatal(err)
	}
	if err := m.Leave(t.Context()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(backend.left, []string{"ABC123"}) {
		t.Errorf("left: %v", backend.left)
	}
	if len(reg.DesiredTopics()) != 0 {
		t.Errorf("topics after leave: %v", reg.DesiredTopics())
	}
	if ar, _ := store.ActiveRoom(); ar != nil {
		t.Errorf("active room after leave: %+v", ar)
	}
	if m.Current() != nil {
		t.Error("expected no current lobby")
	}
	if err := m.Leave(t.Context()); !errors.Is(err, session.ErrNoRoom) {
		t.Errorf("second leave: %v", err)
	}
}

func TestLeave_BackendErrorStillDropsRoom(t *testing.T) {
	backend := &fakeBackend{leaveErr: errors.New("boom")}
	m, store, _ := newManager(t, backend)

	if _, err := m.Join(t.Context(), "ABC123"); err != nil {
		t.Fatal(err)
	}
	if err := m.Leave(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	if m.Current() != nil {
		t.Error("expected no current lobby")
	}
	if ar, _ := store.ActiveRoom(); ar != nil {
		t.Errorf("active room after failed leave: %+v", ar)
	}
}

func TestClose_KeepsActiveRoom(t *testing.T) {
	backend := &fakeBackend{}
	m, store, _ := newManager(t, backend)

	if _, err := m.Join(t.Context(), "ABC123"); err != nil {
		t.Fatal(err)
	}
	m.Close()

	if len(backend.left) != 0 {
		t.Errorf("close must not leave on the backend: %v", backend.left)
	}
	ar, _ := store.ActiveRoom()
	if ar == nil || ar.Code != "ABC123" {
		t.Fatalf("active room: %+v", ar)
	}

	lobby, err := m.Resume(*ar)
	if err != nil {
		t.Fatal(err)
	}
	if lobby.Code() != "ABC123" || len(backend.joined) != 1 {
		t.Errorf("resume: code %q joins %v", lobby.Code(), backend.joined)
	}
}

func TestJoin_RunningExamOpensExamView(t *testing.T) {
	backend := &fakeBackend{examRunning: true}
	reg := subscription.New(discardLogger())
	var exams []string
	m := session.NewManager(session.Options{
		Backend:  backend,
		Store:    newTestDB(t),
		Registry: reg,
		Logger:   discardLogger(),
		OnExam:   func(code string) { exams = append(exams, code) },
	})
	m.SetUsername("alice")
	t.Cleanup(m.Close)

	lobby, err := m.Join(t.Context(), "ABC123")
	if err != nil {
		t.Fatal(err)
	}
	lobby.Wait()

	if !slices.Equal(exams, []string{"ABC123"}) {
		t.Errorf("exam view opened for %v", exams)
	}
	if snap, _ := m.Snapshot(); !snap.ExamRunning {
		t.Error("exam flag not set")
	}
	if got := reg.DesiredTopics(); len(got) != 0 {
		t.Errorf("room topic kept during exam: %v", got)
	}

	// Closing the exam view rejoins the lobby without bouncing back.
	if _, err := m.Rejoin(); err != nil {
		t.Fatal(err)
	}
	if len(exams) != 1 || backend.examChecks != 1 {
		t.Errorf("rejoin rechecked the exam: exams=%v checks=%d", exams, backend.examChecks)
	}
	if got := reg.DesiredTopics(); !slices.Equal(got, []string{room.Topic("ABC123")}) {
		t.Errorf("desired topics after rejoin: %v", got)
	}
}

func TestJoin_NoExamStaysInLobby(t *testing.T) {
	backend := &fakeBackend{}
	m, _, reg := newManager(t, backend)

	if _, err := m.Join(t.Context(), "ABC123"); err != nil {
		t.Fatal(err)
	}
	if backend.examChecks != 1 {
		t.Errorf("exam checks: %d", backend.examChecks)
	}
	if snap, _ := m.Snapshot(); snap.ExamRunning {
		t.Error("exam flag set without a running exam")
	}
	if len(reg.DesiredTopics()) != 1 {
		t.Errorf("desired topics: %v", reg.DesiredTopics())
	}
}

func TestRejoin_WithoutRoom(t *testing.T) {
	m, _, _ := newManager(t, &fakeBackend{})
	if _, err := m.Rejoin(); !errors.Is(err, session.ErrNoRoom) {
		t.Errorf("expected ErrNoRoom, got %v", err)
	}
}
