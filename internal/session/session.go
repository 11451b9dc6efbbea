// Package session tracks the room the user is currently in: the lobby state,
// its topic subscription and its stats poller.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/flowna/flowna-cli/internal/api"
	"github.com/flowna/flowna-cli/internal/db"
	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/room"
	"github.com/flowna/flowna-cli/internal/statspoller"
	"github.com/flowna/flowna-cli/internal/subscription"
)

var adjectives = []string{
	"swift", "bright", "calm", "deep", "eager", "fair", "gentle", "happy",
	"keen", "quiet", "mild", "noble", "steady", "quick", "sharp", "focused",
}

var nouns = []string{
	"owl", "fox", "heron", "lynx", "otter", "raven", "wren", "badger",
	"library", "atlas", "quill", "lantern", "archive", "compass", "ledger", "prism",
}

// GenerateRoomName returns a random adjective-noun name for rooms created
// without one.
func GenerateRoomName() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s", adj, noun)
}

var ErrNoRoom = errors.New("not in a room")

const examCheckTimeout = 10 * time.Second

// Backend is the REST surface the session manager needs.
type Backend interface {
	room.RoomAPI
	CreateRoom(ctx context.Context, name string) (api.Room, error)
	JoinRoom(ctx context.Context, code string) (api.Room, error)
	LeaveRoom(ctx context.Context, code string) error
	ExamStatus(ctx context.Context, code string) (api.ExamStatus, error)
}

// Store persists the active room and per-room caches. *db.DB satisfies it.
type Store interface {
	room.GoalCache
	statspoller.Store
	SetActiveRoom(r db.ActiveRoom) error
	ClearActiveRoom() error
	SavePlayers(roomCode string, players []room.Player) error
}

type Options struct {
	Backend     Backend
	Store       Store
	Registry    *subscription.Registry
	Broadcaster events.Broadcaster
	Logger      *slog.Logger
	// StatsInterval is the stats poll period. Zero disables polling.
	StatsInterval time.Duration
	// OnExam is called when an exam starts in the current room.
	OnExam func(code string)
}

type active struct {
	info   api.Room
	lobby  *room.Lobby
	poller *statspoller.Poller
}

// Manager owns at most one joined room at a time.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	username string
	current  *active
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{opts: opts, logger: logger}
}

// SetUsername sets the identity used for host and typing checks in rooms
// entered afterwards.
func (m *Manager) SetUsername(username string) {
	m.mu.Lock()
	m.username = username
	m.mu.Unlock()
}

// Create creates a room and enters it. An empty name gets a generated one.
func (m *Manager) Create(ctx context.Context, name string) (*room.Lobby, error) {
	if name == "" {
		name = GenerateRoomName()
	}
	r, err := m.opts.Backend.CreateRoom(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	r.IsHost = true
	return m.Enter(r)
}

func (m *Manager) Join(ctx context.Context, code string) (*room.Lobby, error) {
	r, err := m.opts.Backend.JoinRoom(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", code, err)
	}
	if r.Code == "" {
		r.Code = code
	}
	return m.Enter(r)
}

// Resume re-enters a room recorded by an earlier run without calling the
// backend's join endpoint.
func (m *Manager) Resume(r db.ActiveRoom) (*room.Lobby, error) {
	return m.Enter(api.Room{Code: r.Code, Name: r.Name, IsHost: r.IsHost})
}

// Enter makes r the current room: it builds the lobby, subscribes to the
// room topic, starts the stats poller and loads the initial state. A room
// already entered is closed first. When an exam is already running the
// lobby hands over to the exam view as if EXAM_STARTED had arrived.
func (m *Manager) Enter(r api.Room) (*room.Lobby, error) {
	return m.enter(r, true)
}

// Rejoin enters the current room again after the exam view was closed. The
// exam status is not checked, so the user stays in the lobby.
func (m *Manager) Rejoin() (*room.Lobby, error) {
	r, ok := m.Room()
	if !ok {
		return nil, ErrNoRoom
	}
	return m.enter(r, false)
}

func (m *Manager) enter(r api.Room, checkExam bool) (*room.Lobby, error) {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	username := m.username
	m.mu.Unlock()
	if prev != nil {
		m.close(prev)
	}

	if err := m.opts.Store.SetActiveRoom(db.ActiveRoom{Code: r.Code, Name: r.Name, IsHost: r.IsHost}); err != nil {
		return nil, fmt.Errorf("save active room: %w", err)
	}

	topic := room.Topic(r.Code)
	lobby := room.NewLobby(r.Code, username, room.LobbyOptions{
		API:         m.opts.Backend,
		Broadcaster: m.opts.Broadcaster,
		Logger:      m.logger,
		OnExam:      m.opts.OnExam,
		LeaveScope:  func() { m.opts.Registry.Unsubscribe(topic) },
	})
	lobby.SetIsHost(r.IsHost)

	disp := room.NewDispatcher(r.Code, username, lobby, m.opts.Store, m.logger)
	m.opts.Registry.Subscribe(topic, disp.Handler())

	a := &active{info: r, lobby: lobby}
	if m.opts.StatsInterval > 0 {
		a.poller = statspoller.New(lobby, m.opts.Store, r.Code, m.opts.StatsInterval, nil, m.logger)
		a.poller.Start()
	}

	m.mu.Lock()
	m.current = a
	m.mu.Unlock()

	lobby.RefreshMembers()
	lobby.RefreshMessages()
	lobby.RefreshGoals()
	lobby.RefreshHoursGoal()
	lobby.RefreshExternalLink()
	lobby.RefreshLectures()
	lobby.RefreshSessions()
	lobby.RefreshStats()

	m.logger.Info("entered room", "room", r.Code, "host", r.IsHost)
	if checkExam {
		m.checkExam(lobby, r.Code)
	}
	return lobby, nil
}

// checkExam asks once whether an exam is running. Later changes arrive as
// room events.
func (m *Manager) checkExam(lobby *room.Lobby, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), examCheckTimeout)
	defer cancel()
	st, err := m.opts.Backend.ExamStatus(ctx, code)
	if errors.Is(err, api.ErrCredentialRefreshed) {
		st, err = m.opts.Backend.ExamStatus(ctx, code)
	}
	if err != nil {
		m.logger.Warn("exam status failed", "room", code, "err", err)
		return
	}
	if st.Running {
		lobby.SetExamRunning(true)
		lobby.EnterExam(code)
	}
}

// Leave tells the backend the user left, then drops all local room state.
// Local state is dropped even when the backend call fails.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	a := m.current
	m.current = nil
	m.mu.Unlock()
	if a == nil {
		return ErrNoRoom
	}

	err := m.opts.Backend.LeaveRoom(ctx, a.info.Code)
	m.close(a)
	if cerr := m.opts.Store.ClearActiveRoom(); cerr != nil {
		m.logger.Warn("clear active room failed", "err", cerr)
	}
	if err != nil {
		return fmt.Errorf("leave room %s: %w", a.info.Code, err)
	}
	m.logger.Info("left room", "room", a.info.Code)
	return nil
}

// Close releases the current room locally without leaving it on the backend,
// so the next run can resume it.
func (m *Manager) Close() {
	m.mu.Lock()
	a := m.current
	m.current = nil
	m.mu.Unlock()
	if a != nil {
		m.close(a)
	}
}

func (m *Manager) close(a *active) {
	m.opts.Registry.Unsubscribe(room.Topic(a.info.Code))
	if a.poller != nil {
		a.poller.Stop()
	}
	a.lobby.Close()
	snap := a.lobby.Snapshot()
	if len(snap.Players) > 0 {
		if err := m.opts.Store.SavePlayers(a.info.Code, snap.Players); err != nil {
			m.logger.Warn("save players failed", "room", a.info.Code, "err", err)
		}
	}
}

// Current returns the lobby of the current room, or nil.
func (m *Manager) Current() *room.Lobby {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.lobby
}

// Room returns the REST view of the current room.
func (m *Manager) Room() (api.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return api.Room{}, false
	}
	return m.current.info, true
}

// Snapshot returns the current lobby state. It reports false outside a room.
func (m *Manager) Snapshot() (room.Snapshot, bool) {
	l := m.Current()
	if l == nil {
		return room.Snapshot{}, false
	}
	return l.Snapshot(), true
}
