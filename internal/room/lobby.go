package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/timer"
)

// RoomAPI is the slice of the REST client the lobby refetches through.
type RoomAPI interface {
	Members(ctx context.Context, code string) ([]Player, error)
	Messages(ctx context.Context, code string) ([]MessageRecord, error)
	Goals(ctx context.Context, code string) ([]Goal, error)
	HoursGoal(ctx context.Context, code string) (float64, error)
	ExternalLink(ctx context.Context, code string) (string, error)
	Lectures(ctx context.Context, code string) ([]Lecture, error)
	Sessions(ctx context.Context, code string) ([]StudySession, error)
	Stats(ctx context.Context, code string) (Stats, error)
}

var ErrOffline = errors.New("room: no backend configured")

type offline struct{}

func (offline) Members(context.Context, string) ([]Player, error)         { return nil, ErrOffline }
func (offline) Messages(context.Context, string) ([]MessageRecord, error) { return nil, ErrOffline }
func (offline) Goals(context.Context, string) ([]Goal, error)             { return nil, ErrOffline }
func (offline) HoursGoal(context.Context, string) (float64, error)        { return 0, ErrOffline }
func (offline) ExternalLink(context.Context, string) (string, error)      { return "", ErrOffline }
func (offline) Lectures(context.Context, string) ([]Lecture, error)       { return nil, ErrOffline }
func (offline) Sessions(context.Context, string) ([]StudySession, error)  { return nil, ErrOffline }
func (offline) Stats(context.Context, string) (Stats, error)              { return Stats{}, ErrOffline }

// Snapshot is a copy of the lobby state safe to hand to other goroutines.
type Snapshot struct {
	Code         string         `json:"code"`
	Username     string         `json:"username"`
	Loaded       bool           `json:"loaded"`
	IsHost       bool           `json:"isHost"`
	Players      []Player       `json:"players"`
	GoalHours    float64        `json:"goalHours"`
	ExternalLink string         `json:"externalLink,omitempty"`
	Messages     []ChatMessage  `json:"messages"`
	Unread       bool           `json:"unread"`
	Typing       []string       `json:"typing"`
	Lectures     []Lecture      `json:"lectures"`
	Sessions     []StudySession `json:"sessions"`
	Goals        []Goal         `json:"goals"`
	StudyTime    StudyTime      `json:"studyTime"`
	Stats        Stats          `json:"stats"`
	ExamRunning  bool           `json:"examRunning"`
	Timer        timer.Status   `json:"timer"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// LobbyOptions carries the lobby's collaborators. All fields are optional;
// without an API every refetch fails with ErrOffline.
type LobbyOptions struct {
	API         RoomAPI
	Broadcaster events.Broadcaster
	Logger      *slog.Logger
	// OnExam is called after the room's messaging scope was left because an
	// exam started.
	OnExam func(code string)
	// LeaveScope releases the room topic subscription.
	LeaveScope func()
	// RequestTimeout bounds each refetch. Zero means 10s.
	RequestTimeout time.Duration
}

// Lobby holds the state of one joined room. It implements Sink.
type Lobby struct {
	code     string
	username string
	opts     LobbyOptions
	logger   *slog.Logger
	clock    *timer.Countdown

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	snap        Snapshot
	typing      map[string]bool
	chatVisible bool
	lastSeen    int
	gen         map[string]uint64
}

var _ Sink = (*Lobby)(nil)

func NewLobby(code, username string, opts LobbyOptions) *Lobby {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.API == nil {
		opts.API = offline{}
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lobby{
		code:     code,
		username: username,
		opts:     opts,
		logger:   logger.With("room", code),
		clock:    timer.New(),
		ctx:      ctx,
		cancel:   cancel,
		snap:     Snapshot{Code: code, Username: username},
		typing:   make(map[string]bool),
		gen:      make(map[string]uint64),
	}
}

// Close cancels in-flight refetches and waits for them to return.
func (l *Lobby) Close() {
	l.cancel()
	l.wg.Wait()
}

// Wait blocks until every refetch started so far has finished.
func (l *Lobby) Wait() { l.wg.Wait() }

func (l *Lobby) Code() string { return l.code }

func (l *Lobby) Snapshot() Snapshot {
	l.mu.Lock()
	s := l.snap
	s.Players = slices.Clone(s.Players)
	s.Messages = slices.Clone(s.Messages)
	s.Lectures = slices.Clone(s.Lectures)
	s.Sessions = slices.Clone(s.Sessions)
	s.Goals = slices.Clone(s.Goals)
	s.Typing = sortedKeys(l.typing)
	l.mu.Unlock()
	s.Timer = l.clock.Status()
	return s
}

// update runs fn under the lock and announces the change.
func (l *Lobby) update(fn func(s *Snapshot)) {
	l.mu.Lock()
	fn(&l.snap)
	l.snap.UpdatedAt = time.Now()
	l.mu.Unlock()
	l.changed()
}

func (l *Lobby) changed() {
	if l.opts.Broadcaster != nil {
		l.opts.Broadcaster.Broadcast(events.Event{Type: events.TypeRoomUpdated, Room: l.code})
	}
}

// supersede makes any refetch of name still in flight discard its result.
// Pushed state is newer than a response requested before it. Callers hold
// l.mu.
func (l *Lobby) supersede(name string) {
	l.gen[name]++
}

func (l *Lobby) SetPlayers(players []Player) {
	l.update(func(s *Snapshot) {
		l.supersede("members")
		s.Players = players
	})
}

func (l *Lobby) SetIsHost(host bool) {
	l.update(func(s *Snapshot) {
		l.supersede("members")
		s.IsHost = host
	})
}

func (l *Lobby) SetRoomLoaded() {
	l.update(func(s *Snapshot) { s.Loaded = true })
}

func (l *Lobby) SetGoalHours(hours float64) {
	l.update(func(s *Snapshot) {
		l.supersede("hours")
		s.GoalHours = hours
	})
}

func (l *Lobby) SetExternalLink(link string) {
	l.update(func(s *Snapshot) {
		l.supersede("link")
		s.ExternalLink = link
	})
}

func (l *Lobby) SetMessages(msgs []ChatMessage) {
	l.update(func(s *Snapshot) {
		l.supersede("messages")
		s.Messages = msgs
		if l.chatVisible {
			l.lastSeen = len(msgs)
		}
	})
}

func (l *Lobby) SetUnread(unread bool) {
	l.update(func(s *Snapshot) { s.Unread = unread })
}

func (l *Lobby) ChatVisible() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chatVisible
}

func (l *Lobby) LastSeenMessageCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

// SetChatVisible records whether the chat pane is on screen. Opening it marks
// every message seen.
func (l *Lobby) SetChatVisible(visible bool) {
	l.update(func(s *Snapshot) {
		l.chatVisible = visible
		if visible {
			l.lastSeen = len(s.Messages)
			s.Unread = false
		}
	})
}

func (l *Lobby) SetLectures(lectures []Lecture) {
	l.update(func(s *Snapshot) {
		l.supersede("lectures")
		s.Lectures = lectures
	})
}

func (l *Lobby) SetSessions(sessions []StudySession) {
	l.update(func(s *Snapshot) {
		l.supersede("sessions")
		s.Sessions = sessions
	})
}

func (l *Lobby) SetTyping(username string, typing bool) {
	l.update(func(*Snapshot) {
		if typing {
			l.typing[username] = true
		} else {
			delete(l.typing, username)
		}
	})
}

// SetStudyTime applies a pushed study time. Stats responses requested
// before it keep their counters but not their study time.
func (l *Lobby) SetStudyTime(t StudyTime) {
	l.update(func(s *Snapshot) {
		l.supersede("studytime")
		s.StudyTime = t
	})
}

// Stats fetches the room's stats and applies them before returning, so the
// lobby can serve as a stats poller's source. code is the lobby's room.
func (l *Lobby) Stats(ctx context.Context, code string) (Stats, error) {
	l.mu.Lock()
	l.gen["stats"]++
	gen, seen := l.gen["stats"], l.gen["studytime"]
	l.mu.Unlock()

	st, err := l.opts.API.Stats(ctx, code)
	if retryable(err) {
		st, err = l.opts.API.Stats(ctx, code)
	}
	if err != nil {
		return Stats{}, err
	}

	l.mu.Lock()
	fresh := l.gen["stats"] == gen
	if fresh {
		l.applyStats(&l.snap, st, seen)
		l.snap.UpdatedAt = time.Now()
	}
	l.mu.Unlock()
	if fresh {
		l.changed()
	}
	return st, nil
}

// applyStats stores st, keeping the study time when one was pushed after
// generation seen. Callers hold l.mu.
func (l *Lobby) applyStats(s *Snapshot, st Stats, seen uint64) {
	s.Stats = st
	if l.gen["studytime"] == seen {
		s.StudyTime = st.StudyTime
	}
}

func (l *Lobby) SetExamRunning(running bool) {
	l.update(func(s *Snapshot) { s.ExamRunning = running })
}

func (l *Lobby) StartTimer(payload json.RawMessage) {
	if err := l.clock.Start(payload); err != nil {
		l.logger.Warn("start timer", "err", err)
		return
	}
	l.changed()
}

func (l *Lobby) StopTimer(payload json.RawMessage) {
	if err := l.clock.Stop(payload); err != nil {
		l.logger.Warn("stop timer", "err", err)
		return
	}
	l.changed()
}

// EnterExam leaves the room topic and hands over to the exam view.
func (l *Lobby) EnterExam(code string) {
	if l.opts.LeaveScope != nil {
		l.opts.LeaveScope()
	}
	if l.opts.Broadcaster != nil {
		l.opts.Broadcaster.Broadcast(events.Event{Type: events.TypeExamStarted, Room: code})
	}
	if l.opts.OnExam != nil {
		l.opts.OnExam(code)
	}
}

func (l *Lobby) RefreshMembers() {
	refresh(l, "members", l.opts.API.Members, func(s *Snapshot, players []Player) {
		s.Players = players
		s.IsHost = isHost(players, l.username)
		s.Loaded = true
	})
}

func (l *Lobby) RefreshMessages() {
	refresh(l, "messages", l.opts.API.Messages, func(s *Snapshot, raw []MessageRecord) {
		s.Messages = NormalizeMessages(raw)
		if l.chatVisible {
			l.lastSeen = len(s.Messages)
		}
	})
}

func (l *Lobby) RefreshGoals() {
	refresh(l, "goals", l.opts.API.Goals, func(s *Snapshot, goals []Goal) { s.Goals = goals })
}

func (l *Lobby) RefreshHoursGoal() {
	refresh(l, "hours", l.opts.API.HoursGoal, func(s *Snapshot, h float64) { s.GoalHours = h })
}

func (l *Lobby) RefreshExternalLink() {
	refresh(l, "link", l.opts.API.ExternalLink, func(s *Snapshot, link string) { s.ExternalLink = link })
}

func (l *Lobby) RefreshLectures() {
	refresh(l, "lectures", l.opts.API.Lectures, func(s *Snapshot, v []Lecture) { s.Lectures = v })
}

func (l *Lobby) RefreshSessions() {
	refresh(l, "sessions", l.opts.API.Sessions, func(s *Snapshot, v []StudySession) { s.Sessions = v })
}

func (l *Lobby) RefreshStats() {
	l.mu.Lock()
	seen := l.gen["studytime"]
	l.mu.Unlock()
	refresh(l, "stats", l.opts.API.Stats, func(s *Snapshot, st Stats) {
		l.applyStats(s, st, seen)
	})
}

// refresh fetches one resource in the background. Only the newest request per
// resource may apply its result; older responses, and responses overtaken by
// a pushed update of the same resource, are discarded.
func refresh[T any](l *Lobby, name string, get func(context.Context, string) (T, error), apply func(*Snapshot, T)) {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.gen[name]++
	gen := l.gen[name]
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, l.opts.RequestTimeout)
		defer cancel()
		v, err := get(ctx, l.code)
		if retryable(err) {
			v, err = get(ctx, l.code)
		}
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("refresh failed", "resource", name, "err", err)
			}
			return
		}
		l.mu.Lock()
		if l.gen[name] != gen {
			l.mu.Unlock()
			l.logger.Debug("discarding stale response", "resource", name)
			return
		}
		apply(&l.snap, v)
		l.snap.UpdatedAt = time.Now()
		l.mu.Unlock()
		l.changed()
	}()
}

// retryable reports whether err asks for the request to be repeated, as
// after a credential refresh.
func retryable(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
