package room

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/flowna/flowna-cli/internal/stomp"
)

// StateSink owns the lobby's UI state slices.
type StateSink interface {
	SetPlayers(players []Player)
	SetIsHost(host bool)
	SetRoomLoaded()
	SetGoalHours(hours float64)
	SetExternalLink(link string)
	SetMessages(msgs []ChatMessage)
	SetUnread(unread bool)
	ChatVisible() bool
	LastSeenMessageCount() int
	SetLectures(lectures []Lecture)
	SetSessions(sessions []StudySession)
	SetTyping(username string, typing bool)
	SetStudyTime(t StudyTime)
	SetExamRunning(running bool)
}

// Fetcher re-reads server state the event only announced.
type Fetcher interface {
	RefreshMembers()
	RefreshMessages()
	RefreshGoals()
	RefreshHoursGoal()
	RefreshExternalLink()
	RefreshLectures()
	RefreshSessions()
	RefreshStats()
}

// TimerControl receives the raw timer payloads.
type TimerControl interface {
	StartTimer(payload json.RawMessage)
	StopTimer(payload json.RawMessage)
}

// Navigator leaves the room's messaging scope and opens the exam view.
type Navigator interface {
	EnterExam(roomCode string)
}

// Sink is everything the dispatcher drives.
type Sink interface {
	StateSink
	Fetcher
	TimerControl
	Navigator
}

// GoalCache persists the per-room hours goal locally.
type GoalCache interface {
	SaveGoalHours(roomCode string, hours float64) error
}

var ErrMalformedEvent = errors.New("malformed room event")

// Dispatcher turns room events into sink updates for one room and one user.
type Dispatcher struct {
	roomCode string
	username string
	sink     Sink
	cache    GoalCache
	logger   *slog.Logger
}

func NewDispatcher(roomCode, username string, sink Sink, cache GoalCache, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		roomCode: roomCode,
		username: username,
		sink:     sink,
		cache:    cache,
		logger:   logger.With("room", roomCode),
	}
}

// HandleFrame is a stomp.Handler for the room topic. Errors are logged and
// the frame is dropped.
func (d *Dispatcher) HandleFrame(f *stomp.Frame) {
	if err := d.Dispatch(f.Body); err != nil {
		d.logger.Warn("dropping room event", "err", err)
	}
}

// Handler returns HandleFrame as a stomp.Handler.
func (d *Dispatcher) Handler() stomp.Handler { return d.HandleFrame }

// Dispatch decodes one envelope and applies it. The payload is decoded in full
// before the sink is touched, so a malformed event changes nothing.
// Unrecognised event types are ignored.
func (d *Dispatcher) Dispatch(body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrMalformedEvent, err)
	}
	apply, err := d.plan(ev)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, ev.EventType, err)
	}
	if apply == nil {
		d.logger.Debug("ignoring room event", "type", ev.EventType)
		return nil
	}
	apply()
	return nil
}

// plan decodes the payload for ev and returns the updates to run.
func (d *Dispatcher) plan(ev Event) (func(), error) {
	payload := ev.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}
	s := d.sink

	switch ev.EventType {
	case EventMembersList:
		var players []Player
		if err := json.Unmarshal(payload, &players); err != nil {
			return nil, err
		}
		return func() {
			s.RefreshMessages()
			s.RefreshGoals()
			s.RefreshHoursGoal()
			s.RefreshExternalLink()
			s.RefreshLectures()
			s.RefreshSessions()
			s.RefreshStats()
			s.SetPlayers(players)
			s.SetIsHost(isHost(players, d.username))
			s.SetRoomLoaded()
		}, nil

	case EventSetHoursGoal:
		if bytes.Equal(payload, []byte("null")) {
			return nil, errors.New("missing hours goal")
		}
		hours, err := DecodeHours(payload)
		if err != nil {
			return nil, err
		}
		return func() {
			s.SetGoalHours(hours)
			if d.cache != nil {
				if err := d.cache.SaveGoalHours(d.roomCode, hours); err != nil {
					d.logger.Warn("cache hours goal", "err", err)
				}
			}
		}, nil

	case EventExamStarted:
		return func() {
			s.SetExamRunning(true)
			s.EnterExam(d.roomCode)
		}, nil

	case EventExamNotGoing:
		return func() { s.SetExamRunning(false) }, nil

	case EventSetDiscordLink:
		link, err := decodeLink(payload)
		if err != nil {
			return nil, err
		}
		return func() { s.SetExternalLink(link) }, nil

	case EventPlayerReady, EventUserLeft, EventUserJoined:
		return s.RefreshMembers, nil

	case EventRoomSessions:
		return s.RefreshGoals, nil

	case EventSendMessage, EventGetAllMessages:
		var raw []MessageRecord
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, err
		}
		msgs := NormalizeMessages(raw)
		isSend := ev.EventType == EventSendMessage
		return func() {
			s.SetMessages(msgs)
			if isSend && !s.ChatVisible() && len(msgs) > s.LastSeenMessageCount() {
				s.SetUnread(true)
			}
		}, nil

	case EventTimerStarted:
		return func() { s.StartTimer(payload) }, nil

	case EventTimerStopped:
		return func() { s.StopTimer(payload) }, nil

	case EventUpdateLectures:
		var lectures []Lecture
		if err := json.Unmarshal(payload, &lectures); err != nil {
			return nil, err
		}
		return func() { s.SetLectures(lectures) }, nil

	case EventUpdateSessions:
		var sessions []StudySession
		if err := json.Unmarshal(payload, &sessions); err != nil {
			return nil, err
		}
		return func() { s.SetSessions(sessions) }, nil

	case EventUserTyping:
		var p typingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if p.Username == "" || p.Username == d.username {
			return func() {}, nil
		}
		return func() { s.SetTyping(p.Username, p.Typing) }, nil

	case EventSessionTimeUpdate:
		var t StudyTime
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		return func() { s.SetStudyTime(t) }, nil
	}
	return nil, nil
}

func isHost(players []Player, username string) bool {
	for _, p := range players {
		if p.Username == username && p.Host {
			return true
		}
	}
	return false
}

func decodeLink(payload json.RawMessage) (string, error) {
	var link string
	if err := json.Unmarshal(payload, &link); err == nil {
		return link, nil
	}
	var obj struct {
		Link        string `json:"link"`
		DiscordLink string `json:"discordLink"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", err
	}
	if obj.Link != "" {
		return obj.Link, nil
	}
	return obj.DiscordLink, nil
}

// NormalizeMessages converts the backend's message records and orders them by
// send time, oldest first. Records whose send time cannot be parsed keep their
// relative order after the dated ones.
func NormalizeMessages(raw []MessageRecord) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(raw))
	for i, r := range raw {
		id := string(r.ID)
		if id == "" {
			id = "local-" + strconv.Itoa(i)
		}
		m := ChatMessage{
			ID:        "msg-" + id,
			Body:      r.MsgContent,
			Sender:    r.Username,
			RawSentAt: r.CreatedAt,
		}
		m.SentAt, _ = parseSentAt(r.CreatedAt)
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].SentAt, msgs[j].SentAt
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		default:
			return a.Before(b)
		}
	})
	return msgs
}
