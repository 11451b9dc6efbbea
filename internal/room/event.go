package room

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event types carried in the eventType field of every room topic message.
// TIMER_STOPED is the backend's spelling and must stay as is.
const (
	EventMembersList       = "ROOM_MEMBERS_LIST"
	EventSetHoursGoal      = "SET_ROOM_HOURS_GOAL"
	EventExamStarted       = "EXAM_STARTED"
	EventExamNotGoing      = "EXAM_IS_NOT_GOING"
	EventSetDiscordLink    = "SET_DISCORD_LINK"
	EventPlayerReady       = "PLAYER_READY"
	EventRoomSessions      = "ROOM_SESSIONS"
	EventUserLeft          = "USER_LEFT"
	EventUserJoined        = "NEW_USER_JOINED"
	EventSendMessage       = "SEND_MESSAGE"
	EventGetAllMessages    = "GET_ALL_MESSAGES"
	EventTimerStarted      = "TIMER_STARTED"
	EventTimerStopped      = "TIMER_STOPED"
	EventUpdateLectures    = "UPDATE_LECTURE_LIST"
	EventUpdateSessions    = "UPDATE_SESSION_LIST"
	EventUserTyping        = "USER_TYPING"
	EventSessionTimeUpdate = "ROOM_SESSION_TIME_UPDATE"
)

// Topic returns the broker topic for a room.
func Topic(code string) string {
	return "/topic/rooms/" + code
}

// Event is the envelope of every message on a room topic.
type Event struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Player is one room member.
type Player struct {
	Username string `json:"username"`
	Host     bool   `json:"host"`
	Ready    bool   `json:"ready"`
}

// ChatMessage is a normalised chat record.
type ChatMessage struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Sender    string    `json:"sender"`
	SentAt    time.Time `json:"sentAt"`
	RawSentAt string    `json:"rawSentAt"`
}

// FlexID accepts ids sent either as JSON strings or numbers.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// Lecture is an entry of the room's lecture list.
type Lecture struct {
	ID    FlexID `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// StudySession is an entry of the room's session list.
type StudySession struct {
	ID      FlexID `json:"id"`
	Name    string `json:"name"`
	Minutes int    `json:"minutes"`
}

// Goal is one of the room's session goals.
type Goal struct {
	ID        FlexID `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// StudyTime is the aggregate study and practice time of a room.
type StudyTime struct {
	StudyMinutes    int `json:"totalStudyMinutes"`
	PracticeMinutes int `json:"totalPracticeMinutes"`
}

// Stats aggregates the room's progress counters.
type Stats struct {
	StudyTime
	CompletedGoals int `json:"completedGoals"`
	TotalGoals     int `json:"totalGoals"`
}

// MessageRecord is a chat message as the backend sends it.
type MessageRecord struct {
	ID         FlexID `json:"id"`
	MsgContent string `json:"msgContent"`
	Username   string `json:"username"`
	CreatedAt  string `json:"createdAt"`
}

type typingPayload struct {
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}

// sentAtLayouts covers the ISO forms the backend emits, with and without
// zone and fractional seconds.
var sentAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseSentAt(s string) (time.Time, bool) {
	for _, layout := range sentAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// DecodeHours reads an hours goal sent as a number, a numeric string or
// {"hours": n}. An empty or null value is zero.
func DecodeHours(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Float64()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	var obj struct {
		Hours json.Number `json:"hours"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("hours goal: %s", raw)
	}
	if obj.Hours == "" {
		return 0, fmt.Errorf("hours goal: %s", raw)
	}
	return obj.Hours.Float64()
}
