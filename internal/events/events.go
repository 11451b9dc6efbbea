package events

// Event types.
const (
	TypeConnectionState = "connection_state"
	TypeConnectionError = "connection_error"
	TypeRoomUpdated     = "room_updated"
	TypeExamStarted     = "exam_started"
)

// Event is a real-time update pushed to local observers (the lobby view and
// the status server's SSE clients).
type Event struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
	Room  string `json:"room,omitempty"`
	Error string `json:"error,omitempty"`
}

// Broadcaster delivers events to observers.
// A nil Broadcaster is safe to use -- callers skip the Broadcast.
type Broadcaster interface {
	Broadcast(e Event)
}

// Fanout forwards each event to every non-nil broadcaster it holds.
type Fanout []Broadcaster

func (f Fanout) Broadcast(e Event) {
	for _, b := range f {
		if b != nil {
			b.Broadcast(e)
		}
	}
}

// Func adapts a function to Broadcaster.
type Func func(Event)

func (fn Func) Broadcast(e Event) { fn(e) }
