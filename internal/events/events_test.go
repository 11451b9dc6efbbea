package events_test

import (
	"testing"

	"github.com/flowna/flowna-cli/internal/events"
)

func TestFanout_SkipsNil(t *testing.T) {
	var got []string
	rec := events.Func(func(e events.Event) { got = append(got, e.Type) })

	f := events.Fanout{rec, nil, rec}
	f.Broadcast(events.Event{Type: events.TypeRoomUpdated, Room: "ABC123"})

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	for _, typ := range got {
		if typ != events.TypeRoomUpdated {
			t.Errorf("unexpected type %q", typ)
		}
	}
}

func TestFanout_Empty(t *testing.T) {
	var f events.Fanout
	f.Broadcast(events.Event{Type: events.TypeConnectionState, State: "connected"})
}
