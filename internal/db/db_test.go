package db_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowna/flowna-cli/internal/api"
	"github.com/flowna/flowna-cli/internal/db"
	"github.com/flowna/flowna-cli/internal/room"
)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return store
}

func TestMigrate_Idempotent(t *testing.T) {
	store := openStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestTokens_RoundTrip(t *testing.T) {
	store := openStore(t)

	if _, err := store.LoadTokens(); !errors.Is(err, api.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"username": "alice"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveTokens(api.Tokens{Access: access, Refresh: "r1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadTokens()
	if err != nil || got.Access != access || got.Refresh != "r1" {
		t.Errorf("load: %+v %v", got, err)
	}
	id, _ := store.Identity()
	if id == nil || id.Username != "alice" {
		t.Errorf("identity: %+v", id)
	}

	// Opaque tokens are stored with an empty username.
	store.SaveTokens(api.Tokens{Access: "opaque"})
	id, _ = store.Identity()
	if id.Username != "" || id.AccessToken != "opaque" {
		t.Errorf("identity after opaque token: %+v", id)
	}
}

func TestClearTokens_ForgetsActiveRoom(t *testing.T) {
	store := openStore(t)
	store.SaveTokens(api.Tokens{Access: "a"})
	store.SetActiveRoom(db.ActiveRoom{Code: "ABC123", Name: "algebra", IsHost: true})

	if err := store.ClearTokens(); err != nil {
		t.Fatal(err)
	}
	if id, _ := store.Identity(); id != nil {
		t.Errorf("identity survived: %+v", id)
	}
	if r, _ := store.ActiveRoom(); r != nil {
		t.Errorf("active room survived: %+v", r)
	}
}

func TestActiveRoom(t *testing.T) {
	store := openStore(t)
	if r, err := store.ActiveRoom(); r != nil || err != nil {
		t.Fatalf("empty: %+v %v", r, err)
	}
	joined := time.Now().Truncate(time.Millisecond)
	store.SetActiveRoom(db.ActiveRoom{Code: "ABC123", Name: "algebra", IsHost: true, JoinedAt: joined})
	store.SetActiveRoom(db.ActiveRoom{Code: "XYZ789", JoinedAt: joined})

	r, err := store.ActiveRoom()
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != "XYZ789" || r.IsHost || !r.JoinedAt.Equal(joined) {
		t.Errorf("active room: %+v", r)
	}
	store.ClearActiveRoom()
	if r, _ := store.ActiveRoom(); r != nil {
		t.Errorf("not cleared: %+v", r)
	}
}

func TestGoalHours(t *testing.T) {
	store := openStore(t)
	if _, ok, err := store.GoalHours("ABC123"); ok || err != nil {
		t.Fatalf("unexpected goal: ok=%v err=%v", ok, err)
	}
	store.SaveGoalHours("ABC123", 2.5)
	store.SaveGoalHours("ABC123", 4)
	h, ok, err := store.GoalHours("ABC123")
	if err != nil || !ok || h != 4 {
		t.Errorf("goal: %v %v %v", h, ok, err)
	}
}

func TestPlayers_ReplaceKeepsOrder(t *testing.T) {
	store := openStore(t)
	store.SavePlayers("ABC123", []room.Player{{Username: "zoe"}, {Username: "alice", Host: true}})
	want := []room.Player{{Username: "bob", Ready: true}, {Username: "alice", Host: true}}
	if err := store.SavePlayers("ABC123", want); err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadPlayers("ABC123")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("players: got %+v want %+v", got, want)
	}
	if other, _ := store.LoadPlayers("OTHER"); len(other) != 0 {
		t.Errorf("rosters leaked across rooms: %+v", other)
	}
}

func TestStudySnapshots_NewestFirst(t *testing.T) {
	store := openStore(t)
	for i, mins := range []int{10, 20, 30} {
		store.InsertStudySnapshot(db.StudySnapshot{RoomCode: "ABC123", TsMs: int64(1000 + i), StudyMinutes: mins})
	}
	store.InsertStudySnapshot(db.StudySnapshot{RoomCode: "OTHER", TsMs: 5000, StudyMinutes: 99})

	got, err := store.StudySnapshots("ABC123", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].StudyMinutes != 30 || got[1].StudyMinutes != 20 {
		t.Errorf("snapshots: %+v", got)
	}
}
