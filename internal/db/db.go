package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowna/flowna-cli/internal/api"
	"github.com/flowna/flowna-cli/internal/room"
)

type DB struct {
	sql *sql.DB
}

var (
	_ api.TokenStore = (*DB)(nil)
	_ room.GoalCache = (*DB)(nil)
)

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS identity (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			username      TEXT NOT NULL DEFAULT '',
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			updated_at    INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS active_room (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			code      TEXT NOT NULL,
			name      TEXT NOT NULL DEFAULT '',
			is_host   INTEGER NOT NULL DEFAULT 0,
			joined_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create active_room: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS room_goals (
			room_code  TEXT PRIMARY KEY,
			hours      REAL NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create room_goals: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS room_players (
			room_code  TEXT NOT NULL,
			username   TEXT NOT NULL,
			host       INTEGER NOT NULL DEFAULT 0,
			ready      INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_code, username)
		)
	`)
	if err != nil {
		return fmt.Errorf("create room_players: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS study_snapshots (
			id               INTEGER PRIMARY KEY,
			room_code        TEXT NOT NULL,
			ts_ms            INTEGER NOT NULL,
			study_minutes    INTEGER NOT NULL DEFAULT 0,
			practice_minutes INTEGER NOT NULL DEFAULT 0,
			completed_goals  INTEGER NOT NULL DEFAULT 0,
			total_goals      INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create study_snapshots: %w", err)
	}

	// Older databases lack the ready column; ignore "duplicate column" errors.
	if _, alterErr := d.sql.Exec(`ALTER TABLE room_players ADD COLUMN ready INTEGER NOT NULL DEFAULT 0`); alterErr != nil {
		if !isDuplicateColumnError(alterErr) {
			return fmt.Errorf("alter room_players add ready: %w", alterErr)
		}
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_study_snapshots_room ON study_snapshots(room_code, ts_ms DESC)`); err != nil {
		return fmt.Errorf("index study_snapshots: %w", err)
	}
	return nil
}

// LoadTokens implements api.TokenStore.
func (d *DB) LoadTokens() (api.Tokens, error) {
	id, err := d.Identity()
	if err != nil {
		return api.Tokens{}, err
	}
	if id == nil {
		return api.Tokens{}, api.ErrNotLoggedIn
	}
	return api.Tokens{Access: id.AccessToken, Refresh: id.RefreshToken}, nil
}

// SaveTokens implements api.TokenStore. The username is read from the access
// token when it carries one.
func (d *DB) SaveTokens(t api.Tokens) error {
	var username string
	if c, err := api.ParseClaims(t.Access); err == nil {
		username = c.Username
	}
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO identity (id, username, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, ?, ?)`,
		username, t.Access, t.Refresh, time.Now().UnixMilli())
	return err
}

// ClearTokens implements api.TokenStore. Logging out also forgets the active
// room.
func (d *DB) ClearTokens() error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM identity"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM active_room"); err != nil {
		return err
	}
	return tx.Commit()
}

// Identity returns the stored identity, or nil when logged out.
func (d *DB) Identity() (*Identity, error) {
	var id Identity
	var updated int64
	err := d.sql.QueryRow(`SELECT username, access_token, refresh_token, updated_at FROM identity WHERE id = 1`).
		Scan(&id.Username, &id.AccessToken, &id.RefreshToken, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id.UpdatedAt = time.UnixMilli(updated)
	return &id, nil
}

func (d *DB) SetActiveRoom(r ActiveRoom) error {
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO active_room (id, code, name, is_host, joined_at)
		VALUES (1, ?, ?, ?, ?)`,
		r.Code, r.Name, boolToInt(r.IsHost), r.JoinedAt.UnixMilli())
	return err
}

// ActiveRoom returns the current room, or nil when the user is in none.
func (d *DB) ActiveRoom() (*ActiveRoom, error) {
	var r ActiveRoom
	var host int
	var joined int64
	err := d.sql.QueryRow(`SELECT code, name, is_host, joined_at FROM active_room WHERE id = 1`).
		Scan(&r.Code, &r.Name, &host, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.IsHost = host == 1
	r.JoinedAt = time.UnixMilli(joined)
	return &r, nil
}

func (d *DB) ClearActiveRoom() error {
	_, err := d.sql.Exec("DELETE FROM active_room")
	return err
}

// SaveGoalHours implements room.GoalCache.
func (d *DB) SaveGoalHours(roomCode string, hours float64) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO room_goals (room_code, hours, updated_at) VALUES (?, ?, ?)`,
		roomCode, hours, time.Now().UnixMilli())
	return err
}

// GoalHours returns the cached goal and whether one was stored.
func (d *DB) GoalHours(roomCode string) (float64, bool, error) {
	var hours float64
	err := d.sql.QueryRow("SELECT hours FROM room_goals WHERE room_code = ?", roomCode).Scan(&hours)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return hours, err == nil, err
}

// SavePlayers replaces the cached roster of a room.
func (d *DB) SavePlayers(roomCode string, players []room.Player) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM room_players WHERE room_code = ?", roomCode); err != nil {
		return err
	}
	for i, p := range players {
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO room_players (room_code, username, host, ready, sort_order) VALUES (?,?,?,?,?)",
			roomCode, p.Username, boolToInt(p.Host), boolToInt(p.Ready), i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) LoadPlayers(roomCode string) ([]room.Player, error) {
	rows, err := d.sql.Query("SELECT username, host, ready FROM room_players WHERE room_code = ? ORDER BY sort_order", roomCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var players []room.Player
	for rows.Next() {
		var p room.Player
		var host, ready int
		if err := rows.Scan(&p.Username, &host, &ready); err != nil {
			return nil, err
		}
		p.Host = host == 1
		p.Ready = ready == 1
		players = append(players, p)
	}
	return players, rows.Err()
}

func (d *DB) InsertStudySnapshot(s StudySnapshot) error {
	_, err := d.sql.Exec(`
		INSERT INTO study_snapshots (room_code, ts_ms, study_minutes, practice_minutes, completed_goals, total_goals)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.RoomCode, s.TsMs, s.StudyMinutes, s.PracticeMinutes, s.CompletedGoals, s.TotalGoals)
	return err
}

// StudySnapshots returns the newest limit snapshots of a room, newest first.
func (d *DB) StudySnapshots(roomCode string, limit int) ([]StudySnapshot, error) {
	rows, err := d.sql.Query(`
		SELECT id, room_code, ts_ms, study_minutes, practice_minutes, completed_goals, total_goals
		FROM study_snapshots
		WHERE room_code = ?
		ORDER BY ts_ms DESC, id DESC
		LIMIT ?`,
		roomCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StudySnapshot
	for rows.Next() {
		var s StudySnapshot
		if err := rows.Scan(&s.ID, &s.RoomCode, &s.TsMs, &s.StudyMinutes, &s.PracticeMinutes, &s.CompletedGoals, &s.TotalGoals); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
