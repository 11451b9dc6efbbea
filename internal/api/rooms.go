package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/flowna/flowna-cli/internal/room"
)

// Room is a created or joined room.
type Room struct {
	Code   string `json:"roomCode"`
	Name   string `json:"name"`
	IsHost bool   `json:"host"`
}

// QuizSummary is one player's result of the room's last exam.
type QuizSummary struct {
	Username string  `json:"username"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Score    float64 `json:"score"`
}

// ExamStatus reports whether an exam is running in a room.
type ExamStatus struct {
	Running bool `json:"running"`
}

var _ room.RoomAPI = (*Client)(nil)

func roomPath(code string, rest ...string) string {
	p := "/api/rooms/" + url.PathEscape(code)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) CreateRoom(ctx context.Context, name string) (Room, error) {
	var r Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]string{"name": name}, &r, true)
	if err == nil && r.Code == "" {
		err = fmt.Errorf("create room: response carried no room code")
	}
	return r, err
}

func (c *Client) JoinRoom(ctx context.Context, code string) (Room, error) {
	var r Room
	if err := c.do(ctx, http.MethodPost, roomPath(code, "join"), nil, &r, true); err != nil {
		return Room{}, err
	}
	if r.Code == "" {
		r.Code = code
	}
	return r, nil
}

func (c *Client) LeaveRoom(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, roomPath(code, "leave"), nil, nil, true)
}

func (c *Client) SetReady(ctx context.Context, code string, ready bool) error {
	return c.do(ctx, http.MethodPost, roomPath(code, "ready"), map[string]bool{"ready": ready}, nil, true)
}

func (c *Client) SetTyping(ctx context.Context, code string, typing bool) error {
	return c.do(ctx, http.MethodPost, roomPath(code, "typing"), map[string]bool{"typing": typing}, nil, true)
}

func (c *Client) SendMessage(ctx context.Context, code, body string) error {
	return c.do(ctx, http.MethodPost, roomPath(code, "messages"), map[string]string{"msgContent": body}, nil, true)
}

func (c *Client) Members(ctx context.Context, code string) ([]room.Player, error) {
	var out []room.Player
	err := c.do(ctx, http.MethodGet, roomPath(code, "members"), nil, &out, true)
	return out, err
}

func (c *Client) Messages(ctx context.Context, code string) ([]room.MessageRecord, error) {
	var out []room.MessageRecord
	err := c.do(ctx, http.MethodGet, roomPath(code, "messages"), nil, &out, true)
	return out, err
}

func (c *Client) Goals(ctx context.Context, code string) ([]room.Goal, error) {
	var out []room.Goal
	err := c.do(ctx, http.MethodGet, roomPath(code, "goals"), nil, &out, true)
	return out, err
}

// HoursGoal accepts a bare number, a numeric string or {"hours": n}.
func (c *Client) HoursGoal(ctx context.Context, code string) (float64, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, roomPath(code, "hours-goal"), nil, &raw, true); err != nil {
		return 0, err
	}
	return room.DecodeHours(raw)
}

func (c *Client) SetHoursGoal(ctx context.Context, code string, hours float64) error {
	return c.do(ctx, http.MethodPut, roomPath(code, "hours-goal"), map[string]float64{"hours": hours}, nil, true)
}

// ExternalLink accepts a bare string or {"link": s} / {"discordLink": s}.
func (c *Client) ExternalLink(ctx context.Context, code string) (string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, roomPath(code, "discord-link"), nil, &raw, true); err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Link        string `json:"link"`
		DiscordLink string `json:"discordLink"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	if obj.Link != "" {
		return obj.Link, nil
	}
	return obj.DiscordLink, nil
}

func (c *Client) Lectures(ctx context.Context, code string) ([]room.Lecture, error) {
	var out []room.Lecture
	err := c.do(ctx, http.MethodGet, roomPath(code, "lectures"), nil, &out, true)
	return out, err
}

func (c *Client) Sessions(ctx context.Context, code string) ([]room.StudySession, error) {
	var out []room.StudySession
	err := c.do(ctx, http.MethodGet, roomPath(code, "sessions"), nil, &out, true)
	return out, err
}

func (c *Client) Stats(ctx context.Context, code string) (room.Stats, error) {
	var out room.Stats
	err := c.do(ctx, http.MethodGet, roomPath(code, "stats"), nil, &out, true)
	return out, err
}

func (c *Client) QuizSummary(ctx context.Context, code string) ([]QuizSummary, error) {
	var out []QuizSummary
	err := c.do(ctx, http.MethodGet, roomPath(code, "quiz", "summary"), nil, &out, true)
	return out, err
}

func (c *Client) ExamStatus(ctx context.Context, code string) (ExamStatus, error) {
	var out ExamStatus
	err := c.do(ctx, http.MethodGet, roomPath(code, "exam", "status"), nil, &out, true)
	return out, err
}

