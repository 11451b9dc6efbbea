package db

import "time"

// Identity is the logged-in user and their tokens.
type Identity struct {
	Username     string
	AccessToken  string
	RefreshToken string
	UpdatedAt    time.Time
}

// ActiveRoom is the room the user last created or joined.
type ActiveRoom struct {
	Code     string
	Name     string
	IsHost   bool
	JoinedAt time.Time
}

type StudySnapshot struct {
	ID              int64
	RoomCode        string
	TsMs            int64
	StudyMinutes    int
	PracticeMinutes int
	CompletedGoals  int
	TotalGoals      int
}
