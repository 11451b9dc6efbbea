// Package timer models the room's shared study timer as announced by
// TIMER_STARTED and TIMER_STOPED events. The backend owns the timer; this is
// only the countdown shown to the user.
package timer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Payload is the timer event body. Duration is in seconds; Minutes is
// accepted as an alternative. A zero duration means the timer counts up.
type Payload struct {
	Duration  int    `json:"duration"`
	Minutes   int    `json:"minutes"`
	StartedAt string `json:"startedAt"`
	Mode      string `json:"type"`
}

// Status is a point-in-time view of the countdown.
type Status struct {
	Running   bool          `json:"running"`
	Mode      string        `json:"mode,omitempty"`
	Duration  time.Duration `json:"duration"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
}

type Countdown struct {
	mu        sync.Mutex
	running   bool
	mode      string
	startedAt time.Time
	duration  time.Duration
	elapsed   time.Duration // frozen value after Stop
	now       func() time.Time
}

func New() *Countdown {
	return &Countdown{now: time.Now}
}

// SetNow replaces the time source. Used in tests only.
func (c *Countdown) SetNow(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = fn
}

// Start begins a countdown from raw. A missing or null payload starts an
// open-ended timer now.
func (c *Countdown) Start(raw json.RawMessage) error {
	var p Payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("timer payload: %w", err)
		}
	}
	dur := time.Duration(p.Duration) * time.Second
	if dur == 0 && p.Minutes > 0 {
		dur = time.Duration(p.Minutes) * time.Minute
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.now()
	if p.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.StartedAt); err == nil {
			start = t
		}
	}
	c.running = true
	c.mode = p.Mode
	c.startedAt = start
	c.duration = dur
	c.elapsed = 0
	return nil
}

// Stop freezes the countdown. The payload is ignored beyond validation.
func (c *Countdown) Stop(raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return fmt.Errorf("timer payload: invalid JSON")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.elapsed = c.now().Sub(c.startedAt)
		c.running = false
	}
	return nil
}

func (c *Countdown) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := c.elapsed
	if c.running {
		elapsed = c.now().Sub(c.startedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	st := Status{
		Running:  c.running,
		Mode:     c.mode,
		Duration: c.duration,
		Elapsed:  elapsed,
	}
	if c.duration > 0 {
		st.Remaining = max(c.duration-elapsed, 0)
		if st.Remaining == 0 {
			st.Running = false
		}
	}
	return st
}

// Format renders the status as MM:SS (remaining for countdowns, elapsed
// otherwise).
func (s Status) Format() string {
	d := s.Elapsed
	if s.Duration > 0 {
		d = s.Remaining
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
