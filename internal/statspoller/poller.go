// Package statspoller periodically records a room's study statistics.
package statspoller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowna/flowna-cli/internal/db"
	"github.com/flowna/flowna-cli/internal/room"
)

// Source fetches a room's stats.
type Source interface {
	Stats(ctx context.Context, code string) (room.Stats, error)
}

// Store records snapshots. *db.DB satisfies it.
type Store interface {
	InsertStudySnapshot(s db.StudySnapshot) error
}

type Poller struct {
	source   Source
	store    Store
	code     string
	interval time.Duration
	onStats  func(room.Stats)
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// New returns a poller for one room. onStats, when set, receives every
// successful fetch.
func New(source Source, store Store, code string, interval time.Duration, onStats func(room.Stats), logger *slog.Logger) *Poller {
	return &Poller{
		source:   source,
		store:    store,
		code:     code,
		interval: interval,
		onStats:  onStats,
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.poll()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.poll()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := p.source.Stats(ctx, p.code)
	if err != nil {
		p.logger.Debug("stats poll failed", "room", p.code, "err", err)
		return
	}
	if p.onStats != nil {
		p.onStats(st)
	}

	snap := db.StudySnapshot{
		RoomCode:        p.code,
		TsMs:            time.Now().UnixMilli(),
		StudyMinutes:    st.StudyMinutes,
		PracticeMinutes: st.PracticeMinutes,
		CompletedGoals:  st.CompletedGoals,
		TotalGoals:      st.TotalGoals,
	}
	if err := p.store.InsertStudySnapshot(snap); err != nil {
		p.logger.Debug("study snapshot insert failed", "err", err)
	}
}
