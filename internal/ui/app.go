package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/flowna/flowna-cli/internal/api"
	"github.com/flowna/flowna-cli/internal/connection"
	"github.com/flowna/flowna-cli/internal/db"
	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/session"
	"github.com/flowna/flowna-cli/internal/ui/dialogs"
	"github.com/flowna/flowna-cli/internal/webserver"
)

const requestTimeout = 15 * time.Second

// Deps are the services the lobby drives.
type Deps struct {
	API   *api.Client
	Rooms *session.Manager
	Conn  *connection.Manager
	Store *db.DB
	// Web is optional.
	Web *webserver.Server
}

type App struct {
	tapp   *tview.Application
	pages  *tview.Pages
	lobby  *LobbyView
	exam   *ExamView
	stats  *dialogs.StatsDialog
	d      Deps
	logger *slog.Logger
	// redraw holds at most one pending refresh request.
	redraw chan struct{}
}

var _ events.Broadcaster = (*App)(nil)

func NewApp(d Deps, logger *slog.Logger) *App {
	a := &App{d: d, logger: logger, redraw: make(chan struct{}, 1)}

	a.tapp = tview.NewApplication()
	a.pages = tview.NewPages()
	a.lobby = NewLobbyView(a.tapp)

	a.pages.AddPage("lobby", a.lobby, true, true)
	a.tapp.SetRoot(a.pages, true).EnableMouse(false)
	a.tapp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if _, typing := a.tapp.GetFocus().(*tview.InputField); typing {
			return event
		}
		if event.Rune() == '?' {
			a.showHelp()
			return nil
		}
		return event
	})

	a.lobby.SetCallbacks(
		a.onCreate,
		a.onJoin,
		a.onLeave,
		a.onReady,
		a.onGoal,
		a.onStats,
		a.onChat,
		a.onSend,
		a.onTyping,
		func() { a.tapp.Stop() },
	)

	return a
}

// Broadcast asks for a lobby redraw on every connection or room event. It
// never blocks the caller; a burst of events yields one redraw.
func (a *App) Broadcast(e events.Event) {
	if e.Type == events.TypeConnectionError {
		a.logger.Debug("connection error event", "err", e.Error)
	}
	a.requestRedraw()
}

func (a *App) requestRedraw() {
	select {
	case a.redraw <- struct{}{}:
	default:
	}
}

// OnExam switches to the exam screen. The lobby calls it after releasing the
// room topic.
func (a *App) OnExam(code string) {
	go a.tapp.QueueUpdateDraw(func() { a.showExam(code) })
}

func (a *App) Run() error {
	if a.d.Web != nil {
		if err := a.d.Web.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: status server: %v\n", err)
		}
	}

	if ar, err := a.d.Store.ActiveRoom(); err != nil {
		a.logger.Warn("load active room failed", "err", err)
	} else if ar != nil {
		if _, err := a.d.Rooms.Resume(*ar); err != nil {
			a.logger.Warn("resume room failed", "room", ar.Code, "err", err)
		}
	}

	a.refresh()

	stop := make(chan struct{})
	defer close(stop)
	go a.tick(stop)

	return a.tapp.Run()
}

// tick serves redraw requests and redraws once a second while a room timer
// runs.
func (a *App) tick(stop <-chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-a.redraw:
			a.tapp.QueueUpdateDraw(a.refresh)
		case <-t.C:
			if snap, ok := a.d.Rooms.Snapshot(); ok && snap.Timer.Running {
				a.tapp.QueueUpdateDraw(a.refresh)
			}
		}
	}
}

func (a *App) refresh() {
	snap, ok := a.d.Rooms.Snapshot()
	a.lobby.Update(snap, ok, string(a.d.Conn.State()))
}

func (a *App) showDialog(name string, widget tview.Primitive, width, height int) {
	modal := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexColumn).
			AddItem(nil, 0, 1, false).
			AddItem(widget, width, 0, true).
			AddItem(nil, 0, 1, false), height, 0, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(name, modal, true, true)
	a.tapp.SetFocus(widget)
}

func (a *App) closeDialog(name string) {
	a.pages.RemovePage(name)
	if a.exam != nil {
		a.tapp.SetFocus(a.exam)
		return
	}
	a.tapp.SetFocus(a.lobby.table)
}

func (a *App) showHelp() {
	help := dialogs.HelpDialog(func() {
		a.closeDialog("help")
	})
	a.showDialog("help", help, 60, 30)
}

func (a *App) showError(msg string) {
	modal := tview.NewModal().
		SetText(msg).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(_ int, _ string) {
			a.closeDialog("error")
		})
	a.pages.AddPage("error", modal, true, true)
}

// call runs fn in the background with a request timeout. A request rejected
// for a stale credential is repeated once after the refresh; other failures
// are shown in an error modal.
func (a *App) call(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		err := fn(ctx)
		if errors.Is(err, api.ErrCredentialRefreshed) {
			err = fn(ctx)
		}
		if err == nil {
			a.tapp.QueueUpdateDraw(a.refresh)
			return
		}
		a.logger.Warn(what+" failed", "err", err)
		msg := fmt.Sprintf("%s failed: %v", what, err)
		if errors.Is(err, api.ErrLoggedOut) || errors.Is(err, api.ErrNotLoggedIn) {
			msg = "Your session has ended.\n\nRun `flowna login` and start the lobby again."
		}
		a.tapp.QueueUpdateDraw(func() { a.showError(msg) })
	}()
}

func (a *App) currentCode() (string, bool) {
	r, ok := a.d.Rooms.Room()
	return r.Code, ok
}

func (a *App) onCreate() {
	form := dialogs.CreateRoomDialog(session.GenerateRoomName(), func(name string) {
		a.closeDialog("create")
		a.call("Create room", func(ctx context.Context) error {
			_, err := a.d.Rooms.Create(ctx, name)
			return err
		})
	}, func() { a.closeDialog("create") })
	a.showDialog("create", form, 56, 9)
}

func (a *App) onJoin() {
	form := dialogs.JoinRoomDialog(func(code string) {
		a.closeDialog("join")
		a.call("Join room", func(ctx context.Context) error {
			_, err := a.d.Rooms.Join(ctx, code)
			return err
		})
	}, func() { a.closeDialog("join") })
	a.showDialog("join", form, 40, 9)
}

func (a *App) onLeave() {
	code, ok := a.currentCode()
	if !ok {
		return
	}
	modal := dialogs.ConfirmDialog(
		fmt.Sprintf("Leave room %s?", code),
		"Leave",
		func() {
			a.closeDialog("confirm-leave")
			a.call("Leave room", a.d.Rooms.Leave)
		},
		func() { a.closeDialog("confirm-leave") },
	)
	a.pages.AddPage("confirm-leave", modal, true, true)
}

func (a *App) onReady(ready bool) {
	code, ok := a.currentCode()
	if !ok {
		return
	}
	a.call("Set ready", func(ctx context.Context) error {
		return a.d.API.SetReady(ctx, code, ready)
	})
}

func (a *App) onGoal() {
	snap, ok := a.d.Rooms.Snapshot()
	if !ok {
		return
	}
	form := dialogs.GoalDialog(snap.GoalHours, func(hours float64) {
		a.closeDialog("goal")
		a.call("Set goal", func(ctx context.Context) error {
			return a.d.API.SetHoursGoal(ctx, snap.Code, hours)
		})
	}, func() { a.closeDialog("goal") })
	a.showDialog("goal", form, 44, 9)
}

func (a *App) onStats() {
	code, ok := a.currentCode()
	if !ok {
		return
	}
	a.stats = dialogs.NewStatsDialog(a.d.Store, code,
		func() {
			a.stats = nil
			a.closeDialog("stats")
		},
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			st, err := a.d.API.Stats(ctx, code)
			if err != nil {
				a.logger.Warn("stats refresh failed", "room", code, "err", err)
			} else if err := a.d.Store.InsertStudySnapshot(db.StudySnapshot{
				RoomCode:        code,
				TsMs:            time.Now().UnixMilli(),
				StudyMinutes:    st.StudyMinutes,
				PracticeMinutes: st.PracticeMinutes,
				CompletedGoals:  st.CompletedGoals,
				TotalGoals:      st.TotalGoals,
			}); err != nil {
				a.logger.Warn("save study snapshot failed", "err", err)
			}
			a.tapp.QueueUpdateDraw(func() {
				if a.stats != nil {
					a.stats.Reload()
				}
			})
		},
	)
	a.showDialog("stats", a.stats, 64, 20)
}

func (a *App) onChat(visible bool) {
	if l := a.d.Rooms.Current(); l != nil {
		go l.SetChatVisible(visible)
	}
}

func (a *App) onSend(body string) {
	code, ok := a.currentCode()
	if !ok {
		return
	}
	a.call("Send message", func(ctx context.Context) error {
		return a.d.API.SendMessage(ctx, code, body)
	})
}

func (a *App) onTyping(typing bool) {
	code, ok := a.currentCode()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := a.d.API.SetTyping(ctx, code, typing); err != nil {
			a.logger.Debug("typing update failed", "err", err)
		}
	}()
}

func (a *App) showExam(code string) {
	if a.exam != nil {
		return
	}
	a.exam = NewExamView(code,
		func() { a.loadResults(code) },
		func() { a.leaveExam() },
	)
	a.pages.AddPage("exam", a.exam, true, true)
	a.tapp.SetFocus(a.exam)
}

func (a *App) loadResults(code string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var status *api.ExamStatus
		if st, err := a.d.API.ExamStatus(ctx, code); err == nil {
			status = &st
		} else {
			a.logger.Warn("exam status failed", "room", code, "err", err)
		}
		results, err := a.d.API.QuizSummary(ctx, code)
		if err != nil {
			a.logger.Warn("quiz summary failed", "room", code, "err", err)
		}
		a.tapp.QueueUpdateDraw(func() {
			if a.exam != nil {
				a.exam.ShowResults(status, results)
			}
		})
	}()
}

// leaveExam returns to the lobby and re-enters the room so its topic is
// subscribed again.
func (a *App) leaveExam() {
	a.pages.RemovePage("exam")
	a.exam = nil
	a.tapp.SetFocus(a.lobby.table)
	go func() {
		if _, err := a.d.Rooms.Rejoin(); err != nil && !errors.Is(err, session.ErrNoRoom) {
			a.logger.Warn("re-enter room failed", "err", err)
		}
	}()
}
