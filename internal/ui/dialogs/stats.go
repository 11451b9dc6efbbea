package dialogs

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/flowna/flowna-cli/internal/db"
)

const sparkChars = "▁▂▃▄▅▆▇█"

// History reads recorded study snapshots, newest first. *db.DB satisfies it.
type History interface {
	StudySnapshots(roomCode string, limit int) ([]db.StudySnapshot, error)
}

// StatsDialog shows a room's study progress from the locally recorded
// snapshots.
type StatsDialog struct {
	*tview.TextView
	store   History
	code    string
	onClose func()
}

// NewStatsDialog creates a stats dialog for roomCode. onRefresh runs on R in
// its own goroutine; it should fetch fresh stats and then call Reload on the
// UI goroutine.
func NewStatsDialog(store History, roomCode string, onClose func(), onRefresh func()) *StatsDialog {
	d := &StatsDialog{
		TextView: tview.NewTextView(),
		store:    store,
		code:     roomCode,
		onClose:  onClose,
	}
	d.SetBorder(true).SetTitle(fmt.Sprintf(" Study Stats: %s ", roomCode)).SetTitleAlign(tview.AlignLeft)
	d.SetDynamicColors(true)
	d.SetBackgroundColor(tcell.ColorDefault)

	d.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyEscape, event.Rune() == 'q', event.Rune() == 'Q':
			onClose()
			return nil
		case event.Rune() == 'r', event.Rune() == 'R':
			d.SetText(d.buildText(nil, time.Now()) + "\n\n[yellow]Refreshing...[-]")
			go onRefresh()
			return nil
		}
		return event
	})

	d.Reload()
	return d
}

// Reload re-reads the snapshots and updates the displayed text.
func (d *StatsDialog) Reload() {
	history, _ := d.store.StudySnapshots(d.code, 48)
	d.SetText(d.buildText(history, time.Now()))
}

func (d *StatsDialog) buildText(history []db.StudySnapshot, now time.Time) string {
	var sb strings.Builder

	if len(history) == 0 {
		sb.WriteString("\n  [yellow]No stats recorded yet.[-]\n\n")
		sb.WriteString("  Press [green]R[-] to fetch the room's current stats.\n")
		sb.WriteString("\n  [dim]Press Q or Esc to close.[-]")
		return sb.String()
	}

	latest := history[0]
	sb.WriteString("\n")

	sb.WriteString("  [yellow]Goals[-]\n")
	frac := 0.0
	if latest.TotalGoals > 0 {
		frac = float64(latest.CompletedGoals) / float64(latest.TotalGoals)
	}
	fmt.Fprintf(&sb, "  %s  %d/%d %s\n\n",
		progressBar(frac, 30), latest.CompletedGoals, latest.TotalGoals, formatPercent(frac))

	sb.WriteString("  [yellow]Time[-]\n")
	fmt.Fprintf(&sb, "  study     %s\n", formatMinutes(latest.StudyMinutes))
	fmt.Fprintf(&sb, "  practice  %s\n\n", formatMinutes(latest.PracticeMinutes))

	if len(history) > 1 {
		sb.WriteString("  [yellow]History (newest right)[-]\n")
		fmt.Fprintf(&sb, "  study    %s\n", buildSparkline(history, func(s db.StudySnapshot) int { return s.StudyMinutes }))
		fmt.Fprintf(&sb, "  practice %s\n", buildSparkline(history, func(s db.StudySnapshot) int { return s.PracticeMinutes }))

		oldest := time.UnixMilli(history[len(history)-1].TsMs)
		newest := time.UnixMilli(history[0].TsMs)
		fmt.Fprintf(&sb, "  [dim]%s  →  %s[-]\n\n",
			oldest.Local().Format("Jan 2 15:04"),
			newest.Local().Format("Jan 2 15:04"))
	}

	ts := time.UnixMilli(latest.TsMs)
	fmt.Fprintf(&sb, "  [dim]Last updated %s[-]\n", humanize.RelTime(ts, now, "ago", "from now"))
	sb.WriteString("\n  [green]R[-] refresh  [green]Q/Esc[-] close")

	return sb.String()
}

// formatPercent formats a 0-1 completion fraction as a colored percentage.
func formatPercent(frac float64) string {
	color := "red"
	if frac >= 0.8 {
		color = "green"
	} else if frac >= 0.4 {
		color = "yellow"
	}
	return fmt.Sprintf("[%s]%.0f%%[-]", color, frac*100)
}

// progressBar renders a text progress bar for a fraction in [0,1].
func progressBar(frac float64, width int) string {
	frac = min(max(frac, 0), 1)
	filled := int(frac * float64(width))
	empty := width - filled
	return fmt.Sprintf("[green][%s%s][-]", strings.Repeat("█", filled), strings.Repeat("░", empty))
}

// buildSparkline builds a sparkline from snapshots (history[0] is newest),
// scaled to the largest value in the window.
func buildSparkline(history []db.StudySnapshot, val func(db.StudySnapshot) int) string {
	peak := 0
	for _, s := range history {
		peak = max(peak, val(s))
	}
	runes := []rune(sparkChars)
	var sb strings.Builder
	for i := len(history) - 1; i >= 0; i-- {
		idx := 0
		if peak > 0 {
			idx = max(val(history[i]), 0) * (len(runes) - 1) / peak
		}
		sb.WriteRune(runes[idx])
	}
	return sb.String()
}

func formatMinutes(m int) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", m/60, m%60)
}
