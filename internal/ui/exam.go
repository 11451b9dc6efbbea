package ui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/flowna/flowna-cli/internal/api"
)

// ExamView is shown while a room's exam runs. The lobby's topic is released
// while it is open.
type ExamView struct {
	*tview.TextView
	code string
}

// NewExamView returns the exam screen for roomCode. onResults runs on R;
// onBack on Escape.
func NewExamView(roomCode string, onResults func(), onBack func()) *ExamView {
	v := &ExamView{TextView: tview.NewTextView(), code: roomCode}
	v.SetBorder(true).SetTitle(fmt.Sprintf(" Exam: %s ", roomCode)).SetTitleAlign(tview.AlignLeft)
	v.SetDynamicColors(true)
	v.SetBackgroundColor(ColorBackground)
	v.SetText(examText(nil, nil))
	v.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyEscape:
			onBack()
			return nil
		case event.Rune() == 'r', event.Rune() == 'R':
			v.SetText(examText(nil, nil) + "\n\n  [yellow]Loading results...[-]")
			onResults()
			return nil
		}
		return event
	})
	return v
}

// ShowResults renders the exam status and summary.
func (v *ExamView) ShowResults(status *api.ExamStatus, results []api.QuizSummary) {
	v.SetText(examText(status, results))
}

func examText(status *api.ExamStatus, results []api.QuizSummary) string {
	var sb strings.Builder
	sb.WriteString("\n  [red]The exam has started.[-]\n")
	sb.WriteString("  Chat and the lobby are paused until you return.\n\n")

	if status != nil {
		if status.Running {
			sb.WriteString("  Status: [yellow]in progress[-]\n\n")
		} else {
			sb.WriteString("  Status: [green]finished[-]\n\n")
		}
	}

	if len(results) > 0 {
		ranked := slices.Clone(results)
		slices.SortStableFunc(ranked, func(a, b api.QuizSummary) int {
			switch {
			case a.Score > b.Score:
				return -1
			case a.Score < b.Score:
				return 1
			}
			return strings.Compare(a.Username, b.Username)
		})
		sb.WriteString("  [yellow]Results[-]\n")
		for i, r := range ranked {
			fmt.Fprintf(&sb, "  %-5s %-20s %d/%d  %s\n",
				humanize.Ordinal(i+1), tview.Escape(r.Username), r.Correct, r.Total, humanize.FtoaWithDigits(r.Score, 1))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("  [green]R[-] results  [green]Esc[-] back to lobby")
	return sb.String()
}
