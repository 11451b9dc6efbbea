package dialogs

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const helpText = `[yellow]Lobby Keys[-]

  [green]↑/↓[-]      Move through players
  [green]n[-]        Create a room
  [green]j[-]        Join a room by code
  [green]c[-]        Open or close chat
  [green]r[-]        Toggle ready
  [green]g[-]        Set the study-hours goal (host)
  [green]s[-]        Study stats
  [green]l[-]        Leave the room
  [green]?[-]        This help
  [green]q[-]        Quit

[yellow]Chat[-]

  [green]Enter[-]    Send message
  [green]Esc[-]      Back to players

[yellow]Exam[-]

  [green]r[-]        Load results
  [green]Esc[-]      Back to lobby

Press [green]Escape[-] or [green]?[-] to close.`

func HelpDialog(onClose func()) *tview.TextView {
	tv := tview.NewTextView()
	tv.SetBorder(true).SetTitle(" Help ").SetTitleAlign(tview.AlignLeft)
	tv.SetDynamicColors(true)
	tv.SetBackgroundColor(tcell.ColorDefault)
	tv.SetText(helpText)
	tv.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == '?' {
			onClose()
			return nil
		}
		return event
	})
	return tv
}
