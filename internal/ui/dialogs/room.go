package dialogs

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// CreateRoomDialog asks for a room name. An empty name is submitted as-is so
// the caller can generate one; suggestion is shown as the placeholder.
func CreateRoomDialog(suggestion string, onSubmit func(name string), onCancel func()) *tview.Form {
	form := newForm(" Create Room ", onCancel)
	name := tview.NewInputField().
		SetLabel("Name").
		SetFieldWidth(40).
		SetPlaceholder(suggestion)
	form.AddFormItem(name)
	form.AddButton("Create", func() {
		onSubmit(strings.TrimSpace(name.GetText()))
	})
	form.AddButton("Cancel", onCancel)
	return form
}

// JoinRoomDialog asks for a room code.
func JoinRoomDialog(onSubmit func(code string), onCancel func()) *tview.Form {
	form := newForm(" Join Room ", onCancel)
	form.AddInputField("Code", "", 20, nil, nil)
	form.AddButton("Join", func() {
		code := NormalizeRoomCode(form.GetFormItemByLabel("Code").(*tview.InputField).GetText())
		if code != "" {
			onSubmit(code)
		}
	})
	form.AddButton("Cancel", onCancel)
	return form
}

// NormalizeRoomCode trims and upper-cases a typed room code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func newForm(title string, onCancel func()) *tview.Form {
	form := tview.NewForm()
	form.SetBorder(true).SetTitle(title).SetTitleAlign(tview.AlignLeft)
	form.SetBackgroundColor(tcell.ColorDefault)
	form.SetFieldBackgroundColor(tcell.ColorDefault)
	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			onCancel()
			return nil
		}
		return event
	})
	return form
}
