package dialogs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rivo/tview"
)

// GoalDialog edits the room's study-hours goal. Invalid input is reported in
// the form title instead of being submitted.
func GoalDialog(current float64, onSubmit func(hours float64), onCancel func()) *tview.Form {
	form := newForm(" Study Goal ", onCancel)
	initial := ""
	if current > 0 {
		initial = humanize.Ftoa(current)
	}
	form.AddInputField("Hours", initial, 10, nil, nil)
	form.AddButton("Save", func() {
		hours, err := ParseHours(form.GetFormItemByLabel("Hours").(*tview.InputField).GetText())
		if err != nil {
			form.SetTitle(fmt.Sprintf(" Study Goal: %v ", err))
			return
		}
		onSubmit(hours)
	})
	form.AddButton("Cancel", onCancel)
	return form
}

// ParseHours accepts a positive number of hours, with a comma or a dot as
// the decimal separator.
func ParseHours(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	hours, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.New("not a number")
	}
	if hours <= 0 || hours > 24*7 {
		return 0, errors.New("must be between 0 and 168")
	}
	return hours, nil
}
