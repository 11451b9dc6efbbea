package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/flowna/flowna-cli/internal/room"
)

// LobbyView is the main screen: players on the left, chat or room details on
// the right.
type LobbyView struct {
	*tview.Flex
	app    *tview.Application
	header *tview.TextView
	table  *tview.Table
	right  *tview.Pages
	chat   *tview.TextView
	typing *tview.TextView
	input  *tview.InputField
	info   *tview.TextView
	footer *tview.TextView

	snap       room.Snapshot
	inRoom     bool
	conn       string
	chatOpen   bool
	typingSent bool

	onCreate func()
	onJoin   func()
	onLeave  func()
	onReady  func(ready bool)
	onGoal   func()
	onStats  func()
	onChat   func(visible bool)
	onSend   func(body string)
	onTyping func(typing bool)
	onQuit   func()
}

func NewLobbyView(app *tview.Application) *LobbyView {
	v := &LobbyView{app: app, conn: "disconnected"}

	v.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.header.SetBackgroundColor(ColorBackgroundPanel)

	v.table = tview.NewTable().
		SetSelectable(true, false).
		SetSelectedStyle(tcell.StyleDefault.
			Background(ColorSelected).
			Foreground(ColorSelectedText))
	v.table.SetBackgroundColor(ColorBackground)

	v.chat = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true)
	v.chat.SetBackgroundColor(ColorBackground)

	v.typing = tview.NewTextView().SetDynamicColors(true)
	v.typing.SetBackgroundColor(ColorBackground)

	v.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldBackgroundColor(ColorBackgroundElem)
	v.input.SetBackgroundColor(ColorBackground)

	chatPane := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.chat, 0, 1, false).
		AddItem(v.typing, 1, 0, false).
		AddItem(v.input, 1, 0, true)

	v.info = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true)
	v.info.SetBackgroundColor(ColorBackground)

	v.right = tview.NewPages().
		AddPage("info", v.info, true, true).
		AddPage("chat", chatPane, true, false)

	v.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.footer.SetBackgroundColor(ColorBackgroundPanel)

	separator := tview.NewBox().SetBackgroundColor(ColorBorder)

	content := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(v.table, 0, 35, true).
		AddItem(separator, 1, 0, false).
		AddItem(v.right, 0, 65, false)

	v.Flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.header, 1, 0, false).
		AddItem(content, 0, 1, true).
		AddItem(v.footer, 1, 0, false)

	v.setupInput()
	v.render()
	return v
}

func (v *LobbyView) SetCallbacks(
	onCreate func(),
	onJoin func(),
	onLeave func(),
	onReady func(ready bool),
	onGoal func(),
	onStats func(),
	onChat func(visible bool),
	onSend func(body string),
	onTyping func(typing bool),
	onQuit func(),
) {
	v.onCreate = onCreate
	v.onJoin = onJoin
	v.onLeave = onLeave
	v.onReady = onReady
	v.onGoal = onGoal
	v.onStats = onStats
	v.onChat = onChat
	v.onSend = onSend
	v.onTyping = onTyping
	v.onQuit = onQuit
}

// Update replaces the rendered state. Call it on the UI goroutine.
func (v *LobbyView) Update(snap room.Snapshot, inRoom bool, conn string) {
	v.snap = snap
	v.inRoom = inRoom
	v.conn = conn
	if !inRoom && v.chatOpen {
		v.setChatOpen(false)
	}
	v.render()
}

func (v *LobbyView) render() {
	v.header.SetText(headerText(v.snap, v.inRoom, v.conn))
	v.renderPlayers()
	v.chat.SetText(chatText(v.snap.Messages, time.Now()))
	v.chat.ScrollToEnd()
	v.typing.SetText(typingText(v.snap.Typing, v.snap.Username))
	v.info.SetText(infoText(v.snap, v.inRoom))
	v.footer.SetText(footerText(v.inRoom, v.chatOpen))
}

func (v *LobbyView) renderPlayers() {
	v.table.Clear()
	if !v.inRoom {
		return
	}
	for i, p := range v.snap.Players {
		icon, color := PlayerIcon(p.Host, p.Ready)
		name := p.Username
		if name == v.snap.Username {
			name += " (you)"
		}
		state := "waiting"
		if p.Ready {
			state = "ready"
		}
		cell := tview.NewTableCell(fmt.Sprintf(" %s %-20s %s", icon, name, state)).
			SetTextColor(color).
			SetBackgroundColor(ColorBackground).
			SetExpansion(1)
		v.table.SetCell(i, 0, cell)
	}
}

// selfReady reports the user's own ready flag in the current room.
func (v *LobbyView) selfReady() bool {
	for _, p := range v.snap.Players {
		if p.Username == v.snap.Username {
			return p.Ready
		}
	}
	return false
}

func (v *LobbyView) setChatOpen(open bool) {
	v.chatOpen = open
	if open {
		v.right.SwitchToPage("chat")
		v.app.SetFocus(v.input)
	} else {
		v.right.SwitchToPage("info")
		v.app.SetFocus(v.table)
	}
	v.footer.SetText(footerText(v.inRoom, v.chatOpen))
	if v.onChat != nil {
		v.onChat(open)
	}
}

func (v *LobbyView) setTyping(typing bool) {
	if typing == v.typingSent {
		return
	}
	v.typingSent = typing
	if v.onTyping != nil {
		v.onTyping(typing)
	}
}

func (v *LobbyView) setupInput() {
	v.input.SetChangedFunc(func(text string) {
		v.setTyping(strings.TrimSpace(text) != "")
	})
	v.input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			body := strings.TrimSpace(v.input.GetText())
			if body == "" {
				return
			}
			v.input.SetText("")
			if v.onSend != nil {
				v.onSend(body)
			}
		case tcell.KeyEscape:
			v.input.SetText("")
			v.setChatOpen(false)
		}
	})

	v.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'n':
			if !v.inRoom && v.onCreate != nil {
				v.onCreate()
			}
			return nil
		case 'j':
			if !v.inRoom && v.onJoin != nil {
				v.onJoin()
			}
			return nil
		case 'l':
			if v.inRoom && v.onLeave != nil {
				v.onLeave()
			}
			return nil
		case 'r':
			if v.inRoom && v.onReady != nil {
				v.onReady(!v.selfReady())
			}
			return nil
		case 'g':
			if v.inRoom && v.snap.IsHost && v.onGoal != nil {
				v.onGoal()
			}
			return nil
		case 's':
			if v.inRoom && v.onStats != nil {
				v.onStats()
			}
			return nil
		case 'c':
			if v.inRoom {
				v.setChatOpen(!v.chatOpen)
			}
			return nil
		case 'q':
			if v.onQuit != nil {
				v.onQuit()
			}
			return nil
		}
		return event
	})
}

func headerText(snap room.Snapshot, inRoom bool, conn string) string {
	icon, color := ConnectionIcon(conn)
	var sb strings.Builder
	sb.WriteString("[blue]FLOWNA[-]   ")
	fmt.Fprintf(&sb, "%s%s %s[-]", tag(color), icon, conn)
	if !inRoom {
		sb.WriteString("   not in a room")
		return sb.String()
	}

	fmt.Fprintf(&sb, "   room [yellow]%s[-]", snap.Code)
	if snap.IsHost {
		sb.WriteString(" (host)")
	}
	if !snap.Loaded {
		sb.WriteString("  loading...")
	}
	studied := formatMinutes(snap.StudyTime.StudyMinutes)
	if snap.GoalHours > 0 {
		fmt.Fprintf(&sb, "   studied %s / %sh", studied, humanize.Ftoa(snap.GoalHours))
	} else {
		fmt.Fprintf(&sb, "   studied %s", studied)
	}
	if snap.Timer.Running || snap.Timer.Remaining > 0 {
		fmt.Fprintf(&sb, "   [green]⏱ %s[-]", snap.Timer.Format())
	}
	if snap.ExamRunning {
		sb.WriteString("   [red]EXAM RUNNING[-]")
	}
	if snap.Unread {
		sb.WriteString("   [yellow]✉ new messages[-]")
	}
	return sb.String()
}

func chatText(msgs []room.ChatMessage, now time.Time) string {
	if len(msgs) == 0 {
		return "[gray]No messages yet.[-]"
	}
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		age := "unknown time"
		if !m.SentAt.IsZero() {
			age = humanize.RelTime(m.SentAt, now, "ago", "from now")
		}
		fmt.Fprintf(&sb, "[gray]%s[-] [blue]%s[-]: %s", age, tview.Escape(m.Sender), tview.Escape(m.Body))
	}
	return sb.String()
}

// typingText lists the other users currently typing.
func typingText(users []string, self string) string {
	var others []string
	for _, u := range users {
		if u != self {
			others = append(others, u)
		}
	}
	switch len(others) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("[gray]%s is typing...[-]", others[0])
	case 2:
		return fmt.Sprintf("[gray]%s and %s are typing...[-]", others[0], others[1])
	default:
		return fmt.Sprintf("[gray]%d people are typing...[-]", len(others))
	}
}

func infoText(snap room.Snapshot, inRoom bool) string {
	if !inRoom {
		return "\n  Not in a room.\n\n  Press [green]n[-] to create one or [green]j[-] to join by code."
	}
	var sb strings.Builder

	sb.WriteString("\n  [yellow]Goals[-]\n")
	if len(snap.Goals) == 0 {
		sb.WriteString("  [gray]none[-]\n")
	}
	for _, g := range snap.Goals {
		box := "[ ]"
		if g.Completed {
			box = "[x]"
		}
		fmt.Fprintf(&sb, "  %s %s\n", tview.Escape(box), tview.Escape(g.Text))
	}

	fmt.Fprintf(&sb, "\n  [yellow]Time[-]\n  study %s  practice %s\n",
		formatMinutes(snap.StudyTime.StudyMinutes), formatMinutes(snap.StudyTime.PracticeMinutes))

	if len(snap.Lectures) > 0 {
		sb.WriteString("\n  [yellow]Lectures[-]\n")
		for _, l := range snap.Lectures {
			fmt.Fprintf(&sb, "  %s\n", tview.Escape(l.Title))
		}
	}
	if len(snap.Sessions) > 0 {
		sb.WriteString("\n  [yellow]Sessions[-]\n")
		for _, s := range snap.Sessions {
			fmt.Fprintf(&sb, "  %s  %s\n", tview.Escape(s.Name), formatMinutes(s.Minutes))
		}
	}
	if snap.ExternalLink != "" {
		fmt.Fprintf(&sb, "\n  [yellow]Voice[-]\n  %s\n", tview.Escape(snap.ExternalLink))
	}
	return sb.String()
}

func footerText(inRoom, chatOpen bool) string {
	switch {
	case !inRoom:
		return "[green]n[-] create  [green]j[-] join  [green]?[-] help  [green]q[-] quit"
	case chatOpen:
		return "[green]Enter[-] send  [green]Esc[-] close chat"
	default:
		return "[green]c[-] chat  [green]r[-] ready  [green]g[-] goal  [green]s[-] stats  " +
			"[green]l[-] leave  [green]?[-] help  [green]q[-] quit"
	}
}

// formatMinutes renders a minute count as 45m or 2h05m.
func formatMinutes(m int) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", m/60, m%60)
}
