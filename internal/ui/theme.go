package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme colors for the TUI.
var (
	ColorBackground      = tcell.NewHexColor(0x1e1e2e)
	ColorBackgroundPanel = tcell.NewHexColor(0x181825)
	ColorBackgroundElem  = tcell.NewHexColor(0x313244)
	ColorPrimary         = tcell.NewHexColor(0x89b4fa) // blue
	ColorAccent          = tcell.NewHexColor(0xcba6f7) // mauve
	ColorText            = tcell.NewHexColor(0xcdd6f4)
	ColorTextMuted       = tcell.NewHexColor(0x6c7086)
	ColorSuccess         = tcell.NewHexColor(0xa6e3a1) // green
	ColorWarning         = tcell.NewHexColor(0xf9e2af) // yellow
	ColorError           = tcell.NewHexColor(0xf38ba8) // red
	ColorBorder          = tcell.NewHexColor(0x45475a)
	ColorSelected        = tcell.NewHexColor(0x89b4fa)
	ColorSelectedText    = tcell.NewHexColor(0x1e1e2e)
)

// Status icons
const (
	IconConnected    = "●"
	IconConnecting   = "⟳"
	IconDisconnected = "○"
	IconHost         = "★"
	IconReady        = "✓"
	IconWaiting      = "◐"
)

// ConnectionIcon maps a connection state to its header icon and color.
func ConnectionIcon(state string) (string, tcell.Color) {
	switch state {
	case "connected":
		return IconConnected, ColorSuccess
	case "connecting":
		return IconConnecting, ColorWarning
	default:
		return IconDisconnected, ColorError
	}
}

// PlayerIcon returns the icon and color of a row in the players table.
func PlayerIcon(host, ready bool) (string, tcell.Color) {
	switch {
	case host:
		return IconHost, ColorAccent
	case ready:
		return IconReady, ColorSuccess
	default:
		return IconWaiting, ColorTextMuted
	}
}

// tag renders a color as a tview style tag.
func tag(c tcell.Color) string {
	return fmt.Sprintf("[#%06x]", c.Hex())
}
