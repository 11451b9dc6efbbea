package ui

import (
	"testing"
)

func TestConnectionIconConnecting(t *testing.T) {
	icon, _ := ConnectionIcon("connecting")
	if icon != IconConnecting {
		t.Errorf("expected %q for connecting, got %q", IconConnecting, icon)
	}
}

func TestConnectionIconUnknownIsDisconnected(t *testing.T) {
	icon, color := ConnectionIcon("unknown-xyz")
	if icon != IconDisconnected || color != ColorError {
		t.Errorf("unknown state rendered as %q", icon)
	}
}

func TestConnectionIconConnectedDistinctFromDisconnected(t *testing.T) {
	_, connected := ConnectionIcon("connected")
	_, disconnected := ConnectionIcon("disconnected")
	if connected == disconnected {
		t.Error("connected should have distinct color from disconnected")
	}
}

func TestPlayerIconHostWinsOverReady(t *testing.T) {
	icon, _ := PlayerIcon(true, true)
	if icon != IconHost {
		t.Errorf("expected host icon, got %q", icon)
	}
	if icon, _ := PlayerIcon(false, true); icon != IconReady {
		t.Errorf("expected ready icon, got %q", icon)
	}
}
