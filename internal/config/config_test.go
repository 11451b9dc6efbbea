package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowna/flowna-cli/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if time.Duration(cfg.ReconnectDelay) != 5*time.Second {
		t.Errorf("reconnect delay: got %v want 5s", time.Duration(cfg.ReconnectDelay))
	}
	if cfg.StatusServer.Enabled {
		t.Error("status server should be off by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"brokerURL": "wss://flowna.example/ws",
		"reconnectDelay": "2s",
		"heartBeat": 2500,
		"statusServer": {"enabled": true, "port": 9000},
		"notifications": {"enabled": true, "ntfy": "https://ntfy.sh/flowna-room"}
	}`), 0644)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BrokerURL != "wss://flowna.example/ws" {
		t.Errorf("broker: got %q", cfg.BrokerURL)
	}
	if time.Duration(cfg.ReconnectDelay) != 2*time.Second {
		t.Errorf("reconnect delay: %v", time.Duration(cfg.ReconnectDelay))
	}
	if time.Duration(cfg.HeartBeat) != 2500*time.Millisecond {
		t.Errorf("heartbeat: %v", time.Duration(cfg.HeartBeat))
	}
	if cfg.StatusServer.Addr() != "127.0.0.1:9000" {
		t.Errorf("addr: %q", cfg.StatusServer.Addr())
	}
	if !cfg.Notifications.Enabled || cfg.Notifications.NtfyURL != "https://ntfy.sh/flowna-room" {
		t.Errorf("notifications: %+v", cfg.Notifications)
	}
	if !cfg.Notifications.Desktop {
		t.Error("desktop notifications should default on")
	}
	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Errorf("unset fields should keep defaults, got %q", cfg.APIBaseURL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"broker scheme": `{"brokerURL":"http://x/ws"}`,
		"bad duration":  `{"reconnectDelay":"soon"}`,
		"zero delay":    `{"reconnectDelay":"0s"}`,
		"not json":      `{`,
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "config.json")
		os.WriteFile(path, []byte(body), 0644)
		if _, err := config.Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLOWNA_HOME", dir)
	if got := config.DBPath(); got != filepath.Join(dir, "state.db") {
		t.Errorf("db path: %q", got)
	}
	if got := config.DefaultPath(); got != filepath.Join(dir, "config.json") {
		t.Errorf("config path: %q", got)
	}
}
