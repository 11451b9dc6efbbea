package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Duration is a time.Duration that reads "5s"-style strings or plain
// milliseconds from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or milliseconds: %s", b)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

type StatusServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	// RequireToken protects the endpoints with a bearer token written to
	// StatusTokenPath at startup.
	RequireToken bool `json:"requireToken"`
}

// NotificationsConfig controls the alerts sent when an exam starts in the
// current room.
type NotificationsConfig struct {
	Enabled bool   `json:"enabled"`
	Desktop bool   `json:"desktop"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

type Config struct {
	APIBaseURL     string              `json:"apiBaseURL"`
	BrokerURL      string              `json:"brokerURL"`
	ReconnectDelay Duration            `json:"reconnectDelay"`
	HeartBeat      Duration            `json:"heartBeat"`
	StatsInterval  Duration            `json:"statsInterval"`
	LogDir         string              `json:"logDir"`
	LogLevel       string              `json:"logLevel"`
	LogFormat      string              `json:"logFormat"`
	StatusServer   StatusServerConfig  `json:"statusServer"`
	Notifications  NotificationsConfig `json:"notifications"`
}

// Dir is the per-user state directory, ~/.flowna unless FLOWNA_HOME is set.
func Dir() string {
	if d := os.Getenv("FLOWNA_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".flowna")
}

func Defaults() Config {
	return Config{
		APIBaseURL:     "http://localhost:8080",
		BrokerURL:      "ws://localhost:8080/ws",
		ReconnectDelay: Duration(5 * time.Second),
		HeartBeat:      Duration(10 * time.Second),
		StatsInterval:  Duration(time.Minute),
		LogDir:         filepath.Join(Dir(), "logs"),
		LogLevel:       "info",
		LogFormat:      "text",
		StatusServer: StatusServerConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    7420,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
	}
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

func DBPath() string {
	return filepath.Join(Dir(), "state.db")
}

func StatusTokenPath() string {
	return filepath.Join(Dir(), "status.token")
}

// Load reads path over Defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if !strings.HasPrefix(c.BrokerURL, "ws://") && !strings.HasPrefix(c.BrokerURL, "wss://") {
		return fmt.Errorf("brokerURL must be a ws:// or wss:// URL, got %q", c.BrokerURL)
	}
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("apiBaseURL must be an http(s) URL, got %q", c.APIBaseURL)
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnectDelay must be positive")
	}
	if c.StatsInterval <= 0 {
		return errors.New("statsInterval must be positive")
	}
	return nil
}

// Addr is the status server's listen address.
func (s StatusServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
