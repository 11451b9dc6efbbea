package applog_test

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowna/flowna-cli/internal/applog"
)

func TestDailyRotator_CreatesFileOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, "", 7)
	defer r.Close()

	if _, err := r.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	name := filepath.Join(dir, "flowna-"+time.Now().Format("2006-01-02")+".log")
	if _, err := os.Stat(name); err != nil {
		t.Errorf("expected log file %q to exist: %v", name, err)
	}
	if got := r.FileName(time.Now()); got != name {
		t.Errorf("FileName: got %q want %q", got, name)
	}
}

func TestDailyRotator_RotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, "test", 7)
	defer r.Close()

	r.SetNow(func() time.Time { return time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC) })
	r.Write([]byte("day1\n"))
	r.SetNow(func() time.Time { return time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC) })
	r.Write([]byte("day2\n"))

	matches, _ := filepath.Glob(filepath.Join(dir, "test-*.log"))
	if len(matches) != 2 {
		t.Errorf("expected 2 log files after rotation, got %d", len(matches))
	}
	data, _ := os.ReadFile(filepath.Join(dir, "test-2026-01-02.log"))
	if string(data) != "day2\n" {
		t.Errorf("day 2 file: %q", data)
	}
}

func TestDailyRotator_PrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, "flowna", 3)

	// An unrelated file with another prefix must survive pruning.
	os.WriteFile(filepath.Join(dir, "other-2020-01-01.log"), nil, 0600)

	for i := 1; i <= 5; i++ {
		day := i
		r.SetNow(func() time.Time { return time.Date(2026, 1, day, 12, 0, 0, 0, time.UTC) })
		if _, err := r.Write([]byte("entry\n")); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "flowna-*.log"))
	if len(matches) != 3 {
		t.Errorf("expected 3 log files after pruning, got %d: %v", len(matches), matches)
	}
	for _, name := range matches {
		base := filepath.Base(name)
		if base == "flowna-2026-01-01.log" || base == "flowna-2026-01-02.log" {
			t.Errorf("old file %q should have been pruned", base)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "other-2020-01-01.log")); err != nil {
		t.Errorf("foreign log removed: %v", err)
	}
}

func TestInit_CreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "newlogs")
	_, closer, err := applog.Init(applog.InitConfig{LogDir: dir, LogLevel: "info"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected log dir %q to be created: %v", dir, err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
	}
	for _, tc := range cases {
		if got := applog.ParseLevel(tc.input); got != tc.level {
			t.Errorf("ParseLevel(%q): got %v want %v", tc.input, got, tc.level)
		}
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(applog.NewHandler(&buf, "json", slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("connected", "room", "ABC123")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not a single JSON record: %q", buf.String())
	}
	if rec["msg"] != "connected" || rec["room"] != "ABC123" {
		t.Errorf("record: %v", rec)
	}
}

func TestInit_StdlibLogRedirected(t *testing.T) {
	dir := t.TempDir()
	_, closer, err := applog.Init(applog.InitConfig{LogDir: dir, LogLevel: "info"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	log.Print("stdlib-log-test-marker")

	name := filepath.Join(dir, "flowna-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "stdlib-log-test-marker") {
		t.Errorf("stdlib log output not found in log file; file contents: %q", string(data))
	}
}
