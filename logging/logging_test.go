package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func jsonLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	l, err := Setup(Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	var buf bytes.Buffer
	l.SetOutput(&buf)
	return l, &buf
}

func lines(buf *bytes.Buffer) []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if json.Unmarshal([]byte(line), &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestLogger_Levels(t *testing.T) {
	logger, buf := jsonLogger(t)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	got := lines(buf)
	if len(got) != 1 {
		t.Fatalf("got %d lines, want 1", len(got))
	}
	if got[0]["level"] != "INFO" || got[0]["msg"] != "info message" {
		t.Errorf("unexpected entry: %v", got[0])
	}

	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")
	if len(lines(buf)) != 2 {
		t.Error("debug message should pass after SetLevel(DEBUG)")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	logger, buf := jsonLogger(t)

	logger.WithComponent("scheduler").Info("dispatched")

	got := lines(buf)
	if len(got) != 1 || got[0]["component"] != "scheduler" {
		t.Errorf("expected component scheduler, got: %s", buf.String())
	}
}

func TestLogger_Fields(t *testing.T) {
	logger, buf := jsonLogger(t)

	logger.Warn("engine failed", map[string]interface{}{
		"engine": 3,
		"heart":  "h3",
		"error":  errors.New("missed heartbeats"),
	})

	got := lines(buf)
	if len(got) != 1 {
		t.Fatalf("got %d lines", len(got))
	}
	if got[0]["heart"] != "h3" || got[0]["engine"] != float64(3) {
		t.Errorf("fields missing: %v", got[0])
	}
	if got[0]["error"] != "missed heartbeats" {
		t.Errorf("error field = %v", got[0]["error"])
	}
}

func TestLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("hub")
	logger.SetOutput(&buf)

	logger.Info("registered", map[string]interface{}{"id": 0})

	out := buf.String()
	for _, want := range []string{"INFO", "hub", "registered", `"id": 0`} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q: %s", want, out)
		}
	}
}

func TestLogger_Nop(t *testing.T) {
	l := Nop().WithComponent("x")
	l.Info("dropped", map[string]interface{}{"k": "v"})
	l.Error("dropped too")
}

func TestSetup_FileOutputWithRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hub.log")
	l, err := Setup(Config{
		Level:    "debug",
		Format:   "json",
		Outputs:  []string{path},
		Rotation: RotationConfig{Enable: true, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	l.WithComponent("monitor").Debug("tick", map[string]interface{}{"token": "7"})
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"token":"7"`) {
		t.Errorf("log file content: %s", data)
	}
}
