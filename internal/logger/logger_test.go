package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json").With("generation", "g-1")
	l.Info("step done", "step", 3, 7, "non-string key", "err", errors.New("boom"), "orphan")

	var event map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if event["message"] != "step done" {
		t.Errorf("unexpected message: %v", event["message"])
	}
	if event["generation"] != "g-1" {
		t.Errorf("expected With field to be carried, got %v", event["generation"])
	}
	if event["step"] != float64(3) {
		t.Errorf("expected step 3, got %v", event["step"])
	}
	if event["7"] != "non-string key" {
		t.Errorf("expected non-string key to be stringified, got %v", event["7"])
	}
	if event["err"] != "boom" {
		t.Errorf("expected error field, got %v", event["err"])
	}
	if _, ok := event["orphan"]; ok {
		t.Error("orphan key without value should be dropped")
	}
}

func TestConsoleLevelFiltering(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "console")
	l.Info("filtered")
	l.Warn("filtered too")
	l.Error("kept", "key", nil)

	out := buf.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("expected info and warn to be filtered, got %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("expected error line, got %q", out)
	}
}
