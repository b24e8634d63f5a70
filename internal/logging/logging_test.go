package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("expected json, got %v (%v)", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("expected text default, got %v (%v)", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLevelString(t *testing.T) {
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(lvl))
		if err != nil || parsed != lvl {
			t.Errorf("round trip failed for %v", lvl)
		}
	}
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.WithComponent("policy").Info("evaluated", "screen", "Wallet")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "policy" {
		t.Errorf("expected component policy, got %v", entry["component"])
	}
	if entry["screen"] != "Wallet" {
		t.Errorf("expected screen Wallet, got %v", entry["screen"])
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("connect", "api_key", "abc123", "screen", "Home")

	out := buf.String()
	if strings.Contains(out, "abc123") {
		t.Errorf("secret leaked into output: %s", out)
	}
	if !strings.Contains(out, "screen=Home") {
		t.Errorf("expected plain attribute in output: %s", out)
	}
}

func TestFileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "screenguard.log")

	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("overlay unavailable")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "overlay unavailable") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"api_key", true},
		{"auth_token", true},
		{"screen", false},
		{"kind", false},
		{"depth", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}
