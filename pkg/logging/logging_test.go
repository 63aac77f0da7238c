package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"fatal", FatalLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "debug", Output: &buf})

	log.Component("swap").Info("tick done", "task", "0xab")

	out := buf.String()
	if !strings.Contains(out, "swap") {
		t.Errorf("component prefix missing from output: %q", out)
	}
	if !strings.Contains(out, "tick done") {
		t.Errorf("message missing from output: %q", out)
	}
}

func TestTaskAddsKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "info", Output: &buf})

	log.Task("0xfeed", "eth.htlc").Warn("waiting")

	out := buf.String()
	if !strings.Contains(out, "0xfeed") || !strings.Contains(out, "eth.htlc") {
		t.Errorf("task keys missing from output: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "error", Output: &buf})

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info written at error level: %q", buf.String())
	}

	log.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("error not written: %q", buf.String())
	}
}
