package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogf_Format(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(nil)

	oldLevel := GlobalLogLevel
	defer func() {
		GlobalLogLevel = oldLevel
	}()

	GlobalLogLevel = LogLevelError | LogLevelInfo
	Logf("MINER", "launching %d miners", 4)
	Debugf("MINER", "hidden")

	line := buf.String()
	if !strings.Contains(line, " [MINER] INFO launching 4 miners\n") {
		t.Errorf("unexpected log line %q", line)
	}
	if strings.Contains(line, "hidden") {
		t.Errorf("debug line written while debug disabled")
	}
}

func TestParseLogLevel(t *testing.T) {
	if l, err := ParseLogLevel("debug"); err != nil || l&LogLevelDebug == 0 {
		t.Errorf("expected debug level, got %d %v", l, err)
	}
	if l, err := ParseLogLevel("error"); err != nil || l != LogLevelError {
		t.Errorf("expected error level, got %d %v", l, err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}
