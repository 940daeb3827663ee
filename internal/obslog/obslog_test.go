package obslog

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"debug":   log.DebugLevel,
		"DEBUG":   log.DebugLevel,
		"warn":    log.WarnLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"info":    log.InfoLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "error")
	logger.Info("should be suppressed")
	if buf.Len() != 0 {
		t.Fatalf("expected info-level message to be suppressed at error level, got %q", buf.String())
	}
	logger.Error("should appear")
	if buf.Len() == 0 {
		t.Fatal("expected error-level message to be written")
	}
}
