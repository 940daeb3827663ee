package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asi-lab/tpx3stream/config"
)

func TestRunNameFormat(t *testing.T) {
	ts := time.Date(2026, 7, 30, 14, 5, 9, 0, time.UTC)
	if got, want := RunName(ts), "2026_07_30_14_05_09"; got != want {
		t.Errorf("RunName() = %q, want %q", got, want)
	}
}

func TestOpenWritesSettingsAndRaw(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	settings := config.Settings{Bin: true, ByteDepth: 4, Mode: 1}

	run, err := Open(dir, ts, settings)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := run.WriteRaw([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if err := run.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := RunName(ts)
	jsonBytes, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		t.Fatalf("reading settings json: %v", err)
	}
	var got config.Settings
	if err := json.Unmarshal(jsonBytes, &got); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	if got.ByteDepth != 4 || got.Mode != 1 {
		t.Errorf("persisted settings = %+v", got)
	}

	rawBytes, err := os.ReadFile(filepath.Join(dir, name+".tpx3"))
	if err != nil {
		t.Fatalf("reading raw stream: %v", err)
	}
	if len(rawBytes) != 8 {
		t.Errorf("len(rawBytes) = %d, want 8", len(rawBytes))
	}
}
