package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/asi-lab/tpx3stream/errkind"
)

func TestRecordWritesOkAndErrorRows(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := l.Record(now, nil); err != nil {
		t.Fatalf("Record(ok): %v", err)
	}
	tdcErr := errkind.Wrap(errkind.TdcNoReceived, errkind.ErrTdcNoReceived)
	if err := l.Record(now.Add(time.Minute), tdcErr); err != nil {
		t.Fatalf("Record(error): %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	day, _ := formatDayForTest(now)
	body, err := os.ReadFile(filepath.Join(dir, day+".csv"))
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	content := string(body)
	if !strings.Contains(content, "OK") || !strings.Contains(content, "ERROR") || !strings.Contains(content, "TdcNoReceived") {
		t.Errorf("csv content = %q, missing expected rows", content)
	}
}

func formatDayForTest(t time.Time) (string, error) {
	return t.Format("2006_01_02"), nil
}
