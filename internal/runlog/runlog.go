// Package runlog appends one row per run outcome to a daily-rotated
// CSV file: timestamp, OK/ERROR, and the errkind taxonomy value, if
// any (§7 Propagation: "a daily log file records OK / ERROR plus the
// kind"). The CSV writer itself is encoding/csv: no pack example wires
// a structured-logging sink specifically for tabular audit rows, and
// csv.Writer already gives quoting/escaping for free, so no
// third-party replacement is grounded here (see DESIGN.md).
package runlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/asi-lab/tpx3stream/errkind"
)

const dailyPattern = "%Y_%m_%d"

// Log is a daily-rotated CSV run-outcome log.
type Log struct {
	mu      sync.Mutex
	dir     string
	day     string
	file    *os.File
	writer  *csv.Writer
}

// Open prepares a Log rooted at dir; the first row is written (and
// the day's file created) lazily, on the first call to Record.
func Open(dir string) *Log {
	return &Log{dir: dir}
}

func (l *Log) rotate(now time.Time) error {
	day, err := strftime.Format(dailyPattern, now)
	if err != nil {
		return fmt.Errorf("runlog: formatting day: %w", err)
	}
	if day == l.day && l.file != nil {
		return nil
	}
	if l.file != nil {
		l.writer.Flush()
		l.file.Close()
	}
	path := filepath.Join(l.dir, day+".csv")
	isNew := true
	if _, err := os.Stat(path); err == nil {
		isNew = false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("runlog: opening %s: %w", path, err)
	}
	l.file = f
	l.writer = csv.NewWriter(f)
	l.day = day
	if isNew {
		if err := l.writer.Write([]string{"timestamp", "status", "kind"}); err != nil {
			return err
		}
		l.writer.Flush()
	}
	return nil
}

// Record appends one row. A nil err records "OK" with an empty kind
// column; a non-nil err records "ERROR" and, if it wraps an
// errkind.TpxError, that error's Kind.
func (l *Log) Record(now time.Time, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rotErr := l.rotate(now); rotErr != nil {
		return rotErr
	}

	status := "OK"
	kind := ""
	if err != nil {
		status = "ERROR"
		var tpxErr *errkind.TpxError
		if errors.As(err, &tpxErr) {
			kind = tpxErr.Kind.String()
		}
	}

	row := []string{now.UTC().Format(time.RFC3339), status, kind}
	if werr := l.writer.Write(row); werr != nil {
		return werr
	}
	l.writer.Flush()
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	return l.file.Close()
}
