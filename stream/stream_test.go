package stream

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/asi-lab/tpx3stream/errkind"
	"github.com/asi-lab/tpx3stream/event"
	"github.com/asi-lab/tpx3stream/measurement"
)

type fixedReader struct {
	n   int
	err error
}

func (f fixedReader) Read(buf []byte) (int, error) { return f.n, f.err }

func TestReadAlignedRejectsPartialWord(t *testing.T) {
	_, err := ReadAligned(fixedReader{n: 10}, make([]byte, 16))
	var tpxErr *errkind.TpxError
	if !errors.As(err, &tpxErr) || tpxErr.Kind != errkind.TimepixReadOver {
		t.Fatalf("expected TimepixReadOver, got %v", err)
	}
}

func TestReadAlignedAcceptsWholeWords(t *testing.T) {
	n, err := ReadAligned(fixedReader{n: 16}, make([]byte, 16))
	if err != nil || n != 16 {
		t.Fatalf("ReadAligned() = (%d, %v), want (16, nil)", n, err)
	}
}

// TestHeaderSanity covers universal property 8: dataSize must equal
// the payload's byte length, and the malformed measurementID quote
// layout must be preserved verbatim.
func TestHeaderSanity(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	header := BuildHeader(1000, 5, uint64(len(payload)), 32, 1025, 1)
	s := string(header)
	if !strings.Contains(s, `"dataSize":4`) {
		t.Errorf("header missing matching dataSize: %s", s)
	}
	if !strings.Contains(s, `"measurementID:"Null"`) {
		t.Errorf("header must preserve the malformed measurementID quote layout verbatim: %s", s)
	}
	if !strings.HasSuffix(s, "}\n") {
		t.Errorf("header must be newline-terminated: %q", s)
	}
}

func TestDriverMaybeEmitWritesAndResets(t *testing.T) {
	var buf bytes.Buffer
	d := &Driver{Conn: &buf, Width: 4, Height: 1, BitDepth: 2}
	acc := measurement.NewLive1D(4, measurement.Depth16)
	acc.AddElectron(event.SingleElectron{X: 1})

	if err := d.MaybeEmit(acc, false, 42); err != nil {
		t.Fatalf("MaybeEmit on not-ready accumulator errored: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("MaybeEmit should not write when accumulator is not ready")
	}

	acc.UptFrame(&fakeFrameTdc{}, 100, 0)
	if err := d.MaybeEmit(acc, false, 42); err != nil {
		t.Fatalf("MaybeEmit: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected a header+payload write once ready")
	}
	if acc.IsReady() {
		t.Fatal("MaybeEmit must reset readiness after emitting")
	}
}

type fakeFrameTdc struct{ n uint64 }

func (f *fakeFrameTdc) Upt(t uint64, hw uint16) { f.n++ }
func (f *fakeFrameTdc) Counter() uint64         { return f.n }

func TestPipelineSpimTransfersOwnership(t *testing.T) {
	var consumed []measurement.SpimHit
	err := PipelineSpim(4, func(send func(measurement.SpimHit)) error {
		send(measurement.SpimHit{X: 1, Dt: 10})
		send(measurement.SpimHit{X: 2, Dt: 20})
		return nil
	}, func(h measurement.SpimHit) {
		consumed = append(consumed, h)
	})
	if err != nil {
		t.Fatalf("PipelineSpim: %v", err)
	}
	if len(consumed) != 2 || consumed[1].X != 2 {
		t.Fatalf("consumed = %+v", consumed)
	}
}

func TestPipelineSpimSurfacesProducerError(t *testing.T) {
	wantErr := errors.New("boom")
	err := PipelineSpim(1, func(send func(measurement.SpimHit)) error {
		return wantErr
	}, func(measurement.SpimHit) {})
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
