// Package stream drives the two run shapes of §4.7: a synchronous
// single-thread loop for spectroscopic modes, and a strictly
// two-thread producer/consumer pipeline for spim modes connected by a
// bounded, ownership-transferring channel (§5 Scheduling model).
package stream

import (
	"fmt"

	"github.com/asi-lab/tpx3stream/errkind"
	"github.com/asi-lab/tpx3stream/measurement"
)

// Emitting is the common capability every measurement accumulator in
// this repo exposes: ready check, raw payload, and a cumulation-aware
// reset. The driver only ever needs this slice of a mode's interface;
// mode-specific Add* calls happen in the caller's decode loop before
// MaybeEmit is invoked.
type Emitting interface {
	IsReady() bool
	Reset(cumul bool)
	BuildOutput() []byte
}

var (
	_ Emitting = (*measurement.Live1D)(nil)
	_ Emitting = (*measurement.Live2D)(nil)
	_ Emitting = (*measurement.LiveTR1D)(nil)
	_ Emitting = (*measurement.LiveTR2D)(nil)
	_ Emitting = (*measurement.FastChrono)(nil)
	_ Emitting = (*measurement.Chrono)(nil)
	_ Emitting = (*measurement.Coincidence2D)(nil)
	_ Emitting = (*measurement.Live1DFrameHyperspec)(nil)
	_ Emitting = (*measurement.Live1DFrame)(nil)
)

// Reader supplies raw detector octets; satisfied by a net.Conn or any
// test double.
type Reader interface {
	Read(buf []byte) (int, error)
}

// Writer sends frame bytes to the client; satisfied by a net.Conn.
type Writer interface {
	Write(buf []byte) (int, error)
}

// ReadAligned reads one chunk from src and enforces the §4.1 ≥8-byte
// word alignment invariant: a read ending mid-word means the detector
// socket closed unexpectedly.
func ReadAligned(src Reader, buf []byte) (int, error) {
	n, err := src.Read(buf)
	if err != nil {
		return n, err
	}
	if n%8 != 0 {
		return n, errkind.Wrap(errkind.TimepixReadOver, errkind.ErrTimepixReadOver)
	}
	return n, nil
}

// BuildHeader renders the newline-terminated frame header. The
// "measurementID:"Null" fragment is written as a literal, not via a
// JSON encoder: the protocol's own worked example omits the closing
// quote of that key before its colon, and §6.3 requires the quote layout
// to be preserved byte-for-byte for wire compatibility with existing
// clients, malformed as it is.
func BuildHeader(timeAtFrame, frameNumber, dataSize uint64, bitDepth int, width, height uint32) []byte {
	return []byte(fmt.Sprintf(
		`{"timeAtFrame":%d,"frameNumber":%d,"measurementID:"Null","dataSize":%d,"bitDepth":%d,"width":%d,"height":%d}`+"\n",
		timeAtFrame, frameNumber, dataSize, bitDepth, width, height,
	))
}

// Driver is the synchronous, single-threaded emit path shared by every
// spectroscopic mode: build a header sized to match the payload that
// immediately follows it (§8 property 8), write both, then reset.
type Driver struct {
	Conn        Writer
	Width       uint32
	Height      uint32
	BitDepth    int
	FrameNumber uint64
}

// MaybeEmit writes one frame if acc reports ready, then resets it. A
// no-op (nil error, no write) when acc is not yet ready.
func (d *Driver) MaybeEmit(acc Emitting, cumul bool, timeAtFrame uint64) error {
	if !acc.IsReady() {
		return nil
	}
	payload := acc.BuildOutput()
	d.FrameNumber++
	header := BuildHeader(timeAtFrame, d.FrameNumber, uint64(len(payload)), d.BitDepth*8, d.Width, d.Height)
	if _, err := d.Conn.Write(header); err != nil {
		return err
	}
	if _, err := d.Conn.Write(payload); err != nil {
		return err
	}
	acc.Reset(cumul)
	return nil
}

// PipelineSpim runs the two-thread spim decode shape: produce runs on
// its own goroutine, pushing hits through a bounded channel (ownership
// transferring on send, no shared mutable accumulator); consume drains
// it on the caller's goroutine. Returns once produce finishes and the
// channel has drained, surfacing produce's error.
func PipelineSpim(bufferSize int, produce func(send func(measurement.SpimHit)) error, consume func(measurement.SpimHit)) error {
	ch := make(chan measurement.SpimHit, bufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		errCh <- produce(func(h measurement.SpimHit) { ch <- h })
	}()

	for h := range ch {
		consume(h)
	}
	return <-errCh
}
