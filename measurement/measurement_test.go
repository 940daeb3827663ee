package measurement

import (
	"testing"
	"time"

	"github.com/asi-lab/tpx3stream/event"
	"github.com/asi-lab/tpx3stream/packet"
)

// fakeFrameTdc is a minimal FrameTdc stand-in so accumulator tests
// don't have to drive a live three-pulse prelude search.
type fakeFrameTdc struct{ count uint64 }

func (f *fakeFrameTdc) Upt(t uint64, hw uint16) { f.count++ }
func (f *fakeFrameTdc) Counter() uint64         { return f.count }

func TestLive1DBinningAndReset(t *testing.T) {
	m := NewLive1D(4, Depth16)
	m.AddElectron(event.SingleElectron{X: 1})
	m.AddElectron(event.SingleElectron{X: 1})
	m.AddElectron(event.SingleElectron{X: 3})
	out := m.BuildOutput()
	want := []uint16{0, 2, 0, 1}
	for i, w := range want {
		got := uint16(out[2*i]) | uint16(out[2*i+1])<<8
		if got != w {
			t.Errorf("bin %d = %d, want %d", i, got, w)
		}
	}
	m.Reset(false)
	if m.BuildOutput()[2] != 0 {
		t.Fatal("Reset(false) should clear counts")
	}
}

func TestLive1DFrameReadyOnUpt(t *testing.T) {
	m := NewLive1D(4, Depth8)
	frame := &fakeFrameTdc{}
	if m.IsReady() {
		t.Fatal("should not be ready before first frame")
	}
	m.UptFrame(frame, 1000, 0)
	if !m.IsReady() {
		t.Fatal("should be ready after UptFrame")
	}
}

func TestLive2DEmitCadenceCoalesces(t *testing.T) {
	m := NewLive2D(2, 2, Depth8)
	frame := &fakeFrameTdc{}
	m.lastEmit = m.lastEmit.Add(-time.Hour)
	m.UptFrame(frame, 1, 0)
	if !m.IsReady() {
		t.Fatal("expected ready once 200ms interval elapsed")
	}
	m.Reset(true)
	m.UptFrame(frame, 2, 0)
	if m.IsReady() {
		t.Fatal("a second UptFrame within the interval must coalesce, not queue, a new ready state")
	}
}

func TestTimeResolvedGateWraps(t *testing.T) {
	if !TimeResolvedGate(1105, 1000, 100, 0, 10) {
		t.Fatal("expected electron within [0,10] of period-relative reference to pass")
	}
	if TimeResolvedGate(1050, 1000, 100, 0, 10) {
		t.Fatal("expected electron outside window to fail")
	}
}

func TestShutterControlCoalescesFourChips(t *testing.T) {
	var s ShutterControl
	if s.TrySetTime(100, 0, true) {
		t.Fatal("single chip should not complete a frame")
	}
	if s.TrySetTime(100, 1, true) {
		t.Fatal("two chips should not complete a frame")
	}
	if s.TrySetTime(100, 2, true) {
		t.Fatal("three chips should not complete a frame")
	}
	if !s.TrySetTime(100, 3, true) {
		t.Fatal("fourth chip closing at the same timestamp should complete the frame")
	}
}

func TestLive1DFrameHyperspecAccumulatesTot(t *testing.T) {
	m := NewLive1DFrameHyperspec(2, 2, 4, Depth32, 1)
	m.AddAtFrame(0, event.SingleElectron{X: 1, Tot: 10})
	m.AddAtFrame(0, event.SingleElectron{X: 1, Tot: 5})
	p := packet.Packet{ChipIndex: 0}
	m.ShutterEdge(p, 100)
	m.ShutterEdge(packet.Packet{ChipIndex: 1}, 100)
	m.ShutterEdge(packet.Packet{ChipIndex: 2}, 100)
	if m.IsReady() {
		t.Fatal("should not be ready before the fourth chip closes")
	}
	m.ShutterEdge(packet.Packet{ChipIndex: 3}, 100)
	if !m.IsReady() {
		t.Fatal("should be ready once all four chips close at the same timestamp")
	}
	out := m.BuildOutput()
	got := uint32(out[4]) | uint32(out[5])<<8 | uint32(out[6])<<16 | uint32(out[7])<<24
	if got != 15 {
		t.Errorf("accumulated tot = %d, want 15", got)
	}
}

func TestSpimLiveAppendsRelativeTime(t *testing.T) {
	m := NewSpimLive()
	m.AddElectron(10, 20, 1500, 1000, 50)
	if len(m.Items) != 1 || m.Items[0].Dt != 450 {
		t.Fatalf("items = %+v, want one item with Dt=450", m.Items)
	}
	m.Reset(false)
	if len(m.Items) != 0 {
		t.Fatal("Reset should clear the pipelined item list")
	}
}
