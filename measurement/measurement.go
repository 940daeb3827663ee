// Package measurement implements the live output data products: a
// strategy object per mode in the dispatch table of §4.6, each
// exposing IsReady/BuildOutput/Reset plus mode-specific add/update
// methods. The daemon picks one concrete accumulator per run by mode
// and drives it through that mode's own dispatch glue, while the
// emit path sees it only through the small stream.Emitting interface,
// rather than routing through a class hierarchy (§9 "polymorphic
// measurement kinds").
package measurement

import (
	"encoding/binary"
	"time"

	"github.com/asi-lab/tpx3stream/event"
	"github.com/asi-lab/tpx3stream/packet"
)

// FrameTdc is the subset of tdcref.Control the accumulators need to
// advance on a frame marker: update the running counter from a raw
// hit, and read it back. Kept as a narrow interface (rather than the
// concrete *tdcref.PeriodicRef) so a mode's ready/reset logic can be
// tested without driving a live three-pulse prelude search.
type FrameTdc interface {
	Upt(t uint64, hardCounter uint16)
	Counter() uint64
}

// Mode identifies one of the client-selectable acquisition modes
// (§6.2's `mode` field).
type Mode int

const (
	ModeLive1D               Mode = 0
	ModeLive2D               Mode = 1
	ModeLiveTR1D             Mode = 2
	ModeLiveTR2D             Mode = 3
	ModeFastChrono           Mode = 6
	ModeChrono               Mode = 7
	ModeCoincidence2D        Mode = 10
	ModeLive1DFrameHyperspec Mode = 11
	ModeSpimLive             Mode = 12
	ModeSpim4D               Mode = 13
	ModeLive1DFrame          Mode = 14
)

// BitDepth is the configured output word width.
type BitDepth int

const (
	Depth8  BitDepth = 1
	Depth16 BitDepth = 2
	Depth32 BitDepth = 4
)

// serialize writes counts as little-endian words of the requested
// width, following the "as_bytes over plain-old-data" design note: the
// rewrite's analogue of an unsafe pointer cast is this explicit,
// bounds-checked width conversion.
func serialize(counts []uint64, depth BitDepth) []byte {
	out := make([]byte, len(counts)*int(depth))
	for i, c := range counts {
		off := i * int(depth)
		switch depth {
		case Depth8:
			out[off] = byte(c)
		case Depth16:
			binary.LittleEndian.PutUint16(out[off:], uint16(c))
		case Depth32:
			binary.LittleEndian.PutUint32(out[off:], uint32(c))
		}
	}
	return out
}

// Live1D is the 1D binned spectrum: X bins, ready every frame.
type Live1D struct {
	Width  uint32
	Depth  BitDepth
	counts []uint64
	ready  bool
}

func NewLive1D(width uint32, depth BitDepth) *Live1D {
	return &Live1D{Width: width, Depth: depth, counts: make([]uint64, width)}
}

func (m *Live1D) AddElectron(e event.SingleElectron) {
	if e.X < m.Width {
		m.counts[e.X]++
	}
}

// AddAuxTdc bumps the last column, the convention the table uses for
// every mode's "Aux-TDC effect" entry shaped "+1 at X-1".
func (m *Live1D) AddAuxTdc() {
	if m.Width > 0 {
		m.counts[m.Width-1]++
	}
}

// UptFrame advances the frame TdcRef and marks the accumulator ready;
// Live1D emits every frame.
func (m *Live1D) UptFrame(frameTdc FrameTdc, t uint64, hw uint16) {
	frameTdc.Upt(t, hw)
	m.ready = true
}

func (m *Live1D) IsReady() bool { return m.ready }
func (m *Live1D) Reset(cumul bool) {
	m.ready = false
	if !cumul {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
}
func (m *Live1D) BuildOutput() []byte { return serialize(m.counts, m.Depth) }
func (m *Live1D) Height() uint32      { return 1 }

// Live2D is the 2D frame: X*Y bins, ready on a 200 ms wall-clock
// cadence that coalesces with frame-TDC updates rather than queueing
// them (§4.6, §9 Open Questions: "the source coalesces. Preserve
// that.").
type Live2D struct {
	Width, Height uint32
	Depth         BitDepth
	counts        []uint64
	lastEmit      time.Time
	ready         bool
}

const live2DEmitInterval = 200 * time.Millisecond

func NewLive2D(width, height uint32, depth BitDepth) *Live2D {
	return &Live2D{Width: width, Height: height, Depth: depth, counts: make([]uint64, width*height), lastEmit: time.Now()}
}

func (m *Live2D) AddElectron(e event.SingleElectron) {
	if e.X < m.Width && e.Y < m.Height {
		m.counts[uint64(e.Y)*uint64(m.Width)+uint64(e.X)]++
	}
}

func (m *Live2D) AddAuxTdc() {
	if m.Width == 0 || m.Height == 0 {
		return
	}
	lastRowStart := uint64(m.Height-1) * uint64(m.Width)
	m.counts[lastRowStart+uint64(m.Width)-1]++
}

// UptFrame always advances the frame TdcRef's own counter; whether
// that coincides with a 200ms emit or not, the frame boundary itself
// is never dropped — only the emit cadence is throttled.
func (m *Live2D) UptFrame(frameTdc FrameTdc, t uint64, hw uint16) {
	frameTdc.Upt(t, hw)
	if time.Since(m.lastEmit) >= live2DEmitInterval {
		m.ready = true
		m.lastEmit = time.Now()
	}
}

func (m *Live2D) IsReady() bool { return m.ready }
func (m *Live2D) Reset(cumul bool) {
	m.ready = false
	if !cumul {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
}
func (m *Live2D) BuildOutput() []byte { return serialize(m.counts, m.Depth) }

// TimeResolvedGate is the [T_ref+D, T_ref+D+W] mod period window test
// shared by LiveTR1D/LiveTR2D ("electron in window" in the table).
func TimeResolvedGate(electronTime, tRef uint64, period uint64, delay, width uint64) bool {
	if period == 0 {
		return false
	}
	rel := (electronTime - tRef) % period
	return rel >= delay && rel <= delay+width
}

// LiveTR1D gates electrons through TimeResolvedGate against a tracked
// reference time, updated from the auxiliary TDC, before binning.
type LiveTR1D struct {
	Width       uint32
	Depth       BitDepth
	Delay, Win  uint64
	counts      []uint64
	tRef        uint64
	ready       bool
}

func NewLiveTR1D(width uint32, depth BitDepth, delay, width_ uint64) *LiveTR1D {
	return &LiveTR1D{Width: width, Depth: depth, Delay: delay, Win: width_, counts: make([]uint64, width)}
}

func (m *LiveTR1D) AddElectron(e event.SingleElectron, period uint64) {
	if !TimeResolvedGate(e.Time, m.tRef, period, m.Delay, m.Win) {
		return
	}
	if e.X < m.Width {
		m.counts[e.X]++
	}
}

func (m *LiveTR1D) UpdateReference(t uint64) { m.tRef = t }

func (m *LiveTR1D) UptFrame(frameTdc FrameTdc, t uint64, hw uint16) {
	frameTdc.Upt(t, hw)
	m.ready = true
}

func (m *LiveTR1D) IsReady() bool { return m.ready }
func (m *LiveTR1D) Reset(cumul bool) {
	m.ready = false
	if !cumul {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
}
func (m *LiveTR1D) BuildOutput() []byte { return serialize(m.counts, m.Depth) }

// LiveTR2D is LiveTR1D's 2D counterpart.
type LiveTR2D struct {
	Width, Height uint32
	Depth         BitDepth
	Delay, Win    uint64
	counts        []uint64
	tRef          uint64
	ready         bool
}

func NewLiveTR2D(width, height uint32, depth BitDepth, delay, width_ uint64) *LiveTR2D {
	return &LiveTR2D{Width: width, Height: height, Depth: depth, Delay: delay, Win: width_, counts: make([]uint64, width*height)}
}

func (m *LiveTR2D) AddElectron(e event.SingleElectron, period uint64) {
	if !TimeResolvedGate(e.Time, m.tRef, period, m.Delay, m.Win) {
		return
	}
	if e.X < m.Width && e.Y < m.Height {
		m.counts[uint64(e.Y)*uint64(m.Width)+uint64(e.X)]++
	}
}

func (m *LiveTR2D) UpdateReference(t uint64) { m.tRef = t }

func (m *LiveTR2D) UptFrame(frameTdc FrameTdc, t uint64, hw uint16) {
	frameTdc.Upt(t, hw)
	m.ready = true
}

func (m *LiveTR2D) IsReady() bool { return m.ready }
func (m *LiveTR2D) Reset(cumul bool) {
	m.ready = false
	if !cumul {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
}
func (m *LiveTR2D) BuildOutput() []byte { return serialize(m.counts, m.Depth) }

// FastChrono accumulates a chrono-spectrogram of Xspim lines by X
// columns, stopping once the frame counter passes Xspim lines.
type FastChrono struct {
	Xspim, Width uint32
	Depth        BitDepth
	counts       []uint64
	ready        bool
	stopped      bool
}

func NewFastChrono(xspim, width uint32, depth BitDepth) *FastChrono {
	return &FastChrono{Xspim: xspim, Width: width, Depth: depth, counts: make([]uint64, uint64(xspim)*uint64(width))}
}

func (m *FastChrono) AddElectron(e event.SingleElectron, frameCounter uint64) {
	if m.stopped {
		return
	}
	line := frameCounter / 2
	if line >= uint64(m.Xspim) {
		return
	}
	if e.X < m.Width {
		m.counts[line*uint64(m.Width)+uint64(e.X)]++
	}
}

func (m *FastChrono) AddAuxTdc(frameCounter uint64) {
	if m.stopped {
		return
	}
	line := frameCounter / 2
	if line >= uint64(m.Xspim) || m.Width == 0 {
		return
	}
	m.counts[line*uint64(m.Width)+uint64(m.Width)-1]++
}

func (m *FastChrono) UptFrame(frameTdc FrameTdc, t uint64, hw uint16) {
	frameTdc.Upt(t, hw)
	if frameTdc.Counter()/2 >= uint64(m.Xspim) {
		m.stopped = true
	}
	m.ready = true
}

func (m *FastChrono) IsReady() bool { return m.ready }
func (m *FastChrono) Reset(cumul bool) {
	m.ready = false
	if !cumul {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
}
func (m *FastChrono) BuildOutput() []byte { return serialize(m.counts, m.Depth) }

// Chrono is a rolling chrono-spectrogram: ready every 20 lines, and
// the buffer wipes on wrap (the frame counter cycling back past
// Xspim lines).
type Chrono struct {
	Xspim, Width uint32
	Depth        BitDepth
	counts       []uint64
	ready        bool
	lastLine     uint64
}

func NewChrono(xspim, width uint32, depth BitDepth) *Chrono {
	return &Chrono{Xspim: xspim, Width: width, Depth: depth, counts: make([]uint64, uint64(xspim)*uint64(width))}
}

func (m *Chrono) AddElectron(e event.SingleElectron, frameCounter uint64) {
	if m.Xspim == 0 {
		return
	}
	line := (frameCounter / 2) % uint64(m.Xspim)
	if e.X < m.Width {
		m.counts[line*uint64(m.Width)+uint64(e.X)]++
	}
}

func (m *Chrono) AddAuxTdc(frameCounter uint64) {
	if m.Xspim == 0 || m.Width == 0 {
		return
	}
	line := (frameCounter / 2) % uint64(m.Xspim)
	m.counts[line*uint64(m.Width)+uint64(m.Width)-1]++
}

func (m *Chrono) UptFrame(frameTdc FrameTdc, t uint64, hw uint16) {
	frameTdc.Upt(t, hw)
	line := frameTdc.Counter() / 2
	if m.Xspim != 0 && line%uint64(m.Xspim) == 0 && line != m.lastLine {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
	m.lastLine = line
	if line%20 == 0 {
		m.ready = true
	}
}

func (m *Chrono) IsReady() bool { return m.ready }
func (m *Chrono) Reset(cumul bool) {
	m.ready = false
	// Chrono wipes on wrap, not on every reset: cumul is meaningless
	// here since the buffer is a rolling window, not an accumulation.
	_ = cumul
}
func (m *Chrono) BuildOutput() []byte { return serialize(m.counts, m.Depth) }

// Coincidence2D accumulates a 2W-wide histogram per X column from a
// ring of the last K auxiliary-TDC pulse times, ready on a 2000 ms
// cadence (§4.6).
type Coincidence2D struct {
	Width, HalfWindow uint32
	Depth             BitDepth
	Delay             uint64
	counts            []uint64
	ring              []uint64
	ringSize          int
	ready             bool
	lastEmit          time.Time
}

const coincidenceEmitInterval = 2000 * time.Millisecond
const coincidenceRingSize = 4 // LIST_SIZE_AUX_EVENTS

func NewCoincidence2D(width uint32, halfWindow uint32, depth BitDepth, delay uint64) *Coincidence2D {
	return &Coincidence2D{
		Width: width, HalfWindow: halfWindow, Depth: depth, Delay: delay,
		counts:   make([]uint64, uint64(2*halfWindow)*uint64(width)),
		lastEmit: time.Now(),
	}
}

func (m *Coincidence2D) AddAuxPulse(t uint64) {
	m.ring = append(m.ring, t)
	if len(m.ring) > coincidenceRingSize {
		m.ring = m.ring[len(m.ring)-coincidenceRingSize:]
	}
}

func (m *Coincidence2D) AddElectron(e event.SingleElectron) {
	w := int64(m.HalfWindow)
	for _, p := range m.ring {
		rel := int64(p) - int64(m.Delay) + w - int64(e.Time)
		if rel < 0 || rel >= int64(2*w) {
			continue
		}
		if e.X >= m.Width {
			continue
		}
		m.counts[uint64(rel)*uint64(m.Width)+uint64(e.X)]++
	}
}

func (m *Coincidence2D) IsReady() bool {
	if time.Since(m.lastEmit) >= coincidenceEmitInterval {
		m.ready = true
	}
	return m.ready
}

func (m *Coincidence2D) Reset(cumul bool) {
	m.ready = false
	m.lastEmit = time.Now()
	if !cumul {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
}
func (m *Coincidence2D) BuildOutput() []byte { return serialize(m.counts, m.Depth) }

// ShutterControl coalesces the four per-chip shutter-close edges into
// one frame-complete signal, shared by Live1DFrame/Live2DFrame/
// Live1DFrameHyperspec (supplemented from the original's ShutterControl).
type ShutterControl struct {
	lastTime [4]uint64
	closed   [4]bool
	counter  [4]uint64
}

// TrySetTime records a shutter transition for chip ci and reports
// whether all four chips have now closed at the same timestamp,
// signalling one complete frame.
func (s *ShutterControl) TrySetTime(timestamp uint64, ci uint8, shutterClosed bool) bool {
	s.closed[ci] = shutterClosed
	if shutterClosed && s.lastTime[ci] != timestamp {
		s.lastTime[ci] = timestamp
		s.counter[ci]++
		for _, t := range s.lastTime {
			if t != timestamp {
				return false
			}
		}
		return true
	}
	return false
}

// DefaultHyperspecChunk is the production HYPERSPECTRAL_PIXEL_CHUNK:
// the number of scan positions the streamed hyperspec mode advances
// past on each coalesced shutter-close edge (§4.6).
const DefaultHyperspecChunk uint32 = 256

// Live1DFrameHyperspec accumulates TOT into a (scan_y*scan_x, X) cube
// and signals readiness once a chunk of HyperspecChunk pixels fills.
type Live1DFrameHyperspec struct {
	ScanWidth, ScanHeight, Width uint32
	Depth                        BitDepth
	HyperspecChunk               uint32
	cube                         []uint64
	shutter                      ShutterControl
	nextPixel                    uint32
	ready                        bool
}

func NewLive1DFrameHyperspec(scanWidth, scanHeight, width uint32, depth BitDepth, chunk uint32) *Live1DFrameHyperspec {
	return &Live1DFrameHyperspec{
		ScanWidth: scanWidth, ScanHeight: scanHeight, Width: width, Depth: depth,
		HyperspecChunk: chunk,
		cube:           make([]uint64, uint64(scanWidth)*uint64(scanHeight)*uint64(width)),
	}
}

// AddAtFrame adds TOT for one electron at the given flat scan-position
// index (the "(frame_number, x)" pairing in the dispatch table).
func (m *Live1DFrameHyperspec) AddAtFrame(scanIndex uint64, e event.SingleElectron) {
	if e.X >= m.Width {
		return
	}
	idx := scanIndex*uint64(m.Width) + uint64(e.X)
	if idx < uint64(len(m.cube)) {
		m.cube[idx] += uint64(e.Tot)
	}
}

// ShutterEdge feeds one shutter/frame packet's chip index and close
// state; once all four chips agree, advances the filled-pixel cursor
// by one chunk and marks ready.
func (m *Live1DFrameHyperspec) ShutterEdge(pkt packet.Packet, timestamp uint64) {
	complete := m.shutter.TrySetTime(timestamp, pkt.ChipIndex, true)
	if !complete {
		return
	}
	m.nextPixel += m.HyperspecChunk
	totalPixels := m.ScanWidth * m.ScanHeight
	if m.nextPixel >= totalPixels {
		m.nextPixel = totalPixels
	}
	m.ready = true
}

func (m *Live1DFrameHyperspec) IsReady() bool { return m.ready }
func (m *Live1DFrameHyperspec) Reset(cumul bool) {
	m.ready = false
	if !cumul {
		for i := range m.cube {
			m.cube[i] = 0
		}
	}
}
func (m *Live1DFrameHyperspec) BuildOutput() []byte { return serialize(m.cube, m.Depth) }

// Live1DFrame is the shutter-gated, frame-summed counterpart to Live1D
// (§C.2 supplemented feature): it accumulates TOT rather than hit
// count, and only becomes ready on a coalesced shutter-close edge
// across all four chips rather than on every periodic TdcRef tick.
type Live1DFrame struct {
	Width   uint32
	Depth   BitDepth
	counts  []uint64
	shutter ShutterControl
	ready   bool
}

func NewLive1DFrame(width uint32, depth BitDepth) *Live1DFrame {
	return &Live1DFrame{Width: width, Depth: depth, counts: make([]uint64, width)}
}

func (m *Live1DFrame) AddElectron(e event.SingleElectron) {
	if e.X < m.Width {
		m.counts[e.X] += uint64(e.Tot)
	}
}

func (m *Live1DFrame) AddAuxTdc() {
	if m.Width > 0 {
		m.counts[m.Width-1]++
	}
}

// ShutterEdge feeds one shutter/frame packet; once all four chips
// agree the frame is complete, Live1DFrame becomes ready.
func (m *Live1DFrame) ShutterEdge(pkt packet.Packet, timestamp uint64) {
	if m.shutter.TrySetTime(timestamp, pkt.ChipIndex, true) {
		m.ready = true
	}
}

func (m *Live1DFrame) IsReady() bool { return m.ready }
func (m *Live1DFrame) Reset(cumul bool) {
	m.ready = false
	if !cumul {
		for i := range m.counts {
			m.counts[i] = 0
		}
	}
}
func (m *Live1DFrame) BuildOutput() []byte { return serialize(m.counts, m.Depth) }

// SpimLive is a batch accumulator of SpimHit values (x, y, dt). The
// daemon's pipelined spim path does not use it: runSpim sends
// individual SpimHit values across the pipeline channel instead.
type SpimLive struct {
	Items []SpimHit
}

// SpimHit is one electron's scan-relative arrival, pre-indexing.
type SpimHit struct {
	X  uint32
	Y  uint32
	Dt uint64
}

func NewSpimLive() *SpimLive { return &SpimLive{} }

func (m *SpimLive) AddElectron(x, y uint32, electronTime, beginFrame, videoTime uint64) {
	m.Items = append(m.Items, SpimHit{X: x, Y: y, Dt: electronTime - beginFrame - videoTime})
}

func (m *SpimLive) IsReady() bool { return len(m.Items) > 0 }
func (m *SpimLive) Reset(bool)    { m.Items = m.Items[:0] }
