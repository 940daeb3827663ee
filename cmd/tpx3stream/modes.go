// Per-mode decode-dispatch glue: one small type per §4.6 mode,
// closing over that mode's accumulator and TdcRef(s) and translating
// decoded packets into the accumulator's Add*/UptFrame/ShutterEdge
// calls. stream.DecodeWords owns the word-level decode loop; these
// types are what it drives.
package main

import (
	"net"
	"time"

	"github.com/asi-lab/tpx3stream/cluster"
	"github.com/asi-lab/tpx3stream/coincidence"
	"github.com/asi-lab/tpx3stream/config"
	"github.com/asi-lab/tpx3stream/event"
	"github.com/asi-lab/tpx3stream/internal/obslog"
	"github.com/asi-lab/tpx3stream/measurement"
	"github.com/asi-lab/tpx3stream/packet"
	"github.com/asi-lab/tpx3stream/scanindex"
	"github.com/asi-lab/tpx3stream/stream"
	"github.com/asi-lab/tpx3stream/tdcref"
)

// netTimepixReader adapts a net.Conn to tdcref.Reader so TdcRef
// construction can block on the same detector socket the decode loop
// reads from afterward.
type netTimepixReader struct{ conn net.Conn }

func (r netTimepixReader) ReadTimepix(buf []byte) (int, error) { return r.conn.Read(buf) }

// frameLine and auxLine are the two physical TDC input lines a run
// locks onto; every mode that needs a scan/frame reference and an
// auxiliary counter uses these two channels (§4.2).
const (
	frameLine = packet.TdcOneRisingEdge
	auxLine   = packet.TdcTwoRisingEdge
)

func buildFrameRef(detector net.Conn, ticksToFrame uint64) (*tdcref.PeriodicRef, error) {
	tt := ticksToFrame
	return tdcref.NewPeriodicRef(frameLine, netTimepixReader{conn: detector}, &tt)
}

func buildAuxRef() *tdcref.NonPeriodicRef {
	return tdcref.NewNonPeriodicRef(auxLine)
}

// clusterPolicy is the daemon's production cluster-merge policy,
// applied to every decoded batch before any accumulator sees it
// (§4.3): average position/time, summed TOT.
func clusterPolicy() cluster.Policy { return cluster.Average{} }

// modeGlue is what the synchronous run loop needs from a mode: decode
// dispatch for TDC/shutter words plus post-cluster electron delivery.
type modeGlue interface {
	stream.TdcShutterDispatch
	AddElectron(e event.SingleElectron)
}

// batchAware is implemented by modes that need a hook once one
// decoded-and-cluster-merged batch has been delivered to the
// accumulator.
type batchAware interface {
	BatchDone(electrons []event.SingleElectron)
}

// ---- Live1D / Live2D ----

type live1DDispatch struct {
	acc   *measurement.Live1D
	frame *tdcref.PeriodicRef
	aux   *tdcref.NonPeriodicRef
}

func (d *live1DDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.frame.ID()), p.TdcTypeField()):
		d.acc.UptFrame(d.frame, p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		d.aux.Upt(p.TdcTime(), p.TdcCounter())
		d.acc.AddAuxTdc()
	}
}
func (d *live1DDispatch) OnShutter(packet.Packet)            {}
func (d *live1DDispatch) AddElectron(e event.SingleElectron) { d.acc.AddElectron(e) }

type live2DDispatch struct {
	acc   *measurement.Live2D
	frame *tdcref.PeriodicRef
	aux   *tdcref.NonPeriodicRef
}

func (d *live2DDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.frame.ID()), p.TdcTypeField()):
		d.acc.UptFrame(d.frame, p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		d.aux.Upt(p.TdcTime(), p.TdcCounter())
		d.acc.AddAuxTdc()
	}
}
func (d *live2DDispatch) OnShutter(packet.Packet)            {}
func (d *live2DDispatch) AddElectron(e event.SingleElectron) { d.acc.AddElectron(e) }

// ---- LiveTR1D / LiveTR2D ----

type liveTR1DDispatch struct {
	acc   *measurement.LiveTR1D
	frame *tdcref.PeriodicRef
	aux   *tdcref.NonPeriodicRef
}

func (d *liveTR1DDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.frame.ID()), p.TdcTypeField()):
		d.acc.UptFrame(d.frame, p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		t := p.TdcTime()
		d.aux.Upt(t, p.TdcCounter())
		d.acc.UpdateReference(t)
	}
}
func (d *liveTR1DDispatch) OnShutter(packet.Packet) {}
func (d *liveTR1DDispatch) AddElectron(e event.SingleElectron) {
	period, _ := d.frame.Period()
	d.acc.AddElectron(e, period)
}

type liveTR2DDispatch struct {
	acc   *measurement.LiveTR2D
	frame *tdcref.PeriodicRef
	aux   *tdcref.NonPeriodicRef
}

func (d *liveTR2DDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.frame.ID()), p.TdcTypeField()):
		d.acc.UptFrame(d.frame, p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		t := p.TdcTime()
		d.aux.Upt(t, p.TdcCounter())
		d.acc.UpdateReference(t)
	}
}
func (d *liveTR2DDispatch) OnShutter(packet.Packet) {}
func (d *liveTR2DDispatch) AddElectron(e event.SingleElectron) {
	period, _ := d.frame.Period()
	d.acc.AddElectron(e, period)
}

// ---- FastChrono / Chrono ----

type fastChronoDispatch struct {
	acc   *measurement.FastChrono
	frame *tdcref.PeriodicRef
	aux   *tdcref.NonPeriodicRef
}

func (d *fastChronoDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.frame.ID()), p.TdcTypeField()):
		d.acc.UptFrame(d.frame, p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		d.aux.Upt(p.TdcTime(), p.TdcCounter())
		d.acc.AddAuxTdc(d.frame.Counter())
	}
}
func (d *fastChronoDispatch) OnShutter(packet.Packet) {}
func (d *fastChronoDispatch) AddElectron(e event.SingleElectron) {
	d.acc.AddElectron(e, d.frame.Counter())
}

type chronoDispatch struct {
	acc   *measurement.Chrono
	frame *tdcref.PeriodicRef
	aux   *tdcref.NonPeriodicRef
}

func (d *chronoDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.frame.ID()), p.TdcTypeField()):
		d.acc.UptFrame(d.frame, p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		d.aux.Upt(p.TdcTime(), p.TdcCounter())
		d.acc.AddAuxTdc(d.frame.Counter())
	}
}
func (d *chronoDispatch) OnShutter(packet.Packet) {}
func (d *chronoDispatch) AddElectron(e event.SingleElectron) {
	d.acc.AddElectron(e, d.frame.Counter())
}

// ---- Coincidence2D ----

// coincidence2DDispatch drives the live ring-histogram accumulator
// and, per batch, also runs the general coincidence.Search merge-walk
// over the batch's electrons against the aux pulses seen as photons
// in that same window — the diagnostic pairing §4.5 describes
// alongside the live 2D histogram.
type coincidence2DDispatch struct {
	acc          *measurement.Coincidence2D
	aux          *tdcref.NonPeriodicRef
	delay, width uint64
	logger       *obslog.Logger
	photons      []event.SinglePhoton
}

func (d *coincidence2DDispatch) OnTdc(p packet.Packet) {
	if tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()) {
		t := p.TdcTime()
		d.aux.Upt(t, p.TdcCounter())
		d.acc.AddAuxPulse(t)
		d.photons = append(d.photons, event.SinglePhoton{Time: t, Channel: uint8(p.TdcTypeField())})
	}
}
func (d *coincidence2DDispatch) OnShutter(packet.Packet)            {}
func (d *coincidence2DDispatch) AddElectron(e event.SingleElectron) { d.acc.AddElectron(e) }

func (d *coincidence2DDispatch) BatchDone(electrons []event.SingleElectron) {
	pairs, _ := coincidence.Search(electrons, d.photons, d.delay, d.width, 0)
	if len(pairs) > 0 {
		d.logger.Debug("coincidence pairs matched in batch", "count", len(pairs))
	}
	d.photons = d.photons[:0]
}

// ---- Live1DFrame ----

type live1DFrameDispatch struct {
	acc *measurement.Live1DFrame
	aux *tdcref.NonPeriodicRef
}

func (d *live1DFrameDispatch) OnTdc(p packet.Packet) {
	if tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()) {
		d.aux.Upt(p.TdcTime(), p.TdcCounter())
		d.acc.AddAuxTdc()
	}
}
func (d *live1DFrameDispatch) OnShutter(p packet.Packet)            { d.acc.ShutterEdge(p, p.FrameTime()) }
func (d *live1DFrameDispatch) AddElectron(e event.SingleElectron)   { d.acc.AddElectron(e) }

// ---- Live1DFrameHyperspec ----

type hyperspecDispatch struct {
	acc          *measurement.Live1DFrameHyperspec
	scan         *tdcref.PeriodicRef
	aux          *tdcref.NonPeriodicRef
	xspim, yspim uint64
	videoTime    uint64
}

func (d *hyperspecDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.scan.ID()), p.TdcTypeField()):
		d.scan.Upt(p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		d.aux.Upt(p.TdcTime(), p.TdcCounter())
	}
}
func (d *hyperspecDispatch) OnShutter(p packet.Packet) { d.acc.ShutterEdge(p, p.FrameTime()) }
func (d *hyperspecDispatch) AddElectron(e event.SingleElectron) {
	period, ok := d.scan.Period()
	if !ok {
		return
	}
	dt := e.Time - d.scan.BeginFrame - d.videoTime
	ref := scanindex.ScanRef{Period: period, LowTime: d.scan.LowTime}
	idx, ok := scanindex.Index(e.X, dt, ref, d.xspim, d.yspim)
	if !ok {
		return
	}
	// Index returns a full cube index (scan position * PixelStride + x);
	// AddAtFrame takes the scan position alone.
	d.acc.AddAtFrame(idx/scanindex.PixelStride, e)
}

// ---- Spim-Live / Spim-4D (pipelined) ----

// spimProducerDispatch is the decode-side glue for the pipelined spim
// modes: it only advances the scan/aux TdcRefs, since per-electron
// indexing happens on the consumer side once a hit crosses the
// channel (§5 Pipelined).
type spimProducerDispatch struct {
	scan *tdcref.PeriodicRef
	aux  *tdcref.NonPeriodicRef
}

func (d *spimProducerDispatch) OnTdc(p packet.Packet) {
	switch {
	case tdcref.SameInputLine(packet.TdcType(d.scan.ID()), p.TdcTypeField()):
		d.scan.Upt(p.TdcTime(), p.TdcCounter())
	case tdcref.SameInputLine(packet.TdcType(d.aux.ID()), p.TdcTypeField()):
		d.aux.Upt(p.TdcTime(), p.TdcCounter())
	}
}
func (d *spimProducerDispatch) OnShutter(packet.Packet) {}

// spimCube is the consumer-side flat index histogram: scanindex.Index
// (2D, Spim-Live) or scanindex.Index4D (Spim-4D) maps each SpimHit to
// a position here. Implements stream.Emitting so the existing Driver
// can flush it on the same 200ms cadence Live2D uses.
type spimCube struct {
	counts   []uint64
	depth    measurement.BitDepth
	lastEmit time.Time
	ready    bool
}

const spimEmitInterval = 200 * time.Millisecond

func newSpimCube(size int, depth measurement.BitDepth) *spimCube {
	return &spimCube{counts: make([]uint64, size), depth: depth, lastEmit: time.Now()}
}

func (c *spimCube) Add(idx uint64) {
	if idx < uint64(len(c.counts)) {
		c.counts[idx]++
	}
	if time.Since(c.lastEmit) >= spimEmitInterval {
		c.ready = true
	}
}

func (c *spimCube) IsReady() bool { return c.ready }
func (c *spimCube) Reset(cumul bool) {
	c.ready = false
	c.lastEmit = time.Now()
	if !cumul {
		for i := range c.counts {
			c.counts[i] = 0
		}
	}
}
func (c *spimCube) BuildOutput() []byte { return encodeCounts(c.counts, c.depth) }

// encodeCounts mirrors measurement's own little-endian width
// conversion (that helper is package-private, so the spim cube — the
// one accumulator living outside the measurement package — keeps its
// own copy rather than exporting an internal detail for one caller).
func encodeCounts(counts []uint64, depth measurement.BitDepth) []byte {
	out := make([]byte, len(counts)*int(depth))
	for i, c := range counts {
		off := i * int(depth)
		switch depth {
		case measurement.Depth8:
			out[off] = byte(c)
		case measurement.Depth16:
			out[off], out[off+1] = byte(c), byte(c>>8)
		case measurement.Depth32:
			out[off] = byte(c)
			out[off+1] = byte(c >> 8)
			out[off+2] = byte(c >> 16)
			out[off+3] = byte(c >> 24)
		}
	}
	return out
}

var _ stream.Emitting = (*spimCube)(nil)

// runSpim drives a pipelined spim mode (§5 Pipelined): the producer
// goroutine decodes words and turns cluster-merged electrons into
// SpimHits; the consumer goroutine maps each hit through the scan
// index and flushes the resulting cube to the client.
func runSpim(detector net.Conn, driver *stream.Driver, settings config.Settings, mode measurement.Mode, geometry packet.Geometry, scan *tdcref.PeriodicRef, aux *tdcref.NonPeriodicRef) error {
	xspim, yspim := uint64(settings.XspimSize), uint64(settings.YspimSize)

	var cube *spimCube
	depth := measurement.BitDepth(settings.ByteDepth)
	if mode == measurement.ModeSpim4D {
		cube = newSpimCube(int(xspim*yspim*uint64(geometry.PixelsX)*uint64(geometry.PixelsX)), depth)
	} else {
		cube = newSpimCube(int(xspim*yspim*scanindex.PixelStride), depth)
	}

	engine := cluster.NewEngine()
	policy := clusterPolicy()
	var chipIndex uint8

	produce := func(send func(measurement.SpimHit)) error {
		disp := &spimProducerDispatch{scan: scan, aux: aux}
		buf := make([]byte, 16384)
		for {
			n, err := stream.ReadAligned(detector, buf)
			if err != nil {
				return err
			}
			electrons := stream.DecodeWords(buf[:n], &chipIndex, geometry, disp)
			for _, e := range engine.Clean(electrons, policy) {
				send(measurement.SpimHit{X: e.X, Y: e.Y, Dt: e.Time - scan.BeginFrame - settings.VideoTime})
			}
		}
	}

	consume := func(h measurement.SpimHit) {
		ref := scanindex.ScanRef{Period: scan.PeriodTicks, LowTime: scan.LowTime}
		var idx uint64
		var ok bool
		if mode == measurement.ModeSpim4D {
			idx, ok = scanindex.Index4D(h.X, h.Y, h.Dt, ref, xspim, yspim, uint64(geometry.PixelsX))
		} else {
			idx, ok = scanindex.Index(h.X, h.Dt, ref, xspim, yspim)
		}
		if !ok {
			return
		}
		cube.Add(idx)
		_ = driver.MaybeEmit(cube, settings.Cumul, uint64(time.Now().UnixNano()))
	}

	return stream.PipelineSpim(1024, produce, consume)
}
