// Package tdcref implements the per-channel TDC reference state
// machine: prelude construction from a raw packet stream, 12-bit
// hardware-counter overflow repair, and (for periodic references)
// period/high-time/low-time/begin-of-frame tracking used to lock the
// decoder to the scan signal.
package tdcref

import (
	"time"

	"github.com/asi-lab/tpx3stream/errkind"
	"github.com/asi-lab/tpx3stream/packet"
)

// Control is the capability set every TdcRef variant exposes. Kept as
// an interface over a small set of concrete structs rather than a
// class hierarchy, matching the "polymorphic measurement kinds" design
// note: a run picks one concrete variant at construction time and
// drives it monomorphically afterward.
type Control interface {
	ID() uint8
	Upt(t uint64, hardCounter uint16)
	Counter() uint64
	Time() uint64
	Period() (uint64, bool)
}

// SameInputLine reports whether check shares the physical TDC input
// line with kind (rising and falling edge of the same channel). The
// decode-dispatch loop uses it to route a live TDC pulse to whichever
// locked Control (frame or auxiliary) owns its line.
func SameInputLine(kind packet.TdcType, check packet.TdcType) bool {
	return sameInputLine(kind, check)
}

// sameInputLine reports whether check shares the physical TDC input
// line with kind (rising and falling edge of the same channel).
func sameInputLine(kind packet.TdcType, check packet.TdcType) bool {
	switch kind {
	case packet.TdcOneRisingEdge, packet.TdcOneFallingEdge:
		return check == packet.TdcOneRisingEdge || check == packet.TdcOneFallingEdge
	case packet.TdcTwoRisingEdge, packet.TdcTwoFallingEdge:
		return check == packet.TdcTwoRisingEdge || check == packet.TdcTwoFallingEdge
	}
	return false
}

func fallingOf(kind packet.TdcType) packet.TdcType {
	switch kind {
	case packet.TdcOneRisingEdge, packet.TdcOneFallingEdge:
		return packet.TdcOneFallingEdge
	case packet.TdcTwoRisingEdge, packet.TdcTwoFallingEdge:
		return packet.TdcTwoFallingEdge
	}
	return 0
}

func risingOf(kind packet.TdcType) packet.TdcType {
	switch kind {
	case packet.TdcOneRisingEdge, packet.TdcOneFallingEdge:
		return packet.TdcOneRisingEdge
	case packet.TdcTwoRisingEdge, packet.TdcTwoFallingEdge:
		return packet.TdcTwoRisingEdge
	}
	return 0
}

// allEvent records one observed pulse of any recognized kind, so
// find_high_time can look up the opposite edge's time list.
type allEvent struct {
	t    uint64
	kind packet.TdcType
}

type Prelude struct {
	kind      packet.TdcType
	all       []allEvent
	initial   *uint64
	lastHw    uint16
}

// NewPrelude starts a fresh TDC search for the given kind.
func NewPrelude(kind packet.TdcType) *Prelude {
	return &Prelude{kind: kind}
}

// Add feeds one decoded TDC packet into the search.
func (p *Prelude) Add(pkt packet.Packet) {
	k := pkt.TdcTypeField()
	switch k {
	case packet.TdcOneRisingEdge, packet.TdcOneFallingEdge, packet.TdcTwoRisingEdge, packet.TdcTwoFallingEdge:
	default:
		return
	}
	t := pkt.TdcTime() % (1 << 34)
	p.all = append(p.all, allEvent{t: t, kind: k})
	if k == p.kind {
		p.lastHw = pkt.TdcCounter()
		if p.initial == nil {
			c := uint64(pkt.TdcCounter())
			p.initial = &c
		}
	}
}

func (p *Prelude) timesOf(kind packet.TdcType) []uint64 {
	var out []uint64
	for _, e := range p.all {
		if e.kind == kind {
			out = append(out, e.t)
		}
	}
	return out
}

// Ready reports whether at least `want` matching-kind pulses have
// arrived, and validates they are in ascending order.
func (p *Prelude) Ready(want int) (bool, error) {
	n := 0
	for _, e := range p.all {
		if e.kind == p.kind {
			n++
		}
	}
	if n < want {
		return false, nil
	}
	times := p.timesOf(p.kind)
	for i := 1; i < len(times); i++ {
		if times[i-1] > times[i] {
			return false, errkind.Wrap(errkind.TdcNotAscendingOrder, errkind.ErrTdcNotAscendingOrder)
		}
	}
	return true, nil
}

func (p *Prelude) findHighTime() (uint64, error) {
	fal := p.timesOf(fallingOf(p.kind))
	ris := p.timesOf(risingOf(p.kind))
	if len(fal) == 0 || len(ris) == 0 {
		return 0, errkind.Wrap(errkind.TdcBadHighTime, errkind.ErrTdcBadHighTime)
	}
	lastFal := fal[len(fal)-1]
	lastRis := ris[len(ris)-1]
	if lastFal > lastRis {
		return lastFal - lastRis, nil
	}
	if len(ris) < 2 {
		return 0, errkind.Wrap(errkind.TdcBadHighTime, errkind.ErrTdcBadHighTime)
	}
	newRis := ris[len(ris)-2]
	return lastFal - newRis, nil
}

func (p *Prelude) findPeriod() (uint64, error) {
	times := p.timesOf(p.kind)
	if len(times) < 2 {
		return 0, errkind.Wrap(errkind.TdcBadPeriod, errkind.ErrTdcBadPeriod)
	}
	last := times[len(times)-1]
	beforeLast := times[len(times)-2]
	if last <= beforeLast {
		return 0, errkind.Wrap(errkind.TdcBadPeriod, errkind.ErrTdcBadPeriod)
	}
	return last - beforeLast, nil
}

func (p *Prelude) beginTime() uint64 {
	times := p.timesOf(p.kind)
	return times[0]
}

func (p *Prelude) lastTime() uint64 {
	times := p.timesOf(p.kind)
	return times[len(times)-1]
}

func (p *Prelude) counter() uint64 {
	n := uint64(0)
	for _, e := range p.all {
		if e.kind == p.kind {
			n++
		}
	}
	return n
}

func (p *Prelude) counterOffset() uint64 {
	if p.initial == nil {
		return 0
	}
	return *p.initial
}

// Reader supplies raw detector octets, following the source's
// TimepixRead abstraction.
type Reader interface {
	ReadTimepix(buf []byte) (int, error)
}

const preludeTimeout = 10 * time.Second

// searchTdc drains sock, feeding any 8-byte word matching the
// requested kind's input line into a Prelude, until three ascending
// pulses are seen or the 10s deadline (§4.2) elapses.
func searchTdc(kind packet.TdcType, sock Reader) (*Prelude, error) {
	pre := NewPrelude(kind)
	buf := make([]byte, 16384)
	deadline := time.Now().Add(preludeTimeout)
	for {
		if time.Now().After(deadline) {
			return nil, errkind.Wrap(errkind.TdcNoReceived, errkind.ErrTdcNoReceived)
		}
		n, err := sock.ReadTimepix(buf)
		if err != nil || n <= 0 {
			continue
		}
		chip := uint8(0)
		for off := 0; off+8 <= n; off += 8 {
			var w [8]byte
			copy(w[:], buf[off:off+8])
			if packet.IsFramingWord(w) {
				chip = packet.FramingChipIndex(w)
				continue
			}
			pkt := packet.Decode(chip, w)
			if pkt.Kind() != packet.KindTDC {
				continue
			}
			if !sameInputLine(kind, pkt.TdcTypeField()) {
				continue
			}
			pre.Add(pkt)
		}
		ready, err := pre.Ready(3)
		if err != nil {
			return nil, err
		}
		if ready {
			return pre, nil
		}
	}
}

// PeriodicRef is a TdcRef that drives frame-boundary detection from a
// periodic scan signal (§4.2 Periodic construction / Update).
type PeriodicRef struct {
	tdcType        uint8
	counter        uint64
	counterOffset  uint64
	lastHardCount  uint16
	counterOverflow uint64

	TicksToFrame *uint64 // scan Y size, nil when this ref doesn't drive frames
	BeginFrame   uint64
	PeriodTicks  uint64
	HighTime     uint64
	LowTime      uint64
	time         uint64
}

// NewPeriodicRef blocks on sock until a valid three-pulse prelude for
// kind is observed, then derives period/high_time/low_time/begin_frame.
func NewPeriodicRef(kind packet.TdcType, sock Reader, ticksToFrame *uint64) (*PeriodicRef, error) {
	pre, err := searchTdc(kind, sock)
	if err != nil {
		return nil, err
	}
	highTime, err := pre.findHighTime()
	if err != nil {
		return nil, err
	}
	period, err := pre.findPeriod()
	if err != nil {
		return nil, err
	}
	return &PeriodicRef{
		tdcType:       uint8(kind),
		counter:       0,
		counterOffset: pre.counterOffset(),
		BeginFrame:    pre.beginTime(),
		TicksToFrame:  ticksToFrame,
		PeriodTicks:   period,
		HighTime:      highTime,
		LowTime:       period - highTime,
		time:          pre.lastTime(),
	}, nil
}

func (r *PeriodicRef) ID() uint8 { return r.tdcType }

// Upt repairs hardware-counter wrap and, if this ref drives frame
// boundaries, detects the start of a new frame (§4.2 Update).
func (r *PeriodicRef) Upt(t uint64, hardCounter uint16) {
	if hardCounter < r.lastHardCount {
		r.counterOverflow++
	}
	r.lastHardCount = hardCounter
	r.time = t
	r.counter = uint64(r.lastHardCount) + r.counterOverflow*4096 - r.counterOffset
	if r.TicksToFrame != nil && *r.TicksToFrame != 0 {
		if (r.counter/2)%*r.TicksToFrame == 0 {
			r.BeginFrame = t
		}
	}
}

func (r *PeriodicRef) Counter() uint64         { return r.counter }
func (r *PeriodicRef) Time() uint64            { return r.time }
func (r *PeriodicRef) Period() (uint64, bool)  { return r.PeriodTicks, true }

// Frame returns the logical frame/line number derived from the
// running counter.
func (r *PeriodicRef) Frame() uint64 {
	if r.TicksToFrame == nil || *r.TicksToFrame == 0 {
		return 0
	}
	return (r.counter / 2) / *r.TicksToFrame
}

// PixelTime is the dwell time per scan column.
func (r *PeriodicRef) PixelTime(xspim uint64) uint64 {
	if xspim == 0 {
		return 0
	}
	return r.LowTime / xspim
}

// SingleTriggerPeriodicRef behaves like PeriodicRef but never drives
// frame boundaries itself (§4.2 Variants).
type SingleTriggerPeriodicRef struct {
	tdcType         uint8
	counter         uint64
	counterOffset   uint64
	lastHardCount   uint16
	counterOverflow uint64
	BeginFrame      uint64
	PeriodTicks     uint64
	time            uint64
}

func NewSingleTriggerPeriodicRef(kind packet.TdcType, sock Reader) (*SingleTriggerPeriodicRef, error) {
	pre, err := searchTdc(kind, sock)
	if err != nil {
		return nil, err
	}
	period, err := pre.findPeriod()
	if err != nil {
		return nil, err
	}
	return &SingleTriggerPeriodicRef{
		tdcType:       uint8(kind),
		counter:       pre.counter(),
		counterOffset: pre.counterOffset(),
		lastHardCount: pre.lastHw,
		BeginFrame:    pre.beginTime(),
		PeriodTicks:   period,
		time:          pre.lastTime(),
	}, nil
}

func (r *SingleTriggerPeriodicRef) ID() uint8 { return r.tdcType }

func (r *SingleTriggerPeriodicRef) Upt(t uint64, hardCounter uint16) {
	if hardCounter < r.lastHardCount {
		r.counterOverflow++
	}
	r.lastHardCount = hardCounter
	r.time = t
	r.counter = uint64(r.lastHardCount) + r.counterOverflow*4096 - r.counterOffset
}

func (r *SingleTriggerPeriodicRef) Counter() uint64         { return r.counter }
func (r *SingleTriggerPeriodicRef) Time() uint64            { return r.time }
func (r *SingleTriggerPeriodicRef) Period() (uint64, bool)  { return r.PeriodTicks, true }

// NonPeriodicRef only counts pulses and tracks the last time; it has
// no concept of period (§4.2 Variants).
type NonPeriodicRef struct {
	tdcType uint8
	counter uint64
	time    uint64
}

func NewNonPeriodicRef(kind packet.TdcType) *NonPeriodicRef {
	return &NonPeriodicRef{tdcType: uint8(kind)}
}

func (r *NonPeriodicRef) ID() uint8 { return r.tdcType }
func (r *NonPeriodicRef) Upt(t uint64, _ uint16) {
	r.time = t
	r.counter++
}
func (r *NonPeriodicRef) Counter() uint64        { return r.counter }
func (r *NonPeriodicRef) Time() uint64           { return r.time }
func (r *NonPeriodicRef) Period() (uint64, bool) { return 0, false }

// NoRead is an inert sentinel for modes with no auxiliary TDC
// (§4.2 Variants).
type NoRead struct{}

func (NoRead) ID() uint8               { return 0 }
func (NoRead) Upt(uint64, uint16)      {}
func (NoRead) Counter() uint64         { return 0 }
func (NoRead) Time() uint64            { return 0 }
func (NoRead) Period() (uint64, bool)  { return 0, false }
