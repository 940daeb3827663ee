package stream

import (
	"github.com/asi-lab/tpx3stream/event"
	"github.com/asi-lab/tpx3stream/packet"
)

// TdcShutterDispatch is what a decode loop drives for every non-pixel
// word: the control-flow arrow in §2, "kind dispatch -> {update frame
// TdcRef | update aux TdcRef | add shutter}". One implementation
// exists per selected mode, closing over that mode's accumulator and
// TdcRefs; cmd/tpx3stream constructs the concrete dispatch for
// whichever mode a client selected.
//
// Pixel words are not part of this interface: DecodeWords collects
// them into a batch and returns it, so the caller can cluster-merge
// the whole batch (§4.3, "clusters never span the input slice")
// before any electron reaches an accumulator.
type TdcShutterDispatch interface {
	// OnTdc receives every decoded TDC pulse; the implementation is
	// responsible for deciding (via tdcref.SameInputLine against its
	// own locked Controls) whether the pulse belongs to its frame or
	// auxiliary channel.
	OnTdc(p packet.Packet)
	OnShutter(p packet.Packet)
}

// DecodeWords walks a word-aligned buffer (§4.1), tracking the current
// chip index across TPX3 framing words, decoding every other word and
// routing TDC/shutter words to d by kind. Pixel words are collected
// and returned as a batch rather than delivered immediately, leaving
// cluster merge as the caller's next step. Kinds outside
// {TDC, pixel, shutter} are silently ignored, matching packet.Decode's
// own contract.
func DecodeWords(buf []byte, chipIndex *uint8, g packet.Geometry, d TdcShutterDispatch) []event.SingleElectron {
	var electrons []event.SingleElectron
	for off := 0; off+8 <= len(buf); off += 8 {
		var w [8]byte
		copy(w[:], buf[off:off+8])
		if packet.IsFramingWord(w) {
			*chipIndex = packet.FramingChipIndex(w)
			continue
		}
		p := packet.Decode(*chipIndex, w)
		switch p.Kind() {
		case packet.KindTDC:
			d.OnTdc(p)
		case packet.KindPixel:
			electrons = append(electrons, event.SingleElectron{
				Time: p.ElectronTime(g),
				X:    p.X(g),
				Y:    p.Y(g),
				Tot:  uint32(p.Tot()),
			})
		case packet.KindShutter:
			d.OnShutter(p)
		}
	}
	return electrons
}
