// Package packet decodes the Timepix3 64-bit wire packet into typed
// accessors. Decoding is branch-free per accessor and performs no
// allocation; a malformed word simply yields dead field values, and
// dispatch by Kind is left to the caller.
package packet

// Kind identifies what a decoded word represents.
type Kind uint8

const (
	KindTDC     Kind = 6
	KindPixel   Kind = 11
	KindShutter Kind = 5
)

// TdcType enumerates the four edge/channel combinations a TDC pulse
// can report.
type TdcType uint8

const (
	TdcOneRisingEdge  TdcType = 15
	TdcOneFallingEdge TdcType = 10
	TdcTwoRisingEdge  TdcType = 14
	TdcTwoFallingEdge TdcType = 11
)

// Geometry holds the compile-time-in-spirit sensor geometry that used
// to be constants in the source and is now threaded through decode
// calls as configuration (see the design notes on "global constants as
// configuration").
type Geometry struct {
	PixelsX         uint32
	PixelsY         uint32
	InverseDetector bool
	CorrectCoarse   bool
}

// DefaultGeometry is the four-chip 1025x256 EELS detector geometry.
func DefaultGeometry() Geometry {
	return Geometry{
		PixelsX:         1025,
		PixelsY:         256,
		InverseDetector: true,
		CorrectCoarse:   true,
	}
}

// coarseCorrectionBands lists the fixed x-bands (against the
// non-inverted layout) whose coarse-clock time needs the -16 tick
// correction.
var coarseCorrectionBands = [][2]uint32{
	{52, 61},
	{306, 317},
	{324, 325},
	{564, 573},
	{820, 829},
}

func inBand(x uint32, bands [][2]uint32) bool {
	for _, b := range bands {
		if x >= b[0] && x <= b[1] {
			return true
		}
	}
	return false
}

// Packet is one 64-bit TPX3 word plus the chip index current at the
// time it was decoded.
type Packet struct {
	ChipIndex uint8
	Data      uint64
}

// Kind returns bits 60-63.
func (p Packet) Kind() Kind {
	return Kind((p.Data & 0xF000000000000000) >> 60)
}

// Spidr returns the coarse 16-bit SPIDR counter (bits 0-15).
func (p Packet) Spidr() uint64 {
	return p.Data & 0x000000000000FFFF
}

// Ftoa returns the fine time of arrival (bits 16-19).
func (p Packet) Ftoa() uint64 {
	return (p.Data & 0x00000000000F0000) >> 16
}

// Tot returns the time over threshold (bits 20-29).
func (p Packet) Tot() uint16 {
	return uint16((p.Data & 0x000000003FF00000) >> 20)
}

// Toa returns the time of arrival (bits 30-43).
func (p Packet) Toa() uint64 {
	return (p.Data & 0x00000FFFC0000000) >> 30
}

// Ctoa combines Toa and the inverted Ftoa into the fine-grained
// coarse-time-of-arrival used by ElectronTime.
func (p Packet) Ctoa() uint64 {
	return (p.Toa() << 4) | (^p.Ftoa() & 0xF)
}

// rawX returns the unmapped per-chip column (0..255) before any
// chip-to-detector remap.
func (p Packet) rawX() uint32 {
	return uint32(((p.Data & 0x0FE0000000000000) >> 52) | ((p.Data & 0x0000400000000000) >> 46))
}

// rawY returns the unmapped per-chip row (0..255).
func (p Packet) rawY() uint32 {
	return uint32(((p.Data & 0x001F800000000000) >> 45) | ((p.Data & 0x0000300000000000) >> 44))
}

// X returns the detector column after chip remap (§3 Coordinate remap).
func (p Packet) X(g Geometry) uint32 {
	temp2 := p.rawX()
	switch g.PixelsX {
	case 1024, 1025:
		if !g.InverseDetector {
			switch p.ChipIndex {
			case 0:
				return 255 - temp2
			case 1:
				return 256*4 - 1 - temp2
			case 2:
				return 256*3 - 1 - temp2
			case 3:
				return 256*2 - 1 - temp2
			}
			return temp2
		}
		switch p.ChipIndex {
		case 0:
			return temp2 + 256*3
		case 1:
			return temp2
		case 2:
			return temp2 + 256
		case 3:
			return temp2 + 256*2
		}
		return temp2
	case 512:
		switch p.ChipIndex {
		case 0:
			return 255 - temp2
		case 1:
			return temp2
		case 2:
			return temp2 + 256
		case 3:
			return 256*2 - 1 - temp2
		}
		return temp2
	default:
		return temp2
	}
}

// Y returns the detector row after chip remap.
func (p Packet) Y(g Geometry) uint32 {
	temp := p.rawY()
	switch g.PixelsY {
	case 1024, 1025:
		return temp
	case 512:
		switch p.ChipIndex {
		case 0, 3:
			return temp
		case 1, 2:
			return 256*2 - 1 - temp
		}
		return temp
	default:
		return temp
	}
}

// ElectronTime computes the canonical 640 MHz electron timestamp,
// applying the coarse-clock x-band correction when g.CorrectCoarse is
// set.
func (p Packet) ElectronTime(g Geometry) uint64 {
	t := p.Spidr()*262144 + p.Ctoa()
	if !g.CorrectCoarse || (g.PixelsX != 1024 && g.PixelsX != 1025) {
		return t
	}
	x := p.X(g)
	if g.InverseDetector {
		x = (4*256 - 1) - x
	}
	if inBand(x, coarseCorrectionBands) {
		return t - 16
	}
	return t
}

// FastElectronTime is the coarse-only (non-fine-time) timestamp.
func (p Packet) FastElectronTime() uint64 {
	return p.Spidr()*262144 + p.Toa()*16
}

// TdcCoarse returns the coarse TDC counter (bits 9-43).
func (p Packet) TdcCoarse() uint64 {
	return (p.Data & 0x00000FFFFFFFFE00) >> 9
}

// TdcFine returns the fine TDC counter (bits 5-8).
func (p Packet) TdcFine() uint64 {
	return (p.Data & 0x00000000000001E0) >> 5
}

// TdcCounter returns the 12-bit hardware counter (bits 44-55).
func (p Packet) TdcCounter() uint16 {
	return uint16((p.Data & 0x00FFF00000000000) >> 44)
}

// TdcTypeField returns bits 56-59.
func (p Packet) TdcTypeField() TdcType {
	return TdcType((p.Data & 0x0F00000000000000) >> 56)
}

// TdcTime is the canonical 640 MHz TDC timestamp: coarse*2 + fine/6.
func (p Packet) TdcTime() uint64 {
	return p.TdcCoarse()*2 + p.TdcFine()/6
}

// TdcTimeAbs is the finer-grained TDC timestamp (coarse*12 + fine),
// 6x the resolution of TdcTime. Used only at the external boundary
// documented in SPEC_FULL.md §C.5.
func (p Packet) TdcTimeAbs() uint64 {
	return p.TdcCoarse()*12 + p.TdcFine()
}

// FrameTime returns bits 12-45 of a shutter/frame marker.
func (p Packet) FrameTime() uint64 {
	return (p.Data & 0x00003FFFFFFFF000) >> 12
}

// HitCount returns bits 16-19 of a shutter/frame marker.
func (p Packet) HitCount() uint8 {
	return uint8((p.Data & 0x00000000000F0000) >> 16)
}

// IsFramingWord reports whether an 8-byte little-endian word is the
// "TPX3" chip-index framing marker rather than event data. header must
// be the 8 raw bytes as received from the wire.
func IsFramingWord(header [8]byte) bool {
	return header[0] == 'T' && header[1] == 'P' && header[2] == 'X' && header[3] == '3'
}

// FramingChipIndex extracts the new current chip index carried by a
// framing word (the fifth byte).
func FramingChipIndex(header [8]byte) uint8 {
	return header[4]
}

// Decode reinterprets a little-endian 8-byte word as a Packet tagged
// with the decoder's current chip index. It performs no validation:
// callers dispatch on Kind() and silently ignore kinds outside
// {KindTDC, KindPixel, KindShutter}.
func Decode(chipIndex uint8, word [8]byte) Packet {
	var data uint64
	for i := 7; i >= 0; i-- {
		data = (data << 8) | uint64(word[i])
	}
	return Packet{ChipIndex: chipIndex, Data: data}
}
