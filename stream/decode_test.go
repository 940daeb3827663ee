package stream

import (
	"testing"

	"github.com/asi-lab/tpx3stream/packet"
)

// scenarioAWord mirrors packet_test.go's fixed pixel-kind wire word.
var scenarioAWord = [8]byte{0xB0, 0x07, 0xC0, 0x00, 0x21, 0x80, 0x00, 0xB0}

func tdcWord(kind packet.TdcType, counter uint16) [8]byte {
	var data uint64
	data |= uint64(6) << 60
	data |= uint64(kind) << 56
	data |= uint64(counter) << 44
	var word [8]byte
	for i := 0; i < 8; i++ {
		word[i] = byte(data >> (8 * i))
	}
	return word
}

func shutterWord(frameTime uint64) [8]byte {
	var data uint64
	data |= uint64(5) << 60
	data |= frameTime << 12
	var word [8]byte
	for i := 0; i < 8; i++ {
		word[i] = byte(data >> (8 * i))
	}
	return word
}

func framingWord(chipIndex uint8) [8]byte {
	return [8]byte{'T', 'P', 'X', '3', chipIndex, 0, 0, 0}
}

type recordingDispatch struct {
	tdc     []packet.Packet
	shutter []packet.Packet
}

func (d *recordingDispatch) OnTdc(p packet.Packet)     { d.tdc = append(d.tdc, p) }
func (d *recordingDispatch) OnShutter(p packet.Packet) { d.shutter = append(d.shutter, p) }

func TestDecodeWordsRoutesByKind(t *testing.T) {
	var buf []byte
	w := tdcWord(packet.TdcOneRisingEdge, 3)
	buf = append(buf, w[:]...)
	buf = append(buf, scenarioAWord[:]...)
	s := shutterWord(42)
	buf = append(buf, s[:]...)

	disp := &recordingDispatch{}
	var chipIndex uint8
	electrons := DecodeWords(buf, &chipIndex, packet.DefaultGeometry(), disp)

	if len(disp.tdc) != 1 {
		t.Fatalf("tdc dispatched = %d, want 1", len(disp.tdc))
	}
	if len(disp.shutter) != 1 {
		t.Fatalf("shutter dispatched = %d, want 1", len(disp.shutter))
	}
	if len(electrons) != 1 {
		t.Fatalf("electrons returned = %d, want 1", len(electrons))
	}
}

func TestDecodeWordsTracksChipIndexAcrossFramingWords(t *testing.T) {
	var buf []byte
	fw := framingWord(2)
	buf = append(buf, fw[:]...)
	buf = append(buf, scenarioAWord[:]...)

	disp := &recordingDispatch{}
	var chipIndex uint8
	electrons := DecodeWords(buf, &chipIndex, packet.DefaultGeometry(), disp)

	if chipIndex != 2 {
		t.Fatalf("chipIndex = %d, want 2 (from framing word)", chipIndex)
	}
	if len(electrons) != 1 {
		t.Fatalf("electrons returned = %d, want 1", len(electrons))
	}
	want := packet.Decode(2, scenarioAWord).X(packet.DefaultGeometry())
	if electrons[0].X != want {
		t.Errorf("electron X = %d, want %d (decoded with post-framing chip index)", electrons[0].X, want)
	}
}

func TestDecodeWordsBatchesElectronsRatherThanDeliveringInline(t *testing.T) {
	var buf []byte
	for i := 0; i < 3; i++ {
		buf = append(buf, scenarioAWord[:]...)
	}
	disp := &recordingDispatch{}
	var chipIndex uint8
	electrons := DecodeWords(buf, &chipIndex, packet.DefaultGeometry(), disp)

	if len(electrons) != 3 {
		t.Fatalf("electrons returned = %d, want 3 (whole chunk batched for cluster merge)", len(electrons))
	}
}

func TestDecodeWordsEmptyBufferReturnsNoElectrons(t *testing.T) {
	disp := &recordingDispatch{}
	var chipIndex uint8
	electrons := DecodeWords(nil, &chipIndex, packet.DefaultGeometry(), disp)
	if electrons != nil {
		t.Fatalf("electrons = %v, want nil for empty input", electrons)
	}
}
