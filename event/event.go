// Package event holds the decoded value objects that flow out of the
// packet decoder and cluster engine: single electrons and single
// photons on the canonical 640 MHz time grid.
package event

// ElectronOverflow and TdcOverflow are the wrap points of the
// electron and TDC-absolute time counters (§6.5).
const (
	ElectronOverflow uint64 = 1 << 34
	TdcOverflow      uint64 = 1 << 36
)

// SingleElectron is one decoded (and possibly cluster-merged) pixel
// hit (§3 SingleElectron).
type SingleElectron struct {
	Time          uint64
	X             uint32
	Y             uint32
	TimeSinceFrame uint64
	FrameSlice     uint64
	Tot            uint32
	ClusterSize    uint32
}

// SinglePhoton is one decoded TDC pulse treated as a photon arrival
// (§3 SinglePhoton).
type SinglePhoton struct {
	Time       uint64
	Channel    uint8
	FrameSlice uint64
	SpimIndex  *uint64
	RawIndex   *uint64
}

// RepairOverflow corrects wraps in a time-sorted-by-arrival (not
// necessarily value-sorted) batch of electron times by comparing the
// first and last entries: values before the minimum are bumped by one
// period, values at/after by two (§5 Overflow discipline).
func RepairOverflow(times []uint64, period uint64) {
	if len(times) < 2 {
		return
	}
	first, last := times[0], times[len(times)-1]
	if last >= first {
		return
	}
	// A wrap occurred somewhere inside the batch: the run starts
	// high, wraps through zero, and ends low.
	minIdx := 0
	for i, t := range times {
		if t < times[minIdx] {
			minIdx = i
		}
	}
	for i := range times {
		if i < minIdx {
			times[i] += period
		} else {
			times[i] += 2 * period
		}
	}
}
