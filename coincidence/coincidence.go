// Package coincidence merge-walks a sorted electron list against a
// sorted photon list, pairing events within a window around a fixed
// delay (§4.5).
package coincidence

import "github.com/asi-lab/tpx3stream/event"

// Pair is one coincident (electron, photon) match. RelativeTime is
// the signed time difference folded modulo 2^15 so it fits a 16-bit
// channel-offset bin (§4.5 Output).
type Pair struct {
	Electron     event.SingleElectron
	Photon       event.SinglePhoton
	RelativeTime int16
}

func foldRelative(p, e int64, delay uint64) int16 {
	diff := p - e - int64(delay)
	return int16(diff % (1 << 15))
}

// Search runs the two-pointer merge walk described in §4.5. electrons
// and photons must already be time-sorted. minIndex is the running
// pointer into photons carried across calls so repeated batches don't
// rescan photons already known to be too early; callers pass 0 on the
// first call of a run.
//
// Returns the emitted pairs and the updated minIndex.
func Search(electrons []event.SingleElectron, photons []event.SinglePhoton, delay, width uint64, minIndex int) ([]Pair, int) {
	var out []Pair
	i := minIndex
	for _, e := range electrons {
		// Advance past photons that are definitely too early for this
		// electron (and, since electrons are sorted, for all electrons
		// that follow).
		for i < len(photons) && photons[i].Time+width < e.Time+delay {
			i++
		}
		minIndex = i
		for j := i; j < len(photons); j++ {
			p := photons[j]
			if p.Time > e.Time+delay+width {
				break
			}
			out = append(out, Pair{
				Electron:     e,
				Photon:       p,
				RelativeTime: foldRelative(int64(p.Time), int64(e.Time), delay),
			})
		}
	}
	return out, minIndex
}
