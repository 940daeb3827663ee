package coincidence

import (
	"testing"

	"github.com/asi-lab/tpx3stream/event"
)

func electrons(times ...uint64) []event.SingleElectron {
	out := make([]event.SingleElectron, len(times))
	for i, t := range times {
		out[i] = event.SingleElectron{Time: t}
	}
	return out
}

func photons(times ...uint64) []event.SinglePhoton {
	out := make([]event.SinglePhoton, len(times))
	for i, t := range times {
		out[i] = event.SinglePhoton{Time: t}
	}
	return out
}

// TestCoincidenceWindowScenarioD covers scenario D.
func TestCoincidenceWindowScenarioD(t *testing.T) {
	e := electrons(100, 200, 300)
	p := photons(150, 250, 1000)
	pairs, minIndex := Search(e, p, 50, 5, 0)
	if len(pairs) != 2 {
		t.Fatalf("len(pairs) = %d, want 2", len(pairs))
	}
	if pairs[0].Electron.Time != 100 || pairs[0].Photon.Time != 150 {
		t.Errorf("pairs[0] = %+v, want (100,150)", pairs[0])
	}
	if pairs[1].Electron.Time != 200 || pairs[1].Photon.Time != 250 {
		t.Errorf("pairs[1] = %+v, want (200,250)", pairs[1])
	}
	if minIndex != 2 {
		t.Errorf("minIndex = %d, want 2", minIndex)
	}
}

// TestCoincidenceWindowSymmetry covers universal property 6: every
// emitted pair satisfies the window inequality, and every input pair
// satisfying it is emitted.
func TestCoincidenceWindowSymmetry(t *testing.T) {
	e := electrons(10, 50, 100, 500, 1000, 1500)
	p := photons(5, 60, 90, 140, 520, 1010, 1600, 1601)
	const delay, width = uint64(30), uint64(10)

	pairs, _ := Search(e, p, delay, width, 0)
	seen := map[[2]uint64]bool{}
	for _, pr := range pairs {
		diff := int64(pr.Photon.Time) - int64(pr.Electron.Time) - int64(delay)
		if diff < 0 {
			diff = -diff
		}
		if diff > int64(width) {
			t.Fatalf("emitted pair violates window: electron=%d photon=%d", pr.Electron.Time, pr.Photon.Time)
		}
		seen[[2]uint64{pr.Electron.Time, pr.Photon.Time}] = true
	}
	for _, ee := range e {
		for _, pp := range p {
			diff := int64(pp.Time) - int64(ee.Time) - int64(delay)
			if diff < 0 {
				diff = -diff
			}
			if diff <= int64(width) && !seen[[2]uint64{ee.Time, pp.Time}] {
				t.Errorf("pair (e=%d,p=%d) satisfies window but was not emitted", ee.Time, pp.Time)
			}
		}
	}
}

func TestCoincidenceEmptyInputs(t *testing.T) {
	pairs, idx := Search(nil, nil, 0, 0, 0)
	if pairs != nil || idx != 0 {
		t.Fatalf("expected empty output on empty input, got pairs=%v idx=%d", pairs, idx)
	}
}

// TestCoincidenceMinIndexCarriesAcrossBatches exercises the persistent
// min_index carry-over across two decode chunks.
func TestCoincidenceMinIndexCarriesAcrossBatches(t *testing.T) {
	p := photons(150, 250, 1000)
	pairs1, idx1 := Search(electrons(100), p, 50, 5, 0)
	if len(pairs1) != 1 || idx1 != 0 {
		t.Fatalf("batch1: pairs=%v idx=%d", pairs1, idx1)
	}
	pairs2, idx2 := Search(electrons(200, 300), p, 50, 5, idx1)
	if len(pairs2) != 1 || idx2 != 2 {
		t.Fatalf("batch2: pairs=%v idx=%d", pairs2, idx2)
	}
}
