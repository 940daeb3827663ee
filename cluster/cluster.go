// Package cluster merges spatio-temporally adjacent electron hits
// into single representative events (§4.3).
package cluster

import (
	"sort"

	"github.com/samber/lo"

	"github.com/asi-lab/tpx3stream/event"
)

// DefaultTimeWindow and DefaultSpatialWindow are the cluster engine's
// default tolerances: ≈50 ns at the 640 MHz (1.5625 ns) tick, and a
// 2-pixel Chebyshev distance, matching the values spec.md's own prose
// calls out ("≈50 ns, tunable" / "2 pixels"). See DESIGN.md for the
// resolution between these and the alternate 4-pixel spatial constant
// also present in the source.
const (
	DefaultTimeWindow    uint64 = 32
	DefaultSpatialWindow int32  = 2
)

// Policy selects how a closed cluster collapses to one representative
// electron (§4.3).
type Policy interface {
	// NewFromCluster reduces a run of spatio-temporally adjacent
	// electrons to zero or one representative electrons.
	NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron
	// MustCorrect reports whether Clean should run at all; NoCorrection
	// short-circuits it.
	MustCorrect() bool
}

func sumXY(cluster []event.SingleElectron) (xMean, yMean uint32) {
	xs := lo.SumBy(cluster, func(e event.SingleElectron) uint64 { return uint64(e.X) })
	ys := lo.SumBy(cluster, func(e event.SingleElectron) uint64 { return uint64(e.Y) })
	n := uint64(len(cluster))
	return uint32(xs / n), uint32(ys / n)
}

func totSum(cluster []event.SingleElectron) uint32 {
	return lo.SumBy(cluster, func(e event.SingleElectron) uint32 { return e.Tot })
}

// Average takes the arithmetic mean of x, y, time; sums TOT; keeps
// the frame-slice and time-since-frame of the first member. The
// representative's ClusterSize is the sum of its members' sizes (a
// member with ClusterSize 0 counts as 1), so averaging an
// already-averaged batch leaves it unchanged.
type Average struct{}

func memberCount(cluster []event.SingleElectron) uint32 {
	var n uint32
	for _, e := range cluster {
		if e.ClusterSize == 0 {
			n++
		} else {
			n += e.ClusterSize
		}
	}
	return n
}

func (Average) MustCorrect() bool { return true }
func (Average) NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron {
	n := uint64(len(cluster))
	var tSum uint64
	for _, e := range cluster {
		tSum += e.Time
	}
	xMean, yMean := sumXY(cluster)
	first := cluster[0]
	return []event.SingleElectron{{
		Time:           tSum / n,
		X:              xMean,
		Y:              yMean,
		TimeSinceFrame: first.TimeSinceFrame,
		FrameSlice:     first.FrameSlice,
		Tot:            totSum(cluster),
		ClusterSize:    memberCount(cluster),
	}}
}

// LargestToT takes the member with maximum TOT.
type LargestToT struct{}

func (LargestToT) MustCorrect() bool { return true }
func (LargestToT) NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron {
	best := memberWithTot(cluster, maxTot(cluster))
	best.ClusterSize = uint32(len(cluster))
	return []event.SingleElectron{best}
}

// maxTot and memberWithTot mirror the teacher's qa.go diagnostics
// style (lo.Max/lo.Min over a projected slice) rather than a hand
// rolled comparison loop.
func maxTot(cluster []event.SingleElectron) uint32 {
	tots := make([]uint32, len(cluster))
	for i, e := range cluster {
		tots[i] = e.Tot
	}
	return lo.Max(tots)
}

func memberWithTot(cluster []event.SingleElectron, tot uint32) event.SingleElectron {
	for _, e := range cluster {
		if e.Tot == tot {
			return e
		}
	}
	return cluster[0]
}

// DuplicateTimes reports any tick values shared by more than one
// member of cluster, surfacing the kind of decode anomaly the
// teacher's qa.go flags for duplicate ping timestamps.
func DuplicateTimes(cluster []event.SingleElectron) []uint64 {
	times := make([]uint64, len(cluster))
	for i, e := range cluster {
		times[i] = e.Time
	}
	return lo.FindDuplicates(times)
}

// LargestToTWithThreshold is LargestToT but drops the cluster if the
// winning TOT is below Threshold.
type LargestToTWithThreshold struct{ Threshold uint16 }

func (LargestToTWithThreshold) MustCorrect() bool { return true }
func (p LargestToTWithThreshold) NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron {
	best := cluster[0]
	for _, e := range cluster[1:] {
		if e.Tot > best.Tot {
			best = e
		}
	}
	if uint16(best.Tot) < p.Threshold {
		return nil
	}
	best.ClusterSize = uint32(len(cluster))
	return []event.SingleElectron{best}
}

// ClosestToTWithThreshold picks the member whose TOT is closest to
// Reference, dropping the cluster if that member's TOT is below
// Threshold.
type ClosestToTWithThreshold struct {
	Reference uint16
	Threshold uint16
}

func (ClosestToTWithThreshold) MustCorrect() bool { return true }
func (p ClosestToTWithThreshold) NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron {
	dist := func(tot uint32) int32 {
		d := int32(tot) - int32(p.Reference)
		if d < 0 {
			d = -d
		}
		return d
	}
	dists := make([]int32, len(cluster))
	for i, e := range cluster {
		dists[i] = dist(e.Tot)
	}
	minDist := lo.Min(dists)
	var best event.SingleElectron
	for i, e := range cluster {
		if dists[i] == minDist {
			best = e
			break
		}
	}
	if uint16(best.Tot) < p.Threshold {
		return nil
	}
	best.ClusterSize = uint32(len(cluster))
	return []event.SingleElectron{best}
}

// FixedToT averages the time over only members whose TOT equals
// Value; drops clusters with zero such members.
type FixedToT struct{ Value uint16 }

func (FixedToT) MustCorrect() bool { return true }
func (p FixedToT) NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron {
	var tSum, n uint64
	for _, e := range cluster {
		if uint16(e.Tot) == p.Value {
			tSum += e.Time
			n++
		}
	}
	if n == 0 {
		return nil
	}
	xMean, yMean := sumXY(cluster)
	first := cluster[0]
	return []event.SingleElectron{{
		Time:           tSum / n,
		X:              xMean,
		Y:              yMean,
		TimeSinceFrame: first.TimeSinceFrame,
		FrameSlice:     first.FrameSlice,
		Tot:            totSum(cluster),
		ClusterSize:    uint32(len(cluster)),
	}}
}

// FixedToTCalibration pairs each non-reference member with the single
// TOT=Value reference member: it emits every non-reference member that
// lies within 100 ticks of the reference, keeping the member's own Time
// and carrying the reference's time in TimeSinceFrame. The difference
// between the two times is not computed here. Clusters without exactly
// one reference member are dropped.
type FixedToTCalibration struct{ Value uint16 }

func (FixedToTCalibration) MustCorrect() bool { return true }
func (p FixedToTCalibration) NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron {
	var refCount int
	var refTime uint64
	for _, e := range cluster {
		if uint16(e.Tot) == p.Value {
			refCount++
			refTime = e.Time
		}
	}
	if refCount != 1 {
		return nil
	}
	out := make([]event.SingleElectron, 0, len(cluster)-1)
	for _, e := range cluster {
		if uint16(e.Tot) == p.Value {
			continue
		}
		diff := int64(e.Time) - int64(refTime)
		if diff < 0 {
			diff = -diff
		}
		if diff > 100 {
			continue
		}
		out = append(out, event.SingleElectron{
			Time:           e.Time,
			X:              e.X,
			Y:              e.Y,
			TimeSinceFrame: refTime,
			FrameSlice:     e.FrameSlice,
			Tot:            e.Tot,
			ClusterSize:    uint32(len(cluster)),
		})
	}
	return out
}

// NoCorrection passes every member through unchanged.
type NoCorrection struct{}

func (NoCorrection) MustCorrect() bool { return false }
func (NoCorrection) NewFromCluster(cluster []event.SingleElectron) []event.SingleElectron {
	return append([]event.SingleElectron(nil), cluster...)
}

// Engine holds the time/spatial tolerances used to decide whether two
// consecutive (by time) electrons belong to the same cluster.
type Engine struct {
	TimeWindow    uint64
	SpatialWindow int32
}

// NewEngine builds an engine with spec-default tolerances.
func NewEngine() Engine {
	return Engine{TimeWindow: DefaultTimeWindow, SpatialWindow: DefaultSpatialWindow}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// isNewCluster reports whether next starts a new cluster relative to
// last, i.e. the time gap or Chebyshev spatial distance exceeds the
// engine's tolerances.
func (e Engine) isNewCluster(last, next event.SingleElectron) bool {
	if next.Time > last.Time+e.TimeWindow {
		return true
	}
	if abs32(int32(next.X)-int32(last.X)) > e.SpatialWindow {
		return true
	}
	if abs32(int32(next.Y)-int32(last.Y)) > e.SpatialWindow {
		return true
	}
	return false
}

// Clean sorts batch by time (stable) and replaces each closed cluster
// with the representative(s) the policy produces. Clusters never span
// the input slice: this is a per-batch operation, matching the
// "boundary policy" note in §4.3.
func (e Engine) Clean(batch []event.SingleElectron, policy Policy) []event.SingleElectron {
	if len(batch) == 0 {
		return nil
	}
	if !policy.MustCorrect() {
		return policy.NewFromCluster(batch)
	}
	sorted := append([]event.SingleElectron(nil), batch...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	var out []event.SingleElectron
	clusterBuf := []event.SingleElectron{sorted[0]}
	last := sorted[0]
	for _, x := range sorted[1:] {
		if e.isNewCluster(last, x) {
			out = append(out, policy.NewFromCluster(clusterBuf)...)
			clusterBuf = clusterBuf[:0]
		}
		last = x
		clusterBuf = append(clusterBuf, x)
	}
	out = append(out, policy.NewFromCluster(clusterBuf)...)
	return out
}
