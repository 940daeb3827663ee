// Package scanindex maps an electron's time-since-frame into a flat
// index inside the hyperspectral cube, given a locked periodic scan
// TdcRef (§4.4).
package scanindex

// PixelStride is the per-scan-position channel stride (SPIM_PIXELS):
// PIXELS_X, i.e. one 1025-channel spectrum per scan position.
const PixelStride uint64 = 1025

// ScanRef is the subset of a periodic TdcRef the indexer needs.
type ScanRef struct {
	Period   uint64
	LowTime  uint64
}

// Index implements the main (flyback-excluding) indexer: given
// dt = electron_time - begin_frame - video_offset, returns the flat
// cube index, or ok=false if the electron falls in the flyback.
func Index(x uint32, dt uint64, ref ScanRef, xspim, yspim uint64) (index uint64, ok bool) {
	if ref.Period == 0 {
		return 0, false
	}
	val := dt % ref.Period
	if val >= ref.LowTime {
		return 0, false // flyback
	}
	line := dt / ref.Period
	if line > yspim-1 {
		if line > 4096 {
			return 0, false // overflow
		}
		line %= yspim
	}
	column := xspim * val / ref.LowTime
	return (line*xspim+column)*PixelStride + uint64(x), true
}

// IndexReturn is the Return variant (§4.4, §9 Open Questions): it
// accepts the flyback region instead of discarding it, used for
// diagnostics on the dead-time part of the scan. Flyback handling here
// is deliberately the inverse of Index rather than conflated into it
// via a flag, per the design note that the two should be exposed
// explicitly.
func IndexReturn(x uint32, dt uint64, ref ScanRef, xspim, yspim uint64) (index uint64, ok bool) {
	if ref.Period == 0 {
		return 0, false
	}
	val := dt % ref.Period
	if val < ref.LowTime {
		return 0, false // this is normal scan time, not flyback: Return wants only flyback
	}
	line := dt / ref.Period
	if line > yspim-1 {
		if line > 4096 {
			return 0, false
		}
		line %= yspim
	}
	flybackSpan := ref.Period - ref.LowTime
	column := xspim * (val - ref.LowTime) / flybackSpan
	return (line*xspim+column)*PixelStride + uint64(x), true
}

// Index4D is the 4D-STEM variant: the scalar pixel term is replaced by
// the electron's full detector position (x + y*PIXELS_X) multiplied by
// the cube stride, projecting one full detector frame per scan
// position instead of one spectral channel.
func Index4D(x, y uint32, dt uint64, ref ScanRef, xspim, yspim uint64, pixelsX uint64) (index uint64, ok bool) {
	if ref.Period == 0 {
		return 0, false
	}
	val := dt % ref.Period
	if val >= ref.LowTime {
		return 0, false
	}
	line := dt / ref.Period
	if line > yspim-1 {
		if line > 4096 {
			return 0, false
		}
		line %= yspim
	}
	column := xspim * val / ref.LowTime
	detectorIndex := uint64(x) + uint64(y)*pixelsX
	stride := pixelsX * pixelsX // full detector-frame stride per scan position
	return (line*xspim+column)*stride + detectorIndex, true
}
