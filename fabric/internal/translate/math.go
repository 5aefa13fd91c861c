// Package translate performs bidirectional core↔timeline time
// translation with uncertainty bounds, over the piecewise-linear clock
// segments maintained by the clock-parameter cache (transform mode) or read
// from a daemon-owned shared-memory segment (app mode, package binding).
package translate

import (
	"math"

	"github.com/quartz-roseline/quartz/fabric/models"
)

const nsecPerSec = int64(1_000_000_000)

// divRound divides num by den in float64 and rounds to the nearest
// nanosecond. The operands stay well inside float64's exact-integer range
// for the drift magnitudes clock segments carry, so the rounding error is
// far below the 1 ns translation tolerance.
func divRound(num, den float64) int64 {
	return int64(math.Round(num / den))
}

// CoreToTimeline maps a core timestamp onto the timeline:
//
//	tl = seg.TlNsec + Δ + (seg.MultPpb · Δ)/1e9, Δ = coreNs − seg.LastCoreNs
func CoreToTimeline(coreNs int64, seg models.ClockSegment) int64 {
	delta := coreNs - seg.LastCoreNs
	return seg.TlNsec + delta + divRound(float64(seg.MultPpb)*float64(delta), float64(nsecPerSec))
}

// TimelineToCore inverts CoreToTimeline for an absolute timeline timestamp.
func TimelineToCore(tlNs int64, seg models.ClockSegment) int64 {
	diff := tlNs - seg.TlNsec
	return seg.LastCoreNs + divRound(float64(diff)*float64(nsecPerSec), float64(seg.MultPpb+nsecPerSec))
}

// TimelineRemToCore converts a relative timeline duration to a core
// duration: Δcore = (rel · 1e9) / (mult + 1e9). The input parameter is the
// value converted.
func TimelineRemToCore(relNs int64, seg models.ClockSegment) int64 {
	return divRound(float64(relNs)*float64(nsecPerSec), float64(seg.MultPpb+nsecPerSec))
}

// Uncertainty returns the upper and lower bounds, in nanoseconds, on the
// timeline estimate at coreNs:
//
//	upper = (seg.UMultPpb · Δ)/1e9 + seg.UNsec
//	lower = (seg.LMultPpb · Δ)/1e9 + seg.LNsec
func Uncertainty(coreNs int64, seg models.ClockSegment) (aboveNs, belowNs int64) {
	delta := coreNs - seg.LastCoreNs
	aboveNs = divRound(float64(seg.UMultPpb)*float64(delta), float64(nsecPerSec)) + seg.UNsec
	belowNs = divRound(float64(seg.LMultPpb)*float64(delta), float64(nsecPerSec)) + seg.LNsec
	return aboveNs, belowNs
}
