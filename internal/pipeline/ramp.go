package pipeline

import "time"

// activityRamp implements the client-activity ramp spec.md §4.2 step 5
// describes: when consumers go from zero to at least one, the pipeline
// processes only a fraction of captured frames for the first 3 seconds,
// stepping 1/4 -> 1/2 -> 3/4 -> all in four 750ms phases, to spread the
// CPU cost of waking the whole channel back up.
type activityRamp struct {
	start  time.Time
	active bool
}

const rampPhaseDuration = 750 * time.Millisecond

// Begin starts a new ramp at now. Called exactly once on the 0->>=1
// consumer transition.
func (r *activityRamp) Begin(now time.Time) {
	r.start = now
	r.active = true
}

// Phase returns the current fraction of frames that should be processed:
// 0.25, 0.5, 0.75, or 1.0. Once the ramp completes it deactivates itself
// so later calls are a cheap no-op returning 1.0.
func (r *activityRamp) Phase(now time.Time) float64 {
	if !r.active {
		return 1.0
	}
	elapsed := now.Sub(r.start)
	switch {
	case elapsed < rampPhaseDuration:
		return 0.25
	case elapsed < 2*rampPhaseDuration:
		return 0.5
	case elapsed < 3*rampPhaseDuration:
		return 0.75
	case elapsed < 4*rampPhaseDuration:
		return 1.0
	default:
		r.active = false
		return 1.0
	}
}

// rampIncludes reports whether the frame at processedIndex should be let
// through at the given ramp phase. Phase 1.0 always includes; fractional
// phases include the corresponding share on a fixed cadence so consumers
// see a steady, not bursty, trickle.
func rampIncludes(phase float64, processedIndex uint64) bool {
	switch phase {
	case 0.25:
		return processedIndex%4 == 0
	case 0.5:
		return processedIndex%2 == 0
	case 0.75:
		return processedIndex%4 != 3
	default:
		return true
	}
}
