package pipeline

// rateDetector estimates the camera's native capture rate from an
// exponential moving average of inter-arrival times, per spec.md §4.2
// step 2. After enough samples it reports whether the source is already
// slower than the configured target, in which case the pipeline should
// never sleep between captures — the camera paces the system for free.
type rateDetector struct {
	haveLast      bool
	lastUs        int64
	emaIntervalUs float64
	samples       int
}

const (
	rateDetectorAlpha       = 0.2
	rateDetectorMinSamples  = 30
	rateDetectorFPSSlackHz  = 2
)

// Observe records one raw-frame arrival timestamp (monotonic
// microseconds).
func (r *rateDetector) Observe(nowUs int64) {
	if r.haveLast {
		dt := float64(nowUs - r.lastUs)
		if dt > 0 {
			if r.samples == 0 {
				r.emaIntervalUs = dt
			} else {
				r.emaIntervalUs = rateDetectorAlpha*dt + (1-rateDetectorAlpha)*r.emaIntervalUs
			}
			r.samples++
		}
	}
	r.lastUs = nowUs
	r.haveLast = true
}

// Ready reports whether enough samples have accumulated to trust the
// estimate (~30, per spec.md §4.2 step 2).
func (r *rateDetector) Ready() bool {
	return r.samples >= rateDetectorMinSamples
}

// MeasuredFPS returns the current EMA-derived source frame rate, or 0
// before any interval has been observed.
func (r *rateDetector) MeasuredFPS() float64 {
	if r.emaIntervalUs <= 0 {
		return 0
	}
	return 1_000_000 / r.emaIntervalUs
}

// RateLimitRequired reports whether the measured source rate exceeds the
// target by more than the slack spec.md §4.2 allows, meaning the pipeline
// must actively pace captures rather than relying on the camera.
func (r *rateDetector) RateLimitRequired(targetFPS float64) bool {
	if !r.Ready() {
		return false
	}
	return r.MeasuredFPS() > targetFPS+rateDetectorFPSSlackHz
}
