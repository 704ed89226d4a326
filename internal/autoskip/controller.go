// Package autoskip implements the fast-up/slow-down hysteresis controller
// spec.md §4.2.1 describes: whole-system CPU protection takes priority
// over smooth recovery, since the SoC this runs on is shared with a
// motion-control stack that must never stall.
package autoskip

import (
	"time"

	"github.com/streamdaemon/mediastreamd/internal/dials"
)

const historyLen = 8

// Controller holds the rolling CPU history and increase-cooldown state the
// policy needs between ticks. It does not own the skip ratio itself — that
// lives in dials.Dials, which the fast/slow paths mutate through
// SetSkipRatioClamped so the bound is enforced in exactly one place.
type Controller struct {
	history        [historyLen]float64
	historyCount   int
	historyCursor  int
	stableLowCount int
	// cooldownStart anchors the 3s decrease cooldown. It is set on the
	// controller's first Tick and re-armed on every fast-path increase
	// and every slow-path decrease, so a controller that never takes an increase (e.g. the skip
	// ratio was raised manually through the control file while
	// auto_skip was off) still becomes eligible to decrease once it
	// has been running for the cooldown period, rather than staying
	// permanently ineligible because an increase never fired.
	cooldownStart time.Time
}

// New constructs a Controller with an empty history.
func New() *Controller {
	return &Controller{}
}

// Tick runs one evaluation of the controller given an instantaneous CPU
// utilisation sample, the current wall/monotonic time, and the target
// percentage and skip-ratio bounds found in d. It is meant to be called on
// a fixed cadence (spec.md §4.2: every 500ms) from the pipeline's periodic
// task step.
func (c *Controller) Tick(cpuPercent float64, now time.Time, d *dials.Dials) {
	if c.cooldownStart.IsZero() {
		c.cooldownStart = now
	}
	c.push(cpuPercent)
	target := float64(d.TargetCPUPct.Load())
	current := int(d.SkipRatio.Load())

	if step := fastStep(cpuPercent, target); step > 0 {
		d.SetSkipRatioClamped(current + step)
		c.cooldownStart = now
		c.stableLowCount = 0
		return
	}

	avg, ok := c.average()
	if !ok {
		return
	}
	if avg < target-20 {
		c.stableLowCount++
	} else {
		c.stableLowCount = 0
	}

	if now.Sub(c.cooldownStart) >= 3*time.Second &&
		c.stableLowCount >= 6 && current > dials.MinSkipRatio {
		d.SetSkipRatioClamped(current - 1)
		c.cooldownStart = now
		c.stableLowCount = 0
	}
}

// fastStep returns the number of skip-ratio steps to add for an
// instantaneous overage, or 0 if the reading is within tolerance.
func fastStep(cpuPercent, target float64) int {
	overage := cpuPercent - target
	switch {
	case overage > 40:
		return 4
	case overage > 25:
		return 3
	case overage > 15:
		return 2
	case overage > 8:
		return 1
	default:
		return 0
	}
}

func (c *Controller) push(v float64) {
	c.history[c.historyCursor] = v
	c.historyCursor = (c.historyCursor + 1) % historyLen
	if c.historyCount < historyLen {
		c.historyCount++
	}
}

func (c *Controller) average() (float64, bool) {
	if c.historyCount < 3 {
		return 0, false
	}
	var sum float64
	for i := 0; i < c.historyCount; i++ {
		sum += c.history[i]
	}
	return sum / float64(c.historyCount), true
}
