package autoskip

import (
	"testing"
	"time"

	"github.com/streamdaemon/mediastreamd/internal/dials"
)

func TestFastPathIncreasesWithinOneTickPerStep(t *testing.T) {
	d := dials.Defaults()
	d.TargetCPUPct.Store(60)
	d.SetSkipRatioClamped(1)
	c := New()
	now := time.Now()

	readings := []struct {
		cpu      float64
		wantStep int
	}{
		{69, 1},  // overage 9  -> +1
		{76, 2},  // overage 16 -> +2
		{86, 3},  // overage 26 -> +3
		{101, 4}, // overage 41 -> +4
	}

	prevSkip := int(d.SkipRatio.Load())
	for i, r := range readings {
		now = now.Add(500 * time.Millisecond)
		c.Tick(r.cpu, now, d)
		got := int(d.SkipRatio.Load())
		if got <= prevSkip {
			t.Fatalf("reading %d (cpu=%.0f): skip ratio did not increase (prev=%d got=%d)", i, r.cpu, prevSkip, got)
		}
		prevSkip = got
	}
}

func TestFastPathStepSizeByOverage(t *testing.T) {
	cases := []struct {
		cpu, target float64
		wantStep    int
	}{
		{target: 60, cpu: 65, wantStep: 0},
		{target: 60, cpu: 69, wantStep: 1},
		{target: 60, cpu: 76, wantStep: 2},
		{target: 60, cpu: 86, wantStep: 3},
		{target: 60, cpu: 101, wantStep: 4},
	}
	for _, tc := range cases {
		if got := fastStep(tc.cpu, tc.target); got != tc.wantStep {
			t.Errorf("fastStep(%.0f, %.0f) = %d, want %d", tc.cpu, tc.target, got, tc.wantStep)
		}
	}
}

func TestSlowPathRequiresThreeSecondCooldownAndSixSamples(t *testing.T) {
	d := dials.Defaults()
	d.TargetCPUPct.Store(60)
	d.SetSkipRatioClamped(5)
	c := New()
	now := time.Now()

	// Force an increase so cooldownStart is re-armed to now.
	c.Tick(101, now, d)
	if got := d.SkipRatio.Load(); got != 9 {
		t.Fatalf("setup: skip ratio after forced increase = %d, want 9", got)
	}

	// Feed low-CPU readings immediately after: cooldown not elapsed yet,
	// so no decrease should occur even after 6 sub-threshold samples.
	for i := 0; i < 6; i++ {
		now = now.Add(100 * time.Millisecond)
		c.Tick(30, now, d)
	}
	if got := d.SkipRatio.Load(); got != 9 {
		t.Fatalf("skip ratio decreased before 3s cooldown elapsed: got %d, want 9", got)
	}

	// Advance past the cooldown, then feed 5 more sub-threshold samples:
	// still shouldn't decrease (needs 6 consecutive since last reset).
	now = now.Add(3 * time.Second)
	for i := 0; i < 5; i++ {
		now = now.Add(500 * time.Millisecond)
		c.Tick(30, now, d)
	}
	if got := d.SkipRatio.Load(); got != 9 {
		t.Fatalf("skip ratio decreased before 6 stable-low samples accrued: got %d, want 9", got)
	}

	// The 6th consecutive sub-threshold sample (since the cooldown) should
	// trigger exactly one decrease.
	now = now.Add(500 * time.Millisecond)
	c.Tick(30, now, d)
	if got := d.SkipRatio.Load(); got != 8 {
		t.Fatalf("skip ratio after 6th stable-low sample = %d, want 8 (one decrease)", got)
	}

	// It must not decrease again on the very next sample (stableLowCount
	// was reset to 0 after the decrease).
	now = now.Add(500 * time.Millisecond)
	c.Tick(30, now, d)
	if got := d.SkipRatio.Load(); got != 8 {
		t.Fatalf("skip ratio decreased twice in a row: got %d, want 8", got)
	}
}

// TestSlowPathDecreasesWithoutAnyPriorIncrease covers a controller that is
// handed a skip ratio raised some other way (e.g. the control file's skip=
// key while auto_skip was off) and never itself takes a fast-path increase.
// It must still become eligible to decrease once it has run long enough,
// rather than staying permanently stuck because no increase ever occurred.
func TestSlowPathDecreasesWithoutAnyPriorIncrease(t *testing.T) {
	d := dials.Defaults()
	d.TargetCPUPct.Store(60)
	d.SetSkipRatioClamped(5)
	c := New()
	now := time.Now()

	for i := 0; i < 6; i++ {
		now = now.Add(100 * time.Millisecond)
		c.Tick(30, now, d)
	}
	if got := d.SkipRatio.Load(); got != 5 {
		t.Fatalf("skip ratio decreased before 3s cooldown elapsed: got %d, want 5", got)
	}

	now = now.Add(3 * time.Second)
	for i := 0; i < 6; i++ {
		now = now.Add(500 * time.Millisecond)
		c.Tick(30, now, d)
	}
	if got := d.SkipRatio.Load(); got != 4 {
		t.Fatalf("skip ratio = %d, want 4 (one decrease with no prior increase)", got)
	}
}

func TestNeverDecreasesBelowMinSkipRatio(t *testing.T) {
	d := dials.Defaults()
	d.TargetCPUPct.Store(60)
	d.SetSkipRatioClamped(dials.MinSkipRatio)
	c := New()
	now := time.Now()
	c.cooldownStart = now.Add(-time.Hour)

	for i := 0; i < 20; i++ {
		now = now.Add(500 * time.Millisecond)
		c.Tick(10, now, d)
	}
	if got := d.SkipRatio.Load(); got != dials.MinSkipRatio {
		t.Fatalf("skip ratio went below MinSkipRatio: got %d", got)
	}
}
