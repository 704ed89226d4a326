// Package dials implements the mutable control surface spec.md §6
// describes: a small set of runtime-tunable knobs read from (and written
// back to) a plain key=value file, backed by atomics so the pipeline's
// capture loop and the HTTP servers can read them without a lock.
package dials

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/streamdaemon/mediastreamd/internal/stats"
)

const (
	MinSkipRatio = 1
	MaxSkipRatio = 30

	MinTargetCPU = 20
	MaxTargetCPU = 90

	MinDisplayFPS = 1
	MaxDisplayFPS = 10
)

// Dials is the bounded bag of runtime knobs spec.md §3 calls "Pipeline
// state". All fields are accessed through atomics; writes are bounded to
// their documented ranges both here and in the parser.
type Dials struct {
	H264Enabled     atomic.Bool
	SkipRatio       atomic.Int64
	AutoSkip        atomic.Bool
	TargetCPUPct    atomic.Int64
	DisplayEnabled  atomic.Bool
	DisplayFPS      atomic.Int64
}

// Defaults returns a Dials set to a conservative starting configuration.
func Defaults() *Dials {
	d := &Dials{}
	d.H264Enabled.Store(true)
	d.SkipRatio.Store(1)
	d.AutoSkip.Store(true)
	d.TargetCPUPct.Store(60)
	d.DisplayEnabled.Store(false)
	d.DisplayFPS.Store(5)
	return d
}

// Snapshot is a point-in-time read of every dial, convenient for write-back
// and telemetry.
type Snapshot struct {
	H264Enabled    bool
	SkipRatio      int
	AutoSkip       bool
	TargetCPUPct   int
	DisplayEnabled bool
	DisplayFPS     int
}

func (d *Dials) Snapshot() Snapshot {
	return Snapshot{
		H264Enabled:    d.H264Enabled.Load(),
		SkipRatio:      int(d.SkipRatio.Load()),
		AutoSkip:       d.AutoSkip.Load(),
		TargetCPUPct:   int(d.TargetCPUPct.Load()),
		DisplayEnabled: d.DisplayEnabled.Load(),
		DisplayFPS:     int(d.DisplayFPS.Load()),
	}
}

// SetSkipRatioClamped sets the skip ratio, clamping to [MinSkipRatio,
// MaxSkipRatio]. Used by both the manual control-surface path and the
// auto-skip controller so the invariant is enforced in exactly one place.
func (d *Dials) SetSkipRatioClamped(v int) {
	if v < MinSkipRatio {
		v = MinSkipRatio
	}
	if v > MaxSkipRatio {
		v = MaxSkipRatio
	}
	d.SkipRatio.Store(int64(v))
}

// ParseFile reads the control-surface key=value file and applies bounded
// changes to d. Malformed lines and out-of-range values are ignored,
// leaving the prior value in place (spec.md §7: "ignore the malformed
// line, keep prior value"); a skip value above MaxSkipRatio is clamped.
// skip= is applied after the whole file has been read, so whether
// auto_skip owns the ratio does not depend on line order.
func ParseFile(path string, d *Dials) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dials: open control file: %w", err)
	}
	defer f.Close()

	pendingSkip := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if n, ok := applyLine(scanner.Text(), d); ok {
			pendingSkip = n
		}
	}
	if pendingSkip >= MinSkipRatio && !d.AutoSkip.Load() {
		d.SetSkipRatioClamped(pendingSkip)
	}
	return scanner.Err()
}

// applyLine applies one key=value line to d. A valid skip= value is not
// applied here; it is returned with ok=true for ParseFile to apply.
func applyLine(line string, d *Dials) (skip int, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, false
	}
	key, value, found := strings.Cut(line, "=")
	if !found {
		return 0, false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "h264":
		if b, ok := parseBool(value); ok {
			d.H264Enabled.Store(b)
		}
	case "skip":
		if n, err := strconv.Atoi(value); err == nil && n >= MinSkipRatio {
			return n, true
		}
	case "auto_skip":
		if b, ok := parseBool(value); ok {
			d.AutoSkip.Store(b)
		}
	case "target_cpu":
		if n, err := strconv.Atoi(value); err == nil && n >= MinTargetCPU && n <= MaxTargetCPU {
			d.TargetCPUPct.Store(int64(n))
		}
	case "display_enabled":
		if b, ok := parseBool(value); ok {
			d.DisplayEnabled.Store(b)
		}
	case "display_fps":
		if n, err := strconv.Atoi(value); err == nil && n >= MinDisplayFPS && n <= MaxDisplayFPS {
			d.DisplayFPS.Store(int64(n))
		}
	}
	return 0, false
}

func parseBool(s string) (bool, bool) {
	switch s {
	case "0":
		return false, true
	case "1":
		return true, true
	default:
		return false, false
	}
}

// WriteFile serialises the current dials plus a telemetry snapshot back to
// path. If auto_skip is enabled the controller owns `skip`, so the live
// value is written; otherwise the operator's own value is left untouched
// by virtue of simply re-emitting whatever SkipRatio currently holds (the
// controller never mutates it when auto_skip is off).
func WriteFile(path string, d *Dials, snap stats.Snapshot) error {
	s := d.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "h264=%d\n", boolToInt(s.H264Enabled))
	fmt.Fprintf(&b, "skip=%d\n", s.SkipRatio)
	fmt.Fprintf(&b, "auto_skip=%d\n", boolToInt(s.AutoSkip))
	fmt.Fprintf(&b, "target_cpu=%d\n", s.TargetCPUPct)
	fmt.Fprintf(&b, "display_enabled=%d\n", boolToInt(s.DisplayEnabled))
	fmt.Fprintf(&b, "display_fps=%d\n", s.DisplayFPS)
	fmt.Fprintf(&b, "mjpeg_fps=%.1f\n", snap.MJPEGFps)
	fmt.Fprintf(&b, "h264_fps=%.1f\n", snap.H264Fps)
	fmt.Fprintf(&b, "jpeg_clients=%d\n", snap.JPEGClients)
	fmt.Fprintf(&b, "flv_clients=%d\n", snap.FLVClients)
	fmt.Fprintf(&b, "dropped_jpeg=%d\n", snap.DroppedJPEG)
	fmt.Fprintf(&b, "dropped_h264=%d\n", snap.DroppedH264)
	fmt.Fprintf(&b, "enc_timeouts=%d\n", snap.EncoderTimeouts)

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
