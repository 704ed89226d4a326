package dials

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFileAppliesRecognisedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctrl")
	contents := "h264=0\nskip=4\nauto_skip=0\ntarget_cpu=75\ndisplay_enabled=1\ndisplay_fps=7\n"
	if err := writeTestFile(path, contents); err != nil {
		t.Fatal(err)
	}

	d := Defaults()
	if err := ParseFile(path, d); err != nil {
		t.Fatal(err)
	}

	s := d.Snapshot()
	if s.H264Enabled {
		t.Error("h264 should be disabled")
	}
	if s.SkipRatio != 4 {
		t.Errorf("skip = %d, want 4", s.SkipRatio)
	}
	if s.AutoSkip {
		t.Error("auto_skip should be disabled")
	}
	if s.TargetCPUPct != 75 {
		t.Errorf("target_cpu = %d, want 75", s.TargetCPUPct)
	}
	if !s.DisplayEnabled {
		t.Error("display_enabled should be true")
	}
	if s.DisplayFPS != 7 {
		t.Errorf("display_fps = %d, want 7", s.DisplayFPS)
	}
}

func TestParseFileIgnoresMalformedLinesKeepsPriorValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctrl")
	contents := "not-a-valid-line\ntarget_cpu=999\nskip=\nh264=maybe\n"
	if err := writeTestFile(path, contents); err != nil {
		t.Fatal(err)
	}

	d := Defaults()
	before := d.Snapshot()
	if err := ParseFile(path, d); err != nil {
		t.Fatal(err)
	}
	after := d.Snapshot()

	if before != after {
		t.Errorf("malformed/out-of-range lines changed dials: before=%+v after=%+v", before, after)
	}
}

func TestSkipIgnoredWhenAutoSkipOwnsIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctrl")
	if err := writeTestFile(path, "auto_skip=1\nskip=9\n"); err != nil {
		t.Fatal(err)
	}

	d := Defaults()
	d.SetSkipRatioClamped(2)
	if err := ParseFile(path, d); err != nil {
		t.Fatal(err)
	}

	if got := d.Snapshot().SkipRatio; got != 2 {
		t.Errorf("manual skip= should be ignored while auto_skip=1, got %d", got)
	}
}

func TestSetSkipRatioClamped(t *testing.T) {
	d := Defaults()
	d.SetSkipRatioClamped(-5)
	if got := d.SkipRatio.Load(); got != MinSkipRatio {
		t.Errorf("clamp low: got %d want %d", got, MinSkipRatio)
	}
	d.SetSkipRatioClamped(1000)
	if got := d.SkipRatio.Load(); got != MaxSkipRatio {
		t.Errorf("clamp high: got %d want %d", got, MaxSkipRatio)
	}
}

func writeTestFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
