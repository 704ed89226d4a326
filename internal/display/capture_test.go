package display

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/dials"
	"github.com/streamdaemon/mediastreamd/internal/hwcodec"
	"github.com/streamdaemon/mediastreamd/internal/topics"
)

func TestRotationForModel(t *testing.T) {
	cases := []struct {
		model int
		want  Rotation
	}{
		{20025, Rotate180},
		{20029, Rotate180},
		{20026, Rotate270},
		{20024, Rotate90},
		{20021, Rotate90},
		{20027, Rotate90},
		{1, RotateNone},
		{0, RotateNone},
	}
	for _, tc := range cases {
		if got := RotationForModel(tc.model); got != tc.want {
			t.Errorf("RotationForModel(%d) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestSwapsDimensions(t *testing.T) {
	if !Rotate90.SwapsDimensions() || !Rotate270.SwapsDimensions() {
		t.Error("90/270 should swap dimensions")
	}
	if Rotate180.SwapsDimensions() || RotateNone.SwapsDimensions() {
		t.Error("none/180 should not swap dimensions")
	}
}

func TestCaptureIdleWithZeroRefcountPublishesNothing(t *testing.T) {
	tp := topics.New()
	d := dials.Defaults()
	d.DisplayEnabled.Store(true)
	fb := &hwcodec.FakeFramebuffer{Buf: make([]byte, 800*480*4), Width: 800, Height: 480}
	jpegEnc := &hwcodec.FakeJpegEncoder{}
	c := New(fb, hwcodec.FakeRotator{}, jpegEnc, tp, d, RotateNone, 80, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	if tp.DisplayJPEG.CurrentSequence() != 0 {
		t.Error("expected no publish with zero refcount")
	}
	if jpegEnc.Calls.Load() != 0 {
		t.Error("expected encoder never invoked while idle")
	}
}

func TestCaptureActivatesOnAcquireAndPublishes(t *testing.T) {
	tp := topics.New()
	d := dials.Defaults()
	d.DisplayEnabled.Store(true)
	d.DisplayFPS.Store(10)
	fb := &hwcodec.FakeFramebuffer{Buf: make([]byte, 800*480*4), Width: 800, Height: 480}
	jpegEnc := &hwcodec.FakeJpegEncoder{}
	c := New(fb, hwcodec.FakeRotator{}, jpegEnc, tp, d, RotateNone, 80, zerolog.Nop())

	c.Acquire()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(1 * time.Second)
	for tp.DisplayJPEG.CurrentSequence() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tp.DisplayJPEG.CurrentSequence() == 0 {
		t.Fatal("expected at least one publish after Acquire")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	tp := topics.New()
	d := dials.Defaults()
	fb := &hwcodec.FakeFramebuffer{Buf: make([]byte, 16), Width: 4, Height: 4}
	c := New(fb, hwcodec.FakeRotator{}, &hwcodec.FakeJpegEncoder{}, tp, d, RotateNone, 80, zerolog.Nop())

	c.Release()
	c.Release()
	if c.refcount.Load() != 0 {
		t.Errorf("refcount = %d, want 0 (clamped)", c.refcount.Load())
	}
	c.Acquire()
	if c.refcount.Load() != 1 {
		t.Errorf("refcount = %d, want 1", c.refcount.Load())
	}
}
