package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/dials"
	"github.com/streamdaemon/mediastreamd/internal/hwcodec"
	"github.com/streamdaemon/mediastreamd/internal/topics"
)

func newTestPipeline(t *testing.T, skipRatio int) (*Pipeline, topics.Topics) {
	t.Helper()
	tp := topics.New()
	d := dials.Defaults()
	d.AutoSkip.Store(false)
	d.SetSkipRatioClamped(skipRatio)

	camera := hwcodec.NewFakeCamera(hwcodec.FormatJPEG, hwcodec.RawFrame{
		Data: []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9},
	})
	jpegDec := &hwcodec.FakeJpegDecoder{Output: hwcodec.RawFrame{Format: hwcodec.FormatNV12, Width: 4, Height: 4}}
	h264Enc := hwcodec.NewFakeH264Encoder()
	h264Enc.NextIsIDR = func(int) bool { return false }

	cfg := Config{
		Mode:        ModeJPEGIn,
		TargetFPS:   15,
		ServerMode:  false,
		ControlFile: "",
	}
	p := New(cfg, tp, d, camera, nil, jpegDec, h264Enc, ConsumerCounts{}, zerolog.Nop())
	return p, tp
}

func TestSkipRatioSemantics(t *testing.T) {
	for _, k := range []int{1, 2, 3, 5, 7} {
		k := k
		t.Run(string(rune('0'+k)), func(t *testing.T) {
			p, tp := newTestPipeline(t, k)
			ctx := context.Background()

			for i := 0; i < 1000; i++ {
				p.iterate(ctx)
			}

			got := int(tp.CameraH264.CurrentSequence())
			want := 1000 / k
			if diff := got - want; diff < -1 || diff > 1 {
				t.Errorf("skip_ratio=%d: h264 topic received %d frames, want %d +-1", k, got, want)
			}
		})
	}
}

func TestH264DisabledNeverPublishes(t *testing.T) {
	p, tp := newTestPipeline(t, 1)
	p.dials.H264Enabled.Store(false)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		p.iterate(ctx)
	}
	if got := tp.CameraH264.CurrentSequence(); got != 0 {
		t.Errorf("h264 topic received %d frames with h264 disabled, want 0", got)
	}
}

func TestJPEGPassThroughPublishesEveryFrameInNonServerMode(t *testing.T) {
	p, tp := newTestPipeline(t, 4)
	ctx := context.Background()

	const n = 100
	for i := 0; i < n; i++ {
		p.iterate(ctx)
	}
	if got := tp.CameraJPEG.CurrentSequence(); got != n {
		t.Errorf("camera_jpeg sequence = %d, want %d", got, n)
	}
}

func TestServerModeIdleGatingSkipsCaptureUntilConsumer(t *testing.T) {
	active := 0
	tp := topics.New()
	d := dials.Defaults()
	d.AutoSkip.Store(false)
	camera := hwcodec.NewFakeCamera(hwcodec.FormatJPEG, hwcodec.RawFrame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})
	cfg := Config{Mode: ModeJPEGIn, TargetFPS: 15, ServerMode: true}
	counts := ConsumerCounts{JPEGStreaming: func() int { return active }}
	p := New(cfg, tp, d, camera, nil, nil, nil, counts, zerolog.Nop())

	ctx := context.Background()
	// Idle: no consumers, iterate once (this sleeps 500ms internally via
	// the idle branch) and confirm nothing was published.
	done := make(chan struct{})
	go func() {
		p.iterate(ctx)
		close(done)
	}()
	<-done
	if got := tp.CameraJPEG.CurrentSequence(); got != 0 {
		t.Fatalf("expected no publish while idle, got sequence %d", got)
	}

	active = 1
	p.iterate(ctx)
	if got := tp.CameraJPEG.CurrentSequence(); got == 0 {
		t.Fatalf("expected a publish once a consumer attached, got sequence 0")
	}
}

func TestRequestSnapshotFulfilledWhileIdle(t *testing.T) {
	tp := topics.New()
	d := dials.Defaults()
	camera := hwcodec.NewFakeCamera(hwcodec.FormatJPEG, hwcodec.RawFrame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})
	cfg := Config{Mode: ModeJPEGIn, TargetFPS: 15, ServerMode: true}
	p := New(cfg, tp, d, camera, nil, nil, nil, ConsumerCounts{}, zerolog.Nop())

	p.RequestSnapshot()
	ctx := context.Background()
	p.iterate(ctx)

	if got := tp.CameraJPEG.CurrentSequence(); got != 1 {
		t.Fatalf("expected snapshot request to produce exactly one publish, got sequence %d", got)
	}
	if p.snapshotRequested.Load() {
		t.Fatal("snapshot flag should be cleared after fulfilment")
	}
}
