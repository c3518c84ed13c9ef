package backend

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Sanzentyo/video-hw/internal/driver/drivertest"
	"github.com/Sanzentyo/video-hw/media"
)

func argbFrame(dims media.Dimensions, pts int64) media.RawFrame {
	return media.RawFrame{
		Format: media.RawARGB8888,
		Dims:   dims,
		PTS:    pts,
		Data:   make([]byte, dims.Width*dims.Height*4),
	}
}

func newTestEncoder(t *testing.T, opts drivertest.Options, cfg media.EncoderConfig) EncoderBackend {
	t.Helper()
	if cfg.Codec != media.CodecHEVC {
		cfg.Codec = media.CodecH264
	}
	cfg.WaitForCredit = true
	if cfg.FPS == 0 {
		cfg.FPS = 30
	}
	enc, err := NewEncoder(drivertest.New(opts), cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	t.Cleanup(func() { _ = enc.Close() })
	return enc
}

func TestEncode_PTSMonotonic(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{})
	dims := media.Dimensions{Width: 640, Height: 360}

	for i := 0; i < 30; i++ {
		if err := enc.Submit(argbFrame(dims, int64(i)*3000)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(chunks) < 1 {
		t.Fatal("flush returned no packets")
	}
	last := int64(-1)
	for i, c := range chunks {
		if c.PTS < last {
			t.Fatalf("chunk %d: pts %d decreased from %d", i, c.PTS, last)
		}
		last = c.PTS
	}
}

func TestEncode_SynthesizedPTS(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{FPS: 30})
	dims := media.Dimensions{Width: 64, Height: 36}

	for i := 0; i < 3; i++ {
		f := argbFrame(dims, media.NoPTS)
		if err := enc.Submit(f); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if want := int64(i) * 3000; c.PTS != want {
			t.Errorf("chunk %d: pts = %d, want %d (index x 90000/fps)", i, c.PTS, want)
		}
	}
}

func TestEncode_InvalidARGBSize(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{})
	dims := media.Dimensions{Width: 640, Height: 360}

	bad := media.RawFrame{Format: media.RawARGB8888, Dims: dims, Data: make([]byte, 100)}
	err := enc.Submit(bad)
	if !errors.Is(err, media.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), "argb payload size mismatch") {
		t.Errorf("error message %q should name the argb size mismatch", err.Error())
	}

	// No session damage: a valid frame encodes normally.
	if err := enc.Submit(argbFrame(dims, 0)); err != nil {
		t.Fatalf("Submit after rejected frame: %v", err)
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("got %d chunks, want 1", len(chunks))
	}
}

func TestEncode_DimensionLockWithinCycle(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{})

	if err := enc.Submit(argbFrame(media.Dimensions{Width: 640, Height: 360}, 0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := enc.Submit(argbFrame(media.Dimensions{Width: 1280, Height: 720}, 3000))
	if !errors.Is(err, media.ErrInvalidInput) {
		t.Fatalf("second dimension within cycle: expected ErrInvalidInput, got %v", err)
	}

	// A flush opens the lock for the next cycle.
	if _, err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := enc.Submit(argbFrame(media.Dimensions{Width: 1280, Height: 720}, 6000)); err != nil {
		t.Fatalf("Submit after flush: %v", err)
	}
}

func TestEncode_ZeroDimensions(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{})
	err := enc.Submit(media.RawFrame{Format: media.RawARGB8888, Dims: media.Dimensions{}})
	if !errors.Is(err, media.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEncode_BackendLayouts(t *testing.T) {
	cases := []struct {
		backend media.Backend
		codec   media.Codec
		want    media.Layout
	}{
		{media.BackendVideoToolbox, media.CodecH264, media.LayoutAVCC},
		{media.BackendVideoToolbox, media.CodecHEVC, media.LayoutHVCC},
		{media.BackendNvidia, media.CodecH264, media.LayoutAnnexB},
		{media.BackendNvidia, media.CodecHEVC, media.LayoutAnnexB},
	}
	for _, c := range cases {
		enc := newTestEncoder(t, drivertest.Options{Backend: c.backend}, media.EncoderConfig{Codec: c.codec})
		if err := enc.Submit(argbFrame(media.Dimensions{Width: 64, Height: 36}, 0)); err != nil {
			t.Fatalf("%s/%s Submit: %v", c.backend, c.codec, err)
		}
		chunks, err := enc.Flush()
		if err != nil {
			t.Fatalf("%s/%s Flush: %v", c.backend, c.codec, err)
		}
		if len(chunks) != 1 {
			t.Fatalf("%s/%s: got %d chunks", c.backend, c.codec, len(chunks))
		}
		if chunks[0].Layout != c.want {
			t.Errorf("%s/%s: layout = %s, want %s", c.backend, c.codec, chunks[0].Layout, c.want)
		}
		if chunks[0].Layout != LayoutOf(c.backend, c.codec) {
			t.Errorf("%s/%s: layout disagrees with LayoutOf", c.backend, c.codec)
		}
		if !chunks[0].Keyframe {
			t.Errorf("%s/%s: first packet should be a keyframe", c.backend, c.codec)
		}
	}
}

func TestEncode_ImmediateSwitchDropsOldGeneration(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{FPS: 30})
	dims := media.Dimensions{Width: 64, Height: 36}

	for i := 0; i < 10; i++ {
		if err := enc.Submit(argbFrame(dims, media.NoPTS)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	// Let the old generation's packets reach the output queue.
	time.Sleep(100 * time.Millisecond)

	if err := enc.RequestSwitch(media.SessionSwitchRequest{Mode: media.SwitchImmediate, ForceIDROnActivate: true}); err != nil {
		t.Fatalf("RequestSwitch: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := enc.Submit(argbFrame(dims, media.NoPTS)); err != nil {
			t.Fatalf("Submit after switch %d: %v", i, err)
		}
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(chunks) > 10 {
		t.Fatalf("got %d chunks; retired-generation output leaked past the switch", len(chunks))
	}
	if len(chunks) == 0 {
		t.Fatal("new generation produced no packets")
	}
	// Frames 10..19 synthesize pts 30000 and above; anything below belongs
	// to the retired generation.
	for i, c := range chunks {
		if c.PTS < 30000 {
			t.Errorf("chunk %d: pts %d belongs to the retired generation", i, c.PTS)
		}
	}
	if !chunks[0].Keyframe {
		t.Error("forced IDR on activation should make the first new-generation packet a keyframe")
	}
}

func TestEncode_BusyRetry(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia, BusyEvery: 5}, media.EncoderConfig{})
	dims := media.Dimensions{Width: 64, Height: 36}

	for i := 0; i < 12; i++ {
		if err := enc.Submit(argbFrame(dims, int64(i)*3000)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(chunks) != 12 {
		t.Errorf("got %d chunks, want 12 (busy frames must be retried, not lost)", len(chunks))
	}
}

func TestEncode_DeviceLostIsSticky(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia, DeviceLostAfter: 3}, media.EncoderConfig{})
	dims := media.Dimensions{Width: 64, Height: 36}

	for i := 0; i < 6; i++ {
		_ = enc.Submit(argbFrame(dims, int64(i)*3000))
	}

	sawDeviceLost := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := enc.TryReap(); errors.Is(err, media.ErrDeviceLost) {
			sawDeviceLost = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawDeviceLost {
		t.Fatal("device loss never surfaced")
	}

	// Every subsequent operation fails fast with the same error.
	if err := enc.Submit(argbFrame(dims, 0)); !errors.Is(err, media.ErrDeviceLost) {
		t.Errorf("Submit after loss: got %v", err)
	}
	if _, err := enc.Flush(); !errors.Is(err, media.ErrDeviceLost) {
		t.Errorf("Flush after loss: got %v", err)
	}
}

func TestEncode_DrainThenSwap(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{FPS: 30})
	dims := media.Dimensions{Width: 64, Height: 36}

	for i := 0; i < 5; i++ {
		if err := enc.Submit(argbFrame(dims, media.NoPTS)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := enc.RequestSwitch(media.SessionSwitchRequest{Mode: media.SwitchDrainThenSwap}); err != nil {
		t.Fatalf("RequestSwitch: %v", err)
	}

	// The old generation stays reapable while draining.
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < 5 && time.Now().Before(deadline) {
		c, err := enc.ReapTimeout(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReapTimeout: %v", err)
		}
		if c != nil {
			got++
		}
	}
	if got != 5 {
		t.Fatalf("reaped %d packets while draining, want 5", got)
	}

	// One more reap observes the drain completion and commits the swap.
	if _, err := enc.TryReap(); err != nil {
		t.Fatalf("TryReap: %v", err)
	}
	if err := enc.Submit(argbFrame(dims, media.NoPTS)); err != nil {
		t.Fatalf("Submit after swap: %v", err)
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("got %d chunks after swap, want 1", len(chunks))
	}
}

func TestEncode_OnNextKeyframeSwitch(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia, GOP: 1000}, media.EncoderConfig{FPS: 30})
	dims := media.Dimensions{Width: 64, Height: 36}

	if err := enc.Submit(argbFrame(dims, media.NoPTS)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Let the first frame's packet reach the output queue under the old
	// generation before the switch is requested.
	time.Sleep(100 * time.Millisecond)
	if err := enc.RequestSwitch(media.SessionSwitchRequest{Mode: media.SwitchOnNextKeyframe}); err != nil {
		t.Fatalf("RequestSwitch: %v", err)
	}

	// A forced keyframe commits the pending switch at the submit boundary.
	forced := argbFrame(dims, media.NoPTS)
	forced.ForceKeyframe = true
	if err := enc.Submit(forced); err != nil {
		t.Fatalf("Submit forced keyframe: %v", err)
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// Only the committed generation's packet survives.
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !chunks[0].Keyframe {
		t.Error("switch activation should force an IDR")
	}
}

func TestEncode_SharedARGBInput(t *testing.T) {
	enc := newTestEncoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.EncoderConfig{})
	dims := media.Dimensions{Width: 64, Height: 36}

	shared := argbFrame(dims, 0)
	shared.Shared = true
	if err := enc.Submit(shared); err != nil {
		t.Fatalf("Submit shared frame: %v", err)
	}
	// The caller's buffer is read-only for the pipeline: mutating it after
	// Submit returns must not corrupt the staged copy.
	for i := range shared.Data {
		shared.Data[i] = 0xFF
	}
	chunks, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("got %d chunks, want 1", len(chunks))
	}
}
