package pipeline

import (
	"testing"
	"time"

	"github.com/Sanzentyo/video-hw/media"
	"github.com/Sanzentyo/video-hw/transform"
)

func testNV12Frame(pts int64) media.DecodedFrame {
	dims := media.Dimensions{Width: 32, Height: 18}
	luma := dims.Width * dims.Height
	data := make([]byte, luma+luma/2)
	for i := range data[:luma] {
		data[i] = byte(i)
	}
	for i := luma; i < len(data); i++ {
		data[i] = 128
	}
	return media.DecodedFrame{
		Kind:  media.DecodedNV12,
		Dims:  dims,
		PTS:   pts,
		Pitch: dims.Width,
		Data:  data,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *transform.Dispatcher) {
	t.Helper()
	disp := transform.NewDispatcher(2, 16, nil)
	s := NewScheduler(disp, 16, nil)
	t.Cleanup(func() {
		s.Close()
		disp.Close()
	})
	return s, disp
}

func TestScheduler_FastPath(t *testing.T) {
	s, _ := newTestScheduler(t)

	frame := media.DecodedFrame{Kind: media.DecodedMetadata, Dims: media.Dimensions{Width: 64, Height: 36}, PTS: 0}
	if err := s.Submit(frame, 1, media.ColorKeepNative, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	u, ok := s.TryPop()
	if !ok {
		t.Fatal("fast-path unit should be available immediately")
	}
	if u.Frame.Kind != media.DecodedMetadata {
		t.Errorf("kind = %s, want metadata", u.Frame.Kind)
	}
}

func TestScheduler_TransformPath(t *testing.T) {
	s, _ := newTestScheduler(t)

	if err := s.Submit(testNV12Frame(1000), 1, media.ColorRGB24, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	u, ok := s.PopTimeout(2 * time.Second)
	if !ok {
		t.Fatal("transformed unit never arrived")
	}
	if u.Err != nil {
		t.Fatalf("transform failed: %v", u.Err)
	}
	if u.Frame.Kind != media.DecodedRGB24 {
		t.Errorf("kind = %s, want rgb24", u.Frame.Kind)
	}
	if u.Frame.PTS != 1000 {
		t.Errorf("pts = %d, want 1000", u.Frame.PTS)
	}
}

func TestScheduler_OrderPreserved(t *testing.T) {
	s, _ := newTestScheduler(t)

	const n = 12
	for i := 0; i < n; i++ {
		if err := s.Submit(testNV12Frame(int64(i)*3000), 1, media.ColorRGB24, nil); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		// Interleave fast-path metadata frames with worker-pool jobs; the
		// resequencer must still emit strict submission order.
		meta := media.DecodedFrame{Kind: media.DecodedMetadata, PTS: int64(i)*3000 + 1}
		if err := s.Submit(meta, 1, media.ColorKeepNative, nil); err != nil {
			t.Fatalf("Submit meta %d: %v", i, err)
		}
	}

	var last int64 = -1
	for i := 0; i < 2*n; i++ {
		u, ok := s.PopTimeout(2 * time.Second)
		if !ok {
			t.Fatalf("unit %d never arrived", i)
		}
		if u.Err != nil {
			t.Fatalf("unit %d failed: %v", i, u.Err)
		}
		if u.Frame.PTS <= last {
			t.Fatalf("out of order: pts %d after %d", u.Frame.PTS, last)
		}
		last = u.Frame.PTS
	}
}

func TestScheduler_GenerationDrop(t *testing.T) {
	s, _ := newTestScheduler(t)

	for i := 0; i < 5; i++ {
		frame := media.DecodedFrame{Kind: media.DecodedMetadata, PTS: int64(i)}
		if err := s.Submit(frame, 1, media.ColorKeepNative, nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	s.SetGeneration(2)
	for i := 0; i < 3; i++ {
		frame := media.DecodedFrame{Kind: media.DecodedMetadata, PTS: int64(100 + i)}
		if err := s.Submit(frame, 2, media.ColorKeepNative, nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var survivors []int64
	for {
		u, ok := s.TryPop()
		if !ok {
			break
		}
		survivors = append(survivors, u.Frame.PTS)
	}
	if len(survivors) != 3 {
		t.Fatalf("got %d units, want 3 (old generation dropped)", len(survivors))
	}
	for _, pts := range survivors {
		if pts < 100 {
			t.Errorf("unit with pts %d belongs to the retired generation", pts)
		}
	}
	if s.StaleDrops() != 5 {
		t.Errorf("stale drops = %d, want 5", s.StaleDrops())
	}
}

func TestScheduler_Pending(t *testing.T) {
	s, _ := newTestScheduler(t)
	if s.Pending() {
		t.Error("fresh scheduler should have nothing pending")
	}
	if err := s.Submit(testNV12Frame(0), 1, media.ColorRGB24, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Pending() && time.Now().Before(deadline) {
		if _, ok := s.TryPop(); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := s.TryPop(); ok {
		t.Error("only one unit was submitted")
	}
}
