package metrics

import (
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu    sync.Mutex
	snaps []SessionSnapshot
}

func (c *captureSink) Record(s SessionSnapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func TestRecorder_Counters(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(true, sink, "sess-1", "nvidia", "h264", 6)

	for i := 0; i < 3; i++ {
		r.AddFrame()
	}
	r.AddPacket()
	r.AddCopiedBytes(1024)
	r.AddStaleDrop()
	r.AddStage(StageSubmit, 2*time.Millisecond)
	r.ObserveQueuePeak(4)
	r.ObserveQueuePeak(2) // lower value must not shrink the peak

	snap := r.Snapshot()
	if snap.Frames != 3 || snap.Packets != 1 {
		t.Errorf("frames/packets = %d/%d, want 3/1", snap.Frames, snap.Packets)
	}
	if snap.CopiedBytes != 1024 {
		t.Errorf("copied = %d", snap.CopiedBytes)
	}
	if snap.StaleDrops != 1 {
		t.Errorf("stale drops = %d", snap.StaleDrops)
	}
	if snap.QueuePeak != 4 {
		t.Errorf("queue peak = %d, want 4", snap.QueuePeak)
	}
	if snap.MaxInFlight != 6 {
		t.Errorf("max in flight = %d, want 6", snap.MaxInFlight)
	}
	if snap.StageMs["submit"] < 1.9 {
		t.Errorf("submit stage = %.3fms, want ~2ms", snap.StageMs["submit"])
	}

	r.Flush()
	if len(sink.snaps) != 1 {
		t.Fatalf("sink received %d snapshots, want 1", len(sink.snaps))
	}
	if sink.snaps[0].SessionID != "sess-1" || sink.snaps[0].Backend != "nvidia" {
		t.Errorf("snapshot identity = %s/%s", sink.snaps[0].SessionID, sink.snaps[0].Backend)
	}
}

func TestRecorder_Percentiles(t *testing.T) {
	r := NewRecorder(true, nil, "s", "b", "c", 1)
	for i := 1; i <= 100; i++ {
		r.ObserveQueueWait(time.Duration(i) * time.Millisecond)
	}
	snap := r.Snapshot()
	if snap.QueueWaitP95Ms < 94 || snap.QueueWaitP95Ms > 96 {
		t.Errorf("p95 = %.1f, want ~95", snap.QueueWaitP95Ms)
	}
	if snap.QueueWaitP99Ms < 98 || snap.QueueWaitP99Ms > 100 {
		t.Errorf("p99 = %.1f, want ~99", snap.QueueWaitP99Ms)
	}
}

func TestRecorder_Jitter(t *testing.T) {
	r := NewRecorder(true, nil, "s", "b", "c", 1)
	base := time.Now()
	for i := 0; i < 10; i++ {
		r.ObserveOutput(base.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	snap := r.Snapshot()
	if snap.JitterMeanMs < 9.5 || snap.JitterMeanMs > 10.5 {
		t.Errorf("jitter mean = %.2f, want ~10", snap.JitterMeanMs)
	}
}

func TestRecorder_DisabledIsNoOp(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(false, sink, "s", "b", "c", 1)
	r.AddFrame()
	r.AddStage(StageReap, time.Second)
	r.Flush()
	if len(sink.snaps) != 0 {
		t.Error("disabled recorder must not report")
	}
	if snap := r.Snapshot(); snap.Frames != 0 {
		t.Error("disabled recorder must not count")
	}
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.AddFrame()
	r.ObserveOutput(time.Now())
	r.Flush()
	_ = r.Snapshot()
}
