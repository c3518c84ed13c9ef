package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sanzentyo/video-hw/media"
	"github.com/Sanzentyo/video-hw/transform"
)

// Unit is one decoded frame moving between the backend adapter and the
// caller, tagged with the generation at which it was submitted. Err carries
// a CPU transform failure for this frame; accelerator failures never appear
// here.
type Unit struct {
	Frame media.DecodedFrame
	Gen   uint64
	Err   error
}

// Scheduler routes decoded units from a backend adapter through the
// transform dispatcher while enforcing generation validity. Results are
// emitted in submission order: every unit is assigned a monotonic sequence
// number at submit and resequenced before it reaches the output queue, so
// out-of-order worker completion never reorders frames.
type Scheduler struct {
	log  *slog.Logger
	disp *transform.Dispatcher
	out  *Queue[Unit]
	done chan struct{}

	gen        atomic.Uint64
	staleDrops atomic.Uint64
	emitting   atomic.Int64

	// mu guards sequence assignment and the reorder buffer. emitMu
	// serializes emission so the output queue sees sequence order even
	// when a push has to wait for queue space; it is never held while mu
	// is taken, only the other way around.
	emitMu   sync.Mutex
	mu       sync.Mutex
	nextSeq  uint64
	nextEmit uint64
	held     map[uint64]Unit

	closeOnce sync.Once
}

// NewScheduler couples a session to the shared transform dispatcher.
// queueCapacity bounds the output queue (minimum 1).
func NewScheduler(disp *transform.Dispatcher, queueCapacity int, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		log:  log.With("component", "scheduler"),
		disp: disp,
		out:  NewQueue[Unit](queueCapacity),
		done: make(chan struct{}),
		held: make(map[uint64]Unit),
	}
	s.gen.Store(1)
	return s
}

// SetGeneration activates a new configuration epoch. Units tagged with an
// older generation are dropped at reap from this point on.
func (s *Scheduler) SetGeneration(g uint64) {
	if g < 1 {
		g = 1
	}
	s.gen.Store(g)
}

// Generation returns the currently valid epoch.
func (s *Scheduler) Generation() uint64 {
	return s.gen.Load()
}

// StaleDrops returns how many retired-generation units were discarded.
func (s *Scheduler) StaleDrops() uint64 {
	return s.staleDrops.Load()
}

// Submit routes one decoded frame. KeepNative requests with no resize skip
// the dispatcher entirely and complete synchronously; everything else is
// enqueued onto the worker pool. A full transform queue fails with
// ErrTemporaryBackpressure and the adapter retries.
func (s *Scheduler) Submit(frame media.DecodedFrame, gen uint64, color media.ColorRequest, resize *media.Dimensions) error {
	if !transform.NeedsWork(color, resize) {
		s.mu.Lock()
		seq := s.nextSeq
		s.nextSeq++
		s.mu.Unlock()
		s.complete(seq, Unit{Frame: frame, Gen: gen})
		return nil
	}

	s.mu.Lock()
	seq := s.nextSeq
	err := s.disp.Submit(transform.Job{
		Frame:  frame,
		Color:  color,
		Resize: resize,
		Done: func(out media.DecodedFrame, jobErr error) {
			s.complete(seq, Unit{Frame: out, Gen: gen, Err: jobErr})
		},
	})
	if err == nil {
		s.nextSeq++
	}
	s.mu.Unlock()
	return err
}

// complete records a finished unit and emits every consecutively completed
// sequence number. Emission happens outside mu so a full output queue never
// wedges state inspection; emitMu keeps concurrent emitters in order.
func (s *Scheduler) complete(seq uint64, u Unit) {
	s.emitMu.Lock()
	s.mu.Lock()
	s.held[seq] = u
	var ready []Unit
	for {
		next, ok := s.held[s.nextEmit]
		if !ok {
			break
		}
		delete(s.held, s.nextEmit)
		s.nextEmit++
		ready = append(ready, next)
	}
	s.emitting.Add(int64(len(ready)))
	s.mu.Unlock()

	for _, unit := range ready {
		s.out.Push(unit, s.done)
		s.emitting.Add(-1)
	}
	s.emitMu.Unlock()
}

// TryPop returns the next in-order unit whose generation is still current,
// or ok=false when nothing is ready.
func (s *Scheduler) TryPop() (Unit, bool) {
	for {
		u, ok := s.out.TryPop()
		if !ok {
			return Unit{}, false
		}
		if s.stale(u) {
			continue
		}
		return u, true
	}
}

// PopTimeout blocks up to d for the next in-order, current-generation unit.
func (s *Scheduler) PopTimeout(d time.Duration) (Unit, bool) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		u, ok := s.out.PopTimeout(remaining)
		if !ok {
			return Unit{}, false
		}
		if s.stale(u) {
			continue
		}
		return u, true
	}
}

// Pending reports whether submitted work has not yet reached the output
// queue's consumer.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	inFlight := s.nextEmit != s.nextSeq
	s.mu.Unlock()
	return inFlight || s.emitting.Load() > 0 || s.out.Len() > 0
}

// Stats exposes output-queue occupancy.
func (s *Scheduler) Stats() QueueStats {
	return s.out.Stats()
}

// Close unblocks any worker waiting to emit. Submitted jobs already in the
// dispatcher still run; their results are discarded.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) stale(u Unit) bool {
	if u.Gen >= s.gen.Load() {
		return false
	}
	n := s.staleDrops.Add(1)
	if n == 1 || n%64 == 0 {
		s.log.Debug("dropped stale-generation output", "unit_gen", u.Gen, "current_gen", s.gen.Load(), "total", n)
	}
	return true
}
