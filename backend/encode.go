package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Sanzentyo/video-hw/internal/driver"
	"github.com/Sanzentyo/video-hw/media"
	"github.com/Sanzentyo/video-hw/metrics"
	"github.com/Sanzentyo/video-hw/pipeline"
)

// encodeItem is one unit of submit-worker work: a staged frame in a pool
// buffer, or a flush marker.
type encodeItem struct {
	buf      []byte
	pitch    int
	pts      int64
	forceIDR bool
	gen      uint64
	flush    bool
	done     chan struct{}
}

// encodedUnit is a reaped chunk tagged with its generation.
type encodedUnit struct {
	chunk media.EncodedChunk
	gen   uint64
}

// encodeSession is the per-backend encode state machine. The driver session
// is created lazily at the first frame, which fixes the dimensions for the
// flush cycle; the buffer pool stages uploads so the hot path never
// allocates.
type encodeSession struct {
	id  string
	log *slog.Logger
	cfg media.EncoderConfig
	pol policy
	rt  driver.Runtime
	rec *metrics.Recorder

	maxInFlight int
	gopLength   uint32
	frameIntP   int32

	credits       *pipeline.Credits
	creditBalance atomic.Int64
	pool          *bufferPool

	submitQ *pipeline.Queue[encodeItem]
	outQ    *pipeline.Queue[encodedUnit]

	shutdown  chan struct{}
	closeOnce sync.Once
	workers   *errgroup.Group

	mu            sync.Mutex
	state         sessionState
	enc           driver.Encoder
	encGen        uint64
	gens          generations
	dims          media.Dimensions // fixed for the current flush cycle
	inputFormat   media.RawFormat  // taken from the first frame of the cycle
	dimsLocked    bool
	frameIndex    int64
	forceIDRNext  bool
	sawKeyframe   bool // a keyframe was reaped since the pending switch was requested
	pendingSwitch *pendingEncodeSwitch

	errMu   sync.Mutex
	fatal   error
	pending error

	// flushEpoch tags drain tokens so a Flush only accepts the EOS of its
	// own cycle; tokens from a prior cycle are discarded by value.
	flushEpoch   atomic.Uint64
	flushDrained chan uint64

	lastPTS atomic.Int64
}

type pendingEncodeSwitch struct {
	target uint64
	req    media.SessionSwitchRequest
}

// NewEncoder creates an encode session bound to a vendor runtime. The
// vendor session itself is opened at the first submitted frame, when the
// dimensions are known.
func NewEncoder(rt driver.Runtime, cfg media.EncoderConfig, sink metrics.Sink, log *slog.Logger) (EncoderBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	capability := rt.Capability(cfg.Codec)
	if !capability.CanEncode {
		return nil, fmt.Errorf("%w: %s cannot encode %s", media.ErrUnsupported, rt.Backend(), cfg.Codec)
	}
	if cfg.RequireHardware && !capability.HardwareAccelerated {
		return nil, fmt.Errorf("%w: %s %s encode is not hardware accelerated", media.ErrUnsupported, rt.Backend(), cfg.Codec)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}

	pol := policyFor(rt.Backend())
	maxInFlight := pol.encodeMaxInFlight
	var gop uint32
	var intervalP int32
	outCap := 512
	reportMetrics := false
	if cfg.Nvidia != nil {
		if cfg.Nvidia.MaxInFlight > 0 {
			maxInFlight = cfg.Nvidia.MaxInFlight
		}
		gop = cfg.Nvidia.GOPLength
		intervalP = cfg.Nvidia.FrameIntervalP
		if cfg.Nvidia.PipelineQueueCapacity > 0 {
			outCap = cfg.Nvidia.PipelineQueueCapacity
		}
		reportMetrics = cfg.Nvidia.ReportMetrics
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if maxInFlight > 64 {
		maxInFlight = 64
	}

	id := uuid.NewString()
	s := &encodeSession{
		id:           id,
		log:          log.With("component", "encode-session", "backend", rt.Backend().String(), "codec", cfg.Codec.String(), "session", id),
		cfg:          cfg,
		pol:          pol,
		rt:           rt,
		rec:          metrics.NewRecorder(reportMetrics, sink, id, rt.Backend().String(), cfg.Codec.String(), maxInFlight),
		maxInFlight:  maxInFlight,
		gopLength:    gop,
		frameIntP:    intervalP,
		credits:      pipeline.NewCredits(maxInFlight),
		submitQ:      pipeline.NewQueue[encodeItem](maxInFlight * 2),
		outQ:         pipeline.NewQueue[encodedUnit](outCap),
		shutdown:     make(chan struct{}),
		flushDrained: make(chan uint64, 4),
		gens:         newGenerations(),
		state:        stateRunning,
	}
	s.lastPTS.Store(media.NoPTS)

	s.workers = &errgroup.Group{}
	s.workers.Go(s.submitWorker)
	s.workers.Go(s.reapWorker)
	s.log.Info("encode session started", "max_in_flight", maxInFlight)
	return s, nil
}

func (s *encodeSession) Capability(codec media.Codec) media.Capability {
	return s.rt.Capability(codec)
}

// Submit validates one raw frame, stages it into a pool buffer, and hands
// it to the submit worker. It blocks only on credit acquisition.
func (s *encodeSession) Submit(f media.RawFrame) error {
	if err := s.takeErr(); err != nil {
		return err
	}

	s.mu.Lock()
	switch s.state {
	case stateRunning, stateSwitchPending:
	case stateDraining:
		s.mu.Unlock()
		return fmt.Errorf("%w: session is draining for a switch", media.ErrTemporaryBackpressure)
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", media.ErrInvalidInput, st)
	}

	if err := validateRawFrame(f); err != nil {
		s.mu.Unlock()
		return err
	}

	// A pending switch activates at the submit boundary: immediately, or at
	// the next forced/observed keyframe.
	if ps := s.pendingSwitch; ps != nil && ps.req.Mode == media.SwitchOnNextKeyframe && (f.ForceKeyframe || s.sawKeyframe) {
		if err := s.commitSwitchLocked(ps.target, ps.req); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	if s.dimsLocked {
		if f.Dims != s.dims {
			s.mu.Unlock()
			return fmt.Errorf("%w: encode dimensions changed within a flush cycle (%s -> %s); request a session switch", media.ErrInvalidInput, s.dims, f.Dims)
		}
		if f.Format != s.inputFormat {
			s.mu.Unlock()
			return fmt.Errorf("%w: raw frame format changed within a flush cycle (%s -> %s)", media.ErrInvalidInput, s.inputFormat, f.Format)
		}
	} else {
		if s.enc != nil && (f.Dims != s.dims || f.Format != s.inputFormat) {
			// New cycle with a new frame shape: the vendor session is rebuilt.
			s.closeDriverLocked()
		}
		s.dims = f.Dims
		s.inputFormat = f.Format
		s.dimsLocked = true
	}

	if s.enc == nil {
		if err := s.openDriverLocked(); err != nil {
			s.dimsLocked = false
			s.mu.Unlock()
			return err
		}
	}

	pts := f.PTS
	if pts == media.NoPTS {
		pts = s.frameIndex * int64(90000/s.cfg.FPS)
	}
	s.frameIndex++

	forceIDR := f.ForceKeyframe || s.forceIDRNext
	s.forceIDRNext = false
	gen := s.gens.active
	s.mu.Unlock()

	if err := s.acquireCredit(); err != nil {
		return err
	}

	start := time.Now()
	buf := s.pool.get(len(f.Data))
	copy(buf, f.Data)
	s.rec.AddStage(metrics.StageUpload, time.Since(start))
	s.rec.AddCopiedBytes(len(f.Data))

	item := encodeItem{buf: buf, pitch: f.Pitch, pts: pts, forceIDR: forceIDR, gen: gen}
	if err := s.submitQ.TryPush(item); err != nil {
		s.pool.put(buf)
		s.releaseCredit()
		return err
	}
	s.rec.ObserveQueuePeak(s.submitQ.Stats().Peak)
	return nil
}

// validateRawFrame enforces the caller-side buffer contracts.
func validateRawFrame(f media.RawFrame) error {
	if !f.Dims.Valid() {
		return fmt.Errorf("%w: frame dimensions must be positive, got %s", media.ErrInvalidInput, f.Dims)
	}
	w, h := f.Dims.Width, f.Dims.Height
	switch f.Format {
	case media.RawARGB8888:
		if want := w * h * 4; len(f.Data) != want {
			return fmt.Errorf("%w: argb payload size mismatch: expected %d, got %d", media.ErrInvalidInput, want, len(f.Data))
		}
	case media.RawNV12:
		pitch := f.Pitch
		if pitch < w {
			return fmt.Errorf("%w: nv12 pitch %d is smaller than width %d", media.ErrInvalidInput, pitch, w)
		}
		if want := pitch*h + pitch*h/2; len(f.Data) < want {
			return fmt.Errorf("%w: nv12 payload size mismatch: expected at least %d, got %d", media.ErrInvalidInput, want, len(f.Data))
		}
	case media.RawRGB24:
		if want := w * h * 3; len(f.Data) != want {
			return fmt.Errorf("%w: rgb24 payload size mismatch: expected %d, got %d", media.ErrInvalidInput, want, len(f.Data))
		}
	default:
		return fmt.Errorf("%w: unknown raw format %d", media.ErrInvalidInput, f.Format)
	}
	return nil
}

// openDriverLocked creates the vendor session for the current dimensions
// and warms the buffer pool to the in-flight bound.
func (s *encodeSession) openDriverLocked() error {
	enc, err := s.rt.NewEncoder(driver.EncoderConfig{
		Codec:           s.cfg.Codec,
		Dims:            s.dims,
		FPS:             s.cfg.FPS,
		RequireHardware: s.cfg.RequireHardware,
		InputFormat:     s.inputFormat,
		GOPLength:       s.gopLength,
		FrameIntervalP:  s.frameIntP,
		MaxInFlight:     s.maxInFlight,
	})
	if err != nil {
		return err
	}
	s.enc = enc
	if s.gens.active == 0 {
		s.gens.active = s.gens.config
	}
	s.encGen = s.gens.active
	if s.pool == nil {
		s.pool = newBufferPool(s.maxInFlight, s.dims.Width*s.dims.Height*4)
	}
	s.log.Info("encoder session created", "dims", s.dims.String(), "generation", s.encGen)
	return nil
}

func (s *encodeSession) closeDriverLocked() {
	if s.enc == nil {
		return
	}
	if err := s.enc.Close(); err != nil {
		s.log.Warn("closing retired encoder session", "error", err)
	}
	s.enc = nil
}

// submitWorker feeds staged frames into the vendor, retrying vendor-busy
// frames in place.
func (s *encodeSession) submitWorker() error {
	for {
		item, ok := s.submitQ.Pop(s.shutdown)
		if !ok {
			return nil
		}
		if item.flush {
			s.driverFlush()
			close(item.done)
			continue
		}

		s.mu.Lock()
		active := s.gens.active
		enc := s.enc
		s.mu.Unlock()

		if item.gen < active || enc == nil {
			// Retired by an immediate switch: drained without encoding.
			s.pool.put(item.buf)
			s.releaseCredit()
			continue
		}

		start := time.Now()
		for {
			err := enc.Submit(item.buf, item.pitch, item.pts, item.forceIDR)
			if err == nil {
				break
			}
			if errors.Is(err, media.ErrTemporaryBackpressure) {
				// The frame stays ours; retry until the vendor accepts it.
				select {
				case <-s.shutdown:
					s.pool.put(item.buf)
					s.releaseCredit()
					return nil
				case <-time.After(time.Millisecond):
					continue
				}
			}
			s.setErr(err)
			s.releaseCredit()
			break
		}
		s.rec.AddStage(metrics.StageSubmit, time.Since(start))
		// The driver copied the frame during Submit, so the pool entry goes
		// back to the free list now rather than at reap.
		s.pool.put(item.buf)
	}
}

// reapWorker collects vendor outputs, resolves the keyframe flag per the
// backend policy, verifies the layout mapping, and tags each chunk with the
// generation of the session that produced it.
func (s *encodeSession) reapWorker() error {
	for {
		select {
		case <-s.shutdown:
			return nil
		default:
		}

		s.mu.Lock()
		enc := s.enc
		gen := s.encGen
		s.mu.Unlock()
		if enc == nil {
			select {
			case <-s.shutdown:
				return nil
			case <-time.After(2 * time.Millisecond):
			}
			continue
		}

		start := time.Now()
		bs, err := enc.Reap(reapPollInterval)
		s.rec.AddStage(metrics.StageReap, time.Since(start))
		if err != nil {
			if errors.Is(err, driver.ErrDrained) {
				select {
				case s.flushDrained <- s.flushEpoch.Load():
				default:
				}
			} else {
				s.setErr(err)
			}
			// Back off so a drained or failing driver is not spun on.
			select {
			case <-s.shutdown:
				return nil
			case <-time.After(time.Millisecond):
			}
			continue
		}
		if bs == nil {
			continue
		}

		s.releaseCredit()

		// NVIDIA reports the picture type on reap; VideoToolbox callers
		// inspect the first slice NAL behind the length prefix.
		keyframe := bs.Keyframe
		if !s.pol.keyframeOnReap || !bs.KeyframeKnown {
			keyframe = keyframeFromSample(s.pol.backend, s.cfg.Codec, bs.Data)
		}
		if err := verifyLayout(s.pol.backend, s.cfg.Codec, bs.Data); err != nil {
			s.setErr(&media.BackendError{Op: "encoder reap", Message: err.Error()})
			continue
		}
		if keyframe {
			s.mu.Lock()
			s.sawKeyframe = true
			s.mu.Unlock()
		}

		lockStart := time.Now()
		chunk := media.EncodedChunk{
			Codec:    s.cfg.Codec,
			Layout:   LayoutOf(s.pol.backend, s.cfg.Codec),
			PTS:      bs.PTS,
			Keyframe: keyframe,
			Data:     bs.Data,
		}
		s.rec.AddStage(metrics.StageLock, time.Since(lockStart))
		s.rec.AddCopiedBytes(len(bs.Data))

		if !s.outQ.Push(encodedUnit{chunk: chunk, gen: gen}, s.shutdown) {
			return nil
		}
	}
}

func (s *encodeSession) TryReap() (*media.EncodedChunk, error) {
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	s.maybeFinishDrain()
	for {
		u, ok := s.outQ.TryPop()
		if !ok {
			return nil, nil
		}
		if s.stale(u) {
			continue
		}
		return s.surface(u), nil
	}
}

func (s *encodeSession) ReapTimeout(d time.Duration) (*media.EncodedChunk, error) {
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	s.maybeFinishDrain()
	deadline := time.Now().Add(d)
	for {
		u, ok := s.outQ.PopTimeout(time.Until(deadline))
		if !ok {
			return nil, nil
		}
		if s.stale(u) {
			continue
		}
		return s.surface(u), nil
	}
}

func (s *encodeSession) stale(u encodedUnit) bool {
	s.mu.Lock()
	active := s.gens.active
	s.mu.Unlock()
	if u.gen >= active {
		return false
	}
	s.rec.AddStaleDrop()
	return true
}

func (s *encodeSession) surface(u encodedUnit) *media.EncodedChunk {
	s.lastPTS.Store(u.chunk.PTS)
	s.rec.AddPacket()
	s.rec.ObserveOutput(time.Now())
	return &u.chunk
}

// Flush signals EOS, drains every pending packet, and returns them. The
// dimension lock opens for the next cycle.
func (s *encodeSession) Flush() ([]media.EncodedChunk, error) {
	if err := s.takeErr(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	hasDriver := s.enc != nil
	s.mu.Unlock()

	var out []media.EncodedChunk
	collect := func() {
		for {
			u, ok := s.outQ.TryPop()
			if !ok {
				return
			}
			if s.stale(u) {
				continue
			}
			out = append(out, *s.surface(u))
		}
	}

	if hasDriver {
		marker := encodeItem{flush: true, done: make(chan struct{})}
		if !s.submitQ.Push(marker, s.shutdown) {
			return nil, fmt.Errorf("%w: flush: session closed", media.ErrInvalidInput)
		}
		select {
		case <-marker.done:
		case <-s.shutdown:
			return nil, fmt.Errorf("%w: flush: session closed", media.ErrInvalidInput)
		}
		epoch := s.flushEpoch.Load()

		for drained := false; !drained; {
			select {
			case tok := <-s.flushDrained:
				drained = tok >= epoch
			case <-s.shutdown:
				return out, fmt.Errorf("%w: flush: session closed", media.ErrInvalidInput)
			case <-time.After(time.Millisecond):
				collect()
			}
		}
	}
	collect()

	for s.creditBalance.Load() > 0 {
		s.releaseCredit()
	}

	s.mu.Lock()
	s.dimsLocked = false
	s.mu.Unlock()

	if err := s.takeErr(); err != nil {
		return out, err
	}
	s.rec.Flush()
	return out, nil
}

// driverFlush runs on the submit worker so EOS observes submission order.
// The epoch bump precedes the driver call: every drained token the reap
// worker sends afterwards belongs to this cycle.
func (s *encodeSession) driverFlush() {
	epoch := s.flushEpoch.Add(1)
	s.mu.Lock()
	enc := s.enc
	s.mu.Unlock()
	if enc == nil {
		select {
		case s.flushDrained <- epoch:
		default:
		}
		return
	}
	if err := enc.Flush(); err != nil {
		s.setErr(err)
		select {
		case s.flushDrained <- epoch:
		default:
		}
	}
}

// RequestSwitch reconfigures the encode session per the requested mode.
func (s *encodeSession) RequestSwitch(req media.SessionSwitchRequest) error {
	if err := s.takeErr(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning && s.state != stateSwitchPending {
		return fmt.Errorf("%w: cannot switch while %s", media.ErrInvalidInput, s.state)
	}

	target := s.gens.reserve()
	switch req.Mode {
	case media.SwitchImmediate:
		return s.commitSwitchLocked(target, req)
	case media.SwitchOnNextKeyframe:
		s.pendingSwitch = &pendingEncodeSwitch{target: target, req: req}
		s.sawKeyframe = false
		s.state = stateSwitchPending
		s.log.Info("switch pending until next keyframe", "target_generation", target)
		return nil
	case media.SwitchDrainThenSwap:
		s.pendingSwitch = &pendingEncodeSwitch{target: target, req: req}
		s.state = stateDraining
		s.log.Info("draining for switch", "target_generation", target)
		return nil
	default:
		return fmt.Errorf("%w: unknown switch mode %d", media.ErrInvalidInput, req.Mode)
	}
}

// commitSwitchLocked activates the target generation. The live vendor
// session is reconfigured in place when the vendor supports it; otherwise
// it is rebuilt at the next frame.
func (s *encodeSession) commitSwitchLocked(target uint64, req media.SessionSwitchRequest) error {
	s.gens.commit(target)
	s.pendingSwitch = nil
	s.state = stateRunning
	if req.GOPLength > 0 {
		s.gopLength = req.GOPLength
	}
	if req.FrameIntervalP > 0 {
		s.frameIntP = req.FrameIntervalP
	}
	forceIDR := req.ForceIDROnActivate || req.Mode == media.SwitchOnNextKeyframe
	s.forceIDRNext = s.forceIDRNext || forceIDR

	if s.enc != nil {
		if err := s.enc.Reconfigure(s.gopLength, s.frameIntP, forceIDR); err != nil {
			if errors.Is(err, media.ErrUnsupported) {
				s.closeDriverLocked()
			} else {
				s.setErr(err)
				return err
			}
		}
		s.encGen = target
	}
	s.log.Info("switch committed", "generation", target, "force_idr", forceIDR)
	return nil
}

func (s *encodeSession) maybeFinishDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.pendingSwitch
	if ps == nil || ps.req.Mode != media.SwitchDrainThenSwap {
		return
	}
	if s.creditBalance.Load() == 0 && s.outQ.Len() == 0 {
		if err := s.commitSwitchLocked(ps.target, ps.req); err != nil {
			s.log.Warn("drain-then-swap commit failed", "error", err)
		}
	}
}

// Close transitions Draining -> Closed and destroys the vendor session.
func (s *encodeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateDraining
		s.mu.Unlock()

		close(s.shutdown)
		_ = s.workers.Wait()

		s.mu.Lock()
		s.closeDriverLocked()
		s.state = stateClosed
		s.mu.Unlock()

		s.rec.Flush()
		s.log.Info("encode session closed", "frames", s.frameIndex)
	})
	return nil
}

func (s *encodeSession) acquireCredit() error {
	start := time.Now()
	var err error
	if s.cfg.WaitForCredit {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.shutdown:
				cancel()
			case <-ctx.Done():
			}
		}()
		err = s.credits.Acquire(ctx)
		cancel()
	} else {
		err = s.credits.TryAcquire()
	}
	if err != nil {
		return err
	}
	s.creditBalance.Add(1)
	s.rec.ObserveQueueWait(time.Since(start))
	return nil
}

func (s *encodeSession) releaseCredit() {
	for {
		bal := s.creditBalance.Load()
		if bal <= 0 {
			return
		}
		if s.creditBalance.CompareAndSwap(bal, bal-1) {
			s.credits.Release()
			return
		}
	}
}

func (s *encodeSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if errors.Is(err, media.ErrDeviceLost) {
		if s.fatal == nil {
			s.fatal = err
			s.log.Error("device lost; session is terminal", "error", err)
		}
		return
	}
	if s.pending == nil {
		s.pending = err
	}
}

func (s *encodeSession) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.fatal != nil {
		return s.fatal
	}
	err := s.pending
	s.pending = nil
	return err
}
