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

	"github.com/Sanzentyo/video-hw/bitstream"
	"github.com/Sanzentyo/video-hw/internal/driver"
	"github.com/Sanzentyo/video-hw/media"
	"github.com/Sanzentyo/video-hw/metrics"
	"github.com/Sanzentyo/video-hw/packer"
	"github.com/Sanzentyo/video-hw/pipeline"
	"github.com/Sanzentyo/video-hw/transform"
)

// reapPollInterval bounds how long the reap worker blocks inside the driver
// before rechecking the shutdown flag.
const reapPollInterval = 20 * time.Millisecond

// decodeItem is one unit of submit-worker work: a packed access unit, or a
// flush marker that runs the driver EOS in submission order.
type decodeItem struct {
	sample media.PackedSample
	pts    int64
	gen    uint64
	flush  bool
	done   chan struct{}
}

// decodeSession is the per-backend decode state machine. It owns the
// bitstream assembler, the driver session, and the split submit/reap
// workers; decoded units flow through the scheduler so transforms and
// generation filtering happen off the codec threads.
type decodeSession struct {
	id  string
	log *slog.Logger
	cfg media.DecoderConfig
	pol policy
	rt  driver.Runtime
	rec *metrics.Recorder

	asm *bitstream.Assembler
	pk  packer.Packer

	credits       *pipeline.Credits
	creditBalance atomic.Int64

	submitQ *pipeline.Queue[decodeItem]
	sched   *pipeline.Scheduler

	shutdown  chan struct{}
	closeOnce sync.Once
	workers   *errgroup.Group

	mu            sync.Mutex
	state         sessionState
	dec           driver.Decoder
	decGen        uint64
	gens          generations
	pendingAUs    []media.AccessUnit
	pendingSwitch *pendingDecodeSwitch
	spsDims       media.Dimensions // parsed from the cached SPS; zero until one parses
	spsTried      bool

	errMu   sync.Mutex
	fatal   error // DeviceLost is sticky: every later call fails with it
	pending error // reap-side error surfaced from the next reap call

	// flushEpoch tags drain tokens so a Flush only accepts the EOS of its
	// own cycle; tokens from a prior cycle are discarded by value.
	flushEpoch   atomic.Uint64
	flushDrained chan uint64

	surfaced   atomic.Uint64
	lastWidth  atomic.Int64
	lastHeight atomic.Int64
	lastPixFmt atomic.Uint32
}

type pendingDecodeSwitch struct {
	target uint64
	req    media.SessionSwitchRequest
}

// NewDecoder creates a decode session bound to a vendor runtime. It fails
// with ErrUnsupported when the runtime cannot decode the codec; no session
// is created in that case.
func NewDecoder(rt driver.Runtime, cfg media.DecoderConfig, sink metrics.Sink, log *slog.Logger) (DecoderBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	capability := rt.Capability(cfg.Codec)
	if !capability.CanDecode {
		return nil, fmt.Errorf("%w: %s cannot decode %s", media.ErrUnsupported, rt.Backend(), cfg.Codec)
	}
	if cfg.RequireHardware && !capability.HardwareAccelerated {
		return nil, fmt.Errorf("%w: %s %s decode is not hardware accelerated", media.ErrUnsupported, rt.Backend(), cfg.Codec)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}

	pol := policyFor(rt.Backend())
	id := uuid.NewString()
	queueCap := pol.decodeMaxInFlight * 2

	// The output side buffers a full flush cycle of metadata frames so the
	// reap worker is not throttled by callers that only drain on flush.
	outCap := 512

	reportMetrics := cfg.Nvidia != nil && cfg.Nvidia.ReportMetrics
	s := &decodeSession{
		id:           id,
		log:          log.With("component", "decode-session", "backend", rt.Backend().String(), "codec", cfg.Codec.String(), "session", id),
		cfg:          cfg,
		pol:          pol,
		rt:           rt,
		rec:          metrics.NewRecorder(reportMetrics, sink, id, rt.Backend().String(), cfg.Codec.String(), pol.decodeMaxInFlight),
		asm:          bitstream.NewAssembler(cfg.Codec),
		pk:           pol.decodePacker,
		credits:      pipeline.NewCredits(pol.decodeMaxInFlight),
		submitQ:      pipeline.NewQueue[decodeItem](queueCap),
		sched:        pipeline.NewScheduler(transform.Shared(), outCap, log),
		shutdown:     make(chan struct{}),
		flushDrained: make(chan uint64, 4),
		gens:         newGenerations(),
		state:        stateIdle,
	}

	if !pol.gateOnParams {
		// NVDEC consumes parameter sets in-band; open the session up front.
		dec, err := rt.NewDecoder(driver.DecoderConfig{
			Codec:           cfg.Codec,
			FPS:             cfg.FPS,
			RequireHardware: cfg.RequireHardware,
		})
		if err != nil {
			return nil, err
		}
		s.dec = dec
		s.decGen = s.gens.config
		s.gens.active = s.gens.config
	}

	s.sched.SetGeneration(s.gens.config)
	s.state = stateRunning
	s.workers = &errgroup.Group{}
	s.workers.Go(s.submitWorker)
	s.workers.Go(s.reapWorker)
	s.log.Info("decode session started", "state", s.state.String())
	return s, nil
}

func (s *decodeSession) Capability(codec media.Codec) media.Capability {
	return s.rt.Capability(codec)
}

// Submit converts one bitstream input into packed access units and hands
// them to the submit worker. It blocks only on credit acquisition.
func (s *decodeSession) Submit(in media.BitstreamInput) error {
	if err := s.takeErr(); err != nil {
		return err
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case stateRunning, stateSwitchPending:
	case stateDraining:
		return fmt.Errorf("%w: session is draining for a switch", media.ErrTemporaryBackpressure)
	default:
		return fmt.Errorf("%w: session is %s", media.ErrInvalidInput, st)
	}

	aus, err := s.assemble(in)
	if err != nil {
		return err
	}
	for _, au := range aus {
		if err := s.submitAU(au); err != nil {
			return err
		}
	}
	return nil
}

// assemble normalizes the three accepted input forms into access units.
func (s *decodeSession) assemble(in media.BitstreamInput) ([]media.AccessUnit, error) {
	switch in.Kind {
	case media.BitstreamAnnexB:
		return s.asm.Push(in.Data, in.PTS)
	case media.BitstreamRawNALUs:
		if in.Codec != s.cfg.Codec {
			return nil, fmt.Errorf("%w: input codec %s does not match session codec %s", media.ErrInvalidInput, in.Codec, s.cfg.Codec)
		}
		if len(in.NALUs) == 0 {
			return nil, fmt.Errorf("%w: empty NAL list", media.ErrInvalidInput)
		}
		return []media.AccessUnit{s.buildAU(in.NALUs, in.PTS)}, nil
	case media.BitstreamLengthPrefixed:
		if in.Codec != s.cfg.Codec {
			return nil, fmt.Errorf("%w: input codec %s does not match session codec %s", media.ErrInvalidInput, in.Codec, s.cfg.Codec)
		}
		nalus, err := packer.UnpackLengthPrefixed(in.Data)
		if err != nil {
			return nil, err
		}
		return []media.AccessUnit{s.buildAU(nalus, in.PTS)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown bitstream input kind %d", media.ErrInvalidInput, in.Kind)
	}
}

// buildAU wraps an explicit NAL list, mirroring parameter sets into the
// cache the same way assembled AUs do.
func (s *decodeSession) buildAU(nalus [][]byte, pts int64) media.AccessUnit {
	keyframe := false
	for _, nal := range nalus {
		s.asm.Params().Observe(s.cfg.Codec, nal)
		if bitstream.IsKeyframeNAL(s.cfg.Codec, nal) {
			keyframe = true
		}
	}
	return media.AccessUnit{
		Codec:    s.cfg.Codec,
		NALUs:    nalus,
		PTS:      pts,
		Keyframe: keyframe,
	}
}

// submitAU packs one AU and enqueues it, honoring parameter-set gating and
// pending keyframe switches.
func (s *decodeSession) submitAU(au media.AccessUnit) error {
	s.mu.Lock()
	if ps := s.pendingSwitch; ps != nil && ps.req.Mode == media.SwitchOnNextKeyframe && au.Keyframe {
		s.commitSwitchLocked(ps.target)
	}
	s.seedFromSPSLocked()

	if s.dec == nil {
		if !s.tryOpenDecoderLocked() {
			// Parameter sets are still incomplete; buffer and drain later.
			s.pendingAUs = append(s.pendingAUs, au)
			s.mu.Unlock()
			return nil
		}
	}
	gen := s.gens.active
	buffered := s.takePendingLocked()
	s.mu.Unlock()

	for _, pending := range buffered {
		if err := s.enqueueAU(pending, gen); err != nil {
			return err
		}
	}
	return s.enqueueAU(au, gen)
}

func (s *decodeSession) enqueueAU(au media.AccessUnit, gen uint64) error {
	sample, err := s.pk.Pack(au)
	if err != nil {
		return err
	}
	if err := s.acquireCredit(); err != nil {
		return err
	}
	item := decodeItem{sample: sample, pts: au.PTS, gen: gen}
	if err := s.submitQ.TryPush(item); err != nil {
		s.releaseCredit()
		return err
	}
	s.rec.ObserveQueuePeak(s.submitQ.Stats().Peak)
	return nil
}

// tryOpenDecoderLocked opens the driver session once the parameter-set
// cache is complete. Returns false while decode must stay gated.
func (s *decodeSession) tryOpenDecoderLocked() bool {
	paramSets, ok := s.asm.Params().RequiredFor(s.cfg.Codec)
	if !ok && s.pol.gateOnParams {
		return false
	}
	dec, err := s.rt.NewDecoder(driver.DecoderConfig{
		Codec:           s.cfg.Codec,
		FPS:             s.cfg.FPS,
		RequireHardware: s.cfg.RequireHardware,
		ParameterSets:   paramSets,
	})
	if err != nil {
		s.setErr(err)
		return false
	}
	s.dec = dec
	if s.gens.active == 0 {
		s.gens.active = s.gens.config
	}
	s.decGen = s.gens.active
	s.sched.SetGeneration(s.gens.active)
	s.log.Info("decoder session created", "generation", s.decGen)
	return true
}

// seedFromSPSLocked parses the cached SPS once it appears, recording the
// coded dimensions before the first frame decodes. The summary reports them
// immediately, and metadata frames whose driver picture carries no size
// fall back to them, the way the vendor paths fall back to the format
// description. One failed parse ends the attempts until a switch installs
// new parameter sets.
func (s *decodeSession) seedFromSPSLocked() {
	if s.spsTried {
		return
	}
	sps := s.asm.Params().SPS(s.cfg.Codec)
	if sps == nil {
		return
	}
	s.spsTried = true
	info, err := bitstream.ParseSPS(s.cfg.Codec, sps)
	if err != nil || !info.Dims.Valid() {
		s.log.Debug("cached SPS did not parse", "error", err)
		return
	}
	s.spsDims = info.Dims
	if s.lastWidth.Load() == 0 {
		s.lastWidth.Store(int64(info.Dims.Width))
		s.lastHeight.Store(int64(info.Dims.Height))
	}
	s.log.Debug("seeded dimensions from cached SPS",
		"dims", info.Dims.String(), "profile", info.ProfileIDC, "level", info.LevelIDC)
}

func (s *decodeSession) takePendingLocked() []media.AccessUnit {
	buffered := s.pendingAUs
	s.pendingAUs = nil
	return buffered
}

// submitWorker drains the submission queue into the driver, retrying
// vendor-busy frames in place so they are never lost.
func (s *decodeSession) submitWorker() error {
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
		dec := s.dec
		s.mu.Unlock()

		if item.gen < active || dec == nil {
			// Retired by an immediate switch: drained without decoding.
			s.releaseCredit()
			continue
		}

		start := time.Now()
		for {
			err := dec.Submit(item.sample, item.pts, s.pol.endOfPicture)
			if err == nil {
				break
			}
			if errors.Is(err, media.ErrTemporaryBackpressure) {
				select {
				case <-s.shutdown:
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
	}
}

// reapWorker blocks on the driver's output wait, tags pictures with the
// driver session's generation, and pushes them through the scheduler.
func (s *decodeSession) reapWorker() error {
	for {
		select {
		case <-s.shutdown:
			return nil
		default:
		}

		s.mu.Lock()
		dec := s.dec
		gen := s.decGen
		spsDims := s.spsDims
		s.mu.Unlock()
		if dec == nil {
			select {
			case <-s.shutdown:
				return nil
			case <-time.After(2 * time.Millisecond):
			}
			continue
		}

		start := time.Now()
		pic, err := dec.Reap(reapPollInterval)
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
		if pic == nil {
			continue
		}

		s.releaseCredit()
		frame := frameFromPicture(pic)
		if !frame.Dims.Valid() && spsDims.Valid() {
			frame.Dims = spsDims
		}
		s.rec.AddCopiedBytes(len(frame.Data))

		for {
			err := s.sched.Submit(frame, gen, s.cfg.Color, s.cfg.Resize)
			if err == nil {
				break
			}
			if !errors.Is(err, media.ErrTemporaryBackpressure) {
				s.setErr(err)
				break
			}
			select {
			case <-s.shutdown:
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// frameFromPicture builds the outward frame variant: metadata-only unless
// the driver delivered pixels.
func frameFromPicture(pic *driver.Picture) media.DecodedFrame {
	frame := media.DecodedFrame{
		Kind:        media.DecodedMetadata,
		Dims:        pic.Dims,
		PTS:         pic.PTS,
		PixelFormat: pic.PixelFormat,
		DecodeFlags: pic.Flags,
	}
	if pic.NV12 != nil {
		frame.Kind = media.DecodedNV12
		frame.Pitch = pic.Pitch
		frame.Data = pic.NV12
	}
	return frame
}

func (s *decodeSession) TryReap() (*media.DecodedFrame, error) {
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	s.maybeFinishDrain()
	u, ok := s.sched.TryPop()
	if !ok {
		return nil, nil
	}
	return s.surface(u)
}

func (s *decodeSession) ReapTimeout(d time.Duration) (*media.DecodedFrame, error) {
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	s.maybeFinishDrain()
	u, ok := s.sched.PopTimeout(d)
	if !ok {
		return nil, nil
	}
	return s.surface(u)
}

// surface counts a frame into the summary and records telemetry. The
// summary invariant holds because this is the only exit path for frames.
func (s *decodeSession) surface(u pipeline.Unit) (*media.DecodedFrame, error) {
	if u.Err != nil {
		return nil, u.Err
	}
	frame := u.Frame
	s.surfaced.Add(1)
	if frame.Dims.Valid() {
		s.lastWidth.Store(int64(frame.Dims.Width))
		s.lastHeight.Store(int64(frame.Dims.Height))
	}
	if frame.PixelFormat != 0 {
		s.lastPixFmt.Store(frame.PixelFormat)
	}
	s.rec.AddFrame()
	s.rec.ObserveOutput(time.Now())
	return &frame, nil
}

// Flush signals EOS, drains every pending output, and returns them. The
// session remains usable for the next cycle.
func (s *decodeSession) Flush() ([]media.DecodedFrame, error) {
	if err := s.takeErr(); err != nil {
		return nil, err
	}

	tail, err := s.asm.Flush()
	if err != nil {
		return nil, err
	}
	for _, au := range tail {
		if err := s.submitAU(au); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	hasDriver := s.dec != nil
	s.mu.Unlock()

	var out []media.DecodedFrame
	collect := func() error {
		for {
			u, ok := s.sched.TryPop()
			if !ok {
				return nil
			}
			frame, err := s.surface(u)
			if err != nil {
				return err
			}
			out = append(out, *frame)
		}
	}

	if hasDriver {
		marker := decodeItem{flush: true, done: make(chan struct{})}
		if !s.submitQ.Push(marker, s.shutdown) {
			return nil, fmt.Errorf("%w: flush: session closed", media.ErrInvalidInput)
		}
		select {
		case <-marker.done:
		case <-s.shutdown:
			return nil, fmt.Errorf("%w: flush: session closed", media.ErrInvalidInput)
		}
		epoch := s.flushEpoch.Load()

		// Keep draining outputs while waiting for this cycle's EOS so the
		// reap worker is never wedged against a full output queue.
		for drained := false; !drained; {
			select {
			case tok := <-s.flushDrained:
				drained = tok >= epoch
			case <-s.shutdown:
				return out, fmt.Errorf("%w: flush: session closed", media.ErrInvalidInput)
			case <-time.After(time.Millisecond):
				if err := collect(); err != nil {
					return out, err
				}
			}
		}
	}

	// Wait for in-flight transform jobs, then collect everything left.
	for s.sched.Pending() {
		if err := collect(); err != nil {
			return out, err
		}
		time.Sleep(time.Millisecond)
	}
	if err := collect(); err != nil {
		return out, err
	}

	// Corrupt AUs that produced no picture leave credits stranded; a flush
	// boundary settles the balance.
	for s.creditBalance.Load() > 0 {
		s.releaseCredit()
	}

	if err := s.takeErr(); err != nil {
		return out, err
	}
	s.rec.Flush()
	return out, nil
}

// driverFlush runs on the submit worker so EOS observes submission order.
// The epoch bump precedes the driver call: every drained token the reap
// worker sends afterwards belongs to this cycle.
func (s *decodeSession) driverFlush() {
	epoch := s.flushEpoch.Add(1)
	s.mu.Lock()
	dec := s.dec
	s.mu.Unlock()
	if dec == nil {
		select {
		case s.flushDrained <- epoch:
		default:
		}
		return
	}
	if err := dec.Flush(); err != nil {
		s.setErr(err)
		select {
		case s.flushDrained <- epoch:
		default:
		}
	}
}

func (s *decodeSession) Summary() media.DecodeSummary {
	return media.DecodeSummary{
		DecodedFrames: s.surfaced.Load(),
		Dims: media.Dimensions{
			Width:  int(s.lastWidth.Load()),
			Height: int(s.lastHeight.Load()),
		},
		PixelFormat: s.lastPixFmt.Load(),
	}
}

// RequestSwitch reconfigures the decode session. Immediate bumps the
// generation at once and retires queued work; OnNextKeyframe waits for the
// next keyframe AU; DrainThenSwap stops intake until in-flight work drains.
func (s *decodeSession) RequestSwitch(req media.SessionSwitchRequest) error {
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
		// Bytes the assembler still holds were submitted before the switch:
		// they are discarded with a fresh assembler that keeps the cached
		// parameter sets.
		params := *s.asm.Params()
		s.asm = bitstream.NewAssembler(s.cfg.Codec)
		*s.asm.Params() = params
		s.commitSwitchLocked(target)
	case media.SwitchOnNextKeyframe:
		s.pendingSwitch = &pendingDecodeSwitch{target: target, req: req}
		s.state = stateSwitchPending
		s.log.Info("switch pending until next keyframe", "target_generation", target)
	case media.SwitchDrainThenSwap:
		s.pendingSwitch = &pendingDecodeSwitch{target: target, req: req}
		s.state = stateDraining
		s.log.Info("draining for switch", "target_generation", target)
	default:
		return fmt.Errorf("%w: unknown switch mode %d", media.ErrInvalidInput, req.Mode)
	}
	return nil
}

// commitSwitchLocked activates the target generation: the old driver
// session is torn down and rebuilt from the cached parameter sets, and the
// scheduler starts discarding old-generation outputs.
func (s *decodeSession) commitSwitchLocked(target uint64) {
	s.gens.commit(target)
	s.pendingSwitch = nil
	s.state = stateRunning
	s.spsTried = false // the switch may install new parameter sets
	s.sched.SetGeneration(target)
	if s.dec != nil {
		if err := s.dec.Close(); err != nil {
			s.log.Warn("closing retired decoder session", "error", err)
		}
		s.dec = nil
	}
	s.tryOpenDecoderLocked()
	s.log.Info("switch committed", "generation", target)
}

// maybeFinishDrain commits a DrainThenSwap once all in-flight work has been
// reaped. Called from the reap paths, which the caller drives.
func (s *decodeSession) maybeFinishDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.pendingSwitch
	if ps == nil || ps.req.Mode != media.SwitchDrainThenSwap {
		return
	}
	if s.creditBalance.Load() == 0 && !s.sched.Pending() {
		s.commitSwitchLocked(ps.target)
	}
}

// Close transitions Draining -> Closed: remaining work is abandoned, the
// workers stop at their next queue wait, and the driver session is
// destroyed.
func (s *decodeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateDraining
		s.mu.Unlock()

		close(s.shutdown)
		_ = s.workers.Wait()
		s.sched.Close()

		s.mu.Lock()
		if s.dec != nil {
			if err := s.dec.Close(); err != nil {
				s.log.Warn("driver close failed", "error", err)
			}
			s.dec = nil
		}
		s.state = stateClosed
		s.mu.Unlock()

		s.rec.Flush()
		s.log.Info("decode session closed", "decoded_frames", s.surfaced.Load(), "stale_drops", s.sched.StaleDrops())
	})
	return nil
}

func (s *decodeSession) acquireCredit() error {
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

func (s *decodeSession) releaseCredit() {
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

// setErr records a worker-side failure. DeviceLost is sticky; any other
// error is surfaced once from the next reap call.
func (s *decodeSession) setErr(err error) {
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

// takeErr returns the sticky fatal error, or consumes a pending one.
func (s *decodeSession) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.fatal != nil {
		return s.fatal
	}
	err := s.pending
	s.pending = nil
	return err
}
