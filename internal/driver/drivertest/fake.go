// Package drivertest provides an in-memory driver.Runtime that exercises
// the full concurrent pipeline without vendor hardware: decoded pictures
// and encoded bitstreams are synthesized with the per-backend layouts the
// real shims produce. Failure injection covers vendor-busy backpressure and
// device loss.
package drivertest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sanzentyo/video-hw/internal/driver"
	"github.com/Sanzentyo/video-hw/media"
)

// Options configures a fake runtime.
type Options struct {
	Backend     media.Backend
	DecodeDims  media.Dimensions // zero value defaults to 640x360
	PixelFormat uint32           // reported on decoded pictures; 0 = unreported
	EmitNV12    bool             // attach synthesized NV12 payloads to pictures

	GOP int // encoder keyframe cadence; zero value defaults to 30

	BusyEvery       int // every Nth encoder submit fails busy once, then succeeds on retry
	DeviceLostAfter int // encoder submits accepted before the device is lost; 0 = never

	DenyDecode   bool
	DenyEncode   bool
	SoftwareOnly bool
}

// Runtime is a fake vendor implementation.
type Runtime struct {
	opts Options
}

// New builds a fake runtime. Register it with driver.Register to make it
// visible to the facade.
func New(opts Options) *Runtime {
	if !opts.DecodeDims.Valid() {
		opts.DecodeDims = media.Dimensions{Width: 640, Height: 360}
	}
	if opts.GOP <= 0 {
		opts.GOP = 30
	}
	return &Runtime{opts: opts}
}

func (r *Runtime) Backend() media.Backend { return r.opts.Backend }

func (r *Runtime) Capability(media.Codec) media.Capability {
	return media.Capability{
		CanDecode:           !r.opts.DenyDecode,
		CanEncode:           !r.opts.DenyEncode,
		HardwareAccelerated: !r.opts.SoftwareOnly,
	}
}

func (r *Runtime) NewDecoder(cfg driver.DecoderConfig) (driver.Decoder, error) {
	if r.opts.DenyDecode {
		return nil, fmt.Errorf("%w: decode not available", media.ErrUnsupported)
	}
	if r.opts.Backend == media.BackendVideoToolbox && len(cfg.ParameterSets) == 0 {
		return nil, fmt.Errorf("%w: videotoolbox decoder requires a complete parameter set", media.ErrInvalidInput)
	}
	return &Decoder{rt: r, cfg: cfg, out: make(chan *driver.Picture, 1024)}, nil
}

func (r *Runtime) NewEncoder(cfg driver.EncoderConfig) (driver.Encoder, error) {
	if r.opts.DenyEncode {
		return nil, fmt.Errorf("%w: encode not available", media.ErrUnsupported)
	}
	if !cfg.Dims.Valid() {
		return nil, fmt.Errorf("%w: encoder dimensions must be positive", media.ErrInvalidInput)
	}
	return &Encoder{rt: r, cfg: cfg, gop: int64(r.opts.GOP), out: make(chan *driver.Bitstream, 1024)}, nil
}

// Decoder synthesizes one picture per submitted access unit.
type Decoder struct {
	rt      *Runtime
	cfg     driver.DecoderConfig
	out     chan *driver.Picture
	flushed atomic.Bool
	closed  atomic.Bool
}

func (d *Decoder) Submit(sample media.PackedSample, pts int64, _ bool) error {
	if d.closed.Load() {
		return &media.BackendError{Op: "decoder submit", Message: "session closed"}
	}
	if len(sample.Data) == 0 {
		return fmt.Errorf("%w: empty packed sample", media.ErrInvalidInput)
	}
	d.flushed.Store(false)

	pic := &driver.Picture{
		Dims:        d.rt.opts.DecodeDims,
		PTS:         pts,
		PixelFormat: d.rt.opts.PixelFormat,
	}
	if d.rt.opts.EmitNV12 {
		pic.Pitch = pic.Dims.Width
		pic.NV12 = synthNV12(pic.Dims)
	}
	d.out <- pic
	return nil
}

func (d *Decoder) Reap(timeout time.Duration) (*driver.Picture, error) {
	return reap(d.out, &d.flushed, timeout)
}

func (d *Decoder) Flush() error {
	d.flushed.Store(true)
	return nil
}

func (d *Decoder) Close() error {
	d.closed.Store(true)
	return nil
}

// Encoder synthesizes one bitstream per submitted frame, with the layout
// the backend's real shim would produce.
type Encoder struct {
	rt  *Runtime
	cfg driver.EncoderConfig
	out chan *driver.Bitstream

	mu        sync.Mutex
	idx       int64
	gop       int64
	forceNext bool
	submits   int
	sinceBusy int
	busyFired bool

	flushed atomic.Bool
	lost    atomic.Bool
	closed  atomic.Bool
}

func (e *Encoder) Submit(pix []byte, pitch int, pts int64, forceIDR bool) error {
	if e.closed.Load() {
		return &media.BackendError{Op: "encoder submit", Message: "session closed"}
	}
	if e.lost.Load() {
		return fmt.Errorf("%w: encoder submit", media.ErrDeviceLost)
	}
	if len(pix) == 0 {
		return fmt.Errorf("%w: empty frame payload", media.ErrInvalidInput)
	}

	e.mu.Lock()
	if e.rt.opts.DeviceLostAfter > 0 && e.submits >= e.rt.opts.DeviceLostAfter {
		e.lost.Store(true)
		e.mu.Unlock()
		return fmt.Errorf("%w: encoder submit", media.ErrDeviceLost)
	}
	if e.rt.opts.BusyEvery > 0 {
		if !e.busyFired {
			e.sinceBusy++
			if e.sinceBusy >= e.rt.opts.BusyEvery {
				e.busyFired = true
				e.mu.Unlock()
				return fmt.Errorf("%w: encoder busy", media.ErrTemporaryBackpressure)
			}
		} else {
			e.busyFired = false
			e.sinceBusy = 0
		}
	}
	e.submits++
	e.flushed.Store(false)

	keyframe := forceIDR || e.forceNext || e.idx%e.gop == 0
	e.forceNext = false
	idx := e.idx
	e.idx++
	e.mu.Unlock()

	e.out <- &driver.Bitstream{
		Data:          e.synthPayload(keyframe, idx),
		PTS:           pts,
		Keyframe:      keyframe,
		KeyframeKnown: e.rt.opts.Backend == media.BackendNvidia,
	}
	return nil
}

func (e *Encoder) Reap(timeout time.Duration) (*driver.Bitstream, error) {
	return reap(e.out, &e.flushed, timeout)
}

func (e *Encoder) Reconfigure(gopLength uint32, _ int32, forceIDR bool) error {
	e.mu.Lock()
	if gopLength > 0 {
		e.gop = int64(gopLength)
	}
	if forceIDR {
		e.forceNext = true
	}
	e.mu.Unlock()
	return nil
}

func (e *Encoder) Flush() error {
	e.flushed.Store(true)
	return nil
}

func (e *Encoder) Close() error {
	e.closed.Store(true)
	return nil
}

// synthPayload builds a minimal slice NAL in the backend's output framing:
// Annex-B for NVIDIA, length-prefixed for VideoToolbox.
func (e *Encoder) synthPayload(keyframe bool, idx int64) []byte {
	var nal []byte
	if e.cfg.Codec == media.CodecHEVC {
		if keyframe {
			nal = []byte{0x26, 0x01} // IDR_W_RADL
		} else {
			nal = []byte{0x02, 0x01} // TRAIL_R
		}
	} else {
		if keyframe {
			nal = []byte{0x65}
		} else {
			nal = []byte{0x41}
		}
	}
	filler := make([]byte, 64+(idx%7)*16)
	for i := range filler {
		filler[i] = byte(idx + int64(i))
	}
	nal = append(nal, filler...)

	if e.rt.opts.Backend == media.BackendNvidia {
		out := make([]byte, 0, 4+len(nal))
		out = append(out, 0, 0, 0, 1)
		return append(out, nal...)
	}
	out := make([]byte, 4+len(nal))
	binary.BigEndian.PutUint32(out, uint32(len(nal)))
	copy(out[4:], nal)
	return out
}

func synthNV12(dims media.Dimensions) []byte {
	luma := dims.Width * dims.Height
	data := make([]byte, luma+luma/2)
	for y := 0; y < dims.Height; y++ {
		for x := 0; x < dims.Width; x++ {
			data[y*dims.Width+x] = byte((x + y) % 256)
		}
	}
	for i := luma; i < len(data); i++ {
		data[i] = 128
	}
	return data
}

// reap polls the output channel up to timeout, honoring drain semantics.
func reap[T any](out chan T, flushed *atomic.Bool, timeout time.Duration) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)
	for {
		select {
		case v := <-out:
			return v, nil
		default:
		}
		if flushed.Load() {
			select {
			case v := <-out:
				return v, nil
			default:
				return zero, driver.ErrDrained
			}
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return zero, nil
		}
		time.Sleep(time.Millisecond)
	}
}
