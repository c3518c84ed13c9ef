//go:build darwin || linux

package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/Sanzentyo/video-hw/media"
)

// The driver shims export a flat C ABI (vhw_*) over the vendor SDKs:
// libvideohw_vt wraps VideoToolbox/CoreMedia, libvideohw_nv wraps
// NVENC/NVDEC/CUDA. The shim owns every vendor session object, so the
// pinned-address requirement of both SDKs is satisfied by construction —
// Go only ever holds an opaque uint64 handle.
//
// Shim status codes shared by every call.
const (
	shimOK          = 0
	shimEmpty       = 1 // reap: nothing ready before the timeout
	shimDrained     = 2 // reap: EOS delivered, queue empty
	shimErrBackend  = -1
	shimErrBusy     = -2
	shimErrUnsup    = -3
	shimErrDevice   = -4
	shimErrInvalid  = -5
)

// shimLib is the resolved symbol table of one loaded driver shim.
type shimLib struct {
	handle uintptr

	probe func(codec int32, canDecode, canEncode, hw *int32) int32

	decoderOpen   func(codec, fps, requireHW int32, paramSets uintptr, paramSetsLen int32) uint64
	decoderSubmit func(h uint64, data uintptr, dataLen int32, pts int64, endOfPicture int32) int32
	decoderReap   func(h uint64, timeoutMs int32, w, ht *int32, pts *int64, fourcc, flags *uint32, pitch *int32, nv12Cap int32, nv12 uintptr, nv12Len *int32) int32
	decoderFlush  func(h uint64) int32
	decoderClose  func(h uint64) int32

	encoderOpen        func(codec, w, h, fps, requireHW, inputFormat int32, gop uint32, ipInterval, maxInFlight int32) uint64
	encoderSubmit      func(h uint64, pix uintptr, pixLen, pitch int32, pts int64, forceIDR int32) int32
	encoderReapBegin   func(h uint64, timeoutMs int32, size *int32, pts *int64, picType *int32) int32
	encoderReapCopy    func(h uint64, dst uintptr, capacity int32) int32
	encoderReconfigure func(h uint64, gop uint32, ipInterval, forceIDR int32) int32
	encoderFlush       func(h uint64) int32
	encoderClose       func(h uint64) int32

	lastError func() string
}

// loadShim resolves every vhw_ symbol from the first loadable path.
func loadShim(libName string, extraPaths []string) (*shimLib, error) {
	paths := shimSearchPaths(libName, extraPaths)

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		lib := &shimLib{handle: handle}
		if err := lib.registerSymbols(); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return lib, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("load %s: %w", libName, lastErr)
	}
	return nil, fmt.Errorf("%s not found in any search path", libName)
}

func shimSearchPaths(libName string, extra []string) []string {
	var paths []string
	if dir := os.Getenv("VIDEOHW_SHIM_PATH"); dir != "" {
		paths = append(paths, filepath.Join(dir, libName))
	}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), libName))
	}
	for _, dir := range extra {
		paths = append(paths, filepath.Join(dir, libName))
	}
	paths = append(paths, libName) // let the loader search its own paths
	return paths
}

func (l *shimLib) registerSymbols() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("symbol registration failed: %v", r)
		}
	}()
	purego.RegisterLibFunc(&l.probe, l.handle, "vhw_probe")
	purego.RegisterLibFunc(&l.decoderOpen, l.handle, "vhw_decoder_open")
	purego.RegisterLibFunc(&l.decoderSubmit, l.handle, "vhw_decoder_submit")
	purego.RegisterLibFunc(&l.decoderReap, l.handle, "vhw_decoder_reap")
	purego.RegisterLibFunc(&l.decoderFlush, l.handle, "vhw_decoder_flush")
	purego.RegisterLibFunc(&l.decoderClose, l.handle, "vhw_decoder_close")
	purego.RegisterLibFunc(&l.encoderOpen, l.handle, "vhw_encoder_open")
	purego.RegisterLibFunc(&l.encoderSubmit, l.handle, "vhw_encoder_submit")
	purego.RegisterLibFunc(&l.encoderReapBegin, l.handle, "vhw_encoder_reap_begin")
	purego.RegisterLibFunc(&l.encoderReapCopy, l.handle, "vhw_encoder_reap_copy")
	purego.RegisterLibFunc(&l.encoderReconfigure, l.handle, "vhw_encoder_reconfigure")
	purego.RegisterLibFunc(&l.encoderFlush, l.handle, "vhw_encoder_flush")
	purego.RegisterLibFunc(&l.encoderClose, l.handle, "vhw_encoder_close")
	purego.RegisterLibFunc(&l.lastError, l.handle, "vhw_last_error")
	return nil
}

// mapStatus converts a shim status into the error taxonomy, pulling the
// verbatim vendor message for uncategorized failures.
func (l *shimLib) mapStatus(op string, status int32) error {
	switch status {
	case shimOK, shimEmpty, shimDrained:
		return nil
	case shimErrBusy:
		return fmt.Errorf("%w: %s: vendor busy", media.ErrTemporaryBackpressure, op)
	case shimErrUnsup:
		return fmt.Errorf("%w: %s: %s", media.ErrUnsupported, op, l.lastError())
	case shimErrDevice:
		return fmt.Errorf("%w: %s: %s", media.ErrDeviceLost, op, l.lastError())
	case shimErrInvalid:
		return fmt.Errorf("%w: %s: %s", media.ErrInvalidInput, op, l.lastError())
	default:
		return &media.BackendError{Op: op, Message: l.lastError()}
	}
}

// shimRuntime implements Runtime over one loaded shim.
type shimRuntime struct {
	backend media.Backend
	lib     *shimLib
}

func (r *shimRuntime) Backend() media.Backend { return r.backend }

func (r *shimRuntime) Capability(codec media.Codec) media.Capability {
	var canDecode, canEncode, hw int32
	if r.lib.probe(int32(codec), &canDecode, &canEncode, &hw) != shimOK {
		return media.Capability{}
	}
	return media.Capability{
		CanDecode:           canDecode != 0,
		CanEncode:           canEncode != 0,
		HardwareAccelerated: hw != 0,
	}
}

func (r *shimRuntime) NewDecoder(cfg DecoderConfig) (Decoder, error) {
	ps := packParameterSets(cfg.ParameterSets)
	var psPtr uintptr
	if len(ps) > 0 {
		psPtr = uintptr(unsafe.Pointer(&ps[0]))
	}
	requireHW := int32(0)
	if cfg.RequireHardware {
		requireHW = 1
	}
	h := r.lib.decoderOpen(int32(cfg.Codec), int32(cfg.FPS), requireHW, psPtr, int32(len(ps)))
	if h == 0 {
		return nil, r.lib.mapStatus("decoder open", shimErrBackend)
	}
	return &shimDecoder{lib: r.lib, handle: h}, nil
}

func (r *shimRuntime) NewEncoder(cfg EncoderConfig) (Encoder, error) {
	requireHW := int32(0)
	if cfg.RequireHardware {
		requireHW = 1
	}
	h := r.lib.encoderOpen(
		int32(cfg.Codec),
		int32(cfg.Dims.Width), int32(cfg.Dims.Height),
		int32(cfg.FPS), requireHW, int32(cfg.InputFormat),
		cfg.GOPLength, cfg.FrameIntervalP, int32(cfg.MaxInFlight),
	)
	if h == 0 {
		return nil, r.lib.mapStatus("encoder open", shimErrBackend)
	}
	return &shimEncoder{lib: r.lib, handle: h}, nil
}

// packParameterSets serializes parameter sets with u32-BE length prefixes,
// the framing the shims expect.
func packParameterSets(sets [][]byte) []byte {
	size := 0
	for _, s := range sets {
		size += 4 + len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range sets {
		n := len(s)
		out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		out = append(out, s...)
	}
	return out
}

// shimDecoder pins one vendor decode session behind an opaque handle.
type shimDecoder struct {
	lib    *shimLib
	handle uint64
	nv12   []byte // reap staging buffer, allocated at 1 MiB on first reap and never resized
}

func (d *shimDecoder) Submit(sample media.PackedSample, pts int64, endOfPicture bool) error {
	if len(sample.Data) == 0 {
		return fmt.Errorf("%w: empty packed sample", media.ErrInvalidInput)
	}
	eop := int32(0)
	if endOfPicture {
		eop = 1
	}
	status := d.lib.decoderSubmit(d.handle, uintptr(unsafe.Pointer(&sample.Data[0])), int32(len(sample.Data)), pts, eop)
	return d.lib.mapStatus("decoder submit", status)
}

func (d *shimDecoder) Reap(timeout time.Duration) (*Picture, error) {
	var w, ht, pitch, nv12Len int32
	var pts int64
	var fourcc, flags uint32

	if d.nv12 == nil {
		d.nv12 = make([]byte, 1<<20)
	}
	status := d.lib.decoderReap(
		d.handle, int32(timeout/time.Millisecond),
		&w, &ht, &pts, &fourcc, &flags, &pitch,
		int32(len(d.nv12)), uintptr(unsafe.Pointer(&d.nv12[0])), &nv12Len,
	)
	switch status {
	case shimEmpty:
		return nil, nil
	case shimDrained:
		return nil, ErrDrained
	case shimOK:
	default:
		return nil, d.lib.mapStatus("decoder reap", status)
	}

	pic := &Picture{
		Dims:        media.Dimensions{Width: int(w), Height: int(ht)},
		PTS:         pts,
		PixelFormat: fourcc,
		Flags:       flags,
		Pitch:       int(pitch),
	}
	if nv12Len > 0 {
		pic.NV12 = make([]byte, nv12Len)
		copy(pic.NV12, d.nv12[:nv12Len])
	}
	return pic, nil
}

func (d *shimDecoder) Flush() error {
	return d.lib.mapStatus("decoder flush", d.lib.decoderFlush(d.handle))
}

func (d *shimDecoder) Close() error {
	return d.lib.mapStatus("decoder close", d.lib.decoderClose(d.handle))
}

// shimEncoder pins one vendor encode session behind an opaque handle.
type shimEncoder struct {
	lib    *shimLib
	handle uint64
}

func (e *shimEncoder) Submit(pix []byte, pitch int, pts int64, forceIDR bool) error {
	if len(pix) == 0 {
		return fmt.Errorf("%w: empty frame payload", media.ErrInvalidInput)
	}
	idr := int32(0)
	if forceIDR {
		idr = 1
	}
	status := e.lib.encoderSubmit(e.handle, uintptr(unsafe.Pointer(&pix[0])), int32(len(pix)), int32(pitch), pts, idr)
	return e.lib.mapStatus("encoder submit", status)
}

// Reap locks the next output bitstream, copies it out, and unlocks it in
// one exchange, mirroring the NVENC lock/copy/unlock sequence.
func (e *shimEncoder) Reap(timeout time.Duration) (*Bitstream, error) {
	var size, picType int32
	var pts int64

	status := e.lib.encoderReapBegin(e.handle, int32(timeout/time.Millisecond), &size, &pts, &picType)
	switch status {
	case shimEmpty:
		return nil, nil
	case shimDrained:
		return nil, ErrDrained
	case shimOK:
	default:
		return nil, e.lib.mapStatus("encoder reap", status)
	}

	data := make([]byte, size)
	var dataPtr uintptr
	if size > 0 {
		dataPtr = uintptr(unsafe.Pointer(&data[0]))
	}
	if status := e.lib.encoderReapCopy(e.handle, dataPtr, size); status != shimOK {
		return nil, e.lib.mapStatus("encoder reap copy", status)
	}

	return &Bitstream{
		Data:          data,
		PTS:           pts,
		Keyframe:      picType == 1,
		KeyframeKnown: picType >= 0,
	}, nil
}

func (e *shimEncoder) Reconfigure(gopLength uint32, frameIntervalP int32, forceIDR bool) error {
	idr := int32(0)
	if forceIDR {
		idr = 1
	}
	return e.lib.mapStatus("encoder reconfigure", e.lib.encoderReconfigure(e.handle, gopLength, frameIntervalP, idr))
}

func (e *shimEncoder) Flush() error {
	return e.lib.mapStatus("encoder flush", e.lib.encoderFlush(e.handle))
}

func (e *shimEncoder) Close() error {
	return e.lib.mapStatus("encoder close", e.lib.encoderClose(e.handle))
}
