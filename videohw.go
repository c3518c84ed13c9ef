// Package videohw presents a single backend-agnostic contract for hardware
// H.264/HEVC encode and decode over Apple VideoToolbox and NVIDIA
// NVENC/NVDEC. Callers feed bitstream chunks or raw frames; the facade
// delivers access-unit-aligned decoded frames or vendor-correct encoded
// packets through a submit/reap/flush session contract.
//
// A session is externally synchronized: concurrent calls from two
// goroutines on the same session are undefined. Submit may block on credit
// acquisition; ReapTimeout blocks up to its deadline; Flush blocks until
// all in-flight work is drained.
package videohw

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Sanzentyo/video-hw/backend"
	"github.com/Sanzentyo/video-hw/internal/driver"
	"github.com/Sanzentyo/video-hw/media"
	"github.com/Sanzentyo/video-hw/metrics"
)

// LayoutOf maps a (backend, codec) pair to the encoded output layout it
// produces: AVCC/HVCC on VideoToolbox, Annex-B on NVIDIA. The facade
// rejects chunks whose bytes contradict this mapping.
func LayoutOf(b media.Backend, codec media.Codec) media.Layout {
	return backend.LayoutOf(b, codec)
}

// Backends lists every backend whose driver loaded on this machine.
func Backends() []media.Backend {
	return driver.Backends()
}

// QueryCapability reports what a (backend, codec) pair can do. A backend
// with no loaded driver reports no capabilities.
func QueryCapability(b media.Backend, codec media.Codec) media.Capability {
	rt, ok := driver.Lookup(b)
	if !ok {
		return media.Capability{}
	}
	return rt.Capability(codec)
}

// Option adjusts session construction.
type Option func(*options)

type options struct {
	log  *slog.Logger
	sink metrics.Sink
}

// WithLogger attaches a logger; slog.Default() is used otherwise.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetricsSink attaches a sink for session telemetry snapshots. The
// sink only receives data when the session's configuration enables
// metrics reporting.
func WithMetricsSink(sink metrics.Sink) Option {
	return func(o *options) { o.sink = sink }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DecodeSession decodes one elementary stream on one backend.
type DecodeSession struct {
	backend media.Backend
	inner   backend.DecoderBackend
}

// NewDecodeSession binds a decode session to a backend. It fails with
// ErrUnsupported when the backend's driver is not loaded or the (backend,
// codec) pair cannot decode; no session is created in that case.
func NewDecodeSession(b media.Backend, cfg media.DecoderConfig, opts ...Option) (*DecodeSession, error) {
	rt, ok := driver.Lookup(b)
	if !ok {
		return nil, fmt.Errorf("%w: no %s driver loaded", media.ErrUnsupported, b)
	}
	o := buildOptions(opts)
	inner, err := backend.NewDecoder(rt, cfg, o.sink, o.log)
	if err != nil {
		return nil, err
	}
	return &DecodeSession{backend: b, inner: inner}, nil
}

// Submit hands one bitstream input to the session. It fails with
// ErrInvalidInput or ErrInvalidBitstream for malformed input,
// ErrTemporaryBackpressure when credits or queues are exhausted, and
// ErrDeviceLost once the device is gone.
func (s *DecodeSession) Submit(in media.BitstreamInput) error {
	return s.inner.Submit(in)
}

// TryReap returns the next decoded frame without blocking, or nil when
// nothing is ready.
func (s *DecodeSession) TryReap() (*media.DecodedFrame, error) {
	return s.inner.TryReap()
}

// ReapTimeout blocks up to d for the next decoded frame.
func (s *DecodeSession) ReapTimeout(d time.Duration) (*media.DecodedFrame, error) {
	return s.inner.ReapTimeout(d)
}

// Flush signals end-of-stream, drains every pending frame, and returns
// them. The session remains usable for the next cycle.
func (s *DecodeSession) Flush() ([]media.DecodedFrame, error) {
	return s.inner.Flush()
}

// Summary reports the cumulative decoded frame count and the last observed
// dimensions and pixel format. The count equals the frames returned via
// reap and flush over the session's lifetime.
func (s *DecodeSession) Summary() media.DecodeSummary {
	return s.inner.Summary()
}

// QueryCapability reports this session's backend capability for a codec.
func (s *DecodeSession) QueryCapability(codec media.Codec) media.Capability {
	return s.inner.Capability(codec)
}

// RequestSessionSwitch forwards a generation-bumping reconfiguration to the
// session manager.
func (s *DecodeSession) RequestSessionSwitch(req media.SessionSwitchRequest) error {
	return s.inner.RequestSwitch(req)
}

// Backend returns the backend this session is bound to.
func (s *DecodeSession) Backend() media.Backend {
	return s.backend
}

// Close drains and destroys the session.
func (s *DecodeSession) Close() error {
	return s.inner.Close()
}

// EncodeSession encodes raw frames on one backend.
type EncodeSession struct {
	backend media.Backend
	inner   backend.EncoderBackend
}

// NewEncodeSession binds an encode session to a backend. The vendor session
// opens at the first submitted frame, which fixes the dimensions for the
// flush cycle.
func NewEncodeSession(b media.Backend, cfg media.EncoderConfig, opts ...Option) (*EncodeSession, error) {
	rt, ok := driver.Lookup(b)
	if !ok {
		return nil, fmt.Errorf("%w: no %s driver loaded", media.ErrUnsupported, b)
	}
	o := buildOptions(opts)
	inner, err := backend.NewEncoder(rt, cfg, o.sink, o.log)
	if err != nil {
		return nil, err
	}
	return &EncodeSession{backend: b, inner: inner}, nil
}

// Submit stages one raw frame for encode. Within a flush cycle every frame
// must carry the same dimensions; changing them requires a session switch
// or an intervening Flush.
func (s *EncodeSession) Submit(f media.RawFrame) error {
	return s.inner.Submit(f)
}

// TryReap returns the next encoded chunk without blocking, or nil when
// nothing is ready. Chunk timestamps are non-decreasing within a flush
// cycle and the layout always equals LayoutOf(backend, codec).
func (s *EncodeSession) TryReap() (*media.EncodedChunk, error) {
	return s.inner.TryReap()
}

// ReapTimeout blocks up to d for the next encoded chunk.
func (s *EncodeSession) ReapTimeout(d time.Duration) (*media.EncodedChunk, error) {
	return s.inner.ReapTimeout(d)
}

// Flush signals end-of-stream, drains every pending chunk, and returns
// them. The dimension lock opens for the next cycle.
func (s *EncodeSession) Flush() ([]media.EncodedChunk, error) {
	return s.inner.Flush()
}

// QueryCapability reports this session's backend capability for a codec.
func (s *EncodeSession) QueryCapability(codec media.Codec) media.Capability {
	return s.inner.Capability(codec)
}

// RequestSessionSwitch forwards a generation-bumping reconfiguration to the
// session manager.
func (s *EncodeSession) RequestSessionSwitch(req media.SessionSwitchRequest) error {
	return s.inner.RequestSwitch(req)
}

// Backend returns the backend this session is bound to.
func (s *EncodeSession) Backend() media.Backend {
	return s.backend
}

// Close drains and destroys the session.
func (s *EncodeSession) Close() error {
	return s.inner.Close()
}
