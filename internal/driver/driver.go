// Package driver defines the capability contract a vendor runtime must
// satisfy and loads the platform driver shims at runtime. The rest of the
// pipeline is written against these interfaces only; VideoToolbox and
// NVENC/NVDEC specifics stay behind them.
package driver

import (
	"errors"
	"time"

	"github.com/Sanzentyo/video-hw/media"
)

// ErrDrained is returned by Reap once a Flush has been issued and every
// pending output has been delivered. The session remains usable; the next
// Submit starts a new cycle.
var ErrDrained = errors.New("driver: drained")

// DecoderConfig configures a vendor decoder session.
//
// ParameterSets carries the complete required set for the codec (SPS, PPS
// for H.264; VPS, SPS, PPS for HEVC). VideoToolbox builds its format
// description from it and cannot open without it; NVDEC consumes parameter
// sets in-band and tolerates an empty slice.
type DecoderConfig struct {
	Codec           media.Codec
	FPS             int
	RequireHardware bool
	ParameterSets   [][]byte
}

// EncoderConfig configures a vendor encoder session. Dims come from the
// first submitted frame and are fixed for the session.
type EncoderConfig struct {
	Codec           media.Codec
	Dims            media.Dimensions
	FPS             int
	RequireHardware bool
	InputFormat     media.RawFormat
	GOPLength       uint32 // 0 = vendor default
	FrameIntervalP  int32  // 0 = vendor default
	MaxInFlight     int
}

// Picture is one decoded output. NV12 is nil on the metadata-only path.
// PixelFormat and Flags are best-effort vendor telemetry.
type Picture struct {
	Dims        media.Dimensions
	PTS         int64
	PixelFormat uint32
	Flags       uint32
	Pitch       int
	NV12        []byte
}

// Bitstream is one encoded output. Keyframe is meaningful only when
// KeyframeKnown is set (the NVIDIA path reports the SDK picture type on
// reap; VideoToolbox callers inspect the first slice NAL instead).
type Bitstream struct {
	Data          []byte
	PTS           int64
	Keyframe      bool
	KeyframeKnown bool
}

// Decoder is a vendor decode session. The underlying vendor handle is
// pinned for the session's life; implementations never move it.
//
// Submit hands one packed access unit to the vendor. Reap blocks up to
// timeout and returns (nil, nil) when nothing is ready; after Flush it
// returns ErrDrained once every pending picture has been delivered.
type Decoder interface {
	Submit(sample media.PackedSample, pts int64, endOfPicture bool) error
	Reap(timeout time.Duration) (*Picture, error)
	Flush() error
	Close() error
}

// Encoder is a vendor encode session. Submit copies pix before returning,
// so the caller may recycle the buffer once the frame is reaped. A
// recoverable "encoder busy" surfaces as ErrTemporaryBackpressure and the
// caller retries with the same frame.
type Encoder interface {
	Submit(pix []byte, pitch int, pts int64, forceIDR bool) error
	Reap(timeout time.Duration) (*Bitstream, error)
	Reconfigure(gopLength uint32, frameIntervalP int32, forceIDR bool) error
	Flush() error
	Close() error
}

// Runtime is one loaded vendor implementation.
type Runtime interface {
	Backend() media.Backend
	Capability(codec media.Codec) media.Capability
	NewDecoder(cfg DecoderConfig) (Decoder, error)
	NewEncoder(cfg EncoderConfig) (Encoder, error)
}
