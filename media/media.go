// Package media defines the core value types that flow through the video-hw
// pipeline: codecs, access units, raw and decoded frames, encoded chunks,
// and the session configuration surface shared by every backend.
package media

import "fmt"

// Codec identifies the compressed video format of a session. It is fixed at
// session creation and never changes within a session's lifetime.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
)

// String returns the lowercase codec name used in logs and capability queries.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// ParseCodec maps common codec spellings to a Codec value.
func ParseCodec(v string) (Codec, error) {
	switch v {
	case "h264", "avc":
		return CodecH264, nil
	case "hevc", "h265":
		return CodecHEVC, nil
	default:
		return 0, fmt.Errorf("%w: unknown codec %q", ErrUnsupported, v)
	}
}

// Backend identifies which vendor implementation a session binds to.
type Backend int

const (
	BackendVideoToolbox Backend = iota
	BackendNvidia
)

func (b Backend) String() string {
	switch b {
	case BackendVideoToolbox:
		return "videotoolbox"
	case BackendNvidia:
		return "nvidia"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// Layout describes the byte framing of a packed sample or encoded chunk.
type Layout int

const (
	// LayoutAnnexB separates NAL units with 00 00 00 01 start codes.
	LayoutAnnexB Layout = iota
	// LayoutAVCC prefixes each NAL unit with a 4-byte big-endian length (H.264).
	LayoutAVCC
	// LayoutHVCC prefixes each NAL unit with a 4-byte big-endian length (HEVC).
	LayoutHVCC
	// LayoutOpaque carries vendor bytes whose framing is not interpreted.
	LayoutOpaque
)

func (l Layout) String() string {
	switch l {
	case LayoutAnnexB:
		return "annexb"
	case LayoutAVCC:
		return "avcc"
	case LayoutHVCC:
		return "hvcc"
	case LayoutOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Dimensions is a frame size in pixels. Both components must be strictly
// positive for a session to accept it.
type Dimensions struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are strictly positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// NoPTS marks an absent 90 kHz timestamp. Backends synthesize a timestamp
// from the frame index and session fps when they see it.
const NoPTS int64 = -1 << 62

// Capability reports what a (backend, codec) pair can do. Queried before any
// session creation; a session must not be created for an unsupported pair.
type Capability struct {
	CanDecode           bool
	CanEncode           bool
	HardwareAccelerated bool
}

// SwitchMode selects how a session switch activates.
type SwitchMode int

const (
	// SwitchImmediate activates at the next submit and retires all pending
	// work from the prior generation.
	SwitchImmediate SwitchMode = iota
	// SwitchOnNextKeyframe holds the switch pending until the next natural
	// or forced IDR, then commits atomically.
	SwitchOnNextKeyframe
	// SwitchDrainThenSwap stops accepting submissions, drains all in-flight
	// work, then swaps.
	SwitchDrainThenSwap
)

func (m SwitchMode) String() string {
	switch m {
	case SwitchImmediate:
		return "immediate"
	case SwitchOnNextKeyframe:
		return "on-next-keyframe"
	case SwitchDrainThenSwap:
		return "drain-then-swap"
	default:
		return fmt.Sprintf("switchmode(%d)", int(m))
	}
}

// SessionSwitchRequest asks a running session to reconfigure. The generation
// counter is bumped when the switch commits; work tagged with the retired
// generation is never surfaced afterwards.
type SessionSwitchRequest struct {
	Mode               SwitchMode
	ForceIDROnActivate bool
	GOPLength          uint32 // 0 keeps the current value
	FrameIntervalP     int32  // 0 keeps the current value
}
