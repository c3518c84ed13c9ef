// Package backend houses the per-vendor session machinery: the state
// machine that creates, reconfigures, and destroys codec sessions, the
// split submit/reap workers, the buffer pool, and the vendor-specific
// packet-layout policies for VideoToolbox and NVIDIA.
package backend

import (
	"fmt"
	"time"

	"github.com/Sanzentyo/video-hw/bitstream"
	"github.com/Sanzentyo/video-hw/media"
	"github.com/Sanzentyo/video-hw/packer"
)

// DecoderBackend is the adapter contract the facade's DecodeSession binds
// to. A backend is externally synchronized: concurrent calls from two
// goroutines on the same backend are undefined.
type DecoderBackend interface {
	Submit(in media.BitstreamInput) error
	TryReap() (*media.DecodedFrame, error)
	ReapTimeout(d time.Duration) (*media.DecodedFrame, error)
	Flush() ([]media.DecodedFrame, error)
	Summary() media.DecodeSummary
	Capability(codec media.Codec) media.Capability
	RequestSwitch(req media.SessionSwitchRequest) error
	Close() error
}

// EncoderBackend is the adapter contract the facade's EncodeSession binds to.
type EncoderBackend interface {
	Submit(f media.RawFrame) error
	TryReap() (*media.EncodedChunk, error)
	ReapTimeout(d time.Duration) (*media.EncodedChunk, error)
	Flush() ([]media.EncodedChunk, error)
	Capability(codec media.Codec) media.Capability
	RequestSwitch(req media.SessionSwitchRequest) error
	Close() error
}

// sessionState is the lifecycle of one encode/decode instance:
// Idle -> Running -> {SwitchPending -> Running' | Draining -> Closed}.
type sessionState int32

const (
	stateIdle sessionState = iota
	stateRunning
	stateSwitchPending
	stateDraining
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateSwitchPending:
		return "switch-pending"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "state?"
	}
}

// generations carries the session's epoch bookkeeping. config starts at 1
// and next at 2; a committed switch moves active and config to the target
// and next past it. Guarded by the session mutex.
type generations struct {
	active uint64
	config uint64
	next   uint64
}

func newGenerations() generations {
	return generations{active: 0, config: 1, next: 2}
}

// commit activates the target epoch.
func (g *generations) commit(target uint64) {
	g.active = target
	g.config = target
	if g.next <= target {
		g.next = target + 1
	}
}

// reserve allocates the next target epoch for a pending switch.
func (g *generations) reserve() uint64 {
	target := g.next
	g.next++
	return target
}

// policy captures the vendor-specific adapter decisions: input framing,
// output layout, keyframe detection, and in-flight tunables.
type policy struct {
	backend           media.Backend
	decodePacker      packer.Packer
	endOfPicture      bool // NVIDIA: complete-AU packet carries the end-of-picture flag
	gateOnParams      bool // VideoToolbox: decoder creation waits for the parameter-set cache
	keyframeOnReap    bool // NVIDIA: SDK picture-type flag on reap
	encodeMaxInFlight int
	decodeMaxInFlight int
}

func policyFor(b media.Backend) policy {
	switch b {
	case media.BackendNvidia:
		return policy{
			backend:           media.BackendNvidia,
			decodePacker:      packer.AnnexB{},
			endOfPicture:      true,
			keyframeOnReap:    true,
			encodeMaxInFlight: 6, // determined empirically for NVENC
			decodeMaxInFlight: 8,
		}
	default:
		return policy{
			backend:           media.BackendVideoToolbox,
			decodePacker:      packer.LengthPrefixed{},
			gateOnParams:      true,
			encodeMaxInFlight: 4,
			decodeMaxInFlight: 8,
		}
	}
}

// LayoutOf is the single authority mapping (backend, codec) to the encoded
// output layout: AVCC/HVCC on VideoToolbox, Annex-B on NVIDIA.
func LayoutOf(b media.Backend, codec media.Codec) media.Layout {
	if b == media.BackendNvidia {
		return media.LayoutAnnexB
	}
	if codec == media.CodecHEVC {
		return media.LayoutHVCC
	}
	return media.LayoutAVCC
}

// keyframeFromSample inspects an encoded payload for a random access point
// when the vendor did not report a picture type: the VideoToolbox path
// walks the length prefixes to the first slice NAL.
func keyframeFromSample(b media.Backend, codec media.Codec, data []byte) bool {
	var nalus [][]byte
	var err error
	if LayoutOf(b, codec) == media.LayoutAnnexB {
		nalus, err = packer.UnpackAnnexB(data)
	} else {
		nalus, err = packer.UnpackLengthPrefixed(data)
	}
	if err != nil {
		return false
	}
	for _, nal := range nalus {
		if bitstream.IsVCL(codec, nal) {
			return bitstream.IsKeyframeNAL(codec, nal)
		}
	}
	return false
}

// verifyLayout checks that an encoded payload's framing matches the
// (backend, codec) mapping before the chunk is surfaced.
func verifyLayout(b media.Backend, codec media.Codec, data []byte) error {
	want := LayoutOf(b, codec)
	var err error
	if want == media.LayoutAnnexB {
		_, err = packer.UnpackAnnexB(data)
	} else {
		_, err = packer.UnpackLengthPrefixed(data)
	}
	if err != nil {
		return fmt.Errorf("%w: encoded chunk does not match %s layout", media.ErrInvalidInput, want)
	}
	return nil
}
