// Package packer serializes access units into the byte layouts the vendor
// APIs consume: Annex-B start-code framing for NVDEC, and length-prefixed
// AVCC/HVCC framing for VideoToolbox.
package packer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Sanzentyo/video-hw/media"
)

// Packer transforms one access unit into a packed sample. Packing is pure:
// a packer holds no hidden state and the same AU always yields the same
// bytes.
type Packer interface {
	Pack(au media.AccessUnit) (media.PackedSample, error)
	Layout(codec media.Codec) media.Layout
}

// AnnexB prepends a 4-byte start code to each NAL and concatenates.
type AnnexB struct{}

// Layout returns LayoutAnnexB for every codec.
func (AnnexB) Layout(media.Codec) media.Layout { return media.LayoutAnnexB }

func (AnnexB) Pack(au media.AccessUnit) (media.PackedSample, error) {
	size := 0
	for _, nal := range au.NALUs {
		size += 4 + len(nal)
	}
	data := make([]byte, 0, size)
	for _, nal := range au.NALUs {
		data = append(data, 0, 0, 0, 1)
		data = append(data, nal...)
	}
	return media.PackedSample{Layout: media.LayoutAnnexB, Data: data}, nil
}

// LengthPrefixed prepends each NAL with its 4-byte big-endian length. The
// layout tag is AVCC for H.264 and HVCC for HEVC.
type LengthPrefixed struct{}

func (LengthPrefixed) Layout(codec media.Codec) media.Layout {
	if codec == media.CodecHEVC {
		return media.LayoutHVCC
	}
	return media.LayoutAVCC
}

func (p LengthPrefixed) Pack(au media.AccessUnit) (media.PackedSample, error) {
	size := 0
	for _, nal := range au.NALUs {
		if uint64(len(nal)) > math.MaxUint32 {
			return media.PackedSample{}, fmt.Errorf("%w: NAL length %d exceeds u32 prefix", media.ErrInvalidInput, len(nal))
		}
		size += 4 + len(nal)
	}
	data := make([]byte, size)
	pos := 0
	for _, nal := range au.NALUs {
		binary.BigEndian.PutUint32(data[pos:], uint32(len(nal)))
		pos += 4
		pos += copy(data[pos:], nal)
	}
	return media.PackedSample{Layout: p.Layout(au.Codec), Data: data}, nil
}

// UnpackLengthPrefixed splits a length-prefixed sample back into raw NAL
// units. It is the inverse of LengthPrefixed.Pack: for any AU, unpacking the
// packed bytes yields the original NAL sequence.
func UnpackLengthPrefixed(data []byte) ([][]byte, error) {
	var nalus [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated length prefix", media.ErrInvalidBitstream)
		}
		le := binary.BigEndian.Uint32(data)
		data = data[4:]
		if le == 0 {
			return nil, fmt.Errorf("%w: zero-length NAL", media.ErrInvalidBitstream)
		}
		if uint64(len(data)) < uint64(le) {
			return nil, fmt.Errorf("%w: NAL length %d exceeds remaining %d bytes", media.ErrInvalidBitstream, le, len(data))
		}
		nal := make([]byte, le)
		copy(nal, data[:le])
		nalus = append(nalus, nal)
		data = data[le:]
	}
	if len(nalus) == 0 {
		return nil, fmt.Errorf("%w: empty sample", media.ErrInvalidBitstream)
	}
	return nalus, nil
}

// UnpackAnnexB splits a start-code delimited buffer into raw NAL units.
// Unlike the stateful assembler this requires the buffer to be complete;
// it is used for re-framing whole samples, not streaming input.
func UnpackAnnexB(data []byte) ([][]byte, error) {
	var nalus [][]byte
	i := 0
	start := -1
	for i+3 <= len(data) {
		scLen := 0
		if i+4 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			scLen = 4
		} else if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			scLen = 3
		}
		if scLen == 0 {
			i++
			continue
		}
		if start >= 0 {
			if i <= start {
				return nil, fmt.Errorf("%w: zero-length NAL", media.ErrInvalidBitstream)
			}
			nal := make([]byte, i-start)
			copy(nal, data[start:i])
			nalus = append(nalus, nal)
		}
		i += scLen
		start = i
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: no start code found", media.ErrInvalidBitstream)
	}
	if start >= len(data) {
		return nil, fmt.Errorf("%w: zero-length NAL at end of sample", media.ErrInvalidBitstream)
	}
	nal := make([]byte, len(data)-start)
	copy(nal, data[start:])
	nalus = append(nalus, nal)
	return nalus, nil
}
