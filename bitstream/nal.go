// Package bitstream turns arbitrarily chunked Annex-B byte runs into
// complete access units. It carries the NAL unit tables for H.264 and HEVC,
// the stateful chunk assembler, the parameter-set cache that gates decoder
// creation, and the SPS parsing needed to size sessions.
package bitstream

import (
	"errors"

	"github.com/Sanzentyo/video-hw/media"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	H264NALSliceNonIDR = 1
	H264NALSliceA      = 2
	H264NALSliceB      = 3
	H264NALSliceC      = 4
	H264NALSliceIDR    = 5
	H264NALSEI         = 6
	H264NALSPS         = 7
	H264NALPPS         = 8
	H264NALAUD         = 9
	H264NALFillerData  = 12
)

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALRsvIRAP23  = 23
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// NALType extracts the codec-specific NAL unit type from raw NAL data:
// the low 5 bits of the first header byte for H.264, the middle 6 bits for
// the 2-byte HEVC header.
func NALType(codec media.Codec, nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	if codec == media.CodecHEVC {
		return (nal[0] >> 1) & 0x3F
	}
	return nal[0] & 0x1F
}

// IsVCL reports whether the NAL carries coded slice data (a picture).
func IsVCL(codec media.Codec, nal []byte) bool {
	t := NALType(codec, nal)
	if codec == media.CodecHEVC {
		return t <= 31
	}
	switch t {
	case H264NALSliceNonIDR, H264NALSliceA, H264NALSliceB, H264NALSliceC, H264NALSliceIDR:
		return true
	}
	return false
}

// IsKeyframeNAL reports whether the NAL is a random access point: an IDR
// slice for H.264, or a BLA/IDR/CRA slice for HEVC.
func IsKeyframeNAL(codec media.Codec, nal []byte) bool {
	t := NALType(codec, nal)
	if codec == media.CodecHEVC {
		return t >= HEVCNALBlaWLP && t <= HEVCNALCraNut
	}
	return t == H264NALSliceIDR
}

// IsAUD reports whether the NAL is an access unit delimiter.
func IsAUD(codec media.Codec, nal []byte) bool {
	t := NALType(codec, nal)
	if codec == media.CodecHEVC {
		return t == HEVCNALAUD
	}
	return t == H264NALAUD
}

// IsParameterSet reports whether the NAL is an SPS/PPS (H.264) or
// VPS/SPS/PPS (HEVC).
func IsParameterSet(codec media.Codec, nal []byte) bool {
	t := NALType(codec, nal)
	if codec == media.CodecHEVC {
		return t == HEVCNALVPS || t == HEVCNALSPS || t == HEVCNALPPS
	}
	return t == H264NALSPS || t == H264NALPPS
}

// IsNewPicture reports whether a slice NAL starts a new coded picture:
// first_mb_in_slice == 0 for H.264, first_slice_segment_in_pic_flag == 1
// for HEVC. Non-slice NALs report false.
func IsNewPicture(codec media.Codec, nal []byte) bool {
	if !IsVCL(codec, nal) {
		return false
	}
	if codec == media.CodecHEVC {
		// first_slice_segment_in_pic_flag is the first bit after the
		// 2-byte NAL header.
		if len(nal) < 3 {
			return false
		}
		return nal[2]&0x80 != 0
	}
	// first_mb_in_slice is the first exp-Golomb field after the 1-byte
	// header; a leading 1 bit encodes the value 0.
	if len(nal) < 2 {
		return false
	}
	br := newBitReader(removeEmulationPrevention(nal[1:]))
	firstMB, err := br.readUE()
	return err == nil && firstMB == 0
}

var errNALTooShort = errors.New("NAL data too short")

// bitReader reads MSB-first bit fields from RBSP bytes.
type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errNALTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errNALTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

func (br *bitReader) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// removeEmulationPrevention strips 00 00 03 escape sequences from NAL data,
// yielding the raw RBSP.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
