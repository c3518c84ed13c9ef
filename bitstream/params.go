package bitstream

import "github.com/Sanzentyo/video-hw/media"

// ParameterSetCache retains the most recent parameter set of each kind the
// codec requires: SPS/PPS for H.264, VPS/SPS/PPS for HEVC. A decoder session
// cannot be created until the cache is complete for its codec.
type ParameterSetCache struct {
	h264SPS []byte
	h264PPS []byte
	hevcVPS []byte
	hevcSPS []byte
	hevcPPS []byte
}

// Observe records a NAL if it is a parameter set, replacing any prior entry
// of the same type. Non-parameter-set NALs are ignored.
func (c *ParameterSetCache) Observe(codec media.Codec, nal []byte) {
	if len(nal) == 0 {
		return
	}
	switch codec {
	case media.CodecH264:
		switch NALType(codec, nal) {
		case H264NALSPS:
			c.h264SPS = cloneNAL(nal)
		case H264NALPPS:
			c.h264PPS = cloneNAL(nal)
		}
	case media.CodecHEVC:
		switch NALType(codec, nal) {
		case HEVCNALVPS:
			c.hevcVPS = cloneNAL(nal)
		case HEVCNALSPS:
			c.hevcSPS = cloneNAL(nal)
		case HEVCNALPPS:
			c.hevcPPS = cloneNAL(nal)
		}
	}
}

// Complete reports whether every parameter set the codec requires is cached.
func (c *ParameterSetCache) Complete(codec media.Codec) bool {
	_, ok := c.RequiredFor(codec)
	return ok
}

// RequiredFor returns the full parameter set needed to initialize a decoder
// session, in the order the vendor expects (SPS, PPS for H.264;
// VPS, SPS, PPS for HEVC), or ok=false while any entry is missing.
func (c *ParameterSetCache) RequiredFor(codec media.Codec) ([][]byte, bool) {
	switch codec {
	case media.CodecH264:
		if c.h264SPS == nil || c.h264PPS == nil {
			return nil, false
		}
		return [][]byte{c.h264SPS, c.h264PPS}, true
	case media.CodecHEVC:
		if c.hevcVPS == nil || c.hevcSPS == nil || c.hevcPPS == nil {
			return nil, false
		}
		return [][]byte{c.hevcVPS, c.hevcSPS, c.hevcPPS}, true
	default:
		return nil, false
	}
}

// SPS returns the cached sequence parameter set for the codec, or nil.
func (c *ParameterSetCache) SPS(codec media.Codec) []byte {
	if codec == media.CodecHEVC {
		return c.hevcSPS
	}
	return c.h264SPS
}

func cloneNAL(nal []byte) []byte {
	out := make([]byte, len(nal))
	copy(out, nal)
	return out
}
