package bitstream

import "github.com/Sanzentyo/video-hw/media"

// SPSInfo holds the parameters a session needs from a sequence parameter
// set: coded resolution and the profile/level identifiers used for
// capability checks.
type SPSInfo struct {
	Dims       media.Dimensions
	ProfileIDC byte
	LevelIDC   byte
}

// ParseSPS parses an SPS NAL unit for either codec. The input is the raw
// NAL data including the header byte(s), without a start code.
func ParseSPS(codec media.Codec, nal []byte) (SPSInfo, error) {
	if codec == media.CodecHEVC {
		return parseHEVCSPS(nal)
	}
	return parseH264SPS(nal)
}

func parseH264SPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errNALTooShort
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	profileIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.readBits(8); err != nil { // constraint flags + reserved
		return SPSInfo{}, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormatIdc := uint(1)
	separateColourPlane := false

	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		chromaFormatIdc, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		if chromaFormatIdc == 3 {
			val, err := br.readBits(1)
			if err != nil {
				return SPSInfo{}, err
			}
			separateColourPlane = val == 1
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return SPSInfo{}, err
		}
		seqScalingMatrixPresent, err := br.readBits(1)
		if err != nil {
			return SPSInfo{}, err
		}
		if seqScalingMatrixPresent == 1 {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return SPSInfo{}, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return SPSInfo{}, err
					}
				}
			}
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return SPSInfo{}, err
	}

	picOrderCntType, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.readUE(); err != nil {
			return SPSInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return SPSInfo{}, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return SPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return SPSInfo{}, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field_flag
			return SPSInfo{}, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference_flag
		return SPSInfo{}, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	frameCroppingFlag, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameCroppingFlag == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 2, 2
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	width := int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	heightMul := 2 - frameMbsOnly
	height := int((picHeightMapUnits+1)*16*heightMul - cropUnitY*(cropTop+cropBottom))

	return SPSInfo{
		Dims:       media.Dimensions{Width: width, Height: height},
		ProfileIDC: byte(profileIdc),
		LevelIDC:   byte(levelIdc),
	}, nil
}

func parseHEVCSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errNALTooShort
	}

	// Skip the 2-byte NAL header.
	rbsp := removeEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return SPSInfo{}, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return SPSInfo{}, err
	}

	info := SPSInfo{}
	if err := parseHEVCProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return SPSInfo{}, err
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return SPSInfo{}, err
	}
	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return SPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	info.Dims = media.Dimensions{Width: int(width), Height: int(height)}

	confWindowFlag, err := br.readBits(1)
	if err != nil || confWindowFlag == 0 {
		return info, nil
	}

	left, err := br.readUE()
	if err != nil {
		return info, nil
	}
	right, err := br.readUE()
	if err != nil {
		return info, nil
	}
	top, err := br.readUE()
	if err != nil {
		return info, nil
	}
	bottom, err := br.readUE()
	if err != nil {
		return info, nil
	}

	var subWidthC, subHeightC uint
	switch chromaFormatIdc {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 1, 1
	}
	info.Dims.Width -= int((left + right) * subWidthC)
	info.Dims.Height -= int((top + bottom) * subHeightC)

	return info, nil
}

func parseHEVCProfileTierLevel(br *bitReader, info *SPSInfo, maxSubLayersMinus1 uint) error {
	if _, err := br.readBits(2); err != nil { // general_profile_space
		return err
	}
	if _, err := br.readBits(1); err != nil { // general_tier_flag
		return err
	}
	profileIDC, err := br.readBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profileIDC)

	if _, err := br.readBits(32); err != nil { // general_profile_compatibility_flags
		return err
	}
	for i := 0; i < 6; i++ { // general_constraint_indicator_flags
		if _, err := br.readBits(8); err != nil {
			return err
		}
	}
	levelIDC, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(levelIDC)

	var subLayerProfilePresent, subLayerLevelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		p, err := br.readBits(1)
		if err != nil {
			return err
		}
		l, err := br.readBits(1)
		if err != nil {
			return err
		}
		subLayerProfilePresent[i] = p == 1
		subLayerLevelPresent[i] = l == 1
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if _, err := br.readBits(2); err != nil { // reserved_zero_2bits
				return err
			}
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if subLayerProfilePresent[i] {
			if _, err := br.readBits(32); err != nil {
				return err
			}
			if _, err := br.readBits(32); err != nil {
				return err
			}
			if _, err := br.readBits(24); err != nil {
				return err
			}
		}
		if subLayerLevelPresent[i] {
			if _, err := br.readBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}
