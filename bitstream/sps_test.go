package bitstream

import (
	"testing"

	"github.com/Sanzentyo/video-hw/media"
)

// bitWriter builds RBSP test vectors MSB-first.
type bitWriter struct {
	data []byte
	bit  int
}

func (w *bitWriter) writeBit(b uint) {
	if w.bit == 0 {
		w.data = append(w.data, 0)
	}
	if b != 0 {
		w.data[len(w.data)-1] |= 1 << (7 - w.bit)
	}
	w.bit = (w.bit + 1) % 8
}

func (w *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit((v >> uint(i)) & 1)
	}
}

func (w *bitWriter) writeUE(v uint) {
	zeros := 0
	for (1<<(zeros+1))-1 <= int(v) {
		zeros++
	}
	for i := 0; i < zeros; i++ {
		w.writeBit(0)
	}
	w.writeBit(1)
	if zeros > 0 {
		w.writeBits(v-((1<<zeros)-1), zeros)
	}
}

// buildH264SPS writes a baseline-profile SPS for the given coded size.
func buildH264SPS(widthMBs, heightMBs, cropBottom uint) []byte {
	w := &bitWriter{}
	w.writeBits(66, 8) // profile_idc: baseline
	w.writeBits(0, 8)  // constraint flags
	w.writeBits(30, 8) // level_idc
	w.writeUE(0)       // seq_parameter_set_id
	w.writeUE(0)       // log2_max_frame_num_minus4
	w.writeUE(0)       // pic_order_cnt_type
	w.writeUE(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.writeUE(1)       // max_num_ref_frames
	w.writeBit(0)      // gaps_in_frame_num_value_allowed_flag
	w.writeUE(widthMBs - 1)
	w.writeUE(heightMBs - 1)
	w.writeBit(1) // frame_mbs_only_flag
	w.writeBit(1) // direct_8x8_inference_flag
	if cropBottom > 0 {
		w.writeBit(1) // frame_cropping_flag
		w.writeUE(0)
		w.writeUE(0)
		w.writeUE(0)
		w.writeUE(cropBottom)
	} else {
		w.writeBit(0)
	}
	w.writeBit(0) // vui_parameters_present_flag
	w.writeBit(1) // rbsp_stop_one_bit

	return append([]byte{0x67}, w.data...)
}

// buildHEVCSPS writes a main-profile SPS for the given luma size.
func buildHEVCSPS(width, height uint) []byte {
	w := &bitWriter{}
	w.writeBits(0, 4) // sps_video_parameter_set_id
	w.writeBits(0, 3) // sps_max_sub_layers_minus1
	w.writeBit(1)     // sps_temporal_id_nesting_flag
	// profile_tier_level
	w.writeBits(0, 2)  // general_profile_space
	w.writeBit(0)      // general_tier_flag
	w.writeBits(1, 5)  // general_profile_idc: Main
	w.writeBits(0, 32) // general_profile_compatibility_flags
	w.writeBits(0, 24) // general_constraint_indicator_flags (hi)
	w.writeBits(0, 24) // general_constraint_indicator_flags (lo)
	w.writeBits(93, 8) // general_level_idc: L3.1
	w.writeUE(0)       // sps_seq_parameter_set_id
	w.writeUE(1)       // chroma_format_idc: 4:2:0
	w.writeUE(width)
	w.writeUE(height)
	w.writeBit(0) // conformance_window_flag
	w.writeUE(0)  // bit_depth_luma_minus8
	w.writeUE(0)  // bit_depth_chroma_minus8
	w.writeBit(1) // padding so the reader never runs dry

	return append([]byte{0x42, 0x01}, w.data...)
}

func TestParseSPS_H264(t *testing.T) {
	// 40x23 macroblocks cropped by 8 rows: 640x360.
	sps := buildH264SPS(40, 23, 4)
	info, err := ParseSPS(media.CodecH264, sps)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	want := media.Dimensions{Width: 640, Height: 360}
	if info.Dims != want {
		t.Errorf("dims = %s, want %s", info.Dims, want)
	}
	if info.ProfileIDC != 66 {
		t.Errorf("profile = %d, want 66", info.ProfileIDC)
	}
	if info.LevelIDC != 30 {
		t.Errorf("level = %d, want 30", info.LevelIDC)
	}
}

func TestParseSPS_H264_NoCrop(t *testing.T) {
	sps := buildH264SPS(80, 45, 0) // 1280x720
	info, err := ParseSPS(media.CodecH264, sps)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	want := media.Dimensions{Width: 1280, Height: 720}
	if info.Dims != want {
		t.Errorf("dims = %s, want %s", info.Dims, want)
	}
}

func TestParseSPS_HEVC(t *testing.T) {
	sps := buildHEVCSPS(1920, 1080)
	info, err := ParseSPS(media.CodecHEVC, sps)
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	want := media.Dimensions{Width: 1920, Height: 1080}
	if info.Dims != want {
		t.Errorf("dims = %s, want %s", info.Dims, want)
	}
	if info.ProfileIDC != 1 {
		t.Errorf("profile = %d, want 1 (Main)", info.ProfileIDC)
	}
	if info.LevelIDC != 93 {
		t.Errorf("level = %d, want 93", info.LevelIDC)
	}
}

func TestParseSPS_TooShort(t *testing.T) {
	if _, err := ParseSPS(media.CodecH264, []byte{0x67, 0x42}); err == nil {
		t.Error("truncated SPS should fail")
	}
	if _, err := ParseSPS(media.CodecHEVC, []byte{0x42, 0x01}); err == nil {
		t.Error("truncated HEVC SPS should fail")
	}
}
