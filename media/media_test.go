package media

import (
	"errors"
	"testing"
)

func TestParseCodec(t *testing.T) {
	cases := map[string]Codec{
		"h264": CodecH264,
		"avc":  CodecH264,
		"hevc": CodecHEVC,
		"h265": CodecHEVC,
	}
	for in, want := range cases {
		got, err := ParseCodec(in)
		if err != nil {
			t.Errorf("ParseCodec(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseCodec(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseCodec("vp9"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ParseCodec(vp9): expected ErrUnsupported, got %v", err)
	}
}

func TestBackendErrorUnwrapsToErrBackend(t *testing.T) {
	err := &BackendError{Op: "encoder submit", Message: "NV_ENC_ERR_GENERIC"}
	if !errors.Is(err, ErrBackend) {
		t.Error("BackendError must unwrap to ErrBackend")
	}
	if got := err.Error(); got != "backend error: encoder submit: NV_ENC_ERR_GENERIC" {
		t.Errorf("message = %q; the vendor text must be preserved verbatim", got)
	}
}

func TestDimensionsValid(t *testing.T) {
	if (Dimensions{}).Valid() {
		t.Error("zero dimensions must be invalid")
	}
	if (Dimensions{Width: -1, Height: 10}).Valid() {
		t.Error("negative width must be invalid")
	}
	if !(Dimensions{Width: 640, Height: 360}).Valid() {
		t.Error("640x360 must be valid")
	}
}

func TestColorRequestNeedsTransform(t *testing.T) {
	if ColorKeepNative.NeedsTransform() {
		t.Error("keep-native must not need a transform")
	}
	if !ColorRGB24.NeedsTransform() || !ColorRGBA8.NeedsTransform() {
		t.Error("pixel requests need a transform")
	}
}
