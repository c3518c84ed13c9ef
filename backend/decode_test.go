package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/Sanzentyo/video-hw/internal/driver/drivertest"
	"github.com/Sanzentyo/video-hw/media"
)

var (
	// A complete baseline-profile SPS for 640x360 (40x23 macroblocks with
	// 8 rows of bottom crop), so the summary can be seeded from the cache.
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xF4, 0x05, 0x01, 0x7F, 0xCA, 0x80}
	testPPS = []byte{0x68, 0xCE, 0x06, 0xE2}
	testIDR = []byte{0x65, 0x88, 0x84, 0x21}
	testP   = []byte{0x41, 0x9A, 0x22, 0x11}
)

func annexbStream(gops, framesPerGOP int) []byte {
	var out []byte
	push := func(nal []byte) {
		out = append(out, 0, 0, 0, 1)
		out = append(out, nal...)
	}
	for g := 0; g < gops; g++ {
		push(testSPS)
		push(testPPS)
		push(testIDR)
		for i := 1; i < framesPerGOP; i++ {
			push(testP)
		}
	}
	return out
}

func newTestDecoder(t *testing.T, opts drivertest.Options, cfg media.DecoderConfig) DecoderBackend {
	t.Helper()
	cfg.Codec = media.CodecH264
	cfg.WaitForCredit = true
	dec, err := NewDecoder(drivertest.New(opts), cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	t.Cleanup(func() { _ = dec.Close() })
	return dec
}

func decodeInChunks(t *testing.T, dec DecoderBackend, data []byte, chunkSize int) []media.DecodedFrame {
	t.Helper()
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := dec.Submit(media.AnnexBChunk(data[off:end], media.NoPTS)); err != nil {
			t.Fatalf("Submit at offset %d: %v", off, err)
		}
	}
	frames, err := dec.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return frames
}

func TestDecode_ChunkConvergence(t *testing.T) {
	stream := annexbStream(10, 30) // 300 access units

	for _, backendKind := range []media.Backend{media.BackendNvidia, media.BackendVideoToolbox} {
		small := newTestDecoder(t, drivertest.Options{Backend: backendKind}, media.DecoderConfig{})
		smallFrames := decodeInChunks(t, small, stream, 17)

		big := newTestDecoder(t, drivertest.Options{Backend: backendKind}, media.DecoderConfig{})
		bigFrames := decodeInChunks(t, big, stream, len(stream))

		if len(smallFrames) != len(bigFrames) {
			t.Fatalf("%s: chunked=%d frames, single-shot=%d", backendKind, len(smallFrames), len(bigFrames))
		}
		if len(smallFrames) != 300 {
			t.Errorf("%s: got %d frames, want 300", backendKind, len(smallFrames))
		}

		a, b := small.Summary(), big.Summary()
		if a.DecodedFrames != b.DecodedFrames {
			t.Errorf("%s: summaries diverge: %d vs %d", backendKind, a.DecodedFrames, b.DecodedFrames)
		}
		if a.Dims != b.Dims {
			t.Errorf("%s: summary dims diverge: %s vs %s", backendKind, a.Dims, b.Dims)
		}
	}
}

func TestDecode_EmptyFlush(t *testing.T) {
	dec := newTestDecoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.DecoderConfig{})

	frames, err := dec.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("empty session flushed %d frames", len(frames))
	}
	if got := dec.Summary().DecodedFrames; got != 0 {
		t.Errorf("summary = %d after empty flush, want 0", got)
	}
}

func TestDecode_SummaryMatchesSurfacedFrames(t *testing.T) {
	dec := newTestDecoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.DecoderConfig{})
	stream := annexbStream(2, 15)

	if err := dec.Submit(media.AnnexBChunk(stream, media.NoPTS)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	total := 0
	for i := 0; i < 5; i++ {
		frame, err := dec.ReapTimeout(time.Second)
		if err != nil {
			t.Fatalf("ReapTimeout: %v", err)
		}
		if frame == nil {
			break
		}
		total++
	}

	frames, err := dec.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	total += len(frames)

	if got := dec.Summary().DecodedFrames; got != uint64(total) {
		t.Errorf("summary = %d, surfaced = %d; they must match", got, total)
	}
	if dims := dec.Summary().Dims; !dims.Valid() {
		t.Errorf("summary dims = %s after decoding", dims)
	}
}

func TestDecode_ParameterSetGating(t *testing.T) {
	dec := newTestDecoder(t, drivertest.Options{Backend: media.BackendVideoToolbox}, media.DecoderConfig{})

	// Slices arrive before any parameter set: they must buffer, not decode.
	if err := dec.Submit(media.RawNALUs(media.CodecH264, [][]byte{testIDR}, 100)); err != nil {
		t.Fatalf("Submit pre-params AU: %v", err)
	}
	if frame, err := dec.ReapTimeout(50 * time.Millisecond); err != nil || frame != nil {
		t.Fatalf("gated session produced frame=%v err=%v", frame, err)
	}

	// Parameter sets complete the cache; buffered input decodes in order.
	if err := dec.Submit(media.RawNALUs(media.CodecH264, [][]byte{testSPS, testPPS, testIDR}, 200)); err != nil {
		t.Fatalf("Submit params AU: %v", err)
	}
	frames, err := dec.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (buffered + current)", len(frames))
	}
	if frames[0].PTS != 100 || frames[1].PTS != 200 {
		t.Errorf("order broken: pts %d, %d; want 100, 200", frames[0].PTS, frames[1].PTS)
	}
}

func TestDecode_SummarySeededFromCachedSPS(t *testing.T) {
	for _, backendKind := range []media.Backend{media.BackendVideoToolbox, media.BackendNvidia} {
		dec := newTestDecoder(t, drivertest.Options{Backend: backendKind}, media.DecoderConfig{})

		// Completing the first access unit (the IDR picture, closed by the
		// first P slice) installs the parameter sets; the summary reports the
		// SPS dimensions before any frame is surfaced.
		chunk := annexbStream(1, 3)
		if err := dec.Submit(media.AnnexBChunk(chunk, media.NoPTS)); err != nil {
			t.Fatalf("%s: Submit: %v", backendKind, err)
		}

		sum := dec.Summary()
		if sum.DecodedFrames != 0 {
			t.Errorf("%s: %d frames surfaced before any reap", backendKind, sum.DecodedFrames)
		}
		if sum.Dims != (media.Dimensions{Width: 640, Height: 360}) {
			t.Errorf("%s: pre-decode summary dims = %s, want 640x360 from the SPS", backendKind, sum.Dims)
		}

		if _, err := dec.Flush(); err != nil {
			t.Fatalf("%s: Flush: %v", backendKind, err)
		}
	}
}

func TestDecode_ImmediateSwitchDropsOldGeneration(t *testing.T) {
	dec := newTestDecoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.DecoderConfig{})

	prefix := annexbStream(1, 10)
	if err := dec.Submit(media.AnnexBChunk(prefix, media.NoPTS)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Let the old generation's work reach the output side before switching.
	time.Sleep(100 * time.Millisecond)

	if err := dec.RequestSwitch(media.SessionSwitchRequest{Mode: media.SwitchImmediate}); err != nil {
		t.Fatalf("RequestSwitch: %v", err)
	}

	if err := dec.Submit(media.AnnexBChunk(annexbStream(1, 10), media.NoPTS)); err != nil {
		t.Fatalf("Submit after switch: %v", err)
	}
	frames, err := dec.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(frames) > 10 {
		t.Errorf("got %d frames; retired-generation output leaked past the switch", len(frames))
	}
	if len(frames) == 0 {
		t.Error("new generation produced no frames")
	}
}

func TestDecode_InvalidBitstreamDoesNotPoison(t *testing.T) {
	dec := newTestDecoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.DecoderConfig{})

	bad := []byte{0, 0, 0, 1, 0, 0, 0, 1, 0x41}
	if err := dec.Submit(media.AnnexBChunk(bad, media.NoPTS)); !errors.Is(err, media.ErrInvalidBitstream) {
		t.Fatalf("expected ErrInvalidBitstream, got %v", err)
	}

	frames := decodeInChunks(t, dec, annexbStream(1, 5), 9)
	if len(frames) != 5 {
		t.Errorf("after recovery: got %d frames, want 5", len(frames))
	}
}

func TestDecode_UnsupportedCombination(t *testing.T) {
	rt := drivertest.New(drivertest.Options{Backend: media.BackendNvidia, DenyDecode: true})
	_, err := NewDecoder(rt, media.DecoderConfig{Codec: media.CodecH264}, nil, nil)
	if !errors.Is(err, media.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestDecode_RequireHardware(t *testing.T) {
	rt := drivertest.New(drivertest.Options{Backend: media.BackendNvidia, SoftwareOnly: true})
	_, err := NewDecoder(rt, media.DecoderConfig{Codec: media.CodecH264, RequireHardware: true}, nil, nil)
	if !errors.Is(err, media.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestDecode_TransformToRGB(t *testing.T) {
	dec := newTestDecoder(t,
		drivertest.Options{Backend: media.BackendNvidia, EmitNV12: true, DecodeDims: media.Dimensions{Width: 64, Height: 36}},
		media.DecoderConfig{Color: media.ColorRGB24},
	)

	frames := decodeInChunks(t, dec, annexbStream(1, 4), 11)
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	for i, f := range frames {
		if f.Kind != media.DecodedRGB24 {
			t.Errorf("frame %d kind = %s, want rgb24", i, f.Kind)
		}
		if len(f.Data) != 64*36*3 {
			t.Errorf("frame %d payload = %d bytes", i, len(f.Data))
		}
	}
}

func TestDecode_LengthPrefixedInput(t *testing.T) {
	dec := newTestDecoder(t, drivertest.Options{Backend: media.BackendNvidia}, media.DecoderConfig{})

	sample := []byte{
		0, 0, 0, 4, 0x67, 0x42, 0x00, 0x1E,
		0, 0, 0, 4, 0x68, 0xCE, 0x06, 0xE2,
		0, 0, 0, 4, 0x65, 0x88, 0x84, 0x21,
	}
	if err := dec.Submit(media.LengthPrefixedSample(media.CodecH264, sample, 4500)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frames, err := dec.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].PTS != 4500 {
		t.Errorf("pts = %d, want 4500", frames[0].PTS)
	}

	if err := dec.Submit(media.LengthPrefixedSample(media.CodecH264, []byte{0, 0}, 0)); !errors.Is(err, media.ErrInvalidBitstream) {
		t.Errorf("truncated sample: expected ErrInvalidBitstream, got %v", err)
	}
}
