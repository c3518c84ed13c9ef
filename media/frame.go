package media

// AccessUnit is the set of NAL units that together represent exactly one
// coded picture, carried as raw NAL bytes with no start codes or length
// prefixes. Parameter-set NALs observed inside an AU are mirrored into the
// assembler's cache but stay in the AU that carried them.
type AccessUnit struct {
	Codec    Codec
	NALUs    [][]byte
	PTS      int64 // 90 kHz; NoPTS when absent
	Keyframe bool
}

// PackedSample is one access unit serialized in the byte layout a backend
// consumes. A sample carries exactly one AU.
type PackedSample struct {
	Layout Layout
	Data   []byte
}

// RawFormat identifies the pixel layout of a raw frame submitted for encode.
type RawFormat int

const (
	// RawARGB8888 is packed 8-bit ARGB, byte order A,R,G,B, len == w*h*4.
	RawARGB8888 RawFormat = iota
	// RawNV12 is a full-resolution Y plane of pitch*h bytes followed by an
	// interleaved half-resolution UV plane of pitch*h/2 bytes.
	RawNV12
	// RawRGB24 is packed 8-bit RGB, len == w*h*3.
	RawRGB24
)

func (f RawFormat) String() string {
	switch f {
	case RawARGB8888:
		return "argb8888"
	case RawNV12:
		return "nv12"
	case RawRGB24:
		return "rgb24"
	default:
		return "rawformat?"
	}
}

// RawFrame is an uncompressed frame submitted to an encode session.
//
// Shared marks the payload as borrowed: the pipeline treats it as read-only
// and copies it into a pool buffer instead of taking ownership. This is the
// zero-copy ARGB path; the caller must keep the slice unchanged until Submit
// returns.
type RawFrame struct {
	Format        RawFormat
	Dims          Dimensions
	Pitch         int // NV12 only; >= Dims.Width
	PTS           int64
	ForceKeyframe bool
	Shared        bool
	Data          []byte
}

// DecodedKind tags the variant of a DecodedFrame.
type DecodedKind int

const (
	// DecodedMetadata carries dimensions and timing but no pixel payload.
	// This is the standard decode output.
	DecodedMetadata DecodedKind = iota
	// DecodedNV12 carries an NV12 payload with its pitch.
	DecodedNV12
	// DecodedRGB24 carries a packed RGB payload produced by a transform.
	DecodedRGB24
	// DecodedRGBA8 carries a packed RGBA payload produced by a transform.
	DecodedRGBA8
)

func (k DecodedKind) String() string {
	switch k {
	case DecodedMetadata:
		return "metadata"
	case DecodedNV12:
		return "nv12"
	case DecodedRGB24:
		return "rgb24"
	case DecodedRGBA8:
		return "rgba8"
	default:
		return "decoded?"
	}
}

// DecodedFrame is one decoded picture. The variant reflects the pipeline's
// terminal transform for this frame: Metadata on the standard path, NV12,
// RGB24 or RGBA8 only when a transform requested pixels.
//
// PixelFormat and DecodeFlags are best-effort vendor telemetry; they are
// sometimes absent on the NVIDIA path and must never gate logic.
type DecodedFrame struct {
	Kind        DecodedKind
	Dims        Dimensions
	PTS         int64
	PixelFormat uint32 // vendor fourcc; 0 when unreported
	DecodeFlags uint32
	Pitch       int    // NV12 only
	Data        []byte // NV12, RGB24 or RGBA8 payload
}

// EncodedChunk is one encoded packet surfaced by an encode session. The
// (backend, codec) pair determines Layout; reap rejects chunks whose bytes
// contradict that mapping.
type EncodedChunk struct {
	Codec    Codec
	Layout   Layout
	PTS      int64
	Keyframe bool
	Data     []byte
}

// DecodeSummary reports cumulative decode-session progress. DecodedFrames
// equals the number of frames returned via reap and flush over the session's
// lifetime.
type DecodeSummary struct {
	DecodedFrames uint64
	Dims          Dimensions // zero until a parsable SPS or the first frame is observed
	PixelFormat   uint32     // best-effort; 0 when unreported
}
