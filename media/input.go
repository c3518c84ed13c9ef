package media

// BitstreamKind tags the accepted bitstream input forms of a decode session.
type BitstreamKind int

const (
	// BitstreamAnnexB is a start-code delimited byte run; any chunking is
	// permitted, including splits inside a NAL or a start code.
	BitstreamAnnexB BitstreamKind = iota
	// BitstreamRawNALUs is an explicit NAL list forming one access unit.
	BitstreamRawNALUs
	// BitstreamLengthPrefixed is one access unit with a u32 big-endian
	// length before each NAL.
	BitstreamLengthPrefixed
)

// BitstreamInput is one decode submission. Exactly the fields implied by
// Kind are consulted: Data for AnnexB and LengthPrefixed, NALUs for RawNALUs.
type BitstreamInput struct {
	Kind  BitstreamKind
	Codec Codec // RawNALUs and LengthPrefixed only; AnnexB uses the session codec
	Data  []byte
	NALUs [][]byte
	PTS   int64 // NoPTS when absent
}

// AnnexBChunk builds an Annex-B input with an optional timestamp.
func AnnexBChunk(data []byte, pts int64) BitstreamInput {
	return BitstreamInput{Kind: BitstreamAnnexB, Data: data, PTS: pts}
}

// RawNALUs builds an input from an explicit NAL list forming one AU.
func RawNALUs(codec Codec, nalus [][]byte, pts int64) BitstreamInput {
	return BitstreamInput{Kind: BitstreamRawNALUs, Codec: codec, NALUs: nalus, PTS: pts}
}

// LengthPrefixedSample builds an input from one length-prefixed AU.
func LengthPrefixedSample(codec Codec, data []byte, pts int64) BitstreamInput {
	return BitstreamInput{Kind: BitstreamLengthPrefixed, Codec: codec, Data: data, PTS: pts}
}
