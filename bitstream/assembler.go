package bitstream

import (
	"fmt"

	"github.com/Sanzentyo/video-hw/media"
)

// Assembler absorbs arbitrarily sized Annex-B byte slices and emits complete
// access units in submission order. It is stateful: an incomplete NAL or AU
// is retained across calls and the next call continues scanning where the
// previous one stopped, so re-chunking the same stream always yields the
// same AU sequence.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	codec media.Codec

	// pending holds unconsumed bytes, trimmed so it always begins at the
	// last unconfirmed start code.
	pending []byte

	cur       [][]byte
	curHasVCL bool
	curHasKey bool
	sawAUD    bool

	// pts attaches to every AU completed from the current chunk. Callers
	// needing exact per-AU timestamps must chunk on AU boundaries.
	pts int64

	params ParameterSetCache
}

// NewAssembler creates an assembler for one elementary stream.
func NewAssembler(codec media.Codec) *Assembler {
	return &Assembler{codec: codec, pts: media.NoPTS}
}

// Params exposes the parameter-set cache populated by the stream.
func (a *Assembler) Params() *ParameterSetCache {
	return &a.params
}

// Push appends a chunk and returns every access unit whose boundary was
// confirmed by it. A malformed stream fails with ErrInvalidBitstream; the
// assembler resets to a clean scanning state and the next chunk starts
// fresh, so one bad chunk never poisons the session.
func (a *Assembler) Push(chunk []byte, pts int64) ([]media.AccessUnit, error) {
	a.pts = pts
	if len(chunk) > 0 {
		a.pending = append(a.pending, chunk...)
	}

	nalus, err := a.takeCompleteNALs(false)
	if err != nil {
		return nil, err
	}
	return a.processNALs(nalus), nil
}

// Flush drains the retained tail, closing the in-progress access unit if it
// holds at least one slice NAL. The assembler is reusable afterwards.
func (a *Assembler) Flush() ([]media.AccessUnit, error) {
	nalus, err := a.takeCompleteNALs(true)
	if err != nil {
		return nil, err
	}
	out := a.processNALs(nalus)
	if a.curHasVCL && len(a.cur) > 0 {
		out = append(out, a.finishAU())
	}
	a.cur = nil
	a.curHasVCL = false
	a.curHasKey = false
	a.sawAUD = false
	return out, nil
}

// processNALs runs the AU boundary policy: an AUD, a parameter-set NAL, or
// a new-picture slice closes the current AU, but only once a slice NAL has
// been seen for it.
func (a *Assembler) processNALs(nalus [][]byte) []media.AccessUnit {
	var out []media.AccessUnit

	for _, nal := range nalus {
		a.params.Observe(a.codec, nal)

		if IsAUD(a.codec, nal) {
			a.sawAUD = true
			if a.curHasVCL && len(a.cur) > 0 {
				out = append(out, a.finishAU())
			} else {
				a.cur = nil
				a.curHasVCL = false
				a.curHasKey = false
			}
			// The delimiter itself is not retained.
			continue
		}

		if a.curHasVCL && len(a.cur) > 0 {
			if IsParameterSet(a.codec, nal) {
				out = append(out, a.finishAU())
			} else if IsNewPicture(a.codec, nal) {
				out = append(out, a.finishAU())
			}
		}

		isVCL := IsVCL(a.codec, nal)
		isKey := IsKeyframeNAL(a.codec, nal)
		a.cur = append(a.cur, nal)
		if isVCL {
			a.curHasVCL = true
			a.curHasKey = a.curHasKey || isKey
		}
	}

	return out
}

func (a *Assembler) finishAU() media.AccessUnit {
	au := media.AccessUnit{
		Codec:    a.codec,
		NALUs:    a.cur,
		PTS:      a.pts,
		Keyframe: a.curHasKey,
	}
	a.cur = nil
	a.curHasVCL = false
	a.curHasKey = false
	return au
}

// takeCompleteNALs extracts every NAL whose end is confirmed by a following
// start code. With finalize set, the tail after the last start code is also
// emitted and the pending buffer is cleared.
func (a *Assembler) takeCompleteNALs(finalize bool) ([][]byte, error) {
	if len(a.pending) == 0 {
		return nil, nil
	}

	starts := findStartCodes(a.pending)
	if len(starts) == 0 {
		if finalize {
			a.pending = nil
		}
		return nil, nil
	}

	// Bytes before the first start code are unframed garbage; drop them so
	// pending always begins at a start code.
	if starts[0].pos > 0 {
		a.pending = a.pending[starts[0].pos:]
		starts = findStartCodes(a.pending)
	}

	var nalus [][]byte
	for i := 0; i+1 < len(starts); i++ {
		payloadStart := starts[i].pos + starts[i].len
		end := starts[i+1].pos
		if end <= payloadStart {
			a.reset()
			return nil, fmt.Errorf("%w: zero-length NAL at offset %d", media.ErrInvalidBitstream, starts[i].pos)
		}
		nalus = append(nalus, cloneNAL(a.pending[payloadStart:end]))
	}

	last := starts[len(starts)-1]
	if finalize {
		payloadStart := last.pos + last.len
		if payloadStart >= len(a.pending) {
			a.reset()
			return nil, fmt.Errorf("%w: zero-length NAL at end of stream", media.ErrInvalidBitstream)
		}
		nalus = append(nalus, cloneNAL(a.pending[payloadStart:]))
		a.pending = nil
	} else {
		// Keep everything from the last start code; its NAL is not yet
		// confirmed complete.
		a.pending = append(a.pending[:0:0], a.pending[last.pos:]...)
	}

	return nalus, nil
}

// reset discards scan state after a bitstream error. The parameter-set
// cache survives; only the malformed run is lost.
func (a *Assembler) reset() {
	a.pending = nil
	a.cur = nil
	a.curHasVCL = false
	a.curHasKey = false
	a.sawAUD = false
}

type startCode struct {
	pos int
	len int
}

// findStartCodes locates every 3-byte (000001) and 4-byte (00000001) start
// code, preferring the 4-byte form when both match.
func findStartCodes(data []byte) []startCode {
	var out []startCode
	i := 0
	for i+3 <= len(data) {
		if i+4 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			out = append(out, startCode{pos: i, len: 4})
			i += 4
			continue
		}
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			out = append(out, startCode{pos: i, len: 3})
			i += 3
			continue
		}
		i++
	}
	return out
}
