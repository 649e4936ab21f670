// Package codec implements the delta input codec: a stateless encoder/decoder
// pair that compresses a run of fixed-size inputs against a reference input
// by XORing each input with the reference and run-length-encoding the bit
// positions that changed.
//
// The approach generalizes internal/sync's entity-state diffing (diff
// against a baseline, ship only what changed) from whole-value equality down
// to the individual bit, since game controller inputs typically differ from
// a reference by only one or two bits (a single button) held for many
// frames.
package codec

import (
	"errors"

	"github.com/andersfylling/rollback/internal/frame"
)

// ErrDecode is returned when a byte stream is truncated or otherwise
// malformed. It is the only error Decode can return; adversarial input never
// panics.
var ErrDecode = errors.New("codec: truncated or malformed input")

// Encode compresses seq against reference. It is pure: identical arguments
// always produce byte-identical output. seq must be non-empty and every
// input in it (and reference) must share the same length.
func Encode(reference frame.Input, seq []frame.Input) []byte {
	if len(seq) == 0 {
		return nil
	}

	nbits := len(reference) * 8
	w := &bitWriter{}
	w.writeVarint(uint64(len(seq)))

	// current[b] holds the value of diff-bit b as of the frame most recently
	// processed; it starts at 0 because frame -1 (the reference itself) has
	// no difference from the reference by definition.
	current := make([]uint8, nbits)

	type event struct {
		frameIdx int
		bit      int
		value    uint8
	}
	var events []event

	for j, in := range seq {
		diff := xor(reference, in)
		for b := 0; b < nbits; b++ {
			v := bitAt(diff, b)
			if v != current[b] {
				current[b] = v
				events = append(events, event{frameIdx: j, bit: b, value: v})
			}
		}
	}

	w.writeVarint(uint64(len(events)))
	prevFrame := 0
	for _, e := range events {
		w.writeVarint(uint64(e.frameIdx - prevFrame))
		prevFrame = e.frameIdx
		w.writeVarint(uint64(e.bit))
		w.writeBit(e.value)
	}

	return w.bytes()
}

// Decode reconstructs the sequence encoded by Encode against the same
// reference. It returns ErrDecode on truncated or malformed bytes; it never
// panics on adversarial input.
func Decode(reference frame.Input, data []byte) ([]frame.Input, error) {
	if len(data) == 0 {
		return nil, nil
	}

	r := newBitReader(data)
	count, err := r.readVarint()
	if err != nil {
		return nil, ErrDecode
	}
	if count == 0 {
		return nil, nil
	}
	// Guard against adversarial byte streams claiming an implausible frame
	// count; a real encoder never emits more than a few hundred frames.
	const maxDecodeFrames = 1 << 20
	if count > maxDecodeFrames {
		return nil, ErrDecode
	}

	nbits := len(reference) * 8
	eventCount, err := r.readVarint()
	if err != nil {
		return nil, ErrDecode
	}
	// At most one event per bit per frame is meaningful; reject anything
	// claiming more, rather than allocating an attacker-chosen amount.
	if nbits > 0 && eventCount > count*uint64(nbits) {
		return nil, ErrDecode
	}
	if nbits == 0 && eventCount > 0 {
		return nil, ErrDecode
	}

	type event struct {
		frameIdx int
		bit      int
		value    uint8
	}
	events := make([]event, eventCount)
	frameIdx := 0
	for i := range events {
		delta, err := r.readVarint()
		if err != nil {
			return nil, ErrDecode
		}
		frameIdx += int(delta)
		if frameIdx < 0 || uint64(frameIdx) >= count {
			return nil, ErrDecode
		}

		bit, err := r.readVarint()
		if err != nil {
			return nil, ErrDecode
		}
		if int(bit) >= nbits {
			return nil, ErrDecode
		}

		value, err := r.readBit()
		if err != nil {
			return nil, ErrDecode
		}

		events[i] = event{frameIdx: frameIdx, bit: int(bit), value: value}
	}

	// Sweep frame by frame, applying every event scheduled for that frame to
	// the running diff-bit vector, mirroring Encode's own bookkeeping.
	current := make([]uint8, nbits)
	out := make([]frame.Input, count)
	ei := 0
	for j := 0; j < int(count); j++ {
		for ei < len(events) && events[ei].frameIdx == j {
			current[events[ei].bit] = events[ei].value
			ei++
		}
		out[j] = applyDiff(reference, current)
	}

	return out, nil
}

// applyDiff reconstructs one input by flipping every bit of reference whose
// corresponding entry in diffBits is 1.
func applyDiff(reference frame.Input, diffBits []uint8) frame.Input {
	out := make(frame.Input, len(reference))
	copy(out, reference)
	for b, v := range diffBits {
		if v == 0 {
			continue
		}
		byteIdx := b / 8
		mask := byte(1) << uint(7-b%8)
		out[byteIdx] ^= mask
	}
	return out
}

func xor(a, b frame.Input) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func bitAt(b []byte, idx int) uint8 {
	byteIdx := idx / 8
	if byteIdx >= len(b) {
		return 0
	}
	return (b[byteIdx] >> uint(7-idx%8)) & 1
}

