package peer

import (
	"sync"

	"github.com/andersfylling/rollback/internal/codec"
	"github.com/andersfylling/rollback/internal/frame"
)

// inputEncoder is the sender-side half of spec.md §4.3's InputEncoder: a
// FIFO of pending FrameInputs plus last_acked (the delta-encoding reference)
// and last_encoded (the highest frame ever pushed). It wraps its state
// behind a mutex so the same handle can be shared cheaply between an
// endpoint's push call (from the session thread) and its own send loop,
// mirroring backroll-rs's InputEncoder(Arc<RwLock<InputEncoderRef>>) and
// spec.md §9's "encoder/decoder as shareable handles" design note.
type inputEncoder struct {
	mu          sync.Mutex
	pending     []frame.FrameInput
	lastAcked   frame.FrameInput
	lastEncoded frame.Frame
}

func newInputEncoder(inputSize int) *inputEncoder {
	return &inputEncoder{
		lastAcked:   frame.FrameInput{Frame: frame.NullFrame, Input: make(frame.Input, inputSize)},
		lastEncoded: frame.NullFrame,
	}
}

// push appends input for frame f to the pending FIFO.
func (e *inputEncoder) push(fi frame.FrameInput) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, frame.FrameInput{Frame: fi.Frame, Input: fi.Input.Clone()})
	if e.lastEncoded.IsNull() || fi.Frame > e.lastEncoded {
		e.lastEncoded = fi.Frame
	}
}

func (e *inputEncoder) lastEncodedFrame() frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEncoded
}

// pendingCount returns how many frames are queued and not yet acked.
func (e *inputEncoder) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// acknowledgeFrame drops every pending entry with Frame < f and advances
// last_acked to the latest dropped entry, which becomes the reference for
// every subsequent encode().
func (e *inputEncoder) acknowledgeFrame(f frame.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := 0
	for i < len(e.pending) && e.pending[i].Frame < f {
		e.lastAcked = e.pending[i]
		i++
	}
	if i > 0 {
		e.pending = e.pending[i:]
	}
}

// encode returns the oldest pending frame and the pending run delta-encoded
// against last_acked. It does not pop the FIFO — acknowledgeFrame is the
// only thing that does.
func (e *inputEncoder) encode() (frame.Frame, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return frame.NullFrame, nil
	}
	seq := make([]frame.Input, len(e.pending))
	for i, fi := range e.pending {
		seq[i] = fi.Input
	}
	return e.pending[0].Frame, codec.Encode(e.lastAcked.Input, seq)
}

// inputDecoder is the receiver-side half: it tracks last_decoded (frame and
// input), from which decode recovers the delta-decoding reference the remote
// encoder used — see decode's doc comment.
type inputDecoder struct {
	mu               sync.Mutex
	lastDecoded      frame.Frame
	lastDecodedInput frame.Input
}

func newInputDecoder(inputSize int) *inputDecoder {
	return &inputDecoder{
		lastDecoded:      frame.NullFrame,
		lastDecodedInput: make(frame.Input, inputSize),
	}
}

func (d *inputDecoder) lastDecodedFrame() frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDecoded
}

func (d *inputDecoder) reset(inputSize int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastDecoded = frame.NullFrame
	d.lastDecodedInput = make(frame.Input, inputSize)
}

// decode reconstructs the run starting at startFrame from bits, discards any
// frame at or before last_decoded, and returns the surviving FrameInputs in
// increasing frame order. The remote encoder encodes against its last acked
// input, which is the input of frame startFrame-1 (or the zero input before
// any ack). If the run starts right after last_decoded, that reference is
// last_decoded_input itself; if the run overlaps frames already decoded, the
// reference is recovered as last_decoded_input XOR the run's own diff for
// frame last_decoded.
func (d *inputDecoder) decode(startFrame frame.Frame, bits []byte) ([]frame.FrameInput, error) {
	d.mu.Lock()
	last, lastInput := d.lastDecoded, d.lastDecodedInput
	d.mu.Unlock()

	// Against an all-zero reference, Decode yields each frame's raw diff.
	diffs, err := codec.Decode(make(frame.Input, len(lastInput)), bits)
	if err != nil {
		return nil, err
	}
	reference := lastInput
	if k := int(last - startFrame); !last.IsNull() && k >= 0 && k < len(diffs) {
		reference = lastInput.Clone()
		for b := range reference {
			reference[b] ^= diffs[k][b]
		}
	}

	seq, err := codec.Decode(reference, bits)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]frame.FrameInput, 0, len(seq))
	for i, in := range seq {
		f := startFrame + frame.Frame(i)
		if f <= d.lastDecoded {
			continue
		}
		out = append(out, frame.FrameInput{Frame: f, Input: in})
		d.lastDecoded = f
		d.lastDecodedInput = in
	}
	return out, nil
}
