package syncbuf

import "github.com/andersfylling/rollback/internal/frame"

// entry is one queue's record for a single frame: the input itself, and
// whether it is confirmed (came from the local player or a remote ack) or a
// standing prediction.
type entry struct {
	input     frame.Input
	confirmed bool
}

// queueRing stores one player-queue's inputs densely from queueRing.base
// onward, generalizing internal/client.PredictionBuffer's flat slice-plus-
// prune design to a frame-indexed ring rather than an append-order FIFO, so
// that add_remote_input can land out of append order at an arbitrary frame.
type queueRing struct {
	base    frame.Frame
	entries []entry
	delay   int
}

func (q *queueRing) get(f frame.Frame) (entry, bool) {
	idx := int(f - q.base)
	if idx < 0 || idx >= len(q.entries) {
		return entry{}, false
	}
	return q.entries[idx], true
}

func (q *queueRing) set(f frame.Frame, e entry) {
	if len(q.entries) == 0 {
		q.base = f
	}
	idx := int(f - q.base)
	if idx < 0 {
		return
	}
	for idx >= len(q.entries) {
		q.entries = append(q.entries, entry{})
	}
	q.entries[idx] = e
}

// latest returns the most recently stored non-empty entry and its frame.
func (q *queueRing) latest() (entry, frame.Frame, bool) {
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].input != nil {
			return q.entries[i], q.base + frame.Frame(i), true
		}
	}
	return entry{}, frame.NullFrame, false
}

// confirmThrough marks every stored entry at or before f as confirmed, so
// that a later synchronizeInputs never reports a frame that has already been
// folded into last_confirmed_frame as predicted.
func (q *queueRing) confirmThrough(f frame.Frame) {
	end := int(f-q.base) + 1
	if end > len(q.entries) {
		end = len(q.entries)
	}
	for i := 0; i < end; i++ {
		if q.entries[i].input != nil {
			q.entries[i].confirmed = true
		}
	}
}

// pruneBefore discards entries strictly before f.
func (q *queueRing) pruneBefore(f frame.Frame) {
	cut := int(f - q.base)
	if cut <= 0 {
		return
	}
	if cut > len(q.entries) {
		cut = len(q.entries)
	}
	q.entries = q.entries[cut:]
	q.base += frame.Frame(cut)
}

// stateRing is the saved-state arena: one host state per frame, bounded to
// MaxRollbackFrames+1 entries (every frame in [last_confirmed_frame,
// frame_count] needs a state per spec.md's invariant).
type stateRing struct {
	base    frame.Frame
	entries []interface{}
}

func (r *stateRing) set(f frame.Frame, s interface{}) {
	if len(r.entries) == 0 {
		r.base = f
	}
	idx := int(f - r.base)
	if idx < 0 {
		return
	}
	for idx >= len(r.entries) {
		r.entries = append(r.entries, nil)
	}
	r.entries[idx] = s
	r.trim()
}

func (r *stateRing) get(f frame.Frame) (interface{}, bool) {
	idx := int(f - r.base)
	if idx < 0 || idx >= len(r.entries) || r.entries[idx] == nil {
		return nil, false
	}
	return r.entries[idx], true
}

func (r *stateRing) pruneBefore(f frame.Frame) {
	cut := int(f - r.base)
	if cut <= 0 {
		return
	}
	if cut > len(r.entries) {
		cut = len(r.entries)
	}
	r.entries = r.entries[cut:]
	r.base += frame.Frame(cut)
}

// trim bounds the ring to MaxRollbackFrames+1 slots by dropping the oldest
// entry, mirroring the spec's "arena-allocated ring sized to
// MAX_ROLLBACK_FRAMES" design note.
func (r *stateRing) trim() {
	const capacity = frame.MaxRollbackFrames + 1
	if drop := len(r.entries) - capacity; drop > 0 {
		r.entries = r.entries[drop:]
		r.base += frame.Frame(drop)
	}
}
