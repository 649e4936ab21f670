// Package syncbuf implements the Input Sync Buffer: the per-queue,
// frame-indexed input store that backs prediction, confirmation, and
// rollback. It generalizes internal/client's PredictionBuffer/Reconciler
// pair (record inputs and states, compare, restore-and-replay on mismatch)
// from one client predicting a single remote server to N independently
// predicted queues.
package syncbuf

import "github.com/andersfylling/rollback/internal/frame"

// Callbacks is the subset of the host simulation surface the buffer needs to
// drive rollback and replay; it mirrors internal/game.World's Snapshot,
// Restore, and Update, generalized to an opaque host-owned state value.
type Callbacks interface {
	SaveState(f frame.Frame) interface{}
	LoadState(state interface{})
	AdvanceFrame()
}

// Buffer is the Input Sync Buffer for one session. It is not safe for
// concurrent use: per spec.md §5 it is owned by the session thread alone.
type Buffer struct {
	callbacks Callbacks
	inputSize int

	queues             []queueRing
	savedStates        stateRing
	frameCount         frame.Frame
	lastConfirmedFrame frame.Frame
	rollbackTo         frame.Frame
	inRollback         bool
}

// New allocates a buffer for playerCount queues, each holding inputs of
// inputSize bytes.
func New(callbacks Callbacks, playerCount, inputSize int) *Buffer {
	return &Buffer{
		callbacks:          callbacks,
		inputSize:          inputSize,
		queues:             make([]queueRing, playerCount),
		lastConfirmedFrame: 0,
		rollbackTo:         frame.NullFrame,
	}
}

// FrameCount returns the highest frame the simulation has advanced to.
func (b *Buffer) FrameCount() frame.Frame { return b.frameCount }

// LastConfirmedFrame returns the greatest frame confirmed for every
// non-disconnected queue.
func (b *Buffer) LastConfirmedFrame() frame.Frame { return b.lastConfirmedFrame }

// InRollback reports whether a replay is currently in progress.
func (b *Buffer) InRollback() bool { return b.inRollback }

// HasPendingRollback reports whether a mispredict has been recorded but not
// yet replayed by CheckSimulation.
func (b *Buffer) HasPendingRollback() bool { return !b.rollbackTo.IsNull() }

// SetFrameDelay sets queue's input delay: input added at frame F is
// delivered to the simulation at F+delay.
func (b *Buffer) SetFrameDelay(queue, delay int) {
	b.queues[queue].delay = delay
}

// AddLocalInput assigns input the frame frame_count+frame_delay[queue],
// stores it as confirmed (the local queue is always authoritative for its
// own input), and returns the assigned frame. It fails with
// ErrReachedPredictionBarrier if that frame would exceed
// last_confirmed_frame+MaxRollbackFrames.
func (b *Buffer) AddLocalInput(queue int, input frame.Input) (frame.Frame, error) {
	q := &b.queues[queue]
	f := b.frameCount + frame.Frame(q.delay)
	if f > b.lastConfirmedFrame+frame.MaxRollbackFrames {
		return frame.NullFrame, frame.ErrReachedPredictionBarrier
	}
	q.set(f, entry{input: input.Clone(), confirmed: true})
	return f, nil
}

// AddRemoteInput inserts a peer-confirmed input at its given frame. If that
// frame already held a prediction that disagrees with the newly confirmed
// value, a rollback to the earliest such frame is scheduled; otherwise the
// slot is simply upgraded from predicted to confirmed.
func (b *Buffer) AddRemoteInput(queue int, fi frame.FrameInput) {
	q := &b.queues[queue]
	if existing, ok := q.get(fi.Frame); ok && !existing.confirmed && existing.input != nil {
		if !existing.input.Equal(fi.Input) {
			if b.rollbackTo.IsNull() || fi.Frame < b.rollbackTo {
				b.rollbackTo = fi.Frame
			}
		}
	}
	q.set(fi.Frame, entry{input: fi.Input.Clone(), confirmed: true})
}

// SynchronizeInputs returns the synchronized view of every queue's input for
// frame_count: the confirmed value where known, else the most recently known
// input reused as a prediction (or a zeroed input if none exists yet). Every
// value served this way is also persisted back into the queue's ring at
// frame_count, the way backroll-rs's InputQueue always records what it
// served — add_remote_input (AddRemoteInput) depends on finding a prediction
// there to compare a later-confirmed value against and schedule a rollback
// on mismatch.
func (b *Buffer) SynchronizeInputs() frame.GameInput {
	inputs := make([]frame.Input, len(b.queues))
	var mask uint8

	for i := range b.queues {
		q := &b.queues[i]
		if e, ok := q.get(b.frameCount); ok && e.input != nil {
			inputs[i] = e.input
			if !e.confirmed {
				mask |= 1 << uint(i)
			}
			continue
		}
		var served frame.Input
		if e, _, ok := q.latest(); ok {
			served = e.input.Clone()
		} else {
			served = make(frame.Input, b.inputSize)
		}
		inputs[i] = served
		mask |= 1 << uint(i)
		q.set(b.frameCount, entry{input: served, confirmed: false})
	}

	return frame.GameInput{Frame: b.frameCount, Inputs: inputs, PredictedMask: mask}
}

// IncrementFrame saves the host state for frame_count and advances
// frame_count by one. Per the data model, saved_states[F] is the state as of
// immediately *before* frame F is simulated — callers must invoke
// IncrementFrame right after SynchronizeInputs and before applying its
// GameInput to the host simulation, not after.
func (b *Buffer) IncrementFrame() {
	b.savedStates.set(b.frameCount, b.callbacks.SaveState(b.frameCount))
	b.frameCount++
}

// CheckSimulation, if a rollback is pending, restores the saved state at the
// earliest disagreeing frame and replays forward to the frame the
// simulation had reached before the rollback was discovered. The in-rollback
// flag is raised for the duration.
func (b *Buffer) CheckSimulation() {
	if b.rollbackTo.IsNull() {
		return
	}
	target := b.rollbackTo
	b.rollbackTo = frame.NullFrame

	b.inRollback = true
	b.replayFrom(target)
	b.inRollback = false
}

// SetLastConfirmedFrame marks every queue confirmed through f, discards
// saved states older than f, and raises last_confirmed_frame to f.
func (b *Buffer) SetLastConfirmedFrame(f frame.Frame) {
	for i := range b.queues {
		b.queues[i].confirmThrough(f)
		b.queues[i].pruneBefore(f)
	}
	b.savedStates.pruneBefore(f)
	b.lastConfirmedFrame = f
}

// AdjustSimulation restores to frame f and replays forward to the frame the
// simulation had reached, used during disconnect reconciliation to rewind
// past frames that were predicted with a queue that is now known
// disconnected.
func (b *Buffer) AdjustSimulation(f frame.Frame) {
	b.replayFrom(f)
}

// ConfirmedInputAt returns the confirmed input for every queue at frame f,
// for forwarding to spectators. ok is false if any queue's entry at f is
// missing or still a prediction.
func (b *Buffer) ConfirmedInputAt(f frame.Frame) (frame.GameInput, bool) {
	inputs := make([]frame.Input, len(b.queues))
	for i := range b.queues {
		e, ok := b.queues[i].get(f)
		if !ok || e.input == nil || !e.confirmed {
			return frame.GameInput{}, false
		}
		inputs[i] = e.input
	}
	return frame.GameInput{Frame: f, Inputs: inputs}, true
}

// replayFrom restores the saved (pre-target) state (doing nothing if it has
// already been pruned) then re-simulates frames target, target+1, ...,
// replayTo-1 in order, where replayTo is the frame_count in effect when
// replayFrom was called. Each freshly re-simulated frame's resulting state is
// re-saved as the new pre-(frame+1) snapshot, overwriting the now-stale
// speculative one.
func (b *Buffer) replayFrom(target frame.Frame) {
	state, ok := b.savedStates.get(target)
	if !ok {
		return
	}
	b.callbacks.LoadState(state)

	replayTo := b.frameCount
	b.frameCount = target
	for b.frameCount < replayTo {
		b.callbacks.AdvanceFrame()
		b.frameCount++
		if b.frameCount < replayTo {
			b.savedStates.set(b.frameCount, b.callbacks.SaveState(b.frameCount))
		}
	}
}
