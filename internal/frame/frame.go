// Package frame defines the data model shared by every rollback component:
// the frame index, the per-player input tuple, and the connection status
// slots that the session and every peer endpoint read and write.
package frame

import "bytes"

// Frame is a signed simulation tick index. Frames increase monotonically from
// 0 within a session.
type Frame int32

// NullFrame denotes "no frame".
const NullFrame Frame = -1

// IsNull reports whether f is the null frame.
func (f Frame) IsNull() bool {
	return f < 0
}

// MaxPlayers is the compile-time cap on players sharing a session.
const MaxPlayers = 8

// PlayerHandle identifies a player's queue, stable for the life of a session.
type PlayerHandle int

// MaxRollbackFrames bounds how far frame_count may run ahead of
// last_confirmed_frame before add_local_input fails with
// ErrReachedPredictionBarrier.
const MaxRollbackFrames = 120

// RecommendationInterval is the minimum number of frames between TimeSync
// events for the same direction of drift.
const RecommendationInterval Frame = 240

// Input is an opaque, fixed-size, bit-copyable value supplied by the host.
// Equality is bitwise. The session fixes its length at construction time and
// never inspects its contents beyond that.
type Input []byte

// Equal reports whether two inputs are bitwise identical.
func (in Input) Equal(other Input) bool {
	return bytes.Equal(in, other)
}

// Clone returns an independent copy of in.
func (in Input) Clone() Input {
	out := make(Input, len(in))
	copy(out, in)
	return out
}

// FrameInput pairs a frame with the input recorded for it.
type FrameInput struct {
	Frame Frame
	Input Input
}

// IsNull reports whether this FrameInput carries no frame.
func (fi FrameInput) IsNull() bool {
	return fi.Frame.IsNull()
}

// GameInput is the synchronized view of every queue's input for one frame,
// plus a bitmask of which queues were served by prediction rather than a
// confirmed value.
type GameInput struct {
	Frame         Frame
	Inputs        []Input
	PredictedMask uint8
}

// Predicted reports whether queue's slot in g was a prediction.
func (g GameInput) Predicted(queue int) bool {
	return g.PredictedMask&(1<<uint(queue)) != 0
}

// ConnectionStatus describes one queue's connection state as seen from a
// particular vantage point: the local session's own view, or a single peer
// endpoint's view of every other queue. Initialized with Disconnected=false
// and LastFrame=NullFrame.
type ConnectionStatus struct {
	Disconnected bool
	LastFrame    Frame
}

// NewConnectionStatus returns the zero-value status per spec: connected, no
// frames seen yet.
func NewConnectionStatus() ConnectionStatus {
	return ConnectionStatus{LastFrame: NullFrame}
}
