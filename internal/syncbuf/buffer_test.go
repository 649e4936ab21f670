package syncbuf

import (
	"testing"

	"github.com/andersfylling/rollback/internal/frame"
)

// counterHost is a deterministic fake simulation: its state is a running
// sum of every queue's single input byte. It is used both as the buffer's
// Callbacks implementation (so CheckSimulation/AdjustSimulation can replay
// through it) and, via apply, to drive the non-replay path a real host would
// drive itself.
type counterHost struct {
	buf     *Buffer
	counter int64
}

func (h *counterHost) SaveState(f frame.Frame) interface{} { return h.counter }

func (h *counterHost) LoadState(s interface{}) { h.counter = s.(int64) }

func (h *counterHost) AdvanceFrame() { h.applyCurrentFrame() }

func (h *counterHost) applyCurrentFrame() {
	h.apply(h.buf.SynchronizeInputs())
}

func (h *counterHost) apply(gi frame.GameInput) {
	for _, in := range gi.Inputs {
		if len(in) > 0 {
			h.counter += int64(in[0])
		}
	}
}

func newHarness(playerCount int) (*Buffer, *counterHost) {
	host := &counterHost{}
	buf := New(host, playerCount, 1)
	host.buf = buf
	return buf, host
}

// tick drives one frame the way a host is expected to: synchronize, save
// the pre-frame snapshot, then apply the frame.
func tick(buf *Buffer, host *counterHost) {
	gi := buf.SynchronizeInputs()
	buf.IncrementFrame()
	host.apply(gi)
}

func TestHappyPathNoRollback(t *testing.T) {
	buf, host := newHarness(2)

	for f := 0; f < 20; f++ {
		if _, err := buf.AddLocalInput(0, frame.Input{1}); err != nil {
			t.Fatalf("frame %d: AddLocalInput: %v", f, err)
		}
		buf.AddRemoteInput(1, frame.FrameInput{Frame: frame.Frame(f), Input: frame.Input{2}})
		gi := buf.SynchronizeInputs()
		if gi.PredictedMask != 0 {
			t.Fatalf("frame %d: expected no predictions, got mask %08b", f, gi.PredictedMask)
		}
		tick(buf, host)
	}

	if buf.HasPendingRollback() {
		t.Fatal("no rollback should be scheduled when every remote input was confirmed before use")
	}
	if want := int64(20 * 3); host.counter != want {
		t.Fatalf("counter = %d, want %d", host.counter, want)
	}
}

func TestMispredictTriggersRollbackAndCorrectsState(t *testing.T) {
	buf, host := newHarness(2)

	// Frames 0-4: queue 1 has no remote input yet, so every frame predicts
	// its input as the zero value.
	for f := 0; f < 5; f++ {
		buf.AddLocalInput(0, frame.Input{1})
		tick(buf, host)
	}
	if !buf.SynchronizeInputs().Predicted(1) {
		t.Fatal("queue 1 should still be predicted before any remote input arrives")
	}

	// The remote peer's real input for frames 0-4 turns out to be non-zero:
	// every one of those frames was mispredicted.
	for f := 0; f < 5; f++ {
		buf.AddRemoteInput(1, frame.FrameInput{Frame: frame.Frame(f), Input: frame.Input{5}})
	}
	if !buf.HasPendingRollback() {
		t.Fatal("conflicting remote input should have scheduled a rollback")
	}

	buf.CheckSimulation()

	if buf.HasPendingRollback() {
		t.Fatal("CheckSimulation should clear the pending rollback")
	}
	if buf.InRollback() {
		t.Fatal("InRollback should be false once CheckSimulation returns")
	}
	if buf.FrameCount() != 5 {
		t.Fatalf("FrameCount = %d, want 5 (rollback must not change frame_count)", buf.FrameCount())
	}
	// Every frame now applies queue 0's 1 plus queue 1's corrected 5.
	if want := int64(5 * 6); host.counter != want {
		t.Fatalf("counter after rollback = %d, want %d", host.counter, want)
	}
}

func TestReachedPredictionBarrier(t *testing.T) {
	buf, _ := newHarness(1)

	var lastErr error
	var assigned frame.Frame
	for i := 0; i < int(frame.MaxRollbackFrames)+5; i++ {
		f, err := buf.AddLocalInput(0, frame.Input{byte(i)})
		if err != nil {
			lastErr = err
			break
		}
		assigned = f
		// Advance frame_count as a real host would each tick; last_confirmed_frame
		// stays at 0 throughout, so the barrier is reached after exactly
		// MaxRollbackFrames+1 successful assignments (frames 0..MaxRollbackFrames).
		buf.IncrementFrame()
	}

	if lastErr != frame.ErrReachedPredictionBarrier {
		t.Fatalf("got err=%v, want ErrReachedPredictionBarrier", lastErr)
	}
	if assigned != frame.MaxRollbackFrames {
		t.Fatalf("last successfully assigned frame = %d, want %d", assigned, frame.MaxRollbackFrames)
	}
}

func TestSetLastConfirmedFramePrunesAndConfirms(t *testing.T) {
	buf, host := newHarness(1)

	for f := 0; f < 10; f++ {
		buf.AddLocalInput(0, frame.Input{1})
		tick(buf, host)
	}

	buf.SetLastConfirmedFrame(8)
	if buf.LastConfirmedFrame() != 8 {
		t.Fatalf("LastConfirmedFrame = %d, want 8", buf.LastConfirmedFrame())
	}
	if _, ok := buf.queues[0].get(7); ok {
		t.Fatal("queue entry for frame 7 should have been pruned")
	}
	if _, ok := buf.savedStates.get(7); ok {
		t.Fatal("saved state for frame 7 should have been pruned")
	}
	if e, ok := buf.queues[0].get(8); !ok || !e.confirmed {
		t.Fatal("queue entry for frame 8 should be kept and confirmed")
	}

	// The barrier is now relative to 8, so local input should be accepted up
	// to frame 8+MaxRollbackFrames and rejected just past it.
	buf2, _ := newHarness(1)
	for f := 0; f < 8; f++ {
		buf2.AddLocalInput(0, frame.Input{1})
		buf2.IncrementFrame()
	}
	buf2.SetLastConfirmedFrame(8)
	if _, err := buf2.AddLocalInput(0, frame.Input{1}); err != nil {
		t.Fatalf("AddLocalInput immediately after confirming should still succeed: %v", err)
	}
	buf2.IncrementFrame()
	for f := frame.Frame(9); f <= 8+frame.MaxRollbackFrames; f++ {
		if _, err := buf2.AddLocalInput(0, frame.Input{1}); err != nil {
			t.Fatalf("frame %d: AddLocalInput within the barrier: %v", f, err)
		}
		buf2.IncrementFrame()
	}
	if _, err := buf2.AddLocalInput(0, frame.Input{1}); err != frame.ErrReachedPredictionBarrier {
		t.Fatalf("frame %d: got err=%v, want ErrReachedPredictionBarrier", buf2.FrameCount(), err)
	}
}

func TestAdjustSimulationRewindsForDisconnectReconciliation(t *testing.T) {
	buf, host := newHarness(2)

	for f := 0; f < 10; f++ {
		buf.AddLocalInput(0, frame.Input{1})
		buf.AddRemoteInput(1, frame.FrameInput{Frame: frame.Frame(f), Input: frame.Input{1}})
		tick(buf, host)
	}
	if want := int64(20); host.counter != want {
		t.Fatalf("counter before adjust = %d, want %d", host.counter, want)
	}

	// Queue 1 is discovered disconnected as of frame 4: re-run frames 4-9
	// as if queue 1 contributed nothing from that point on. Overwrite its
	// tail so the replay sees zero instead of the original confirmed 1s.
	for f := 4; f < 10; f++ {
		buf.queues[1].entries[f-int(buf.queues[1].base)] = entry{input: frame.Input{0}, confirmed: true}
	}

	buf.AdjustSimulation(4)

	if buf.FrameCount() != 10 {
		t.Fatalf("FrameCount = %d, want 10 (AdjustSimulation must not change frame_count)", buf.FrameCount())
	}
	// Frames 0-3 unaffected (4 each), frames 4-9 now only queue 0's 1 (6 of them).
	if want := int64(4*2 + 6*1); host.counter != want {
		t.Fatalf("counter after adjust = %d, want %d", host.counter, want)
	}
}
