package rollback

import (
	"testing"
	"time"

	"github.com/andersfylling/rollback/internal/frame"
	"github.com/andersfylling/rollback/internal/peer"
	"github.com/andersfylling/rollback/transport"
)

// counterHost is a trivial deterministic "simulation": its state is a
// running sum of every queue's single-byte input, mirroring
// internal/syncbuf's own counterHost test fixture one layer up.
type counterHost struct {
	t       *testing.T
	name    string
	session *Session
	counter int64
	events  []Event
}

func (h *counterHost) SaveState(f frame.Frame) interface{} { return h.counter }
func (h *counterHost) LoadState(state interface{})         { h.counter = state.(int64) }

func (h *counterHost) AdvanceFrame() {
	gi, err := h.session.SyncInput()
	if err != nil {
		h.t.Fatalf("%s: SyncInput: %v", h.name, err)
	}
	for _, in := range gi.Inputs {
		if len(in) > 0 {
			h.counter += int64(in[0])
		}
	}
}

func (h *counterHost) HandleEvent(ev Event) {
	h.events = append(h.events, ev)
}

func TestSinglePlayerSessionSynchronizesImmediately(t *testing.T) {
	host := &counterHost{t: t, name: "solo"}
	sess := NewSession(host, 1, 1)
	host.session = sess

	handle, err := sess.AddPlayer(Player{Kind: PlayerLocal})
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}

	sess.Idle()
	if sess.synchronizing {
		t.Fatal("session with no remote queues should synchronize immediately")
	}

	for i := 0; i < 10; i++ {
		if err := sess.AddLocalInput(handle, frame.Input{1}); err != nil {
			t.Fatalf("AddLocalInput at tick %d: %v", i, err)
		}
		if err := sess.IncrementFrame(); err != nil {
			t.Fatalf("IncrementFrame at tick %d: %v", i, err)
		}
	}

	if host.counter != 10 {
		t.Errorf("counter = %d, want 10", host.counter)
	}
	if sess.buffer.FrameCount() != 10 {
		t.Errorf("frame count = %d, want 10", sess.buffer.FrameCount())
	}
}

func TestAddPlayerRejectsSecondLocal(t *testing.T) {
	host := &counterHost{t: t}
	sess := NewSession(host, 2, 1)
	host.session = sess

	if _, err := sess.AddPlayer(Player{Kind: PlayerLocal}); err != nil {
		t.Fatalf("first AddPlayer: %v", err)
	}
	if _, err := sess.AddPlayer(Player{Kind: PlayerLocal}); err != ErrMultipleLocalPlayers {
		t.Errorf("second local AddPlayer error = %v, want ErrMultipleLocalPlayers", err)
	}
}

func TestGetNetworkStatsForLocalIsZero(t *testing.T) {
	host := &counterHost{t: t}
	sess := NewSession(host, 1, 1)
	host.session = sess

	handle, _ := sess.AddPlayer(Player{Kind: PlayerLocal})
	stats, err := sess.GetNetworkStats(handle)
	if err != nil {
		t.Fatalf("GetNetworkStats: %v", err)
	}
	if stats != (NetworkStats{}) {
		t.Errorf("local stats = %+v, want zero value", stats)
	}
}

// TestAddLocalInputReachesPredictionBarrier pairs two live sessions, lets
// them finish handshaking, then drives only side A. B's endpoint keeps
// sending standalone input acks on its own goroutine (so A never times it
// out), but B never sends an input packet, so A never learns B's view of any
// queue; that pins last_confirmed_frame and lets hammering the local queue
// alone walk straight into the barrier. A lone, self-confirming single-player session
// would never trip this: last_confirmed_frame would track its one queue
// every tick and the limit would never bind.
func TestAddLocalInputReachesPredictionBarrier(t *testing.T) {
	sessA, _, _, _, localA, _ := newLinkedSessions(t)

	for i := 0; i < 5; i++ {
		if err := sessA.AddLocalInput(localA, frame.Input{1}); err != nil {
			t.Fatalf("warmup AddLocalInput at tick %d: %v", i, err)
		}
		sessA.IncrementFrame()
	}

	var lastErr error
	successes := 0
	for i := 0; i < int(frame.MaxRollbackFrames)+10; i++ {
		if err := sessA.AddLocalInput(localA, frame.Input{0}); err != nil {
			lastErr = err
			break
		}
		successes++
		sessA.IncrementFrame()
	}

	if lastErr != ErrReachedPredictionBarrier {
		t.Fatalf("expected ErrReachedPredictionBarrier, got %v after %d successes", lastErr, successes)
	}
}

func newLinkedSessions(t *testing.T) (*Session, *counterHost, *Session, *counterHost, PlayerHandle, PlayerHandle) {
	t.Helper()
	ta, tb := transport.NewMemoryLink(transport.LinkConfig{}, transport.LinkConfig{})

	hostA := &counterHost{t: t, name: "A"}
	hostB := &counterHost{t: t, name: "B"}
	sessA := NewSession(hostA, 2, 1)
	sessB := NewSession(hostB, 2, 1)
	hostA.session = sessA
	hostB.session = sessB

	// Fast handshake for the test: 2 round trips instead of the default 5.
	fastCfg := peer.Config{SyncRoundtrips: 2, DisconnectNotifyStart: 2 * time.Second, DisconnectTimeout: 5 * time.Second}
	sessA.cfg = fastCfg
	sessB.cfg = fastCfg

	// Queue 0 is always "player A", queue 1 is always "player B", agreed by
	// registration order on both sides.
	localA, err := sessA.AddPlayer(Player{Kind: PlayerLocal})
	if err != nil {
		t.Fatalf("sessA local: %v", err)
	}
	if _, err := sessA.AddPlayer(Player{Kind: PlayerRemote, Peer: ta}); err != nil {
		t.Fatalf("sessA remote: %v", err)
	}
	if _, err := sessB.AddPlayer(Player{Kind: PlayerRemote, Peer: tb}); err != nil {
		t.Fatalf("sessB remote: %v", err)
	}
	localB, err := sessB.AddPlayer(Player{Kind: PlayerLocal})
	if err != nil {
		t.Fatalf("sessB local: %v", err)
	}

	sessA.SetFrameDelay(localA, 2)
	sessB.SetFrameDelay(localB, 2)

	t.Cleanup(func() {
		sessA.Close()
		sessB.Close()
	})

	waitUntilRunning(t, sessA, sessB)
	return sessA, hostA, sessB, hostB, localA, localB
}

func waitUntilRunning(t *testing.T, sessA, sessB *Session) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		sessA.Idle()
		sessB.Idle()
		if !sessA.synchronizing && !sessB.synchronizing {
			return
		}
		select {
		case <-tick.C:
		case <-deadline:
			t.Fatalf("sessions never reached Running (A.synchronizing=%v B.synchronizing=%v)", sessA.synchronizing, sessB.synchronizing)
		}
	}
}

func TestTwoSessionsReachRunningAndAdvance(t *testing.T) {
	sessA, _, sessB, _, localA, localB := newLinkedSessions(t)

	const ticks = 60
	for i := 0; i < ticks; i++ {
		if err := sessA.AddLocalInput(localA, frame.Input{1}); err != nil {
			t.Fatalf("sessA AddLocalInput at tick %d: %v", i, err)
		}
		if err := sessB.AddLocalInput(localB, frame.Input{1}); err != nil {
			t.Fatalf("sessB AddLocalInput at tick %d: %v", i, err)
		}
		if err := sessA.IncrementFrame(); err != nil {
			t.Fatalf("sessA IncrementFrame at tick %d: %v", i, err)
		}
		if err := sessB.IncrementFrame(); err != nil {
			t.Fatalf("sessB IncrementFrame at tick %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if sessA.buffer.FrameCount() != ticks {
		t.Errorf("sessA frame count = %d, want %d", sessA.buffer.FrameCount(), ticks)
	}
	if sessB.buffer.FrameCount() != ticks {
		t.Errorf("sessB frame count = %d, want %d", sessB.buffer.FrameCount(), ticks)
	}

	// Give the network a little longer to converge once input stops flowing.
	deadline := time.After(2 * time.Second)
	for sessA.buffer.LastConfirmedFrame() == 0 && sessB.buffer.LastConfirmedFrame() == 0 {
		sessA.Idle()
		sessB.Idle()
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("neither session ever confirmed a frame past 0")
		}
	}
}
