// Package rollback is the Session Backend: it binds local and remote players
// to input queues, drives per-tick polling across peer endpoints, computes
// the globally confirmed frame, triggers rollbacks, issues timesync
// recommendations, and dispatches disconnect logic. It generalizes
// internal/server.Session (the teacher's authoritative per-client session)
// from a server-owns-truth model to a peer-to-peer one where every
// participant runs its own copy of this package.
package rollback

import (
	"time"

	"github.com/andersfylling/rollback/internal/frame"
	"github.com/andersfylling/rollback/internal/peer"
	"github.com/andersfylling/rollback/internal/syncbuf"
	"github.com/andersfylling/rollback/transport"
)

// PlayerHandle identifies a registered player's queue.
type PlayerHandle = frame.PlayerHandle

// Event and EventKind are the host-visible lifecycle notifications;
// aliased from internal/frame so the root package is the only import a host
// needs.
type Event = frame.Event
type EventKind = frame.EventKind

const (
	EventConnected             = frame.EventConnected
	EventSynchronizing         = frame.EventSynchronizing
	EventSynchronized          = frame.EventSynchronized
	EventRunning               = frame.EventRunning
	EventDisconnected          = frame.EventDisconnected
	EventTimeSync              = frame.EventTimeSync
	EventConnectionInterrupted = frame.EventConnectionInterrupted
	EventConnectionResumed     = frame.EventConnectionResumed
)

// Error taxonomy per spec.md §7, re-exported from internal/frame so callers
// never import it directly.
var (
	ErrReachedPredictionBarrier = frame.ErrReachedPredictionBarrier
	ErrInRollback               = frame.ErrInRollback
	ErrNotSynchronized          = frame.ErrNotSynchronized
	ErrMultipleLocalPlayers     = frame.ErrMultipleLocalPlayers
	ErrInvalidPlayer            = frame.ErrInvalidPlayer
	ErrPlayerDisconnected       = frame.ErrPlayerDisconnected
)

// NetworkStats is a point-in-time snapshot of one peer's connection quality.
type NetworkStats = peer.NetworkStatsSnapshot

// SessionCallbacks is the host surface the core consumes: save/load/advance
// a deterministic simulation, and receive lifecycle events.
type SessionCallbacks interface {
	// SaveState returns a snapshot of the host's state for frame f, cheaply
	// cloneable; the session never mutates or inspects it.
	SaveState(f frame.Frame) interface{}
	// LoadState restores host state previously returned by SaveState.
	LoadState(state interface{})
	// AdvanceFrame simulates one frame using whatever SyncInput would
	// currently return; typically calls Session.SyncInput itself.
	AdvanceFrame()
	// HandleEvent delivers an asynchronous lifecycle notification. Called
	// only from the same thread that drives IncrementFrame.
	HandleEvent(ev Event)
}

// PlayerKind discriminates the three roles a queue slot can hold.
type PlayerKind int

const (
	playerKindUnset PlayerKind = iota
	PlayerLocal
	PlayerRemote
	PlayerSpectator
)

// Player describes a participant to register with AddPlayer. Peer is nil
// for PlayerLocal and required for PlayerRemote/PlayerSpectator.
type Player struct {
	Kind PlayerKind
	Peer transport.Peer
}

type queueInfo struct {
	kind     PlayerKind
	endpoint *peer.Endpoint
}

type spectatorInfo struct {
	endpoint  *peer.Endpoint
	nextFrame frame.Frame
}

// infFrame stands in for the min-frame algorithm's "+infinity" sentinel; any
// real last_frame value is far below it.
const infFrame = frame.Frame(1 << 30)

// Session is the Session Backend for one local participant. It is owned by
// exactly one caller per spec.md §5 — every mutating method below must run
// on that single thread. Peer endpoints run concurrently in their own
// goroutines and only ever touch Session state through the shared
// localView arena and their own event queues.
type Session struct {
	host        SessionCallbacks
	playerCount int
	inputSize   int

	buffer    *syncbuf.Buffer
	localView frame.StatusArena

	queues      []queueInfo
	spectators  []spectatorInfo
	hasLocal    bool
	localHandle PlayerHandle

	cfg peer.Config

	synchronizing        bool
	nextRecommendedSleep frame.Frame
}

type hostAdapter struct{ host SessionCallbacks }

func (h hostAdapter) SaveState(f frame.Frame) interface{} { return h.host.SaveState(f) }
func (h hostAdapter) LoadState(state interface{})         { h.host.LoadState(state) }
func (h hostAdapter) AdvanceFrame()                       { h.host.AdvanceFrame() }

// NewSession allocates a session for playerCount input queues (local and
// remote players only — spectators are registered separately and don't
// occupy a queue slot), each carrying inputSize bytes of input. The session
// starts synchronizing: AddLocalInput and SyncInput refuse until every
// remote queue completes its handshake.
func NewSession(host SessionCallbacks, playerCount, inputSize int) *Session {
	s := &Session{
		host:                 host,
		playerCount:          playerCount,
		inputSize:            inputSize,
		localView:            frame.NewStatusArena(playerCount),
		queues:               make([]queueInfo, playerCount),
		cfg:                  peer.DefaultConfig(),
		synchronizing:        true,
		nextRecommendedSleep: frame.RecommendationInterval,
	}
	s.buffer = syncbuf.New(hostAdapter{host}, playerCount, inputSize)
	return s
}

// AddPlayer registers a participant and starts its peer endpoint (for
// Remote and Spectator kinds). Local and Remote players consume the next
// free queue slot in registration order; Spectator handles are issued from
// a separate range past playerCount since spectators don't occupy a queue.
func (s *Session) AddPlayer(p Player) (PlayerHandle, error) {
	switch p.Kind {
	case PlayerLocal:
		if s.hasLocal {
			return 0, ErrMultipleLocalPlayers
		}
		idx := s.nextFreeQueue()
		if idx < 0 {
			return 0, ErrInvalidPlayer
		}
		s.queues[idx] = queueInfo{kind: PlayerLocal}
		s.hasLocal = true
		s.localHandle = PlayerHandle(idx)
		return PlayerHandle(idx), nil

	case PlayerRemote:
		idx := s.nextFreeQueue()
		if idx < 0 {
			return 0, ErrInvalidPlayer
		}
		ep := peer.NewEndpoint(p.Peer, idx, s.playerCount, s.inputSize, s.localView, func(fi frame.FrameInput) {
			s.buffer.AddRemoteInput(idx, fi)
			// local_connect_status[idx] records how far this session has
			// itself received queue idx's input, per spec.md §5's "writers
			// are rare — on ack" note; disconnect latches still win.
			cur := s.localView.Get(idx)
			if !cur.Disconnected && fi.Frame > cur.LastFrame {
				s.localView.Set(idx, frame.ConnectionStatus{LastFrame: fi.Frame})
			}
		})
		ep.SetConfig(s.cfg)
		ep.Start()
		s.queues[idx] = queueInfo{kind: PlayerRemote, endpoint: ep}
		return PlayerHandle(idx), nil

	case PlayerSpectator:
		handle := PlayerHandle(s.playerCount + len(s.spectators))
		// A spectator receives every queue's confirmed input concatenated
		// into one combined blob (see forwardToSpectator), so its endpoint
		// is sized for playerCount inputs rather than one.
		ep := peer.NewEndpoint(p.Peer, int(handle), s.playerCount, s.inputSize*s.playerCount, s.localView, nil)
		ep.SetConfig(s.cfg)
		ep.Start()
		s.spectators = append(s.spectators, spectatorInfo{endpoint: ep})
		return handle, nil

	default:
		return 0, ErrInvalidPlayer
	}
}

func (s *Session) nextFreeQueue() int {
	for i, q := range s.queues {
		if q.kind == playerKindUnset {
			return i
		}
	}
	return -1
}

// AddLocalInput assigns fi the frame frame_count+frame_delay[handle], stores
// it in the Input Sync Buffer, and broadcasts it to every remote endpoint.
// Spectators receive inputs separately, via do_poll's confirmed-forwarding
// path, not this broadcast.
func (s *Session) AddLocalInput(handle PlayerHandle, input frame.Input) error {
	if s.buffer.InRollback() {
		return ErrInRollback
	}
	if s.synchronizing {
		return ErrNotSynchronized
	}
	idx := int(handle)
	if idx < 0 || idx >= len(s.queues) || s.queues[idx].kind != PlayerLocal {
		return ErrInvalidPlayer
	}
	if s.localView.Get(idx).Disconnected {
		return ErrPlayerDisconnected
	}

	f, err := s.buffer.AddLocalInput(idx, input)
	if err != nil {
		return err
	}
	if f.IsNull() {
		return nil
	}
	s.localView.Set(idx, frame.ConnectionStatus{LastFrame: f})
	for i := range s.queues {
		if i == idx {
			continue
		}
		if ep := s.queues[i].endpoint; ep != nil {
			ep.PushLocalInput(frame.FrameInput{Frame: f, Input: input})
		}
	}
	return nil
}

// SyncInput returns the synchronized view of every queue's input for the
// current frame. It refuses while the session is still synchronizing.
func (s *Session) SyncInput() (frame.GameInput, error) {
	if s.synchronizing {
		return frame.GameInput{}, ErrNotSynchronized
	}
	return s.buffer.SynchronizeInputs(), nil
}

// IncrementFrame advances the Input Sync Buffer and runs one do_poll pass.
func (s *Session) IncrementFrame() error {
	if s.buffer.InRollback() {
		return ErrInRollback
	}
	s.drainEvents()
	s.buffer.IncrementFrame()
	s.doPoll()
	return nil
}

// Idle runs a do_poll pass without advancing frame_count, for hosts that
// want to service network I/O between simulation ticks.
func (s *Session) Idle() {
	s.drainEvents()
	s.doPoll()
}

func (s *Session) drainEvents() {
	for i := range s.queues {
		ep := s.queues[i].endpoint
		if ep == nil {
			continue
		}
		for _, ev := range ep.PollEvents() {
			s.host.HandleEvent(ev)
		}
	}
	for i := range s.spectators {
		ep := s.spectators[i].endpoint
		if ep == nil {
			continue
		}
		for _, ev := range ep.PollEvents() {
			s.host.HandleEvent(ev)
		}
	}
	s.checkInitialSync()
}

// checkInitialSync clears synchronizing and emits Running once every
// non-local queue has either reached Running/Interrupted (handshake done,
// connection merely quiet) or Disconnected.
func (s *Session) checkInitialSync() {
	if !s.synchronizing {
		return
	}
	for i := range s.queues {
		q := &s.queues[i]
		if q.kind == playerKindUnset || q.kind == PlayerLocal || q.endpoint == nil {
			continue
		}
		switch q.endpoint.State() {
		case peer.StateRunning, peer.StateInterrupted, peer.StateDisconnected:
		default:
			return
		}
	}
	s.synchronizing = false
	s.host.HandleEvent(Event{Kind: EventRunning})
}

func (s *Session) doPoll() {
	if s.buffer.InRollback() || s.synchronizing {
		return
	}
	s.buffer.CheckSimulation()

	cur := s.buffer.FrameCount()
	for i := range s.queues {
		if ep := s.queues[i].endpoint; ep != nil {
			ep.SetLocalFrame(cur)
		}
	}
	for i := range s.spectators {
		if ep := s.spectators[i].endpoint; ep != nil {
			ep.SetLocalFrame(cur)
		}
	}

	minFrame := s.computeMinFrame()
	if !minFrame.IsNull() {
		for i := range s.spectators {
			s.forwardToSpectator(i, minFrame)
		}
		s.buffer.SetLastConfirmedFrame(minFrame)
	}

	if cur > s.nextRecommendedSleep {
		max := 0
		for i := range s.queues {
			ep := s.queues[i].endpoint
			if ep == nil {
				continue
			}
			if r := ep.RecommendFrameDelay(); r > max {
				max = r
			}
		}
		if max > 0 {
			s.host.HandleEvent(Event{Kind: EventTimeSync, FramesAhead: uint8(max)})
			s.nextRecommendedSleep = cur + frame.RecommendationInterval
		}
	}
}

// computeMinFrame implements the N-player min-frame algorithm of spec.md
// §4.4, including disconnect reconciliation.
func (s *Session) computeMinFrame() frame.Frame {
	minFrame := infFrame
	any := false

	for q := 0; q < s.playerCount; q++ {
		if s.queues[q].kind == playerKindUnset {
			continue
		}
		queueMin := infFrame
		queueConnected := true

		for p := 0; p < s.playerCount; p++ {
			ep := s.queues[p].endpoint
			if ep == nil || ep.State() != peer.StateRunning {
				continue
			}
			pv := ep.PeerViewOf(q)
			if pv.Disconnected {
				queueConnected = false
			}
			if pv.LastFrame < queueMin {
				queueMin = pv.LastFrame
			}
		}

		local := s.localView.Get(q)
		if !local.Disconnected && local.LastFrame < queueMin {
			queueMin = local.LastFrame
		}

		switch {
		case queueConnected:
			any = true
			if queueMin < minFrame {
				minFrame = queueMin
			}
		case !local.Disconnected || local.LastFrame > queueMin:
			s.disconnectQueueAt(q, queueMin)
		}
	}

	if !any {
		return frame.NullFrame
	}
	return minFrame
}

func (s *Session) forwardToSpectator(i int, minFrame frame.Frame) {
	sp := &s.spectators[i]
	if sp.endpoint == nil {
		return
	}
	for f := sp.nextFrame; f <= minFrame; f++ {
		gi, ok := s.buffer.ConfirmedInputAt(f)
		if !ok {
			break
		}
		sp.endpoint.PushLocalInput(frame.FrameInput{Frame: f, Input: concatInputs(gi.Inputs)})
		sp.nextFrame = f + 1
	}
}

func concatInputs(inputs []frame.Input) frame.Input {
	total := 0
	for _, in := range inputs {
		total += len(in)
	}
	out := make(frame.Input, 0, total)
	for _, in := range inputs {
		out = append(out, in...)
	}
	return out
}

// disconnectQueueAt latches queue q's local connect status to disconnected
// at atFrame, rewinding the simulation if atFrame is behind frame_count, and
// tears down its endpoint. Per the disconnect latch invariant, once
// disconnected a queue's last_frame may only move backward during this one
// reconciliation step, and disconnected itself never clears.
func (s *Session) disconnectQueueAt(q int, atFrame frame.Frame) {
	cur := s.localView.Get(q)
	if cur.Disconnected {
		if atFrame < cur.LastFrame {
			s.localView.Set(q, frame.ConnectionStatus{Disconnected: true, LastFrame: atFrame})
		}
		return
	}
	s.localView.Set(q, frame.ConnectionStatus{Disconnected: true, LastFrame: atFrame})
	if atFrame < s.buffer.FrameCount() {
		s.buffer.AdjustSimulation(atFrame)
	}
	if ep := s.queues[q].endpoint; ep != nil {
		ep.Disconnect()
	}
	s.host.HandleEvent(Event{Kind: EventDisconnected, Player: PlayerHandle(q)})
}

// DisconnectPlayer disconnects handle. Disconnecting the local player severs
// every remote and spectator queue at the current frame; disconnecting a
// remote queue severs just that queue at its last known local frame.
func (s *Session) DisconnectPlayer(handle PlayerHandle) error {
	idx := int(handle)
	if idx >= s.playerCount {
		si := idx - s.playerCount
		if si < 0 || si >= len(s.spectators) {
			return ErrInvalidPlayer
		}
		if ep := s.spectators[si].endpoint; ep != nil {
			ep.Disconnect()
		}
		return nil
	}
	if idx < 0 || idx >= len(s.queues) || s.queues[idx].kind == playerKindUnset {
		return ErrInvalidPlayer
	}

	if s.queues[idx].kind == PlayerLocal {
		cur := s.buffer.FrameCount()
		for i := range s.queues {
			if s.queues[i].kind == PlayerRemote {
				s.disconnectQueueAt(i, cur)
			}
		}
		for i := range s.spectators {
			if ep := s.spectators[i].endpoint; ep != nil {
				ep.Disconnect()
			}
		}
		return nil
	}

	if s.localView.Get(idx).Disconnected {
		return ErrPlayerDisconnected
	}
	last := s.localView.Get(idx).LastFrame
	s.disconnectQueueAt(idx, last)
	return nil
}

// SetFrameDelay sets handle's input delay: input added at frame F is
// delivered to the simulation at F+delay.
func (s *Session) SetFrameDelay(handle PlayerHandle, delay int) error {
	idx := int(handle)
	if idx < 0 || idx >= len(s.queues) || s.queues[idx].kind == playerKindUnset {
		return ErrInvalidPlayer
	}
	s.buffer.SetFrameDelay(idx, delay)
	return nil
}

// SetDisconnectTimeout propagates a new disconnect_timeout to every
// endpoint.
func (s *Session) SetDisconnectTimeout(d time.Duration) {
	s.cfg.DisconnectTimeout = d
	s.broadcastConfig()
}

// SetDisconnectNotifyStart propagates a new disconnect_notify_start to every
// endpoint.
func (s *Session) SetDisconnectNotifyStart(d time.Duration) {
	s.cfg.DisconnectNotifyStart = d
	s.broadcastConfig()
}

func (s *Session) broadcastConfig() {
	for i := range s.queues {
		if ep := s.queues[i].endpoint; ep != nil {
			ep.SetConfig(s.cfg)
		}
	}
	for i := range s.spectators {
		if ep := s.spectators[i].endpoint; ep != nil {
			ep.SetConfig(s.cfg)
		}
	}
}

// GetNetworkStats returns handle's connection-quality snapshot, or a
// zero-valued NetworkStats for the local handle.
func (s *Session) GetNetworkStats(handle PlayerHandle) (NetworkStats, error) {
	idx := int(handle)
	if idx >= s.playerCount {
		si := idx - s.playerCount
		if si < 0 || si >= len(s.spectators) || s.spectators[si].endpoint == nil {
			return NetworkStats{}, ErrInvalidPlayer
		}
		return s.spectators[si].endpoint.Stats.Snapshot(), nil
	}
	if idx < 0 || idx >= len(s.queues) || s.queues[idx].kind == playerKindUnset {
		return NetworkStats{}, ErrInvalidPlayer
	}
	if s.queues[idx].kind == PlayerLocal {
		return NetworkStats{}, nil
	}
	return s.queues[idx].endpoint.Stats.Snapshot(), nil
}

// Close tears down every peer endpoint.
func (s *Session) Close() error {
	for i := range s.queues {
		if ep := s.queues[i].endpoint; ep != nil {
			ep.Close()
		}
	}
	for i := range s.spectators {
		if ep := s.spectators[i].endpoint; ep != nil {
			ep.Close()
		}
	}
	return nil
}
