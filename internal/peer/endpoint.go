// Package peer implements the Peer Protocol Endpoint: a per-remote-player
// state machine that runs the sync handshake, ships input via the delta
// codec, and tracks connection quality, generalizing internal/network's
// Transport/Connection pair and internal/server.Session's per-client queue
// into a single bidirectional, self-driving endpoint.
package peer

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/andersfylling/rollback/internal/frame"
	"github.com/andersfylling/rollback/internal/wire"
	"github.com/andersfylling/rollback/transport"
)

// State is the connection state machine from spec.md §4.3:
// Initializing -> Synchronizing -> Running -> {Interrupted} -> Disconnected.
type State int

const (
	StateInitializing State = iota
	StateSynchronizing
	StateRunning
	StateInterrupted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateSynchronizing:
		return "Synchronizing"
	case StateRunning:
		return "Running"
	case StateInterrupted:
		return "Interrupted"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Defaults per spec.md §6.
const (
	DefaultSyncRoundtrips        = 5
	DefaultDisconnectNotifyStart = 750 * time.Millisecond
	DefaultDisconnectTimeout     = 5 * time.Second
	sendInterval                 = 40 * time.Millisecond
)

// Config holds the tunables a session propagates to every endpoint via its
// setters (spec.md §4.4).
type Config struct {
	SyncRoundtrips        int
	DisconnectNotifyStart time.Duration
	DisconnectTimeout     time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SyncRoundtrips:        DefaultSyncRoundtrips,
		DisconnectNotifyStart: DefaultDisconnectNotifyStart,
		DisconnectTimeout:     DefaultDisconnectTimeout,
	}
}

// Endpoint is one remote player's or spectator's connection. It owns its
// send/receive goroutines; per spec.md §5 it communicates back to the
// session thread only through PeerViewOf (read under its own lock) and the
// event queue drained by PollEvents.
type Endpoint struct {
	t         transport.Peer
	queue     int // this endpoint's PlayerHandle / queue index
	playerCnt int
	inputSize int
	cfg       Config

	encoder *inputEncoder
	decoder *inputDecoder
	Stats   *NetworkStats
	ts      timesync

	// peerView is this endpoint's belief about every queue's
	// ConnectionStatus, as last reported by the remote peer itself.
	peerView frame.StatusArena
	// localView is the session's own connect-status vector, shared by
	// reference so outgoing packets can embed it.
	localView frame.StatusArena

	mu               sync.Mutex
	state            State
	rng              *rand.Rand
	nonce            uint32
	nonceSentAt      time.Time
	roundTrips       int
	lastRecv         time.Time
	localFrameNumber frame.Frame
	remoteFrame      frame.Frame
	seqOut           uint16
	seqIn            uint16
	seenFirstSeq     bool
	connectedFired   bool

	limiter *rate.Limiter

	events  chan frame.Event
	onInput func(frame.FrameInput)

	closeOnce sync.Once
	done      chan struct{}
}

// NewEndpoint constructs an endpoint for the player at queue, communicating
// over t. localView is the session's shared connect-status arena; onInput
// is called (from this endpoint's own receive goroutine) for every newly
// decoded remote input, typically wired to Buffer.AddRemoteInput.
func NewEndpoint(t transport.Peer, queue, playerCount, inputSize int, localView frame.StatusArena, onInput func(frame.FrameInput)) *Endpoint {
	return &Endpoint{
		t:                t,
		queue:            queue,
		playerCnt:        playerCount,
		inputSize:        inputSize,
		cfg:              DefaultConfig(),
		encoder:          newInputEncoder(inputSize),
		decoder:          newInputDecoder(inputSize),
		Stats:            &NetworkStats{},
		peerView:         frame.NewStatusArena(playerCount),
		localView:        localView,
		state:            StateInitializing,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano() + int64(queue))),
		remoteFrame:      frame.NullFrame,
		localFrameNumber: frame.NullFrame,
		limiter:          rate.NewLimiter(rate.Every(sendInterval/2), 4),
		events:           make(chan frame.Event, 32),
		onInput:          onInput,
		done:             make(chan struct{}),
	}
}

func (e *Endpoint) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PeerViewOf returns this endpoint's belief about queue's ConnectionStatus,
// as last reported by the remote peer.
func (e *Endpoint) PeerViewOf(queue int) frame.ConnectionStatus {
	return e.peerView.Get(queue)
}

// PollEvents drains and returns every event posted since the last call. The
// session calls this from its own thread during do_poll.
func (e *Endpoint) PollEvents() []frame.Event {
	var out []frame.Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (e *Endpoint) postEvent(ev frame.Event) {
	select {
	case e.events <- ev:
	default:
		log.Printf("peer: event queue full for queue %d, dropping %v", e.queue, ev.Kind)
	}
}

// SetLocalFrame records the session's current frame_count, embedded in the
// next QualityReport so the remote side can derive frames_behind.
func (e *Endpoint) SetLocalFrame(f frame.Frame) {
	e.mu.Lock()
	e.localFrameNumber = f
	e.mu.Unlock()
}

// RecommendFrameDelay returns the endpoint's current timesync recommendation.
func (e *Endpoint) RecommendFrameDelay() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ts.recommend()
}

// Start launches the endpoint's receive and send loops and kicks off the
// sync handshake.
func (e *Endpoint) Start() {
	e.mu.Lock()
	e.state = StateSynchronizing
	e.lastRecv = time.Now()
	e.mu.Unlock()

	go e.recvLoop()
	go e.sendLoop()
}

// Close terminates the endpoint's goroutines and the underlying transport.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return e.t.Close()
}

// Disconnect forces the endpoint to Disconnected immediately, for explicit
// local disconnect rather than a timeout.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	already := e.state == StateDisconnected
	e.state = StateDisconnected
	e.mu.Unlock()
	if !already {
		e.postEvent(frame.Event{Kind: frame.EventDisconnected, Player: frame.PlayerHandle(e.queue)})
	}
}

// PushLocalInput queues fi for delivery to this peer and attempts an
// immediate out-of-band send, per spec.md §4.3 ("immediately after push").
func (e *Endpoint) PushLocalInput(fi frame.FrameInput) {
	e.encoder.push(fi)
	if e.limiter.Allow() {
		e.sendOnce()
	}
}

func (e *Endpoint) nextSeq() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqOut++
	return e.seqOut
}

func (e *Endpoint) sendLoop() {
	ticker := time.NewTicker(sendInterval)
	defer ticker.Stop()
	handshakeTicker := time.NewTicker(200 * time.Millisecond)
	defer handshakeTicker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-handshakeTicker.C:
			if e.State() == StateSynchronizing {
				e.sendSyncRequest()
			}
		case <-ticker.C:
			e.checkTimeouts()
			if e.State() != StateSynchronizing {
				e.sendOnce()
			}
		}
	}
}

func (e *Endpoint) sendSyncRequest() {
	e.mu.Lock()
	e.nonce = e.rng.Uint32()
	e.nonceSentAt = time.Now()
	e.mu.Unlock()
	data := wire.EncodeSyncRequest(e.nextSeq(), e.nonce)
	_ = e.t.Send(data)
}

func (e *Endpoint) sendOnce() {
	startFrame, bits := e.encoder.encode()
	if startFrame.IsNull() {
		// No new local input queued: still ack whatever we've decoded so far,
		// so the remote's encoder keeps pruning acknowledged frames instead of
		// stalling until this side next has fresh input to piggyback an ack on.
		_ = e.t.Send(wire.EncodeInputAck(e.nextSeq(), uint32(e.decoder.lastDecodedFrame()+1)))
		return
	}

	statuses := make([]wire.QueueStatus, e.playerCnt)
	for q := 0; q < e.playerCnt; q++ {
		st := e.localView.Get(q)
		statuses[q] = wire.QueueStatus{Disconnected: st.Disconnected, LastFrame: int32(st.LastFrame)}
	}

	body := wire.InputBody{
		StartFrame: uint32(startFrame),
		Statuses:   statuses,
		Bits:       bits,
		AckFrame:   uint32(e.decoder.lastDecodedFrame() + 1),
	}
	data := wire.EncodeInput(e.nextSeq(), body)
	if err := e.t.Send(data); err != nil {
		log.Printf("peer: send to queue %d failed: %v", e.queue, err)
		return
	}
	e.Stats.setSendQueueLen(e.encoder.pendingCount())
	e.Stats.setKbpsSent(float64(len(data)*8) / 1000 / sendInterval.Seconds())

	e.mu.Lock()
	local, remote := e.localFrameNumber, e.remoteFrame
	e.mu.Unlock()
	if !remote.IsNull() {
		advantage := int(local - remote)
		if advantage > 127 {
			advantage = 127
		} else if advantage < -128 {
			advantage = -128
		}
		qr := wire.EncodeQualityReport(e.nextSeq(), int8(advantage), uint32(time.Now().UnixMilli()&0xffffffff))
		_ = e.t.Send(qr)
	}
}

func (e *Endpoint) checkTimeouts() {
	e.mu.Lock()
	since := time.Since(e.lastRecv)
	state := e.state
	cfg := e.cfg
	e.mu.Unlock()

	switch state {
	case StateRunning:
		if since >= cfg.DisconnectNotifyStart {
			e.mu.Lock()
			e.state = StateInterrupted
			e.mu.Unlock()
			e.postEvent(frame.Event{
				Kind:              frame.EventConnectionInterrupted,
				Player:            frame.PlayerHandle(e.queue),
				DisconnectTimeout: cfg.DisconnectTimeout - since,
			})
		}
	case StateInterrupted:
		if since >= cfg.DisconnectTimeout {
			e.Disconnect()
		}
	}
}

func (e *Endpoint) recvLoop() {
	for {
		data, ok := e.t.Recv()
		if !ok {
			return
		}
		pkt, err := wire.Decode(data)
		if err != nil {
			// Transport-level failures are swallowed at the endpoint per
			// spec.md §7; the session thread never observes a malformed
			// datagram from a peer it didn't already disconnect.
			log.Printf("peer: decode error from queue %d: %v", e.queue, err)
			continue
		}
		if !wire.SequenceNewer(pkt.Sequence, e.seqInSnapshot()) && e.hasSeenSeq() {
			continue
		}
		e.setSeqIn(pkt.Sequence)
		e.onPacket(pkt)
	}
}

func (e *Endpoint) seqInSnapshot() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqIn
}

func (e *Endpoint) hasSeenSeq() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seenFirstSeq
}

func (e *Endpoint) setSeqIn(seq uint16) {
	e.mu.Lock()
	e.seqIn = seq
	e.seenFirstSeq = true
	e.mu.Unlock()
}

func (e *Endpoint) onPacket(pkt wire.Packet) {
	e.mu.Lock()
	e.lastRecv = time.Now()
	wasInterrupted := e.state == StateInterrupted
	e.mu.Unlock()

	if wasInterrupted {
		e.mu.Lock()
		e.state = StateRunning
		e.mu.Unlock()
		e.postEvent(frame.Event{Kind: frame.EventConnectionResumed, Player: frame.PlayerHandle(e.queue)})
	}

	e.markConnected()

	switch pkt.Type {
	case wire.TypeSyncRequest:
		data := wire.EncodeSyncReply(e.nextSeq(), pkt.SyncRequest.Nonce)
		_ = e.t.Send(data)

	case wire.TypeSyncReply:
		e.onSyncReply(pkt.SyncReply)

	case wire.TypeInput:
		e.onInputPacket(pkt.Input)

	case wire.TypeInputAck:
		e.encoder.acknowledgeFrame(frame.Frame(pkt.InputAck.AckFrame))

	case wire.TypeQualityReport:
		// The report carries the sender's advantage over this side; this
		// side's advantage over the sender is its negation.
		e.ts.addSample(-int(pkt.QualityReport.FrameAdvantage))
		reply := wire.EncodeQualityReply(e.nextSeq(), pkt.QualityReport.PingTimestamp)
		_ = e.t.Send(reply)

	case wire.TypeQualityReply:
		// Timestamps travel as the low 32 bits of Unix milliseconds, so the
		// round trip is taken modulo 2^32.
		rtt := uint32(time.Now().UnixMilli()) - pkt.QualityReply.EchoTimestamp
		e.Stats.setPing(time.Duration(rtt) * time.Millisecond)

	case wire.TypeKeepAlive:
		// No payload; receipt alone already refreshed lastRecv above.
	}
}

func (e *Endpoint) markConnected() {
	e.mu.Lock()
	already := e.connectedFired
	e.connectedFired = true
	e.mu.Unlock()
	if !already {
		e.postEvent(frame.Event{Kind: frame.EventConnected, Player: frame.PlayerHandle(e.queue)})
	}
}

func (e *Endpoint) onSyncReply(body *wire.SyncReplyBody) {
	e.mu.Lock()
	if body.Nonce != e.nonce {
		e.mu.Unlock()
		return
	}
	rtt := time.Since(e.nonceSentAt)
	e.roundTrips++
	count, total := e.roundTrips, e.cfg.SyncRoundtrips
	state := e.state
	e.mu.Unlock()

	e.Stats.setPing(rtt)

	if state != StateSynchronizing {
		return
	}
	if count >= total {
		e.mu.Lock()
		e.state = StateRunning
		e.mu.Unlock()
		e.postEvent(frame.Event{Kind: frame.EventSynchronized, Player: frame.PlayerHandle(e.queue)})
		return
	}
	e.postEvent(frame.Event{
		Kind:   frame.EventSynchronizing,
		Player: frame.PlayerHandle(e.queue),
		Count:  uint8(count),
		Total:  uint8(total),
	})
}

func (e *Endpoint) onInputPacket(body *wire.InputBody) {
	decoded, err := e.decoder.decode(frame.Frame(body.StartFrame), body.Bits)
	if err != nil {
		log.Printf("peer: input decode error from queue %d: %v", e.queue, err)
		return
	}
	for _, fi := range decoded {
		if e.onInput != nil {
			e.onInput(fi)
		}
	}

	for q, st := range body.Statuses {
		if q >= e.peerView.Len() {
			break
		}
		e.peerView.Set(q, frame.ConnectionStatus{Disconnected: st.Disconnected, LastFrame: frame.Frame(st.LastFrame)})
	}
	if body.AckFrame > 0 {
		e.encoder.acknowledgeFrame(frame.Frame(body.AckFrame))
	}

	// The sender's own queue entry in its status vector is that sender's
	// current progress; reused here as its frame number for timesync,
	// since the wire format has no dedicated field for it.
	if e.queue < len(body.Statuses) {
		e.mu.Lock()
		e.remoteFrame = frame.Frame(body.Statuses[e.queue].LastFrame)
		local, remote := e.localFrameNumber, e.remoteFrame
		e.mu.Unlock()
		if !local.IsNull() && !remote.IsNull() {
			if behind := int(remote - local); behind > 0 {
				e.Stats.setLocalFramesBehind(behind)
			} else {
				e.Stats.setLocalFramesBehind(0)
			}
			if behind := int(local - remote); behind > 0 {
				e.Stats.setRemoteFramesBehind(behind)
			} else {
				e.Stats.setRemoteFramesBehind(0)
			}
		}
	}

	e.Stats.setRecvQueueLen(len(decoded))
}
