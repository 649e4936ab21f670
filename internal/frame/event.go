package frame

import "time"

// EventKind discriminates Event, playing the same role as Rust's Event enum
// tag; Go has no sum types, so Event carries every variant's fields flatly
// and callers switch on Kind (the fields a given Kind doesn't use are zero).
type EventKind int

const (
	EventConnected EventKind = iota
	EventSynchronizing
	EventSynchronized
	EventRunning
	EventDisconnected
	EventTimeSync
	EventConnectionInterrupted
	EventConnectionResumed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventSynchronizing:
		return "Synchronizing"
	case EventSynchronized:
		return "Synchronized"
	case EventRunning:
		return "Running"
	case EventDisconnected:
		return "Disconnected"
	case EventTimeSync:
		return "TimeSync"
	case EventConnectionInterrupted:
		return "ConnectionInterrupted"
	case EventConnectionResumed:
		return "ConnectionResumed"
	default:
		return "Unknown"
	}
}

// Event is a lifecycle notification delivered to the host's SessionCallbacks
// from the session thread only (endpoint goroutines post these onto a queue
// the session drains during do_poll — see internal/peer.Endpoint.PollEvents).
type Event struct {
	Kind EventKind

	// Player identifies the remote player this event concerns. Unset
	// (zero) for Running and TimeSync, which are session-wide.
	Player PlayerHandle

	// Synchronizing: handshake round-trips completed so far and the total
	// required before Synchronized fires.
	Count, Total uint8

	// TimeSync: the number of frames the local session is ahead of its
	// slowest peer.
	FramesAhead uint8

	// ConnectionInterrupted: how long until the peer is disconnected if it
	// stays silent.
	DisconnectTimeout time.Duration
}
