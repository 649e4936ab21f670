// Package transport defines the datagram contract the rollback session
// consumes and two implementations of it: a real UDP socket and an
// in-process simulated link for tests and local demos.
package transport

// Peer is a bidirectional, unreliable datagram channel to one remote
// endpoint. Datagrams may be dropped, reordered, or duplicated by the
// underlying network — the session and internal/peer.Endpoint are built to
// tolerate all three.
type Peer interface {
	// Send transmits data. It does not block on delivery and never blocks
	// waiting for the peer; an error here means the datagram could not be
	// queued locally, not that it was lost in flight.
	Send(data []byte) error

	// Recv returns the next datagram, blocking until one arrives or the
	// peer is closed. ok is false only once the peer is closed and no
	// further datagrams remain.
	Recv() (data []byte, ok bool)

	// Close releases the underlying resources. After Close, Send returns an
	// error and Recv drains any buffered datagrams before returning ok=false.
	Close() error
}
