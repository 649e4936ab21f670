package frame

import "errors"

// Sentinel errors shared by internal/syncbuf, internal/peer, and the root
// session package. They are defined here, rather than once per package,
// because more than one layer needs to return or compare against the same
// value — the root package re-exports them verbatim as its public API.
var (
	ErrReachedPredictionBarrier = errors.New("rollback: add_local_input would exceed the prediction barrier")
	ErrInRollback               = errors.New("rollback: operation rejected while the session is mid-replay")
	ErrNotSynchronized          = errors.New("rollback: input requested before the handshake completed")
	ErrMultipleLocalPlayers     = errors.New("rollback: a local player is already registered")
	ErrInvalidPlayer            = errors.New("rollback: player handle out of range")
	ErrPlayerDisconnected       = errors.New("rollback: operation on an already-disconnected queue")
)
