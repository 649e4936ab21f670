package frame

import "sync"

// StatusArena is the shared local connect-status vector: one slot per queue,
// each independently guarded so that every peer endpoint's goroutine can read
// any slot without blocking on another slot's writer. The session thread and
// the acknowledging endpoint are the only writers; writes are rare (on ack,
// on explicit disconnect, on adjust).
//
// Cloning the arena handle is cheap: StatusArena is a slice of pointers to
// independently-locked slots, so every peer endpoint can hold its own
// reference to the same underlying slots.
type StatusArena []*statusSlot

type statusSlot struct {
	mu     sync.RWMutex
	status ConnectionStatus
}

// NewStatusArena allocates n independently-guarded slots, one per queue, each
// starting at the default ConnectionStatus.
func NewStatusArena(n int) StatusArena {
	arena := make(StatusArena, n)
	for i := range arena {
		arena[i] = &statusSlot{status: NewConnectionStatus()}
	}
	return arena
}

// Get returns a copy of the status at queue.
func (a StatusArena) Get(queue int) ConnectionStatus {
	slot := a[queue]
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.status
}

// Set overwrites the status at queue.
func (a StatusArena) Set(queue int, status ConnectionStatus) {
	slot := a[queue]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.status = status
}

// Update applies fn to the status at queue under the slot's write lock,
// allowing read-modify-write without a lost update.
func (a StatusArena) Update(queue int, fn func(*ConnectionStatus)) {
	slot := a[queue]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	fn(&slot.status)
}

// Len returns the number of queues in the arena.
func (a StatusArena) Len() int {
	return len(a)
}
