package peer

import (
	"time"

	"go.uber.org/atomic"
)

// NetworkStats holds one endpoint's connection-quality counters as
// independent atomics, so the send/receive goroutines can update them
// without taking a mutex shared with the session thread's reads —
// grounded on S7evinK-pinecone's peerStatistics (atomic.Uint64 counters
// updated from a peer's reader/writer goroutines and read elsewhere).
type NetworkStats struct {
	pingMS             atomic.Int64
	sendQueueLen       atomic.Int64
	recvQueueLen       atomic.Int64
	kbpsSentX1000      atomic.Int64 // kbps * 1000, atomic.Float64 would race on read-modify-write averaging
	localFramesBehind  atomic.Int64
	remoteFramesBehind atomic.Int64
}

// NetworkStatsSnapshot is a point-in-time copy safe to hand to the host.
type NetworkStatsSnapshot struct {
	Ping               time.Duration
	SendQueueLen       int
	RecvQueueLen       int
	KbpsSent           float64
	LocalFramesBehind  int
	RemoteFramesBehind int
}

func (s *NetworkStats) Snapshot() NetworkStatsSnapshot {
	return NetworkStatsSnapshot{
		Ping:               time.Duration(s.pingMS.Load()) * time.Millisecond,
		SendQueueLen:       int(s.sendQueueLen.Load()),
		RecvQueueLen:       int(s.recvQueueLen.Load()),
		KbpsSent:           float64(s.kbpsSentX1000.Load()) / 1000,
		LocalFramesBehind:  int(s.localFramesBehind.Load()),
		RemoteFramesBehind: int(s.remoteFramesBehind.Load()),
	}
}

func (s *NetworkStats) setPing(d time.Duration)        { s.pingMS.Store(d.Milliseconds()) }
func (s *NetworkStats) setSendQueueLen(n int)           { s.sendQueueLen.Store(int64(n)) }
func (s *NetworkStats) setRecvQueueLen(n int)           { s.recvQueueLen.Store(int64(n)) }
func (s *NetworkStats) setKbpsSent(v float64)           { s.kbpsSentX1000.Store(int64(v * 1000)) }
func (s *NetworkStats) setLocalFramesBehind(n int)      { s.localFramesBehind.Store(int64(n)) }
func (s *NetworkStats) setRemoteFramesBehind(n int)     { s.remoteFramesBehind.Store(int64(n)) }
