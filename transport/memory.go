package transport

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// LinkConfig describes one direction's impairment, generalizing
// S7evinK-pinecone's util.SlowConn (a fixed ReadJitter wrapped around a
// net.Conn) to the three impairments a datagram channel needs to exercise
// rollback's speculation and recovery paths: variable latency, loss, and
// reordering.
type LinkConfig struct {
	// Latency is the fixed one-way delay applied to every datagram.
	Latency time.Duration
	// Jitter is added to Latency, uniformly distributed in [0, Jitter).
	Jitter time.Duration
	// LossPercent is the probability, in percent, that a datagram is
	// dropped before delivery.
	LossPercent int
}

// MemoryPeer is an in-process simulated Peer, for unit tests and
// cmd/rollbackdemo, that stands in for a real UDP path between two
// endpoints without touching the network.
type MemoryPeer struct {
	out    chan []byte
	in     chan []byte
	link   LinkConfig
	rng    *rand.Rand
	rngMu  sync.Mutex
	once   sync.Once
	closed chan struct{}
}

// NewMemoryLink returns a connected pair of MemoryPeers: sends on one arrive
// on the other, each direction independently impaired per its own
// LinkConfig.
func NewMemoryLink(aToB, bToA LinkConfig) (a, b *MemoryPeer) {
	abCh := make(chan []byte, 256)
	baCh := make(chan []byte, 256)
	seed := time.Now().UnixNano()

	a = &MemoryPeer{
		out:    abCh,
		in:     baCh,
		link:   aToB,
		rng:    rand.New(rand.NewSource(seed)),
		closed: make(chan struct{}),
	}
	b = &MemoryPeer{
		out:    baCh,
		in:     abCh,
		link:   bToA,
		rng:    rand.New(rand.NewSource(seed + 1)),
		closed: make(chan struct{}),
	}
	return a, b
}

func (p *MemoryPeer) Send(data []byte) error {
	select {
	case <-p.closed:
		return errors.New("transport: send on closed MemoryPeer")
	default:
	}

	p.rngMu.Lock()
	drop := p.link.LossPercent > 0 && p.rng.Intn(100) < p.link.LossPercent
	delay := p.link.Latency
	if p.link.Jitter > 0 {
		delay += time.Duration(p.rng.Int63n(int64(p.link.Jitter)))
	}
	p.rngMu.Unlock()

	if drop {
		return nil
	}

	datagram := make([]byte, len(data))
	copy(datagram, data)

	if delay <= 0 {
		// A full link buffer drops the datagram instead of blocking.
		select {
		case p.out <- datagram:
		default:
		}
		return nil
	}

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case p.out <- datagram:
			case <-p.closed:
			}
		case <-p.closed:
		}
	}()
	return nil
}

func (p *MemoryPeer) Recv() ([]byte, bool) {
	select {
	case data, ok := <-p.in:
		return data, ok
	case <-p.closed:
		select {
		case data, ok := <-p.in:
			return data, ok
		default:
			return nil, false
		}
	}
}

func (p *MemoryPeer) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
