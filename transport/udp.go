package transport

import (
	"net"
	"sync"
)

// UDPPeer is the real datagram socket implementation of Peer: a connected
// UDP socket with a background reader goroutine feeding a channel, the same
// shape as S7evinK-pinecone's router.Peer reader/writer goroutine pair, but
// over datagrams rather than a framed stream.
type UDPPeer struct {
	conn *net.UDPConn

	recvCh chan []byte
	once   sync.Once
	closed chan struct{}
}

const recvBuffer = 64

// DialUDP opens a connected UDP socket to addr and starts its reader
// goroutine.
func DialUDP(addr string) (*UDPPeer, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return newUDPPeer(conn), nil
}

// ListenUDP opens a UDP socket bound to localAddr, for a host that accepts a
// single remote peer's datagrams (a rollback session dials one peer per
// Endpoint, not one shared socket).
func ListenUDP(localAddr string) (*UDPPeer, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return newUDPPeer(conn), nil
}

func newUDPPeer(conn *net.UDPConn) *UDPPeer {
	p := &UDPPeer{
		conn:   conn,
		recvCh: make(chan []byte, recvBuffer),
		closed: make(chan struct{}),
	}
	go p.reader()
	return p
}

func (p *UDPPeer) reader() {
	defer close(p.recvCh)
	buf := make([]byte, 65536)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case p.recvCh <- datagram:
		case <-p.closed:
			return
		}
	}
}

func (p *UDPPeer) Send(data []byte) error {
	_, err := p.conn.Write(data)
	return err
}

func (p *UDPPeer) Recv() ([]byte, bool) {
	data, ok := <-p.recvCh
	return data, ok
}

func (p *UDPPeer) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.conn.Close()
}
