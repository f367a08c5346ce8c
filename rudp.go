package repnet

import (
	"net"
	"sync"

	"github.com/anon55555/mt/rudp"
)

// RUDPTransport carries datagrams as unreliable packets over Minetest
// rudp peers, which take care of peer ids, pings and disconnects.
type RUDPTransport struct {
	conn     net.PacketConn
	listener *rudp.Listener

	mu    sync.RWMutex
	peers map[string]*rudp.Peer

	in     chan datagram
	closed chan struct{}
	once   sync.Once
}

func newRUDPTransport(conn net.PacketConn) *RUDPTransport {
	return &RUDPTransport{
		conn:   conn,
		peers:  make(map[string]*rudp.Peer),
		in:     make(chan datagram, 1024),
		closed: make(chan struct{}),
	}
}

// ListenRUDP accepts rudp peers on conn.
func ListenRUDP(conn net.PacketConn) *RUDPTransport {
	t := newRUDPTransport(conn)
	t.listener = rudp.Listen(conn)
	go t.acceptLoop()

	return t
}

// DialRUDP connects to the rudp peer at addr.
func DialRUDP(conn net.PacketConn, addr net.Addr) *RUDPTransport {
	t := newRUDPTransport(conn)
	t.addPeer(rudp.Connect(conn, addr))

	return t
}

func (t *RUDPTransport) acceptLoop() {
	fails := 0
	for {
		p, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if !pause(err, fails, t.closed) {
				return
			}
			fails++
			continue
		}
		fails = 0

		t.addPeer(p)
	}
}

func (t *RUDPTransport) addPeer(p *rudp.Peer) {
	key := p.Addr().String()

	t.mu.Lock()
	t.peers[key] = p
	t.mu.Unlock()

	go func() {
		<-p.Disco()

		t.mu.Lock()
		if t.peers[key] == p {
			delete(t.peers, key)
		}
		t.mu.Unlock()
	}()

	go t.recvLoop(p)
}

func (t *RUDPTransport) recvLoop(p *rudp.Peer) {
	fails := 0
	for {
		pkt, err := p.Recv()
		if err != nil {
			select {
			case <-p.Disco():
				return
			case <-t.closed:
				return
			default:
			}
			if !pause(err, fails, t.closed) {
				return
			}
			fails++
			continue
		}
		fails = 0

		select {
		case t.in <- datagram{pkt.Data, p.Addr()}:
		case <-t.closed:
			return
		}
	}
}

// Peers returns the number of connected rudp peers.
func (t *RUDPTransport) Peers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.peers)
}

func (t *RUDPTransport) SendDatagram(b []byte, addr net.Addr) error {
	t.mu.RLock()
	p := t.peers[addr.String()]
	t.mu.RUnlock()

	if p == nil {
		return ErrUnknownPeer
	}

	_, err := p.Send(rudp.Pkt{Data: b, Unrel: true})
	return err
}

func (t *RUDPTransport) ReceiveDatagram() ([]byte, net.Addr, error) {
	select {
	case d := <-t.in:
		return d.data, d.addr, nil
	case <-t.closed:
		return nil, nil, net.ErrClosed
	default:
		return nil, nil, ErrNoData
	}
}

// Close disconnects every peer and closes the underlying conn.
func (t *RUDPTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)

		t.mu.Lock()
		for _, p := range t.peers {
			p.SendDisco(0, true)
			p.Close()
		}
		t.mu.Unlock()

		err = t.conn.Close()
	})
	return err
}
