package repnet

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

// A Transport moves datagrams. ReceiveDatagram must not block; it returns
// ErrNoData when nothing is pending.
type Transport interface {
	SendDatagram(b []byte, addr net.Addr) error
	ReceiveDatagram() ([]byte, net.Addr, error)
	Close() error
}

type datagram struct {
	data []byte
	addr net.Addr
}

// readBackoff is how long a read loop pauses after its n-th error in a row.
func readBackoff(n int) time.Duration {
	d := 5 * time.Millisecond << min(n, 8)
	if d > time.Second {
		d = time.Second
	}
	return d
}

// pause logs err and waits out the backoff. It reports false if closed
// fired meanwhile.
func pause(err error, n int, closed <-chan struct{}) bool {
	log.Print("repnet: ", err)

	select {
	case <-time.After(readBackoff(n)):
		return true
	case <-closed:
		return false
	}
}

// UDPTransport carries datagrams over a net.PacketConn.
type UDPTransport struct {
	conn   net.PacketConn
	in     chan datagram
	closed chan struct{}
	once   sync.Once
}

// ListenUDP opens a UDPTransport on addr.
func ListenUDP(addr string) (*UDPTransport, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewUDPTransport(pc), nil
}

// NewUDPTransport starts reading from conn.
// The UDPTransport closes conn when it is closed.
func NewUDPTransport(conn net.PacketConn) *UDPTransport {
	t := &UDPTransport{
		conn:   conn,
		in:     make(chan datagram, 1024),
		closed: make(chan struct{}),
	}
	go t.readLoop()

	return t
}

// LocalAddr returns the address the UDPTransport is bound to.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 65536)
	fails := 0
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !pause(err, fails, t.closed) {
				return
			}
			fails++
			continue
		}
		fails = 0

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case t.in <- datagram{data, addr}:
		case <-t.closed:
			return
		}
	}
}

func (t *UDPTransport) SendDatagram(b []byte, addr net.Addr) error {
	_, err := t.conn.WriteTo(b, addr)
	return err
}

func (t *UDPTransport) ReceiveDatagram() ([]byte, net.Addr, error) {
	select {
	case d := <-t.in:
		return d.data, d.addr, nil
	case <-t.closed:
		return nil, nil, net.ErrClosed
	default:
		return nil, nil, ErrNoData
	}
}

func (t *UDPTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
