package repnet

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Role selects which side of the link a Driver is.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// A Handler receives Driver events. Methods are called from the goroutine
// processing the Conn involved, so calls for different Conns may run in
// parallel.
type Handler interface {
	// AcceptConn decides whether a datagram from an unknown address opens
	// a new Conn.
	AcceptConn(addr net.Addr) bool
	ConnOpened(c *Conn)
	ConnClosed(c *Conn, reason string)

	// AcceptChannel decides whether the peer may open a channel.
	AcceptChannel(c *Conn, typ ChannelType, index int) bool

	ControlMessage(c *Conn, text string)

	// Replicate is called once per tick before the Conn flushes.
	Replicate(c *Conn)

	// BeginBlob returns where an incoming transfer is written to.
	BeginBlob(c *Conn, name string, size int) (BlobWriter, error)
}

// NopHandler accepts everything and ignores every event.
// Embed it to implement only some Handler methods.
type NopHandler struct{}

func (NopHandler) AcceptConn(net.Addr) bool { return true }
func (NopHandler) ConnOpened(*Conn) {}
func (NopHandler) ConnClosed(*Conn, string) {}
func (NopHandler) AcceptChannel(*Conn, ChannelType, int) bool { return true }
func (NopHandler) ControlMessage(*Conn, string) {}
func (NopHandler) Replicate(*Conn) {}
func (NopHandler) BeginBlob(*Conn, string, int) (BlobWriter, error) { return nil, errBlobRefused }

var errBlobRefused = errors.New("repnet: transfer refused")

// A Driver owns every Conn of one role and the Transport they share.
type Driver struct {
	role      Role
	transport Transport
	world     World
	registry  *Registry
	handler   Handler
	cfg       Config

	mu         sync.RWMutex
	conns      map[string]*Conn
	serverConn *Conn
	accept     bool
}

// NewDriver returns a Driver. A server Driver accepts new peers right away.
func NewDriver(role Role, t Transport, w World, reg *Registry, h Handler, cfg Config) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if h == nil {
		h = NopHandler{}
	}
	if reg == nil {
		reg = NewRegistry()
	}

	return &Driver{
		role:      role,
		transport: t,
		world:     w,
		registry:  reg,
		handler:   h,
		cfg:       cfg,
		conns:     make(map[string]*Conn),
		accept:    role == RoleServer,
	}, nil
}

// Role returns the role of the Driver.
func (d *Driver) Role() Role { return d.role }

// World returns the object model.
func (d *Driver) World() World { return d.world }

// Registry returns the schema registry.
func (d *Driver) Registry() *Registry { return d.registry }

// SetAccept controls whether unknown addresses open new Conns.
func (d *Driver) SetAccept(accept bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.accept = accept
}

// Connect creates the Conn to a server and opens its control channel.
func (d *Driver) Connect(addr net.Addr) (*Conn, error) {
	if d.role != RoleClient {
		return nil, errors.New("repnet: only clients connect")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.serverConn != nil {
		return nil, errors.New("repnet: already connected")
	}

	c := newConn(d, addr)
	if _, err := c.OpenChannel(ChannelControl, ControlIndex); err != nil {
		return nil, err
	}
	d.conns[addr.String()] = c
	d.serverConn = c

	return c, nil
}

// ServerConn returns the client's Conn to the server or nil.
func (d *Driver) ServerConn() *Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.serverConn
}

// Conns returns every live Conn.
func (d *Driver) Conns() []*Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		r = append(r, c)
	}
	return r
}

// ConnCount reports how many Conns are live.
func (d *Driver) ConnCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.conns)
}

// Tick receives every pending datagram, then processes each Conn:
// its datagrams, replication, timers and flush.
func (d *Driver) Tick(dt time.Duration) error {
	batches := make(map[*Conn][][]byte)

	for i := 0; i < d.cfg.MaxReceivePerTick; i++ {
		data, addr, err := d.transport.ReceiveDatagram()
		if errors.Is(err, ErrNoData) {
			break
		}
		if err != nil {
			return err
		}

		c := d.lookup(addr)
		if c == nil {
			continue
		}
		batches[c] = append(batches[c], data)
	}

	conns := d.Conns()

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, c := range conns {
		c := c
		pkts := batches[c]
		g.Go(func() error {
			d.process(c, pkts, dt)
			return nil
		})
	}
	g.Wait()

	d.reap(conns)

	return nil
}

func (d *Driver) lookup(addr net.Addr) *Conn {
	key := addr.String()

	d.mu.RLock()
	c := d.conns[key]
	accept := d.accept
	d.mu.RUnlock()

	if c != nil {
		return c
	}
	if d.role != RoleServer || !accept || !d.handler.AcceptConn(addr) {
		return nil
	}

	c = newConn(d, addr)
	c.lastReceiveTime = c.clock

	d.mu.Lock()
	d.conns[key] = c
	d.mu.Unlock()

	d.cfg.Logger.Print(addr, " connected")
	d.handler.ConnOpened(c)

	return c
}

func (d *Driver) process(c *Conn, pkts [][]byte, dt time.Duration) {
	for _, p := range pkts {
		c.ReceivedRawPacket(p)
	}

	if c.state == ConnOpen {
		d.handler.Replicate(c)
		c.reapChannels()
		c.closeIfPending()
	}

	c.Tick(dt)
}

func (d *Driver) reap(conns []*Conn) {
	for _, c := range conns {
		if c.state != ConnClosed {
			continue
		}

		d.mu.Lock()
		delete(d.conns, c.addr.String())
		if d.serverConn == c {
			d.serverConn = nil
		}
		d.mu.Unlock()

		d.handler.ConnClosed(c, c.closeReason)
	}
}

// Close closes every Conn and the Transport.
func (d *Driver) Close(reason string) error {
	conns := d.Conns()
	for _, c := range conns {
		c.Close(reason)
	}
	d.reap(conns)

	return d.transport.Close()
}
