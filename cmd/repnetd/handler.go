package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/HimbeerserverDE/repnet"
	"github.com/google/uuid"
)

var errRefused = errors.New("transfer refused")

// A session is a peer that said HELLO.
type session struct {
	id   string
	pawn repnet.ObjectID
}

// daemon is the Handler of both roles.
type daemon struct {
	repnet.NopHandler

	role     repnet.Role
	db       *DB
	world    *world
	tasks    *taskQueue
	scripts  *scripts
	driver   *repnet.Driver
	mediaDir string

	mu        sync.Mutex
	sessions  map[string]session
	downloads map[string]func(error)

	// client side
	session string
	self    repnet.ObjectID
}

func newDaemon(role repnet.Role, db *DB, w *world, tasks *taskQueue) *daemon {
	d := &daemon{
		role:      role,
		db:        db,
		world:     w,
		tasks:     tasks,
		mediaDir:  confString("media_dir", "media"),
		sessions:  make(map[string]session),
		downloads: make(map[string]func(error)),
	}
	d.scripts = newScripts(d)

	w.OnInvoke = d.runOperation
	w.OnChange = func(p *pawn, f *repnet.Field) {
		log.Printf("Object %d: %s changed", p.id, f.Name)
		d.scripts.changed(p, f.Name)
	}

	return d
}

func (d *daemon) conns() []*repnet.Conn {
	if d.driver == nil {
		return nil
	}
	return d.driver.Conns()
}

// conn returns the open Conn with the remote address addr.
func (d *daemon) conn(addr string) *repnet.Conn {
	for _, c := range d.conns() {
		if c.Addr().String() == addr && c.State() == repnet.ConnOpen {
			return c
		}
	}
	return nil
}

func (d *daemon) broadcast(text string) {
	for _, c := range d.conns() {
		if c.State() != repnet.ConnOpen {
			continue
		}
		if err := c.Control().Send(text); err != nil {
			log.Print(err)
		}
	}
}

func (d *daemon) kick(addr, reason string) bool {
	c := d.conn(addr)
	if c == nil {
		return false
	}

	c.Control().Send("KICK " + reason)
	c.Close(reason)

	return true
}

// ban adds the host of addr to the ban list and kicks its conns.
func (d *daemon) ban(addr, reason string) error {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	if err := d.db.Ban(host, reason); err != nil {
		return err
	}

	for _, c := range d.conns() {
		if banAddr(c.Addr()) == host {
			d.kick(c.Addr().String(), "banned: "+reason)
		}
	}
	return nil
}

func (d *daemon) AcceptConn(addr net.Addr) bool {
	banned, reason, err := d.db.IsBanned(banAddr(addr))
	if err != nil {
		log.Print(err)
		return false
	}
	if banned {
		log.Print(addr, " is banned: ", reason)
		return false
	}

	if limit := confInt("max_conns", 64); d.driver != nil && d.driver.ConnCount() >= limit {
		log.Print(addr, " refused, server full")
		return false
	}

	return true
}

func (d *daemon) ConnClosed(c *repnet.Conn, reason string) {
	addr := c.Addr().String()
	log.Print(addr, " disconnected: ", reason)

	d.mu.Lock()
	delete(d.sessions, addr)
	d.mu.Unlock()

	if d.role == repnet.RoleServer {
		d.world.removeOwned(addr)
		d.tasks.post(func() {
			d.scripts.left(addr, reason)
		})
		return
	}

	d.tasks.post(func() {
		d.failDownloads(fmt.Errorf("connection closed: %s", reason))
	})
}

func (d *daemon) AcceptChannel(c *repnet.Conn, typ repnet.ChannelType, index int) bool {
	// clients never open objects on the server
	return !(d.role == repnet.RoleServer && typ == repnet.ChannelObject)
}

func (d *daemon) ControlMessage(c *repnet.Conn, text string) {
	cmd, arg, _ := strings.Cut(text, " ")

	if d.role == repnet.RoleServer {
		d.serverMessage(c, cmd, arg)
	} else {
		d.clientMessage(c, cmd, arg)
	}
}

func (d *daemon) serverMessage(c *repnet.Conn, cmd, arg string) {
	addr := c.Addr().String()

	switch cmd {
	case "HELLO":
		d.tasks.post(func() {
			d.hello(c, arg)
		})
	case "GET":
		data, _, err := d.db.Media(arg)
		if err != nil {
			log.Print(err)
			c.Control().Send("MISSING " + arg)
			return
		}

		_, err = c.SendBlob(arg, bytes.NewReader(data), len(data), func(err error) {
			if err != nil {
				log.Printf("Sending %s to %s: %v", arg, addr, err)
			}
		})
		if err != nil {
			log.Print(err)
			c.Control().Send("MISSING " + arg)
		}
	case "SAY":
		d.tasks.post(func() {
			d.broadcast("SAY " + addr + " " + arg)
		})
	case "BYE":
		c.Close("bye")
	default:
		text := strings.TrimSpace(cmd + " " + arg)
		d.tasks.post(func() {
			if !d.scripts.controlMessage(addr, text) {
				log.Printf("Unknown control message from %s: %q", addr, text)
			}
		})
	}
}

// hello spawns the pawn of a new peer and announces the media list.
func (d *daemon) hello(c *repnet.Conn, name string) {
	addr := c.Addr().String()
	if c.State() != repnet.ConnOpen {
		return
	}

	d.mu.Lock()
	_, ok := d.sessions[addr]
	d.mu.Unlock()
	if ok {
		return
	}

	p, err := d.world.spawn("pawn", addr)
	if err != nil {
		log.Print(err)
		c.Close("no pawn")
		return
	}
	repnet.PutString(p.field("name"), name)
	p.field("color")[0] = uint8(p.id % 8)

	s := session{id: uuid.New().String(), pawn: p.id}
	d.mu.Lock()
	d.sessions[addr] = s
	d.mu.Unlock()

	log.Printf("%s joined as %q, session %s, pawn %d", addr, name, s.id, p.id)
	c.Control().Send(fmt.Sprintf("WELCOME %s %d", s.id, p.id))

	names, err := d.db.MediaList()
	if err != nil {
		log.Print(err)
	} else if len(names) > 0 {
		c.Control().Send("MEDIA " + strings.Join(names, " "))
	}

	d.scripts.joined(addr, uint32(p.id))
}

func (d *daemon) clientMessage(c *repnet.Conn, cmd, arg string) {
	switch cmd {
	case "WELCOME":
		sid, id, _ := strings.Cut(arg, " ")
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			c.Close("bad welcome")
			return
		}

		d.mu.Lock()
		d.session = sid
		d.self = repnet.ObjectID(n)
		d.mu.Unlock()

		log.Printf("Joined, session %s, pawn %d", sid, n)
	case "MEDIA":
		for _, name := range strings.Fields(arg) {
			d.download(c, name)
		}
	case "MISSING":
		d.finishDownload(arg, errNoMedia)
	case "SAY", "KICK":
		log.Print(cmd, " ", arg)
	default:
		text := strings.TrimSpace(cmd + " " + arg)
		addr := c.Addr().String()
		d.tasks.post(func() {
			if !d.scripts.controlMessage(addr, text) {
				log.Printf("Unknown control message: %q", text)
			}
		})
	}
}

// download fetches a media file from the cache, the media directory or
// the server, in that order.
func (d *daemon) download(c *repnet.Conn, name string) {
	dl := &repnet.Download{
		Name: name,
		Strategies: []repnet.Strategy{
			cacheStrategy(d.db),
			dirStrategy(d.db, d.mediaDir),
			d.peerStrategy(c),
		},
		Done: func(err error) {
			if err != nil {
				log.Printf("Fetching %s: %v", name, err)
				return
			}
			log.Print("Fetched ", name)
		},
	}
	dl.Start()
}

// peerStrategy requests the media from the server over the control
// channel. The transfer completes in BeginBlob's writer.
func (d *daemon) peerStrategy(c *repnet.Conn) repnet.Strategy {
	return repnet.StrategyFunc(func(name string, done func(error)) error {
		d.mu.Lock()
		if d.downloads[name] != nil {
			d.mu.Unlock()
			return fmt.Errorf("%s already requested", name)
		}
		d.downloads[name] = done
		d.mu.Unlock()

		if err := c.Control().Send("GET " + name); err != nil {
			d.mu.Lock()
			delete(d.downloads, name)
			d.mu.Unlock()
			return err
		}
		return nil
	})
}

func (d *daemon) finishDownload(name string, err error) {
	d.mu.Lock()
	done := d.downloads[name]
	delete(d.downloads, name)
	d.mu.Unlock()

	if done != nil {
		done(err)
	}
}

func (d *daemon) failDownloads(err error) {
	d.mu.Lock()
	var names []string
	for name := range d.downloads {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		d.finishDownload(name, err)
	}
}

func (d *daemon) BeginBlob(c *repnet.Conn, name string, size int) (repnet.BlobWriter, error) {
	d.mu.Lock()
	_, requested := d.downloads[name]
	d.mu.Unlock()

	if d.role != repnet.RoleClient || !requested {
		return nil, errRefused
	}

	return &mediaWriter{
		db:   d.db,
		name: name,
		size: size,
		done: func(err error) { d.finishDownload(name, err) },
	}, nil
}

// Replicate keeps every conn's object channels in step with the world.
func (d *daemon) Replicate(c *repnet.Conn) {
	if d.role != repnet.RoleServer {
		return
	}

	for _, id := range c.Objects() {
		if d.world.pawn(id) == nil {
			c.CloseObject(id)
		}
	}

	for _, p := range d.world.pawns() {
		if oc := c.ObjectChannel(p.id); oc != nil && oc.State() >= repnet.ChannelClosing {
			continue
		}
		if _, err := c.ReplicateObject(p); err != nil {
			log.Printf("Replicating %d to %s: %v", p.id, c.Addr(), err)
		}
	}
}

// runOperation applies an operation received from a peer.
func (d *daemon) runOperation(p *pawn, op *repnet.Operation, args []byte) {
	if d.world.pawn(p.id) != p {
		return
	}

	switch op.Name {
	case "move":
		copy(p.field("pos"), args)
	case "attack":
		d.attack(p, repnet.ObjectRef(args))
	case "hit":
		log.Printf("Pawn %d hit for %d", p.id, repnet.Int32(args))
	case "effect":
		log.Printf("Pawn %d effect %d", p.id, args[0])
	}

	d.scripts.operation(p, op.Name, argValues(d.scripts.l, op, args))
}

const attackDamage = 10

func (d *daemon) attack(p *pawn, id repnet.ObjectID) {
	target := d.world.pawn(id)
	if target == nil || target == p || target.schema != p.schema {
		return
	}

	health := repnet.Int32(target.field("health")) - attackDamage
	if health < 0 {
		health = 0
	}
	repnet.PutInt32(target.field("health"), health)
	repnet.PutObjectRef(p.field("target"), id)

	shot, err := d.world.spawn("shot", "")
	if err != nil {
		log.Print(err)
		return
	}
	repnet.PutObjectRef(shot.field("from"), p.id)
	repnet.PutObjectRef(shot.field("to"), id)
	repnet.PutInt32(shot.field("damage"), attackDamage)

	dmg := make([]byte, 4)
	repnet.PutInt32(dmg, attackDamage)
	if err := d.callRemote(target, target.schema.OperationIndex("hit"), dmg); err != nil {
		log.Print(err)
	}
	if err := d.callRemote(p, p.schema.OperationIndex("effect"), []byte{1}); err != nil {
		log.Print(err)
	}
}

// callRemote sends an operation of p to the peers it is meant for:
// the owner for client operations, every conn holding p otherwise.
func (d *daemon) callRemote(p *pawn, op int, args []byte) error {
	if op < 0 || op >= len(p.schema.Operations) {
		return repnet.ErrUnknownOperation
	}
	perm := p.schema.Operations[op].Perm

	var errs []error
	for _, c := range d.conns() {
		if perm == repnet.PermClient && c.Addr().String() != p.owner {
			continue
		}
		if perm == repnet.PermServer && d.role != repnet.RoleClient {
			continue
		}

		oc := c.ObjectChannel(p.id)
		if oc == nil {
			continue
		}
		if err := oc.CallOperation(op, args); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
