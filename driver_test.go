package repnet

import (
	"reflect"
	"testing"
	"time"
)

func TestHandshake(t *testing.T) {
	e := newTestEnv(t)
	e.sh.onText = func(c *Conn, text string) {
		if text == "HELLO" {
			c.Control().Send("WELCOME")
		}
	}

	sc, cc := e.connect()
	e.tick(2)

	if sc.State() != ConnOpen {
		t.Fatalf("server conn state %d", sc.State())
	}
	if e.sh.opened != 1 {
		t.Fatalf("ConnOpened called %d times", e.sh.opened)
	}
	if got := e.ch.texts(); !reflect.DeepEqual(got, []string{"WELCOME"}) {
		t.Fatalf("client got %q", got)
	}
	if e.client.ServerConn() != cc {
		t.Fatal("client ServerConn mismatch")
	}
}

func TestRejectedPeer(t *testing.T) {
	e := newTestEnv(t)
	e.sh.reject = true

	cc, _ := e.client.Connect(e.serverAddr)
	cc.Control().Send("HELLO")
	e.tick(3)

	if e.server.ConnCount() != 0 {
		t.Fatalf("server has %d conns", e.server.ConnCount())
	}
	if cc.State() == ConnOpen {
		t.Fatal("client opened without a server")
	}
}

func TestSetAcceptOff(t *testing.T) {
	e := newTestEnv(t)
	e.server.SetAccept(false)

	cc, _ := e.client.Connect(e.serverAddr)
	cc.Control().Send("HELLO")
	e.tick(3)

	if e.server.ConnCount() != 0 {
		t.Fatalf("server accepted %d conns", e.server.ConnCount())
	}
}

func TestConnectionTimeout(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()

	ticks := int(testConfig().ConnectionTimeout/testTick) + 2
	for i := 0; i < ticks; i++ {
		e.client.Tick(testTick)
	}

	if cc.State() != ConnClosed {
		t.Fatalf("state %d, want closed", cc.State())
	}
	if cc.CloseReason() != "timed out" {
		t.Fatalf("reason %q", cc.CloseReason())
	}
	if e.client.ConnCount() != 0 || e.client.ServerConn() != nil {
		t.Fatal("closed conn not reaped")
	}
	if !reflect.DeepEqual(e.ch.closed, []string{"timed out"}) {
		t.Fatalf("ConnClosed got %q", e.ch.closed)
	}
}

func TestKeepAlive(t *testing.T) {
	e := newTestEnv(t)
	sc, cc := e.connect()

	for i := 0; i < int(time.Minute/testTick); i++ {
		e.tick(1)
	}

	if sc.State() != ConnOpen || cc.State() != ConnOpen {
		t.Fatalf("idle conns closed: server %q, client %q", sc.CloseReason(), cc.CloseReason())
	}
}

func TestCloseNotifiesPeer(t *testing.T) {
	e := newTestEnv(t)
	sc, cc := e.connect()

	e.client.Close("bye")
	e.server.Tick(testTick)

	if cc.State() != ConnClosed || sc.State() != ConnClosed {
		t.Fatalf("states client %d server %d", cc.State(), sc.State())
	}
	if e.server.ConnCount() != 0 {
		t.Fatal("server conn not reaped")
	}
	if len(e.sh.closed) != 1 {
		t.Fatalf("server ConnClosed calls %q", e.sh.closed)
	}
}

func TestChannelBeforeControlIgnored(t *testing.T) {
	e := newTestEnv(t)
	c := e.server.lookup(memAddr("forger"))

	b := rawBunch(ChannelObject, 4, 1, true, true)
	c.ReceivedRawPacket(rawPacket(0, nil, b))

	if c.Channel(4) != nil {
		t.Fatal("channel opened before the control channel")
	}
	if c.Broken() {
		t.Fatal("conn broken")
	}
}

func TestParallelConns(t *testing.T) {
	e := newTestEnv(t)
	sc, _ := e.connect()

	var clients []*Driver
	for _, name := range []string{"c1", "c2", "c3"} {
		tr := e.net.transport(name)
		d, err := NewDriver(RoleClient, tr, newTestWorld(), testRegistry(t), &testHandler{}, testConfig())
		if err != nil {
			t.Fatalf("driver: %v", err)
		}
		c, _ := d.Connect(e.serverAddr)
		c.Control().Send("HELLO")
		clients = append(clients, d)
	}

	for i := 0; i < 3; i++ {
		for _, d := range clients {
			d.Tick(testTick)
		}
		e.tick(1)
	}

	if n := e.server.ConnCount(); n != 4 {
		t.Fatalf("server has %d conns, want 4", n)
	}
	for _, d := range clients {
		if d.ServerConn().State() != ConnOpen {
			t.Fatal("client not open")
		}
	}
	if sc.State() != ConnOpen {
		t.Fatal("first conn closed")
	}
}
