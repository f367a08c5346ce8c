package repnet

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func (h *testHandler) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.messages...)
}

func TestReliableReorder(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()

	e.ct.hold = true
	for _, text := range []string{"a", "b", "c"} {
		if err := cc.Control().Send(text); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
		cc.FlushNet()
	}
	e.ct.release(1, 2, 0)
	e.server.Tick(testTick)

	want := []string{"HELLO", "a", "b", "c"}
	if got := e.sh.texts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReliableShuffleAndDuplicate(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()

	e.ct.hold = true
	e.ct.filter = func(int, []byte) int { return 2 }

	want := []string{"HELLO"}
	for i := 0; i < 40; i++ {
		text := fmt.Sprint("msg", i)
		want = append(want, text)
		if err := cc.Control().Send(text); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
		cc.FlushNet()
	}

	rng := rand.New(rand.NewSource(1))
	e.ct.filter = nil
	e.ct.release(rng.Perm(len(e.ct.held))...)
	e.server.Tick(testTick)

	if got := e.sh.texts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInQueueOverflowBreaks(t *testing.T) {
	e := newTestEnv(t)
	c := e.server.lookup(memAddr("forger"))

	open := rawBunch(ChannelControl, ControlIndex, 1, true, true)
	c.ReceivedRawPacket(rawPacket(0, nil, open))
	if c.Channel(ControlIndex) == nil {
		t.Fatal("control channel not opened")
	}

	for seq := 3; seq < 3+ReliableBuffer; seq++ {
		b := rawBunch(ChannelControl, ControlIndex, seq, true, false)
		b.WriteString("x")
		c.ReceivedRawPacket(rawPacket(seq, nil, b))
		if c.Broken() {
			break
		}
	}

	if !c.Broken() {
		t.Fatal("conn not broken by a full incoming queue")
	}
	if c.State() != ConnClosed {
		t.Fatalf("state %d, want closed", c.State())
	}
}

func TestMalformedPacketBreaks(t *testing.T) {
	e := newTestEnv(t)
	c := e.server.lookup(memAddr("forger"))

	c.ReceivedRawPacket([]byte{0x12, 0x00})
	if !c.Broken() {
		t.Fatal("zero last byte accepted")
	}
}

func TestAckReleasesPrefix(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()
	ch := cc.Channel(ControlIndex)

	e.ct.filter = func(int, []byte) int { return 0 }

	var ids []int
	for _, text := range []string{"a", "b", "c"} {
		cc.Control().Send(text)
		ids = append(ids, cc.OutPacketID())
		cc.FlushNet()
	}
	if ch.NumOutRec() != 3 {
		t.Fatalf("%d queued, want 3", ch.NumOutRec())
	}

	in := cc.inPacketID + 1
	ack := func(id int) {
		cc.ReceivedRawPacket(rawPacket(in, []int{id}))
		in++
	}

	ack(ids[0])
	if ch.NumOutRec() != 2 {
		t.Fatalf("after ack of a: %d queued, want 2", ch.NumOutRec())
	}

	// acking c infers a nak for b, which goes into the next packet
	ack(ids[2])
	if ch.NumOutRec() != 2 {
		t.Fatalf("after ack of c: %d queued, want 2", ch.NumOutRec())
	}
	if b := ch.outRec.head(); b.PacketID != cc.OutPacketID() || b.ReceivedAck {
		t.Fatalf("b in packet %d acked %v, want resent in %d", b.PacketID, b.ReceivedAck, cc.OutPacketID())
	}
	if c := ch.outRec.items[1]; !c.ReceivedAck || c.PacketID != ids[2] {
		t.Fatalf("c in packet %d acked %v", c.PacketID, c.ReceivedAck)
	}

	resend := cc.OutPacketID()
	cc.FlushNet()
	ack(resend)
	if ch.NumOutRec() != 0 {
		t.Fatalf("after ack of resend: %d queued, want 0", ch.NumOutRec())
	}
}

func TestAckOfUnsentPacketBreaks(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()

	cc.ReceivedRawPacket(rawPacket(cc.inPacketID+1, []int{cc.OutPacketID() + 5}))
	if !cc.Broken() {
		t.Fatal("ack of an unsent packet accepted")
	}
}

func TestTemporaryChannel(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()

	ch, err := cc.OpenChannel(ChannelControl, 5)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	b := NewOutBunch(ch, false)
	b.WriteString("x")
	if _, err := ch.SendBunch(b, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !ch.OpenTemporary() {
		t.Fatal("unreliable open is not temporary")
	}

	rb := NewOutBunch(ch, false)
	rb.Reliable = true
	if _, err := ch.SendBunch(rb, false); !errors.Is(err, ErrTemporaryReliable) {
		t.Fatalf("reliable send on temporary channel: %v", err)
	}

	e.tick(2)

	if got := e.sh.texts(); got[len(got)-1] != "x" {
		t.Fatalf("server got %q", got)
	}
	if ch.State() != ChannelDestroyed || cc.Channel(5) != nil {
		t.Fatalf("temporary channel state %d after ack", ch.State())
	}
}

func TestTemporaryChannelNak(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()

	e.ct.filter = func(int, []byte) int { return 0 }

	ch, _ := cc.OpenChannel(ChannelControl, 5)
	b := NewOutBunch(ch, false)
	b.WriteString("x")
	ch.SendBunch(b, false)
	cc.FlushNet()

	cc.Control().Send("y")
	next := cc.OutPacketID()
	cc.FlushNet()

	cc.ReceivedRawPacket(rawPacket(cc.inPacketID+1, []int{next}))
	if ch.State() != ChannelDestroyed {
		t.Fatalf("state %d after nak of the open packet", ch.State())
	}
	if cc.Broken() {
		t.Fatal("conn broken")
	}
}

func TestMergeReliable(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()
	ch := cc.Channel(ControlIndex)

	cc.Control().Send("a")
	cc.Control().Send("b")
	if ch.NumOutRec() != 1 {
		t.Fatalf("%d queued after merge, want 1", ch.NumOutRec())
	}
	if ch.OutReliableSeq() != 2 {
		t.Fatalf("sequence %d, want 2", ch.OutReliableSeq())
	}

	e.tick(2)

	want := []string{"HELLO", "a", "b"}
	if got := e.sh.texts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if ch.NumOutRec() != 0 {
		t.Fatalf("%d still queued", ch.NumOutRec())
	}
}

func TestMergeUnreliable(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()

	ch, _ := cc.OpenChannel(ChannelControl, 5)
	for _, text := range []string{"x", "y"} {
		b := NewOutBunch(ch, false)
		b.WriteString(text)
		if _, err := ch.SendBunch(b, true); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
	}

	sent := len(e.ct.sent)
	cc.FlushNet()
	if n := len(e.ct.sent) - sent; n != 1 {
		t.Fatalf("%d datagrams, want 1", n)
	}

	e.server.Tick(testTick)
	got := e.sh.texts()
	if want := []string{"HELLO", "x", "y"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestControlResendWithoutNak(t *testing.T) {
	e := newTestEnv(t)
	_, cc := e.connect()
	ch := cc.Channel(ControlIndex)

	e.ct.filter = func(int, []byte) int { return 0 }
	cc.Control().Send("lost")
	first := cc.OutPacketID()

	for i := 0; i < 25; i++ {
		e.client.Tick(testTick)
	}
	if b := ch.outRec.head(); b == nil || b.PacketID == first {
		t.Fatal("bunch was not resent after the timeout")
	}

	e.ct.filter = nil
	e.tick(30)

	n := 0
	for _, text := range e.sh.texts() {
		if text == "lost" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("delivered %d times, want 1", n)
	}
}

func TestCloseChannelReleasesSlot(t *testing.T) {
	e := newTestEnv(t)
	sc, _ := e.connect()

	ch, err := sc.OpenChannel(ChannelControl, 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ch.Control().Send("hi")
	if _, err := sc.OpenChannel(ChannelControl, 3); !errors.Is(err, ErrChannelInUse) {
		t.Fatalf("reopen while in use: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	e.tick(3)

	if sc.Channel(3) != nil {
		t.Fatal("slot not released")
	}
	if _, err := sc.OpenChannel(ChannelControl, 3); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func sendTestBlob(t *testing.T, e *testEnv, ch *Channel, data []byte) *memBlob {
	t.Helper()

	if err := ch.Blob().SendBlob("f", bytes.NewReader(data), len(data)); err != nil {
		t.Fatalf("send blob: %v", err)
	}
	for i := 0; i < 40; i++ {
		e.tick(1)
		if b := e.sh.blobs["f"]; b != nil && b.committed {
			return b
		}
	}
	t.Fatalf("blob not committed, server blobs %v", e.sh.blobs)
	return nil
}

func TestTemporaryChannelSlotReuse(t *testing.T) {
	e := newTestEnv(t)
	sc, cc := e.connect()

	ch, _ := cc.OpenChannel(ChannelControl, 5)
	b := NewOutBunch(ch, false)
	b.WriteString("x")
	if _, err := ch.SendBunch(b, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	e.tick(2)

	if cc.Channel(5) != nil {
		t.Fatal("client slot still taken")
	}
	if sc.Channel(5) != nil {
		t.Fatal("server slot still taken after the temporary bunch")
	}

	bch, err := cc.OpenChannel(ChannelBlob, 5)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data := testBlobBytes(1500)
	if got := sendTestBlob(t, e, bch, data); !bytes.Equal(got.Bytes(), data) {
		t.Fatalf("received %d bytes, want %d", got.Len(), len(data))
	}
	if sc.Broken() {
		t.Fatalf("server broken: %s", sc.CloseReason())
	}
}

func TestOpenOfOtherTypeReplacesChannel(t *testing.T) {
	e := newTestEnv(t)
	sc, cc := e.connect()

	ch, _ := cc.OpenChannel(ChannelControl, 6)
	if err := ch.Control().Send("a"); err != nil {
		t.Fatalf("send: %v", err)
	}
	e.tick(2)
	if sc.Channel(6) == nil || sc.Channel(6).Type() != ChannelControl {
		t.Fatal("server has no control channel at 6")
	}

	// drop the client end without telling the server
	ch.conditionalCleanUp()
	cc.reapChannels()

	bch, err := cc.OpenChannel(ChannelBlob, 6)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data := testBlobBytes(800)
	if got := sendTestBlob(t, e, bch, data); !bytes.Equal(got.Bytes(), data) {
		t.Fatalf("received %d bytes, want %d", got.Len(), len(data))
	}
	if sc.Broken() {
		t.Fatalf("server broken: %s", sc.CloseReason())
	}
}
