package repnet

import "fmt"

// A ControlChannel carries text records at index 0 before and alongside
// object replication.
type ControlChannel struct {
	*Channel
}

// Send queues text as one reliable record. Consecutive sends may share a
// bunch.
func (cc *ControlChannel) Send(text string) error {
	b := NewOutBunch(cc.Channel, false)
	b.Reliable = true
	b.WriteString(text)

	_, err := cc.SendBunch(b, true)
	return err
}

func (cc *ControlChannel) receivedBunch(b *InBunch) error {
	for !b.AtEnd() {
		text := b.ReadString()
		if b.Overflowed() {
			return fmt.Errorf("%w: truncated control record", ErrProtocolViolation)
		}

		cc.conn.driver.handler.ControlMessage(cc.conn, text)
		if cc.conn.broken || cc.state == ChannelDestroyed {
			return nil
		}
	}
	return nil
}

func (cc *ControlChannel) receivedNak(int) {}

func (cc *ControlChannel) tick() {}

// cleanUp closes the Conn along with the control channel at index 0.
func (cc *ControlChannel) cleanUp() {
	c := cc.conn
	if cc.index != ControlIndex || c.state == ConnClosed {
		return
	}
	if c.pendingClose == "" {
		c.pendingClose = "control channel closed"
	}
}
