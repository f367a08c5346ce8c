package repnet

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// Blob record kinds. Every record starts with its kind.
const (
	blobHeader = iota
	blobData
	blobCancel
	blobRecordMax = 4
)

const blobKindBits = 2

// A BlobWriter receives an incoming transfer. Commit is called after the
// last byte, Abort if the transfer ends early.
type BlobWriter interface {
	io.Writer
	Commit() error
	Abort()
}

// A BlobChannel transfers one named binary blob in either direction.
type BlobChannel struct {
	*Channel

	// OnDone is called once when the transfer ends.
	OnDone func(err error)

	// sending
	src        io.Reader
	name       string
	size       int
	sent       int
	headerSent bool

	// receiving
	dst      BlobWriter
	received int

	cancelled bool
	err       error
	done      bool
}

// Name returns the name of the transfer.
func (bc *BlobChannel) Name() string { return bc.name }

// Size returns the announced size of the transfer.
func (bc *BlobChannel) Size() int { return bc.size }

// Progress returns how many bytes were sent or received.
func (bc *BlobChannel) Progress() int {
	if bc.src != nil {
		return bc.sent
	}
	return bc.received
}

// SendBlob starts sending size bytes from r under name. The data goes out
// over the following ticks as the channel and the rate cap allow.
func (bc *BlobChannel) SendBlob(name string, r io.Reader, size int) error {
	if bc.src != nil || bc.dst != nil {
		return ErrTransferActive
	}
	if bc.state >= ChannelClosing {
		return ErrChannelClosed
	}
	if size < 0 || int64(size) > math.MaxUint32 {
		return fmt.Errorf("repnet: blob %s has invalid size %d", name, size)
	}

	bc.src = r
	bc.name = name
	bc.size = size
	bc.pump()

	return nil
}

// maxSendBytes is the data one bunch carries after hdr bits of records.
func (bc *BlobChannel) maxSendBytes(hdr int) int {
	return (bc.conn.maxBunchBits() - hdr - blobKindBits - 16) / 8
}

func (bc *BlobChannel) pump() {
	for bc.src != nil && bc.state < ChannelClosing && bc.IsReady() && bc.conn.IsNetReady() {
		b := NewOutBunch(bc.Channel, false)
		b.Reliable = true

		if !bc.headerSent {
			b.WriteInt(blobHeader, blobRecordMax)
			b.WriteString(bc.name)
			b.WriteUint32(uint32(bc.size))
			if b.Overflowed() {
				bc.fail(fmt.Errorf("%w: blob name %q", ErrBunchOverflow, bc.name))
				return
			}
		}

		n := bc.size - bc.sent
		if max := bc.maxSendBytes(b.NumBits()); n > max {
			n = max
			if n < 0 {
				n = 0
			}
		}
		if n > 0 {
			data := make([]byte, n)
			if _, err := io.ReadFull(bc.src, data); err != nil {
				bc.fail(fmt.Errorf("blob %s: %w", bc.name, err))
				return
			}
			b.WriteInt(blobData, blobRecordMax)
			b.WriteUint16(uint16(n))
			b.WriteBytes(data)
		}
		b.Close = bc.sent+n == bc.size

		if _, err := bc.SendBunch(b, false); err != nil {
			bc.fail(err)
			return
		}
		bc.headerSent = true
		bc.sent += n
	}
}

// fail cancels an outgoing transfer after a local error.
func (bc *BlobChannel) fail(err error) {
	bc.err = err
	bc.conn.logger.Print(bc.conn.addr, ": ", err)
	if bc.state < ChannelClosing {
		bc.sendCancel()
	}
}

// Cancel aborts the transfer in either direction. The peer sees a cancel
// record and the channel closes.
func (bc *BlobChannel) Cancel() error {
	if bc.state >= ChannelClosing {
		return nil
	}
	if bc.err == nil {
		bc.err = ErrTransferCancelled
	}
	return bc.sendCancel()
}

func (bc *BlobChannel) sendCancel() error {
	bc.cancelled = true
	if bc.dst != nil {
		bc.dst.Abort()
		bc.dst = nil
	}

	if bc.openPacketID < 0 && bc.openedLocally {
		bc.conditionalCleanUp()
		return nil
	}

	b := NewOutBunch(bc.Channel, true)
	b.Reliable = true
	b.WriteInt(blobCancel, blobRecordMax)

	_, err := bc.SendBunch(b, false)
	return err
}

func (bc *BlobChannel) receivedBunch(b *InBunch) error {
	for !b.AtEnd() {
		kind := b.ReadInt(blobRecordMax)
		if b.Overflowed() {
			return fmt.Errorf("%w: truncated blob record", ErrProtocolViolation)
		}

		switch kind {
		case blobHeader:
			if bc.headerSent || bc.name != "" {
				return fmt.Errorf("%w: second blob header on channel %d", ErrProtocolViolation, bc.index)
			}
			name := b.ReadString()
			size := int(b.ReadUint32())
			if b.Overflowed() {
				return fmt.Errorf("%w: truncated blob header", ErrProtocolViolation)
			}
			bc.name = name
			bc.size = size

			w, err := bc.conn.driver.handler.BeginBlob(bc.conn, name, size)
			if err != nil {
				bc.conn.logger.Print(bc.conn.addr, ": refused blob ", name, ": ", err)
				bc.err = err
				return bc.sendCancel()
			}
			bc.dst = w
		case blobData:
			n := int(b.ReadUint16())
			data := b.ReadBytes(n)
			if b.Overflowed() {
				return fmt.Errorf("%w: truncated blob data", ErrProtocolViolation)
			}
			if bc.cancelled {
				continue
			}
			if bc.dst == nil {
				return fmt.Errorf("%w: blob data before header on channel %d", ErrProtocolViolation, bc.index)
			}
			if bc.received+n > bc.size {
				return fmt.Errorf("%w: blob %s exceeds %d bytes", ErrProtocolViolation, bc.name, bc.size)
			}
			if _, err := bc.dst.Write(data); err != nil {
				bc.err = fmt.Errorf("blob %s: %w", bc.name, err)
				return bc.sendCancel()
			}
			bc.received += n
		case blobCancel:
			if bc.err == nil {
				bc.err = ErrTransferCancelled
			}
			bc.cancelled = true
			if bc.dst != nil {
				bc.dst.Abort()
				bc.dst = nil
			}
		default:
			return fmt.Errorf("%w: blob record kind %d", ErrProtocolViolation, kind)
		}
	}
	return nil
}

func (bc *BlobChannel) receivedNak(int) {}

func (bc *BlobChannel) tick() { bc.pump() }

func (bc *BlobChannel) cleanUp() {
	if bc.dst != nil {
		if bc.received == bc.size {
			if err := bc.dst.Commit(); err != nil {
				bc.err = fmt.Errorf("blob %s: %w", bc.name, err)
			}
		} else {
			bc.dst.Abort()
			if bc.err == nil {
				bc.err = fmt.Errorf("blob %s: %w after %d of %d bytes", bc.name, ErrChannelClosed, bc.received, bc.size)
			}
		}
		bc.dst = nil
	}

	if bc.src != nil && bc.err == nil && bc.sent < bc.size {
		bc.err = fmt.Errorf("blob %s: %w after %d of %d bytes", bc.name, ErrChannelClosed, bc.sent, bc.size)
	}
	if c, ok := bc.src.(io.Closer); ok {
		c.Close()
	}

	if !bc.done {
		bc.done = true
		if bc.OnDone != nil {
			bc.OnDone(bc.err)
		}
	}
}

// Err returns why the transfer failed, if it did.
func (bc *BlobChannel) Err() error { return bc.err }

// SendBlob opens a blob channel and starts sending r to the peer.
func (c *Conn) SendBlob(name string, r io.Reader, size int, done func(error)) (*BlobChannel, error) {
	ch, err := c.OpenChannel(ChannelBlob, -1)
	if err != nil {
		return nil, err
	}
	bc := ch.Blob()
	bc.OnDone = done

	if err := bc.SendBlob(name, r, size); err != nil {
		bc.OnDone = nil
		ch.conditionalCleanUp()
		return nil, err
	}
	return bc, nil
}

// A Strategy fetches a named blob. Fetch returns an error if it cannot
// start; otherwise done is called exactly once with the outcome.
type Strategy interface {
	Fetch(name string, done func(error)) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(name string, done func(error)) error

func (f StrategyFunc) Fetch(name string, done func(error)) error { return f(name, done) }

// A Download tries its Strategies in order until one succeeds.
type Download struct {
	Name       string
	Strategies []Strategy

	// Done receives nil or the joined errors of every strategy.
	Done func(err error)

	next int
	errs []error
}

// Start runs the first Strategy.
func (d *Download) Start() {
	d.next = 0
	d.errs = nil
	d.try()
}

func (d *Download) try() {
	for d.next < len(d.Strategies) {
		s := d.Strategies[d.next]
		d.next++

		if err := s.Fetch(d.Name, d.finished); err != nil {
			d.errs = append(d.errs, err)
			continue
		}
		return
	}

	err := fmt.Errorf("download %s: no strategy succeeded", d.Name)
	if len(d.errs) > 0 {
		err = fmt.Errorf("download %s: %w", d.Name, errors.Join(d.errs...))
	}
	if d.Done != nil {
		d.Done(err)
	}
}

func (d *Download) finished(err error) {
	if err == nil {
		if d.Done != nil {
			d.Done(nil)
		}
		return
	}

	d.errs = append(d.errs, err)
	d.try()
}
