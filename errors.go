package repnet

import "errors"

var (
	// ErrProtocolViolation is fatal to the connection it occurs on.
	ErrProtocolViolation = errors.New("repnet: protocol violation")

	ErrChannelClosed      = errors.New("repnet: channel closed")
	ErrConnClosed         = errors.New("repnet: connection closed")
	ErrTemporaryReliable  = errors.New("repnet: reliable send on temporary channel")
	ErrReliableBufferFull = errors.New("repnet: outgoing reliable buffer overflow")
	ErrBunchOverflow      = errors.New("repnet: bunch overflow")
	ErrNoFreeChannel      = errors.New("repnet: no free channel index")
	ErrChannelInUse       = errors.New("repnet: channel index in use")
	ErrInvalidChannelType = errors.New("repnet: invalid channel type")
	ErrNotBound           = errors.New("repnet: object channel not bound")
	ErrNotOpened          = errors.New("repnet: object not opened on channel")
	ErrUnknownOperation   = errors.New("repnet: unknown operation")
	ErrBadArguments       = errors.New("repnet: argument size mismatch")
	ErrTransferActive     = errors.New("repnet: transfer already active")
	ErrTransferCancelled  = errors.New("repnet: transfer cancelled")

	// ErrNoData is returned by Transport.ReceiveDatagram when nothing is
	// pending.
	ErrNoData = errors.New("repnet: no data")

	ErrUnknownPeer = errors.New("repnet: unknown peer")
)
