package repnet

// Wire limits. Changing any of these breaks interoperability.
const (
	// MaxChannels is the maximum channel index + 1.
	MaxChannels = 1024

	// MaxChSequence is the modulus of reliable sequence numbers on the wire.
	MaxChSequence = 1024

	// MaxPacketID is the modulus of packet ids on the wire.
	MaxPacketID = 16384

	// MaxBunchBits bounds the payload size field of a bunch header.
	MaxBunchBits = 8192

	// ReliableBuffer is the capacity of a channel's outgoing and incoming
	// reliable queues.
	ReliableBuffer = 128

	// MaxSchemas bounds schema ids on the wire.
	MaxSchemas = 65536
)

// ControlIndex is the index of the control channel.
const ControlIndex = 0

const (
	packetHeaderBits = 14 // packet id
	terminatorBits   = 1
	ackBits          = 1 + 14

	// item + control + open + close + reliable + index + sequence + type + size
	maxBunchHeaderBits = 1 + 1 + 2 + 1 + 10 + 10 + 2 + 13

	// IP + UDP header overhead accounted against the rate cap.
	packetOverhead = 28

	// unacked reliable bunches on the control channel above which
	// timed resends are skipped
	maxHandshakeResend = 8
)

// bestSignedDifference returns the signed distance from reference to value
// modulo max. max must be a power of two.
func bestSignedDifference(value, reference, max int) int {
	return ((value - reference + max/2) & (max - 1)) - max/2
}

// makeRelative reconstructs the full value of a number that was sent modulo
// max, choosing the candidate closest to reference.
func makeRelative(value, reference, max int) int {
	return reference + bestSignedDifference(value, reference, max)
}
