package netmod

import "time"

// Header bytes for every frame type on the wire. Values and body layouts
// are normative.
const (
	headerConnectionRequest  byte = 0x01
	headerConnectionAccepted byte = 0x02
	headerConnectionRejected byte = 0x03
	headerDisconnecting      byte = 0x04
	headerQuery              byte = 0x05
	headerQueryResponse      byte = 0x06
	headerPing               byte = 0x07
	headerPingResponse       byte = 0x08
	headerUnreliable         byte = 0x09
	headerReliable           byte = 0x0A
	headerReliableAck        byte = 0x0B
	headerStream             byte = 0x0C
	headerStreamAck          byte = 0x0D
)

// Fixed body sizes (header byte included) for frames that carry no
// variable-length payload. Frames shorter or longer than this are
// malformed and silently dropped.
const (
	sizeConnectionRequest  = 25
	sizeConnectionAccepted = 17
	sizeConnectionRejected = 5
	sizeDisconnecting      = 1
	sizeQuery              = 1
	sizeQueryResponse      = 14
	sizePing               = 5
	sizePingResponse       = 5
	sizeReliableAck        = 4
	sizeStreamAck          = 2
)

// protocolVersion identifies wire-compatible peers. It is carried in
// CONNECTION_REQUEST and QUERY_RESPONSE.
const protocolVersion uint32 = 0x33366999

// DefaultMTU bounds a single framed datagram, so the largest accepted
// application payload is DefaultMTU minus the delivery mode's header
// overhead. Oversize sends are rejected rather than fragmented
// (no-fragmentation is a hard non-goal).
const DefaultMTU = 800

// Protocol timing, matching the original implementation's
// network_session constants.
const (
	resendInterval  = 100 * time.Millisecond
	pingInterval    = 1 * time.Second
	timeoutInterval = 10 * time.Second
)

// Timing constants expressed in microseconds, to compare directly against
// clock.microseconds() readings without repeated conversion.
const (
	resendIntervalMicros  = uint64(resendInterval / time.Microsecond)
	pingIntervalMicros    = uint64(pingInterval / time.Microsecond)
	timeoutIntervalMicros = uint64(timeoutInterval / time.Microsecond)
)

// windowSize is the fixed size of the sliding window shared by both
// messengers, and the width of the unordered messenger's ack bitmap.
const windowSize = 16

// Per-mode header overhead a payload carries once framed, used to bound
// Session.Send* payloads so the resulting wire frame never exceeds the
// configured MTU.
const (
	unreliableHeaderOverhead = 1 // header byte only
	streamHeaderOverhead     = 3 // header + id + sender_lnr
	reliableHeaderOverhead   = 5 // header + id + sender_lnr + sender_lmr
)

// RejectReason explains why a CONNECTION_REQUEST was refused.
type RejectReason uint32

// Reject reasons sent in CONNECTION_REJECTED. The original implementation
// assigns InvalidPassword and ServerFull the same numeric value (2); this
// port keeps them distinct (see DESIGN.md) but documents the collision for
// anyone implementing a peer against the original wire values.
const (
	RejectNone            RejectReason = 0
	RejectInvalidProtocol RejectReason = 1
	RejectInvalidPassword RejectReason = 2
	RejectServerFull      RejectReason = 3
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectInvalidProtocol:
		return "invalid protocol version"
	case RejectInvalidPassword:
		return "invalid password"
	case RejectServerFull:
		return "server full"
	default:
		return "unknown reject reason"
	}
}
