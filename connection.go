package netmod

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Connection is the per-peer state for one established session: one
// ordered and one unordered reliable messenger, a ping clock, and a
// sticky disconnected flag. Ported from network_session::connection,
// with the messenger back-pointers removed (see design note 1 in
// DESIGN.md) — a Connection drives its messengers by passing them a send
// closure and a deliver closure rather than having them reach back
// through a stored pointer.
type Connection struct {
	remoteEndpoint *net.UDPAddr
	remoteID       Identity

	lastPingTime uint64
	disconnected bool

	stream   *orderedMessenger
	reliable *unorderedMessenger

	transport *udpTransport
	handler   Handler
	log       *logrus.Entry
}

func newConnection(remote *net.UDPAddr, remoteID Identity, transport *udpTransport, handler Handler, streamRing, reliableRing int, now uint64, log *logrus.Entry) *Connection {
	return &Connection{
		remoteEndpoint: remote,
		remoteID:       remoteID,
		lastPingTime:   now,
		stream:         newOrderedMessenger(streamRing, now),
		reliable:       newUnorderedMessenger(reliableRing, now),
		transport:      transport,
		handler:        handler,
		log:            log.WithField("peer", remoteID),
	}
}

// Disconnected reports whether this connection has declared itself dead,
// by an explicit DISCONNECTING frame, by both messengers' ack clocks
// going stale at once, or by a local disconnect. The flag is monotonic: once set, it never
// clears.
func (c *Connection) Disconnected() bool {
	return c.disconnected
}

// RemoteIdentity returns the peer's identity.
func (c *Connection) RemoteIdentity() Identity {
	return c.remoteID
}

// RemoteAddr returns the peer's UDP endpoint.
func (c *Connection) RemoteAddr() *net.UDPAddr {
	return c.remoteEndpoint
}

func (c *Connection) sendRaw(buf []byte) {
	if err := c.transport.send(buf, c.remoteEndpoint); err != nil {
		c.log.WithError(err).Debug("failed to send frame")
	}
}

func (c *Connection) deliver(payload []byte) {
	c.handler.OnMessageReceived(append([]byte(nil), payload...), c.remoteID)
}

func (c *Connection) sendUnreliable(payload []byte) {
	buf := make([]byte, 1+len(payload))
	buf[0] = headerUnreliable
	copy(buf[1:], payload)
	c.sendRaw(buf)
}

func (c *Connection) sendStream(payload []byte) {
	c.stream.send(payload)
}

func (c *Connection) sendReliable(payload []byte) {
	c.reliable.send(payload)
}

// receiveMessage dispatches one inbound frame by its header byte.
func (c *Connection) receiveMessage(buf []byte, now uint64) {
	if len(buf) < 1 {
		return
	}
	header := buf[0]
	body := buf[1:]

	switch header {
	case headerDisconnecting:
		c.disconnected = true

	case headerPing:
		if len(buf) != sizePing {
			return
		}
		resp := make([]byte, sizePingResponse)
		w := newFrameWriter(resp)
		w.writeUint8(headerPingResponse)
		w.writeUint8(c.stream.lnr)
		w.writeUint8(c.reliable.lnr)
		w.writeUint16(c.reliable.lmr)
		c.sendRaw(resp)

	case headerPingResponse:
		if len(buf) != sizePingResponse {
			return
		}
		r := newFrameReader(body)
		c.stream.receiveAck(r.readUint8(), now)
		c.reliable.receiveAck(r.readUint8(), r.readUint16(), now)

	case headerStream:
		c.stream.receiveMessage(body, now, c.sendRaw, c.deliver)

	case headerStreamAck:
		if len(buf) != sizeStreamAck {
			return
		}
		c.stream.receiveAck(body[0], now)

	case headerReliable:
		c.reliable.receiveMessage(body, now, c.sendRaw, c.deliver)

	case headerReliableAck:
		if len(buf) != sizeReliableAck {
			return
		}
		r := newFrameReader(body)
		c.reliable.receiveAck(r.readUint8(), r.readUint16(), now)

	case headerUnreliable:
		c.deliver(body)
	}
}

// update advances this connection by one tick: checks for a double
// timeout, services both messengers, and pings if due.
func (c *Connection) update(now uint64) {
	sinceStreamAck := now - c.stream.lastAckTime
	sinceReliableAck := now - c.reliable.lastAckTime

	if sinceStreamAck > timeoutIntervalMicros && sinceReliableAck > timeoutIntervalMicros {
		c.disconnected = true
		return
	}

	c.stream.update(now, c.sendRaw)
	c.reliable.update(now, c.sendRaw)

	if now-c.lastPingTime > pingIntervalMicros {
		c.lastPingTime = now

		ping := make([]byte, sizePing)
		w := newFrameWriter(ping)
		w.writeUint8(headerPing)
		w.writeUint8(c.stream.lnr)
		w.writeUint8(c.reliable.lnr)
		w.writeUint16(c.reliable.lmr)
		c.sendRaw(ping)
	}
}

// disconnect marks the connection dead and best-effort notifies the peer,
// used both for a local Session.Disconnect call and session teardown.
func (c *Connection) disconnect() {
	c.sendRaw([]byte{headerDisconnecting})
	c.disconnected = true
}
