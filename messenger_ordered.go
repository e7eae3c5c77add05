package netmod

// orderedMessenger implements the "stream" delivery mode: reliable,
// strictly in-order, deduplicated. It is ported from
// stream_messenger.cpp, minus the back-pointer to its owning connection
// (DESIGN.md's design-note 1) — callers pass a send function and a
// deliver function explicitly instead.
type orderedMessenger struct {
	lns  uint8 // local_low_n_sent
	lnr  uint8 // local_low_n_received
	rlnr uint8 // remote_low_n_received, as last observed here

	lastAckTime    uint64
	lastResendTime uint64

	allocator *ringAllocator
	window    [windowSize]pendingPacket
	queue     []queuedPacket
}

func newOrderedMessenger(ringSize int, now uint64) *orderedMessenger {
	return &orderedMessenger{
		allocator:      newRingAllocator(ringSize),
		lastAckTime:    now,
		lastResendTime: now,
	}
}

// send enqueues payload for eventual transmission. It silently drops the
// payload if the ring allocator has no room.
func (m *orderedMessenger) send(payload []byte) {
	buf := m.allocator.pushBack(3 + len(payload))
	if buf == nil {
		return
	}
	copy(buf[3:], payload)
	m.queue = append(m.queue, queuedPacket{buf: buf})
}

// update moves queued payloads into the window while there's room, then
// retransmits any still-unacknowledged window entries if the resend timer
// has elapsed. send transmits one fully-framed buffer.
func (m *orderedMessenger) update(now uint64, send func([]byte)) {
	for len(m.queue) > 0 && modularDistance(m.lns, m.rlnr) < windowSize {
		m.lastResendTime = now

		idx := m.lns % windowSize
		pkt := m.queue[0]
		m.queue = m.queue[1:]
		m.window[idx] = pendingPacket{seq: m.lns, buf: pkt.buf, inUse: true}

		w := newFrameWriter(pkt.buf)
		w.writeUint8(headerStream)
		w.writeUint8(m.lns)
		w.writeUint8(m.lnr)

		send(pkt.buf)
		m.lns++
	}

	if now-m.lastResendTime > resendIntervalMicros && modularDistance(m.lns, m.rlnr) > 0 {
		m.lastResendTime = now

		dist := modularDistance(m.lns, m.rlnr)
		for k := uint32(0); k < dist; k++ {
			seq := m.rlnr + uint8(k)
			m.resendMessage(seq, send)
		}
	}
}

func (m *orderedMessenger) resendMessage(seq uint8, send func([]byte)) {
	idx := seq % windowSize
	pkt := &m.window[idx]
	if !pkt.inUse {
		return
	}
	w := newFrameWriter(pkt.buf)
	w.skip(2) // header byte and message id are unchanged
	w.writeUint8(m.lnr)
	send(pkt.buf)
}

// receiveMessage handles an inbound STREAM frame: applies the piggybacked
// ack, then delivers the payload and acks it only if it is exactly the
// next expected sequence number. Anything else (duplicate, or ahead of
// the head) is silently dropped.
// stream is the frame body with the header byte already stripped by
// Connection.receiveMessage, so the minimum wire length of 3 (header +
// id + sender_lnr) becomes a minimum body length of 2.
func (m *orderedMessenger) receiveMessage(stream []byte, now uint64, send func([]byte), deliver func([]byte)) {
	if len(stream) < 2 {
		return
	}

	r := newFrameReader(stream)
	messageID := r.readUint8()
	senderLNR := r.readUint8()

	m.receiveAck(senderLNR, now)

	if messageID != m.lnr {
		return
	}
	m.lnr++
	deliver(r.rest())

	ack := make([]byte, sizeStreamAck)
	w := newFrameWriter(ack)
	w.writeUint8(headerStreamAck)
	w.writeUint8(m.lnr)
	send(ack)
}

// receiveAck applies a cumulative ack, freeing any send-window slots it
// newly acknowledges. Acks that would move RLNR backward relative to LNS
// are ignored.
func (m *orderedMessenger) receiveAck(newRND uint8, now uint64) {
	distOld := modularDistance(m.lns, m.rlnr)
	distNew := modularDistance(m.lns, newRND)
	if distNew > distOld {
		return
	}

	m.lastAckTime = now

	freed := int(newRND - m.rlnr) // uint8 subtraction wraps mod 256
	for i := 0; i < freed; i++ {
		m.allocator.popFront()
		idx := (m.rlnr + uint8(i)) % windowSize
		m.window[idx] = pendingPacket{}
	}

	m.rlnr = newRND
}
