package netmod

// unorderedMessenger implements the reliable-unordered delivery mode:
// every payload is eventually delivered exactly once, on its first
// arrival, so delivery order follows arrival order rather than send
// order; a gap at the head of the window does not hold back later
// messages. Ported from reliable_messenger.cpp.
type unorderedMessenger struct {
	lns uint8  // local_low_n_sent
	lnr uint8  // local_low_n_received
	lmr uint16 // local_messages_received bitmap

	rlnr uint8  // remote_low_n_received, as last observed here
	rmr  uint16 // remote_messages_received, as last observed here

	lastAckTime    uint64
	lastResendTime uint64

	allocator *ringAllocator
	window    [windowSize]pendingPacket
	queue     []queuedPacket
}

func newUnorderedMessenger(ringSize int, now uint64) *unorderedMessenger {
	return &unorderedMessenger{
		allocator:      newRingAllocator(ringSize),
		lastAckTime:    now,
		lastResendTime: now,
	}
}

func (m *unorderedMessenger) send(payload []byte) {
	buf := m.allocator.pushBack(5 + len(payload))
	if buf == nil {
		return
	}
	copy(buf[5:], payload)
	m.queue = append(m.queue, queuedPacket{buf: buf})
}

func (m *unorderedMessenger) update(now uint64, send func([]byte)) {
	for len(m.queue) > 0 && modularDistance(m.lns, m.rlnr) < windowSize {
		m.lastResendTime = now

		idx := m.lns % windowSize
		pkt := m.queue[0]
		m.queue = m.queue[1:]
		m.window[idx] = pendingPacket{seq: m.lns, buf: pkt.buf, inUse: true}

		w := newFrameWriter(pkt.buf)
		w.writeUint8(headerReliable)
		w.writeUint8(m.lns)
		w.writeUint8(m.lnr)
		w.writeUint16(m.lmr)

		send(pkt.buf)
		m.lns++
	}

	if now-m.lastResendTime > resendIntervalMicros && modularDistance(m.lns, m.rlnr) > 0 {
		m.lastResendTime = now

		dist := modularDistance(m.lns, m.rlnr)
		for k := uint32(0); k < dist; k++ {
			if (m.rmr>>k)&1 == 0 {
				seq := m.rlnr + uint8(k)
				m.resendMessage(seq, send)
			}
		}
	}
}

func (m *unorderedMessenger) resendMessage(seq uint8, send func([]byte)) {
	idx := seq % windowSize
	pkt := &m.window[idx]
	if !pkt.inUse {
		return
	}
	w := newFrameWriter(pkt.buf)
	w.skip(2) // header byte and message id are unchanged
	w.writeUint8(m.lnr)
	w.writeUint16(m.lmr)
	send(pkt.buf)
}

// receiveMessage handles an inbound RELIABLE frame: applies the
// piggybacked ack, then delivers the payload immediately if it falls
// within the window and hasn't already been seen, advancing LNR past any
// run of now-contiguous bits at the head of LMR.
// stream is the frame body with the header byte already stripped by
// Connection.receiveMessage, so the minimum wire length of 5 (header +
// id + sender_lnr + sender_lmr) becomes a minimum body length of 4.
func (m *unorderedMessenger) receiveMessage(stream []byte, now uint64, send func([]byte), deliver func([]byte)) {
	if len(stream) < 4 {
		return
	}

	r := newFrameReader(stream)
	messageID := r.readUint8()
	senderLNR := r.readUint8()
	senderLMR := r.readUint16()

	m.receiveAck(senderLNR, senderLMR, now)

	k := modularDistance(messageID, m.lnr)
	if k >= windowSize {
		return
	}
	flag := uint16(1) << k
	if m.lmr&flag != 0 {
		return
	}

	m.lmr |= flag
	deliver(r.rest())

	for m.lmr&1 == 1 {
		m.lnr++
		m.lmr >>= 1
	}

	ack := make([]byte, sizeReliableAck)
	w := newFrameWriter(ack)
	w.writeUint8(headerReliableAck)
	w.writeUint8(m.lnr)
	w.writeUint16(m.lmr)
	send(ack)
}

func (m *unorderedMessenger) receiveAck(newRND uint8, newStatus uint16, now uint64) {
	distOld := modularDistance(m.lns, m.rlnr)
	distNew := modularDistance(m.lns, newRND)
	if distNew > distOld {
		return
	}

	m.lastAckTime = now

	freed := int(newRND - m.rlnr)
	for i := 0; i < freed; i++ {
		m.allocator.popFront()
		idx := (m.rlnr + uint8(i)) % windowSize
		m.window[idx] = pendingPacket{}
	}

	m.rmr = newStatus
	m.rlnr = newRND
}
