package netmod

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler receives decoded application payloads and connection lifecycle
// events from a Session. Every method is invoked synchronously from
// within Session.Update, in the order the driving events were processed;
// a handler must not call Session.Close or create another Session from
// within a callback, but re-entrant sends and Disconnect calls are fine.
type Handler interface {
	// OnMessageReceived is called for every application payload, on any
	// delivery mode, decoded from a peer.
	OnMessageReceived(payload []byte, from Identity)
	// OnPeerJoined is called once a handshake (inbound or outbound)
	// completes and a Connection now exists for id.
	OnPeerJoined(id Identity)
	// OnPeerDisconnected is called exactly once per connection that is
	// removed by a DISCONNECTING frame or a double ack timeout. It is not
	// called for connections removed by a local Session.Disconnect or
	// Session.Close.
	OnPeerDisconnected(id Identity)
	// OnQueryResult is called when a QUERY_RESPONSE arrives for an
	// earlier Session.Query call.
	OnQueryResult(from *net.UDPAddr, protocolOK, hasPassword bool, connections, maxConnections uint32)
	// OnConnectResult is called when a peer answers a Session.TryConnect
	// (never, if no answer arrives): ok is true
	// with reason RejectNone on success, or false with the reject reason
	// the peer (or a CONNECTION_REJECTED frame) reported.
	OnConnectResult(id Identity, ok bool, reason RejectReason)
}

// Config parameterizes a new Session. There is no file or environment
// based configuration (a hard non-goal); every field here maps directly
// to a constructor argument in the original network_session::create.
type Config struct {
	// Port is the local UDP port to bind. 0 lets the OS choose one.
	Port int
	// Password gates incoming CONNECTION_REQUESTs; 0 means no password.
	Password uint32
	// MaxConnections caps how many peers may be connected at once.
	MaxConnections uint32
	// Handler receives payloads and lifecycle callbacks. Required.
	Handler Handler
	// MTU bounds a single framed datagram (payload plus the delivery
	// mode's header overhead); defaults to DefaultMTU.
	MTU int
	// StreamRingSize and ReliableRingSize size each connection's two
	// per-messenger ring allocators. They default to defaultRingSize.
	StreamRingSize   int
	ReliableRingSize int
	// SimulatedLossRate drops outgoing datagrams with this probability,
	// in [0,1). Used by tests and the stress CLI; never set in normal
	// operation.
	SimulatedLossRate float64
	// Logger receives diagnostic output. Defaults to logrus's standard
	// logger if nil.
	Logger *logrus.Entry
}

const defaultRingSize = windowSize * 1024

// Session owns one UDP socket, the local identity, the live connection
// set, and the unconnected-packet handshake/query state machine. Ported
// from network_session.
type Session struct {
	transport *udpTransport

	localID        Identity
	password       uint32
	maxConnections uint32
	mtu            int

	streamRingSize   int
	reliableRingSize int

	handler Handler
	clock   clock
	log     *logrus.Entry

	byIdentity map[Identity]*Connection
	byAddr     map[string]*Connection

	recvBuf []byte
	closed  bool
}

// NewSession binds a UDP socket on cfg.Port and returns a ready-to-drive
// Session. Bind failure is fatal: no Session is returned.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Handler == nil {
		return nil, errors.New("netmod: Config.Handler is required")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, errors.Wrap(err, "netmod: failed to bind udp socket")
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	streamRingSize := cfg.StreamRingSize
	if streamRingSize == 0 {
		streamRingSize = defaultRingSize
	}
	reliableRingSize := cfg.ReliableRingSize
	if reliableRingSize == 0 {
		reliableRingSize = defaultRingSize
	}

	localID := newIdentity()

	s := &Session{
		transport:        newUDPTransport(conn, cfg.SimulatedLossRate),
		localID:          localID,
		password:         cfg.Password,
		maxConnections:   cfg.MaxConnections,
		mtu:              mtu,
		streamRingSize:   streamRingSize,
		reliableRingSize: reliableRingSize,
		handler:          cfg.Handler,
		clock:            newSystemClock(),
		log:              log.WithField("local_id", localID),
		byIdentity:       make(map[Identity]*Connection),
		byAddr:           make(map[string]*Connection),
		recvBuf:          make([]byte, mtu+64),
	}

	s.log.Info("session created")
	return s, nil
}

// LocalIdentity returns this session's own identity.
func (s *Session) LocalIdentity() Identity {
	return s.localID
}

// LocalAddr returns the bound UDP address.
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.transport.localAddr()
}

// Connections returns the currently live connections. The slice is a
// fresh copy; mutating it does not affect the session.
func (s *Session) Connections() []*Connection {
	out := make([]*Connection, 0, len(s.byIdentity))
	for _, c := range s.byIdentity {
		out = append(out, c)
	}
	return out
}

// Connection looks up a live connection by peer identity.
func (s *Session) Connection(id Identity) (*Connection, bool) {
	c, ok := s.byIdentity[id]
	return c, ok
}

// Update drains every pending datagram and then ticks every connection.
// It must be called on a regular cadence by a single goroutine; nothing
// inside Session is safe to call concurrently with Update.
func (s *Session) Update() {
	if s.closed {
		return
	}

	now := s.clock.microseconds()
	s.drain(now)
	s.tick(now)
}

func (s *Session) drain(now uint64) {
	for {
		n, from, ok, err := s.transport.tryReceive(s.recvBuf)
		if err != nil {
			s.log.WithError(err).Debug("recv failed")
			return
		}
		if !ok {
			return
		}

		datagram := s.recvBuf[:n]
		conn, found := s.byAddr[from.String()]
		if !found {
			s.handleUnconnected(from, datagram, now)
			continue
		}

		conn.receiveMessage(datagram, now)
		if conn.Disconnected() {
			s.removeConnection(conn)
		}
	}
}

func (s *Session) tick(now uint64) {
	for _, c := range s.byIdentity {
		c.update(now)
	}

	var dead []*Connection
	for _, c := range s.byIdentity {
		if c.Disconnected() {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		s.removeConnection(c)
	}
}

func (s *Session) removeConnection(c *Connection) {
	delete(s.byIdentity, c.remoteID)
	delete(s.byAddr, c.remoteEndpoint.String())
	s.handler.OnPeerDisconnected(c.remoteID)
}

func (s *Session) addConnection(addr *net.UDPAddr, remoteID Identity, now uint64) *Connection {
	c := newConnection(addr, remoteID, s.transport, s.handler, s.streamRingSize, s.reliableRingSize, now, s.log)
	s.byIdentity[remoteID] = c
	s.byAddr[addr.String()] = c
	return c
}

// handleUnconnected dispatches a frame from an address with no existing
// connection: handshake and discovery frames.
// Every other header is silently dropped.
func (s *Session) handleUnconnected(from *net.UDPAddr, datagram []byte, now uint64) {
	if len(datagram) < 1 {
		return
	}

	switch datagram[0] {
	case headerConnectionRequest:
		s.handleConnectionRequest(from, datagram, now)

	case headerConnectionAccepted:
		if len(datagram) != sizeConnectionAccepted {
			return
		}
		remoteID := newFrameReader(datagram[1:]).readIdentity()
		s.addConnection(from, remoteID, now)
		s.handler.OnPeerJoined(remoteID)
		s.handler.OnConnectResult(remoteID, true, RejectNone)

	case headerConnectionRejected:
		if len(datagram) != sizeConnectionRejected {
			return
		}
		reason := RejectReason(newFrameReader(datagram[1:]).readUint32())
		s.handler.OnConnectResult(NilIdentity, false, reason)

	case headerQuery:
		if len(datagram) != sizeQuery {
			return
		}
		s.handleQuery(from)

	case headerQueryResponse:
		if len(datagram) != sizeQueryResponse {
			return
		}
		s.handleQueryResponse(from, datagram)
	}
}

func (s *Session) handleConnectionRequest(from *net.UDPAddr, datagram []byte, now uint64) {
	if len(datagram) != sizeConnectionRequest {
		return
	}

	r := newFrameReader(datagram[1:])
	version := r.readUint32()
	password := r.readUint32()
	remoteID := r.readIdentity()

	reason := RejectNone
	switch {
	case version != protocolVersion:
		reason = RejectInvalidProtocol
	case password != s.password:
		reason = RejectInvalidPassword
	case uint32(len(s.byIdentity)) >= s.maxConnections:
		reason = RejectServerFull
	}

	if reason != RejectNone {
		resp := make([]byte, sizeConnectionRejected)
		w := newFrameWriter(resp)
		w.writeUint8(headerConnectionRejected)
		w.writeUint32(uint32(reason))
		if err := s.transport.send(resp, from); err != nil {
			s.log.WithError(err).Debug("failed to send CONNECTION_REJECTED")
		}
		return
	}

	resp := make([]byte, sizeConnectionAccepted)
	w := newFrameWriter(resp)
	w.writeUint8(headerConnectionAccepted)
	w.writeIdentity(s.localID)
	if err := s.transport.send(resp, from); err != nil {
		s.log.WithError(err).Debug("failed to send CONNECTION_ACCEPTED")
		return
	}

	s.addConnection(from, remoteID, now)
	s.handler.OnPeerJoined(remoteID)
}

func (s *Session) handleQuery(from *net.UDPAddr) {
	resp := make([]byte, sizeQueryResponse)
	w := newFrameWriter(resp)
	w.writeUint8(headerQueryResponse)
	w.writeUint32(protocolVersion)
	w.writeUint32(uint32(len(s.byIdentity)))
	w.writeUint32(s.maxConnections)
	if s.password != 0 {
		w.writeUint8(1)
	} else {
		w.writeUint8(0)
	}
	if err := s.transport.send(resp, from); err != nil {
		s.log.WithError(err).Debug("failed to send QUERY_RESPONSE")
	}
}

func (s *Session) handleQueryResponse(from *net.UDPAddr, datagram []byte) {
	r := newFrameReader(datagram[1:])
	version := r.readUint32()
	connections := r.readUint32()
	maxConnections := r.readUint32()
	hasPassword := r.readUint8() != 0
	s.handler.OnQueryResult(from, version == protocolVersion, hasPassword, connections, maxConnections)
}

// TryConnect sends a CONNECTION_REQUEST to addr. The outcome arrives
// later via Handler.OnConnectResult, or never if the peer is unreachable
// and never replies.
func (s *Session) TryConnect(addr *net.UDPAddr, password uint32) error {
	if s.closed {
		return ErrSessionClosed
	}
	buf := make([]byte, sizeConnectionRequest)
	w := newFrameWriter(buf)
	w.writeUint8(headerConnectionRequest)
	w.writeUint32(protocolVersion)
	w.writeUint32(password)
	w.writeIdentity(s.localID)
	return s.transport.send(buf, addr)
}

// Query sends a QUERY to addr; the reply arrives via
// Handler.OnQueryResult.
func (s *Session) Query(addr *net.UDPAddr) error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.transport.send([]byte{headerQuery}, addr)
}

// checkPayload refuses a payload that would make this mode's framed wire
// size exceed the configured MTU, accounting for that mode's header
// overhead rather than just the raw payload length.
func (s *Session) checkPayload(payload []byte, headerOverhead int) error {
	if s.closed {
		return ErrSessionClosed
	}
	limit := s.mtu - headerOverhead
	if len(payload) > limit {
		return errors.Wrapf(ErrPayloadTooLarge, "payload of %d bytes exceeds mtu of %d (%d bytes of header overhead)", len(payload), s.mtu, headerOverhead)
	}
	return nil
}

// SendUnreliable transmits payload to id with no delivery guarantee.
func (s *Session) SendUnreliable(id Identity, payload []byte) error {
	if err := s.checkPayload(payload, unreliableHeaderOverhead); err != nil {
		return err
	}
	c, ok := s.byIdentity[id]
	if !ok {
		return ErrUnknownPeer
	}
	c.sendUnreliable(payload)
	return nil
}

// SendReliable transmits payload to id with reliable, unordered delivery.
func (s *Session) SendReliable(id Identity, payload []byte) error {
	if err := s.checkPayload(payload, reliableHeaderOverhead); err != nil {
		return err
	}
	c, ok := s.byIdentity[id]
	if !ok {
		return ErrUnknownPeer
	}
	c.sendReliable(payload)
	return nil
}

// SendStream transmits payload to id with reliable, in-order delivery.
func (s *Session) SendStream(id Identity, payload []byte) error {
	if err := s.checkPayload(payload, streamHeaderOverhead); err != nil {
		return err
	}
	c, ok := s.byIdentity[id]
	if !ok {
		return ErrUnknownPeer
	}
	c.sendStream(payload)
	return nil
}

// Disconnect tears down the connection to id immediately: a
// DISCONNECTING frame is sent best-effort and the connection is erased
// without a deferred pass, since the caller already knows it asked for
// this and doesn't need OnPeerDisconnected.
func (s *Session) Disconnect(id Identity) error {
	c, ok := s.byIdentity[id]
	if !ok {
		return ErrUnknownPeer
	}
	c.disconnect()
	delete(s.byIdentity, id)
	delete(s.byAddr, c.remoteEndpoint.String())
	return nil
}

// Close tears down every connection (best-effort DISCONNECTING frames)
// and releases the UDP socket. The Session must not be used afterward.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	for _, c := range s.byIdentity {
		c.sendRaw([]byte{headerDisconnecting})
	}
	s.byIdentity = make(map[Identity]*Connection)
	s.byAddr = make(map[string]*Connection)

	s.log.Info("session closed")
	return s.transport.close()
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%s, %s, %d peers)", s.localID, s.LocalAddr(), len(s.byIdentity))
}
