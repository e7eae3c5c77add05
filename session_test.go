package netmod

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler records every callback Session invokes, for assertion by the
// scenario tests below. Update is driven from the test goroutine itself
// (see pumpUntil), so fields may be read between Update calls.
type testHandler struct {
	messages  [][]byte
	joined    []Identity
	left      []Identity
	connectOK []bool
	rejectFor map[Identity]RejectReason
	lastReply *net.UDPAddr
	query     struct {
		protocolOK, hasPassword bool
		connections, max        uint32
	}
}

func newTestHandler() *testHandler {
	return &testHandler{rejectFor: make(map[Identity]RejectReason)}
}

func (h *testHandler) OnMessageReceived(payload []byte, from Identity) {
	h.messages = append(h.messages, append([]byte(nil), payload...))
}
func (h *testHandler) OnPeerJoined(id Identity)       { h.joined = append(h.joined, id) }
func (h *testHandler) OnPeerDisconnected(id Identity) { h.left = append(h.left, id) }
func (h *testHandler) OnQueryResult(from *net.UDPAddr, protocolOK, hasPassword bool, connections, maxConnections uint32) {
	h.lastReply = from
	h.query.protocolOK = protocolOK
	h.query.hasPassword = hasPassword
	h.query.connections = connections
	h.query.max = maxConnections
}
func (h *testHandler) OnConnectResult(id Identity, ok bool, reason RejectReason) {
	h.connectOK = append(h.connectOK, ok)
	h.rejectFor[id] = reason
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// pumpUntil drives every session's Update in lockstep until cond returns
// true or the deadline passes, giving the OS loopback enough wall-clock
// time to actually deliver each round of datagrams.
func pumpUntil(t *testing.T, timeout time.Duration, cond func() bool, sessions ...*Session) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range sessions {
			s.Update()
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSessionHandshakeEstablishesConnectionBothSides(t *testing.T) {
	serverHandler := newTestHandler()
	server := newTestSession(t, Config{MaxConnections: 4, Handler: serverHandler})

	clientHandler := newTestHandler()
	client := newTestSession(t, Config{MaxConnections: 4, Handler: clientHandler})

	require.NoError(t, client.TryConnect(server.LocalAddr(), 0))

	pumpUntil(t, 2*time.Second, func() bool {
		return len(clientHandler.connectOK) > 0 && len(serverHandler.joined) > 0
	}, client, server)

	require.Len(t, clientHandler.connectOK, 1)
	assert.True(t, clientHandler.connectOK[0])
	require.Len(t, serverHandler.joined, 1)
	assert.Equal(t, client.LocalIdentity(), serverHandler.joined[0])
}

func TestSessionRejectsWrongPassword(t *testing.T) {
	serverHandler := newTestHandler()
	server := newTestSession(t, Config{MaxConnections: 4, Password: 1234, Handler: serverHandler})

	clientHandler := newTestHandler()
	client := newTestSession(t, Config{MaxConnections: 4, Handler: clientHandler})

	require.NoError(t, client.TryConnect(server.LocalAddr(), 0))

	pumpUntil(t, 2*time.Second, func() bool {
		return len(clientHandler.connectOK) > 0
	}, client, server)

	require.Len(t, clientHandler.connectOK, 1)
	assert.False(t, clientHandler.connectOK[0])
	assert.Empty(t, serverHandler.joined)
}

func TestSessionRejectsWhenServerFull(t *testing.T) {
	serverHandler := newTestHandler()
	server := newTestSession(t, Config{MaxConnections: 0, Handler: serverHandler})

	clientHandler := newTestHandler()
	client := newTestSession(t, Config{MaxConnections: 4, Handler: clientHandler})

	require.NoError(t, client.TryConnect(server.LocalAddr(), 0))

	pumpUntil(t, 2*time.Second, func() bool {
		return len(clientHandler.connectOK) > 0
	}, client, server)

	require.Len(t, clientHandler.connectOK, 1)
	assert.False(t, clientHandler.connectOK[0])
}

func TestSessionQueryReportsPeerCounts(t *testing.T) {
	serverHandler := newTestHandler()
	server := newTestSession(t, Config{MaxConnections: 7, Password: 99, Handler: serverHandler})

	clientHandler := newTestHandler()
	client := newTestSession(t, Config{MaxConnections: 4, Handler: clientHandler})

	require.NoError(t, client.Query(server.LocalAddr()))

	pumpUntil(t, 2*time.Second, func() bool {
		return clientHandler.lastReply != nil
	}, client, server)

	assert.True(t, clientHandler.query.protocolOK)
	assert.True(t, clientHandler.query.hasPassword)
	assert.Equal(t, uint32(7), clientHandler.query.max)
	assert.Equal(t, uint32(0), clientHandler.query.connections)
}

func TestSessionReliableDeliveryUnderLoss(t *testing.T) {
	serverHandler := newTestHandler()
	server := newTestSession(t, Config{MaxConnections: 4, Handler: serverHandler, SimulatedLossRate: 0.3})

	clientHandler := newTestHandler()
	client := newTestSession(t, Config{MaxConnections: 4, Handler: clientHandler, SimulatedLossRate: 0.3})

	require.NoError(t, client.TryConnect(server.LocalAddr(), 0))
	pumpUntil(t, 2*time.Second, func() bool {
		return len(clientHandler.connectOK) > 0
	}, client, server)
	require.True(t, clientHandler.connectOK[0])

	serverID := onlyPeerOf(t, client)

	const n = 50
	for i := 0; i < n; i++ {
		payload := []byte{byte(i)}
		require.NoError(t, client.SendReliable(serverID, payload))
	}

	pumpUntil(t, 5*time.Second, func() bool {
		return len(serverHandler.messages) >= n
	}, client, server)

	seen := make(map[byte]bool)
	for _, m := range serverHandler.messages {
		require.Len(t, m, 1)
		seen[m[0]] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[byte(i)], "missing value %d", i)
	}
}

func TestSessionStreamDeliveryPreservesOrderUnderLoss(t *testing.T) {
	serverHandler := newTestHandler()
	server := newTestSession(t, Config{MaxConnections: 4, Handler: serverHandler, SimulatedLossRate: 0.3})

	clientHandler := newTestHandler()
	client := newTestSession(t, Config{MaxConnections: 4, Handler: clientHandler, SimulatedLossRate: 0.3})

	require.NoError(t, client.TryConnect(server.LocalAddr(), 0))
	pumpUntil(t, 2*time.Second, func() bool {
		return len(clientHandler.connectOK) > 0
	}, client, server)
	require.True(t, clientHandler.connectOK[0])

	serverID := onlyPeerOf(t, client)

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, client.SendStream(serverID, []byte{byte(i)}))
	}

	pumpUntil(t, 5*time.Second, func() bool {
		return len(serverHandler.messages) >= n
	}, client, server)

	require.Len(t, serverHandler.messages, n)
	for i, m := range serverHandler.messages {
		require.Len(t, m, 1)
		assert.Equal(t, byte(i), m[0])
	}
}

func TestSessionDisconnectNotifiesPeer(t *testing.T) {
	serverHandler := newTestHandler()
	server := newTestSession(t, Config{MaxConnections: 4, Handler: serverHandler})

	clientHandler := newTestHandler()
	client := newTestSession(t, Config{MaxConnections: 4, Handler: clientHandler})

	require.NoError(t, client.TryConnect(server.LocalAddr(), 0))
	pumpUntil(t, 2*time.Second, func() bool {
		return len(serverHandler.joined) > 0 && len(client.Connections()) > 0
	}, client, server)

	require.NoError(t, client.Disconnect(onlyPeerOf(t, client)))

	pumpUntil(t, 2*time.Second, func() bool {
		return len(serverHandler.left) > 0
	}, client, server)

	assert.Equal(t, client.LocalIdentity(), serverHandler.left[0])
}

// onlyPeerOf returns the only peer a just-connected session knows about,
// sparing every scenario above from re-deriving it out of OnPeerJoined
// bookkeeping of its own.
func onlyPeerOf(t *testing.T, s *Session) Identity {
	t.Helper()
	conns := s.Connections()
	require.Len(t, conns, 1)
	return conns[0].RemoteIdentity()
}
