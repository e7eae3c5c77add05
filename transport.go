package netmod

import (
	"math/rand"
	"net"
	"time"
)

// udpTransport wraps a UDP socket the way the original implementation's
// udp_socket does: sends are fire-and-forget, and receives are polled
// rather than blocked on indefinitely. Go has no O_NONBLOCK knob on
// net.UDPConn, so non-blocking recv is emulated with a short read
// deadline (see tryReceive): a poll that finds nothing to read waits up
// to a millisecond before returning.
//
// lossRate optionally drops outgoing datagrams, the Go equivalent of the
// original's drop_packets/drop_rate testing hook (see SPEC_FULL.md's
// supplemented features).
type udpTransport struct {
	conn     *net.UDPConn
	lossRate float64
	rng      *rand.Rand
}

func newUDPTransport(conn *net.UDPConn, lossRate float64) *udpTransport {
	return &udpTransport{
		conn:     conn,
		lossRate: lossRate,
		rng:      rand.New(rand.NewSource(1)),
	}
}

func (t *udpTransport) localAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *udpTransport) send(buf []byte, to *net.UDPAddr) error {
	if t.lossRate > 0 && t.rng.Float64() < t.lossRate {
		return nil
	}
	_, err := t.conn.WriteToUDP(buf, to)
	return err
}

// tryReceive reads one datagram without blocking. ok is false (with a nil
// error) when there was nothing to read.
//
// The deadline is set slightly in the future rather than to time.Now()
// itself: Go's netpoller treats an already-past deadline as an
// unconditional timeout, even when a datagram is already buffered and
// ready to read without blocking. A deadline a moment ahead still
// returns already-buffered data immediately, and only actually waits
// (briefly) when there is truly nothing to read.
func (t *udpTransport) tryReceive(buf []byte) (n int, from *net.UDPAddr, ok bool, err error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, nil, false, err
	}
	n, from, err = t.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, isNetErr := err.(net.Error); isNetErr && netErr.Timeout() {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return n, from, true, nil
}

func (t *udpTransport) close() error {
	return t.conn.Close()
}
