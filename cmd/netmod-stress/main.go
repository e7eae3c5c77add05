// Command netmod-stress is a soak-test pair of programs for netmod's
// reliable-unordered delivery mode, the Go equivalent of the original
// implementation's stress_server.cpp (see SPEC_FULL.md's supplemented
// features). "serve" waits for every integer in [0, 10000) to arrive at
// least once via reliable messages; "send" produces exactly that stream,
// split into 100 messages of 100 uint32s each, matching scenario S4 in
// spec.md.
package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eqrion/netmod"
)

const (
	stressTotal        = 10000
	stressMessages     = 100
	stressValuesPerMsg = stressTotal / stressMessages
)

var rootCmd = &cobra.Command{
	Use:   "netmod-stress",
	Short: "Reliable-delivery soak test for netmod",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, sendCmd)
}

var servePort int
var serveLoss float64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and wait for the full integer stream",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 9000, "local udp port")
	serveCmd.Flags().Float64Var(&serveLoss, "loss", 0, "simulated packet loss rate, [0,1)")
}

type stressHandler struct {
	log      *logrus.Entry
	received [stressTotal]bool
	seen     int
}

func (h *stressHandler) reset() {
	for i := range h.received {
		h.received[i] = false
	}
	h.seen = 0
	fmt.Printf("waiting for the numbers [0, %d).\n", stressTotal)
}

func (h *stressHandler) OnMessageReceived(payload []byte, from netmod.Identity) {
	for i := 0; i+4 <= len(payload); i += 4 {
		v := binary.LittleEndian.Uint32(payload[i:])
		if v < stressTotal && !h.received[v] {
			h.received[v] = true
			h.seen++
		}
	}
	if h.seen == stressTotal {
		fmt.Println("all the numbers are in! resetting...")
		h.reset()
	}
}

func (h *stressHandler) OnPeerJoined(id netmod.Identity)         { fmt.Printf("%s joined\n", id) }
func (h *stressHandler) OnPeerDisconnected(id netmod.Identity)   { fmt.Printf("%s disconnected\n", id) }
func (h *stressHandler) OnQueryResult(_ *net.UDPAddr, _, _ bool, _, _ uint32) {}
func (h *stressHandler) OnConnectResult(_ netmod.Identity, _ bool, _ netmod.RejectReason) {}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	handler := &stressHandler{log: log}
	handler.reset()

	session, err := netmod.NewSession(netmod.Config{
		Port:              servePort,
		MaxConnections:    8,
		Handler:           handler,
		SimulatedLossRate: serveLoss,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Printf("local id: %s\nlistening on: %s\n", session.LocalIdentity(), session.LocalAddr())

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		session.Update()
	}
	return nil
}

var sendHost string
var sendPort int
var sendLoss float64

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Connect to a server and send the full integer stream once",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendHost, "host", "127.0.0.1", "server host")
	sendCmd.Flags().IntVar(&sendPort, "server-port", 9000, "server udp port")
	sendCmd.Flags().Float64Var(&sendLoss, "loss", 0, "simulated packet loss rate, [0,1)")
}

type sendHandler struct {
	connected chan netmod.Identity
}

func (h *sendHandler) OnMessageReceived(payload []byte, from netmod.Identity) {}
func (h *sendHandler) OnPeerJoined(id netmod.Identity)                        {}
func (h *sendHandler) OnPeerDisconnected(id netmod.Identity)                  {}
func (h *sendHandler) OnQueryResult(_ *net.UDPAddr, _, _ bool, _, _ uint32)   {}
func (h *sendHandler) OnConnectResult(id netmod.Identity, ok bool, reason netmod.RejectReason) {
	if ok {
		h.connected <- id
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	handler := &sendHandler{connected: make(chan netmod.Identity, 1)}

	session, err := netmod.NewSession(netmod.Config{
		MaxConnections:    1,
		Handler:           handler,
		SimulatedLossRate: sendLoss,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	// mu guards every call into session from either goroutine, the way
	// do_stress_test's std::mutex sync guards ses.update() and the
	// send_reliable loop against each other.
	var mu sync.Mutex
	defer func() {
		mu.Lock()
		session.Close()
		mu.Unlock()
	}()

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", sendHost, sendPort))
	if err != nil {
		return err
	}

	mu.Lock()
	err = session.TryConnect(addr, 0)
	mu.Unlock()
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			session.Update()
			mu.Unlock()
		}
	}()

	var remote netmod.Identity
	select {
	case remote = <-handler.connected:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting to connect to %s", addr)
	}

	mu.Lock()
	for i := 0; i < stressMessages; i++ {
		payload := make([]byte, stressValuesPerMsg*4)
		for j := 0; j < stressValuesPerMsg; j++ {
			binary.LittleEndian.PutUint32(payload[j*4:], uint32(i*stressValuesPerMsg+j))
		}
		if err := session.SendReliable(remote, payload); err != nil {
			mu.Unlock()
			return err
		}
	}
	mu.Unlock()

	fmt.Println("sent all messages, draining acks...")
	time.Sleep(15 * time.Second)
	return nil
}
