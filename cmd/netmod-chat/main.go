// Command netmod-chat is an interactive two-peer chat program built on
// top of netmod, the Go equivalent of the original implementation's
// chat_client.cpp (see SPEC_FULL.md's supplemented features).
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eqrion/netmod"
)

var (
	port     int
	password uint32
)

var rootCmd = &cobra.Command{
	Use:   "netmod-chat",
	Short: "Interactive chat over a netmod session",
	RunE:  runChat,
}

func init() {
	rootCmd.Flags().IntVar(&port, "port", 0, "local udp port (0 picks one automatically)")
	rootCmd.Flags().Uint32Var(&password, "password", 0, "password required of incoming connections")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// chatHandler implements netmod.Handler for a single-peer chat session:
// it tracks the one remote it's talking to, the way chat_client.cpp
// tracks a single `remote` uuid field.
type chatHandler struct {
	remote netmod.Identity
	log    *logrus.Entry
}

func (h *chatHandler) OnMessageReceived(payload []byte, from netmod.Identity) {
	fmt.Printf("\r%s: %s\n> ", from, string(payload))
}

func (h *chatHandler) OnPeerJoined(id netmod.Identity) {
	h.remote = id
	fmt.Printf("\r%s has joined.\n> ", id)
}

func (h *chatHandler) OnPeerDisconnected(id netmod.Identity) {
	if h.remote == id {
		h.remote = netmod.NilIdentity
	}
	fmt.Printf("\r%s has disconnected.\n> ", id)
}

func (h *chatHandler) OnQueryResult(from *net.UDPAddr, protocolOK, hasPassword bool, connections, maxConnections uint32) {
	fmt.Printf("\r%s: protocol_ok=%v has_password=%v connections=%d/%d\n> ", from, protocolOK, hasPassword, connections, maxConnections)
}

func (h *chatHandler) OnConnectResult(id netmod.Identity, ok bool, reason netmod.RejectReason) {
	if ok {
		fmt.Printf("\rconnected to %s\n> ", id)
		return
	}
	fmt.Printf("\rconnect failed: %s\n> ", reason)
}

func runChat(cmd *cobra.Command, args []string) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	handler := &chatHandler{log: log}

	session, err := netmod.NewSession(netmod.Config{
		Port:           port,
		Password:       password,
		MaxConnections: 1,
		Handler:        handler,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Printf("local id: %s\nlistening on: %s\n", session.LocalIdentity(), session.LocalAddr())
	fmt.Println("type 'help' for a list of commands")

	go driveSession(session)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		handleLine(session, handler, scanner.Text())
		fmt.Print("> ")
	}
	return nil
}

func driveSession(session *netmod.Session) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		session.Update()
	}
}

func handleLine(session *netmod.Session, handler *chatHandler, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "help":
		fmt.Println("commands: connect <host> <port>, disconnect, query <host> <port>, quit")
		fmt.Println("anything else is sent as a reliable message to the connected peer")

	case "connect":
		if len(fields) != 3 {
			fmt.Println("usage: connect <host> <port>")
			return
		}
		addr, err := resolveArg(fields[1], fields[2])
		if err != nil {
			fmt.Println(err)
			return
		}
		if err := session.TryConnect(addr, password); err != nil {
			fmt.Println(err)
		}

	case "disconnect":
		if handler.remote == netmod.NilIdentity {
			fmt.Println("not connected")
			return
		}
		if err := session.Disconnect(handler.remote); err != nil {
			fmt.Println(err)
		}
		handler.remote = netmod.NilIdentity

	case "query":
		if len(fields) != 3 {
			fmt.Println("usage: query <host> <port>")
			return
		}
		addr, err := resolveArg(fields[1], fields[2])
		if err != nil {
			fmt.Println(err)
			return
		}
		if err := session.Query(addr); err != nil {
			fmt.Println(err)
		}

	case "quit", "exit":
		os.Exit(0)

	default:
		if handler.remote == netmod.NilIdentity {
			fmt.Println("not connected to anyone yet")
			return
		}
		if err := session.SendReliable(handler.remote, []byte(line)); err != nil {
			fmt.Println(err)
		}
	}
}

func resolveArg(host, portArg string) (*net.UDPAddr, error) {
	p, err := strconv.Atoi(portArg)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portArg, err)
	}
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, p))
}
