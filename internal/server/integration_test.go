package server_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/manhpham90vn/tunnel/internal/endpoint"
	"github.com/manhpham90vn/tunnel/internal/endpoint/store"
	"github.com/manhpham90vn/tunnel/internal/server"
)

// startEchoBackend runs a plain TCP server that echoes every line it reads.
func startEchoBackend(t *testing.T) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting echo backend: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if len(line) > 0 {
						if _, err := c.Write([]byte(line)); err != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

func startRelay(t *testing.T) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("binding relay: %v", err)
	}
	addr = ln.Addr().String()
	ln.Close()

	cfg := &server.Config{
		Listen: server.ListenConfig{Addr: addr},
		Tunnel: server.TunnelConfig{Path: "/ws", HeartbeatTimeout: 90 * time.Second},
	}
	srv := server.NewServer(cfg)
	go srv.Run()
	time.Sleep(100 * time.Millisecond)
	return addr
}

func newTestEndpoint(t *testing.T, relayAddr, agentID string) *endpoint.Endpoint {
	t.Helper()
	st, err := store.Open()
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	cfg := endpoint.DefaultConfig(fmt.Sprintf("ws://%s/ws", relayAddr), agentID)
	cfg.ReconnectDelay = 200 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	ep, err := endpoint.New(cfg, st)
	if err != nil {
		t.Fatalf("creating endpoint: %v", err)
	}
	return ep
}

func Test_integration_end_to_end_relay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	backendHost, backendPort, stopBackend := startEchoBackend(t)
	defer stopBackend()

	relayAddr := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentEp := newTestEndpoint(t, relayAddr, "A3F8-B2C1")
	go agentEp.Run(ctx)

	if !waitConnected(t, agentEp, 2*time.Second) {
		t.Fatal("agent endpoint never connected to relay")
	}

	controllerEp := newTestEndpoint(t, relayAddr, "CTRL-0001")
	go controllerEp.Run(ctx)

	if !waitConnected(t, controllerEp, 2*time.Second) {
		t.Fatal("controller endpoint never connected to relay")
	}

	localPort := freeTCPPort(t)
	if err := controllerEp.ConnectToAgent("A3F8-B2C1", backendHost, backendPort, localPort); err != nil {
		t.Fatalf("ConnectToAgent: %v", err)
	}

	if !waitTunnelActive(t, controllerEp, 3*time.Second) {
		t.Fatal("tunnel never became active")
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 2*time.Second)
	if err != nil {
		t.Fatalf("dialing local tunnel port: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello tunnel\n")); err != nil {
		t.Fatalf("writing to tunnel: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading echoed reply: %v", err)
	}
	if reply != "hello tunnel\n" {
		t.Fatalf("reply = %q, want %q", reply, "hello tunnel\n")
	}
}

func waitConnected(t *testing.T, ep *endpoint.Endpoint, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ep.GetAgentInfo().Connected {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}

func waitTunnelActive(t *testing.T, ep *endpoint.Endpoint, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, tun := range ep.GetTunnels() {
			if tun.Status == endpoint.StatusActive {
				return true
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
