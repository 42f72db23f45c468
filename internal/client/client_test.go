package client

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/zcmesh/zctun/internal/server"
)

// startEchoServer listens on an ephemeral port and echoes back whatever it
// reads, standing in for a "real server" inside the private network.
func startEchoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr()
}

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	s := server.New(server.Config{Address: "127.0.0.1:0", HandshakeTimeout: 2 * time.Second})
	if err := s.Start(); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func splitHostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("invalid port %q: %v", portStr, err)
	}
	return host, port
}

func TestClient_ConnectFlowEndToEnd(t *testing.T) {
	s := startTestServer(t)
	echoAddr := startEchoServer(t)

	c := New(Config{ServerAddr: s.Address().String(), ClientKey: "ZC-T1", DialTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return s.HasControl("ZC-T1") })

	host, port := splitHostPort(t, echoAddr)
	stream, err := s.ConnectBackend().Connect(context.Background(), "ZC-T1", "u1", host, uint16(port))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("stream.Write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(stream, got); err != nil {
		t.Fatalf("stream.Read: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("echoed = %q, want ping", got)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("stream.Close: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.routes["u1"]
		return !ok
	})
}

func TestClient_DialFailureSendsDisconnect(t *testing.T) {
	s := startTestServer(t)

	c := New(Config{ServerAddr: s.Address().String(), ClientKey: "ZC-T2", DialTimeout: 500 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return s.HasControl("ZC-T2") })

	// 203.0.113.1 is documentation-reserved and unroutable, so the dial
	// should fail quickly within the configured timeout.
	_, err := s.ConnectBackend().Connect(context.Background(), "ZC-T2", "u1", "203.0.113.1", 81)
	if err != server.ErrConnectFailed {
		t.Fatalf("err = %v, want ErrConnectFailed", err)
	}
}

func TestClient_ReconnectsAfterServerRestart(t *testing.T) {
	s := server.New(server.Config{Address: "127.0.0.1:0", HandshakeTimeout: 2 * time.Second})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Address().String()

	c := New(Config{ServerAddr: addr, ClientKey: "ZC-T3", DialTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return s.HasControl("ZC-T3") })
	s.Stop()

	s2 := server.New(server.Config{Address: addr, HandshakeTimeout: 2 * time.Second})
	if err := s2.Start(); err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	t.Cleanup(func() { s2.Stop() })

	waitFor(t, 5*time.Second, func() bool { return s2.HasControl("ZC-T3") })
}
