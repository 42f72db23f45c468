package client

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zcmesh/zctun/internal/idle"
	"github.com/zcmesh/zctun/internal/protocol"
)

func TestControlConn_WriteFrameTouchesWriteIdleMonitor(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()
	defer clientConn.Close()

	go func() {
		fr := protocol.NewFrameReader(server, protocol.MaxControlFrameSize)
		for {
			if _, err := fr.ReadFrame(); err != nil {
				return
			}
		}
	}()

	cc := newControlConn(clientConn)
	var fired atomic.Bool
	mon := idle.New(0, 150*time.Millisecond, nil, func() { fired.Store(true) })
	cc.setIdleMonitor(mon)
	mon.Start()
	defer mon.Stop()

	// Keep writing well inside the 150ms write-idle window for longer than
	// the window itself: the callback stays silent only if every writeFrame
	// resets the monitor's write-idle clock.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := cc.writeFrame(&protocol.Frame{Type: protocol.FrameHeartbeat}); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if fired.Load() {
		t.Error("write-idle callback fired although writeFrame was called every 20ms")
	}

	mon.TouchRead() // no-op sanity call; read side is unused by controlConn

	// writeFrame works identically with no monitor attached.
	cc2 := newControlConn(clientConn)
	if err := cc2.writeFrame(&protocol.Frame{Type: protocol.FrameHeartbeat}); err != nil {
		t.Fatalf("writeFrame without monitor: %v", err)
	}
}

func TestControlConn_NoReaderGoroutine(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()
	defer clientConn.Close()

	cc := newControlConn(clientConn)
	_ = cc

	// If newControlConn spawned a reader goroutine (like
	// newDataChannelConn does), it would race this test's own read of
	// the frame written below. Writing from the "server" side and
	// reading it back on this goroutine proves nothing else is
	// consuming bytes off clientConn.
	fw := protocol.NewFrameWriter(server)
	done := make(chan error, 1)
	go func() {
		done <- fw.WriteFrame(&protocol.Frame{Type: protocol.FrameHeartbeat})
	}()

	fr := protocol.NewFrameReader(clientConn, protocol.MaxControlFrameSize)
	frame, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != protocol.FrameHeartbeat {
		t.Fatalf("frame.Type = %v, want FrameHeartbeat", frame.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}
