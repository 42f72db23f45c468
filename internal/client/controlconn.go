package client

import (
	"net"
	"sync"

	"github.com/zcmesh/zctun/internal/idle"
	"github.com/zcmesh/zctun/internal/protocol"
)

// controlConn wraps the writer side of the control channel socket.
// Unlike a pooled dataChannelConn, it never spawns a reader goroutine —
// Client.runOnce owns the single FrameReader loop over this conn, so
// exactly one goroutine ever calls net.Conn.Read on it (spec §5).
type controlConn struct {
	conn net.Conn

	writeMu sync.Mutex
	fw      *protocol.FrameWriter
	mon     *idle.Monitor
}

func newControlConn(conn net.Conn) *controlConn {
	return &controlConn{conn: conn, fw: protocol.NewFrameWriter(conn)}
}

// setIdleMonitor attaches the write-idle monitor once runOnce has
// created it; every writeFrame call from then on resets the write-idle
// timer, mirroring ControlChannel.writeFrame on the server side.
func (cc *controlConn) setIdleMonitor(mon *idle.Monitor) {
	cc.writeMu.Lock()
	cc.mon = mon
	cc.writeMu.Unlock()
}

func (cc *controlConn) writeFrame(f *protocol.Frame) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()

	if err := cc.fw.WriteFrame(f); err != nil {
		return err
	}
	if cc.mon != nil {
		cc.mon.TouchWrite()
	}
	return nil
}
