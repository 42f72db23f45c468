package client

import (
	"net"
	"sync"

	"github.com/zcmesh/zctun/internal/logging"
	"github.com/zcmesh/zctun/internal/protocol"
	"github.com/zcmesh/zctun/internal/recovery"
)

// dataChannelConn wraps one outbound TCP connection to the server used
// to carry TRANSFER/DISCONNECT frames for a single user flow at a time.
// Unlike the real-server socket, its lifetime spans many flows: a single
// read loop runs for as long as the connection exists, routing frames to
// whichever flow currently owns it — this is what lets it be returned to
// the pool and reused without racing a torn-down per-flow reader.
type dataChannelConn struct {
	conn   net.Conn
	client *Client

	writeMu sync.Mutex
	fw      *protocol.FrameWriter

	mu    sync.Mutex
	owner *realServerChannel
}

func newDataChannelConn(conn net.Conn, client *Client) *dataChannelConn {
	dc := &dataChannelConn{
		conn:   conn,
		client: client,
		fw:     protocol.NewFrameWriter(conn),
	}
	go dc.run()
	return dc
}

// Close implements the poolItem constraint.
func (dc *dataChannelConn) Close() error {
	return dc.conn.Close()
}

func (dc *dataChannelConn) bind(owner *realServerChannel) {
	dc.mu.Lock()
	dc.owner = owner
	dc.mu.Unlock()
}

func (dc *dataChannelConn) unbind() {
	dc.mu.Lock()
	dc.owner = nil
	dc.mu.Unlock()
}

func (dc *dataChannelConn) currentOwner() *realServerChannel {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.owner
}

func (dc *dataChannelConn) writeFrame(f *protocol.Frame) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	return dc.fw.WriteFrame(f)
}

// run reads frames for as long as the underlying socket is alive,
// dispatching each to whichever flow currently owns the connection.
func (dc *dataChannelConn) run() {
	defer func() {
		if owner := dc.currentOwner(); owner != nil {
			owner.closeFromPeer()
		}
	}()
	defer recovery.RecoverWithLog(dc.client.logger(), "data-channel-conn")

	fr := protocol.NewFrameReader(dc.conn, protocol.MaxDataFrameSize)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			return
		}

		switch frame.Type {
		case protocol.FrameTransfer:
			if owner := dc.currentOwner(); owner != nil {
				if _, err := owner.realConn.Write(frame.Data); err != nil {
					owner.close()
				}
			}
		case protocol.FrameDisconnect:
			if owner := dc.currentOwner(); owner != nil {
				owner.closeFromPeer()
			}
		default:
			dc.client.logger().Warn("unexpected frame on data channel", logging.KeyFrameType, protocol.FrameTypeName(frame.Type))
		}
	}
}
