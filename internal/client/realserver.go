package client

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/zcmesh/zctun/internal/protocol"
	"github.com/zcmesh/zctun/internal/recovery"
)

// realServerChannel is one user flow on the client side: a socket dialed
// into the private network, cross-bound to a data channel borrowed from
// the pool. Its userID ties it back to the server's user channel.
type realServerChannel struct {
	userID   string
	realConn net.Conn
	dc       *dataChannelConn
	client   *Client

	closeOnce     sync.Once
	peerInitiated atomic.Bool
}

// closeFromPeer tears the flow down because the server said so (a
// DISCONNECT frame, or the data channel itself died) — no DISCONNECT is
// echoed back.
func (r *realServerChannel) closeFromPeer() {
	r.peerInitiated.Store(true)
	r.teardown()
}

// close tears the flow down because the real-server socket closed
// locally; the server is told via DISCONNECT on the data channel.
func (r *realServerChannel) close() {
	r.teardown()
}

func (r *realServerChannel) teardown() {
	r.closeOnce.Do(func() {
		r.client.removeRoute(r.userID)
		if !r.peerInitiated.Load() {
			r.dc.writeFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Uri: r.userID})
		}
		r.realConn.Close()
		r.dc.unbind()
		r.client.pool.Return(r.dc)
	})
}

// pumpRealServer copies bytes read from the real-server socket into
// TRANSFER frames on the bound data channel until the socket closes.
func (r *realServerChannel) pumpRealServer() {
	defer recovery.RecoverWithLog(r.client.logger(), "real-server-pump:"+r.userID)

	buf := make([]byte, 32*1024)
	for {
		n, err := r.realConn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := r.dc.writeFrame(&protocol.Frame{Type: protocol.FrameTransfer, Uri: r.userID, Data: payload}); werr != nil {
				r.close()
				return
			}
		}
		if err != nil {
			r.close()
			return
		}
	}
}
