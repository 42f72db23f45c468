package server

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/zcmesh/zctun/internal/protocol"
)

// UserChannel is one SOCKS5 user's flow, bound to a control channel and
// (once the client acknowledges) a data channel. It implements
// socks5.UserStream: Write wraps bytes into TRANSFER frames addressed at
// the data channel; Read drains TRANSFER frames the data channel's read
// loop has delivered.
//
// The pipe also carries backpressure: a PipeWriter.Write blocks until the
// SOCKS5 relay goroutine has drained the PipeReader, which in turn stalls
// the data channel's read loop (deliverTransfer is called from it) —
// exactly the "disable auto-read on the paired channel" behavior spec §5
// describes, without a separate flow-control mechanism.
type UserChannel struct {
	userID string
	cc     *ControlChannel

	pr *io.PipeReader
	pw *io.PipeWriter

	mu          sync.Mutex
	dataChannel *DataChannel

	ready         chan struct{}
	readyOnce     sync.Once
	connectFailed chan struct{}
	failOnce      sync.Once

	closeOnce  sync.Once
	peerClosed atomic.Bool
}

func newUserChannel(userID string, cc *ControlChannel) *UserChannel {
	pr, pw := io.Pipe()
	return &UserChannel{
		userID:        userID,
		cc:            cc,
		pr:            pr,
		pw:            pw,
		ready:         make(chan struct{}),
		connectFailed: make(chan struct{}),
	}
}

// Read implements socks5.UserStream.
func (u *UserChannel) Read(p []byte) (int, error) {
	return u.pr.Read(p)
}

// Write implements socks5.UserStream: wrap p in a TRANSFER frame and send
// it on the bound data channel.
func (u *UserChannel) Write(p []byte) (int, error) {
	u.mu.Lock()
	dc := u.dataChannel
	u.mu.Unlock()

	if dc == nil {
		return 0, io.ErrClosedPipe
	}
	if err := dc.writeFrame(&protocol.Frame{Type: protocol.FrameTransfer, Uri: u.userID, Data: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements socks5.UserStream. Idempotent: unbinds the flow, tells
// the peer (over whichever socket is appropriate) unless the peer is the
// one who initiated the close.
func (u *UserChannel) Close() error {
	u.closeOnce.Do(func() {
		u.cc.removeUserChannel(u.userID)

		u.mu.Lock()
		dc := u.dataChannel
		u.mu.Unlock()

		if !u.peerClosed.Load() {
			if dc != nil {
				dc.writeFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Uri: u.userID})
			} else {
				u.cc.writeFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Uri: u.userID})
			}
		}
		if dc != nil {
			dc.conn.Close()
		}

		u.pw.CloseWithError(io.EOF)
		u.pr.Close()
	})
	return nil
}

// closeFromPeer closes the flow in response to a DISCONNECT frame the
// client sent, so Close does not echo one back.
func (u *UserChannel) closeFromPeer() {
	u.peerClosed.Store(true)
	u.Close()
}

// bind attaches the data channel the client opened for this flow and
// releases any goroutine waiting in Connect.
func (u *UserChannel) bind(dc *DataChannel) {
	u.mu.Lock()
	u.dataChannel = dc
	u.mu.Unlock()
	u.readyOnce.Do(func() { close(u.ready) })
}

// failConnect signals that the client could not establish the real-server
// connection (dial failure) before a data channel was ever bound.
func (u *UserChannel) failConnect() {
	u.failOnce.Do(func() { close(u.connectFailed) })
}

// deliverTransfer pushes payload arriving on the data channel to the
// SOCKS5 relay. It blocks (propagating backpressure) until the relay
// drains it or the pipe is closed.
func (u *UserChannel) deliverTransfer(data []byte) error {
	_, err := u.pw.Write(data)
	return err
}
