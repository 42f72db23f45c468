package server

import (
	"log/slog"
	"net"
	"sync"

	"github.com/zcmesh/zctun/internal/idle"
	"github.com/zcmesh/zctun/internal/logging"
	"github.com/zcmesh/zctun/internal/metrics"
	"github.com/zcmesh/zctun/internal/protocol"
	"github.com/zcmesh/zctun/internal/recovery"
)

// ControlChannel is the server-side long-lived socket for one
// authenticated client. It owns the userId->UserChannel map for every
// flow currently routed through that client.
type ControlChannel struct {
	clientKey string
	conn      net.Conn
	registry  *Registry
	logger    *slog.Logger
	metrics   *metrics.Metrics

	writeMu sync.Mutex
	fw      *protocol.FrameWriter

	mu           sync.Mutex
	userChannels map[string]*UserChannel

	idleMon *idle.Monitor

	closeOnce sync.Once
	done      chan struct{}
}

func newControlChannel(clientKey string, conn net.Conn, registry *Registry, logger *slog.Logger, m *metrics.Metrics) *ControlChannel {
	cc := &ControlChannel{
		clientKey:    clientKey,
		conn:         conn,
		registry:     registry,
		logger:       logger,
		metrics:      m,
		fw:           protocol.NewFrameWriter(conn),
		userChannels: make(map[string]*UserChannel),
		done:         make(chan struct{}),
	}
	cc.idleMon = idle.New(idle.ReadIdleTimeout, 0, cc.onReadIdle, nil)
	return cc
}

// run reads frames until the connection fails or Close is called.
// Intended to be launched as a goroutine; recovers its own panics so a
// bug handling one client cannot take down the server.
func (cc *ControlChannel) run() {
	defer cc.Close()
	defer recovery.RecoverWithLog(cc.logger, "control-channel:"+cc.clientKey)

	cc.idleMon.Start()
	defer cc.idleMon.Stop()

	fr := protocol.NewFrameReader(cc.conn, protocol.MaxControlFrameSize)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			cc.logger.Debug("control channel read ended", logging.KeyClientKey, cc.clientKey, logging.KeyError, err)
			return
		}
		cc.idleMon.TouchRead()
		if cc.metrics != nil {
			cc.metrics.RecordFrameReceived(protocol.FrameTypeName(frame.Type))
		}
		cc.dispatch(frame)
	}
}

func (cc *ControlChannel) dispatch(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameHeartbeat:
		cc.writeFrame(&protocol.Frame{Type: protocol.FrameHeartbeat, SerialNumber: frame.SerialNumber})

	case protocol.FrameDisconnect:
		uc, ok := cc.getUserChannel(frame.Uri)
		if !ok {
			cc.logger.Warn("DISCONNECT for unknown userId", logging.KeyUserID, frame.Uri, logging.KeyClientKey, cc.clientKey)
			return
		}
		uc.failConnect()
		uc.closeFromPeer()

	default:
		cc.logger.Warn("unexpected frame on control channel", logging.KeyFrameType, protocol.FrameTypeName(frame.Type), logging.KeyClientKey, cc.clientKey)
	}
}

// writeFrame serializes frame writes; the control socket is shared by the
// read loop's heartbeat replies and every UserChannel waiting on a
// not-yet-bound CONNECT.
func (cc *ControlChannel) writeFrame(f *protocol.Frame) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()

	if err := cc.fw.WriteFrame(f); err != nil {
		return err
	}
	cc.idleMon.TouchWrite()
	if cc.metrics != nil {
		cc.metrics.RecordFrameSent(protocol.FrameTypeName(f.Type))
	}
	return nil
}

func (cc *ControlChannel) addUserChannel(userID string, uc *UserChannel) {
	cc.mu.Lock()
	cc.userChannels[userID] = uc
	cc.mu.Unlock()
	if cc.metrics != nil {
		cc.metrics.RecordUserChannelOpen()
	}
}

func (cc *ControlChannel) removeUserChannel(userID string) {
	cc.mu.Lock()
	_, existed := cc.userChannels[userID]
	delete(cc.userChannels, userID)
	cc.mu.Unlock()
	if existed && cc.metrics != nil {
		cc.metrics.RecordUserChannelClose()
	}
}

func (cc *ControlChannel) getUserChannel(userID string) (*UserChannel, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	uc, ok := cc.userChannels[userID]
	return uc, ok
}

// UserChannelCount returns the number of user flows currently routed
// through this control channel, for status reporting.
func (cc *ControlChannel) UserChannelCount() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.userChannels)
}

func (cc *ControlChannel) onReadIdle() {
	cc.logger.Warn("control channel read-idle, closing", logging.KeyClientKey, cc.clientKey)
	cc.Close()
}

// Close tears down the control channel: it is removed from the registry
// and every user channel it still owns is closed, which per spec §5
// converges without re-entering DISCONNECT handling since UserChannel
// Close is itself idempotent.
func (cc *ControlChannel) Close() error {
	cc.closeOnce.Do(func() {
		close(cc.done)
		cc.registry.Unregister(cc.clientKey, cc)

		cc.mu.Lock()
		channels := make([]*UserChannel, 0, len(cc.userChannels))
		for _, uc := range cc.userChannels {
			channels = append(channels, uc)
		}
		cc.mu.Unlock()

		for _, uc := range channels {
			uc.Close()
		}

		cc.conn.Close()
		if cc.metrics != nil {
			cc.metrics.RecordControlChannelClose()
		}
	})
	return nil
}
