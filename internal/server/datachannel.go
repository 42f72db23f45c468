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

// DataChannel is a short-lived client->server socket carrying TRANSFER
// payload for exactly one user flow, identified by the CONNECT-ack frame
// the client sends as soon as it opens the socket.
type DataChannel struct {
	conn    net.Conn
	userID  string
	uc      *UserChannel
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex
	fw      *protocol.FrameWriter

	idleMon *idle.Monitor
}

func newDataChannel(conn net.Conn, userID string, uc *UserChannel, logger *slog.Logger, m *metrics.Metrics) *DataChannel {
	dc := &DataChannel{
		conn:    conn,
		userID:  userID,
		uc:      uc,
		logger:  logger,
		metrics: m,
		fw:      protocol.NewFrameWriter(conn),
	}
	dc.idleMon = idle.New(idle.ReadIdleTimeout, 0, dc.onReadIdle, nil)
	return dc
}

// run reads TRANSFER/DISCONNECT frames off the data socket until it
// closes. Launched as a goroutine once the channel is bound.
func (dc *DataChannel) run() {
	defer dc.uc.closeFromPeer()
	defer recovery.RecoverWithLog(dc.logger, "data-channel:"+dc.userID)

	dc.idleMon.Start()
	defer dc.idleMon.Stop()

	fr := protocol.NewFrameReader(dc.conn, protocol.MaxDataFrameSize)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			dc.logger.Debug("data channel read ended", logging.KeyUserID, dc.userID, logging.KeyError, err)
			return
		}
		dc.idleMon.TouchRead()
		if dc.metrics != nil {
			dc.metrics.RecordFrameReceived(protocol.FrameTypeName(frame.Type))
		}

		switch frame.Type {
		case protocol.FrameTransfer:
			if err := dc.uc.deliverTransfer(frame.Data); err != nil {
				return
			}
		case protocol.FrameDisconnect:
			return
		default:
			dc.logger.Warn("unexpected frame on data channel", logging.KeyFrameType, protocol.FrameTypeName(frame.Type), logging.KeyUserID, dc.userID)
		}
	}
}

func (dc *DataChannel) writeFrame(f *protocol.Frame) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()

	if err := dc.fw.WriteFrame(f); err != nil {
		return err
	}
	dc.idleMon.TouchWrite()
	if dc.metrics != nil {
		dc.metrics.RecordFrameSent(protocol.FrameTypeName(f.Type))
	}
	return nil
}

func (dc *DataChannel) onReadIdle() {
	dc.logger.Warn("data channel read-idle, closing", logging.KeyUserID, dc.userID)
	dc.conn.Close()
}
