// Package server implements the server-side half of the tunnel: the
// client-facing listener that accepts control and data channel sockets,
// the clientKey registry, and the bridge (ControlChannel.Connect) that
// lets the SOCKS5 front end drive a remote client's real-server dials.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zcmesh/zctun/internal/idgen"
	"github.com/zcmesh/zctun/internal/logging"
	"github.com/zcmesh/zctun/internal/metrics"
	"github.com/zcmesh/zctun/internal/protocol"
)

// Config configures the client-facing listener.
type Config struct {
	// Address to listen on for client control/data sockets (e.g. "0.0.0.0:4900").
	Address string

	// HandshakeTimeout bounds how long a freshly accepted socket has to
	// send its first frame (AUTH or CONNECT-ack) before being dropped.
	HandshakeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts client connections and routes each to either a new
// control channel (AUTH) or an existing flow's data channel (CONNECT-ack).
type Server struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	listener net.Listener

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Server. Call ConnectBackend() to obtain the socks5.Backend that
// the SOCKS5 front end should be constructed with.
func New(cfg Config) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logger,
		metrics:  cfg.Metrics,
		stopCh:   make(chan struct{}),
	}
}

// HasControl reports whether clientKey currently has a live control
// channel — wired into socks5.HashedSecretChecker.HasControl.
func (s *Server) HasControl(clientKey string) bool {
	_, ok := s.registry.Get(clientKey)
	return ok
}

// ConnectBackend returns the socks5.Backend implementation: CONNECT
// requests are dispatched to whichever control channel is registered for
// the requested clientKey at the time of the call.
func (s *Server) ConnectBackend() *dispatchBackend {
	return &dispatchBackend{registry: s.registry}
}

// Start begins accepting client connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every control channel (which in turn
// closes their user and data channels).
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.registry.mu.RLock()
		channels := make([]*ControlChannel, 0, len(s.registry.channels))
		for _, cc := range s.registry.channels {
			channels = append(channels, cc)
		}
		s.registry.mu.RUnlock()
		for _, cc := range channels {
			cc.Close()
		}
	})
	s.wg.Wait()
	return err
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of currently authenticated clients.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// ClientKeys returns every currently authenticated clientKey mapped to
// the number of user flows it is carrying, for status reporting.
func (s *Server) ClientKeys() map[string]int {
	return s.registry.Keys()
}

// Running reports whether the listener is currently accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		s.wg.Add(1)
		go s.handleNewConn(conn)
	}
}

// handleNewConn reads the first frame off a freshly accepted socket to
// learn whether it is a control channel (AUTH) or a data channel binding
// to an already-pending CONNECT (CONNECT-ack).
func (s *Server) handleNewConn(conn net.Conn) {
	defer s.wg.Done()

	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	fr := protocol.NewFrameReader(conn, protocol.MaxControlFrameSize)
	frame, err := fr.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return
	}

	switch frame.Type {
	case protocol.FrameAuth:
		s.handleAuth(conn, frame)
	case protocol.FrameConnect:
		s.handleDataChannelBind(conn, frame)
	default:
		s.logger.Warn("unexpected first frame", logging.KeyFrameType, protocol.FrameTypeName(frame.Type))
		conn.Close()
	}
}

func (s *Server) handleAuth(conn net.Conn, frame *protocol.Frame) {
	clientKey := frame.Uri
	if !strings.HasPrefix(clientKey, idgen.ClientKeyPrefix) {
		s.logger.Warn("AUTH with invalid clientKey prefix", logging.KeyClientKey, clientKey)
		conn.Close()
		return
	}

	cc := newControlChannel(clientKey, conn, s.registry, s.logger, s.metrics)
	if !s.registry.Register(clientKey, cc) {
		s.logger.Warn("duplicate clientKey rejected", logging.KeyClientKey, clientKey)
		if s.metrics != nil {
			s.metrics.RecordDuplicateClientKey()
		}
		conn.Close()
		return
	}

	s.logger.Info("control channel authenticated", logging.KeyClientKey, clientKey, logging.KeyRemoteAddr, conn.RemoteAddr().String())
	if s.metrics != nil {
		s.metrics.RecordControlChannelOpen()
	}

	cc.run()
}

func (s *Server) handleDataChannelBind(conn net.Conn, frame *protocol.Frame) {
	userID, clientKey, ok := splitUserAtClient(frame.Uri)
	if !ok {
		s.logger.Warn("malformed CONNECT-ack uri", "uri", frame.Uri)
		conn.Close()
		return
	}

	cc, ok := s.registry.Get(clientKey)
	if !ok {
		s.logger.Warn("CONNECT-ack for unknown clientKey", logging.KeyClientKey, clientKey)
		conn.Close()
		return
	}

	uc, ok := cc.getUserChannel(userID)
	if !ok {
		s.logger.Warn("CONNECT-ack for unknown userId", logging.KeyUserID, userID, logging.KeyClientKey, clientKey)
		conn.Close()
		return
	}

	dc := newDataChannel(conn, userID, uc, s.logger, s.metrics)
	uc.bind(dc)
	if s.metrics != nil {
		s.metrics.DataChannelsActive.Inc()
	}

	go func() {
		dc.run()
		if s.metrics != nil {
			s.metrics.DataChannelsActive.Dec()
		}
	}()
}

// splitUserAtClient splits "userId@clientKey" into its two parts.
func splitUserAtClient(uri string) (userID, clientKey string, ok bool) {
	i := strings.IndexByte(uri, '@')
	if i <= 0 || i == len(uri)-1 {
		return "", "", false
	}
	return uri[:i], uri[i+1:], true
}

// dispatchBackend implements socks5.Backend by looking up the target
// clientKey's control channel at CONNECT time.
type dispatchBackend struct {
	registry *Registry
}
