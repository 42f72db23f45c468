// Package client implements the private-network-side half of the tunnel:
// it dials out to a server's control-channel listener, authenticates with
// a clientKey, and for every CONNECT frame it receives, dials the
// requested real server and relays bytes over a pooled data channel.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zcmesh/zctun/internal/idgen"
	"github.com/zcmesh/zctun/internal/idle"
	"github.com/zcmesh/zctun/internal/logging"
	"github.com/zcmesh/zctun/internal/metrics"
	"github.com/zcmesh/zctun/internal/protocol"
)

// Config configures a Client.
type Config struct {
	// ServerAddr is the host:port of the server's control/data listener.
	ServerAddr string

	// ClientKey identifies this client to the server. If empty, a random
	// one is generated at startup (§9: the client is free to choose).
	ClientKey string

	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is the private-network-side tunnel daemon: one persistent
// control channel plus a pool of reusable data channels.
type Client struct {
	cfg       Config
	clientKey string
	log       *slog.Logger
	metrics   *metrics.Metrics

	pool *DataPool[*dataChannelConn]

	mu     sync.Mutex
	routes map[string]*realServerChannel

	connMu  sync.Mutex
	curConn net.Conn

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Client. It does not dial anything until Run is called.
func New(cfg Config) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	clientKey := cfg.ClientKey
	if clientKey == "" {
		if generated, err := idgen.NewClientKey(); err == nil {
			clientKey = generated
		}
	}

	c := &Client{
		cfg:       cfg,
		clientKey: clientKey,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		routes:    make(map[string]*realServerChannel),
		stopCh:    make(chan struct{}),
	}
	if c.log == nil {
		c.log = logging.NopLogger()
	}
	c.pool = NewDataPool[*dataChannelConn](PoolCapacity, c.dialDataChannel, c.metrics)
	return c
}

// logger returns the client's logger; dataChannelConn and
// realServerChannel call back into it for error/warn logging.
func (c *Client) logger() *slog.Logger { return c.log }

// ClientKey returns the (possibly generated) clientKey this client
// authenticates with.
func (c *Client) ClientKey() string { return c.clientKey }

// Run connects to the server and serves control-channel traffic until ctx
// is canceled or Stop is called, reconnecting with Backoff on every
// disconnect (§4.7).
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		err := c.runOnce(ctx, backoff.Reset)
		if err == nil {
			return nil
		}
		c.log.Warn("control channel disconnected", logging.KeyClientKey, c.clientKey, logging.KeyError, err)

		// Any routes and pooled connections left over from the dead
		// control channel are no longer reachable; tear them all down
		// per §4.7 ("the pool is implicitly invalidated").
		c.teardownAllRoutes()
		c.pool.CloseAll()

		delay := backoff.Next()
		if c.metrics != nil {
			c.metrics.RecordReconnectAttempt(delay.Seconds())
		}
		c.log.Info("reconnecting", logging.KeyClientKey, c.clientKey, logging.KeyBackoff, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case <-time.After(delay):
		}
	}
}

// Stop requests Run to return and closes any in-flight connections,
// including the live control socket if one is blocked reading frames.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.connMu.Lock()
	if c.curConn != nil {
		c.curConn.Close()
	}
	c.connMu.Unlock()
	c.teardownAllRoutes()
	c.pool.CloseAll()
	c.wg.Wait()
}

func (c *Client) setCurConn(conn net.Conn) {
	c.connMu.Lock()
	c.curConn = conn
	c.connMu.Unlock()
}

// runOnce dials the control channel, authenticates, and serves CONNECT
// frames until the connection fails. A nil return means shutdown was
// requested; any other return value is treated as a disconnect worth
// retrying.
func (c *Client) runOnce(ctx context.Context, onConnected func()) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}

	cc := newControlConn(conn)
	c.setCurConn(conn)
	defer func() {
		c.setCurConn(nil)
		conn.Close()
	}()

	if err := cc.writeFrame(&protocol.Frame{Type: protocol.FrameAuth, Uri: c.clientKey}); err != nil {
		return fmt.Errorf("send AUTH: %w", err)
	}
	c.log.Info("control channel established", logging.KeyClientKey, c.clientKey, logging.KeyRemoteAddr, conn.RemoteAddr().String())
	onConnected()
	if c.metrics != nil {
		c.metrics.RecordControlChannelOpen()
		c.metrics.ResetReconnectBackoff()
	}
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordControlChannelClose()
		}
	}()

	mon := idle.New(0, idle.WriteIdleTimeout, nil, c.onWriteIdle(cc))
	cc.setIdleMonitor(mon)
	mon.Start()
	defer mon.Stop()

	fr := protocol.NewFrameReader(conn, protocol.MaxControlFrameSize)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			select {
			case <-c.stopCh:
				return nil
			default:
			}
			return err
		}
		if c.metrics != nil {
			c.metrics.RecordFrameReceived(protocol.FrameTypeName(frame.Type))
		}

		switch frame.Type {
		case protocol.FrameHeartbeat:
			// server echoed a heartbeat back; nothing further to do.
		case protocol.FrameConnect:
			go c.handleConnect(ctx, cc, frame.Uri)
		default:
			c.log.Warn("unexpected frame on control channel", logging.KeyFrameType, protocol.FrameTypeName(frame.Type))
		}
	}
}

// onWriteIdle returns a callback that sends a heartbeat over cc, keeping
// the control socket from looking dead to any intermediate NAT/firewall
// during quiet periods (§4.7).
func (c *Client) onWriteIdle(cc *controlConn) func() {
	return func() {
		if err := cc.writeFrame(&protocol.Frame{Type: protocol.FrameHeartbeat, SerialNumber: uint64(time.Now().UnixNano())}); err != nil {
			c.log.Debug("heartbeat send failed", logging.KeyClientKey, c.clientKey, logging.KeyError, err)
		}
	}
}

// handleConnect parses a CONNECT frame's "userId:host:port" URI, dials
// the real server, borrows a data channel, binds it, and sends the
// CONNECT-ack ("userId@clientKey") that lets the server bind its own
// side. If the dial, the borrow or the ack send fails it reports
// DISCONNECT for userId on the control channel so the server's pending
// UserChannel unblocks (§4.4); a malformed URI is only logged.
func (c *Client) handleConnect(ctx context.Context, control *controlConn, uri string) {
	userID, host, port, err := parseConnectURI(uri)
	if err != nil {
		c.log.Warn("malformed CONNECT frame", logging.KeyClientKey, c.clientKey, logging.KeyError, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	realConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	cancel()
	if err != nil {
		c.log.Warn("real server dial failed", logging.KeyUserID, userID, logging.KeyError, err)
		if c.metrics != nil {
			c.metrics.RecordRealServerDialFailure()
		}
		control.writeFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Uri: userID})
		return
	}

	dc, err := c.pool.Borrow(ctx)
	if err != nil {
		c.log.Warn("data channel dial failed", logging.KeyUserID, userID, logging.KeyError, err)
		realConn.Close()
		control.writeFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Uri: userID})
		return
	}

	rsc := &realServerChannel{userID: userID, realConn: realConn, dc: dc, client: c}
	dc.bind(rsc)
	c.addRoute(userID, rsc)

	ackURI := userID + "@" + c.clientKey
	if err := dc.writeFrame(&protocol.Frame{Type: protocol.FrameConnect, Uri: ackURI}); err != nil {
		c.log.Warn("CONNECT-ack send failed", logging.KeyUserID, userID, logging.KeyError, err)
		c.removeRoute(userID)
		dc.unbind()
		realConn.Close()
		dc.Close()
		control.writeFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Uri: userID})
		return
	}

	if c.metrics != nil {
		c.metrics.RealServerChannelsActive.Inc()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rsc.pumpRealServer()
		if c.metrics != nil {
			c.metrics.RealServerChannelsActive.Dec()
		}
	}()
}

// dialDataChannel dials a fresh connection to the server for the pool to
// hand out on the next Borrow.
func (c *Client) dialDataChannel(ctx context.Context) (*dataChannelConn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial data channel: %w", err)
	}
	return newDataChannelConn(conn, c), nil
}

func (c *Client) addRoute(userID string, rsc *realServerChannel) {
	c.mu.Lock()
	c.routes[userID] = rsc
	c.mu.Unlock()
}

func (c *Client) removeRoute(userID string) {
	c.mu.Lock()
	delete(c.routes, userID)
	c.mu.Unlock()
}

func (c *Client) teardownAllRoutes() {
	c.mu.Lock()
	routes := make([]*realServerChannel, 0, len(c.routes))
	for _, rsc := range c.routes {
		routes = append(routes, rsc)
	}
	c.mu.Unlock()

	for _, rsc := range routes {
		rsc.closeFromPeer()
	}
}

// parseConnectURI splits a CONNECT frame's "userId:host:port" URI. host
// may itself be a bare IPv4/hostname (no colons); IPv6 literals are not
// supported in this position since the wire format has no bracket
// convention for them.
func parseConnectURI(uri string) (userID, host string, port int, err error) {
	first := strings.IndexByte(uri, ':')
	if first < 0 {
		return "", "", 0, fmt.Errorf("client: malformed CONNECT uri %q", uri)
	}
	userID = uri[:first]
	rest := uri[first+1:]

	last := strings.LastIndexByte(rest, ':')
	if last < 0 {
		return "", "", 0, fmt.Errorf("client: malformed CONNECT uri %q", uri)
	}
	host = rest[:last]
	portStr := rest[last+1:]
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("client: invalid port in CONNECT uri %q: %w", uri, err)
	}
	return userID, host, port, nil
}
