package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/zcmesh/zctun/internal/logging"
	"github.com/zcmesh/zctun/internal/protocol"
	"github.com/zcmesh/zctun/internal/socks5"
)

// ErrConnectFailed is returned when the client reported it could not
// reach the requested real server (dial failure, §4.4).
var ErrConnectFailed = errors.New("zctun/server: client failed to connect to real server")

// Connect implements socks5.Backend. It emits a CONNECT frame on the
// control channel and blocks until the client either binds a data
// channel to userID (success), sends DISCONNECT for it (dial failure),
// or ctx is canceled (the SOCKS5 user gave up first).
func (cc *ControlChannel) Connect(ctx context.Context, clientKey, userID, host string, port uint16) (socks5.UserStream, error) {
	uc := newUserChannel(userID, cc)

	// Per spec §4.2: the (userId -> userChannel) registration must be
	// observable before anything else happens on this flow.
	cc.addUserChannel(userID, uc)

	uri := fmt.Sprintf("%s:%s:%s", userID, host, strconv.Itoa(int(port)))
	if err := cc.writeFrame(&protocol.Frame{Type: protocol.FrameConnect, Uri: uri}); err != nil {
		cc.removeUserChannel(userID)
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	select {
	case <-uc.ready:
		return uc, nil

	case <-uc.connectFailed:
		cc.removeUserChannel(userID)
		return nil, ErrConnectFailed

	case <-ctx.Done():
		cc.removeUserChannel(userID)
		cc.writeFrame(&protocol.Frame{Type: protocol.FrameDisconnect, Uri: userID})
		cc.logger.Debug("CONNECT abandoned by SOCKS5 user", logging.KeyUserID, userID, logging.KeyClientKey, clientKey)
		return nil, ctx.Err()

	case <-cc.done:
		cc.removeUserChannel(userID)
		return nil, fmt.Errorf("control channel for %s closed while connecting", clientKey)
	}
}

// ErrNoControlChannel is returned when the requested clientKey has no
// live control channel at CONNECT time.
var ErrNoControlChannel = errors.New("zctun/server: no control channel for clientKey")

// Connect implements socks5.Backend by dispatching to the clientKey's
// current control channel.
func (b *dispatchBackend) Connect(ctx context.Context, clientKey, userID, host string, port uint16) (socks5.UserStream, error) {
	cc, ok := b.registry.Get(clientKey)
	if !ok {
		return nil, ErrNoControlChannel
	}
	return cc.Connect(ctx, clientKey, userID, host, port)
}
