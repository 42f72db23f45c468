package socks5

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// fakeStream is an in-memory UserStream backed by a pipe, standing in for
// a data channel bound to one user flow.
type fakeStream struct {
	net.Conn
}

func (f *fakeStream) Close() error { return f.Conn.Close() }

// fakeBackend records Connect calls and returns a pipe-backed stream.
type fakeBackend struct {
	fail      error
	lastHost  string
	lastPort  uint16
	lastKey   string
	lastUser  string
	realServer net.Conn
}

func (b *fakeBackend) Connect(ctx context.Context, clientKey, userID, host string, port uint16) (UserStream, error) {
	b.lastKey, b.lastUser, b.lastHost, b.lastPort = clientKey, userID, host, port
	if b.fail != nil {
		return nil, b.fail
	}
	client, server := net.Pipe()
	b.realServer = server
	return &fakeStream{Conn: client}, nil
}

func idGenFixed(id string) func() (string, error) {
	return func() (string, error) { return id, nil }
}

func dialPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	return client, server
}

func TestHandle_HandshakeRejection_NoAcceptableMethod(t *testing.T) {
	checker := &HashedSecretChecker{Hash: MustHashPassword("11111"), HasControl: func(string) bool { return true }}
	h := NewHandler([]Authenticator{NewUserPassAuthenticator(checker)}, &fakeBackend{}, idGenFixed("u1"))

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	// Only "no-auth" offered.
	client.Write([]byte{0x05, 0x01, 0x00})

	reply := make([]byte, 2)
	io.ReadFull(client, reply)
	if reply[0] != 0x05 || reply[1] != 0xFF {
		t.Fatalf("reply = % x, want 05 FF", reply)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return")
	}
}

func TestHandle_HappyPath(t *testing.T) {
	checker := &HashedSecretChecker{Hash: MustHashPassword("11111"), HasControl: func(k string) bool { return k == "ZC-ABC" }}
	backend := &fakeBackend{}
	h := NewHandler([]Authenticator{NewUserPassAuthenticator(checker)}, backend, idGenFixed("u1"))

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	client.Write([]byte{0x05, 0x01, 0x02})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)
	if methodReply[1] != AuthMethodUserPass {
		t.Fatalf("method reply = % x, want user/pass selected", methodReply)
	}

	authReq := append([]byte{0x01, 6}, "ZC-ABC"...)
	authReq = append(authReq, 5)
	authReq = append(authReq, "11111"...)
	client.Write(authReq)

	authReply := make([]byte, 2)
	io.ReadFull(client, authReply)
	if authReply[1] != AuthStatusSuccess {
		t.Fatalf("auth reply = % x, want success", authReply)
	}

	connectReq := []byte{0x05, CmdConnect, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0, 80}
	client.Write(connectReq)

	connectReply := make([]byte, 10)
	io.ReadFull(client, connectReply)
	want := []byte{0x05, ReplySucceeded, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if connectReply[i] != want[i] {
			t.Fatalf("connect reply = % x, want % x", connectReply, want)
		}
	}

	if backend.lastKey != "ZC-ABC" || backend.lastHost != "127.0.0.1" || backend.lastPort != 80 {
		t.Fatalf("backend saw key=%s host=%s port=%d", backend.lastKey, backend.lastHost, backend.lastPort)
	}

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	client.Write(payload)

	got := make([]byte, len(payload))
	io.ReadFull(backend.realServer, got)
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q", got)
	}

	// Simulate the real server and the user both finishing; a genuine
	// DISCONNECT frame would trigger this in production.
	backend.realServer.Close()
	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after client close")
	}
}

func TestHandle_BadPassword(t *testing.T) {
	checker := &HashedSecretChecker{Hash: MustHashPassword("11111"), HasControl: func(string) bool { return true }}
	h := NewHandler([]Authenticator{NewUserPassAuthenticator(checker)}, &fakeBackend{}, idGenFixed("u1"))

	client, server := dialPair(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(server) }()

	client.Write([]byte{0x05, 0x01, 0x02})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)

	authReq := append([]byte{0x01, 6}, "ZC-ABC"...)
	authReq = append(authReq, 5)
	authReq = append(authReq, "wrong"...)
	client.Write(authReq)

	authReply := make([]byte, 2)
	io.ReadFull(client, authReply)
	if authReply[1] != AuthStatusFailure {
		t.Fatalf("auth reply = % x, want failure", authReply)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after failed auth")
	}
}
