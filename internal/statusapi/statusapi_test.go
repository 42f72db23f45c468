package statusapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeProvider implements StatusProvider for testing.
type fakeProvider struct {
	running bool
	keys    map[string]int
}

func (f *fakeProvider) Running() bool { return f.running }
func (f *fakeProvider) ClientCount() int { return len(f.keys) }
func (f *fakeProvider) ClientKeys() map[string]int { return f.keys }

func TestNewServer(t *testing.T) {
	cfg := DefaultConfig()
	s := NewServer(cfg, &fakeProvider{running: true})
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "status.sock")

	cfg := Config{SocketPath: socketPath, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	s := NewServer(cfg, &fakeProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected server to be running")
	}
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Error("socket file does not exist")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_ClientIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "status.sock")

	cfg := Config{SocketPath: socketPath, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	provider := &fakeProvider{
		running: true,
		keys:    map[string]int{"ZC-ABC": 2},
	}

	s := NewServer(cfg, provider)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	client := NewClient(socketPath)
	defer client.Close()

	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Error("expected running=true")
	}
	if status.ClientCount != 1 {
		t.Errorf("expected client count 1, got %d", status.ClientCount)
	}

	clients, err := client.Clients(ctx)
	if err != nil {
		t.Fatalf("Clients: %v", err)
	}
	if len(clients.Clients) != 1 {
		t.Fatalf("expected 1 client, got %d", len(clients.Clients))
	}
	if clients.Clients[0].ClientKey != "ZC-ABC" || clients.Clients[0].UserChannels != 2 {
		t.Errorf("unexpected client info: %+v", clients.Clients[0])
	}
}
