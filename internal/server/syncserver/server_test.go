package syncserver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidekv/tidekv/internal/server/config"
	"github.com/tidekv/tidekv/internal/shard"
	"github.com/tidekv/tidekv/internal/snapshot"
	"github.com/tidekv/tidekv/internal/storage"
)

// stubEngine materializes fixed checkpoint files for transfer tests.
type stubEngine struct {
	storage.Engine

	files map[string][]byte
}

func (e *stubEngine) Checkpoint(ctx context.Context, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	var names []string
	for name, content := range e.files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0640); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func checkpointContent() map[string][]byte {
	big := make([]byte, 10_000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	return map[string][]byte{
		"DUMP.000001": big,
		"DUMP.000002": []byte("tail segment"),
	}
}

// startTestServer brings up a transfer server over one shard, optionally
// with a published checkpoint.
func startTestServer(t *testing.T, checkpoint bool) (*Server, *shard.Shard, *snapshot.Registry) {
	t.Helper()

	shards := shard.NewManager()
	sh := &shard.Shard{
		DB:             "db0",
		ID:             1,
		Engine:         &stubEngine{files: checkpointContent()},
		CheckpointRoot: t.TempDir(),
	}
	if err := shards.Register(sh); err != nil {
		t.Fatalf("Register: %v", err)
	}

	registry := snapshot.NewRegistry(nil)
	if checkpoint {
		if _, err := registry.Checkpoint(context.Background(), sh); err != nil {
			t.Fatalf("Checkpoint: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.IdleTimeout = 2 * time.Second
	srv := New(cfg, shards, registry, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return srv, sh, registry
}

func testClient(t *testing.T, srv *Server) *Client {
	t.Helper()
	cfg := DefaultClientConfig(srv.Addr().String())
	cfg.ChunkSize = 1024
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.MaxElapsedTime = 2 * time.Second
	c := NewClient(cfg, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_PullSnapshot(t *testing.T) {
	srv, _, registry := startTestServer(t, true)
	c := testClient(t, srv)

	dest := t.TempDir()
	uuid, err := c.Pull(context.Background(), "db0", 1, dest)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	desc, _ := registry.Current("db0", 1)
	if uuid != desc.UUID {
		t.Errorf("uuid = %s, want %s", uuid, desc.UUID)
	}
	for name, want := range checkpointContent() {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("read pulled %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("pulled %s differs from source (%d vs %d bytes)", name, len(got), len(want))
		}
	}
}

func TestServer_RateLimitedPull(t *testing.T) {
	shards := shard.NewManager()
	sh := &shard.Shard{
		DB:             "db0",
		ID:             1,
		Engine:         &stubEngine{files: checkpointContent()},
		CheckpointRoot: t.TempDir(),
	}
	if err := shards.Register(sh); err != nil {
		t.Fatalf("Register: %v", err)
	}
	registry := snapshot.NewRegistry(nil)
	if _, err := registry.Checkpoint(context.Background(), sh); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// 10 KB of snapshot against an 8 KB/s cap: the burst covers the first
	// 8 KB, the remainder must wait roughly a quarter second.
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.RateLimit = 8000
	srv := New(cfg, shards, registry, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	c := testClient(t, srv)
	dest := t.TempDir()

	start := time.Now()
	if _, err := c.Pull(context.Background(), "db0", 1, dest); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("pull finished in %v, rate cap not applied", elapsed)
	}
	for name, want := range checkpointContent() {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("read pulled %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("pulled %s differs from source", name)
		}
	}
}

func TestDefaultConfig_AddressMatchesDaemonDefault(t *testing.T) {
	if got, want := DefaultConfig().Address, config.DefaultSyncAddress; got != want {
		t.Errorf("DefaultConfig().Address = %q, want %q", got, want)
	}
}

func TestServer_FileRequestWithoutSnapshot(t *testing.T) {
	srv, _, _ := startTestServer(t, false)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &Request{
		Type:    RequestFile,
		DB:      "db0",
		ShardID: 1,
		File:    &FileRequest{Filename: "DUMP.000001", Offset: 0, Count: 100},
	}
	if err := writeFrame(conn, req); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := readResponse(conn)
	if err != nil {
		t.Fatalf("expected a well-formed error response, got %v", err)
	}
	if resp.Code != CodeErr {
		t.Errorf("Code = %d, want CodeErr", resp.Code)
	}
}

func TestServer_MetaAbstainsWithoutSnapshot(t *testing.T) {
	srv, _, _ := startTestServer(t, false)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, &Request{Type: RequestMeta, DB: "db0", ShardID: 1}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	// No response at all: the caller is expected to time out and retry.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := readResponse(conn); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("readResponse err = %v, want deadline exceeded", err)
	}
}

func TestServer_MetaAbstainsDuringBgsave(t *testing.T) {
	srv, sh, _ := startTestServer(t, true)

	if !sh.BeginSave() {
		t.Fatal("BeginSave failed")
	}
	defer sh.EndSave()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, &Request{Type: RequestMeta, DB: "db0", ShardID: 1}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := readResponse(conn); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("readResponse err = %v, want deadline exceeded", err)
	}
}

func TestServer_MetaRetriesThroughBgsave(t *testing.T) {
	srv, sh, registry := startTestServer(t, true)
	c := testClient(t, srv)

	if !sh.BeginSave() {
		t.Fatal("BeginSave failed")
	}
	go func() {
		time.Sleep(700 * time.Millisecond)
		sh.EndSave()
	}()

	uuid, err := c.Pull(context.Background(), "db0", 1, t.TempDir())
	if err != nil {
		t.Fatalf("Pull across bgsave: %v", err)
	}
	desc, _ := registry.Current("db0", 1)
	if uuid != desc.UUID {
		t.Errorf("uuid = %s, want %s", uuid, desc.UUID)
	}
}

func TestServer_UnknownShardFileRequest(t *testing.T) {
	srv, _, _ := startTestServer(t, true)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &Request{
		Type:    RequestFile,
		DB:      "db9",
		ShardID: 42,
		File:    &FileRequest{Filename: "DUMP.000001", Count: 10},
	}
	if err := writeFrame(conn, req); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := readResponse(conn)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if resp.Code != CodeErr {
		t.Errorf("Code = %d, want CodeErr", resp.Code)
	}
}

func TestServer_RejectsPathEscape(t *testing.T) {
	srv, _, _ := startTestServer(t, true)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &Request{
		Type:    RequestFile,
		DB:      "db0",
		ShardID: 1,
		File:    &FileRequest{Filename: "../../etc/passwd", Count: 10},
	}
	if err := writeFrame(conn, req); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := readResponse(conn)
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if resp.Code != CodeErr {
		t.Errorf("Code = %d, want CodeErr", resp.Code)
	}
}
