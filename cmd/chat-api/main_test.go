package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/config"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.KeyPath = filepath.Join(dir, "keys", "node.pem")
	cfg.HistoryPath = filepath.Join(dir, "data", "history.db")
	cfg.API.Port = 0
	cfg.API.RateLimit = 0
	return cfg
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	_, err := os.Stat(cfg.KeyPath)
	require.NoError(t, err, "identity key should be persisted")

	history, err := storage.NewHistory(cfg.HistoryPath, 0)
	require.NoError(t, err)
	require.NoError(t, history.Close())
}

func TestRunReturnsListenerError(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.API.Port = busy.Addr().(*net.TCPAddr).Port

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return on listener failure")
	}
}

func TestRunReturnsDirectoryError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	cfg := testConfig(t)
	cfg.HistoryPath = filepath.Join(blocker, "history.db")

	err := run(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to create data directories")
}
