// Package main provides a headless messaging node with the HTTP API
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/api"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/config"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/logging"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/network"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to TOML config file")
	listenAddr := flag.String("listen", "/ip4/0.0.0.0/tcp/9000", "Listen multiaddr")
	apiPort := flag.Int("api-port", 8080, "HTTP API port")
	bootstrap := flag.String("bootstrap", "", "Bootstrap peer multiaddr")
	keyPath := flag.String("key", "./keys/node.pem", "Path to identity key")
	historyPath := flag.String("history", "./data/history.db", "Path to message history database")
	enableCORS := flag.Bool("cors", true, "Enable CORS headers")
	rateLimit := flag.Int("rate-limit", 100, "Rate limit (requests per minute)")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Without a config file every flag applies; with one only explicit flags do
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	override := func(name string) bool { return *configPath == "" || explicit[name] }

	if override("listen") {
		cfg.ListenAddrs = []string{*listenAddr}
	}
	if override("api-port") {
		cfg.API.Port = *apiPort
	}
	if *bootstrap != "" {
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, *bootstrap)
	}
	if override("key") {
		cfg.KeyPath = *keyPath
	}
	if override("history") {
		cfg.HistoryPath = *historyPath
	}
	if override("cors") {
		cfg.API.EnableCORS = *enableCORS
	}
	if override("rate-limit") {
		cfg.API.RateLimit = *rateLimit
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	logging.Init("chat-api", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// run serves the node and its HTTP API until ctx is cancelled or the API
// server fails
func run(ctx context.Context, cfg *config.Config) error {
	fmt.Println("🚀 P2P Messaging API Server")
	fmt.Println("===========================")
	fmt.Println()

	if err := ensureParentDirs(cfg.KeyPath, cfg.HistoryPath); err != nil {
		return fmt.Errorf("failed to create data directories: %w", err)
	}

	var history *storage.History
	var opts []network.Option
	if cfg.HistoryPath != "" {
		var err error
		history, err = storage.NewHistory(cfg.HistoryPath, cfg.HistoryRetention)
		if err != nil {
			return fmt.Errorf("failed to open message history: %w", err)
		}
		defer history.Close()
		opts = append(opts, network.WithHistory(history))
	}

	fmt.Println("📡 Starting node...")
	node, err := network.NewNode(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing node")
		}
	}()

	fmt.Println()
	fmt.Println("Node Information:")
	fmt.Printf("  ID: %s\n", node.ID())
	fmt.Printf("  Addresses:\n")
	for _, addr := range node.FullAddrs() {
		fmt.Printf("    %s\n", addr)
	}
	if cfg.HistoryPath != "" {
		fmt.Printf("  History: %s\n", cfg.HistoryPath)
	}
	fmt.Printf("  Peers: %d\n", len(node.Peers()))
	fmt.Println()

	go logEvents(node)

	apiServer, err := api.NewServer(node, history, &api.Config{
		Port:         cfg.API.Port,
		EnableCORS:   cfg.API.EnableCORS,
		RateLimit:    cfg.API.RateLimit,
		ReadTimeout:  api.DefaultConfig().ReadTimeout,
		WriteTimeout: api.DefaultConfig().WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	fmt.Println("✅ Server is ready!")
	fmt.Println()
	fmt.Println("API Endpoints:")
	fmt.Printf("  POST   http://localhost:%d/api/v1/messages\n", cfg.API.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/messages?limit=N&peer=ID\n", cfg.API.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/network/peers\n", cfg.API.Port)
	fmt.Printf("  GET    http://localhost:%d/api/v1/node/info\n", cfg.API.Port)
	fmt.Printf("  GET    http://localhost:%d/health\n", cfg.API.Port)
	fmt.Println()

	// Blocks until ctx is cancelled or the listener fails
	if err := apiServer.Start(ctx); err != nil {
		return err
	}

	fmt.Println("\n🛑 Shutting down...")
	fmt.Println("👋 Goodbye!")
	return nil
}

func logEvents(node *network.Node) {
	for ev := range node.Events() {
		switch ev.Type {
		case network.EventSendFailed:
			log.Warn().Str("event", ev.Type.String()).Str("peer", ev.Peer.String()).Err(ev.Err).Msg("Node event")
		case network.EventMessageReceived, network.EventMessageSent:
			log.Info().Str("event", ev.Type.String()).Str("peer", ev.Peer.String()).Int("bytes", ev.Message.Len()).Msg("Node event")
		default:
			log.Info().Str("event", ev.Type.String()).Str("peer", ev.Peer.String()).Msg("Node event")
		}
	}
}

func ensureParentDirs(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
