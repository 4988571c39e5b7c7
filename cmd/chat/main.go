// Package main provides an interactive chat peer: every line read from
// stdin is sent to all connected peers, received messages are printed.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/config"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/logging"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/network"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

var (
	configPath  = flag.String("config", "", "Path to TOML config file")
	listenAddr  = flag.String("listen", "/ip4/0.0.0.0/tcp/0", "Listen multiaddr")
	keyPath     = flag.String("key", "", "Path to identity key (empty: ephemeral identity)")
	historyPath = flag.String("history", "", "Path to message history database (empty: disabled)")
	enableDHT   = flag.Bool("dht", false, "Enable Kademlia DHT peer routing")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [remote-multiaddr]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	logging.Init("chat", cfg.LogLevel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := run(cfg, flag.Arg(0), os.Stdin, sigCh); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// run starts a node, optionally dials remote, then broadcasts every line
// read from in until in is exhausted or stop fires
func run(cfg *config.Config, remote string, in io.Reader, stop <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []network.Option
	if cfg.HistoryPath != "" {
		history, err := storage.NewHistory(cfg.HistoryPath, cfg.HistoryRetention)
		if err != nil {
			return fmt.Errorf("failed to open message history: %w", err)
		}
		defer history.Close()
		opts = append(opts, network.WithHistory(history))
	}

	node, err := network.NewNode(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer node.Close()

	fmt.Println("💬 P2P Chat")
	fmt.Println("===========")
	fmt.Printf("Local peer id: %s\n", node.ID())
	for _, addr := range node.FullAddrs() {
		fmt.Printf("Listening on %s\n", addr)
	}
	fmt.Println()

	if remote != "" {
		id, err := node.Dial(ctx, remote)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", remote, err)
		}
		fmt.Printf("🔗 Dialed %s\n", id)
	}

	go printEvents(node)

	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Println("👋 Goodbye!")
				return nil
			}
			broadcast(node, line)
		case <-stop:
			fmt.Println("\n🛑 Shutting down...")
			return nil
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddrs = []string{*listenAddr}
		case "key":
			cfg.KeyPath = *keyPath
		case "history":
			cfg.HistoryPath = *historyPath
		case "dht":
			cfg.EnableDHT = *enableDHT
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	return cfg, cfg.Validate()
}

func readLines(in io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("Failed to read input")
	}
}

func broadcast(node *network.Node, line string) {
	line = strings.TrimRight(line, "\r")

	queued, err := node.Broadcast([]byte(line))
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		fmt.Printf("⚠️  Message too long (max %d bytes)\n", protocol.MaxFrameSize)
	case err != nil:
		fmt.Printf("❌ %v\n", err)
	case queued == 0:
		fmt.Println("⚠️  No connected peers")
	}
}

func printEvents(node *network.Node) {
	for ev := range node.Events() {
		switch ev.Type {
		case network.EventPeerConnected:
			fmt.Printf("✅ Connected to %s\n", ev.Peer)
		case network.EventPeerDisconnected:
			fmt.Printf("❎ Disconnected from %s\n", ev.Peer)
		case network.EventMessageReceived:
			fmt.Printf("%s: %s\n", ev.Peer, ev.Message.Data)
		case network.EventSendFailed:
			fmt.Printf("❌ Failed to send to %s: %v\n", ev.Peer, ev.Err)
		}
	}
}
