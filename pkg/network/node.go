// Package network runs the message protocol over a libp2p host: one
// handler per connection, a peer registry and an ordered event stream for
// the application.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/config"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/crypto"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/handler"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
	"github.com/ZentaChain/zentalk-p2pmsg/pkg/storage"
)

// keepAliveTag protects connections of peers whose handlers ask to be kept alive
const keepAliveTag = "p2p-msg"

var (
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrNodeClosed       = errors.New("node closed")
)

// Node is a peer speaking the message protocol
type Node struct {
	host       host.Host
	ownsHost   bool
	dht        *dht.IpfsDHT
	negotiator *protocol.Negotiator
	history    *storage.History
	registry   *PeerRegistry
	events     *dispatcher
	notifiee   *libp2pnet.NotifyBundle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	conns        map[string]*connection
	watched      map[peer.ID]peer.AddrInfo // Redialed when they drop
	reconnecting map[peer.ID]bool
	closed       bool

	reconnectBackoff time.Duration

	closeOnce sync.Once
}

// Option customizes a Node
type Option func(*Node)

// WithHistory records every message exchanged by the node. The caller
// keeps ownership of h.
func WithHistory(h *storage.History) Option {
	return func(n *Node) {
		n.history = h
	}
}

// NewNode creates a libp2p host from cfg and starts serving the protocol on it
func NewNode(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		priv    p2pcrypto.PrivKey
		created bool
		err     error
	)
	if cfg.KeyPath != "" {
		priv, created, err = crypto.LoadOrGenerateIdentity(cfg.KeyPath)
	} else {
		priv, err = crypto.GenerateIdentity()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		log.Info().Str("path", cfg.KeyPath).Msg("Generated new node identity")
	}

	h, kad, err := newHost(ctx, cfg, priv)
	if err != nil {
		return nil, err
	}

	n := newNode(ctx, h, cfg, opts...)
	n.ownsHost = true
	n.dht = kad
	n.start()

	if err := n.Bootstrap(ctx, cfg.BootstrapPeers); err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to bootstrap: %w", err)
	}

	return n, nil
}

// NewNodeWithHost serves the protocol on an existing host. The host is not
// closed by Node.Close.
func NewNodeWithHost(ctx context.Context, h host.Host, cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := newNode(ctx, h, cfg, opts...)
	n.start()
	return n, nil
}

func newNode(ctx context.Context, h host.Host, cfg *config.Config, opts ...Option) *Node {
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		host:       h,
		negotiator: protocol.NewNegotiator(protocol.NewCodec(cfg.MaxFrameSize), cfg.StreamTimeout),
		registry:   NewPeerRegistry(),
		events:     newDispatcher(cfg.EventBuffer),
		ctx:        nodeCtx,
		cancel:     cancel,
		conns:      make(map[string]*connection),

		watched:          make(map[peer.ID]peer.AddrInfo),
		reconnecting:     make(map[peer.ID]bool),
		reconnectBackoff: defaultReconnectBackoff,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

func (n *Node) start() {
	go n.events.run(n.ctx)

	n.host.SetStreamHandler(protocol.ProtocolID, n.handleStream)

	n.notifiee = &libp2pnet.NotifyBundle{
		ConnectedF: func(_ libp2pnet.Network, conn libp2pnet.Conn) {
			n.addConnection(conn)
		},
		DisconnectedF: func(_ libp2pnet.Network, conn libp2pnet.Conn) {
			n.removeConnection(conn)
		},
	}
	n.host.Network().Notify(n.notifiee)

	// Connections established before the notifiee was registered
	for _, conn := range n.host.Network().Conns() {
		n.addConnection(conn)
	}
}

// handleStream serves one inbound substream. Failures only affect the
// substream, never the connection.
func (n *Node) handleStream(s libp2pnet.Stream) {
	remote := s.Conn().RemotePeer()

	msg, err := n.negotiator.Inbound(s)
	if err != nil {
		log.Warn().Err(err).Str("peer", remote.String()).Msg("Inbound substream failed")
		return
	}

	c := n.addConnection(s.Conn())
	if c == nil {
		log.Warn().Str("peer", remote.String()).Msg("Dropping message received during shutdown")
		return
	}

	if err := c.handler.NotifyInboundReceived(msg.Data); err != nil {
		log.Warn().Err(err).Str("peer", remote.String()).Msg("Dropping message for closed connection")
	}
}

// addConnection returns the connection tracked for conn, creating it on
// first sight. Returns nil once the node is closed.
func (n *Node) addConnection(conn libp2pnet.Conn) *connection {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	if c, exists := n.conns[conn.ID()]; exists {
		n.mu.Unlock()
		return c
	}

	c := newConnection(n.ctx, conn)
	n.conns[c.id] = c
	first := n.registry.Insert(c.peer)
	if c.handler.KeepAlive() == handler.KeepAliveYes {
		n.host.ConnManager().Protect(c.peer, keepAliveTag)
	}
	n.mu.Unlock()

	go c.run(n)

	log.Debug().Str("peer", c.peer.String()).Str("conn", c.id).Msg("Connection established")
	if first {
		n.events.publish(Event{Type: EventPeerConnected, Peer: c.peer})
	}
	return c
}

func (n *Node) removeConnection(conn libp2pnet.Conn) {
	n.mu.Lock()
	c, exists := n.conns[conn.ID()]
	if !exists {
		n.mu.Unlock()
		return
	}
	delete(n.conns, c.id)

	last := !n.hasConnectionLocked(c.peer)
	if last {
		n.registry.Remove(c.peer)
		n.host.ConnManager().Unprotect(c.peer, keepAliveTag)
	}
	n.mu.Unlock()

	n.failPending(c.peer, c.stop())

	log.Debug().Str("peer", c.peer.String()).Str("conn", c.id).Msg("Connection closed")
	if last {
		n.events.publish(Event{Type: EventPeerDisconnected, Peer: c.peer})
		n.maybeReconnect(c.peer)
	}
}

func (n *Node) hasConnectionLocked(p peer.ID) bool {
	for _, c := range n.conns {
		if c.peer == p {
			return true
		}
	}
	return false
}

// connectionFor picks one live connection to p
func (n *Node) connectionFor(p peer.ID) *connection {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, c := range n.conns {
		if c.peer == p {
			return c
		}
	}
	return nil
}

// failPending reports unprocessed events of a dead connection. Queued
// sends become failures; queued inbound messages are still delivered.
func (n *Node) failPending(p peer.ID, pending []handler.Event) {
	for _, ev := range pending {
		switch ev.Kind {
		case handler.OutboundRequest:
			n.reportFailure(p, ev.Message, ErrConnectionClosed)
		case handler.SendFailed:
			n.reportFailure(p, ev.Message, ev.Err)
		case handler.InboundReceived:
			n.deliver(p, ev.Message)
		}
	}
}

// Send queues msg for delivery to p
func (n *Node) Send(p peer.ID, data []byte) error {
	msg := protocol.NewMessage(data)
	if err := n.negotiator.Codec().Check(msg); err != nil {
		return err
	}

	if n.isClosed() {
		return ErrNodeClosed
	}

	c := n.connectionFor(p)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, p)
	}

	if err := c.handler.NotifySend(msg); err != nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, p)
	}
	return nil
}

// Broadcast queues data for every connected peer and returns how many
// peers it was queued for
func (n *Node) Broadcast(data []byte) (int, error) {
	if err := n.negotiator.Codec().Check(protocol.NewMessage(data)); err != nil {
		return 0, err
	}

	var queued int
	for _, p := range n.registry.Peers() {
		if err := n.Send(p, data); err != nil {
			log.Warn().Err(err).Str("peer", p.String()).Msg("Broadcast skipped peer")
			continue
		}
		queued++
	}
	return queued, nil
}

// Dial connects to addr, a multiaddr ending in /p2p/<peer-id>. A bare peer
// id is resolved through the DHT when peer routing is enabled.
func (n *Node) Dial(ctx context.Context, addr string) (peer.ID, error) {
	var info peer.AddrInfo

	if id, err := peer.Decode(addr); err == nil {
		info, err = n.FindPeer(ctx, id)
		if err != nil {
			return "", err
		}
	} else {
		parsed, err := ParsePeerAddr(addr)
		if err != nil {
			return "", err
		}
		info = *parsed
	}

	if err := n.host.Connect(ctx, info); err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}

	log.Info().Str("peer", info.ID.String()).Msg("Dialed peer")
	return info.ID, nil
}

// deliver passes an inbound message to the application
func (n *Node) deliver(p peer.ID, msg protocol.Message) {
	n.recordInbound(p, msg)
	n.events.publish(Event{Type: EventMessageReceived, Peer: p, Message: msg})
}

func (n *Node) reportFailure(p peer.ID, msg protocol.Message, err error) {
	log.Warn().Err(err).Str("peer", p.String()).Int("size", msg.Len()).Msg("Send failed")
	n.recordOutbound(p, msg, err)
	n.events.publish(Event{Type: EventSendFailed, Peer: p, Message: msg, Err: err})
}

func (n *Node) recordInbound(p peer.ID, msg protocol.Message) {
	n.record(p, storage.DirectionInbound, storage.MessageStatusReceived, msg, nil)
}

func (n *Node) recordOutbound(p peer.ID, msg protocol.Message, sendErr error) {
	if sendErr != nil {
		n.record(p, storage.DirectionOutbound, storage.MessageStatusFailed, msg, sendErr)
		return
	}
	n.record(p, storage.DirectionOutbound, storage.MessageStatusSent, msg, nil)
}

func (n *Node) record(p peer.ID, dir storage.Direction, status storage.MessageStatus, msg protocol.Message, cause error) {
	if n.history == nil {
		return
	}

	now := time.Now()
	rec := &storage.Record{
		MessageID: crypto.MessageID(p.String(), string(dir), now.UnixNano(), msg.Data),
		PeerID:    p.String(),
		Direction: dir,
		Content:   msg.Data,
		Timestamp: now.UnixMilli(),
		Status:    status,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	if err := n.history.Append(rec); err != nil {
		log.Error().Err(err).Str("peer", p.String()).Msg("Failed to record message")
	}
}

// Events returns the stream of node events. It is closed by Close.
func (n *Node) Events() <-chan Event {
	return n.events.out
}

// ID returns the node's peer id
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the addresses the node listens on
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// FullAddrs returns the listen addresses with the /p2p/<id> suffix, ready
// to be passed to Dial on another node
func (n *Node) FullAddrs() []string {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// Peers returns the connected peers, sorted
func (n *Node) Peers() []peer.ID {
	return n.registry.Peers()
}

// Registry exposes the peer registry
func (n *Node) Registry() *PeerRegistry {
	return n.registry
}

// History returns the message history, nil when disabled
func (n *Node) History() *storage.History {
	return n.history
}

// ConnectionCount returns the number of live connections
func (n *Node) ConnectionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// PendingEvents returns the number of queued handler events for p
func (n *Node) PendingEvents(p peer.ID) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var total int
	for _, c := range n.conns {
		if c.peer == p {
			total += c.handler.Len()
		}
	}
	return total
}

// Host returns the underlying libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Close stops every connection handler, then the DHT and host when the
// node created them. Pending events are discarded.
func (n *Node) Close() error {
	var closeErr error

	n.closeOnce.Do(func() {
		n.host.Network().StopNotify(n.notifiee)
		n.host.RemoveStreamHandler(protocol.ProtocolID)

		n.mu.Lock()
		n.closed = true
		conns := make([]*connection, 0, len(n.conns))
		for id, c := range n.conns {
			conns = append(conns, c)
			delete(n.conns, id)
		}
		n.mu.Unlock()

		for _, c := range conns {
			if pending := c.stop(); len(pending) > 0 {
				log.Debug().Str("peer", c.peer.String()).Int("pending", len(pending)).Msg("Discarding pending events")
			}
			if n.registry.Remove(c.peer) {
				n.host.ConnManager().Unprotect(c.peer, keepAliveTag)
			}
		}

		n.cancel()
		n.wg.Wait()

		if n.dht != nil {
			if err := n.dht.Close(); err != nil {
				closeErr = fmt.Errorf("failed to close DHT: %w", err)
			}
		}
		if n.ownsHost {
			if err := n.host.Close(); err != nil && closeErr == nil {
				closeErr = fmt.Errorf("failed to close host: %w", err)
			}
		}
	})

	return closeErr
}
