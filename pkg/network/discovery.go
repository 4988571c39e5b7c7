package network

import (
	"context"
	"errors"
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/config"
)

var (
	ErrNoBootstrapPeers = errors.New("failed to connect to any bootstrap peers")
	ErrDHTDisabled      = errors.New("peer routing disabled")
)

// newHost builds the libp2p host described by cfg. When cfg.EnableDHT is
// set the host is wired to a Kademlia DHT used for peer routing; the
// returned DHT is nil otherwise.
func newHost(ctx context.Context, cfg *config.Config, priv p2pcrypto.PrivKey) (host.Host, *dht.IpfsDHT, error) {
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	}

	var kad *dht.IpfsDHT
	if cfg.EnableDHT {
		opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			d, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
			if err != nil {
				return nil, err
			}
			kad = d
			return d, nil
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	return h, kad, nil
}

// ParsePeerAddr parses a multiaddr that ends in /p2p/<peer-id>
func ParsePeerAddr(addr string) (*peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer info from %q: %w", addr, err)
	}
	return info, nil
}

// Bootstrap connects to the given peers and, when peer routing is enabled,
// joins the DHT. Unreachable peers are logged and skipped; reached ones are
// redialed whenever their connection drops.
func (n *Node) Bootstrap(ctx context.Context, peers []string) error {
	if len(peers) == 0 {
		return nil
	}

	var connected int
	for _, addr := range peers {
		info, err := ParsePeerAddr(addr)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping bootstrap peer")
			continue
		}

		if err := n.host.Connect(ctx, *info); err != nil {
			log.Warn().Err(err).Str("peer", info.ID.String()).Msg("Failed to connect to bootstrap peer")
			continue
		}

		log.Info().Str("peer", info.ID.String()).Msg("Connected to bootstrap peer")
		n.watchPeer(*info)
		connected++
	}

	if connected == 0 {
		return ErrNoBootstrapPeers
	}

	if n.dht != nil {
		if err := n.dht.Bootstrap(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
	}

	log.Info().Int("peers", connected).Msg("Bootstrap complete")
	return nil
}

// FindPeer resolves a peer's addresses through the DHT
func (n *Node) FindPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error) {
	if n.dht == nil {
		return peer.AddrInfo{}, ErrDHTDisabled
	}

	info, err := n.dht.FindPeer(ctx, id)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("failed to find peer %s: %w", id, err)
	}
	return info, nil
}

// RoutingTableSize returns the number of peers in the DHT routing table
func (n *Node) RoutingTableSize() int {
	if n.dht == nil {
		return 0
	}
	return n.dht.RoutingTable().Size()
}
