package network

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog/log"
)

const (
	defaultReconnectBackoff = time.Second
	maxReconnectBackoff     = 30 * time.Second
	reconnectDialTimeout    = 10 * time.Second
)

// watchPeer marks p as a peer the node keeps a connection to. When its last
// connection drops the node redials it with exponential backoff.
func (n *Node) watchPeer(info peer.AddrInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.watched[info.ID] = info
}

// maybeReconnect starts one reconnect loop for p if p is watched
func (n *Node) maybeReconnect(p peer.ID) {
	n.mu.Lock()
	info, watched := n.watched[p]
	if !watched || n.closed || n.reconnecting[p] {
		n.mu.Unlock()
		return
	}
	n.reconnecting[p] = true
	backoff := n.reconnectBackoff
	n.mu.Unlock()

	n.wg.Add(1)
	go n.reconnectLoop(info, backoff)
}

func (n *Node) reconnectLoop(info peer.AddrInfo, backoff time.Duration) {
	defer n.wg.Done()
	defer func() {
		n.mu.Lock()
		delete(n.reconnecting, info.ID)
		n.mu.Unlock()
	}()

	for {
		log.Info().Str("peer", info.ID.String()).Dur("backoff", backoff).Msg("Connection lost, reconnecting")

		select {
		case <-time.After(backoff):
		case <-n.ctx.Done():
			return
		}

		// The remote may have dialed us in the meantime
		if n.registry.Contains(info.ID) {
			return
		}

		ctx, cancel := context.WithTimeout(n.ctx, reconnectDialTimeout)
		err := n.host.Connect(ctx, info)
		cancel()
		if err == nil {
			log.Info().Str("peer", info.ID.String()).Msg("Reconnected")
			return
		}

		log.Warn().Err(err).Str("peer", info.ID.String()).Msg("Reconnection failed")
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}
