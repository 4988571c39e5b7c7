package network

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerRegistry is the set of peers with at least one live connection
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[peer.ID]time.Time // Connected since
}

// NewPeerRegistry creates an empty registry
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[peer.ID]time.Time),
	}
}

// Insert adds p and reports whether it was not already present
func (r *PeerRegistry) Insert(p peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p]; exists {
		return false
	}
	r.peers[p] = time.Now()
	return true
}

// Remove deletes p and reports whether it was present
func (r *PeerRegistry) Remove(p peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p]; !exists {
		return false
	}
	delete(r.peers, p)
	return true
}

// Contains reports whether p is registered
func (r *PeerRegistry) Contains(p peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers[p]
	return exists
}

// ConnectedSince returns when p was inserted
func (r *PeerRegistry) ConnectedSince(p peer.ID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	since, exists := r.peers[p]
	return since, exists
}

// Peers returns a sorted snapshot of the registered peers
func (r *PeerRegistry) Peers() []peer.ID {
	r.mu.RLock()
	peers := make([]peer.ID, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Len returns the number of registered peers
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
