package server

import (
	"math/rand"
	"sync"
)

// Peer is a trusted client's advertised address: one that has
// previously completed an MD5-verified download and runs its own
// trusted-peer server at host:port.
type Peer struct {
	Host string
	Port int
}

// PeerRegistry is the trusted-peers-by-file index of §3/§4.2. A peer
// MAY appear multiple times under the same file ID; duplicates are
// acceptable and are never deduplicated.
type PeerRegistry struct {
	mu     sync.Mutex
	byFile map[string][]Peer
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{byFile: make(map[string][]Peer)}
}

// Register appends peer to the list for fileID.
func (r *PeerRegistry) Register(fileID string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFile[fileID] = append(r.byFile[fileID], peer)
}

// Snapshot returns a randomized copy of the peers registered for
// fileID, so that the overflow path's probe loop never holds the
// registry lock while it dials candidates, and a registration racing
// with an in-flight probe is never blocked by it (§9).
func (r *PeerRegistry) Snapshot(fileID string) []Peer {
	r.mu.Lock()
	peers := append([]Peer(nil), r.byFile[fileID]...)
	r.mu.Unlock()

	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	return peers
}
