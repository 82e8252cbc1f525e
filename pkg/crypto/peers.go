package crypto

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nkeys"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// PeerKeyRing holds the public keys of hosts discovered on the lattice.
type PeerKeyRing struct {
	mu    sync.RWMutex
	peers map[string]time.Time // public key -> last seen
}

// NewPeerKeyRing creates an empty PeerKeyRing.
func NewPeerKeyRing() *PeerKeyRing {
	return &PeerKeyRing{peers: make(map[string]time.Time)}
}

// Add records (or refreshes) a discovered host key.
func (p *PeerKeyRing) Add(hostKey string) error {
	if !nkeys.IsValidPublicServerKey(hostKey) {
		return fmt.Errorf("invalid host key %q", hostKey)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[hostKey] = time.Now()
	return nil
}

// Remove forgets a host key.
func (p *PeerKeyRing) Remove(hostKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, hostKey)
}

// Known reports whether hostKey has been discovered.
func (p *PeerKeyRing) Known(hostKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.peers[hostKey]
	return ok
}

// Peers returns the known host keys in sorted order.
func (p *PeerKeyRing) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.peers))
	for k := range p.peers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Verify admits inv only if its sender was previously discovered and the
// envelope verifies against that sender's key.
func (p *PeerKeyRing) Verify(inv *contracts.Invocation) error {
	if !p.Known(inv.HostID) {
		return fmt.Errorf("%w: unknown host %q", contracts.ErrForged, inv.HostID)
	}
	return VerifyInvocation(inv, inv.HostID)
}
