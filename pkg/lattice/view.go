package lattice

import (
	"sort"
	"sync"
	"time"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

type pair struct {
	actor, capID string
}

// BindingView is this host's ephemeral picture of bindings and actors held
// by other hosts. A heartbeat replaces everything known about its sender;
// hosts that stay silent past the expiry are forgotten.
type BindingView struct {
	mu       sync.RWMutex
	bindings map[pair]map[string]contracts.Binding // host -> binding
	actors   map[string]map[string]struct{}        // actor -> hosts
	claims   map[string]string                     // actor -> token
	seen     map[string]time.Time
	now      func() time.Time
}

func NewBindingView() *BindingView {
	return &BindingView{
		bindings: make(map[pair]map[string]contracts.Binding),
		actors:   make(map[string]map[string]struct{}),
		claims:   make(map[string]string),
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// PutBinding records that host holds b.
func (v *BindingView) PutBinding(host string, b contracts.Binding) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.putBindingLocked(host, b)
	v.touchLocked(host)
}

func (v *BindingView) putBindingLocked(host string, b contracts.Binding) {
	k := pair{b.Actor, b.CapabilityID}
	hosts, ok := v.bindings[k]
	if !ok {
		hosts = make(map[string]contracts.Binding)
		v.bindings[k] = hosts
	}
	hosts[host] = b.Clone()
}

// DeleteBinding forgets host's binding for the pair.
func (v *BindingView) DeleteBinding(host, actor, capID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := pair{actor, capID}
	delete(v.bindings[k], host)
	if len(v.bindings[k]) == 0 {
		delete(v.bindings, k)
	}
}

// PutActor records that host runs actor, with its claims token if known.
func (v *BindingView) PutActor(host, actor, claims string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.putActorLocked(host, actor, claims)
	v.touchLocked(host)
}

func (v *BindingView) putActorLocked(host, actor, claims string) {
	hosts, ok := v.actors[actor]
	if !ok {
		hosts = make(map[string]struct{})
		v.actors[actor] = hosts
	}
	hosts[host] = struct{}{}
	if claims != "" {
		v.claims[actor] = claims
	}
}

// DeleteActor forgets that host runs actor.
func (v *BindingView) DeleteActor(host, actor string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleteActorLocked(host, actor)
}

func (v *BindingView) deleteActorLocked(host, actor string) {
	delete(v.actors[actor], host)
	if len(v.actors[actor]) == 0 {
		delete(v.actors, actor)
		delete(v.claims, actor)
	}
}

// Reconcile replaces everything known about inv's host.
func (v *BindingView) Reconcile(inv HostInventory) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forgetLocked(inv.HostID)
	for _, b := range inv.Bindings {
		v.putBindingLocked(inv.HostID, b)
	}
	for _, a := range inv.Actors {
		v.putActorLocked(inv.HostID, a.PublicKey, a.Claims)
	}
	v.touchLocked(inv.HostID)
}

// Forget drops a host entirely.
func (v *BindingView) Forget(host string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forgetLocked(host)
	delete(v.seen, host)
}

func (v *BindingView) forgetLocked(host string) {
	for k, hosts := range v.bindings {
		delete(hosts, host)
		if len(hosts) == 0 {
			delete(v.bindings, k)
		}
	}
	for actor := range v.actors {
		v.deleteActorLocked(host, actor)
	}
}

func (v *BindingView) touchLocked(host string) {
	v.seen[host] = v.now()
}

// Prune forgets hosts not heard from within maxAge and returns them.
func (v *BindingView) Prune(maxAge time.Duration) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	cutoff := v.now().Add(-maxAge)
	var gone []string
	for host, at := range v.seen {
		if at.Before(cutoff) {
			gone = append(gone, host)
		}
	}
	sort.Strings(gone)
	for _, host := range gone {
		v.forgetLocked(host)
		delete(v.seen, host)
	}
	return gone
}

// Lookup returns a binding for the pair held by any host. When hosts
// disagree the lowest host id wins.
func (v *BindingView) Lookup(actor, capID string) (contracts.Binding, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	hosts := v.bindings[pair{actor, capID}]
	if len(hosts) == 0 {
		return contracts.Binding{}, false
	}
	ids := make([]string, 0, len(hosts))
	for h := range hosts {
		ids = append(ids, h)
	}
	sort.Strings(ids)
	return hosts[ids[0]].Clone(), true
}

// ForProvider returns one binding per actor for the provider instance, the
// lowest host id winning as in Lookup.
func (v *BindingView) ForProvider(capID, instance string) []contracts.Binding {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []contracts.Binding
	for k, hosts := range v.bindings {
		if k.capID != capID {
			continue
		}
		var best string
		for h, b := range hosts {
			if b.Instance == instance && (best == "" || h < best) {
				best = h
			}
		}
		if best != "" {
			out = append(out, hosts[best].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}

// HasActor reports whether any remote host runs actor.
func (v *BindingView) HasActor(actor string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.actors[actor]) > 0
}

// ClaimsToken returns the cached claims of a remote actor.
func (v *BindingView) ClaimsToken(actor string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.claims[actor]
	return t, ok
}

// Hosts returns the ids of hosts currently known.
func (v *BindingView) Hosts() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.seen))
	for h := range v.seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
