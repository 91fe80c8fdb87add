// Package registry implements the TTL-expiring cache of peer capability
// descriptors shared by the discovery listener, the gossip service, and
// the RPC/HTTP readers.
package registry

import (
	"sync"
	"time"

	"github.com/funnel-mesh/funnel/internal/capability"
)

// Entry wraps a peer descriptor with freshness bookkeeping.
type Entry struct {
	Descriptor capability.Descriptor
	LastSeen   time.Time
	ExpiresAt  time.Time
}

// Registry is an in-memory, TTL-expiring store of peer descriptors.
// The local agent's own id is never stored; callers across goroutines
// need no external locking.
type Registry struct {
	mu      sync.RWMutex
	selfID  string
	entries map[string]*Entry
	ttl     time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates a Registry that excludes selfID and expires entries after ttl.
func New(selfID string, ttl time.Duration) *Registry {
	return &Registry{
		selfID:  selfID,
		entries: make(map[string]*Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// AddOrUpdate records a sighting of a peer. The entry is refused when its
// id is empty or equals the local agent's id. An existing entry is kept
// unless the sighting is strictly newer, or the peer's address changed:
// a stale address means future RPCs dial the wrong host, so address
// changes always win immediately.
func (r *Registry) AddOrUpdate(desc capability.Descriptor) bool {
	if desc.AgentID == "" || desc.AgentID == r.selfID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeLocked(desc, r.now())
}

// storeLocked applies the conflict rule. Caller holds r.mu.
func (r *Registry) storeLocked(desc capability.Descriptor, seen time.Time) bool {
	existing, ok := r.entries[desc.AgentID]
	if ok {
		addressChanged := desc.IPAddress != "" && desc.IPAddress != existing.Descriptor.IPAddress
		if !seen.After(existing.LastSeen) && !addressChanged {
			return false
		}
		if desc.IPAddress == "" {
			// Never let a descriptor without an address erase a known one.
			desc = desc.WithAddress(existing.Descriptor.IPAddress)
		}
	}

	r.entries[desc.AgentID] = &Entry{
		Descriptor: desc,
		LastSeen:   seen,
		ExpiresAt:  seen.Add(r.ttl),
	}
	return !ok
}

// MergeGossip merges a gossiped peer list into the registry and returns
// how many previously unknown peers were added. Entries for the local
// agent or the gossip source are skipped: a sender's own entry in its
// payload carries a self-reported address, so callers must record the
// source themselves via AddOrUpdate with the datagram's source address.
func (r *Registry) MergeGossip(descs []capability.Descriptor, sourceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	added := 0
	for _, desc := range descs {
		if desc.AgentID == "" || desc.AgentID == r.selfID || desc.AgentID == sourceID {
			continue
		}
		if r.storeLocked(desc, now) {
			added++
		}
	}
	return added
}

// GetAll returns the descriptors of all live peers, evicting any entry
// whose TTL has lapsed as a side effect of being read.
func (r *Registry) GetAll() []capability.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]capability.Descriptor, 0, len(r.entries))
	for id, entry := range r.entries {
		if now.After(entry.ExpiresAt) {
			delete(r.entries, id)
			continue
		}
		out = append(out, entry.Descriptor)
	}
	return out
}

// Get returns the live entry for a peer id.
func (r *Registry) Get(id string) (capability.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok || r.now().After(entry.ExpiresAt) {
		return capability.Descriptor{}, false
	}
	return entry.Descriptor, true
}

// Contains reports whether a live entry exists for the given id.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Touch extends the TTL of an existing live entry without changing its
// descriptor. Returns false for unknown or expired peers.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return false
	}
	now := r.now()
	if now.After(entry.ExpiresAt) {
		delete(r.entries, id)
		return false
	}
	entry.LastSeen = now
	entry.ExpiresAt = now.Add(r.ttl)
	return true
}

// Remove deletes a peer outright.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Count returns the number of live peers.
func (r *Registry) Count() int {
	return len(r.GetAll())
}

// SelfID returns the local agent id this registry excludes.
func (r *Registry) SelfID() string {
	return r.selfID
}

// StartSweep runs periodic eviction until the stop channel closes.
// Lazy eviction in GetAll already keeps readers correct; the sweep just
// bounds memory for long-idle agents.
func (r *Registry) StartSweep(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.GetAll()
		case <-stopCh:
			return
		}
	}
}
