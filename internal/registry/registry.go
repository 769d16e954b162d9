// Package registry implements the peer table (spec §3, §4.6, §9: a single
// mutex-guarded table, grounded on original_source's ApplicationState and the
// teacher's pkg/peerscore locking shape).
package registry

import (
	"sync"
	"time"

	"github.com/lsnp/lsnp/internal/metrics"
)

// Status is a free-text presence status string carried by PROFILE.
type Status string

// Peer is the spec §3 Peer record.
type Peer struct {
	UserID      string
	DisplayName string
	Status      Status
	LastSeen    time.Time
	Active      bool
	Avatar      []byte
}

// Registry is the mutex-guarded table of known peers (spec §9). Keys are
// unique by UserID; an IP change is a new peer (invariant (i)).
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Touch records (or creates) a peer as seen at ts, updating LastSeen to
// max(LastSeen, ts) per testable property 3 and marking it active. It
// returns the resulting peer snapshot and whether the peer was newly created.
func (r *Registry) Touch(userID string, ts time.Time) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, existed := r.peers[userID]
	if !existed {
		p = &Peer{UserID: userID}
		r.peers[userID] = p
	}
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
	p.Active = true
	r.updateActiveGauge()
	return *p, !existed
}

// UpdateProfile applies a PROFILE frame's display name and status. Creates
// the peer if it doesn't already exist.
func (r *Registry) UpdateProfile(userID, displayName string, status Status, ts time.Time) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[userID]
	if !ok {
		p = &Peer{UserID: userID}
		r.peers[userID] = p
	}
	p.DisplayName = displayName
	p.Status = status
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
	p.Active = true
	r.updateActiveGauge()
	return *p
}

// Get returns a snapshot of a peer by UserID.
func (r *Registry) Get(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[userID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// All returns a snapshot of every known peer (active and inactive).
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// SweepActivity marks peers inactive once they've exceeded staleThreshold and
// evicts peers once they've exceeded evictThreshold (spec §4.6). Returns the
// UserIDs that changed active-state and the UserIDs evicted, for UI events.
func (r *Registry) SweepActivity(now time.Time, staleThreshold, evictThreshold time.Duration) (deactivated, evicted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid, p := range r.peers {
		idle := now.Sub(p.LastSeen)
		if idle > evictThreshold {
			evicted = append(evicted, uid)
			delete(r.peers, uid)
			continue
		}
		if idle > staleThreshold && p.Active {
			p.Active = false
			deactivated = append(deactivated, uid)
		}
	}
	r.updateActiveGauge()
	return deactivated, evicted
}

// Revoke marks a peer inactive immediately (spec §4.6, on REVOKE receipt).
func (r *Registry) Revoke(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[userID]; ok {
		p.Active = false
	}
	r.updateActiveGauge()
}

// Remove deletes a peer outright.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, userID)
	r.updateActiveGauge()
}

func (r *Registry) updateActiveGauge() {
	active := 0
	for _, p := range r.peers {
		if p.Active {
			active++
		}
	}
	metrics.ActivePeers.Set(float64(active))
}
