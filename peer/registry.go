// Package peer implements the LSNP peer table (spec.md §3 Peer, §4.6).
// It generalizes the teacher's peer.go -- which held a live ZMQ mailbox
// per peer and tracked evasive/expired timestamps purely for its own TCP
// keepalive -- into a plain data record plus a registry whose
// active/stale/evicted classification is a pure function of last_seen
// and the current clock, per spec.md Testable Property 3.
package peer

import (
	"sync"
	"time"
)

// Status mirrors the teacher's peer lifecycle naming (evasive/expired)
// translated to spec.md's vocabulary (active/stale/evicted).
type Status int

const (
	Active Status = iota
	Stale
	Evicted
)

// Peer is spec.md §3's Peer record.
type Peer struct {
	UserID      string
	DisplayName string
	PeerStatus  string // free-text STATUS header, distinct from lifecycle Status
	LastSeen    time.Time
	Avatar      []byte
}

// Registry is the shared, mutex-guarded peer table spec.md §5 requires
// ("peer registry ... shared across tasks and must serialize mutations").
type Registry struct {
	mu              sync.Mutex
	peers           map[string]*Peer
	staleThreshold  time.Duration
	evictThreshold  time.Duration
	clock           func() time.Time
}

// New creates a registry with the given stale/evict thresholds (spec.md
// §6.3 defaults: 60s / 300s).
func New(staleThreshold, evictThreshold time.Duration) *Registry {
	return &Registry{
		peers:          make(map[string]*Peer),
		staleThreshold: staleThreshold,
		evictThreshold: evictThreshold,
		clock:          time.Now,
	}
}

// Touch records activity from userID, creating the peer record on first
// contact (spec.md §3: "Created on first receipt of any authentic frame
// from the ID"). It reports whether the peer was newly created. Any
// authentic frame -- not only PONG -- calls this, per spec.md §4.6.
func (r *Registry) Touch(userID string) (p *Peer, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	p, ok := r.peers[userID]
	if !ok {
		p = &Peer{UserID: userID, LastSeen: now}
		r.peers[userID] = p
		return p, true
	}
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
	return p, false
}

// UpdateProfile applies a PROFILE frame's display name and status.
func (r *Registry) UpdateProfile(userID, displayName, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok {
		p = &Peer{UserID: userID}
		r.peers[userID] = p
	}
	p.DisplayName = displayName
	p.PeerStatus = status
}

// Get returns a copy of the peer record and whether it exists.
func (r *Registry) Get(userID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// StatusOf classifies a peer purely from last_seen and the current clock,
// per Testable Property 3.
func (r *Registry) StatusOf(userID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok {
		return Evicted
	}
	return r.classify(p, r.clock())
}

func (r *Registry) classify(p *Peer, now time.Time) Status {
	age := now.Sub(p.LastSeen)
	switch {
	case age > r.evictThreshold:
		return Evicted
	case age > r.staleThreshold:
		return Stale
	default:
		return Active
	}
}

// Age reports how long it has been since userID was last heard from. It
// reports false for a peer with no record at all (engine.go's abandonment
// check, opponentStale, treats that the same as maximally stale).
func (r *Registry) Age(userID string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok {
		return 0, false
	}
	return r.clock().Sub(p.LastSeen), true
}

// Remove deletes a peer immediately (REVOKE per spec.md §4.6).
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, userID)
}

// Snapshot returns every currently-registered peer, by value, so a caller
// can iterate them without holding the registry lock.
func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Evict removes every peer whose age exceeds evictThreshold, returning
// their user IDs so the caller can emit peer_removed events. Presence
// calls this once per reap tick.
func (r *Registry) Evict() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var removed []string
	for id, p := range r.peers {
		if r.classify(p, now) == Evicted {
			delete(r.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}
