// Package registry is the Session Registry: the in-memory associative map
// from participant identifier to an active session handle, providing
// exclusive single-live-transport-per-participant claim discipline
// (spec.md §4.5). Modeled on the teacher's manager.Manager subscription map,
// a concurrent container guarded by one mutex rather than sharded locks,
// since claim/release/route are all O(1) and never block.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Outbound is anything the registry can hand a live session to deliver.
// The session package supplies the concrete handle; the registry only needs
// to route to it, never to interpret its contents.
type Outbound interface {
	Deliver(payload []byte) error
}

// ClaimResult is the outcome of try_claim.
type ClaimResult int

const (
	ClaimOK ClaimResult = iota
	ClaimAlready
)

// RouteResult is the outcome of route.
type RouteResult int

const (
	RouteDelivered RouteResult = iota
	RouteNoLiveSession
)

// Registry is the single source of truth for "is there a live transport?".
// It holds no persistent state.
type Registry struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]Outbound
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[uuid.UUID]Outbound)}
}

// TryClaim registers handle as the live session for id, or reports Already
// if one is already claimed. Callers implementing last-writer-wins (§9 Open
// Question 3) must Release the prior handle themselves before retrying.
func (r *Registry) TryClaim(id uuid.UUID, handle Outbound) ClaimResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return ClaimAlready
	}
	r.byID[id] = handle
	return ClaimOK
}

// Force unconditionally installs handle as the live session for id,
// returning the previous handle (or nil) so the caller can tear it down.
// Used to implement last-writer-wins duplicate-transport handling.
func (r *Registry) Force(id uuid.UUID, handle Outbound) Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byID[id]
	r.byID[id] = handle
	return prev
}

// Release removes id's claim, but only if it is still held by handle — a
// stale handle (already superseded by Force) cannot evict the new one.
func (r *Registry) Release(id uuid.UUID, handle Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[id]; ok && cur == handle {
		delete(r.byID, id)
	}
}

// Route delivers payload to id's live session, if any.
func (r *Registry) Route(id uuid.UUID, payload []byte) RouteResult {
	r.mu.Lock()
	handle, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return RouteNoLiveSession
	}
	if err := handle.Deliver(payload); err != nil {
		return RouteNoLiveSession
	}
	return RouteDelivered
}

// Live reports whether id currently has a claimed live session.
func (r *Registry) Live(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// Count returns the number of currently claimed sessions, for metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// LiveIDs returns a snapshot of currently claimed participant identifiers,
// for broadcast operations such as the graceful-shutdown hint (spec.md §5).
func (r *Registry) LiveIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}
