// Package presence keeps the table of known identities and whether each one
// currently holds a live connection to the hub.
package presence

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by MarkDisconnected when no identity is currently
// bound to the given connection id.
var ErrNotFound = errors.New("presence: no identity bound to connection")

// Record is the presence state of one identity. Records are mutated in place
// across reconnects and are never replaced.
type Record struct {
	ConnectionID       string     `json:"connectionId"`
	IdentityKey        string     `json:"identityKey"`
	Connected          bool       `json:"connected"`
	LastConnectedAt    time.Time  `json:"lastConnectedAt"`
	LastDisconnectedAt *time.Time `json:"lastDisconnectedAt,omitempty"`
}

func (r *Record) clone() Record {
	out := *r
	if r.LastDisconnectedAt != nil {
		t := *r.LastDisconnectedAt
		out.LastDisconnectedAt = &t
	}
	return out
}

// Registry maps identity keys to their Record. It is safe for concurrent use;
// every read observes a consistent point-in-time view.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	// byConn holds only the most recent connection id of each identity, so a
	// stale id can never resolve to a record.
	byConn map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		byConn:  make(map[string]string),
	}
}

// UpsertOnConnect binds connectionID to identityKey and marks the identity
// connected. A previously unseen key gets a new record appended to the
// snapshot order.
func (r *Registry) UpsertOnConnect(identityKey, connectionID string, now time.Time) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identityKey]
	if !ok {
		rec = &Record{IdentityKey: identityKey}
		r.records[identityKey] = rec
		r.order = append(r.order, identityKey)
	} else if rec.ConnectionID != "" && r.byConn[rec.ConnectionID] == identityKey {
		delete(r.byConn, rec.ConnectionID)
	}

	rec.ConnectionID = connectionID
	rec.Connected = true
	rec.LastConnectedAt = now
	rec.LastDisconnectedAt = nil
	r.byConn[connectionID] = identityKey

	return rec.clone()
}

// MarkDisconnected flags the identity currently bound to connectionID as
// offline. It returns ErrNotFound when the id is unknown or has been
// superseded by a newer connection of the same identity.
func (r *Registry) MarkDisconnected(connectionID string, now time.Time) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byConn[connectionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	delete(r.byConn, connectionID)

	rec := r.records[key]
	rec.Connected = false
	t := now
	rec.LastDisconnectedAt = &t

	return rec.clone(), nil
}

// Snapshot returns a copy of every record in order of first connect.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.records[key].clone())
	}
	return out
}

// Lookup returns the record for identityKey.
func (r *Registry) Lookup(identityKey string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[identityKey]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// IdentityFor reports which identity connectionID is currently bound to.
func (r *Registry) IdentityFor(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byConn[connectionID]
	return key, ok
}

// Len returns the number of known identities, connected or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Prune drops disconnected records whose last disconnect happened before
// cutoff and returns how many were removed. Connected records are kept.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	removed := 0
	for _, key := range r.order {
		rec := r.records[key]
		if !rec.Connected && rec.LastDisconnectedAt != nil && rec.LastDisconnectedAt.Before(cutoff) {
			delete(r.records, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	for i := len(kept); i < len(r.order); i++ {
		r.order[i] = ""
	}
	r.order = kept
	return removed
}
