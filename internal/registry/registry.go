// Package registry implements the in-memory connection registry: the single
// source of truth for which client is connected to which sharer and where
// each connection sits in its lifecycle.
//
// Membership is guarded by one RWMutex; every connection additionally
// carries its own mutex so mutations of unrelated connections do not
// contend. State changes go through [Registry.Transition], which validates
// the requested edge against the connection state machine. By convention
// only the orchestrator calls Transition.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netshare/netshare/internal/domain"
)

type entry struct {
	mu sync.Mutex
	c  domain.Connection
}

// Registry is the in-memory table of all known connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// Create adds a new PENDING connection. sharerID may be empty when the
// sharer is to be chosen by the matcher later.
func (r *Registry) Create(sharerID string, now time.Time) domain.Connection {
	c := domain.Connection{
		ID:        uuid.NewString(),
		SharerID:  sharerID,
		State:     domain.StatePending,
		CreatedAt: now.UTC(),
	}
	r.mu.Lock()
	r.conns[c.ID] = &entry{c: c}
	r.mu.Unlock()
	return c
}

// Restore inserts a connection loaded from a snapshot, preserving its
// recorded state. Relay ports are expected to be cleared by the caller; a
// restored tunnel is always re-registered fresh.
func (r *Registry) Restore(c domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.ID]; exists {
		return &domain.ConnError{ConnID: c.ID, Op: "restore", Err: domain.ErrInvalidTransition}
	}
	r.conns[c.ID] = &entry{c: c}
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e := r.conns[id]
	r.mu.RUnlock()
	if e == nil {
		return nil, domain.ErrConnectionNotFound
	}
	return e, nil
}

// Get returns a snapshot copy of the connection.
func (r *Registry) Get(id string) (domain.Connection, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Connection{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c, nil
}

// AttachClient binds the requesting client to a connection. It fails once
// the connection has reached a terminal state and rejects rebinding to a
// different client.
func (r *Registry) AttachClient(id, clientID string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.State.Terminal() {
		return &domain.ConnError{ConnID: id, Op: "attach client", Err: domain.ErrInvalidTransition}
	}
	if e.c.ClientID != "" && e.c.ClientID != clientID {
		return &domain.ConnError{ConnID: id, Op: "attach client", Err: domain.ErrInvalidTransition}
	}
	e.c.ClientID = clientID
	return nil
}

// AssignSharer records the sharer chosen by the matcher. Only a PENDING
// connection without a sharer may be assigned.
func (r *Registry) AssignSharer(id, sharerID string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.State != domain.StatePending {
		return &domain.ConnError{ConnID: id, Op: "assign sharer", Err: domain.ErrInvalidTransition}
	}
	e.c.SharerID = sharerID
	return nil
}

// Transition moves a connection along one edge of the state machine and
// returns the updated snapshot. Requests without a matching edge fail with
// [domain.ErrInvalidTransition] and leave the connection untouched.
func (r *Registry) Transition(id string, to domain.State, now time.Time) (domain.Connection, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Connection{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !domain.CanTransition(e.c.State, to) {
		return domain.Connection{}, &domain.ConnError{ConnID: id, Op: "transition to " + string(to), Err: domain.ErrInvalidTransition}
	}
	e.c.State = to
	if to == domain.StateActive {
		// A connection entering ACTIVE starts with a fresh heartbeat so it
		// is not judged stale before its first usage poll.
		e.c.LastHeartbeatAt = now.UTC()
		e.c.MissedPolls = 0
	}
	if to.Terminal() {
		t := now.UTC()
		e.c.ClosedAt = &t
	}
	return e.c, nil
}

// SetRelayMapping records the relay port and access credentials assigned
// during tunnel provisioning. Port 0 clears the mapping after teardown.
func (r *Registry) SetRelayMapping(id string, port int, accessUser, accessPasswordHash string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.State.Terminal() {
		return &domain.ConnError{ConnID: id, Op: "set relay mapping", Err: domain.ErrInvalidTransition}
	}
	e.c.RelayPort = port
	if port == 0 {
		return nil
	}
	e.c.AccessUser = accessUser
	e.c.AccessPasswordHash = accessPasswordHash
	return nil
}

// RecordTraffic adds a polled usage delta to the connection, refreshes its
// heartbeat, and resets the missed-poll counter. The updated snapshot is
// returned.
func (r *Registry) RecordTraffic(id string, delta uint64, now time.Time) (domain.Connection, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Connection{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.State.Terminal() {
		// Late relay reports for torn-down tunnels are discarded.
		return e.c, nil
	}
	e.c.BytesTransferred += delta
	e.c.LastHeartbeatAt = now.UTC()
	e.c.MissedPolls = 0
	return e.c, nil
}

// RecordMissedPoll increments the connection's missed-poll counter and
// returns the new count.
func (r *Registry) RecordMissedPoll(id string) (int, error) {
	e, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.c.MissedPolls++
	return e.c.MissedPolls, nil
}

// MarkHeartbeatsStale zeroes LastHeartbeatAt on every ACTIVE connection so
// the orchestrator's next heartbeat check sees them as silent. Used by the
// health monitor when the relay itself is down; it never changes state.
func (r *Registry) MarkHeartbeatsStale() int {
	marked := 0
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.c.State == domain.StateActive {
			e.c.LastHeartbeatAt = time.Time{}
			marked++
		}
		e.mu.Unlock()
	}
	return marked
}

// ListByState returns snapshot copies of every connection in any of the
// given states, ordered by creation time for deterministic processing.
func (r *Registry) ListByState(states ...domain.State) []domain.Connection {
	want := make(map[domain.State]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	var out []domain.Connection
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if _, ok := want[e.c.State]; ok {
			out = append(out, e.c)
		}
		e.mu.Unlock()
	}
	sortByCreatedAt(out)
	return out
}

// List returns snapshot copies of all connections.
func (r *Registry) List() []domain.Connection {
	var out []domain.Connection
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		out = append(out, e.c)
		e.mu.Unlock()
	}
	sortByCreatedAt(out)
	return out
}

// FindByParty returns the most recent connection involving the given
// client or sharer id.
func (r *Registry) FindByParty(partyID string) (domain.Connection, bool) {
	var found domain.Connection
	ok := false
	for _, c := range r.List() {
		if c.ClientID == partyID || c.SharerID == partyID {
			found = c
			ok = true
		}
	}
	return found, ok
}

// HasLiveConnection reports whether the sharer currently holds a MATCHED
// or ACTIVE connection.
func (r *Registry) HasLiveConnection(sharerID string) bool {
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		live := e.c.SharerID == sharerID &&
			(e.c.State == domain.StateMatched || e.c.State == domain.StateActive)
		e.mu.Unlock()
		if live {
			return true
		}
	}
	return false
}

// Remove deletes a connection from the registry. Only terminal connections
// may be removed; live ones fail with [domain.ErrNotTerminal].
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.conns[id]
	if e == nil {
		return domain.ErrConnectionNotFound
	}
	e.mu.Lock()
	terminal := e.c.State.Terminal()
	e.mu.Unlock()
	if !terminal {
		return &domain.ConnError{ConnID: id, Op: "remove", Err: domain.ErrNotTerminal}
	}
	delete(r.conns, id)
	return nil
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	return entries
}

func sortByCreatedAt(conns []domain.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].CreatedAt.Equal(conns[j].CreatedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})
}
