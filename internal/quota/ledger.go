// Package quota tracks per-sharer daily byte allowances. The ledger is the
// only component that mutates usage counters and reservations; the matcher
// and orchestrator read through it.
package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

// Result reports the outcome of applying a usage delta.
type Result struct {
	// Used is the sharer's total for the current day after the delta,
	// clamped to the daily limit.
	Used uint64
	// Applied is how much of the delta actually counted before the clamp.
	Applied uint64
	// Exceeded is set once the sharer has reached its daily limit.
	Exceeded bool
}

type entry struct {
	mu       sync.Mutex
	profile  domain.SharerProfile
	reserved bool
}

// Ledger holds the known sharers and their usage for the current UTC day.
type Ledger struct {
	mu      sync.RWMutex
	sharers map[string]*entry
	day     time.Time
}

// New returns a ledger whose accounting window starts at the UTC midnight
// preceding now.
func New(now time.Time) *Ledger {
	return &Ledger{
		sharers: map[string]*entry{},
		day:     midnightUTC(now),
	}
}

// Upsert creates or updates a sharer profile. Usage accumulated today and an
// in-flight reservation survive the update so that editing a sharer's limit
// or quality never resets its accounting.
func (l *Ledger) Upsert(p domain.SharerProfile, now time.Time) domain.SharerProfile {
	l.mu.Lock()
	e := l.sharers[p.ID]
	if e == nil {
		e = &entry{}
		l.sharers[p.ID] = e
	}
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	p.UsedBytesToday = e.profile.UsedBytesToday
	p.UpdatedAt = now.UTC()
	e.profile = p
	return e.profile
}

// Restore loads a sharer verbatim, usage included. Used when rehydrating
// from the store at startup.
func (l *Ledger) Restore(p domain.SharerProfile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sharers[p.ID] = &entry{profile: p}
}

// Get returns the sharer's current profile.
func (l *Ledger) Get(id string) (domain.SharerProfile, error) {
	e := l.lookup(id)
	if e == nil {
		return domain.SharerProfile{}, domain.ErrSharerNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile, nil
}

// Profiles returns all known sharers sorted by ID.
func (l *Ledger) Profiles() []domain.SharerProfile {
	var out []domain.SharerProfile
	for _, e := range l.snapshot() {
		e.mu.Lock()
		out = append(out, e.profile)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns the sharers currently eligible for matching: sharing
// enabled, daily limit not reached, and no reservation held. Sorted by ID.
func (l *Ledger) Available() []domain.SharerProfile {
	var out []domain.SharerProfile
	for _, e := range l.snapshot() {
		e.mu.Lock()
		p := e.profile
		ok := p.SharingEnabled && !e.reserved && p.RemainingBytes() > 0
		e.mu.Unlock()
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reserve marks the sharer as held by a pending match. A sharer carries at
// most one reservation; a second Reserve fails with [domain.ErrSharerBusy].
func (l *Ledger) Reserve(id string) error {
	e := l.lookup(id)
	if e == nil {
		return domain.ErrSharerNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reserved {
		return domain.ErrSharerBusy
	}
	e.reserved = true
	return nil
}

// Release drops the sharer's reservation. Releasing an unreserved or unknown
// sharer is a no-op.
func (l *Ledger) Release(id string) {
	e := l.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.reserved = false
	e.mu.Unlock()
}

// Reserved reports whether the sharer currently holds a reservation.
func (l *Ledger) Reserved(id string) bool {
	e := l.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved
}

// RecordUsage applies a polled usage delta to the sharer's daily total.
// The total never exceeds the daily limit; any overshoot is clamped and the
// result reports Exceeded so the caller can throttle the connection.
func (l *Ledger) RecordUsage(id string, delta uint64) (Result, error) {
	e := l.lookup(id)
	if e == nil {
		return Result{}, domain.ErrSharerNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	limit := e.profile.DailyLimitBytes
	used := e.profile.UsedBytesToday
	if used >= limit {
		e.profile.UsedBytesToday = limit
		return Result{Used: limit, Exceeded: true}, nil
	}
	applied := delta
	if used+delta >= limit {
		applied = limit - used
		e.profile.UsedBytesToday = limit
		return Result{Used: limit, Applied: applied, Exceeded: true}, nil
	}
	e.profile.UsedBytesToday = used + delta
	return Result{Used: e.profile.UsedBytesToday, Applied: applied}, nil
}

// MaybeRollDay resets every sharer's usage counter when now has crossed into
// a new UTC day since the last roll. Reservations are untouched: a sharer
// mid-match stays held across the boundary. Returns true when a reset ran.
func (l *Ledger) MaybeRollDay(now time.Time) bool {
	day := midnightUTC(now)

	l.mu.Lock()
	if !day.After(l.day) {
		l.mu.Unlock()
		return false
	}
	l.day = day
	entries := make([]*entry, 0, len(l.sharers))
	for _, e := range l.sharers {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.profile.UsedBytesToday = 0
		e.mu.Unlock()
	}
	return true
}

func (l *Ledger) lookup(id string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sharers[id]
}

func (l *Ledger) snapshot() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := make([]*entry, 0, len(l.sharers))
	for _, e := range l.sharers {
		entries = append(entries, e)
	}
	return entries
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
