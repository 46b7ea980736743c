// Package orchestrator drives the tunnel lifecycle. A single tick loop owns
// every state transition: it matches pending connections to sharers,
// provisions relay mappings, polls usage into the quota ledger, applies
// disconnect intents, and purges drained terminal connections. All other
// components only read connection state or queue intents for the next tick.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/netshare/netshare/internal/auth"
	"github.com/netshare/netshare/internal/domain"
	"github.com/netshare/netshare/internal/matcher"
	"github.com/netshare/netshare/internal/metrics"
	"github.com/netshare/netshare/internal/quota"
	"github.com/netshare/netshare/internal/registry"
)

// RelayControl is the slice of the relay client the orchestrator needs.
type RelayControl interface {
	Register(ctx context.Context, sharerID, user, password string) (int, error)
	Deregister(ctx context.Context, port int) error
	PollUsage(ctx context.Context, connID string, port int) (uint64, error)
	Forget(connID string)
}

// Store persists connections and sharer profiles across restarts.
type Store interface {
	SaveConnection(ctx context.Context, c domain.Connection) error
	SaveSharer(ctx context.Context, p domain.SharerProfile) error
	DeleteConnection(ctx context.Context, id string) error
}

// Event describes one state transition, published to the live event feed.
type Event struct {
	ConnID   string       `json:"conn_id"`
	SharerID string       `json:"sharer_id"`
	OldState domain.State `json:"old_state"`
	NewState domain.State `json:"new_state"`
	At       time.Time    `json:"at"`
}

// EventSink receives transition events. Publish must not block the tick.
type EventSink interface {
	Publish(Event)
}

// Options wires an orchestrator. Registry, Ledger, Matcher, Relay, Store,
// Metrics, Logger and Clock are required; Events may be nil.
type Options struct {
	Registry *registry.Registry
	Ledger   *quota.Ledger
	Matcher  *matcher.Matcher
	Relay    RelayControl
	Store    Store
	Events   EventSink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    clock.Clock

	TickInterval      time.Duration
	MatchTimeout      time.Duration
	HeartbeatMisses   int
	HeartbeatTimeout  time.Duration
	TerminalRetention time.Duration
}

type Orchestrator struct {
	reg     *registry.Registry
	ledger  *quota.Ledger
	matcher *matcher.Matcher
	relay   RelayControl
	store   Store
	events  EventSink
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   clock.Clock
	opts    Options

	mu          sync.Mutex
	disconnects map[string]struct{}
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		reg:         opts.Registry,
		ledger:      opts.Ledger,
		matcher:     opts.Matcher,
		relay:       opts.Relay,
		store:       opts.Store,
		events:      opts.Events,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		clock:       opts.Clock,
		opts:        opts,
		disconnects: map[string]struct{}{},
	}
}

// RequestConnection opens a PENDING connection for the client. A client with
// a live connection gets that one back instead of a second tunnel.
func (o *Orchestrator) RequestConnection(ctx context.Context, clientID string) (domain.Connection, error) {
	if existing, ok := o.reg.FindByParty(clientID); ok && !existing.State.Terminal() && existing.ClientID == clientID {
		return existing, nil
	}
	c := o.reg.Create("", o.clock.Now())
	if err := o.reg.AttachClient(c.ID, clientID); err != nil {
		return domain.Connection{}, err
	}
	c, err := o.reg.Get(c.ID)
	if err != nil {
		return domain.Connection{}, err
	}
	o.persistConn(ctx, c)
	o.log.Info("connection requested", "conn", c.ID, "client", clientID)
	return c, nil
}

// Disconnect queues a disconnect intent for the connection. The next tick
// tears it down; disconnecting an already terminal connection is a no-op.
func (o *Orchestrator) Disconnect(id string) error {
	c, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if c.State.Terminal() {
		return nil
	}
	o.mu.Lock()
	o.disconnects[id] = struct{}{}
	o.mu.Unlock()
	o.log.Info("disconnect queued", "conn", id, "state", c.State)
	return nil
}

// Connection returns the connection by ID.
func (o *Orchestrator) Connection(id string) (domain.Connection, error) {
	return o.reg.Get(id)
}

// Connections returns every tracked connection, oldest first.
func (o *Orchestrator) Connections() []domain.Connection {
	return o.reg.List()
}

// FindByParty returns the connection a client or sharer participates in.
func (o *Orchestrator) FindByParty(partyID string) (domain.Connection, bool) {
	return o.reg.FindByParty(partyID)
}

// Sharers returns every known sharer profile.
func (o *Orchestrator) Sharers() []domain.SharerProfile {
	return o.ledger.Profiles()
}

// Candidates returns the currently matchable sharers in ranked order.
func (o *Orchestrator) Candidates() []domain.Candidate {
	return o.matcher.Candidates()
}

// UpsertSharer updates a sharer profile in the ledger and the store.
func (o *Orchestrator) UpsertSharer(ctx context.Context, p domain.SharerProfile) (domain.SharerProfile, error) {
	updated := o.ledger.Upsert(p, o.clock.Now())
	if err := o.store.SaveSharer(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// Run ticks the orchestrator until the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := o.clock.Ticker(o.opts.TickInterval)
	defer ticker.Stop()
	o.log.Info("orchestrator started", "tick", o.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			o.log.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx, o.clock.Now())
		}
	}
}

// Tick runs one orchestration pass. Ticks never overlap; each step isolates
// per-connection failures so one broken connection cannot stall the rest.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	o.mu.Lock()
	intents := o.disconnects
	o.disconnects = map[string]struct{}{}
	o.mu.Unlock()

	o.rollQuotaDay(ctx, now)
	o.recoverRestored(ctx, now)
	o.resumeThrottled(ctx, now)
	o.fillPending(ctx, now)
	o.pollUsage(ctx, now)
	o.applyDisconnects(ctx, intents, now)
	o.purgeTerminal(ctx, now)
	o.updateGauges()
}

// rollQuotaDay resets daily usage at the UTC day boundary and persists the
// zeroed profiles.
func (o *Orchestrator) rollQuotaDay(ctx context.Context, now time.Time) {
	if !o.ledger.MaybeRollDay(now) {
		return
	}
	o.log.Info("daily quota window reset")
	for _, p := range o.ledger.Profiles() {
		if err := o.store.SaveSharer(ctx, p); err != nil {
			o.log.Error("persist sharer after quota reset", "sharer", p.ID, "error", err)
		}
	}
}

// recoverRestored finishes connections rehydrated from a snapshot. In normal
// operation MATCHED and UNHEALTHY never outlive the tick that created them,
// and an ACTIVE connection always holds a relay port; any of those shapes at
// tick start came from a restart. Matched and port-less active rows go back
// through the provision path because relay mappings do not survive a
// restart; unhealthy rows drain to closed.
func (o *Orchestrator) recoverRestored(ctx context.Context, now time.Time) {
	for _, c := range o.reg.ListByState(domain.StateUnhealthy) {
		o.teardown(ctx, c.ID, domain.StateClosed, now)
	}
	for _, c := range o.reg.ListByState(domain.StateMatched) {
		if err := o.provision(ctx, c.ID, c.SharerID, now); err != nil {
			o.metrics.IncRelayFailures()
			o.log.Warn("provision restored connection", "conn", c.ID, "sharer", c.SharerID, "error", err)
			o.transition(ctx, c.ID, domain.StateFailed, now)
			continue
		}
		o.transition(ctx, c.ID, domain.StateActive, now)
		o.metrics.IncMatches()
		o.log.Info("connection recovered", "conn", c.ID, "sharer", c.SharerID)
	}
	for _, c := range o.reg.ListByState(domain.StateActive) {
		if c.RelayPort != 0 {
			continue
		}
		if err := o.provision(ctx, c.ID, c.SharerID, now); err != nil {
			o.metrics.IncRelayFailures()
			o.log.Warn("re-register restored tunnel", "conn", c.ID, "sharer", c.SharerID, "error", err)
			o.teardown(ctx, c.ID, domain.StateClosed, now)
			continue
		}
		// A fresh mapping deserves a fresh heartbeat; the pre-restart one
		// may be arbitrarily old.
		if updated, err := o.reg.RecordTraffic(c.ID, 0, now); err == nil {
			o.persistConn(ctx, updated)
		}
		o.log.Info("tunnel re-registered", "conn", c.ID, "sharer", c.SharerID)
	}
}

// resumeThrottled re-provisions throttled connections whose sharer has
// allowance again, either after the daily reset or a raised limit.
func (o *Orchestrator) resumeThrottled(ctx context.Context, now time.Time) {
	for _, c := range o.reg.ListByState(domain.StateThrottled) {
		p, err := o.ledger.Get(c.SharerID)
		if err != nil || !p.SharingEnabled || p.RemainingBytes() == 0 {
			continue
		}
		if err := o.provision(ctx, c.ID, c.SharerID, now); err != nil {
			o.log.Warn("resume throttled connection", "conn", c.ID, "error", err)
			o.teardown(ctx, c.ID, domain.StateClosed, now)
			continue
		}
		o.transition(ctx, c.ID, domain.StateActive, now)
		o.log.Info("connection resumed", "conn", c.ID, "sharer", c.SharerID)
	}
}

// fillPending matches pending connections to sharers oldest first and
// provisions relay mappings for the matches.
func (o *Orchestrator) fillPending(ctx context.Context, now time.Time) {
	for _, c := range o.reg.ListByState(domain.StatePending) {
		sharer, err := o.matcher.Pick()
		if errors.Is(err, domain.ErrNoSharerAvailable) {
			if now.Sub(c.CreatedAt) > o.opts.MatchTimeout {
				o.transition(ctx, c.ID, domain.StateExpired, now)
				o.log.Info("connection expired unmatched", "conn", c.ID)
			}
			continue
		}
		if err != nil {
			o.log.Error("pick sharer", "conn", c.ID, "error", err)
			continue
		}
		if err := o.ledger.Reserve(sharer.ID); err != nil {
			o.log.Warn("reserve sharer", "conn", c.ID, "sharer", sharer.ID, "error", err)
			continue
		}
		if err := o.reg.AssignSharer(c.ID, sharer.ID); err != nil {
			o.ledger.Release(sharer.ID)
			o.log.Error("assign sharer", "conn", c.ID, "error", err)
			continue
		}
		if _, err := o.transition(ctx, c.ID, domain.StateMatched, now); err != nil {
			o.ledger.Release(sharer.ID)
			continue
		}
		if err := o.provision(ctx, c.ID, sharer.ID, now); err != nil {
			o.metrics.IncRelayFailures()
			o.log.Warn("provision relay mapping", "conn", c.ID, "sharer", sharer.ID, "error", err)
			o.transition(ctx, c.ID, domain.StateFailed, now)
			continue
		}
		o.transition(ctx, c.ID, domain.StateActive, now)
		o.metrics.IncMatches()
		o.log.Info("connection matched", "conn", c.ID, "sharer", sharer.ID)
	}
}

// provision registers a relay mapping with fresh access credentials and
// stores the result on the connection.
func (o *Orchestrator) provision(ctx context.Context, connID, sharerID string, now time.Time) error {
	user, err := auth.GenerateAccessUser()
	if err != nil {
		return err
	}
	password, err := auth.GenerateAccessPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashAccessPassword(password)
	if err != nil {
		return err
	}
	port, err := o.relay.Register(ctx, sharerID, user, password)
	if err != nil {
		return err
	}
	return o.reg.SetRelayMapping(connID, port, user, hash)
}

// pollUsage reads traffic deltas for every connection holding a relay
// mapping, feeds them to the quota ledger, and throttles sharers that hit
// their daily limit. Poll failures count toward the heartbeat check.
func (o *Orchestrator) pollUsage(ctx context.Context, now time.Time) {
	for _, c := range o.reg.ListByState(domain.StateActive) {
		if c.RelayPort == 0 {
			continue
		}
		delta, err := o.relay.PollUsage(ctx, c.ID, c.RelayPort)
		if err != nil {
			o.metrics.IncRelayFailures()
			o.handlePollFailure(ctx, c.ID, now, err)
			continue
		}
		updated, err := o.reg.RecordTraffic(c.ID, delta, now)
		if err != nil {
			o.log.Error("record traffic", "conn", c.ID, "error", err)
			continue
		}
		o.metrics.AddRelayedBytes(delta)
		res, err := o.ledger.RecordUsage(updated.SharerID, delta)
		if err != nil {
			o.log.Error("record usage", "conn", c.ID, "sharer", updated.SharerID, "error", err)
			continue
		}
		o.persistConn(ctx, updated)
		o.persistSharer(ctx, updated.SharerID)
		if res.Exceeded {
			o.metrics.IncQuotaExceeded()
			o.throttle(ctx, updated, now)
		}
	}
}

// throttle suspends a connection whose sharer exhausted today's quota. The
// relay mapping is removed so no further traffic flows; the reservation is
// kept so the pair can resume after the daily reset.
func (o *Orchestrator) throttle(ctx context.Context, c domain.Connection, now time.Time) {
	if err := o.relay.Deregister(ctx, c.RelayPort); err != nil {
		o.log.Warn("deregister throttled mapping", "conn", c.ID, "port", c.RelayPort, "error", err)
	}
	o.relay.Forget(c.ID)
	if err := o.reg.SetRelayMapping(c.ID, 0, "", ""); err != nil {
		o.log.Error("clear relay mapping", "conn", c.ID, "error", err)
	}
	o.transition(ctx, c.ID, domain.StateThrottled, now)
	o.log.Info("connection throttled", "conn", c.ID, "sharer", c.SharerID)
}

// handlePollFailure marks a missed poll and tears the connection down once
// the miss budget is spent or the heartbeat has gone stale.
func (o *Orchestrator) handlePollFailure(ctx context.Context, id string, now time.Time, cause error) {
	misses, err := o.reg.RecordMissedPoll(id)
	if err != nil {
		return
	}
	c, err := o.reg.Get(id)
	if err != nil {
		return
	}
	stale := c.LastHeartbeatAt.IsZero() || now.Sub(c.LastHeartbeatAt) > o.opts.HeartbeatTimeout
	if misses < o.opts.HeartbeatMisses && !stale {
		o.log.Warn("usage poll failed", "conn", id, "misses", misses, "error", cause)
		return
	}
	o.log.Warn("connection unhealthy", "conn", id, "misses", misses, "error", cause)
	if _, err := o.transition(ctx, id, domain.StateUnhealthy, now); err != nil {
		return
	}
	o.teardown(ctx, id, domain.StateClosed, now)
}

// applyDisconnects drains the queued disconnect intents. Pending
// connections expire, matched ones fail, live ones close.
func (o *Orchestrator) applyDisconnects(ctx context.Context, intents map[string]struct{}, now time.Time) {
	for id := range intents {
		c, err := o.reg.Get(id)
		if err != nil || c.State.Terminal() {
			continue
		}
		switch c.State {
		case domain.StatePending:
			o.transition(ctx, id, domain.StateExpired, now)
		case domain.StateMatched:
			o.teardown(ctx, id, domain.StateFailed, now)
		default:
			o.teardown(ctx, id, domain.StateClosed, now)
		}
		o.log.Info("connection disconnected", "conn", id)
	}
}

// teardown removes the relay mapping, final-states the connection, and
// drops the relay counter baseline.
func (o *Orchestrator) teardown(ctx context.Context, id string, final domain.State, now time.Time) {
	if c, err := o.reg.Get(id); err == nil && c.RelayPort != 0 {
		if err := o.relay.Deregister(ctx, c.RelayPort); err != nil {
			o.log.Warn("deregister relay mapping", "conn", id, "port", c.RelayPort, "error", err)
		}
		if err := o.reg.SetRelayMapping(id, 0, "", ""); err != nil {
			o.log.Error("clear relay mapping", "conn", id, "error", err)
		}
	}
	o.relay.Forget(id)
	o.transition(ctx, id, final, now)
}

// purgeTerminal removes terminal connections older than the retention
// window from the registry and the store.
func (o *Orchestrator) purgeTerminal(ctx context.Context, now time.Time) {
	for _, c := range o.reg.List() {
		if !c.State.Terminal() || c.ClosedAt == nil {
			continue
		}
		if now.Sub(*c.ClosedAt) <= o.opts.TerminalRetention {
			continue
		}
		if err := o.reg.Remove(c.ID); err != nil {
			continue
		}
		if err := o.store.DeleteConnection(ctx, c.ID); err != nil {
			o.log.Error("delete connection", "conn", c.ID, "error", err)
		}
	}
}

// transition moves the connection, releases the sharer reservation on entry
// to a terminal state, persists the result, and publishes an event.
func (o *Orchestrator) transition(ctx context.Context, id string, to domain.State, now time.Time) (domain.Connection, error) {
	before, err := o.reg.Get(id)
	if err != nil {
		return domain.Connection{}, err
	}
	c, err := o.reg.Transition(id, to, now)
	if err != nil {
		o.log.Error("state transition", "conn", id, "to", to, "error", err)
		return domain.Connection{}, err
	}
	if to.Terminal() && c.SharerID != "" {
		o.ledger.Release(c.SharerID)
	}
	o.persistConn(ctx, c)
	if o.events != nil {
		o.events.Publish(Event{
			ConnID:   c.ID,
			SharerID: c.SharerID,
			OldState: before.State,
			NewState: to,
			At:       now.UTC(),
		})
	}
	return c, nil
}

func (o *Orchestrator) persistConn(ctx context.Context, c domain.Connection) {
	if err := o.store.SaveConnection(ctx, c); err != nil {
		o.log.Error("persist connection", "conn", c.ID, "error", err)
	}
}

func (o *Orchestrator) persistSharer(ctx context.Context, id string) {
	p, err := o.ledger.Get(id)
	if err != nil {
		return
	}
	if err := o.store.SaveSharer(ctx, p); err != nil {
		o.log.Error("persist sharer", "sharer", id, "error", err)
	}
}

func (o *Orchestrator) updateGauges() {
	counts := map[domain.State]int{}
	for _, c := range o.reg.List() {
		counts[c.State]++
	}
	o.metrics.SetConnectionStates(counts)
}
