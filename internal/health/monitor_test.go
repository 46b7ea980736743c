package health

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/netshare/netshare/internal/metrics"
)

type scriptedPinger struct {
	err error
}

func (p *scriptedPinger) Ping(context.Context) error { return p.err }

type countingRestarter struct {
	calls int
	err   error
}

func (r *countingRestarter) Restart(context.Context) error {
	r.calls++
	return r.err
}

type countingMarker struct {
	calls int
}

func (m *countingMarker) MarkHeartbeatsStale() int {
	m.calls++
	return 2
}

type harness struct {
	m         *Monitor
	pinger    *scriptedPinger
	restarter *countingRestarter
	marker    *countingMarker
	fatals    []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pinger:    &scriptedPinger{},
		restarter: &countingRestarter{},
		marker:    &countingMarker{},
	}
	h.m = New(Options{
		Pinger:      h.pinger,
		Restarter:   h.restarter,
		Registry:    h.marker,
		Metrics:     metrics.New(),
		Logger:      slog.New(slog.DiscardHandler),
		Clock:       clock.NewMock(),
		Interval:    15 * time.Second,
		MaxRestarts: 3,
		OnFatal:     func(err error) { h.fatals = append(h.fatals, err) },
	})
	return h
}

func TestHealthyRelayLeavesStateAlone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.Tick(context.Background())
	require.Zero(t, h.marker.calls)
	require.Zero(t, h.restarter.calls)
	require.Empty(t, h.fatals)
}

func TestOutageMarksStaleAndRestartsBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pinger.err = errors.New("dial tcp: connection refused")

	for i := 0; i < 3; i++ {
		h.m.Tick(context.Background())
	}
	require.Equal(t, 3, h.marker.calls, "every failed check invalidates heartbeats")
	require.Equal(t, 3, h.restarter.calls)
	require.Empty(t, h.fatals, "fatal alert waits until the budget is spent")

	h.m.Tick(context.Background())
	require.Equal(t, 3, h.restarter.calls, "restart budget is spent")
	require.Len(t, h.fatals, 1)

	h.m.Tick(context.Background())
	require.Len(t, h.fatals, 1, "fatal alert fires once per outage")
}

func TestRecoveryResetsRestartBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pinger.err = errors.New("down")
	for i := 0; i < 4; i++ {
		h.m.Tick(context.Background())
	}
	require.Len(t, h.fatals, 1)

	h.pinger.err = nil
	h.m.Tick(context.Background())

	h.pinger.err = errors.New("down again")
	h.m.Tick(context.Background())
	require.Equal(t, 4, h.restarter.calls, "a fresh outage restarts again")

	for i := 0; i < 3; i++ {
		h.m.Tick(context.Background())
	}
	require.Len(t, h.fatals, 2)
}

func TestRestartFailureStillCountsAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.pinger.err = errors.New("down")
	h.restarter.err = errors.New("systemctl: unit not found")

	for i := 0; i < 5; i++ {
		h.m.Tick(context.Background())
	}
	require.Equal(t, 3, h.restarter.calls)
	require.Len(t, h.fatals, 1)
}
