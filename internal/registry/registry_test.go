package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netshare/netshare/internal/domain"
)

func TestCreateStartsPending(t *testing.T) {
	t.Parallel()

	r := New()
	c := r.Create("sharer-1", time.Now())
	require.NotEmpty(t, c.ID)
	require.Equal(t, domain.StatePending, c.State)
	require.Equal(t, "sharer-1", c.SharerID)
	require.Empty(t, c.ClientID)

	got, err := r.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
}

func TestTransitionFollowsStateMachine(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	c := r.Create("sharer-1", now)

	_, err := r.Transition(c.ID, domain.StateActive, now)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := r.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePending, got.State, "failed transition must leave state unchanged")

	_, err = r.Transition(c.ID, domain.StateMatched, now)
	require.NoError(t, err)
	_, err = r.Transition(c.ID, domain.StateActive, now)
	require.NoError(t, err)
	_, err = r.Transition(c.ID, domain.StateThrottled, now)
	require.NoError(t, err)
	_, err = r.Transition(c.ID, domain.StateActive, now)
	require.NoError(t, err, "throttled connections resume to active")

	closed, err := r.Transition(c.ID, domain.StateClosed, now)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)

	_, err = r.Transition(c.ID, domain.StateActive, now)
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal states have no outgoing edges")
}

func TestTransitionUnknownConnection(t *testing.T) {
	t.Parallel()

	r := New()
	_, err := r.Transition("missing", domain.StateMatched, time.Now())
	require.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestRemoveRequiresTerminalState(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	c := r.Create("sharer-1", now)

	err := r.Remove(c.ID)
	require.ErrorIs(t, err, domain.ErrNotTerminal)

	_, err = r.Transition(c.ID, domain.StateExpired, now)
	require.NoError(t, err)
	require.NoError(t, r.Remove(c.ID))

	_, err = r.Get(c.ID)
	require.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestRecordTrafficDiscardsLateReports(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	c := r.Create("sharer-1", now)
	_, err := r.Transition(c.ID, domain.StateExpired, now)
	require.NoError(t, err)

	got, err := r.RecordTraffic(c.ID, 4096, now)
	require.NoError(t, err)
	require.Zero(t, got.BytesTransferred, "terminal connections never accumulate bytes")
}

func TestRecordTrafficRefreshesHeartbeat(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	c := r.Create("sharer-1", now)
	_, err := r.Transition(c.ID, domain.StateMatched, now)
	require.NoError(t, err)
	_, err = r.Transition(c.ID, domain.StateActive, now)
	require.NoError(t, err)

	misses, err := r.RecordMissedPoll(c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, misses)

	later := now.Add(5 * time.Second)
	got, err := r.RecordTraffic(c.ID, 1000, later)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), got.BytesTransferred)
	require.Equal(t, later.UTC(), got.LastHeartbeatAt)
	require.Zero(t, got.MissedPolls)
}

func TestMarkHeartbeatsStaleOnlyTouchesActive(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()

	active := r.Create("sharer-a", now)
	_, err := r.Transition(active.ID, domain.StateMatched, now)
	require.NoError(t, err)
	_, err = r.Transition(active.ID, domain.StateActive, now)
	require.NoError(t, err)
	_, err = r.RecordTraffic(active.ID, 10, now)
	require.NoError(t, err)

	pending := r.Create("sharer-b", now)

	require.Equal(t, 1, r.MarkHeartbeatsStale())

	got, err := r.Get(active.ID)
	require.NoError(t, err)
	require.True(t, got.LastHeartbeatAt.IsZero())
	require.Equal(t, domain.StateActive, got.State, "staleness marking never changes state")

	p, err := r.Get(pending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePending, p.State)
}

func TestHasLiveConnection(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	c := r.Create("sharer-1", now)
	require.False(t, r.HasLiveConnection("sharer-1"), "pending does not count as live")

	_, err := r.Transition(c.ID, domain.StateMatched, now)
	require.NoError(t, err)
	require.True(t, r.HasLiveConnection("sharer-1"))

	_, err = r.Transition(c.ID, domain.StateFailed, now)
	require.NoError(t, err)
	require.False(t, r.HasLiveConnection("sharer-1"))
}

func TestListByStateOrdering(t *testing.T) {
	t.Parallel()

	r := New()
	base := time.Now()
	first := r.Create("a", base)
	second := r.Create("b", base.Add(time.Second))
	third := r.Create("c", base.Add(2*time.Second))

	pending := r.ListByState(domain.StatePending)
	require.Len(t, pending, 3)
	require.Equal(t, []string{first.ID, second.ID, third.ID},
		[]string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestAttachClientRules(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	c := r.Create("", now)

	require.NoError(t, r.AttachClient(c.ID, "client-1"))
	require.NoError(t, r.AttachClient(c.ID, "client-1"), "idempotent rebind to same client")
	err := r.AttachClient(c.ID, "client-2")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, r.AssignSharer(c.ID, "sharer-9"))
	got, err := r.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, "sharer-9", got.SharerID)

	_, err = r.Transition(c.ID, domain.StateMatched, now)
	require.NoError(t, err)
	err = r.AssignSharer(c.ID, "sharer-8")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "sharer assignment locked after match")
}

func TestConcurrentMutationOfIndependentConnections(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	ids := make([]string, 0, 32)
	for i := 0; i < 32; i++ {
		c := r.Create("sharer", now)
		_, err := r.Transition(c.ID, domain.StateMatched, now)
		require.NoError(t, err)
		_, err = r.Transition(c.ID, domain.StateActive, now)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := r.RecordTraffic(id, 1, time.Now()); err != nil {
					t.Error(err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := r.Get(id)
		require.NoError(t, err)
		require.Equal(t, uint64(100), got.BytesTransferred)
	}
}

func TestRestoreRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := New()
	c := domain.Connection{ID: "c-1", State: domain.StateActive, CreatedAt: time.Now()}
	require.NoError(t, r.Restore(c))
	err := r.Restore(c)
	require.Error(t, err)

	var connErr *domain.ConnError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, "c-1", connErr.ConnID)
}
