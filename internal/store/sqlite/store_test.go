package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "netshare.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSharerRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := domain.SharerProfile{
		ID:              "s-1",
		SharingEnabled:  true,
		DailyLimitBytes: 1_000_000,
		UsedBytesToday:  250_000,
		QualityScore:    0.85,
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveSharer(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSharer(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DailyLimitBytes != p.DailyLimitBytes || got.UsedBytesToday != p.UsedBytesToday {
		t.Fatalf("unexpected sharer after round trip: %+v", got)
	}
	if !got.SharingEnabled || got.QualityScore != 0.85 {
		t.Fatalf("unexpected sharer after round trip: %+v", got)
	}

	p.SharingEnabled = false
	p.UsedBytesToday = 999_000
	if err := store.SaveSharer(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetSharer(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SharingEnabled || got.UsedBytesToday != 999_000 {
		t.Fatalf("expected save to upsert, got %+v", got)
	}

	if _, err := store.GetSharer(ctx, "missing"); err != domain.ErrSharerNotFound {
		t.Fatalf("expected ErrSharerNotFound, got %v", err)
	}
}

func TestListSharersOrdered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		err := store.SaveSharer(ctx, domain.SharerProfile{ID: id, UpdatedAt: time.Now().UTC()})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.ListSharers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "alpha" || got[1].ID != "bravo" || got[2].ID != "charlie" {
		t.Fatalf("unexpected sharer order: %+v", got)
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	c := domain.Connection{
		ID:                 "c-1",
		SharerID:           "s-1",
		ClientID:           "client-1",
		RelayPort:          9001,
		State:              domain.StateActive,
		BytesTransferred:   12345,
		MissedPolls:        1,
		AccessUser:         "abc123de",
		AccessPasswordHash: "$2a$10$hash",
		CreatedAt:          now,
		LastHeartbeatAt:    now,
	}
	if err := store.SaveConnection(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetConnection(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateActive || got.RelayPort != 9001 || got.BytesTransferred != 12345 {
		t.Fatalf("unexpected connection after round trip: %+v", got)
	}
	if got.AccessUser != "abc123de" || got.AccessPasswordHash != "$2a$10$hash" {
		t.Fatalf("credentials lost in round trip: %+v", got)
	}
	if got.ClosedAt != nil {
		t.Fatalf("expected nil closed_at, got %v", got.ClosedAt)
	}

	closed := now.Add(time.Minute)
	c.State = domain.StateClosed
	c.RelayPort = 0
	c.ClosedAt = &closed
	if err := store.SaveConnection(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetConnection(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateClosed || got.ClosedAt == nil || !got.ClosedAt.Equal(closed) {
		t.Fatalf("expected closed connection, got %+v", got)
	}

	if _, err := store.GetConnection(ctx, "missing"); err != domain.ErrConnectionNotFound {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestListConnectionsOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"new", "old"} {
		c := domain.Connection{
			ID:        id,
			ClientID:  "client",
			State:     domain.StatePending,
			CreatedAt: base.Add(time.Duration(-i) * time.Minute),
		}
		if err := store.SaveConnection(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListConnections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "old" || got[1].ID != "new" {
		t.Fatalf("unexpected connection order: %+v", got)
	}
}

func TestDeleteAndPurge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	oldClose := now.Add(-2 * time.Hour)
	recentClose := now.Add(-time.Minute)
	conns := []domain.Connection{
		{ID: "stale", ClientID: "a", State: domain.StateClosed, CreatedAt: now.Add(-3 * time.Hour), ClosedAt: &oldClose},
		{ID: "recent", ClientID: "b", State: domain.StateClosed, CreatedAt: now.Add(-time.Hour), ClosedAt: &recentClose},
		{ID: "live", ClientID: "c", State: domain.StateActive, CreatedAt: now},
	}
	for _, c := range conns {
		if err := store.SaveConnection(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	purged, err := store.PurgeClosedBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged connection, got %d", purged)
	}
	if _, err := store.GetConnection(ctx, "stale"); err != domain.ErrConnectionNotFound {
		t.Fatalf("expected stale connection gone, got %v", err)
	}
	if _, err := store.GetConnection(ctx, "live"); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteConnection(ctx, "recent"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteConnection(ctx, "recent"); err != nil {
		t.Fatalf("deleting a missing row should be a no-op, got %v", err)
	}
}
