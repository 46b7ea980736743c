package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/netshare/netshare/internal/store/sqlite"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	if code := Run([]string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}

func TestRunHelp(t *testing.T) {
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestEngineRequiresRelayURL(t *testing.T) {
	t.Setenv("NETSHARE_RELAY_URL", "")
	if code := Run([]string{"engine", "--db", filepath.Join(t.TempDir(), "netshare.db")}); code != 2 {
		t.Fatalf("expected exit code 2 without relay url, got %d", code)
	}
}

func TestSharerAddListEnableDisable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "netshare.db")
	ctx := context.Background()

	if code := runSharer(ctx, []string{"add", "--db", dbPath, "--limit", "2GB", "--quality", "0.8", "alice"}); code != 0 {
		t.Fatalf("sharer add failed with code %d", code)
	}
	if code := runSharer(ctx, []string{"list", "--db", dbPath}); code != 0 {
		t.Fatalf("sharer list failed with code %d", code)
	}
	if code := runSharer(ctx, []string{"disable", "--db", dbPath, "alice"}); code != 0 {
		t.Fatalf("sharer disable failed with code %d", code)
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	p, err := store.GetSharer(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.SharingEnabled {
		t.Fatal("expected sharing disabled after disable command")
	}
	if p.DailyLimitBytes != 2_000_000_000 {
		t.Fatalf("unexpected daily limit: %d", p.DailyLimitBytes)
	}

	if code := runSharer(ctx, []string{"enable", "--db", dbPath, "alice"}); code != 0 {
		t.Fatalf("sharer enable failed with code %d", code)
	}
	p, err = store.GetSharer(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !p.SharingEnabled {
		t.Fatal("expected sharing enabled after enable command")
	}
}

func TestSharerCommandValidation(t *testing.T) {
	ctx := context.Background()
	if code := runSharer(ctx, nil); code != 2 {
		t.Fatalf("expected code 2 for missing subcommand, got %d", code)
	}
	if code := runSharer(ctx, []string{"add", "--db", filepath.Join(t.TempDir(), "x.db")}); code != 2 {
		t.Fatalf("expected code 2 for missing id, got %d", code)
	}
	if code := runSharer(ctx, []string{"add", "--db", filepath.Join(t.TempDir(), "x.db"), "--limit", "lots", "bob"}); code != 2 {
		t.Fatalf("expected code 2 for bad limit, got %d", code)
	}
}
