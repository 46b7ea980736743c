package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/netshare/netshare/internal/domain"
	"github.com/netshare/netshare/internal/store/sqlite"
)

// Sharer admin commands operate on the snapshot database directly; a
// running engine picks profile changes up through the HTTP API, while these
// are meant for provisioning and offline maintenance.
func runSharer(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "sharer command error: expected add, list, enable, or disable")
		return 2
	}
	switch args[0] {
	case "add":
		return runSharerAdd(ctx, args[1:])
	case "list":
		return runSharerList(ctx, args[1:])
	case "enable":
		return runSharerSetEnabled(ctx, args[1:], true)
	case "disable":
		return runSharerSetEnabled(ctx, args[1:], false)
	default:
		fmt.Fprintln(os.Stderr, "sharer command error: unknown subcommand:", args[0])
		return 2
	}
}

func runSharerAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sharer add", flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath(), "SQLite snapshot database path")
	limit := fs.String("limit", "1GB", "Daily bandwidth limit, e.g. 500MB or 2GB")
	quality := fs.Float64("quality", 0.5, "Quality score within [0,1]")
	enabled := fs.Bool("enabled", true, "Whether sharing starts enabled")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := strings.TrimSpace(fs.Arg(0))
	if id == "" {
		fmt.Fprintln(os.Stderr, "sharer add error: missing sharer id")
		return 2
	}
	limitBytes, err := humanize.ParseBytes(*limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sharer add error: invalid limit:", *limit)
		return 2
	}
	if *quality < 0 || *quality > 1 {
		fmt.Fprintln(os.Stderr, "sharer add error: quality must be within [0,1]")
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	p := domain.SharerProfile{
		ID:              id,
		SharingEnabled:  *enabled,
		DailyLimitBytes: limitBytes,
		QualityScore:    *quality,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := store.SaveSharer(ctx, p); err != nil {
		fmt.Fprintln(os.Stderr, "sharer add error:", err)
		return 1
	}
	fmt.Printf("sharer %s registered (limit %s, quality %.2f)\n", id, humanize.Bytes(limitBytes), *quality)
	return 0
}

func runSharerList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sharer list", flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath(), "SQLite snapshot database path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	sharers, err := store.ListSharers(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sharer list error:", err)
		return 1
	}
	if len(sharers) == 0 {
		fmt.Println("no sharers registered")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENABLED\tQUALITY\tUSED TODAY\tDAILY LIMIT")
	for _, p := range sharers {
		fmt.Fprintf(w, "%s\t%v\t%.2f\t%s\t%s\n",
			p.ID, p.SharingEnabled, p.QualityScore,
			humanize.Bytes(p.UsedBytesToday), humanize.Bytes(p.DailyLimitBytes))
	}
	_ = w.Flush()
	return 0
}

func runSharerSetEnabled(ctx context.Context, args []string, enabled bool) int {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	fs := flag.NewFlagSet("sharer "+verb, flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath(), "SQLite snapshot database path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id := strings.TrimSpace(fs.Arg(0))
	if id == "" {
		fmt.Fprintf(os.Stderr, "sharer %s error: missing sharer id\n", verb)
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	p, err := store.GetSharer(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSharerNotFound) {
			fmt.Fprintf(os.Stderr, "sharer %s error: unknown sharer %s\n", verb, id)
			return 1
		}
		fmt.Fprintf(os.Stderr, "sharer %s error: %v\n", verb, err)
		return 1
	}
	p.SharingEnabled = enabled
	p.UpdatedAt = time.Now().UTC()
	if err := store.SaveSharer(ctx, p); err != nil {
		fmt.Fprintf(os.Stderr, "sharer %s error: %v\n", verb, err)
		return 1
	}
	fmt.Printf("sharer %s %sd\n", id, verb)
	return 0
}

func defaultDBPath() string {
	if v := strings.TrimSpace(os.Getenv("NETSHARE_DB_PATH")); v != "" {
		return v
	}
	return "./netshare.db"
}
