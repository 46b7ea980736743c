package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/netshare/netshare/internal/domain"
)

type statusConnection struct {
	ID               string       `json:"id"`
	SharerID         string       `json:"sharer_id"`
	ClientID         string       `json:"client_id"`
	RelayPort        int          `json:"relay_port"`
	State            domain.State `json:"state"`
	BytesTransferred uint64       `json:"bytes_transferred"`
	CreatedAt        time.Time    `json:"created_at"`
}

// runStatus queries a running engine over its HTTP API and prints the
// connection table.
func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	server := fs.String("server", envOr("NETSHARE_SERVER", "http://127.0.0.1:8470"), "Engine API base URL")
	token := fs.String("api-token", envOr("NETSHARE_API_TOKEN", ""), "Bearer token for the engine API")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	conns, err := fetchConnections(ctx, strings.TrimSuffix(*server, "/"), *token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 1
	}
	if len(conns) == 0 {
		fmt.Println("no connections")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCLIENT\tSHARER\tPORT\tTRANSFERRED\tAGE")
	now := time.Now()
	for _, c := range conns {
		port := "-"
		if c.RelayPort != 0 {
			port = fmt.Sprintf("%d", c.RelayPort)
		}
		sharer := c.SharerID
		if sharer == "" {
			sharer = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.State, c.ClientID, sharer, port,
			humanize.Bytes(c.BytesTransferred),
			humanize.RelTime(c.CreatedAt, now, "ago", "from now"))
	}
	_ = w.Flush()
	return 0
}

func fetchConnections(ctx context.Context, server, token string) ([]statusConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/v1/connections", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("engine responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out []statusConnection
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
