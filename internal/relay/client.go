// Package relay speaks the relay node's control API: allocating port
// mappings for connections, tearing them down, and polling per-mapping
// traffic counters.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/netshare/netshare/internal/domain"
)

// Mapping is a relay port mapping as reported by the control API.
type Mapping struct {
	Port     int    `json:"port"`
	SharerID string `json:"sharer_id"`
	User     string `json:"user"`
}

type usageResponse struct {
	Bytes uint64 `json:"bytes"`
}

type registerRequest struct {
	Port     int    `json:"port"`
	SharerID string `json:"sharer_id"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Options configures a relay control client.
type Options struct {
	BaseURL     string
	PortMin     int
	PortMax     int
	CallTimeout time.Duration
	// Attempts is the total number of tries per call, first included.
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client is an HTTP client for one relay node's control API. Calls are
// retried with exponential backoff; a call that still fails after the
// configured attempts reports [domain.ErrRelayUnavailable].
type Client struct {
	opts  Options
	httpc *http.Client

	// Relay counters are cumulative per mapping. The client keeps the last
	// reading per connection so PollUsage can hand out deltas, keyed by
	// connection rather than port so port reuse cannot poison a reading.
	mu          sync.Mutex
	lastReading map[string]uint64
}

func NewClient(opts Options) *Client {
	return &Client{
		opts:        opts,
		httpc:       &http.Client{},
		lastReading: map[string]uint64{},
	}
}

// Register allocates the first free port in the configured range and
// installs a mapping for the sharer with the given access credentials.
// Returns [domain.ErrPortExhausted] when the range is fully allocated.
func (c *Client) Register(ctx context.Context, sharerID, user, password string) (int, error) {
	mappings, err := c.listMappings(ctx)
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(mappings))
	for _, m := range mappings {
		taken[m.Port] = true
	}

	for port := c.opts.PortMin; port <= c.opts.PortMax; port++ {
		if taken[port] {
			continue
		}
		err := c.createMapping(ctx, registerRequest{
			Port:     port,
			SharerID: sharerID,
			User:     user,
			Password: password,
		})
		if err == nil {
			return port, nil
		}
		// Another writer grabbed the port between list and create.
		if isStatus(err, http.StatusConflict) {
			taken[port] = true
			continue
		}
		return 0, err
	}
	return 0, domain.ErrPortExhausted
}

// Deregister removes the mapping on the given port. A mapping the relay no
// longer knows about is treated as already gone.
func (c *Client) Deregister(ctx context.Context, port int) error {
	err := c.retry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/mappings/"+strconv.Itoa(port), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.do(req, nil)
	})
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// PollUsage reads the mapping's cumulative traffic counter and returns the
// delta since the previous poll for this connection. A reading lower than
// the previous one means the relay restarted and its counter reset, in
// which case the new reading is the delta.
func (c *Client) PollUsage(ctx context.Context, connID string, port int) (uint64, error) {
	var resp usageResponse
	err := c.retry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/mappings/"+strconv.Itoa(port)+"/usage", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.do(req, &resp)
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	last, seen := c.lastReading[connID]
	c.lastReading[connID] = resp.Bytes
	if !seen || resp.Bytes < last {
		return resp.Bytes, nil
	}
	return resp.Bytes - last, nil
}

// Forget drops the stored counter reading for a torn-down connection.
func (c *Client) Forget(connID string) {
	c.mu.Lock()
	delete(c.lastReading, connID)
	c.mu.Unlock()
}

// Ping checks the relay's health endpoint with a single attempt.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}
	return nil
}

func (c *Client) listMappings(ctx context.Context) ([]Mapping, error) {
	var out []Mapping
	err := c.retry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/mappings", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.do(req, &out)
	})
	return out, err
}

func (c *Client) createMapping(ctx context.Context, body registerRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.retry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/mappings", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, nil)
	})
}

// retry runs op with a fresh per-attempt timeout under exponential backoff.
// Client errors from the relay are not retried.
func (c *Client) retry(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffBase
	bo.MaxInterval = c.opts.BackoffCap
	bo.MaxElapsedTime = 0

	attempts := c.opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
		return op(attemptCtx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) && se.code < 500 {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
		if resp.StatusCode < 500 {
			// The relay understood us and said no; retrying cannot help.
			return backoff.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("relay responded %d", e.code)
	}
	return fmt.Sprintf("relay responded %d: %s", e.code, e.body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}
