// Package api exposes the engine's HTTP surface: connection lifecycle
// operations for clients, sharer management, the live event feed, and the
// health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/netshare/netshare/internal/auth"
	"github.com/netshare/netshare/internal/domain"
	"github.com/netshare/netshare/internal/metrics"
)

// Engine is the slice of the orchestrator the HTTP layer needs.
type Engine interface {
	RequestConnection(ctx context.Context, clientID string) (domain.Connection, error)
	Disconnect(id string) error
	Connection(id string) (domain.Connection, error)
	Connections() []domain.Connection
	FindByParty(partyID string) (domain.Connection, bool)
	Sharers() []domain.SharerProfile
	Candidates() []domain.Candidate
	UpsertSharer(ctx context.Context, p domain.SharerProfile) (domain.SharerProfile, error)
}

type Config struct {
	ListenAddr string
	// APIToken protects the /v1 surface when set. Empty disables auth.
	APIToken string
}

type Server struct {
	cfg     Config
	engine  Engine
	events  *Hub
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config, engine Engine, events *Hub, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{cfg: cfg, engine: engine, events: events, metrics: m, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/connections", s.requireAuth(s.handleRequestConnection))
	mux.HandleFunc("GET /v1/connections", s.requireAuth(s.handleListConnections))
	mux.HandleFunc("GET /v1/connections/{id}", s.requireAuth(s.handleGetConnection))
	mux.HandleFunc("POST /v1/connections/{id}/disconnect", s.requireAuth(s.handleDisconnect))
	mux.HandleFunc("GET /v1/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("GET /v1/sharers", s.requireAuth(s.handleListSharers))
	mux.HandleFunc("GET /v1/sharers/available", s.requireAuth(s.handleAvailableSharers))
	mux.HandleFunc("PUT /v1/sharers/{id}", s.requireAuth(s.handleUpsertSharer))
	mux.HandleFunc("GET /v1/events", s.requireAuth(s.events.ServeHTTP))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.APIToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) ||
			!auth.ConstantTimeEquals(strings.TrimSpace(strings.TrimPrefix(authz, prefix)), s.cfg.APIToken) {
			writeError(w, http.StatusUnauthorized, "invalid or missing api token", "unauthorized")
			return
		}
		next(w, r)
	}
}

type requestConnectionRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleRequestConnection(w http.ResponseWriter, r *http.Request) {
	var req requestConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "bad_request")
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required", "bad_request")
		return
	}
	c, err := s.engine.RequestConnection(r.Context(), req.ClientID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, connectionJSON(c))
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.engine.Connections()
	out := make([]connectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Connection(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionJSON(c))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disconnect(r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	// The teardown happens on the orchestrator's next tick.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	party := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if party == "" {
		party = strings.TrimSpace(r.URL.Query().Get("sharer_id"))
	}
	if party == "" {
		writeError(w, http.StatusBadRequest, "client_id or sharer_id is required", "bad_request")
		return
	}
	c, ok := s.engine.FindByParty(party)
	if !ok {
		writeError(w, http.StatusNotFound, "no connection for party", "connection_not_found")
		return
	}
	writeJSON(w, http.StatusOK, connectionJSON(c))
}

func (s *Server) handleListSharers(w http.ResponseWriter, _ *http.Request) {
	sharers := s.engine.Sharers()
	out := make([]sharerResponse, 0, len(sharers))
	for _, p := range sharers {
		out = append(out, sharerJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAvailableSharers(w http.ResponseWriter, _ *http.Request) {
	candidates := s.engine.Candidates()
	if candidates == nil {
		candidates = []domain.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

type upsertSharerRequest struct {
	SharingEnabled  bool    `json:"sharing_enabled"`
	DailyLimitBytes uint64  `json:"daily_limit_bytes"`
	QualityScore    float64 `json:"quality_score"`
}

func (s *Server) handleUpsertSharer(w http.ResponseWriter, r *http.Request) {
	var req upsertSharerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "bad_request")
		return
	}
	if req.QualityScore < 0 || req.QualityScore > 1 {
		writeError(w, http.StatusBadRequest, "quality_score must be within [0,1]", "bad_request")
		return
	}
	p, err := s.engine.UpsertSharer(r.Context(), domain.SharerProfile{
		ID:              r.PathValue("id"),
		SharingEnabled:  req.SharingEnabled,
		DailyLimitBytes: req.DailyLimitBytes,
		QualityScore:    req.QualityScore,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sharerJSON(p))
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "connection_not_found")
	case errors.Is(err, domain.ErrSharerNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "sharer_not_found")
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotTerminal),
		errors.Is(err, domain.ErrSharerBusy):
		writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, domain.ErrNoSharerAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "no_sharer_available")
	case errors.Is(err, domain.ErrRelayUnavailable):
		writeError(w, http.StatusBadGateway, err.Error(), "relay_unavailable")
	default:
		s.log.Error("api request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

type connectionResponse struct {
	ID               string       `json:"id"`
	SharerID         string       `json:"sharer_id,omitempty"`
	ClientID         string       `json:"client_id"`
	RelayPort        int          `json:"relay_port,omitempty"`
	State            domain.State `json:"state"`
	BytesTransferred uint64       `json:"bytes_transferred"`
	AccessUser       string       `json:"access_user,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	LastHeartbeatAt  *time.Time   `json:"last_heartbeat_at,omitempty"`
	ClosedAt         *time.Time   `json:"closed_at,omitempty"`
}

func connectionJSON(c domain.Connection) connectionResponse {
	resp := connectionResponse{
		ID:               c.ID,
		SharerID:         c.SharerID,
		ClientID:         c.ClientID,
		RelayPort:        c.RelayPort,
		State:            c.State,
		BytesTransferred: c.BytesTransferred,
		AccessUser:       c.AccessUser,
		CreatedAt:        c.CreatedAt,
		ClosedAt:         c.ClosedAt,
	}
	if !c.LastHeartbeatAt.IsZero() {
		t := c.LastHeartbeatAt
		resp.LastHeartbeatAt = &t
	}
	return resp
}

type sharerResponse struct {
	ID              string    `json:"id"`
	SharingEnabled  bool      `json:"sharing_enabled"`
	DailyLimitBytes uint64    `json:"daily_limit_bytes"`
	UsedBytesToday  uint64    `json:"used_bytes_today"`
	QualityScore    float64   `json:"quality_score"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func sharerJSON(p domain.SharerProfile) sharerResponse {
	return sharerResponse{
		ID:              p.ID,
		SharingEnabled:  p.SharingEnabled,
		DailyLimitBytes: p.DailyLimitBytes,
		UsedBytesToday:  p.UsedBytesToday,
		QualityScore:    p.QualityScore,
		UpdatedAt:       p.UpdatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, ErrorCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
