package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hyperengineering/nexlevel/internal/auth"
	"github.com/hyperengineering/nexlevel/internal/challenge"
	"github.com/hyperengineering/nexlevel/internal/coach"
	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/proof"
	"github.com/hyperengineering/nexlevel/internal/types"
)

const maxBodyBytes = 1 << 20

// StatsStore reports datastore health and system-wide counts.
type StatsStore interface {
	SystemStats(ctx context.Context) (*types.SystemStats, error)
	Ping(ctx context.Context) error
}

// Deps are the services behind the handlers.
type Deps struct {
	Auth       *auth.Service
	Challenges *challenge.Service
	Inbox      *notify.Inbox
	Hub        *notify.Hub
	Coach      *coach.Coach
	Proofs     proof.Store
	Stats      StatsStore
	Version    string
	Logger     *slog.Logger
}

// Handler implements the API handlers
type Handler struct {
	auth       *auth.Service
	challenges *challenge.Service
	inbox      *notify.Inbox
	hub        *notify.Hub
	coach      *coach.Coach
	proofs     proof.Store
	stats      StatsStore
	version    string
	logger     *slog.Logger
}

// NewHandler creates a new Handler over the given services
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proofs := d.Proofs
	if proofs == nil {
		proofs = proof.NoopStore{}
	}
	return &Handler{
		auth:       d.Auth,
		challenges: d.Challenges,
		inbox:      d.Inbox,
		hub:        d.Hub,
		coach:      d.Coach,
		proofs:     proofs,
		stats:      d.Stats,
		version:    d.Version,
		logger:     logger.With("component", "api"),
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "healthy", Version: h.version}
	status := http.StatusOK
	if err := h.stats.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "action", "health", "error", err)
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.SystemStats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads a JSON body into v and writes a 400 problem on failure.
// An empty body decodes to the zero value when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && err == io.EOF {
			return true
		}
		WriteProblem(w, r, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		WriteProblem(w, r, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
		return 0, false
	}
	return n, true
}

// queryBool parses an optional boolean query parameter.
func queryBool(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("%s must be a boolean", name))
		return false, false
	}
	return b, true
}
