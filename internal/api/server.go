// Package api provides the operations HTTP server for the ATM core.
// It exposes health, statistics, the audit trail and Prometheus metrics.
// Customer operations are not served over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmcore/atm/internal/app/atm"
	"github.com/atmcore/atm/internal/domain"
)

const defaultAuditLimit = 50

// StatsSource reports system statistics; *atm.System implements it.
type StatsSource interface {
	Stats(ctx context.Context) (atm.Stats, error)
}

// AuditReader reads the persisted audit trail; *sqlite.DB implements it.
type AuditReader interface {
	AuditEvents(ctx context.Context, accountID string, limit int) ([]domain.AuditEvent, error)
}

// Server is the ops HTTP server.
type Server struct {
	stats          StatsSource
	audit          AuditReader
	metricsEnabled bool
}

// NewServer creates a new ops server.
func NewServer(stats StatsSource) *Server {
	return &Server{stats: stats}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetAuditReader mounts /api/audit.
func (s *Server) SetAuditReader(r AuditReader) { s.audit = r }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		if s.audit != nil {
			r.Get("/audit", s.handleAudit)
			r.Get("/accounts/{id}/audit", s.handleAudit)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

type statsResponse struct {
	Users          int     `json:"users"`
	Accounts       int     `json:"accounts"`
	Transactions   int     `json:"transactions"`
	ActiveSessions int     `json:"active_sessions"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Users:          st.Users,
		Accounts:       st.Accounts,
		Transactions:   st.Transactions,
		ActiveSessions: st.ActiveSessions,
		UptimeSeconds:  st.Uptime.Seconds(),
	})
}

type auditEvent struct {
	TransactionID    string    `json:"transaction_id"`
	AccountID        string    `json:"account_id"`
	Kind             string    `json:"kind"`
	Amount           string    `json:"amount"`
	ResultingBalance string    `json:"resulting_balance"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.audit.AuditEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]auditEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEvent{
			TransactionID:    ev.TransactionID,
			AccountID:        ev.AccountID,
			Kind:             string(ev.Kind),
			Amount:           domain.FormatMoney(ev.Amount),
			ResultingBalance: domain.FormatMoney(ev.ResultingBalance),
			CorrelationID:    ev.CorrelationID,
			Status:           string(ev.Status),
			Timestamp:        ev.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
