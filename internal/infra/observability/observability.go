// Package observability holds the structured logger factory and the
// Prometheus metrics of the ATM core.
package observability

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ═══════════════════════════════════════════════════════════════════════════
// Logging
// ═══════════════════════════════════════════════════════════════════════════

// LogConfig selects the logger flavour.
type LogConfig struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoder instead of JSON
}

// NewLogger builds a zap logger for the given config.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// ParseLevel maps a level name onto a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return l, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// TransactionsTotal counts ledger applications by kind and outcome.
var TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atm",
	Subsystem: "ledger",
	Name:      "transactions_total",
	Help:      "Ledger operations by kind and outcome.",
}, []string{"kind", "outcome"})

// LockWait tracks how long callers wait for per-account locks.
var LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "atm",
	Subsystem: "ledger",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting for account locks.",
	Buckets:   []float64{0.0001, 0.001, 0.005, 0.025, 0.1, 0.5, 1, 2, 5},
})

// AuditEvents counts audit events emitted by kind.
var AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atm",
	Subsystem: "ledger",
	Name:      "audit_events_total",
	Help:      "Audit events emitted after commit, by transaction kind.",
}, []string{"kind"})

// ─── Engine Metrics ─────────────────────────────────────────────────────────

// Retries counts concurrent-modification retries inside the engine.
var Retries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atm",
	Subsystem: "engine",
	Name:      "retries_total",
	Help:      "Operations retried after a concurrent modification.",
}, []string{"operation"})

// OperationDuration tracks end-to-end engine operation latency.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "atm",
	Subsystem: "engine",
	Name:      "operation_duration_seconds",
	Help:      "Engine operation latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

// ─── Auth Metrics ───────────────────────────────────────────────────────────

// LoginAttempts counts credential checks by result.
var LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atm",
	Subsystem: "auth",
	Name:      "login_attempts_total",
	Help:      "Credential verifications by result (ok, failed, locked).",
}, []string{"result"})

// Lockouts counts users locked out after repeated failures.
var Lockouts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atm",
	Subsystem: "auth",
	Name:      "lockouts_total",
	Help:      "Users locked out after too many failed attempts.",
})

// SessionsActive is the number of live sessions.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atm",
	Subsystem: "session",
	Name:      "active",
	Help:      "Sessions in the authenticated state.",
})

// SessionsEnded counts sessions leaving the authenticated state by reason.
var SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atm",
	Subsystem: "session",
	Name:      "ended_total",
	Help:      "Sessions ended by terminal state.",
}, []string{"state"})

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
