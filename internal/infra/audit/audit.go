// Package audit provides the sinks that receive one event per committed
// ledger transaction.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

// ─── Log Sink ───────────────────────────────────────────────────────────────

// LogSink writes each event as a structured log line.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging to l under the "audit" name.
func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{log: observability.OrNop(l).Named("audit")}
}

func (s *LogSink) Emit(_ context.Context, ev domain.AuditEvent) {
	s.log.Info("transaction committed",
		zap.String("txn_id", ev.TransactionID),
		zap.String("account_id", ev.AccountID),
		zap.String("kind", string(ev.Kind)),
		zap.String("amount", domain.FormatMoney(ev.Amount)),
		zap.String("balance", domain.FormatMoney(ev.ResultingBalance)),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("status", string(ev.Status)),
		zap.Time("ts", ev.Timestamp),
	)
}

// ─── Store Sink ─────────────────────────────────────────────────────────────

// EventWriter persists audit events; *sqlite.DB implements it.
type EventWriter interface {
	InsertAuditEvent(ctx context.Context, ev domain.AuditEvent) error
}

// StoreSink persists events. Write failures are logged and dropped: the
// ledger commit they describe has already happened.
type StoreSink struct {
	w   EventWriter
	log *zap.Logger
}

func NewStoreSink(w EventWriter, l *zap.Logger) *StoreSink {
	return &StoreSink{w: w, log: observability.OrNop(l).Named("audit")}
}

func (s *StoreSink) Emit(ctx context.Context, ev domain.AuditEvent) {
	if err := s.w.InsertAuditEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Error("persist audit event", zap.String("txn_id", ev.TransactionID), zap.Error(err))
	}
}

// ─── Metrics Sink ───────────────────────────────────────────────────────────

// MetricsSink counts events by kind.
type MetricsSink struct{}

func (MetricsSink) Emit(_ context.Context, ev domain.AuditEvent) {
	observability.AuditEvents.WithLabelValues(string(ev.Kind)).Inc()
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

// Multi delivers every event to each sink in order. Nil sinks are skipped.
type Multi []domain.AuditSink

func (m Multi) Emit(ctx context.Context, ev domain.AuditEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Recorder keeps events in memory; the simulator and tests read them back.
type Recorder struct {
	events chan domain.AuditEvent
}

// NewRecorder buffers up to size events; further events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan domain.AuditEvent, size)}
}

func (r *Recorder) Emit(_ context.Context, ev domain.AuditEvent) {
	select {
	case r.events <- ev:
	default:
	}
}

// Drain returns every buffered event.
func (r *Recorder) Drain() []domain.AuditEvent {
	var out []domain.AuditEvent
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
