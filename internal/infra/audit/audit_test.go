package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/sqlite"
)

func sampleEvent() domain.AuditEvent {
	return domain.AuditEvent{
		TransactionID: "t1", AccountID: "A00000001", Kind: domain.TxWithdrawal,
		Amount: decimal.NewFromInt(60), ResultingBalance: decimal.NewFromInt(40),
		Timestamp: time.Now(), Status: domain.TxCommitted,
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	NewLogSink(zap.New(core)).Emit(context.Background(), sampleEvent())

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit", entry.LoggerName)
	fields := entry.ContextMap()
	assert.Equal(t, "60.00", fields["amount"])
	assert.Equal(t, "40.00", fields["balance"])
	assert.Equal(t, "withdrawal", fields["kind"])
}

type failingWriter struct{}

func (failingWriter) InsertAuditEvent(context.Context, domain.AuditEvent) error {
	return errors.New("disk full")
}

func TestStoreSink_PersistsToSQLite(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	NewStoreSink(db, nil).Emit(context.Background(), sampleEvent())

	evs, err := db.AuditEvents(context.Background(), "A00000001", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "t1", evs[0].TransactionID)
}

func TestStoreSink_LogsWriteFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	NewStoreSink(failingWriter{}, zap.New(core)).Emit(context.Background(), sampleEvent())
	assert.Equal(t, 1, logs.FilterMessage("persist audit event").Len())
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	Multi{a, nil, b, MetricsSink{}}.Emit(context.Background(), sampleEvent())

	assert.Len(t, a.Drain(), 1)
	assert.Len(t, b.Drain(), 1)
	assert.Empty(t, a.Drain())
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	r := NewRecorder(1)
	r.Emit(context.Background(), sampleEvent())
	r.Emit(context.Background(), sampleEvent())
	assert.Len(t, r.Drain(), 1)
}
