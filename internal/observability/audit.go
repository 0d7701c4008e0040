package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit trail: a question asked or a
// statement run against the warehouse.
type AuditEvent struct {
	Type          string         `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor,omitempty"` // Discord user id, or "cli"
	CorrelationID string         `json:"correlation_id,omitempty"`
	Action        string         `json:"action"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the global audit logger. It discards events until
// InitAuditLogger or setAuditWriter is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger appends audit events to the file at path.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	setAudit(&AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		closer: file,
	})
	return nil
}

// setAuditWriter sends audit events to w.
func setAuditWriter(w io.Writer) {
	setAudit(&AuditLogger{logger: zerolog.New(w).With().Timestamp().Logger()})
}

func setAudit(a *AuditLogger) {
	auditMu.Lock()
	prev := auditInst
	auditInst = a
	auditMu.Unlock()
	_ = prev.Close()
}

// Record emits an audit event and mirrors it as a span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("correlation_id", event.CorrelationID).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}

// RecordQueryAudit records one statement the model ran against the warehouse.
func RecordQueryAudit(ctx context.Context, correlationID, sql, outcome string, rows int) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:          "query",
		CorrelationID: correlationID,
		Action:        "query_db",
		Status:        outcome,
		Metadata: map[string]any{
			"sql":  sql,
			"rows": rows,
		},
	})
}

// RecordQuestionAudit records who asked what and how the run ended.
func RecordQuestionAudit(ctx context.Context, actor, correlationID, question, status string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:          "question",
		Actor:         actor,
		CorrelationID: correlationID,
		Action:        "ask",
		Status:        status,
		Metadata: map[string]any{
			"question": question,
		},
	})
}
