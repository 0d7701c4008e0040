package tracing

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	const n = 200
	var mu sync.Mutex
	seen := make(map[string]struct{}, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewCorrelationID()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d unique correlation IDs, got %d", n, len(seen))
	}
}

func TestWithCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")

	if got := GetCorrelationID(ctx); got != "corr-1" {
		t.Errorf("Expected correlation ID corr-1, got %s", got)
	}
}

func TestWithInteractionID(t *testing.T) {
	ctx := WithInteractionID(context.Background(), "int-1")

	if got := GetInteractionID(ctx); got != "int-1" {
		t.Errorf("Expected interaction ID int-1, got %s", got)
	}
}

func TestGettersEmpty(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("Expected empty trace ID")
	}
	if GetCorrelationID(ctx) != "" {
		t.Error("Expected empty correlation ID")
	}
	if GetInteractionID(ctx) != "" {
		t.Error("Expected empty interaction ID")
	}
}

func TestFromContextPartial(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "c")
	tc := FromContext(ctx)

	if tc.CorrelationID != "c" {
		t.Errorf("Expected correlation ID c, got %s", tc.CorrelationID)
	}
	if tc.TraceID != "" || tc.InteractionID != "" {
		t.Error("Expected unset fields to stay empty")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("NewRequestContext did not set trace ID")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithCorrelationID(context.Background(), "corr-3")
	ctx = WithInteractionID(ctx, "int-3")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"correlation_id":"corr-3"`) {
		t.Errorf("log line missing correlation_id: %s", out)
	}
	if !strings.Contains(out, `"interaction_id":"int-3"`) {
		t.Errorf("log line missing interaction_id: %s", out)
	}
}

func TestStartSpanPropagatesTraceID(t *testing.T) {
	if err := InitOpenTelemetry("statsbot-test", 1); err != nil {
		t.Fatalf("InitOpenTelemetry: %v", err)
	}

	ctx, span := StartSpan(WithCorrelationID(context.Background(), "c"), "test", "op")
	defer span.End()

	if GetTraceID(ctx) == "" {
		t.Error("StartSpan did not set trace ID")
	}
}
