package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nbflow/engine_go/internal/utils"
)

// TraceID identifies one engine run end to end.
type TraceID string

// SpanID identifies a single traced operation within a run.
type SpanID string

// Tracer records span-like start/end pairs around remote calls and FSM
// effects. Implementations must be safe for use from a single engine
// goroutine plus the HTTP control surface.
type Tracer interface {
	// StartSpan opens a span under the given trace and returns its ID.
	StartSpan(ctx context.Context, traceID TraceID, name string, metadata map[string]interface{}) SpanID

	// EndSpan closes a previously started span.
	EndSpan(ctx context.Context, spanID SpanID, output map[string]interface{}, err error)

	// Flush blocks until all buffered trace data has been written.
	Flush(ctx context.Context) error
}

// NoopTracer discards all trace data.
type NoopTracer struct{}

func (NoopTracer) StartSpan(context.Context, TraceID, string, map[string]interface{}) SpanID {
	return ""
}

func (NoopTracer) EndSpan(context.Context, SpanID, map[string]interface{}, error) {}

func (NoopTracer) Flush(context.Context) error { return nil }

// LogTracer writes spans to the injected logger. It is the default tracer
// for CLI runs where no external tracing backend is configured.
type LogTracer struct {
	logger  utils.ExtendedLogger
	counter atomic.Int64

	mu    sync.Mutex
	spans map[SpanID]spanRecord
}

type spanRecord struct {
	traceID TraceID
	name    string
	started time.Time
}

// NewLogTracer creates a tracer that emits span records through logger.
func NewLogTracer(logger utils.ExtendedLogger) *LogTracer {
	return &LogTracer{
		logger: utils.OrNoop(logger),
		spans:  make(map[SpanID]spanRecord),
	}
}

func (t *LogTracer) StartSpan(_ context.Context, traceID TraceID, name string, metadata map[string]interface{}) SpanID {
	spanID := SpanID(fmt.Sprintf("%s-span-%d", traceID, t.counter.Add(1)))

	t.mu.Lock()
	t.spans[spanID] = spanRecord{traceID: traceID, name: name, started: time.Now()}
	t.mu.Unlock()

	t.logger.Debugf("[trace %s] span start: %s %v", traceID, name, metadata)
	return spanID
}

func (t *LogTracer) EndSpan(_ context.Context, spanID SpanID, output map[string]interface{}, err error) {
	t.mu.Lock()
	rec, ok := t.spans[spanID]
	if ok {
		delete(t.spans, spanID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	duration := time.Since(rec.started)
	if err != nil {
		t.logger.Warnf("[trace %s] span end: %s failed after %s: %v", rec.traceID, rec.name, duration, err)
		return
	}
	t.logger.Debugf("[trace %s] span end: %s in %s %v", rec.traceID, rec.name, duration, output)
}

func (t *LogTracer) Flush(context.Context) error { return nil }
