package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/txflow/middleware"
)

// assertAttr fails the test if the attribute set does not contain key=want.
func assertAttr(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, kv := range attrs {
		if string(kv.Key) == key {
			if got := kv.Value.Emit(); got != want {
				t.Errorf("attribute %q = %q, want %q", key, got, want)
			}
			return
		}
	}
	t.Errorf("attribute %q not found", key)
}

func assertIntAttr(t *testing.T, attrs []attribute.KeyValue, key string, want int64) {
	t.Helper()
	for _, kv := range attrs {
		if string(kv.Key) == key {
			if got := kv.Value.AsInt64(); got != want {
				t.Errorf("attribute %q = %d, want %d", key, got, want)
			}
			return
		}
	}
	t.Errorf("attribute %q not found", key)
}

func TestTracing_CreatesSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	mw := middleware.TracingWithTracer(tracer)
	j := newTestJob()

	err := mw(context.Background(), j, func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name() != "txflow.job.execute" {
		t.Errorf("span name = %q, want %q", span.Name(), "txflow.job.execute")
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("span status = %v, want Ok", span.Status().Code)
	}

	attrs := span.Attributes()
	assertAttr(t, attrs, "txflow.job.id", j.ID.String())
	assertAttr(t, attrs, "txflow.job.name", "send-email")
	assertAttr(t, attrs, "txflow.queue", "default")
	assertIntAttr(t, attrs, "txflow.attempts", 2)
}

func TestTracing_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	mw := middleware.TracingWithTracer(tracer)
	j := newTestJob()

	want := errors.New("handler exploded")
	err := mw(context.Background(), j, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", span.Status().Code)
	}
	if span.Status().Description != "handler exploded" {
		t.Errorf("status description = %q, want %q", span.Status().Description, "handler exploded")
	}

	events := span.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event (RecordError), got %d", len(events))
	}
	if events[0].Name != "exception" {
		t.Errorf("event name = %q, want %q", events[0].Name, "exception")
	}
}

func TestTracing_PropagatesContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	mw := middleware.TracingWithTracer(tracer)
	j := newTestJob()

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "present")

	err := mw(ctx, j, func(inner context.Context) error {
		if inner.Value(ctxKey{}) != "present" {
			t.Error("parent context values not propagated to handler")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
