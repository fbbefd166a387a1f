package event

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	events []Event
}

func (r *recorder) Emit(e Event) { r.events = append(r.events, e) }

func TestMultiFansOut(t *testing.T) {
	a := &recorder{}
	b := &recorder{}
	m := Multi{a, b, NopSink{}}

	m.Emit(Event{Type: NodeCompleted, ExecutionID: "exec-1"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan-out = %d/%d events, want 1/1", len(a.events), len(b.events))
	}
	if a.events[0].Type != NodeCompleted {
		t.Errorf("type = %s", a.events[0].Type)
	}
}

func TestLogSinkFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Emit(Event{
		Type:        NodeFailed,
		ExecutionID: "exec-1",
		FlowID:      "order-sync",
		NodeID:      "fetch",
		NodeType:    "httpRequest",
		ErrorKind:   "TIMEOUT",
		DurationMs:  1200,
		At:          time.Now(),
	})

	out := buf.String()
	for _, want := range []string{"node.failed", "exec-1", "order-sync", "fetch", "TIMEOUT", "1200"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestMetricsSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewMetricsSink(reg)

	sink.Emit(Event{Type: ExecutionCompleted, DurationMs: 100})
	sink.Emit(Event{Type: NodeCompleted, NodeType: "httpRequest", DurationMs: 40})
	sink.Emit(Event{Type: NodeCompleted, NodeType: "httpRequest", DurationMs: 60})

	if got := testutil.ToFloat64(sink.executions.WithLabelValues(ExecutionCompleted)); got != 1 {
		t.Errorf("executions counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(sink.nodes.WithLabelValues(NodeCompleted, "httpRequest")); got != 2 {
		t.Errorf("nodes counter = %v, want 2", got)
	}
}
