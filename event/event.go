// Package event carries structured lifecycle events out of the engine.
// Sinks receive execution.* and node.* events; the engine never blocks
// on a sink.
package event

import (
	"log/slog"
	"time"
)

// Event types emitted by the coordinator and dispatcher.
const (
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionPaused    = "execution.paused"
	ExecutionResumed   = "execution.resumed"
	ExecutionCancelled = "execution.cancelled"
	NodeStarted        = "node.started"
	NodeCompleted      = "node.completed"
	NodeFailed         = "node.failed"
	NodePaused         = "node.paused"
	NodeSkipped        = "node.skipped"
	NodeCancelled      = "node.cancelled"
)

// Event is one structured lifecycle record.
type Event struct {
	Type        string
	ExecutionID string
	FlowID      string
	NodeID      string
	NodeType    string
	Status      string
	ErrorKind   string
	DurationMs  int64
	At          time.Time
}

// Sink consumes lifecycle events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(e Event) {
	attrs := []any{
		"event", e.Type,
		"execution_id", e.ExecutionID,
		"flow_id", e.FlowID,
	}
	if e.NodeID != "" {
		attrs = append(attrs, "node_id", e.NodeID)
	}
	if e.NodeType != "" {
		attrs = append(attrs, "node_type", e.NodeType)
	}
	if e.Status != "" {
		attrs = append(attrs, "status", e.Status)
	}
	if e.ErrorKind != "" {
		attrs = append(attrs, "error_kind", e.ErrorKind)
	}
	if e.DurationMs > 0 {
		attrs = append(attrs, "duration_ms", e.DurationMs)
	}
	s.Logger.Info("lifecycle event", attrs...)
}

// Multi fans one event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
