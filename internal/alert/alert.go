// ABOUTME: Alert sinks invoked on confirmed presence transitions
// ABOUTME: Multi fans one notification out to every configured sink and counts deliveries

package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mskumargvd/arushi-cloud/internal/metrics"
)

// Transition names the presence change being reported.
type Transition string

const (
	TransitionOffline Transition = "offline"
)

// Sink receives confirmed transitions. The registry calls Notify exactly once
// per confirmed transition and never retries.
type Sink interface {
	Notify(ctx context.Context, agentID string, t Transition) error
}

// Named is implemented by sinks that want their own metrics label.
type Named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// LogSink writes transitions to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. Pass nil logger for default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "alert")}
}

func (s *LogSink) Name() string { return "log" }

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, agentID string, t Transition) error {
	s.logger.Warn("agent presence alert", "agent_id", agentID, "transition", string(t))
	return nil
}

// Multi delivers to every sink, continuing past failures.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti combines sinks. Nil metrics disables counting.
func NewMulti(logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, metrics: m, logger: logger.With("component", "alert")}
}

// Notify implements Sink. The returned error joins every sink failure.
func (m *Multi) Notify(ctx context.Context, agentID string, t Transition) error {
	var errs []error
	for _, s := range m.sinks {
		name := sinkName(s)
		if err := s.Notify(ctx, agentID, t); err != nil {
			m.logger.Error("alert sink failed", "sink", name, "agent_id", agentID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		m.metrics.Alert(name)
	}
	return errors.Join(errs...)
}
