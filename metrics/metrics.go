// Package metrics provides the sinks training metrics are logged to.
package metrics

import (
	"maps"
	"slices"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sink receives the run configuration once and a set of named scalar metrics
// per logged step.
type Sink interface {
	LogConfig(cfg any)
	LogDict(step int, values map[string]float64)
	Close() error
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) LogConfig(cfg any) {
	for _, s := range m {
		s.LogConfig(cfg)
	}
}

func (m Multi) LogDict(step int, values map[string]float64) {
	for _, s := range m {
		s.LogDict(step, values)
	}
}

// Close closes every sink and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return errors.WithMessage(first, "closing metric sinks")
}

// LogSink writes metrics as structured log lines.
type LogSink struct {
	log logr.Logger
}

// NewLogSink logs to l, or to klog if l is the zero logger.
func NewLogSink(l logr.Logger) *LogSink {
	if l.GetSink() == nil {
		l = klog.Background()
	}
	return &LogSink{log: l.WithName("metrics")}
}

func (s *LogSink) LogConfig(cfg any) { s.log.Info("config", "config", cfg) }

func (s *LogSink) LogDict(step int, values map[string]float64) {
	kv := make([]any, 0, 2+2*len(values))
	kv = append(kv, "step", step)
	for _, k := range slices.Sorted(maps.Keys(values)) {
		kv = append(kv, k, values[k])
	}
	s.log.Info("step", kv...)
}

func (s *LogSink) Close() error { return nil }
