package ragflow

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type engineMetrics struct {
	admissions   metric.Int64Counter
	stepAttempts metric.Int64Counter
	runsFinished metric.Int64Counter
}

func newEngineMetrics(m metric.Meter) *engineMetrics {
	return &engineMetrics{
		admissions:   counter(m, "ragflow.admissions", "Admission decisions by function and outcome."),
		stepAttempts: counter(m, "ragflow.step.attempts", "Step attempts by function and outcome."),
		runsFinished: counter(m, "ragflow.runs.finished", "Runs reaching a terminal status."),
	}
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
