package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	AskDuration      metric.Float64Histogram
	SubtaskDuration  metric.Float64Histogram
	TasksCreated     metric.Int64Counter
	PermissionsAsked metric.Int64Counter
	StreamChunks     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("bridge.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AskDuration, err = meter.Float64Histogram("bridge.ask.duration",
		metric.WithDescription("Agent ask duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtaskDuration, err = meter.Float64Histogram("bridge.subtask.duration",
		metric.WithDescription("Subtask execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("bridge.tasks.created",
		metric.WithDescription("Total task graphs created"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionsAsked, err = meter.Int64Counter("bridge.permissions.requested",
		metric.WithDescription("Total permission requests parked"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunks, err = meter.Int64Counter("bridge.stream.chunks",
		metric.WithDescription("Total streamed chunks delivered over SSE"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
