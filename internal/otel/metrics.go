package otel

import "go.opentelemetry.io/otel/metric"

// Instruments are the OTel metric instruments recorded alongside spans.
type Instruments struct {
	JobRunDuration  metric.Float64Histogram
	JobRuns         metric.Int64Counter
	TurnDuration    metric.Float64Histogram
	ToolInvocations metric.Int64Counter
}

// NewInstruments creates all instruments from the given meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	in := &Instruments{}
	var err error

	in.JobRunDuration, err = meter.Float64Histogram("cordell.job.duration",
		metric.WithDescription("Scheduled job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	in.JobRuns, err = meter.Int64Counter("cordell.job.runs",
		metric.WithDescription("Scheduled job runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	in.TurnDuration, err = meter.Float64Histogram("cordell.session.turn.duration",
		metric.WithDescription("Agent round trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	in.ToolInvocations, err = meter.Int64Counter("cordell.session.tool_invocations",
		metric.WithDescription("Tool invocations reported by the agent runtime"),
	)
	if err != nil {
		return nil, err
	}
	return in, nil
}
