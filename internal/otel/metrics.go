package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all helmsman metric instruments.
type Metrics struct {
	InvocationDuration metric.Float64Histogram
	TasksCompleted     metric.Int64Counter
	TasksErrored       metric.Int64Counter
	MessagesIn         metric.Int64Counter
	MessagesOut        metric.Int64Counter
	LockContention     metric.Int64Counter
	StaleLockReclaims  metric.Int64Counter
	WatchdogRestarts   metric.Int64Counter
	RestartsSuppressed metric.Int64Counter
	ActiveInvocations  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InvocationDuration, err = meter.Float64Histogram("helmsman.invocation.duration",
		metric.WithDescription("Agent invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("helmsman.tasks.completed",
		metric.WithDescription("Dispatch tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksErrored, err = meter.Int64Counter("helmsman.tasks.errored",
		metric.WithDescription("Dispatch tasks that failed or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesIn, err = meter.Int64Counter("helmsman.mailbox.inbound",
		metric.WithDescription("Operator messages consumed from the mailbox"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesOut, err = meter.Int64Counter("helmsman.mailbox.outbound",
		metric.WithDescription("Replies enqueued for the operator"),
	)
	if err != nil {
		return nil, err
	}

	m.LockContention, err = meter.Int64Counter("helmsman.lock.contention",
		metric.WithDescription("Acquire attempts rejected because a live holder exists"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleLockReclaims, err = meter.Int64Counter("helmsman.lock.reclaims",
		metric.WithDescription("Stale locks reclaimed from dead holders"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchdogRestarts, err = meter.Int64Counter("helmsman.watchdog.restarts",
		metric.WithDescription("Component restarts performed by the watchdog"),
	)
	if err != nil {
		return nil, err
	}

	m.RestartsSuppressed, err = meter.Int64Counter("helmsman.watchdog.suppressed",
		metric.WithDescription("Restarts skipped because the rolling-window cap was reached"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveInvocations, err = meter.Int64UpDownCounter("helmsman.invocation.active",
		metric.WithDescription("Agent invocations currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
