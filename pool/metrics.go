package pool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	transitions metric.Int64Counter
	connections metric.Int64ObservableGauge
}

func newPoolMetrics(logger pslog.Logger, m *Manager) *poolMetrics {
	meter := otel.Meter("github.com/statevault/statevault/pool")
	pm := &poolMetrics{}
	var err error

	pm.transitions, err = meter.Int64Counter(
		"statevault.pool.transition",
		metric.WithDescription("Connection lifecycle transitions"),
	)
	logMetricInitError(logger, "statevault.pool.transition", err)

	pm.connections, err = meter.Int64ObservableGauge(
		"statevault.pool.connections",
		metric.WithDescription("Connections currently tracked by the pool"),
	)
	logMetricInitError(logger, "statevault.pool.connections", err)

	if pm.connections != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			if m == nil {
				return nil
			}
			o.ObserveInt64(pm.connections, int64(m.Len()))
			return nil
		}, pm.connections); err != nil && logger != nil {
			logger.Warn("statevault.pool.metric_callback_failed",
				"name", "statevault.pool.connections", "error", err)
		}
	}

	return pm
}

func (pm *poolMetrics) recordTransition(name string, state State) {
	if pm == nil || pm.transitions == nil {
		return
	}
	pm.transitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("connection", name),
			attribute.String("state", state.String()),
		))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("statevault.pool.metric_init_failed", "name", name, "error", err)
}
