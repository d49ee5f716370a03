package metrics

import (
	"fmt"
	"time"

	"alfred/internal/bus"
)

var (
	runBuckets  = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	toolBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 30}
)

// Subscribe feeds the collector from the lifecycle event bus. It returns a
// function that removes the handlers.
func (c *MetricsCollector) Subscribe(events *bus.EventBus) (unsubscribe func()) {
	inflight := c.Gauge("alfred_runs_inflight", "Runs currently executing", "")

	handlers := map[string]bus.EventHandler{
		bus.EventRunStarted: func(bus.Event) {
			inflight.Inc()
		},
		bus.EventRunCompleted: func(e bus.Event) {
			inflight.Dec()
			p := payload(e)
			c.Counter("alfred_runs_total", "Runs by terminal status", Labels("status", str(p["status"]))).Inc()
			c.observe("alfred_run_duration_seconds", "Run latency in seconds", "", runBuckets, p["duration"])
		},
		bus.EventRunFailed: func(e bus.Event) {
			inflight.Dec()
			c.Counter("alfred_runs_total", "Runs by terminal status", Labels("status", "error")).Inc()
			c.observe("alfred_run_duration_seconds", "Run latency in seconds", "", runBuckets, payload(e)["duration"])
		},
		bus.EventToolExecuted: func(e bus.Event) {
			p := payload(e)
			tool := str(p["tool"])
			c.Counter("alfred_tool_executions_total", "Tool steps executed", Labels("tool", tool, "success", str(p["success"]))).Inc()
			c.observe("alfred_tool_latency_seconds", "Tool step latency in seconds", Labels("tool", tool), toolBuckets, p["duration"])
		},
		bus.EventTraceFailed: func(bus.Event) {
			c.Counter("alfred_trace_write_failures_total", "Trace records that could not be written", "").Inc()
		},
		bus.EventCronFired: func(e bus.Event) {
			p := payload(e)
			trigger := str(p["trigger"])
			c.Counter("alfred_cron_fires_total", "Cron trigger fan-outs", Labels("trigger", trigger)).Inc()
			if n, ok := p["handled"].(int); ok {
				c.Counter("alfred_cron_runs_total", "Runs started by cron triggers", Labels("trigger", trigger)).Add(int64(n))
			}
		},
		bus.EventInboundDropped: func(e bus.Event) {
			c.Counter("alfred_inbound_dropped_total", "Inbound events dropped", Labels("source", str(payload(e)["source"]))).Inc()
		},
		bus.EventPluginCreated: func(bus.Event) {
			c.Counter("alfred_plugins_created_total", "Plugins registered", "").Inc()
		},
	}

	ids := make(map[string]string, len(handlers))
	for typ, h := range handlers {
		ids[typ] = events.On(typ, h)
	}
	return func() {
		for typ, id := range ids {
			events.Off(typ, id)
		}
	}
}

func (c *MetricsCollector) observe(name, help, labels string, buckets []float64, v any) {
	d, ok := v.(time.Duration)
	if !ok {
		return
	}
	c.Histogram(name, help, labels, buckets).Observe(d.Seconds())
}

func payload(e bus.Event) map[string]any {
	return e.Payload
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
