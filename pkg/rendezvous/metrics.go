package rendezvous

import (
	"github.com/VictoriaMetrics/metrics"
	"github.com/pg9182/pb-mapper/pkg/metricsx"
)

// serverMetrics mirrors the teacher's pattern of a private struct of typed
// counters registered once against a dedicated metrics.Set, with
// result-labeled variants sharing one metric name rather than being looked
// up by label on every call.
type serverMetrics struct {
	set *metrics.Set

	registrations_total struct {
		success  *metrics.Counter
		rejected *metrics.Counter
	}
	deregistrations_total *metrics.Counter

	subscriptions_total struct {
		success  *metrics.Counter
		rejected *metrics.Counter
	}

	splices_total          *metrics.Counter
	splice_bytes_total     *metrics.Counter
	control_timeouts_total *metrics.Counter
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{set: metrics.NewSet()}

	m.registrations_total.success = m.set.NewCounter(`pbmapper_registrations_total{result="success"}`)
	m.registrations_total.rejected = m.set.NewCounter(`pbmapper_registrations_total{result="rejected"}`)
	m.deregistrations_total = m.set.NewCounter(`pbmapper_deregistrations_total`)

	m.subscriptions_total.success = m.set.NewCounter(`pbmapper_subscriptions_total{result="success"}`)
	m.subscriptions_total.rejected = m.set.NewCounter(`pbmapper_subscriptions_total{result="rejected"}`)

	m.splices_total = m.set.NewCounter(`pbmapper_splices_total`)
	m.splice_bytes_total = m.set.NewCounter(`pbmapper_splice_bytes_total`)
	m.control_timeouts_total = m.set.NewCounter(`pbmapper_control_timeouts_total`)

	return m
}

// Set returns the underlying metrics.Set so callers can register it with an
// http.Handler (e.g. metrics.WritePrometheus).
func (m *serverMetrics) Set() *metrics.Set {
	return m.set
}

// splicesForKey returns the per-key splice counter, minting it on first use.
// Unlike the fixed counters above, the label value varies at runtime, so the
// name has to be built with metricsx.FormatName instead of being a literal.
func (m *serverMetrics) splicesForKey(key string) *metrics.Counter {
	return m.set.GetOrCreateCounter(metricsx.FormatName("pbmapper_key_splices_total", "key", key))
}
