// Package metrics exposes render outcomes and provider load to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/quota"
	"github.com/bobarin/reelworks/internal/render"
)

const namespace = "reelworks"

// Metrics implements render.Observer.
type Metrics struct {
	renderSteps *prometheus.CounterVec
}

var _ render.Observer = (*Metrics)(nil)

// New registers render counters and gauges that read the quota meter on every scrape.
func New(reg prometheus.Registerer, meter *quota.Meter) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		renderSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_steps_total",
			Help:      "Render steps by HTTP status, resulting operation status and mode.",
		}, []string{"http_status", "status", "mode"}),
	}

	if meter != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_requests_in_window",
			Help:      "Provider dispatches within the quota window.",
		}, func() float64 { return float64(meter.Snapshot().RequestsInWindow) })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_requests_in_flight",
			Help:      "Provider calls currently in flight.",
		}, func() float64 { return float64(meter.Snapshot().InFlight) })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_near_limit",
			Help:      "1 when the quota window has reached its soft limit.",
		}, func() float64 {
			if meter.Snapshot().IsNearLimit {
				return 1
			}
			return 0
		})

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_last_rate_limit_timestamp_seconds",
			Help:      "Unix time of the last provider throttle, 0 if none.",
		}, func() float64 {
			if at := meter.Snapshot().LastRateLimitAt; at != nil {
				return float64(at.Unix())
			}
			return 0
		})
	}

	return m
}

func (m *Metrics) ObserveRender(httpStatus int, status models.OperationStatus, mode models.RenderMode) {
	m.renderSteps.WithLabelValues(strconv.Itoa(httpStatus), string(status), string(mode)).Inc()
}
