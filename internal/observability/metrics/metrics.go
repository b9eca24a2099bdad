package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for booking, reconciliation and
// credential flows.
type BookingMetrics struct {
	bookingsTotal  *prometheus.CounterVec
	webhookTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	tokenRefreshes *prometheus.CounterVec
	slotGeneration prometheus.Histogram
	slotsReturned  prometheus.Histogram
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "booking",
			Name:      "create_total",
			Help:      "Total booking creation attempts by outcome",
		}, []string{"outcome"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "reconcile",
			Name:      "webhook_events_total",
			Help:      "Total calendar webhook events by trigger and result",
		}, []string{"trigger", "result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coaching",
			Subsystem: "reconcile",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of calendar webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coaching",
			Subsystem: "tokens",
			Name:      "refresh_total",
			Help:      "Total calendar credential refreshes by variant and result",
		}, []string{"variant", "result"}),
		slotGeneration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coaching",
			Subsystem: "availability",
			Name:      "slot_generation_seconds",
			Help:      "Time spent generating availability slots",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5},
		}),
		slotsReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coaching",
			Subsystem: "availability",
			Name:      "slots_returned",
			Help:      "Number of slots returned per availability query",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.webhookTotal, m.webhookLatency, m.tokenRefreshes, m.slotGeneration, m.slotsReturned)
	return m
}

func (m *BookingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveWebhook(trigger, result string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(trigger, result).Inc()
}

func (m *BookingMetrics) ObserveWebhookLatency(trigger string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(trigger).Observe(seconds)
}

func (m *BookingMetrics) ObserveTokenRefresh(variant, result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(variant, result).Inc()
}

func (m *BookingMetrics) ObserveSlotGeneration(seconds float64, slots int) {
	if m == nil {
		return
	}
	m.slotGeneration.Observe(seconds)
	m.slotsReturned.Observe(float64(slots))
}
