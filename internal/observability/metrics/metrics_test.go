package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.ObserveBooking("created")
	m.ObserveBooking("created")
	m.ObserveBooking("conflict")
	m.ObserveWebhook("BOOKING_CREATED", "applied")
	m.ObserveWebhookLatency("BOOKING_CREATED", 0.02)
	m.ObserveTokenRefresh("managed", "success")
	m.ObserveSlotGeneration(0.001, 12)

	assert.Equal(t, 2.0, counterValue(t, m.bookingsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, counterValue(t, m.bookingsTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, counterValue(t, m.tokenRefreshes.WithLabelValues("managed", "success")))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	return metric.GetCounter().GetValue()
}

func TestBookingMetricsHistogramSamples(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.ObserveSlotGeneration(0.002, 4)

	var metric dto.Metric
	require.NoError(t, m.slotsReturned.Write(&metric))
	assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
	assert.Equal(t, 4.0, metric.GetHistogram().GetSampleSum())
}

func TestBookingMetricsNilSafe(t *testing.T) {
	var m *BookingMetrics
	m.ObserveBooking("created")
	m.ObserveWebhook("BOOKING_CREATED", "applied")
	m.ObserveWebhookLatency("BOOKING_CREATED", 0.1)
	m.ObserveTokenRefresh("standard", "failure")
	m.ObserveSlotGeneration(0.1, 1)
}
