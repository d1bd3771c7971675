package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectAlerts(t *testing.T) (*metricsCollector, *[]AlertEvent) {
	t.Helper()
	var alerts []AlertEvent
	m := newMetricsCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	return m, &alerts
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	m, alerts := collectAlerts(t)
	m.loginFailures.threshold = 5

	for range 4 {
		m.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, *alerts)

	m.recordEvent(AuditLoginFailure)
	require.Len(t, *alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, (*alerts)[0].Type)
	assert.Equal(t, 5, (*alerts)[0].Count)

	m.recordEvent(AuditLoginFailure)
	assert.Len(t, *alerts, 1, "counter restarts after an alert")
}

func TestCLIIPMismatchSpikeAlert(t *testing.T) {
	m, alerts := collectAlerts(t)

	for range defaultIPMismatchLimit {
		m.recordEvent(AuditCLIAccessIPMismatch)
	}
	require.Len(t, *alerts, 1)
	assert.Equal(t, AlertCLIIPMismatchSpike, (*alerts)[0].Type)
	assert.Equal(t, defaultIPMismatchLimit, (*alerts)[0].Threshold)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	m, alerts := collectAlerts(t)
	m.loginFailures.threshold = 3
	now := time.Now()
	m.now = func() time.Time { return now }

	m.recordEvent(AuditLoginFailure)
	m.recordEvent(AuditLoginFailure)
	now = now.Add(2 * time.Minute)
	m.recordEvent(AuditLoginFailure)
	assert.Empty(t, *alerts, "failures outside the window are dropped")
}

func TestMetricsIgnoresOtherEvents(t *testing.T) {
	m, alerts := collectAlerts(t)
	m.loginFailures.threshold = 1
	m.recordEvent(AuditLoginSuccess)
	m.recordEvent(AuditRegister)
	assert.Empty(t, *alerts)
}

func TestMetricsNilSafe(t *testing.T) {
	newMetricsCollector(nil).recordEvent(AuditLoginFailure)
	var m *metricsCollector
	m.recordEvent(AuditLoginFailure)
}
