package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike  AlertType = "login_failure_spike"
	AlertCLIIPMismatchSpike AlertType = "cli_ip_mismatch_spike"
)

const (
	defaultLoginFailureLimit = 50
	defaultIPMismatchLimit   = 5
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// spikeCounter raises an alert when threshold events land within window.
type spikeCounter struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	events    []time.Time
}

func (c *spikeCounter) record(now time.Time) (AlertEvent, bool) {
	c.events = trimWindow(append(c.events, now), now, c.window)
	if len(c.events) < c.threshold {
		return AlertEvent{}, false
	}
	evt := AlertEvent{
		Type:      c.alert,
		Message:   c.message,
		Count:     len(c.events),
		Threshold: c.threshold,
		Timestamp: now,
	}
	// Start over so one spike raises one alert.
	c.events = c.events[:0]
	return evt, true
}

// metricsCollector watches audit events for spikes.
type metricsCollector struct {
	mu            sync.Mutex
	now           func() time.Time
	loginFailures spikeCounter
	ipMismatches  spikeCounter
	alertFn       AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now: time.Now,
		loginFailures: spikeCounter{
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    time.Minute,
			threshold: defaultLoginFailureLimit,
		},
		ipMismatches: spikeCounter{
			alert:     AlertCLIIPMismatchSpike,
			message:   "cli access ip mismatches exceed threshold",
			window:    10 * time.Minute,
			threshold: defaultIPMismatchLimit,
		},
		alertFn: alertFn,
	}
}

// recordEvent updates the counter for event, if any, and fires the alert
// callback outside the lock.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var counter *spikeCounter
	switch event {
	case AuditLoginFailure:
		counter = &m.loginFailures
	case AuditCLIAccessIPMismatch:
		counter = &m.ipMismatches
	default:
		return
	}

	m.mu.Lock()
	evt, fire := counter.record(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(evt)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
