// Package ecmetrics exports the master's operational counters.
package ecmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	CycleCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ecat_cycles_total",
		Help: "The total number of frame exchange cycles run",
	})

	FrameLossCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ecat_frame_loss_total",
		Help: "The total number of frames that did not come back within a cycle",
	})

	WorkingCounterMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecat_working_counter_mismatches_total",
		Help: "The total number of datagrams with an unexpected working counter",
	}, []string{"outcome"})

	MailboxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ecat_mailbox_timeouts_total",
		Help: "The total number of mailbox exchanges that timed out",
	})

	SdoAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ecat_sdo_aborts_total",
		Help: "The total number of SDO transfers aborted by a slave",
	})

	StateTransitionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecat_state_transition_failures_total",
		Help: "The total number of failed application layer state transitions",
	}, []string{"target"})

	// Gauges
	SlavesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ecat_slaves_online",
		Help: "The number of slaves answering the broadcast state probe",
	})

	DCMaxOffsetNs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ecat_dc_max_offset_ns",
		Help: "The largest absolute clock offset written in the last DC pass",
	})
)

// Working counter outcome labels.
const (
	OutcomeLost    = "lost"
	OutcomePartial = "partial"
)

// IncWorkingCounterMismatch increments the mismatch counter.
func IncWorkingCounterMismatch(outcome string) {
	WorkingCounterMismatches.WithLabelValues(outcome).Inc()
}

// IncStateTransitionFailure increments the transition failure counter.
func IncStateTransitionFailure(target string) {
	StateTransitionFailures.WithLabelValues(target).Inc()
}

// SetSlavesOnline sets the number of answering slaves.
func SetSlavesOnline(count int) {
	SlavesOnline.Set(float64(count))
}
