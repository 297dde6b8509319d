package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/sip"
)

// CallStateProvider exposes the current call engine snapshot.
type CallStateProvider interface {
	State() call.State
}

// RingOutcomeProvider exposes inbound ring resolution counts.
type RingOutcomeProvider interface {
	RingOutcomes() map[string]int64
}

// HistoryCounter returns call log counts grouped by outcome.
type HistoryCounter interface {
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// RegistrationProvider exposes the SIP registration snapshot.
type RegistrationProvider interface {
	RegistrationState() sip.RegSnapshot
}

// callPhases is the fixed label set for the call state gauge.
var callPhases = []call.Phase{
	call.PhaseIdle,
	call.PhaseDialing,
	call.PhaseRinging,
	call.PhaseActive,
	call.PhaseEnded,
	call.PhaseFailed,
}

// regStates is the fixed label set for the registration state gauge.
var regStates = []sip.RegState{
	sip.RegStateUnregistered,
	sip.RegStateRegistering,
	sip.RegStateRegistered,
	sip.RegStateFailed,
}

// callOutcomes is the fixed label set for the call log counter.
var callOutcomes = []call.Outcome{
	call.OutcomeCompleted,
	call.OutcomeFailed,
	call.OutcomeCanceled,
	call.OutcomeDeclined,
	call.OutcomeMissed,
	call.OutcomeBusy,
}

// Collector is a prometheus.Collector that gathers agent state at scrape time.
type Collector struct {
	engine    CallStateProvider
	ring      RingOutcomeProvider
	history   HistoryCounter
	reg       RegistrationProvider
	startTime time.Time

	callStateDesc    *prometheus.Desc
	callDurationDesc *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	ringTotalDesc    *prometheus.Desc
	regStateDesc     *prometheus.Desc
	regRetriesDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector builds the collector. A nil provider simply reports
// nothing for its slice of metrics.
func NewCollector(
	engine CallStateProvider,
	ring RingOutcomeProvider,
	history HistoryCounter,
	reg RegistrationProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		engine:    engine,
		ring:      ring,
		history:   history,
		reg:       reg,
		startTime: startTime,

		callStateDesc: prometheus.NewDesc(
			"flowphone_call_state",
			"Current call phase (1 for the active phase)",
			[]string{"phase"}, nil,
		),
		callDurationDesc: prometheus.NewDesc(
			"flowphone_call_duration_seconds",
			"Seconds the current call has been connected (0 outside a call)",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"flowphone_calls_total",
			"Calls recorded in the call log, by outcome",
			[]string{"outcome"}, nil,
		),
		ringTotalDesc: prometheus.NewDesc(
			"flowphone_ring_outcomes_total",
			"Inbound ring resolutions since the process started, by outcome",
			[]string{"outcome"}, nil,
		),
		regStateDesc: prometheus.NewDesc(
			"flowphone_registration_state",
			"SIP registration state (1 for the current state)",
			[]string{"state"}, nil,
		),
		regRetriesDesc: prometheus.NewDesc(
			"flowphone_registration_retry_attempts",
			"Consecutive failed registration attempts",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowphone_uptime_seconds",
			"Seconds since the agent process started",
			nil, nil,
		),
	}
}

// Describe announces every metric this collector can emit.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callStateDesc
	ch <- c.callDurationDesc
	ch <- c.callsTotalDesc
	ch <- c.ringTotalDesc
	ch <- c.regStateDesc
	ch <- c.regRetriesDesc
	ch <- c.uptimeDesc
}

// Collect asks each provider for current values at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Call state gauges (one per phase, current phase is 1).
	if c.engine != nil {
		st := c.engine.State()
		for _, phase := range callPhases {
			val := 0.0
			if st.Phase == phase {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.callStateDesc, prometheus.GaugeValue, val, phase.String(),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.callDurationDesc, prometheus.GaugeValue, st.Duration.Seconds(),
		)
	}

	// Ring resolution counters.
	if c.ring != nil {
		for outcome, count := range c.ring.RingOutcomes() {
			ch <- prometheus.MustNewConstMetric(
				c.ringTotalDesc, prometheus.CounterValue, float64(count), outcome,
			)
		}
	}

	// Call volume counters by outcome.
	if c.history != nil {
		counts, err := c.history.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call log by outcome", "error", err)
		} else {
			for _, outcome := range callOutcomes {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[string(outcome)]), string(outcome),
				)
			}
		}
	}

	// Registration state gauges.
	if c.reg != nil {
		snap := c.reg.RegistrationState()
		for _, state := range regStates {
			val := 0.0
			if snap.State == state {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.regStateDesc, prometheus.GaugeValue, val, string(state),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.regRetriesDesc, prometheus.GaugeValue, float64(snap.RetryAttempt),
		)
	}

	// Uptime is emitted even when every provider is nil.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
