// ABOUTME: Prometheus collectors for the command core.
// ABOUTME: Package-level collectors registered once via Register, served via Handler.

package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	commandsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warren",
			Subsystem: "commands",
			Name:      "submitted_total",
			Help:      "Number of commands accepted into the outbox.",
		}, []string{"kind"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warren",
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Number of commands delivered to a host channel.",
		}, []string{"kind"},
	)
	commandsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warren",
			Subsystem: "commands",
			Name:      "terminal_total",
			Help:      "Number of commands reaching a terminal status.",
		}, []string{"status"},
	)
	commandsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warren",
			Subsystem: "sweeper",
			Name:      "retries_total",
			Help:      "Number of pending commands redelivered by the sweeper.",
		},
	)
	connectedHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warren",
			Subsystem: "registry",
			Name:      "connected_hosts",
			Help:      "Current number of hosts with a live channel.",
		},
	)
	instanceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warren",
			Subsystem: "instances",
			Name:      "state_transitions_total",
			Help:      "Number of child-instance lifecycle state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all collectors with the provided registerer. A nil
// registerer means the default one. Safe to call multiple times; subsequent
// calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		commandsSubmitted, commandsSent, commandsTerminal,
		commandsRetried, connectedHosts, instanceTransitions,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving metrics from the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncSubmitted records a command accepted into the outbox.
func IncSubmitted(kind string) { commandsSubmitted.WithLabelValues(kind).Inc() }

// IncSent records a command delivered to a host channel.
func IncSent(kind string) { commandsSent.WithLabelValues(kind).Inc() }

// IncTerminal records a command reaching a terminal status.
func IncTerminal(status string) { commandsTerminal.WithLabelValues(status).Inc() }

// IncRetried records a sweeper redelivery attempt.
func IncRetried() { commandsRetried.Inc() }

// SetConnectedHosts updates the live-channel gauge.
func SetConnectedHosts(n int) { connectedHosts.Set(float64(n)) }

// IncTransition records a child-instance state transition.
func IncTransition(from, to string) { instanceTransitions.WithLabelValues(from, to).Inc() }
