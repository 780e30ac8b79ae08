package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mathagent_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "dependency"},
	)

	breakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_circuit_breaker_calls_total",
			Help: "Calls routed through a circuit breaker",
		},
		[]string{"name", "dependency", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "dependency", "from_state", "to_state"},
	)
)

type registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

var collector = &registry{breakers: make(map[string]*Breaker)}

func (r *registry) register(b *Breaker) {
	r.mu.Lock()
	r.breakers[b.dep+":"+b.name] = b
	r.mu.Unlock()
	breakerState.WithLabelValues(b.name, b.dep).Set(float64(StateClosed))
}

func (r *registry) observe(b *Breaker, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	breakerCalls.WithLabelValues(b.name, b.dep, result).Inc()
}

func (r *registry) transition(b *Breaker, from, to State) {
	breakerTransitions.WithLabelValues(b.name, b.dep, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(b.name, b.dep).Set(float64(to))
}

// Snapshot returns the state of every registered breaker keyed by
// "dependency:name". Used by the health endpoint.
func Snapshot() map[string]State {
	collector.mu.RLock()
	defer collector.mu.RUnlock()
	out := make(map[string]State, len(collector.breakers))
	for k, b := range collector.breakers {
		out[k] = b.State()
	}
	return out
}
