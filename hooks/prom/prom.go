// Package promhooks counts offcache.Hooks events as Prometheus metrics.
package promhooks

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/offcache"
)

type Hooks struct {
	transitions *prometheus.CounterVec
	precache    *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	swept       prometheus.Counter
	sweepErrs   prometheus.Counter
	state       *prometheus.GaugeVec

	// managers per (generation, state); several managers can share a
	// generation, e.g. across Resume
	mu     sync.Mutex
	counts map[stateKey]int
}

type stateKey struct{ gen, state string }

var _ offcache.Hooks = (*Hooks)(nil)

// New registers the offcache collectors on reg (prometheus.DefaultRegisterer
// if nil). Registering twice on the same registry fails.
func New(reg prometheus.Registerer) (*Hooks, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &Hooks{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offcache_state_transitions_total",
			Help: "Lifecycle state transitions by target state",
		}, []string{"to"}),
		precache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offcache_precache_failures_total",
			Help: "Install attempts aborted by a precache failure",
		}, []string{"generation"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offcache_network_fallbacks_total",
			Help: "Network failures answered from (hit) or missing in (miss) the cache",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offcache_generations_swept_total",
			Help: "Stale generations deleted on activation",
		}),
		sweepErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offcache_sweep_failures_total",
			Help: "Stale generations activation could not list or delete",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "offcache_generation_state",
			Help: "Managers of each generation currently in each state",
		}, []string{"generation", "state"}),
		counts: make(map[stateKey]int),
	}
	for _, c := range []prometheus.Collector{h.transitions, h.precache, h.fallbacks, h.swept, h.sweepErrs, h.state} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) StateChanged(gen string, from, to offcache.State) {
	h.transitions.WithLabelValues(to.String()).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()
	// managers start in installing without an event, so only states
	// entered through StateChanged are counted
	if k := (stateKey{gen, from.String()}); h.counts[k] > 0 {
		h.counts[k]--
		h.publish(k)
	}
	if to == offcache.StateRedundant {
		// redundant managers are gone for good; no series for them
		return
	}
	k := stateKey{gen, to.String()}
	h.counts[k]++
	h.publish(k)
}

func (h *Hooks) publish(k stateKey) {
	n := h.counts[k]
	if n == 0 {
		delete(h.counts, k)
		h.state.DeleteLabelValues(k.gen, k.state)
		return
	}
	h.state.WithLabelValues(k.gen, k.state).Set(float64(n))
}

func (h *Hooks) PrecacheFailed(gen, _ string, _ error) {
	h.precache.WithLabelValues(gen).Inc()
}

func (h *Hooks) NetworkFallback(_, _ string, hit bool) {
	if hit {
		h.fallbacks.WithLabelValues("hit").Inc()
		return
	}
	h.fallbacks.WithLabelValues("miss").Inc()
}

func (h *Hooks) GenerationSwept(_, _ string) { h.swept.Inc() }

func (h *Hooks) SweepFailed(_, _ string, _ error) { h.sweepErrs.Inc() }
