// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    FallbackEvery: 10, // log ~every 10th offline fallback
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	m, _ := offcache.New(offcache.Options{
//	    Generation: "esfas-app-v6.0",
//	    Manifest:   manifest,
//	    Storage:    st,
//	    Network:    offcache.HTTPFetcher{},
//	    Hooks:      hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/offcache"
)

// Hooks forwards events to inner from a worker pool. Events are dropped
// when the queue is full or after Close.
type Hooks struct {
	inner offcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ offcache.Hooks = (*Hooks)(nil)

func New(inner offcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) StateChanged(gen string, from, to offcache.State) {
	h.try(func() { h.inner.StateChanged(gen, from, to) })
}
func (h *Hooks) PrecacheFailed(gen, url string, err error) {
	h.try(func() { h.inner.PrecacheFailed(gen, url, err) })
}
func (h *Hooks) NetworkFallback(gen, key string, hit bool) {
	h.try(func() { h.inner.NetworkFallback(gen, key, hit) })
}
func (h *Hooks) GenerationSwept(cur, swept string) {
	h.try(func() { h.inner.GenerationSwept(cur, swept) })
}
func (h *Hooks) SweepFailed(cur, name string, err error) {
	h.try(func() { h.inner.SweepFailed(cur, name, err) })
}
