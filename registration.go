package offcache

import (
	"context"
	"net/http"
	"sync"
)

// RegistrationOptions configure a Registration.
type RegistrationOptions struct {
	Network Fetcher // used while no manager is active; nil => HTTPFetcher{}
	Logger  Logger  // if nil, NopLogger is used
}

// Registration hosts the managers of one origin. At most one manager is
// active (serving requests) and at most one is waiting (installed, not yet
// in control). Deploy, Promote and Resume are serialized; RoundTrip runs
// concurrently with all of them.
type Registration struct {
	network Fetcher
	log     Logger

	lifecycle sync.Mutex

	mu      sync.RWMutex
	active  *Manager
	waiting *Manager
}

var _ http.RoundTripper = (*Registration)(nil)

func NewRegistration(opts RegistrationOptions) *Registration {
	return &Registration{
		network: coalesce[Fetcher](opts.Network, HTTPFetcher{}),
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
	}
}

// Deploy installs m. If installation fails, the current active manager
// keeps control and the error is returned. Otherwise m replaces any waiting
// manager and, unless it disabled skip-waiting, takes control at once.
func (r *Registration) Deploy(ctx context.Context, m *Manager) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := m.Install(ctx); err != nil {
		r.log.Warn("deploy failed; previous generation keeps control", Fields{
			"generation": m.Generation(),
			"active":     r.activeGeneration(),
			"err":        err,
		})
		return err
	}

	r.mu.Lock()
	prevWaiting := r.waiting
	r.waiting = m
	r.mu.Unlock()
	if prevWaiting != nil && prevWaiting != m {
		prevWaiting.retire()
	}

	if !m.SkipWaiting() {
		r.log.Info("deployed; waiting for promotion", Fields{"generation": m.Generation()})
		return nil
	}
	return r.promote(ctx)
}

// Promote hands control to the waiting manager, if any.
func (r *Registration) Promote(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.promote(ctx)
}

func (r *Registration) promote(ctx context.Context) error {
	r.mu.RLock()
	next := r.waiting
	r.mu.RUnlock()
	if next == nil {
		return nil
	}

	// switch first: requests are answered by next while it sweeps
	prev := r.swap(next)
	if err := next.Activate(ctx); err != nil {
		return err
	}
	r.log.Info("generation in control", Fields{"generation": next.Generation(), "previous": generationOf(prev)})
	return nil
}

// Resume puts m in control from storage a previous process populated,
// without installing. See Manager.Restore.
func (r *Registration) Resume(ctx context.Context, m *Manager) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := m.Restore(ctx); err != nil {
		return err
	}
	prev := r.swap(m)
	r.log.Info("generation resumed", Fields{"generation": m.Generation(), "previous": generationOf(prev)})
	return nil
}

// swap makes next active, clears waiting and retires the previous manager.
func (r *Registration) swap(next *Manager) *Manager {
	r.mu.Lock()
	prev := r.active
	r.active = next
	if r.waiting == next {
		r.waiting = nil
	}
	r.mu.Unlock()
	if prev != nil && prev != next {
		prev.retire()
	}
	return prev
}

// Active returns the manager in control, or nil.
func (r *Registration) Active() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed manager awaiting Promote, or nil.
func (r *Registration) Waiting() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// RoundTrip routes req to the active manager; with none, straight to the
// network.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if m := r.Active(); m != nil {
		return m.Fetch(req.Context(), req)
	}
	return r.network.Fetch(req.Context(), req)
}

func (r *Registration) activeGeneration() string {
	return generationOf(r.Active())
}

func generationOf(m *Manager) string {
	if m == nil {
		return ""
	}
	return m.Generation()
}
