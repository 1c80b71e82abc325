package offcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/offcache/storage"
)

// Manager is one deployment of the offline cache: one generation, one
// manifest, one pass through the lifecycle.
type Manager struct {
	gen         string
	targets     []precacheTarget
	storage     storage.Storage
	network     Fetcher
	installNet  Fetcher
	concurrency int
	skipWaiting bool

	log    Logger
	hooks  Hooks
	tracer trace.Tracer
	now    func() time.Time

	// lifecycle serializes Install, Activate and Restore.
	lifecycle sync.Mutex

	mu    sync.RWMutex
	state State
	store storage.Store // set once the generation is installed or restored
}

var _ http.RoundTripper = (*Manager)(nil)

func (m *Manager) Generation() string { return m.gen }

// Manifest returns the resolved manifest URLs in order.
func (m *Manager) Manifest() []string {
	out := make([]string, len(m.targets))
	for i, t := range m.targets {
		out[i] = t.url.String()
	}
	return out
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SkipWaiting reports whether an installed manager takes control at once.
func (m *Manager) SkipWaiting() bool { return m.skipWaiting }

// Install opens (creating) the current generation's store and precaches the
// whole manifest. Every URL is fetched before anything is written: one
// fetch failure aborts with an *InstallError and no entry is stored. After
// writing, every entry is read back, so a store that silently dropped a
// write fails the install with ErrIncompletePrecache.
//
// A first failed install leaves the manager redundant. Re-running Install on
// an installed manager re-captures the manifest; if that fails, the state is
// kept and the entries captured by the previous install are written back.
func (m *Manager) Install(ctx context.Context) (err error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	from := m.State()
	if from != StateInstalling && from != StateInstalled {
		return fmt.Errorf("%w: install while %s", ErrInvalidState, from)
	}

	ctx, span := m.tracer.Start(ctx, "offcache.install", trace.WithAttributes(
		attribute.String("offcache.generation", m.gen),
		attribute.Int("offcache.manifest.size", len(m.targets)),
	))
	defer func() { endSpan(span, err) }()

	fail := func(e error) error {
		if from == StateInstalling {
			m.setState(StateRedundant)
		}
		m.log.Warn("install failed", Fields{"generation": m.gen, "err": e})
		return e
	}

	store, err := m.storage.Open(ctx, m.gen)
	if err != nil {
		return fail(&InstallError{Generation: m.gen, Err: err})
	}

	entries, err := m.precache(ctx)
	if err != nil {
		return fail(err)
	}

	var previous []*storage.Entry
	if from == StateInstalled {
		if previous, err = m.snapshot(ctx, store); err != nil {
			return fail(&InstallError{Generation: m.gen, Err: err})
		}
	}

	if err := m.write(ctx, store, entries); err != nil {
		if previous != nil {
			if rerr := m.write(ctx, store, previous); rerr != nil {
				m.log.Error("install: restoring previous entries failed", Fields{"generation": m.gen, "err": rerr})
			}
		}
		var ierr *InstallError
		if errors.As(err, &ierr) && ierr.URL != "" {
			m.hooks.PrecacheFailed(m.gen, ierr.URL, ierr.Err)
		}
		return fail(err)
	}

	m.mu.Lock()
	m.store = store
	m.mu.Unlock()
	m.setState(StateInstalled)
	m.log.Info("installed", Fields{"generation": m.gen, "entries": len(entries)})
	return nil
}

// write stores entries (aligned with m.targets) and reads each one back.
func (m *Manager) write(ctx context.Context, store storage.Store, entries []*storage.Entry) error {
	for i, t := range m.targets {
		if err := store.Put(ctx, t.key, entries[i]); err != nil {
			return &InstallError{Generation: m.gen, URL: t.url.String(), Err: err}
		}
	}
	for _, t := range m.targets {
		_, ok, err := store.Match(ctx, t.key)
		if err != nil {
			return &InstallError{Generation: m.gen, URL: t.url.String(), Err: err}
		}
		if !ok {
			return &InstallError{Generation: m.gen, URL: t.url.String(), Err: ErrIncompletePrecache}
		}
	}
	return nil
}

// snapshot returns the entries currently stored for the manifest.
func (m *Manager) snapshot(ctx context.Context, store storage.Store) ([]*storage.Entry, error) {
	out := make([]*storage.Entry, len(m.targets))
	for i, t := range m.targets {
		e, ok, err := store.Match(ctx, t.key)
		if err != nil {
			return nil, err
		}
		if !ok {
			// already incomplete; nothing consistent to restore
			return nil, nil
		}
		out[i] = e
	}
	return out, nil
}

// precache fetches every manifest URL, in manifest order.
func (m *Manager) precache(ctx context.Context) ([]*storage.Entry, error) {
	entries := make([]*storage.Entry, len(m.targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, t := range m.targets {
		i, t := i, t
		g.Go(func() error {
			e, err := m.capture(gctx, t)
			if err != nil {
				return &InstallError{Generation: m.gen, URL: t.url.String(), Err: err}
			}
			entries[i] = e
			return nil
		})
	}
	// Wait returns the first failure; the rest were cancelled by it.
	if err := g.Wait(); err != nil {
		var ierr *InstallError
		if errors.As(err, &ierr) {
			m.hooks.PrecacheFailed(m.gen, ierr.URL, ierr.Err)
		}
		return nil, err
	}
	return entries, nil
}

func (m *Manager) capture(ctx context.Context, t precacheTarget) (*storage.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.installNet.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := cacheable(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &storage.Entry{
		Method:   http.MethodGet,
		URL:      t.url.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now(),
	}, nil
}

// cacheable rejects what a precache must not keep: non-2xx, partial
// content, and responses that vary on everything.
func cacheable(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrNotCacheable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusPartialContent {
		return fmt.Errorf("%w: partial content", ErrNotCacheable)
	}
	for _, v := range resp.Header.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			if strings.TrimSpace(f) == "*" {
				return fmt.Errorf("%w: Vary: *", ErrNotCacheable)
			}
		}
	}
	return nil
}

// Activate makes the manager active and deletes every generation but its
// own. It runs from installed, or again from active, where it only repeats
// the sweep. Sweep failures are logged and reported to Hooks; they never
// fail activation.
func (m *Manager) Activate(ctx context.Context) (err error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	from := m.State()
	if from != StateInstalled && from != StateActive {
		return fmt.Errorf("%w: activate while %s", ErrInvalidState, from)
	}

	ctx, span := m.tracer.Start(ctx, "offcache.activate", trace.WithAttributes(
		attribute.String("offcache.generation", m.gen),
	))
	defer func() { endSpan(span, err) }()

	m.activate(ctx)
	return nil
}

func (m *Manager) activate(ctx context.Context) {
	if m.State() == StateInstalled {
		m.setState(StateActivating)
	}
	swept := m.sweep(ctx)
	m.setState(StateActive)
	m.log.Info("activated", Fields{"generation": m.gen, "swept": swept})
}

func (m *Manager) sweep(ctx context.Context) int {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		m.log.Warn("sweep: list generations failed", Fields{"generation": m.gen, "err": err})
		m.hooks.SweepFailed(m.gen, "", err)
		return 0
	}
	swept := 0
	for _, name := range names {
		if name == m.gen {
			continue
		}
		existed, err := m.storage.Delete(ctx, name)
		if err != nil {
			m.log.Warn("sweep: delete generation failed", Fields{"generation": m.gen, "stale": name, "err": err})
			m.hooks.SweepFailed(m.gen, name, err)
			continue
		}
		if existed {
			swept++
			m.hooks.GenerationSwept(m.gen, name)
			m.log.Debug("sweep: deleted generation", Fields{"generation": m.gen, "stale": name})
		}
	}
	return swept
}

// Restore takes over a generation a previous process already installed:
// when every manifest entry is present, the manager activates without
// touching the network. Otherwise it returns ErrIncompletePrecache and stays
// installing, so Install can still run.
func (m *Manager) Restore(ctx context.Context) (err error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if st := m.State(); st != StateInstalling {
		return fmt.Errorf("%w: restore while %s", ErrInvalidState, st)
	}

	ctx, span := m.tracer.Start(ctx, "offcache.restore", trace.WithAttributes(
		attribute.String("offcache.generation", m.gen),
	))
	defer func() { endSpan(span, err) }()

	has, err := m.storage.Has(ctx, m.gen)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: generation %q not found", ErrIncompletePrecache, m.gen)
	}
	store, err := m.storage.Open(ctx, m.gen)
	if err != nil {
		return err
	}
	for _, t := range m.targets {
		_, ok, err := store.Match(ctx, t.key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s missing from %q", ErrIncompletePrecache, t.url, m.gen)
		}
	}

	m.mu.Lock()
	m.store = store
	m.mu.Unlock()
	m.setState(StateInstalled)
	m.log.Info("restored", Fields{"generation": m.gen})
	m.activate(ctx)
	return nil
}

// Fetch answers req network-first. Any network response, whatever its
// status, is returned unchanged and never stored. On network failure the
// request is looked up in this manager's generation only. If that misses
// too, the *FetchError matches ErrNotFound.
//
// A cancelled ctx is not a network outage: Fetch then returns an error
// carrying ctx.Err() without consulting the cache.
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (resp *http.Response, err error) {
	ctx, span := m.tracer.Start(ctx, "offcache.fetch", trace.WithAttributes(
		attribute.String("offcache.generation", m.gen),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
	))
	defer func() { endSpan(span, err) }()

	resp, netErr := m.network.Fetch(ctx, req)
	if netErr == nil {
		span.SetAttributes(attribute.String("offcache.source", "network"))
		return resp, nil
	}

	key := storage.RequestKey(req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &FetchError{Key: key, NetworkErr: netErr, CacheErr: ctxErr}
	}

	e, ok, cacheErr := m.match(ctx, req, key)
	if cacheErr != nil {
		m.hooks.NetworkFallback(m.gen, key, false)
		m.log.Warn("fallback lookup failed", Fields{"generation": m.gen, "key": key, "err": cacheErr})
		return nil, &FetchError{Key: key, NetworkErr: netErr, CacheErr: cacheErr}
	}
	m.hooks.NetworkFallback(m.gen, key, ok)
	if !ok {
		m.log.Debug("offline miss", Fields{"generation": m.gen, "key": key, "err": netErr})
		return nil, &FetchError{Key: key, NetworkErr: netErr}
	}
	span.SetAttributes(attribute.String("offcache.source", "cache"))
	m.log.Debug("served from cache", Fields{"generation": m.gen, "key": key})
	return e.Response(req), nil
}

// RoundTrip lets a Manager stand in as an http.Client transport.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Fetch(req.Context(), req)
}

func (m *Manager) match(ctx context.Context, req *http.Request, key string) (*storage.Entry, bool, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, false, nil
	}
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()

	if store == nil {
		// not installed by this manager; only read a store that already exists
		has, err := m.storage.Has(ctx, m.gen)
		if err != nil || !has {
			return nil, false, err
		}
		if store, err = m.storage.Open(ctx, m.gen); err != nil {
			return nil, false, err
		}
	}
	return store.Match(ctx, key)
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	if from != to {
		m.hooks.StateChanged(m.gen, from, to)
		m.log.Debug("state changed", Fields{"generation": m.gen, "from": from.String(), "to": to.String()})
	}
}

// retire marks a replaced manager redundant.
func (m *Manager) retire() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.setState(StateRedundant)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
