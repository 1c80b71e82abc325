package offcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/unkn0wn-root/offcache/provider/ristretto"
	"github.com/unkn0wn-root/offcache/storage"
	"github.com/unkn0wn-root/offcache/storage/kv"
	"github.com/unkn0wn-root/offcache/storage/memory"
)

const testOrigin = "https://esfas.example"

var siteManifest = Manifest{
	"/",
	"/static/css/style.css",
	"/static/manifest.json",
	"/static/img/brasaoappcel.png",
	"/static/img/brasao.png",
	"/offline.html",
}

var errOffline = errors.New("dial tcp: network is unreachable")

type route struct {
	status int
	body   string
	header http.Header
}

// fakeNet answers from a route table. Unknown paths are 404; offline
// fails every request at the network level.
type fakeNet struct {
	mu      sync.Mutex
	routes  map[string]route
	fail    map[string]bool
	offline bool
	calls   int
}

func newFakeNet() *fakeNet {
	n := &fakeNet{routes: make(map[string]route), fail: make(map[string]bool)}
	for _, p := range siteManifest {
		n.routes[p] = route{status: 200, body: "net:" + p}
	}
	return n
}

func (n *fakeNet) set(path string, r route) {
	n.mu.Lock()
	n.routes[path] = r
	n.mu.Unlock()
}

func (n *fakeNet) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNet) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.offline || n.fail[req.URL.Path] {
		return nil, errOffline
	}
	r, ok := n.routes[req.URL.Path]
	if !ok {
		r = route{status: 404, body: "not found"}
	}
	h := r.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

type recHooks struct {
	mu          sync.Mutex
	transitions []string
	precache    []string
	fallbacks   []string
	swept       []string
	sweepErrs   []string
}

func (h *recHooks) StateChanged(_ string, from, to State) {
	h.mu.Lock()
	h.transitions = append(h.transitions, from.String()+"->"+to.String())
	h.mu.Unlock()
}

func (h *recHooks) PrecacheFailed(_ string, url string, _ error) {
	h.mu.Lock()
	h.precache = append(h.precache, url)
	h.mu.Unlock()
}

func (h *recHooks) NetworkFallback(_ string, key string, hit bool) {
	h.mu.Lock()
	h.fallbacks = append(h.fallbacks, fmt.Sprintf("%s hit=%v", key, hit))
	h.mu.Unlock()
}

func (h *recHooks) GenerationSwept(_ string, swept string) {
	h.mu.Lock()
	h.swept = append(h.swept, swept)
	h.mu.Unlock()
}

func (h *recHooks) SweepFailed(_ string, name string, _ error) {
	h.mu.Lock()
	h.sweepErrs = append(h.sweepErrs, name)
	h.mu.Unlock()
}

func newTestManager(t *testing.T, gen string, st storage.Storage, net Fetcher, optsOpt func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Generation: gen,
		Manifest:   siteManifest,
		Origin:     testOrigin,
		Storage:    st,
		Network:    net,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func storedBody(t *testing.T, st storage.Storage, gen, path string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	if has, _ := st.Has(ctx, gen); !has {
		return "", false
	}
	s, _ := st.Open(ctx, gen)
	e, ok, err := s.Match(ctx, storage.RequestKey(get(t, path)))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !ok {
		return "", false
	}
	return string(e.Body), true
}

// ==============================
// Install
// ==============================

func TestInstallPrecachesWholeManifest(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	hooks := &recHooks{}
	m := newTestManager(t, "esfas-app-v6.0", st, newFakeNet(), func(o *Options) { o.Hooks = hooks })

	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if m.State() != StateInstalled {
		t.Fatalf("state=%s want installed", m.State())
	}
	if !m.SkipWaiting() {
		t.Fatalf("install must signal skip-waiting by default")
	}
	for _, p := range siteManifest {
		body, ok := storedBody(t, st, "esfas-app-v6.0", p)
		if !ok || body != "net:"+p {
			t.Fatalf("%s: stored=%q ok=%v", p, body, ok)
		}
	}
	s, _ := st.Open(ctx, "esfas-app-v6.0")
	keys, _ := s.Keys(ctx)
	if len(keys) != len(siteManifest) {
		t.Fatalf("store holds %d keys, want %d", len(keys), len(siteManifest))
	}
	if want := []string{"installing->installed"}; !reflect.DeepEqual(hooks.transitions, want) {
		t.Fatalf("transitions=%v want %v", hooks.transitions, want)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	net := newFakeNet()
	net.fail["/static/img/brasao.png"] = true
	hooks := &recHooks{}
	m := newTestManager(t, "v2", st, net, func(o *Options) { o.Hooks = hooks })

	err := m.Install(ctx)
	var ierr *InstallError
	if !errors.As(err, &ierr) {
		t.Fatalf("want *InstallError, got %v", err)
	}
	if ierr.URL != testOrigin+"/static/img/brasao.png" || !errors.Is(err, errOffline) {
		t.Fatalf("unexpected install error: %v", err)
	}
	if m.State() != StateRedundant {
		t.Fatalf("state=%s want redundant", m.State())
	}
	for _, p := range siteManifest {
		if _, ok := storedBody(t, st, "v2", p); ok {
			t.Fatalf("%s stored despite failed install", p)
		}
	}
	if len(hooks.precache) != 1 || hooks.precache[0] != ierr.URL {
		t.Fatalf("PrecacheFailed=%v", hooks.precache)
	}

	if err := m.Install(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("install on redundant manager: want ErrInvalidState, got %v", err)
	}
}

func TestInstallRejectsUncacheableResponses(t *testing.T) {
	cases := map[string]route{
		"not found":  {status: 404},
		"server err": {status: 500},
		"redirect":   {status: 302, header: http.Header{"Location": {"/login"}}},
		"partial":    {status: 206},
		"vary star":  {status: 200, header: http.Header{"Vary": {"Accept-Encoding, *"}}},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			net := newFakeNet()
			net.set("/offline.html", r)
			m := newTestManager(t, "v1", memory.New(), net, nil)
			if err := m.Install(context.Background()); !errors.Is(err, ErrNotCacheable) {
				t.Fatalf("want ErrNotCacheable, got %v", err)
			}
		})
	}
}

func TestInstallTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	net := newFakeNet()

	first := newTestManager(t, "v1", st, net, nil)
	if err := first.Install(ctx); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	if err := first.Install(ctx); err != nil {
		t.Fatalf("repeat Install: %v", err)
	}
	// a second instance of the same deployment
	second := newTestManager(t, "v1", st, net, nil)
	if err := second.Install(ctx); err != nil {
		t.Fatalf("second manager Install: %v", err)
	}

	names, _ := st.Keys(ctx)
	if !reflect.DeepEqual(names, []string{"v1"}) {
		t.Fatalf("stores=%v want [v1]", names)
	}
	s, _ := st.Open(ctx, "v1")
	keys, _ := s.Keys(ctx)
	if len(keys) != len(siteManifest) {
		t.Fatalf("store holds %d keys after repeat installs, want %d", len(keys), len(siteManifest))
	}
	for _, p := range siteManifest {
		if body, ok := storedBody(t, st, "v1", p); !ok || body != "net:"+p {
			t.Fatalf("%s: stored=%q ok=%v", p, body, ok)
		}
	}
}

func TestFailedReinstallKeepsInstalledState(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	net := newFakeNet()
	m := newTestManager(t, "v1", st, net, nil)
	if err := m.Install(ctx); err != nil {
		t.Fatal(err)
	}
	net.setOffline(true)
	if err := m.Install(ctx); err == nil {
		t.Fatalf("expected error while offline")
	}
	if m.State() != StateInstalled {
		t.Fatalf("state=%s want installed", m.State())
	}
	if _, ok := storedBody(t, st, "v1", "/"); !ok {
		t.Fatalf("failed re-install must not drop the populated store")
	}
}

// ==============================
// Activate
// ==============================

func TestActivateSweepsStaleGenerations(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for _, old := range []string{"esfas-app-v4.0", "esfas-app-v5.0"} {
		s, _ := st.Open(ctx, old)
		_ = s.Put(ctx, "GET "+testOrigin+"/", &storage.Entry{Status: 200, Body: []byte(old)})
	}
	hooks := &recHooks{}
	m := newTestManager(t, "esfas-app-v6.0", st, newFakeNet(), func(o *Options) { o.Hooks = hooks })

	if err := m.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state=%s want active", m.State())
	}
	names, _ := st.Keys(ctx)
	if !reflect.DeepEqual(names, []string{"esfas-app-v6.0"}) {
		t.Fatalf("stores after sweep=%v", names)
	}
	if want := []string{"esfas-app-v4.0", "esfas-app-v5.0"}; !reflect.DeepEqual(hooks.swept, want) {
		t.Fatalf("swept=%v want %v", hooks.swept, want)
	}

	// again, with only the current generation left
	if err := m.Activate(ctx); err != nil {
		t.Fatalf("repeat Activate: %v", err)
	}
	names, _ = st.Keys(ctx)
	if !reflect.DeepEqual(names, []string{"esfas-app-v6.0"}) {
		t.Fatalf("repeat sweep changed stores: %v", names)
	}
	if len(hooks.swept) != 2 || len(hooks.sweepErrs) != 0 {
		t.Fatalf("repeat sweep deleted or failed: swept=%v errs=%v", hooks.swept, hooks.sweepErrs)
	}

	want := []string{"installing->installed", "installed->activating", "activating->active"}
	if !reflect.DeepEqual(hooks.transitions, want) {
		t.Fatalf("transitions=%v want %v", hooks.transitions, want)
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	m := newTestManager(t, "v1", memory.New(), newFakeNet(), nil)
	if err := m.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("want ErrInvalidState, got %v", err)
	}
	if m.State() != StateInstalling {
		t.Fatalf("state=%s want installing", m.State())
	}
}

type failingDeletes struct {
	*memory.Storage
}

func (failingDeletes) Delete(context.Context, string) (bool, error) {
	return false, errors.New("disk full")
}

func TestActivateSurvivesDeleteFailure(t *testing.T) {
	ctx := context.Background()
	st := failingDeletes{memory.New()}
	_, _ = st.Open(ctx, "old")
	hooks := &recHooks{}
	m := newTestManager(t, "v1", st, newFakeNet(), func(o *Options) { o.Hooks = hooks })
	_ = m.Install(ctx)

	if err := m.Activate(ctx); err != nil {
		t.Fatalf("Activate must not fail on sweep errors: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state=%s want active", m.State())
	}
	if !reflect.DeepEqual(hooks.sweepErrs, []string{"old"}) {
		t.Fatalf("SweepFailed=%v", hooks.sweepErrs)
	}
}

// ==============================
// Fetch
// ==============================

func installed(t *testing.T, gen string, st storage.Storage, net *fakeNet, optsOpt func(*Options)) *Manager {
	t.Helper()
	m := newTestManager(t, gen, st, net, optsOpt)
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return m
}

func TestFetchPrefersNetwork(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	m := installed(t, "v1", memory.New(), net, nil)

	net.set("/", route{status: 200, body: "fresh"})
	resp, err := m.Fetch(ctx, get(t, "/"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if body := readBody(t, resp); body != "fresh" {
		t.Fatalf("body=%q want network response", body)
	}

	// server errors are network successes
	net.set("/", route{status: 503, body: "maintenance"})
	resp, err = m.Fetch(ctx, get(t, "/"))
	if err != nil || resp.StatusCode != 503 {
		t.Fatalf("Fetch 503: resp=%v err=%v", resp, err)
	}
	_ = readBody(t, resp)
}

func TestFetchFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	net.set("/static/css/style.css", route{status: 200, body: "body{}", header: http.Header{"Content-Type": {"text/css"}}})
	hooks := &recHooks{}
	m := installed(t, "v1", memory.New(), net, func(o *Options) { o.Hooks = hooks })

	net.setOffline(true)
	req := get(t, "/static/css/style.css")
	resp, err := m.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("offline Fetch: %v", err)
	}
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "text/css" || resp.Request != req {
		t.Fatalf("unexpected cached response: %+v", resp)
	}
	if body := readBody(t, resp); body != "body{}" {
		t.Fatalf("body=%q", body)
	}

	// fragment is not part of request identity
	resp, err = m.Fetch(ctx, get(t, "/offline.html#top"))
	if err != nil {
		t.Fatalf("Fetch with fragment: %v", err)
	}
	_ = readBody(t, resp)

	want := []string{
		"GET " + testOrigin + "/static/css/style.css hit=true",
		"GET " + testOrigin + "/offline.html hit=true",
	}
	if !reflect.DeepEqual(hooks.fallbacks, want) {
		t.Fatalf("fallbacks=%v want %v", hooks.fallbacks, want)
	}
}

func TestFetchTotalFailure(t *testing.T) {
	ctx := context.Background()
	net := newFakeNet()
	m := installed(t, "v1", memory.New(), net, nil)
	net.setOffline(true)

	_, err := m.Fetch(ctx, get(t, "/not-precached"))
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, errOffline) {
		t.Fatalf("want ErrNotFound wrapping the network error, got %v", err)
	}
	var ferr *FetchError
	if !errors.As(err, &ferr) || ferr.Key != "GET "+testOrigin+"/not-precached" {
		t.Fatalf("unexpected FetchError: %#v", err)
	}

	// only GETs are ever matched
	post, _ := http.NewRequest(http.MethodPost, testOrigin+"/", strings.NewReader("x"))
	if _, err := m.Fetch(ctx, post); !errors.Is(err, ErrNotFound) {
		t.Fatalf("POST fallback: want ErrNotFound, got %v", err)
	}
}

func TestFetchNeverWritesCache(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	net := newFakeNet()
	m := installed(t, "v1", st, net, nil)

	net.set("/new-page", route{status: 200, body: "new"})
	net.set("/", route{status: 200, body: "changed"})
	for _, p := range []string{"/new-page", "/"} {
		resp, err := m.Fetch(ctx, get(t, p))
		if err != nil {
			t.Fatal(err)
		}
		_ = readBody(t, resp)
	}

	if _, ok := storedBody(t, st, "v1", "/new-page"); ok {
		t.Fatalf("fetch path stored a new entry")
	}
	if body, _ := storedBody(t, st, "v1", "/"); body != "net:/" {
		t.Fatalf("fetch path overwrote the precached entry: %q", body)
	}
}

func TestFetchGenerationIsolation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	net := newFakeNet()
	net.set("/legacy.js", route{status: 200, body: "legacy"})

	oldM := newTestManager(t, "g1", st, net, func(o *Options) {
		o.Manifest = append(Manifest{"/legacy.js"}, siteManifest...)
	})
	if err := oldM.Install(ctx); err != nil {
		t.Fatal(err)
	}
	// g2 installs a manifest without /legacy.js, and is never activated,
	// so g1's store is still present.
	newM := newTestManager(t, "g2", st, net, nil)
	if err := newM.Install(ctx); err != nil {
		t.Fatal(err)
	}

	net.setOffline(true)
	if _, err := newM.Fetch(ctx, get(t, "/legacy.js")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("g2 served an entry only g1 holds: %v", err)
	}
	resp, err := oldM.Fetch(ctx, get(t, "/legacy.js"))
	if err != nil {
		t.Fatalf("g1 lost its own entry: %v", err)
	}
	_ = readBody(t, resp)
}

func TestFetchCancelledContextSkipsCache(t *testing.T) {
	net := newFakeNet()
	hooks := &recHooks{}
	m := installed(t, "v1", memory.New(), net, func(o *Options) { o.Hooks = hooks })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Fetch(ctx, get(t, "/"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("cancellation must not look like an offline miss")
	}
	if len(hooks.fallbacks) != 0 {
		t.Fatalf("cache consulted after cancellation: %v", hooks.fallbacks)
	}
}

func TestFetchBeforeInstallReadsExistingStoreOnly(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	net := newFakeNet()
	net.setOffline(true)
	m := newTestManager(t, "v1", st, net, nil)

	if _, err := m.Fetch(ctx, get(t, "/")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if has, _ := st.Has(ctx, "v1"); has {
		t.Fatalf("fetch path created a store")
	}
}

func TestRoundTripOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "live:"+r.URL.Path)
	}))

	st := memory.New()
	m, err := New(Options{
		Generation: "v1",
		Manifest:   Manifest{"/", "/offline.html"},
		Origin:     srv.URL,
		Storage:    st,
		Network:    HTTPFetcher{Client: srv.Client()},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	client := &http.Client{Transport: m}
	resp, err := client.Get(srv.URL + "/offline.html")
	if err != nil {
		t.Fatalf("online Get: %v", err)
	}
	if body := readBody(t, resp); body != "live:/offline.html" {
		t.Fatalf("online body=%q", body)
	}

	srv.Close()
	resp, err = client.Get(srv.URL + "/offline.html")
	if err != nil {
		t.Fatalf("offline Get: %v", err)
	}
	if body := readBody(t, resp); body != "live:/offline.html" {
		t.Fatalf("offline body=%q", body)
	}
	if _, err := client.Get(srv.URL + "/elsewhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("offline miss: want ErrNotFound, got %v", err)
	}
}

// ==============================
// Restore
// ==============================

func TestRestoreFromPopulatedStorage(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	net := newFakeNet()
	_ = installed(t, "v1", st, net, nil)
	_, _ = st.Open(ctx, "v0")

	// new process, no network
	net.setOffline(true)
	m := newTestManager(t, "v1", st, net, nil)
	if err := m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state=%s want active", m.State())
	}
	if has, _ := st.Has(ctx, "v0"); has {
		t.Fatalf("restore must sweep stale generations")
	}
	resp, err := m.Fetch(ctx, get(t, "/offline.html"))
	if err != nil {
		t.Fatalf("Fetch after restore: %v", err)
	}
	_ = readBody(t, resp)
}

func TestRestoreRejectsIncompleteStore(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	m := newTestManager(t, "v1", st, newFakeNet(), nil)

	if err := m.Restore(ctx); !errors.Is(err, ErrIncompletePrecache) {
		t.Fatalf("missing store: want ErrIncompletePrecache, got %v", err)
	}
	s, _ := st.Open(ctx, "v1")
	_ = s.Put(ctx, "GET "+testOrigin+"/", &storage.Entry{Status: 200})
	if err := m.Restore(ctx); !errors.Is(err, ErrIncompletePrecache) {
		t.Fatalf("partial store: want ErrIncompletePrecache, got %v", err)
	}
	if m.State() != StateInstalling {
		t.Fatalf("state=%s want installing", m.State())
	}
	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install after failed restore: %v", err)
	}
}

// ==============================
// Construction
// ==============================

func TestNewValidatesOptions(t *testing.T) {
	base := func() Options {
		return Options{
			Generation: "v1",
			Manifest:   Manifest{"/", "/a"},
			Origin:     testOrigin,
			Storage:    memory.New(),
			Network:    newFakeNet(),
		}
	}
	cases := map[string]func(*Options){
		"no generation":     func(o *Options) { o.Generation = "" },
		"no storage":        func(o *Options) { o.Storage = nil },
		"no network":        func(o *Options) { o.Network = nil },
		"empty manifest":    func(o *Options) { o.Manifest = nil },
		"blank entry":       func(o *Options) { o.Manifest = Manifest{"/", " "} },
		"duplicate":         func(o *Options) { o.Manifest = Manifest{"/a", testOrigin + "/a#x"} },
		"other origin":      func(o *Options) { o.Manifest = Manifest{"https://cdn.example/x.js"} },
		"relative origin":   func(o *Options) { o.Origin = "/app" },
		"relative, no base": func(o *Options) { o.Origin = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := base()
			mutate(&o)
			if _, err := New(o); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	o := base()
	o.Origin = ""
	o.Manifest = Manifest{testOrigin + "/", testOrigin + "/a?v=2"}
	m, err := New(o)
	if err != nil {
		t.Fatalf("absolute manifest without origin: %v", err)
	}
	if want := []string{testOrigin + "/", testOrigin + "/a?v=2"}; !reflect.DeepEqual(m.Manifest(), want) {
		t.Fatalf("Manifest=%v want %v", m.Manifest(), want)
	}
}

func TestDeriveGenerationTracksManifest(t *testing.T) {
	a := DeriveGeneration("esfas-app", siteManifest)
	if !strings.HasPrefix(a, "esfas-app-") || len(a) != len("esfas-app-")+8 {
		t.Fatalf("unexpected generation %q", a)
	}
	if DeriveGeneration("esfas-app", siteManifest) != a {
		t.Fatalf("derivation must be stable")
	}
	changed := append(Manifest(nil), siteManifest...)
	changed[1] = "/static/css/style.v2.css"
	if DeriveGeneration("esfas-app", changed) == a {
		t.Fatalf("changed manifest reused generation %q", a)
	}
}

// flakyStorage wraps memory storage with Put faults keyed by URL path:
// drop accepts the write and discards it, fail returns an error.
type flakyStorage struct {
	*memory.Storage
	mu   sync.Mutex
	drop map[string]bool
	fail map[string]bool
}

func newFlakyStorage() *flakyStorage {
	return &flakyStorage{Storage: memory.New(), drop: map[string]bool{}, fail: map[string]bool{}}
}

func (f *flakyStorage) Open(ctx context.Context, name string) (storage.Store, error) {
	s, err := f.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyStore{Store: s, parent: f}, nil
}

type flakyStore struct {
	storage.Store
	parent *flakyStorage
}

func (s *flakyStore) Put(ctx context.Context, key string, e *storage.Entry) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	for path, on := range s.parent.fail {
		if on && strings.HasSuffix(key, testOrigin+path) {
			return errors.New("write failed")
		}
	}
	for path, on := range s.parent.drop {
		if on && strings.HasSuffix(key, testOrigin+path) {
			return nil
		}
	}
	return s.Store.Put(ctx, key, e)
}

func TestInstallDetectsDroppedWrites(t *testing.T) {
	st := newFlakyStorage()
	st.drop["/static/manifest.json"] = true
	m := newTestManager(t, "v1", st, newFakeNet(), nil)

	err := m.Install(context.Background())
	var ierr *InstallError
	if !errors.As(err, &ierr) || !errors.Is(err, ErrIncompletePrecache) {
		t.Fatalf("want *InstallError wrapping ErrIncompletePrecache, got %v", err)
	}
	if ierr.URL != testOrigin+"/static/manifest.json" {
		t.Fatalf("URL=%q", ierr.URL)
	}
	if m.State() != StateRedundant {
		t.Fatalf("state=%s want redundant", m.State())
	}
}

func TestFailedReinstallRestoresPreviousEntries(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStorage()
	net := newFakeNet()
	hooks := &recHooks{}
	m := newTestManager(t, "v1", st, net, func(o *Options) { o.Hooks = hooks })
	if err := m.Install(ctx); err != nil {
		t.Fatal(err)
	}

	for _, p := range siteManifest {
		net.set(p, route{status: 200, body: "new:" + p})
	}
	st.mu.Lock()
	st.fail["/offline.html"] = true
	st.mu.Unlock()

	err := m.Install(ctx)
	var ierr *InstallError
	if !errors.As(err, &ierr) || ierr.URL != testOrigin+"/offline.html" {
		t.Fatalf("want *InstallError for /offline.html, got %v", err)
	}
	if m.State() != StateInstalled {
		t.Fatalf("state=%s want installed", m.State())
	}
	for _, p := range siteManifest {
		if body, ok := storedBody(t, st, "v1", p); !ok || body != "net:"+p {
			t.Fatalf("%s: stored=%q ok=%v, want the previous capture", p, body, ok)
		}
	}
	if !reflect.DeepEqual(hooks.precache, []string{ierr.URL}) {
		t.Fatalf("PrecacheFailed=%v", hooks.precache)
	}
}

func TestInstallOverRistrettoReportsRejection(t *testing.T) {
	ctx := context.Background()
	p, err := ristretto.New(ristretto.Config{NumCounters: 1000, MaxCost: 16, BufferItems: 64})
	if err != nil {
		t.Fatal(err)
	}
	st, err := kv.New(kv.Options{Provider: p})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close(ctx) })

	m := newTestManager(t, "v1", st, newFakeNet(), nil)
	err = m.Install(ctx)
	var ierr *InstallError
	if !errors.As(err, &ierr) || !errors.Is(err, kv.ErrRejected) {
		t.Fatalf("want *InstallError wrapping kv.ErrRejected, got %v", err)
	}
	if m.State() != StateRedundant {
		t.Fatalf("state=%s want redundant", m.State())
	}
}

func TestInstallOverRistretto(t *testing.T) {
	ctx := context.Background()
	p, err := ristretto.New(ristretto.Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatal(err)
	}
	st, err := kv.New(kv.Options{Provider: p})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close(ctx) })

	net := newFakeNet()
	m := installed(t, "v1", st, net, nil)
	net.setOffline(true)
	for _, path := range siteManifest {
		resp, err := m.Fetch(ctx, get(t, path))
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if body := readBody(t, resp); body != "net:"+path {
			t.Fatalf("%s: body=%q", path, body)
		}
	}
}
