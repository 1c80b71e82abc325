package offcache

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/offcache/storage"
)

const (
	defaultInstallConcurrency = 4
	tracerName                = "github.com/unkn0wn-root/offcache"
)

// Options configure one Manager (one deployment).
// Generation, Manifest, Storage and Network are required; Origin is
// required when the manifest holds relative URLs.
type Options struct {
	// Required
	Generation string   // e.g. "esfas-app-v6.0"; bump whenever Manifest changes
	Manifest   Manifest // precached by Install
	Storage    storage.Storage
	Network    Fetcher

	Origin             string  // base URL for relative manifest entries
	InstallNetwork     Fetcher // nil => Network; lets Install follow redirects the proxy path must not
	InstallConcurrency int     // parallel precache fetches; 0 => 4

	// DisableSkipWaiting keeps an installed manager waiting in its
	// Registration until Promote, instead of taking over at once.
	DisableSkipWaiting bool

	Logger         Logger               // if nil, NopLogger is used
	Hooks          Hooks                // if nil, NopHooks is used
	TracerProvider trace.TracerProvider // nil => otel global provider
	Now            func() time.Time     // nil => time.Now
}

func New(opts Options) (*Manager, error) {
	if opts.Generation == "" {
		return nil, fmt.Errorf("offcache: generation is required")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("offcache: storage is required")
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("offcache: network is required")
	}
	origin, err := parseOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	targets, err := opts.Manifest.resolve(origin)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		gen:         opts.Generation,
		targets:     targets,
		storage:     opts.Storage,
		network:     opts.Network,
		skipWaiting: !opts.DisableSkipWaiting,
		state:       StateInstalling,
	}

	m.installNet = coalesce[Fetcher](opts.InstallNetwork, opts.Network)
	m.concurrency = coalesce(opts.InstallConcurrency, defaultInstallConcurrency)
	m.log = coalesce[Logger](opts.Logger, NopLogger{})
	m.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m.tracer = tp.Tracer(tracerName)

	if opts.Now != nil {
		m.now = opts.Now
	} else {
		m.now = time.Now
	}
	return m, nil
}
