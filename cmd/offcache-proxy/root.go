package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/offcache"
	"github.com/unkn0wn-root/offcache/codec"
	"github.com/unkn0wn-root/offcache/genstore"
	asynchook "github.com/unkn0wn-root/offcache/hooks/async"
	promhooks "github.com/unkn0wn-root/offcache/hooks/prom"
	"github.com/unkn0wn-root/offcache/internal/config"
	"github.com/unkn0wn-root/offcache/internal/httpserver"
	offzap "github.com/unkn0wn-root/offcache/log/zap"
	"github.com/unkn0wn-root/offcache/provider"
	"github.com/unkn0wn-root/offcache/provider/bigcache"
	redisprovider "github.com/unkn0wn-root/offcache/provider/redis"
	"github.com/unkn0wn-root/offcache/provider/ristretto"
	"github.com/unkn0wn-root/offcache/storage"
	"github.com/unkn0wn-root/offcache/storage/kv"
	"github.com/unkn0wn-root/offcache/storage/memory"
)

// CompositionRoot holds every long-lived dependency of the proxy.
type CompositionRoot struct {
	Config       *config.Config
	Logger       *zap.Logger
	Registration *offcache.Registration
	HTTPServer   *httpserver.Server

	storage storage.Storage
	newMgr  func() (*offcache.Manager, error)
	hooks   *asynchook.Hooks
	closers []func(context.Context) error
}

func NewCompositionRoot(configPath string) (*CompositionRoot, error) {
	bootLogger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	cfg, err := config.LoadConfig(configPath, bootLogger)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	root := &CompositionRoot{Config: cfg, Logger: logger}
	if err := root.init(context.Background()); err != nil {
		_ = root.Cleanup()
		return nil, err
	}
	return root, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func (r *CompositionRoot) init(ctx context.Context) error {
	cfg := r.Config

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := r.newStorage(ctx, cfg.Storage, metrics)
	if err != nil {
		return fmt.Errorf("storage %s: %w", cfg.Storage.Backend, err)
	}
	r.storage = st

	ph, err := promhooks.New(metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	r.hooks = asynchook.New(ph, 1, 1024)

	// The proxy path hands redirects to the browser; install follows them.
	network := offcache.HTTPFetcher{Client: &http.Client{
		Timeout: cfg.UpstreamTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
	installNetwork := offcache.HTTPFetcher{Client: &http.Client{Timeout: cfg.UpstreamTimeout}}

	generation := cfg.Generation
	if generation == "" {
		generation = offcache.DeriveGeneration(cfg.GenerationPrefix, cfg.Manifest)
	}
	libLogger := offzap.ZapLogger{L: r.Logger.Named("offcache")}

	r.newMgr = func() (*offcache.Manager, error) {
		return offcache.New(offcache.Options{
			Generation:         generation,
			Manifest:           cfg.Manifest,
			Origin:             upstream.String(),
			Storage:            st,
			Network:            network,
			InstallNetwork:     installNetwork,
			InstallConcurrency: cfg.InstallConcurrency,
			Logger:             libLogger,
			Hooks:              r.hooks,
		})
	}
	// fail on a bad manifest now rather than at bootstrap
	if _, err := r.newMgr(); err != nil {
		return err
	}

	r.Registration = offcache.NewRegistration(offcache.RegistrationOptions{
		Network: network,
		Logger:  libLogger,
	})
	r.HTTPServer = httpserver.NewServer(r.Registration, upstream, metrics, r.Logger)
	return nil
}

// Bootstrap installs the configured generation. When the upstream is
// unreachable it resumes the generation from storage instead; if that fails
// too, the proxy runs without an offline cache.
func (r *CompositionRoot) Bootstrap(ctx context.Context) {
	m, err := r.newMgr()
	if err != nil {
		r.Logger.Error("Failed to create manager", zap.Error(err))
		return
	}
	start := time.Now()
	deployErr := r.Registration.Deploy(ctx, m)
	if deployErr == nil {
		r.Logger.Info("Generation installed",
			zap.String("generation", m.Generation()),
			zap.Int("entries", len(m.Manifest())),
			zap.Duration("took", time.Since(start)))
		return
	}

	// m is redundant now; resume with a fresh one
	m, err = r.newMgr()
	if err != nil {
		r.Logger.Error("Failed to create manager", zap.Error(err))
		return
	}
	if err := r.Registration.Resume(ctx, m); err != nil {
		r.Logger.Error("Serving without offline cache",
			zap.String("generation", m.Generation()),
			zap.NamedError("deploy_err", deployErr),
			zap.NamedError("resume_err", err))
		return
	}
	r.Logger.Warn("Upstream unavailable; resumed generation from storage",
		zap.String("generation", m.Generation()),
		zap.Error(deployErr))
}

func (r *CompositionRoot) newStorage(ctx context.Context, cfg config.StorageConfig, metrics prometheus.Registerer) (storage.Storage, error) {
	if cfg.Backend == config.BackendMemory {
		return memory.New(), nil
	}

	var (
		p   provider.Provider
		reg genstore.Registry
		err error
	)
	switch cfg.Backend {
	case config.BackendBigCache:
		p, err = bigcache.New(ctx, bigcache.Config{
			HardMaxCacheSizeMB: cfg.BigCache.HardMaxCacheSizeMB,
			MaxEntrySize:       cfg.BigCache.MaxEntrySize,
		})
	case config.BackendRistretto:
		var rp *ristretto.Provider
		rp, err = ristretto.New(ristretto.Config{
			NumCounters: cfg.Ristretto.NumCounters,
			MaxCost:     cfg.Ristretto.MaxCost,
			BufferItems: cfg.Ristretto.BufferItems,
			Metrics:     cfg.Ristretto.Metrics,
		})
		if err == nil && cfg.Ristretto.Metrics {
			err = registerRistrettoMetrics(metrics, rp)
		}
		p = rp
	case config.BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		r.closers = append(r.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if p, err = redisprovider.New(redisprovider.Config{Client: rdb}); err != nil {
			return nil, err
		}
		reg, err = genstore.NewRedis(genstore.RedisConfig{Client: rdb, Namespace: cfg.Namespace})
	default:
		return nil, errors.New("unknown backend")
	}
	if err != nil {
		return nil, err
	}

	entryCodec, err := newEntryCodec(cfg)
	if err != nil {
		return nil, err
	}
	s, err := kv.New(kv.Options{
		Provider:  p,
		Registry:  reg,
		Codec:     entryCodec,
		Namespace: cfg.Namespace,
		OnSelfHeal: func(storageKey, reason string) {
			r.Logger.Warn("Dropped unreadable cache entry", zap.String("key", storageKey), zap.String("reason", reason))
		},
	})
	if err != nil {
		return nil, err
	}
	// runs before the client closer registered above
	r.closers = append([]func(context.Context) error{s.Close}, r.closers...)
	return s, nil
}

// registerRistrettoMetrics exports the provider's admission and eviction
// counters; rejected sets are what fail an install on this backend.
func registerRistrettoMetrics(reg prometheus.Registerer, p *ristretto.Provider) error {
	m := p.Metrics()
	counters := map[string]func() uint64{
		"hits":          m.Hits,
		"misses":        m.Misses,
		"keys_added":    m.KeysAdded,
		"keys_evicted":  m.KeysEvicted,
		"sets_rejected": m.SetsRejected,
		"sets_dropped":  m.SetsDropped,
	}
	for name, read := range counters {
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "offcache_ristretto_" + name + "_total",
			Help: "Ristretto " + strings.ReplaceAll(name, "_", " "),
		}, func() float64 { return float64(read()) })
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func newEntryCodec(cfg config.StorageConfig) (codec.Codec[storage.Entry], error) {
	var c codec.Codec[storage.Entry]
	switch cfg.Codec {
	case config.CodecCBOR:
		cb, err := codec.NewCBOR[storage.Entry](true)
		if err != nil {
			return nil, err
		}
		c = cb
	case config.CodecMsgpack:
		c = codec.Msgpack[storage.Entry]{}
	case config.CodecJSON:
		c = codec.JSON[storage.Entry]{}
	case config.CodecProto:
		c = codec.ProtoEntry{}
	default:
		return nil, fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	if cfg.MaxEntryBytes > 0 {
		c = codec.Limit[storage.Entry]{Inner: c, Max: cfg.MaxEntryBytes}
	}
	return c, nil
}

// Cleanup flushes hooks, closes storage and syncs the logger.
func (r *CompositionRoot) Cleanup() error {
	if r.hooks != nil {
		r.hooks.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, c := range r.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	_ = r.Logger.Sync()
	return errors.Join(errs...)
}
