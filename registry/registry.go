// Package registry owns loaded bundles and the execution environments that
// run them.
//
// A Registry keeps a table of environments by id and a table of bundles by
// URL. Each environment has its own dispatch queue; bridge construction,
// startup evaluation and every bundle load requested by script code run
// serially on that queue. The registry lock guards only table access, so
// bundle I/O never blocks unrelated environments.
//
// Typical host usage:
//
//	reg, _ := registry.New(luabridge.NewFactory())
//	defer reg.Close(ctx)
//	reg.PreloadEnvironment(ctx, "main")
//	reg.RunInPreloadedEnvironment(ctx, "main", "dist/main.bundle", loader.NewFileLoader())
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/bundle-runtime/bridge"
	"github.com/wippyai/bundle-runtime/bundle"
	"github.com/wippyai/bundle-runtime/errors"
	"github.com/wippyai/bundle-runtime/loader"
	"github.com/wippyai/bundle-runtime/queue"
)

// Registry maps environment ids to environments and URLs to bundles.
type Registry struct {
	factory     bridge.Factory
	logger      *zap.Logger
	preloadHook func(ctx context.Context, envID string)
	newQueue    func(name string) *queue.Queue

	loads singleflight.Group

	mu      sync.Mutex
	envs    map[string]*Environment
	bundles map[string]bundle.Bundle
	// replaced bundles stay open until Close; scripts may still hold
	// module values read from them
	retired []bundle.Bundle
	loader  loader.Loader
	closed  bool
}

// New creates a registry whose environments get bridges from factory.
func New(factory bridge.Factory, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, errors.InvalidInput(errors.PhaseRegistry, "bridge factory is nil")
	}
	r := &Registry{
		factory:  factory,
		logger:   Logger(),
		newQueue: queue.New,
		envs:     make(map[string]*Environment),
		bundles:  make(map[string]bundle.Bundle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// PreloadEnvironment creates environment id and constructs its bridge on
// the environment queue. It blocks until construction finished.
func (r *Registry) PreloadEnvironment(ctx context.Context, id string) error {
	if id == "" {
		return errors.InvalidInput(errors.PhaseRegistry, "environment id is empty")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.Closed(errors.PhaseRegistry, "registry")
	}
	if _, ok := r.envs[id]; ok {
		r.mu.Unlock()
		return errors.DuplicateEnvironment(id)
	}
	env := newEnvironment(id, r.newQueue("env:"+id))
	env.state = StatePreloading
	r.envs[id] = env
	r.mu.Unlock()

	err := env.queue.RunSync(ctx, func(ctx context.Context) error {
		br, err := r.factory(ctx, id)
		if err != nil {
			return err
		}
		if br == nil {
			return errors.InvalidInput(errors.PhaseBridge, "bridge factory returned nil")
		}
		env.bridge = br
		if r.preloadHook != nil {
			r.preloadHook(ctx, id)
		}
		return nil
	})
	if err != nil {
		env.fail()
		r.logger.Warn("preload failed", zap.String("env", id), zap.Error(err))
		return errors.Startup(id, "construct bridge", err)
	}

	if !env.advance(StatePreloaded, StatePreloading) {
		return errors.InvalidState(errors.PhaseRegistry, id, env.State().String())
	}
	r.logger.Debug("environment preloaded", zap.String("env", id))
	return nil
}

// RunInPreloadedEnvironment resolves initialBundleURL through l and
// evaluates its startup script in environment id. The first non-nil
// loader handed to the registry is kept and serves every later
// resolution.
//
// Any failure leaves the environment failed; recovery means a new id.
func (r *Registry) RunInPreloadedEnvironment(ctx context.Context, id, initialBundleURL string, l loader.Loader) error {
	env, err := r.Environment(id)
	if err != nil {
		return err
	}
	if l == nil && r.currentLoader() == nil {
		return errors.InvalidInput(errors.PhaseRegistry, "no bundle loader")
	}
	if err := env.beginRun(); err != nil {
		return err
	}
	l = r.adoptLoader(l)

	log := r.logger.With(zap.String("env", id), zap.String("url", initialBundleURL))

	if _, err := r.fetch(ctx, l, initialBundleURL, false); err != nil {
		env.fail()
		log.Warn("initial bundle failed", zap.Error(err))
		return errors.Startup(id, "resolve initial bundle", err)
	}
	env.setBundleURL(initialBundleURL)

	step := "schedule startup"
	err = env.queue.RunSync(ctx, func(ctx context.Context) error {
		step = "lookup initial bundle"
		b, ok := r.Bundle(initialBundleURL)
		if !ok {
			return errors.BundleNotLoaded(initialBundleURL)
		}
		step = "install resolver"
		if err := env.bridge.Setup(ctx, &resolver{reg: r, env: env}); err != nil {
			return err
		}
		step = "evaluate startup script"
		return env.bridge.LoadScript(ctx, b.StartupScript(), b.SourceURL())
	})
	if err != nil {
		env.fail()
		log.Warn("startup failed", zap.String("step", step), zap.Error(err))
		return errors.Startup(id, step, err)
	}

	if !env.advance(StateReady, StateLoading) {
		return errors.InvalidState(errors.PhaseStartup, id, env.State().String())
	}
	log.Info("environment ready")
	return nil
}

// DisposeEnvironments destroys every environment's bridge on its queue and
// stops the queue. Environments stay in the table as disposed. Calling it
// again is a no-op for environments already disposed.
func (r *Registry) DisposeEnvironments(ctx context.Context) error {
	var errs error
	for _, env := range r.environments() {
		errs = multierr.Append(errs, r.dispose(ctx, env))
	}
	return errs
}

func (r *Registry) dispose(ctx context.Context, env *Environment) error {
	if !env.markDisposed() {
		return nil
	}
	err := env.queue.RunSync(ctx, func(ctx context.Context) error {
		if env.bridge == nil {
			return nil
		}
		br := env.bridge
		env.bridge = nil
		return br.Destroy(ctx)
	})
	env.queue.Close()
	if err != nil {
		r.logger.Warn("dispose failed", zap.String("env", env.id), zap.Error(err))
		kind := errors.KindOf(err)
		if kind == "" {
			kind = errors.KindInvalidState
		}
		return errors.New(errors.PhaseRegistry, kind).
			Path(env.id).
			Detail("dispose environment").
			Cause(err).
			Build()
	}
	r.logger.Debug("environment disposed", zap.String("env", env.id))
	return nil
}

// Environment returns environment id.
func (r *Registry) Environment(id string) (*Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[id]
	if !ok {
		return nil, errors.UnknownEnvironment(id)
	}
	return env, nil
}

// HasEnvironment reports whether id was ever preloaded.
func (r *Registry) HasEnvironment(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.envs[id]
	return ok
}

// Environments returns all environment ids in sorted order.
func (r *Registry) Environments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.envs))
	for id := range r.envs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) environments() []*Environment {
	ids := r.Environments()
	r.mu.Lock()
	defer r.mu.Unlock()
	envs := make([]*Environment, 0, len(ids))
	for _, id := range ids {
		envs = append(envs, r.envs[id])
	}
	return envs
}

// Bundle returns the cached bundle for url.
func (r *Registry) Bundle(url string) (bundle.Bundle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bundles[url]
	return b, ok
}

// Loader returns the adopted loader, or nil before the first run.
func (r *Registry) Loader() loader.Loader {
	return r.currentLoader()
}

// Close disposes all environments and releases every bundle, including
// replaced ones. The registry rejects new environments afterwards.
func (r *Registry) Close(ctx context.Context) error {
	errs := r.DisposeEnvironments(ctx)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs
	}
	r.closed = true
	open := r.retired
	for _, b := range r.bundles {
		open = append(open, b)
	}
	r.retired = nil
	r.bundles = make(map[string]bundle.Bundle)
	r.mu.Unlock()

	for _, b := range open {
		errs = multierr.Append(errs, b.Close())
	}
	return errs
}

func (r *Registry) currentLoader() loader.Loader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loader
}

// adoptLoader keeps the first non-nil loader and returns the one in use.
func (r *Registry) adoptLoader(l loader.Loader) loader.Loader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loader == nil && l != nil {
		r.loader = l
	}
	return r.loader
}

// fetch returns the bundle for url. Unless reload is set a cached bundle is
// reused. Concurrent fetches of one URL share a single load; the first
// caller's reload flag decides whether the cache is consulted.
func (r *Registry) fetch(ctx context.Context, l loader.Loader, url string, reload bool) (bundle.Bundle, error) {
	if !reload {
		if b, ok := r.Bundle(url); ok {
			return b, nil
		}
	}

	v, err, shared := r.loads.Do(url, func() (any, error) {
		if !reload {
			if b, ok := r.Bundle(url); ok {
				return b, nil
			}
		}
		b, err := l.Bundle(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := r.store(url, b); err != nil {
			b.Close()
			return nil, err
		}
		r.logger.Debug("bundle cached",
			zap.String("url", url),
			zap.Stringer("type", b.Type()),
			zap.Bool("reload", reload),
		)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("bundle load shared", zap.String("url", url))
	}
	return v.(bundle.Bundle), nil
}

func (r *Registry) store(url string, b bundle.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Closed(errors.PhaseRegistry, "registry")
	}
	if old, ok := r.bundles[url]; ok && old != b {
		r.retired = append(r.retired, old)
	}
	r.bundles[url] = b
	return nil
}
