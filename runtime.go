package bundleruntime

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/bridge"
	"github.com/wippyai/bundle-runtime/bridge/luabridge"
	"github.com/wippyai/bundle-runtime/errors"
	"github.com/wippyai/bundle-runtime/loader"
	"github.com/wippyai/bundle-runtime/registry"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	factory bridge.Factory
	loader  loader.Loader
	logger  *zap.Logger
	regOpts []registry.Option
}

// WithBridgeFactory replaces the default gopher-lua bridge.
func WithBridgeFactory(f bridge.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithLoader sets the loader used to resolve bundles. The default is a
// FileLoader with default options.
func WithLoader(l loader.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithLogger sets the logger of the runtime and its registry.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistryOptions passes options through to the registry.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *options) { o.regOpts = append(o.regOpts, opts...) }
}

// Runtime is the host entry point: a registry bound to one loader.
type Runtime struct {
	reg    *registry.Registry
	loader loader.Loader
	logger *zap.Logger
}

// New creates a runtime.
func New(opts ...Option) (*Runtime, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		o.factory = luabridge.NewFactory()
	}
	if o.loader == nil {
		o.loader = loader.NewFileLoader()
	}

	regOpts := append([]registry.Option{registry.WithLogger(o.logger)}, o.regOpts...)
	reg, err := registry.New(o.factory, regOpts...)
	if err != nil {
		return nil, err
	}
	return &Runtime{reg: reg, loader: o.loader, logger: o.logger}, nil
}

// Close disposes every environment and releases every bundle.
func (r *Runtime) Close(ctx context.Context) error {
	return r.reg.Close(ctx)
}

// Registry exposes the underlying registry.
func (r *Runtime) Registry() *registry.Registry {
	return r.reg
}

// Loader returns the loader bundles are resolved with.
func (r *Runtime) Loader() loader.Loader {
	return r.loader
}

// PreloadEnvironment creates environment id and constructs its bridge.
func (r *Runtime) PreloadEnvironment(ctx context.Context, id string) error {
	return r.reg.PreloadEnvironment(ctx, id)
}

// RunInPreloadedEnvironment evaluates the bundle at initialBundleURL in a
// preloaded environment.
func (r *Runtime) RunInPreloadedEnvironment(ctx context.Context, id, initialBundleURL string) error {
	return r.reg.RunInPreloadedEnvironment(ctx, id, initialBundleURL, r.loader)
}

// Start preloads environment id and runs initialBundleURL in it.
func (r *Runtime) Start(ctx context.Context, id, initialBundleURL string) error {
	if err := r.reg.PreloadEnvironment(ctx, id); err != nil {
		return err
	}
	if err := r.RunInPreloadedEnvironment(ctx, id, initialBundleURL); err != nil {
		return err
	}
	r.logger.Info("started environment", zap.String("env", id), zap.String("url", initialBundleURL))
	return nil
}

// StartAsync runs Start on a new goroutine and returns at once. The channel
// receives Start's result and is then closed. Canceling ctx abandons waits
// on the environment queue but not a startup step already running.
func (r *Runtime) StartAsync(ctx context.Context, id, initialBundleURL string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := r.Start(ctx, id, initialBundleURL)
		if err != nil {
			r.logger.Warn("async start failed", zap.String("env", id), zap.Error(err))
		}
		done <- err
	}()
	return done
}

// DisposeEnvironments destroys every environment.
func (r *Runtime) DisposeEnvironments(ctx context.Context) error {
	return r.reg.DisposeEnvironments(ctx)
}

// Environment returns environment id.
func (r *Runtime) Environment(id string) (*registry.Environment, error) {
	return r.reg.Environment(id)
}

// HasEnvironment reports whether environment id exists.
func (r *Runtime) HasEnvironment(id string) bool {
	return r.reg.HasEnvironment(id)
}

// Environments lists environment ids.
func (r *Runtime) Environments() []string {
	return r.reg.Environments()
}

// LoadBundle loads bundleName into a running environment as if the
// environment's own script had requested it.
func (r *Runtime) LoadBundle(ctx context.Context, envID, bundleName string) error {
	env, err := r.reg.Environment(envID)
	if err != nil {
		return err
	}
	if !env.Valid() {
		return errors.InvalidState(errors.PhaseResolve, envID, env.State().String())
	}
	return r.reg.Resolver(env).LoadBundle(ctx, bundleName, true)
}
