package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/bridge"
	"github.com/wippyai/bundle-runtime/bundle"
	"github.com/wippyai/bundle-runtime/errors"
)

// resolver serves module and bundle requests from script code running in env.
type resolver struct {
	reg *Registry
	env *Environment
}

var _ bridge.Resolver = (*resolver)(nil)

func (res *resolver) url(bundleName string) (string, error) {
	l := res.reg.currentLoader()
	if l == nil {
		return "", errors.InvalidInput(errors.PhaseResolve, "no bundle loader")
	}
	return l.BundleURL(bundleName), nil
}

// Module reads a module of an already loaded indexed bundle. It never
// triggers a load.
func (res *resolver) Module(ctx context.Context, moduleID uint32, bundleName string) (bundle.Module, error) {
	url, err := res.url(bundleName)
	if err != nil {
		return bundle.Module{}, err
	}
	b, ok := res.reg.Bundle(url)
	if !ok {
		return bundle.Module{}, errors.BundleNotLoaded(url)
	}
	ib, err := bundle.AsIndexed(b)
	if err != nil {
		return bundle.Module{}, err
	}
	return ib.Module(moduleID)
}

// LoadBundle fetches bundleName again and evaluates its startup script on
// the environment queue. Called from script code the context is already
// on that queue and the load runs inline.
func (res *resolver) LoadBundle(ctx context.Context, bundleName string, inCurrentEnvironment bool) error {
	if !inCurrentEnvironment {
		return errors.UnsupportedTarget(bundleName)
	}
	url, err := res.url(bundleName)
	if err != nil {
		return err
	}

	return res.env.queue.RunSync(ctx, func(ctx context.Context) error {
		if res.env.bridge == nil {
			return errors.InvalidState(errors.PhaseResolve, res.env.id, res.env.State().String())
		}
		b, err := res.reg.fetch(ctx, res.reg.currentLoader(), url, true)
		if err != nil {
			return err
		}
		res.reg.logger.Debug("loading bundle",
			zap.String("env", res.env.id),
			zap.String("url", url),
		)
		return res.env.bridge.LoadScript(ctx, b.StartupScript(), b.SourceURL())
	})
}

// Resolver returns the resolver bound to env, the same capability its
// bridge receives in Setup. Hosts use it to load bundles on behalf of the
// environment.
func (r *Registry) Resolver(env *Environment) bridge.Resolver {
	return &resolver{reg: r, env: env}
}
