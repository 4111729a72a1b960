// Package bridge defines the contract between the registry and a scripting
// engine binding.
//
// The registry constructs one Bridge per execution environment, on that
// environment's queue, and drives it through Setup, LoadScript and Destroy.
// Every call happens on the environment queue; implementations need no
// locking of their own. Calls are synchronous: they return once the engine
// has finished with the script.
//
// Script code reaches back into the runtime through the Resolver handed to
// Setup. Implementations must pass the context they received to the
// resolver so re-entrant loads run inline on the environment queue.
package bridge

import (
	"context"

	"github.com/wippyai/bundle-runtime/bundle"
)

// Resolver is the capability running script code uses to pull more code.
// One Resolver is bound to one environment and stays valid for its lifetime.
type Resolver interface {
	// Module returns module moduleID of the loaded indexed bundle named bundleName.
	Module(ctx context.Context, moduleID uint32, bundleName string) (bundle.Module, error)

	// LoadBundle fetches the bundle named bundleName and evaluates its startup
	// script. Only inCurrentEnvironment == true is supported.
	LoadBundle(ctx context.Context, bundleName string, inCurrentEnvironment bool) error
}

// Bridge drives script evaluation for one environment.
type Bridge interface {
	// Setup installs the resolver. It is called once, before the first LoadScript.
	Setup(ctx context.Context, r Resolver) error

	// LoadScript evaluates script, attributing it to sourceURL.
	LoadScript(ctx context.Context, script, sourceURL string) error

	// Destroy releases the engine. No other call follows it.
	Destroy(ctx context.Context) error
}

// Factory constructs the bridge for environment envID.
type Factory func(ctx context.Context, envID string) (Bridge, error)
