package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/queue"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. It overrides the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPreloadHook runs fn on the environment queue right after the bridge
// of a preloaded environment is constructed.
func WithPreloadHook(fn func(ctx context.Context, envID string)) Option {
	return func(r *Registry) {
		r.preloadHook = fn
	}
}

// WithQueueFactory replaces the constructor of environment queues.
func WithQueueFactory(fn func(name string) *queue.Queue) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newQueue = fn
		}
	}
}
