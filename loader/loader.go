// Package loader resolves logical bundle names and identifiers to bundles.
//
// A Loader does two things: it maps a logical bundle name to the identifier
// (URL) the registry caches bundles under, and it turns an identifier into a
// concrete bundle.Bundle, choosing the indexed or plain variant by sniffing
// the archive signature. Loaders never retry; a missing resource is a
// BundleNotFound error and any other failure is an IOError.
package loader

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wippyai/bundle-runtime/bundle"
)

// DefaultSuffix is appended to bundle names by BundleURL.
const DefaultSuffix = ".bundle"

// Loader resolves bundles for a registry.
type Loader interface {
	// Bundle loads the bundle stored under identifier. The caller owns the result.
	Bundle(ctx context.Context, identifier string) (bundle.Bundle, error)

	// BundleURL maps a logical bundle name to an identifier. It has no side
	// effects and is deterministic for a given loader state.
	BundleURL(name string) string
}

// Option configures FileLoader and FSLoader.
type Option func(*options)

type options struct {
	basePath string
	suffix   string
	mmap     bool
}

// WithBasePath fixes the directory BundleURL resolves names against. Without
// it the directory of the first loaded identifier is used.
func WithBasePath(dir string) Option {
	return func(o *options) {
		o.basePath = dir
	}
}

// WithSuffix overrides DefaultSuffix.
func WithSuffix(suffix string) Option {
	return func(o *options) {
		o.suffix = suffix
	}
}

// WithMmap memory-maps indexed archives. Only FileLoader honors it.
func WithMmap() Option {
	return func(o *options) {
		o.mmap = true
	}
}

func buildOptions(opts []Option) options {
	o := options{suffix: DefaultSuffix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// basePath remembers the directory prefix bundle names resolve against.
// The prefix is kept exactly as it appeared in the first identifier so that
// names resolve to the same spelling the registry cached that bundle under.
type basePath struct {
	dir   string
	fixed bool
	mu    sync.RWMutex
}

func newBasePath(dir string) *basePath {
	if dir == "" {
		return &basePath{}
	}
	if !strings.HasSuffix(dir, "/") && !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += "/"
	}
	return &basePath{dir: dir, fixed: true}
}

// observe records the prefix of identifier up to its last separator unless a
// base path is set.
func (p *basePath) observe(identifier, seps string) {
	p.mu.RLock()
	fixed := p.fixed
	p.mu.RUnlock()
	if fixed {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fixed {
		p.dir = identifier[:strings.LastIndexAny(identifier, seps)+1]
		p.fixed = true
	}
}

func (p *basePath) url(name, suffix string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dir + name + suffix
}

// Separators recognized in identifiers.
const (
	slashSeps = "/"
	fileSeps  = "/" + string(filepath.Separator)
)
