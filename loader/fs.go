package loader

import (
	"context"
	"io/fs"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/bundle"
	"github.com/wippyai/bundle-runtime/errors"
)

// FSLoader loads bundles from an fs.FS, such as an embed.FS of assets.
// Resources are read into memory; indexed archives still decode modules lazily.
type FSLoader struct {
	fsys   fs.FS
	base   *basePath
	suffix string
}

var _ Loader = (*FSLoader)(nil)

// NewFSLoader creates a loader over fsys. Identifiers are slash-separated
// paths valid for fs.ReadFile.
func NewFSLoader(fsys fs.FS, opts ...Option) *FSLoader {
	o := buildOptions(opts)
	return &FSLoader{
		fsys:   fsys,
		base:   newBasePath(o.basePath),
		suffix: o.suffix,
	}
}

func (l *FSLoader) Bundle(ctx context.Context, identifier string) (bundle.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(identifier) {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Path(identifier).
			Detail("invalid asset path").
			Build()
	}
	l.base.observe(identifier, slashSeps)

	data, err := fs.ReadFile(l.fsys, identifier)
	if err != nil {
		if errors.IsNotExist(err) {
			return nil, errors.BundleNotFound(identifier, err)
		}
		return nil, errors.IO(errors.PhaseLoad, "read asset "+identifier, err)
	}

	s := bundle.NewMemoryStorage(data)
	if bundle.IsIndexed(s) {
		b, err := bundle.NewIndexed(s, identifier, identifier)
		if err != nil {
			return nil, err
		}
		Logger().Debug("loaded indexed asset bundle",
			zap.String("url", identifier),
			zap.Int("modules", b.NumModules()),
		)
		return b, nil
	}
	return bundle.NewPlain(data, identifier), nil
}

func (l *FSLoader) BundleURL(name string) string {
	return l.base.url(name, l.suffix)
}
