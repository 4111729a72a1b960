package loader

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/bundle"
	"github.com/wippyai/bundle-runtime/errors"
)

// FileLoader loads bundles from the local filesystem. Identifiers are paths.
type FileLoader struct {
	base   *basePath
	suffix string
	mmap   bool
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader creates a filesystem loader.
func NewFileLoader(opts ...Option) *FileLoader {
	o := buildOptions(opts)
	return &FileLoader{
		base:   newBasePath(o.basePath),
		suffix: o.suffix,
		mmap:   o.mmap,
	}
}

// Bundle opens the file at identifier. Indexed archives keep the file open
// for lazy module reads; anything else is read whole as a plain script.
func (l *FileLoader) Bundle(ctx context.Context, identifier string) (bundle.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.base.observe(identifier, fileSeps)

	s, err := l.open(identifier)
	if err != nil {
		return nil, err
	}

	if bundle.IsIndexed(s) {
		b, err := bundle.NewIndexed(s, identifier, identifier)
		if err != nil {
			s.Close()
			return nil, err
		}
		Logger().Debug("loaded indexed bundle",
			zap.String("url", identifier),
			zap.Int("modules", b.NumModules()),
			zap.Bool("mmap", l.mmap),
		)
		return b, nil
	}

	defer s.Close()
	script, err := io.ReadAll(io.NewSectionReader(s, 0, s.Size()))
	if err != nil {
		return nil, errors.IO(errors.PhaseLoad, "read "+identifier, err)
	}
	Logger().Debug("loaded plain bundle",
		zap.String("url", identifier),
		zap.Int("bytes", len(script)),
	)
	return bundle.NewPlain(script, identifier), nil
}

// BundleURL returns the base prefix followed by name+suffix.
func (l *FileLoader) BundleURL(name string) string {
	return l.base.url(name, l.suffix)
}

func (l *FileLoader) open(identifier string) (bundle.Storage, error) {
	if l.mmap {
		return bundle.MapFile(identifier)
	}
	return bundle.OpenFile(identifier)
}
