package bundle

import (
	"github.com/wippyai/bundle-runtime/errors"
)

// Type tags the Bundle variant.
type Type int

const (
	TypePlain Type = iota + 1
	TypeIndexed
)

func (t Type) String() string {
	switch t {
	case TypePlain:
		return "plain"
	case TypeIndexed:
		return "indexed"
	default:
		return "unknown"
	}
}

// Bundle is one loaded script payload. The set of implementations is closed:
// *PlainBundle and *IndexedBundle.
type Bundle interface {
	// SourceURL is the stable logical identifier used for resolution.
	SourceURL() string
	Type() Type
	// StartupScript returns the script evaluated first: the whole script of a
	// plain bundle, module 0 of an indexed one.
	StartupScript() string
	// Close releases storage held by the bundle.
	Close() error

	sealed()
}

// Module is one decoded module of an indexed bundle.
type Module struct {
	Code string
	ID   uint32
}

// PlainBundle holds a single immutable script.
type PlainBundle struct {
	script    string
	sourceURL string
}

// NewPlain creates a plain bundle from script source.
func NewPlain(script []byte, sourceURL string) *PlainBundle {
	return &PlainBundle{
		script:    string(script),
		sourceURL: sourceURL,
	}
}

func (b *PlainBundle) SourceURL() string     { return b.sourceURL }
func (b *PlainBundle) Type() Type            { return TypePlain }
func (b *PlainBundle) StartupScript() string { return b.script }
func (b *PlainBundle) Script() string        { return b.script }
func (b *PlainBundle) Close() error          { return nil }
func (b *PlainBundle) sealed()               {}

// AsIndexed returns b as an indexed bundle, or a NotAnIndexedBundle error.
func AsIndexed(b Bundle) (*IndexedBundle, error) {
	switch v := b.(type) {
	case *IndexedBundle:
		return v, nil
	case *PlainBundle:
		return nil, errors.NotAnIndexedBundle(v.SourceURL())
	default:
		return nil, errors.InvalidInput(errors.PhaseResolve, "nil bundle")
	}
}
