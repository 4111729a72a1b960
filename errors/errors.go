package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"unicode/utf8"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseRead     Phase = "read"     // archive/storage reads
	PhaseLoad     Phase = "load"     // bundle resolution and loading
	PhaseRegistry Phase = "registry" // environment table operations
	PhaseStartup  Phase = "startup"  // environment startup sequence
	PhaseResolve  Phase = "resolve"  // module/bundle requests from script code
	PhaseBridge   Phase = "bridge"   // scripting engine calls
	PhaseQueue    Phase = "queue"    // dispatch queue submissions
	PhaseConfig   Phase = "config"   // manifest parsing
)

// Kind categorizes the error
type Kind string

const (
	KindDuplicateEnvironment      Kind = "duplicate_environment"
	KindUnknownEnvironment        Kind = "unknown_environment"
	KindEnvironmentAlreadyRunning Kind = "environment_already_running"
	KindInvalidState              Kind = "invalid_state"
	KindBundleNotFound            Kind = "bundle_not_found"
	KindIO                        Kind = "io_error"
	KindShortRead                 Kind = "short_read"
	KindModuleNotFound            Kind = "module_not_found"
	KindNotAnIndexedBundle        Kind = "not_an_indexed_bundle"
	KindBundleNotLoaded           Kind = "bundle_not_loaded"
	KindUnsupportedTarget         Kind = "unsupported_target"
	KindInvalidData               Kind = "invalid_data"
	KindInvalidUTF8               Kind = "invalid_utf8"
	KindInvalidInput              Kind = "invalid_input"
	KindScript                    Kind = "script"
	KindClosed                    Kind = "closed"
)

// Sentinels for errors.Is. They carry no phase, so they match any phase.
var (
	ErrDuplicateEnvironment      = &Error{Kind: KindDuplicateEnvironment}
	ErrUnknownEnvironment        = &Error{Kind: KindUnknownEnvironment}
	ErrEnvironmentAlreadyRunning = &Error{Kind: KindEnvironmentAlreadyRunning}
	ErrInvalidState              = &Error{Kind: KindInvalidState}
	ErrBundleNotFound            = &Error{Kind: KindBundleNotFound}
	ErrIO                        = &Error{Kind: KindIO}
	ErrShortRead                 = &Error{Kind: KindShortRead}
	ErrModuleNotFound            = &Error{Kind: KindModuleNotFound}
	ErrNotAnIndexedBundle        = &Error{Kind: KindNotAnIndexedBundle}
	ErrBundleNotLoaded           = &Error{Kind: KindBundleNotLoaded}
	ErrUnsupportedTarget         = &Error{Kind: KindUnsupportedTarget}
	ErrInvalidData               = &Error{Kind: KindInvalidData}
	ErrClosed                    = &Error{Kind: KindClosed}
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "/"))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Kinds must be equal, except
// that a short read also matches io_error. The phase is compared only when
// the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind && !(e.Kind == KindShortRead && t.Kind == KindIO) {
		return false
	}
	return t.Phase == "" || e.Phase == t.Phase
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the resource path (environment id, bundle URL, module id)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Registry convenience constructors

// DuplicateEnvironment reports an attempt to preload an existing id.
func DuplicateEnvironment(id string) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindDuplicateEnvironment,
		Path:   []string{id},
		Detail: fmt.Sprintf("environment %q already exists", id),
	}
}

// UnknownEnvironment reports a lookup of an id that was never preloaded.
func UnknownEnvironment(id string) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindUnknownEnvironment,
		Path:   []string{id},
		Detail: fmt.Sprintf("cannot get environment with id %q", id),
	}
}

// AlreadyRunning reports a second run request for an environment.
func AlreadyRunning(id string) *Error {
	return &Error{
		Phase:  PhaseStartup,
		Kind:   KindEnvironmentAlreadyRunning,
		Path:   []string{id},
		Detail: fmt.Sprintf("environment %q is already running", id),
	}
}

// InvalidState reports an environment that cannot accept the operation.
func InvalidState(phase Phase, id, state string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Path:   []string{id},
		Detail: fmt.Sprintf("environment %q is %s", id, state),
		Value:  state,
	}
}

// Startup wraps a failed step of the environment startup sequence.
func Startup(id, step string, cause error) *Error {
	return &Error{
		Phase:  PhaseStartup,
		Kind:   kindOf(cause, KindInvalidState),
		Path:   []string{id},
		Detail: step,
		Cause:  cause,
	}
}

// Bundle and reader convenience constructors

// BundleNotFound reports a bundle resource that does not exist.
func BundleNotFound(url string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindBundleNotFound,
		Path:   []string{url},
		Detail: fmt.Sprintf("bundle %q not found", url),
		Cause:  cause,
	}
}

// IO wraps an underlying storage failure.
func IO(phase Phase, what string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: what,
		Cause:  cause,
	}
}

// ShortRead reports a read that returned fewer bytes than requested.
func ShortRead(offset int64, want, got int) *Error {
	return &Error{
		Phase:  PhaseRead,
		Kind:   KindShortRead,
		Detail: fmt.Sprintf("read %d of %d bytes at offset %d", got, want, offset),
		Value:  offset,
	}
}

// ModuleNotFound reports a module id outside the module table.
func ModuleNotFound(url string, id uint32, numEntries int) *Error {
	return &Error{
		Phase:  PhaseRead,
		Kind:   KindModuleNotFound,
		Path:   []string{url},
		Detail: fmt.Sprintf("module %d out of range (table has %d entries)", id, numEntries),
		Value:  id,
	}
}

// NotAnIndexedBundle reports an indexed-only access on a plain bundle.
func NotAnIndexedBundle(url string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindNotAnIndexedBundle,
		Path:   []string{url},
		Detail: fmt.Sprintf("bundle %q is not an indexed bundle", url),
	}
}

// BundleNotLoaded reports a module request against an uncached bundle.
func BundleNotLoaded(url string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindBundleNotLoaded,
		Path:   []string{url},
		Detail: fmt.Sprintf("cannot find loaded bundle %q", url),
	}
}

// UnsupportedTarget reports a bundle load routed outside the current environment.
func UnsupportedTarget(bundleName string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindUnsupportedTarget,
		Path:   []string{bundleName},
		Detail: "bundles can only be loaded into the current environment",
	}
}

// InvalidData reports a malformed archive or manifest.
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	// report where decoding stops being valid
	valid := 0
	for valid < len(data) {
		r, size := utf8.DecodeRune(data[valid:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		valid += size
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence at byte %d: %x", valid, preview),
		Value:  valid,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Script wraps an evaluation failure reported by the scripting engine.
func Script(sourceURL string, cause error) *Error {
	return &Error{
		Phase:  PhaseBridge,
		Kind:   KindScript,
		Path:   []string{sourceURL},
		Detail: "evaluate script",
		Cause:  cause,
	}
}

// Closed reports use of a released resource.
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// IsNotExist reports whether err means a missing file or asset.
func IsNotExist(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist)
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	return kindOf(err, "")
}

func kindOf(err error, fallback Kind) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return fallback
}
