// Package errors provides structured error types for the bundle runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a resource path (environment id, bundle URL), the offending
// value, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRead, errors.KindInvalidData).
//		Path("dist/main.bundle").
//		Detail("table ends at %d, file has %d bytes", end, size).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.ModuleNotFound(url, id, numEntries)
//	err := errors.UnknownEnvironment("main")
//
// Matching works on kinds. Sentinels carry no phase and match any phase:
//
//	if errors.Is(err, rterrors.ErrModuleNotFound) { ... }
//
// A target with a phase also requires the phase to match.
package errors
