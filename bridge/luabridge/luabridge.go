// Package luabridge implements bridge.Bridge on gopher-lua.
//
// Each environment gets its own *lua.LState. The following globals are
// installed by Setup:
//
//	nativeRequire(moduleId, bundleName)         evaluate a module once, return its value
//	nativeModuleSource(moduleId, bundleName)    return a module's source text
//	nativeLoadBundle(bundleName [, inCurrent])  fetch a bundle and run its startup script
//	__ENVIRONMENT_ID                            the environment id
//
// print writes to the configured output instead of os.Stdout. Resolver
// failures are raised as Lua errors in the calling script; when a script
// does not catch one, LoadScript returns it with its original kind.
package luabridge

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/bridge"
	"github.com/wippyai/bundle-runtime/errors"
)

// Option configures bridges built by New and NewFactory.
type Option func(*config)

type config struct {
	out           io.Writer
	callStackSize int
	registrySize  int
}

// WithOutput redirects print.
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		c.out = w
	}
}

// WithCallStackSize bounds Lua call depth.
func WithCallStackSize(n int) Option {
	return func(c *config) {
		c.callStackSize = n
	}
}

// WithRegistrySize sets the initial Lua registry (value stack) size.
func WithRegistrySize(n int) Option {
	return func(c *config) {
		c.registrySize = n
	}
}

// NewFactory returns a bridge.Factory producing Lua bridges.
func NewFactory(opts ...Option) bridge.Factory {
	return func(ctx context.Context, envID string) (bridge.Bridge, error) {
		return New(envID, opts...), nil
	}
}

// Bridge evaluates scripts in a dedicated Lua state.
type Bridge struct {
	L        *lua.LState
	resolver bridge.Resolver
	out      io.Writer
	envID    string
	// modules evaluated by nativeRequire, by bundle name then module id
	required map[string]map[uint32]lua.LValue
	raised   error
	depth    int
	closed   bool
}

var _ bridge.Bridge = (*Bridge)(nil)

// New creates a bridge for envID.
func New(envID string, opts ...Option) *Bridge {
	cfg := config{out: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}

	L := lua.NewState(lua.Options{
		CallStackSize: cfg.callStackSize,
		RegistrySize:  cfg.registrySize,
	})
	b := &Bridge{
		L:        L,
		out:      cfg.out,
		envID:    envID,
		required: make(map[string]map[uint32]lua.LValue),
	}
	L.SetGlobal("print", L.NewFunction(b.print))
	L.SetGlobal("__ENVIRONMENT_ID", lua.LString(envID))
	return b
}

// Setup installs the native resolution functions.
func (b *Bridge) Setup(ctx context.Context, r bridge.Resolver) error {
	if b.closed {
		return errors.Closed(errors.PhaseBridge, "lua bridge")
	}
	if r == nil {
		return errors.InvalidInput(errors.PhaseBridge, "resolver is nil")
	}
	b.resolver = r
	b.L.SetGlobal("nativeRequire", b.L.NewFunction(b.nativeRequire))
	b.L.SetGlobal("nativeModuleSource", b.L.NewFunction(b.nativeModuleSource))
	b.L.SetGlobal("nativeLoadBundle", b.L.NewFunction(b.nativeLoadBundle))
	return nil
}

// LoadScript compiles and runs script. It may be re-entered from
// nativeLoadBundle while an outer script is running.
func (b *Bridge) LoadScript(ctx context.Context, script, sourceURL string) error {
	if b.closed {
		return errors.Closed(errors.PhaseBridge, "lua bridge")
	}

	if b.depth == 0 {
		b.raised = nil
	}
	b.depth++
	prev := b.L.Context()
	b.L.SetContext(ctx)
	defer func() {
		b.depth--
		if prev != nil {
			b.L.SetContext(prev)
		} else {
			b.L.RemoveContext()
		}
	}()

	fn, err := b.L.Load(strings.NewReader(script), sourceURL)
	if err != nil {
		return errors.Script(sourceURL, err)
	}

	top := b.L.GetTop()
	b.L.Push(fn)
	err = b.L.PCall(0, lua.MultRet, nil)
	b.L.SetTop(top)
	if err != nil {
		return b.scriptError(sourceURL, err)
	}

	Logger().Debug("evaluated script",
		zap.String("env", b.envID),
		zap.String("url", sourceURL),
		zap.Int("bytes", len(script)),
	)
	return nil
}

// Destroy closes the Lua state.
func (b *Bridge) Destroy(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.L.Close()
	b.required = nil
	return nil
}

// scriptError keeps the kind of a resolver error the script did not catch.
func (b *Bridge) scriptError(sourceURL string, err error) error {
	r := b.raised
	if r == nil || errors.KindOf(r) == "" || !strings.Contains(err.Error(), r.Error()) {
		return errors.Script(sourceURL, err)
	}
	return errors.New(errors.PhaseBridge, errors.KindOf(r)).
		Path(sourceURL).
		Detail("uncaught error in script").
		Cause(r).
		Build()
}

func (b *Bridge) context() context.Context {
	if ctx := b.L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// raise reports a resolver failure to the calling script.
func (b *Bridge) raise(L *lua.LState, err error) int {
	b.raised = err
	L.RaiseError("%s", err.Error())
	return 0
}

func checkModuleID(L *lua.LState, n int) uint32 {
	v := L.CheckNumber(n)
	if v < 0 || v > math.MaxUint32 || v != lua.LNumber(math.Trunc(float64(v))) {
		L.ArgError(n, "module id must be an integer in [0, 2^32)")
	}
	return uint32(v)
}

func (b *Bridge) nativeRequire(L *lua.LState) int {
	id := checkModuleID(L, 1)
	name := L.CheckString(2)

	if v, ok := b.required[name][id]; ok {
		L.Push(v)
		return 1
	}

	m, err := b.resolver.Module(b.context(), id, name)
	if err != nil {
		return b.raise(L, err)
	}
	fn, err := L.Load(strings.NewReader(m.Code), fmt.Sprintf("%s#%d", name, id))
	if err != nil {
		return b.raise(L, errors.Script(fmt.Sprintf("%s#%d", name, id), err))
	}
	L.Push(fn)
	L.Call(0, 1)
	v := L.Get(-1)
	L.Pop(1)
	if v == lua.LNil {
		v = lua.LTrue
	}

	if b.required[name] == nil {
		b.required[name] = make(map[uint32]lua.LValue)
	}
	b.required[name][id] = v
	L.Push(v)
	return 1
}

func (b *Bridge) nativeModuleSource(L *lua.LState) int {
	id := checkModuleID(L, 1)
	name := L.CheckString(2)

	m, err := b.resolver.Module(b.context(), id, name)
	if err != nil {
		return b.raise(L, err)
	}
	L.Push(lua.LString(m.Code))
	return 1
}

func (b *Bridge) nativeLoadBundle(L *lua.LState) int {
	name := L.CheckString(1)
	inCurrent := L.OptBool(2, true)

	if err := b.resolver.LoadBundle(b.context(), name, inCurrent); err != nil {
		return b.raise(L, err)
	}
	// modules of a reloaded bundle are evaluated again on next require
	delete(b.required, name)
	return 0
}

func (b *Bridge) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	fmt.Fprintln(b.out, strings.Join(parts, "\t"))
	return 0
}
