package luabridge

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/wippyai/bundle-runtime/bundle"
	rterrors "github.com/wippyai/bundle-runtime/errors"
)

// fakeResolver serves modules and bundles from maps and evaluates loaded
// bundles on the bridge it is attached to.
type fakeResolver struct {
	bridge      *Bridge
	modules     map[string]map[uint32]string
	bundles     map[string]string
	loads       []string
	moduleCalls int
}

func (r *fakeResolver) Module(ctx context.Context, id uint32, name string) (bundle.Module, error) {
	r.moduleCalls++
	mods, ok := r.modules[name]
	if !ok {
		return bundle.Module{}, rterrors.BundleNotLoaded(name)
	}
	code, ok := mods[id]
	if !ok {
		return bundle.Module{}, rterrors.ModuleNotFound(name, id, len(mods))
	}
	return bundle.Module{Code: code, ID: id}, nil
}

func (r *fakeResolver) LoadBundle(ctx context.Context, name string, inCurrent bool) error {
	if !inCurrent {
		return rterrors.UnsupportedTarget(name)
	}
	script, ok := r.bundles[name]
	if !ok {
		return rterrors.BundleNotFound(name, nil)
	}
	r.loads = append(r.loads, name)
	return r.bridge.LoadScript(ctx, script, name+".bundle")
}

func newTestBridge(t *testing.T) (*Bridge, *fakeResolver, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	b := New("main", WithOutput(&out))
	t.Cleanup(func() { b.Destroy(context.Background()) })

	r := &fakeResolver{
		bridge: b,
		modules: map[string]map[uint32]string{
			"lib": {
				0: "print('lib startup')",
				1: "counter = (counter or 0) + 1\nreturn {n = counter}",
				2: "local m = nativeRequire(1, 'lib')\nreturn m.n * 10",
			},
		},
		bundles: map[string]string{
			"feature": "print('feature', __ENVIRONMENT_ID)",
		},
	}
	if err := b.Setup(context.Background(), r); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return b, r, &out
}

func TestBridge_PrintAndEnvironmentID(t *testing.T) {
	b, _, out := newTestBridge(t)

	if err := b.LoadScript(context.Background(), `print("env", __ENVIRONMENT_ID, 42)`, "main.bundle"); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if got := out.String(); got != "env\tmain\t42\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBridge_RequireEvaluatesOnce(t *testing.T) {
	b, r, out := newTestBridge(t)

	script := `
local a = nativeRequire(1, "lib")
local b = nativeRequire(1, "lib")
print(a == b, counter, nativeRequire(2, "lib"))
`
	if err := b.LoadScript(context.Background(), script, "main.bundle"); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if got := out.String(); got != "true\t1\t10\n" {
		t.Errorf("output = %q", got)
	}
	// modules 1 and 2 each resolved once
	if r.moduleCalls != 2 {
		t.Errorf("resolver Module calls = %d, want 2", r.moduleCalls)
	}
}

func TestBridge_ModuleSource(t *testing.T) {
	b, _, out := newTestBridge(t)

	if err := b.LoadScript(context.Background(), `print(nativeModuleSource(0, "lib"))`, "main.bundle"); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if got := out.String(); got != "print('lib startup')\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBridge_LoadBundleReentrant(t *testing.T) {
	b, r, out := newTestBridge(t)

	script := `
nativeLoadBundle("feature")
print("after")
`
	if err := b.LoadScript(context.Background(), script, "main.bundle"); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if got := out.String(); got != "feature\tmain\nafter\n" {
		t.Errorf("output = %q", got)
	}
	if len(r.loads) != 1 || r.loads[0] != "feature" {
		t.Errorf("loads = %v", r.loads)
	}
}

func TestBridge_ErrorsSurfaceToScript(t *testing.T) {
	b, _, out := newTestBridge(t)

	script := `
local ok, err = pcall(nativeRequire, 9, "lib")
print(ok)
ok = pcall(nativeLoadBundle, "feature", false)
print(ok)
`
	if err := b.LoadScript(context.Background(), script, "main.bundle"); err != nil {
		t.Fatalf("caught errors must not fail the script: %v", err)
	}
	if got := out.String(); got != "false\nfalse\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBridge_UncaughtErrorKeepsKind(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"module out of range", `nativeRequire(9, "lib")`, rterrors.ErrModuleNotFound},
		{"bundle not loaded", `nativeModuleSource(0, "other")`, rterrors.ErrBundleNotLoaded},
		{"other environment", `nativeLoadBundle("feature", false)`, rterrors.ErrUnsupportedTarget},
		{"missing bundle", `nativeLoadBundle("nope")`, rterrors.ErrBundleNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newTestBridge(t)
			err := b.LoadScript(context.Background(), tt.script, "main.bundle")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBridge_ScriptErrors(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.LoadScript(ctx, "local = ", "broken.bundle"); rterrors.KindOf(err) != rterrors.KindScript {
		t.Errorf("syntax error = %v, want script kind", err)
	}
	if err := b.LoadScript(ctx, `error("boom")`, "throws.bundle"); rterrors.KindOf(err) != rterrors.KindScript {
		t.Errorf("runtime error = %v, want script kind", err)
	}
	if err := b.LoadScript(ctx, `nativeRequire(-1, "lib")`, "badarg.bundle"); rterrors.KindOf(err) != rterrors.KindScript {
		t.Errorf("bad argument = %v, want script kind", err)
	}

	// the state stays usable after a failed script
	if err := b.LoadScript(ctx, "x = 1", "ok.bundle"); err != nil {
		t.Errorf("LoadScript after failure: %v", err)
	}
}

func TestBridge_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b := New("env")

	if err := b.Setup(ctx, nil); rterrors.KindOf(err) != rterrors.KindInvalidInput {
		t.Errorf("Setup(nil) = %v, want invalid_input", err)
	}
	if err := b.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := b.Destroy(ctx); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	if err := b.LoadScript(ctx, "x = 1", "main.bundle"); !errors.Is(err, rterrors.ErrClosed) {
		t.Errorf("LoadScript after Destroy = %v, want closed", err)
	}
}

func TestNewFactory(t *testing.T) {
	var out bytes.Buffer
	f := NewFactory(WithOutput(&out), WithCallStackSize(64))

	br, err := f(context.Background(), "factory-env")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer br.Destroy(context.Background())

	if err := br.LoadScript(context.Background(), "print(__ENVIRONMENT_ID)", "main.bundle"); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if out.String() != "factory-env\n" {
		t.Errorf("output = %q", out.String())
	}
}
