package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/term"

	bundleruntime "github.com/wippyai/bundle-runtime"
	"github.com/wippyai/bundle-runtime/bridge/luabridge"
	"github.com/wippyai/bundle-runtime/bundle"
	"github.com/wippyai/bundle-runtime/config"
	"github.com/wippyai/bundle-runtime/loader"
	"github.com/wippyai/bundle-runtime/queue"
)

type options struct {
	bundlePath  string
	envID       string
	envSet      bool
	configPath  string
	load        string
	mmap        bool
	verbose     bool
	list        bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.bundlePath, "bundle", "", "Path to the initial bundle")
	flag.StringVar(&o.envID, "env", "main", "Environment id")
	flag.StringVar(&o.configPath, "config", "", "HCL runtime manifest")
	flag.StringVar(&o.load, "load", "", "Bundles to load after startup (comma-separated names)")
	flag.BoolVar(&o.mmap, "mmap", false, "Memory-map indexed bundles")
	flag.BoolVar(&o.verbose, "v", false, "Verbose logging")
	flag.BoolVar(&o.list, "list", false, "List bundle modules and exit")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "env" {
			o.envSet = true
		}
	})

	if o.bundlePath == "" && o.configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: bundlerun -bundle <file.bundle> [-env id] [-load a,b] [-mmap] [-v]")
		fmt.Fprintln(os.Stderr, "       bundlerun -config <runtime.hcl>")
		fmt.Fprintln(os.Stderr, "       bundlerun -bundle <file.bundle> -list")
		fmt.Fprintln(os.Stderr, "       bundlerun -bundle <file.bundle> -i  (interactive mode)")
		os.Exit(1)
	}

	logger, err := newLogger(o.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if o.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode requires a terminal")
			os.Exit(1)
		}
		if err := runInteractive(o, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(o, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	bundle.SetLogger(l.Named("bundle"))
	loader.SetLogger(l.Named("loader"))
	queue.SetLogger(l.Named("queue"))
	luabridge.SetLogger(l.Named("lua"))
	config.SetLogger(l.Named("config"))
	return l, nil
}

// envSpec is one environment to start.
type envSpec struct {
	id          string
	bundle      string
	preloadOnly bool
}

// plan turns flags and the optional manifest into loader options and
// environments to start.
func plan(o options) ([]loader.Option, []envSpec, error) {
	if o.configPath == "" {
		var opts []loader.Option
		if o.mmap {
			opts = append(opts, loader.WithMmap())
		}
		return opts, []envSpec{{id: o.envID, bundle: o.bundlePath}}, nil
	}

	m, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	opts := m.LoaderOptions()
	if o.mmap && !m.Mmap {
		opts = append(opts, loader.WithMmap())
	}
	var specs []envSpec
	for _, env := range m.Environments {
		specs = append(specs, envSpec{id: env.Name, bundle: m.BundlePath(env), preloadOnly: env.PreloadOnly})
	}
	if o.bundlePath != "" {
		specs = append(specs, envSpec{id: o.envID, bundle: o.bundlePath})
	}
	return opts, specs, nil
}

// newRuntime builds a runtime whose scripts print to out.
func newRuntime(o options, logger *zap.Logger, out io.Writer) (*bundleruntime.Runtime, []envSpec, error) {
	loaderOpts, specs, err := plan(o)
	if err != nil {
		return nil, nil, err
	}
	rt, err := bundleruntime.New(
		bundleruntime.WithLoader(loader.NewFileLoader(loaderOpts...)),
		bundleruntime.WithBridgeFactory(luabridge.NewFactory(luabridge.WithOutput(out))),
		bundleruntime.WithLogger(logger.Named("registry")),
	)
	if err != nil {
		return nil, nil, err
	}
	return rt, specs, nil
}

func start(ctx context.Context, rt *bundleruntime.Runtime, specs []envSpec) error {
	for _, s := range specs {
		if s.preloadOnly {
			if err := rt.PreloadEnvironment(ctx, s.id); err != nil {
				return fmt.Errorf("preload %s: %w", s.id, err)
			}
			continue
		}
		if err := rt.Start(ctx, s.id, s.bundle); err != nil {
			return fmt.Errorf("start %s: %w", s.id, err)
		}
	}
	return nil
}

// loadTarget picks the environment -load bundles go to. Without -bundle or
// an explicit -env that is the first manifest environment running a bundle.
func loadTarget(o options, specs []envSpec) (string, error) {
	if o.envSet || o.bundlePath != "" {
		return o.envID, nil
	}
	for _, s := range specs {
		if !s.preloadOnly {
			return s.id, nil
		}
	}
	return "", fmt.Errorf("-load needs an environment that runs a bundle; set -env")
}

func run(o options, logger *zap.Logger) error {
	ctx := context.Background()

	if o.list {
		return list(ctx, o)
	}

	rt, specs, err := newRuntime(o, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := start(ctx, rt, specs); err != nil {
		return err
	}

	if o.load != "" {
		target, err := loadTarget(o, specs)
		if err != nil {
			return err
		}
		for _, name := range strings.Split(o.load, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if err := rt.LoadBundle(ctx, target, name); err != nil {
				return fmt.Errorf("load %s: %w", name, err)
			}
		}
	}

	for _, id := range rt.Environments() {
		env, err := rt.Environment(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "environment %s: %s\n", id, env.State())
	}
	return nil
}

// moduleInfo describes one module table entry.
type moduleInfo struct {
	id      uint32
	offset  uint32
	length  uint32
	preview string
}

func describe(b bundle.Bundle) ([]moduleInfo, error) {
	ib, err := bundle.AsIndexed(b)
	if err != nil {
		return []moduleInfo{{length: uint32(len(b.StartupScript())), preview: preview(b.StartupScript())}}, nil
	}
	mods := make([]moduleInfo, 0, ib.NumModules())
	for id := 0; id < ib.NumModules(); id++ {
		off, length, err := ib.ModuleRange(uint32(id))
		if err != nil {
			return nil, err
		}
		m, err := ib.Module(uint32(id))
		if err != nil {
			return nil, err
		}
		mods = append(mods, moduleInfo{id: uint32(id), offset: off, length: length, preview: preview(m.Code)})
	}
	return mods, nil
}

func list(ctx context.Context, o options) error {
	if o.bundlePath == "" {
		return fmt.Errorf("-list needs -bundle")
	}
	var opts []loader.Option
	if o.mmap {
		opts = append(opts, loader.WithMmap())
	}
	b, err := loader.NewFileLoader(opts...).Bundle(ctx, o.bundlePath)
	if err != nil {
		return err
	}
	defer b.Close()

	mods, err := describe(b)
	if err != nil {
		return err
	}
	fmt.Printf("Bundle: %s\n", b.SourceURL())
	fmt.Printf("Type: %s\n", b.Type())
	if ib, err := bundle.AsIndexed(b); err == nil {
		fmt.Printf("Modules: %d (code at offset %d)\n\n", ib.NumModules(), ib.BaseOffset())
		for _, m := range mods {
			fmt.Printf("  %4d  @%-8d %8d bytes  %s\n", m.id, m.offset, m.length, m.preview)
		}
		return nil
	}
	fmt.Printf("Script: %d bytes  %s\n", mods[0].length, mods[0].preview)
	return nil
}

func preview(code string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(code), "\n")
	if utf8.RuneCountInString(line) > 60 {
		r := []rune(line)
		line = string(r[:57]) + "..."
	}
	return line
}

// syncBuffer collects script output written from environment queues.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Drain returns everything written so far and empties the buffer.
func (b *syncBuffer) Drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}
