package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/bundle"
	"github.com/wippyai/bundle-runtime/errors"
)

func main() {
	var (
		output  = flag.String("o", "", "Output archive path")
		verify  = flag.Bool("verify", true, "Read the archive back after writing")
		verbose = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *output == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: bundlepack -o <out.bundle> <startup.lua> [module1.lua ...]")
		fmt.Fprintln(os.Stderr, "       module ids follow argument order; the first file is module 0")
		os.Exit(1)
	}

	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			bundle.SetLogger(l)
			defer l.Sync()
		}
	}

	if err := pack(*output, flag.Args(), *verify); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func pack(output string, inputs []string, verify bool) error {
	modules := make([][]byte, len(inputs))
	for i, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return errors.IO(errors.PhaseLoad, "read module "+in, err)
		}
		if !utf8.Valid(data) {
			return errors.InvalidUTF8(errors.PhaseLoad, []string{in}, data)
		}
		modules[i] = data
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), ".bundlepack-*")
	if err != nil {
		return errors.IO(errors.PhaseLoad, "create archive", err)
	}
	defer os.Remove(tmp.Name())

	size, err := bundle.WriteIndexed(tmp, modules)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.IO(errors.PhaseLoad, "close archive", err)
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return errors.IO(errors.PhaseLoad, "rename archive", err)
	}
	fmt.Printf("Wrote %s: %d modules, %d bytes\n", output, len(modules), size)

	if !verify {
		return nil
	}
	return check(output, modules)
}

// check reopens the archive and compares every module with its source.
func check(path string, modules [][]byte) error {
	b, err := bundle.OpenIndexed(path, path)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.NumModules() != len(modules) {
		return errors.InvalidData(errors.PhaseRead, []string{path},
			fmt.Sprintf("archive has %d modules, wrote %d", b.NumModules(), len(modules)))
	}
	for i, want := range modules {
		m, err := b.Module(uint32(i))
		if err != nil {
			return err
		}
		if m.Code != string(want) {
			return errors.InvalidData(errors.PhaseRead, []string{path}, fmt.Sprintf("module %d differs from its source", i))
		}
	}
	return nil
}
