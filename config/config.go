// Package config reads the HCL runtime manifest used by the host CLI.
//
//	bundles_path = "dist"
//	suffix       = ".bundle"
//	mmap         = true
//
//	environment "main" {
//	  bundle = "main.bundle"
//	}
//
//	environment "worker" {
//	  preload_only = true
//	}
//
// Relative paths resolve against the manifest's directory.
package config

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/errors"
	"github.com/wippyai/bundle-runtime/loader"
)

// Manifest is the decoded runtime manifest.
type Manifest struct {
	BundlesPath  string        `hcl:"bundles_path,optional"`
	Suffix       string        `hcl:"suffix,optional"`
	Mmap         bool          `hcl:"mmap,optional"`
	Environments []Environment `hcl:"environment,block"`

	// Dir is the directory relative paths resolve against.
	Dir string
}

// Environment declares one execution environment.
type Environment struct {
	Name        string `hcl:"name,label"`
	Bundle      string `hcl:"bundle,optional"`
	PreloadOnly bool   `hcl:"preload_only,optional"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseConfig, "read manifest "+path, err)
	}
	m, err := Parse(src, path)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes manifest source. filename is used in diagnostics only;
// Dir is left empty.
func Parse(src []byte, filename string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.InvalidData(errors.PhaseConfig, []string{filename}, "parse manifest: "+diags.Error())
	}

	var m Manifest
	diags = gohcl.DecodeBody(file.Body, nil, &m)
	if diags.HasErrors() {
		return nil, errors.InvalidData(errors.PhaseConfig, []string{filename}, "decode manifest: "+diags.Error())
	}
	if m.Suffix == "" {
		m.Suffix = loader.DefaultSuffix
	}
	if err := m.validate(filename); err != nil {
		return nil, err
	}

	Logger().Debug("decoded manifest",
		zap.String("path", filename),
		zap.Int("environments", len(m.Environments)),
	)
	return &m, nil
}

func (m *Manifest) validate(filename string) error {
	seen := make(map[string]bool, len(m.Environments))
	for _, env := range m.Environments {
		if env.Name == "" {
			return errors.InvalidData(errors.PhaseConfig, []string{filename}, "environment name is empty")
		}
		if seen[env.Name] {
			return errors.InvalidData(errors.PhaseConfig, []string{filename, env.Name}, "environment declared twice")
		}
		seen[env.Name] = true
		if env.Bundle == "" && !env.PreloadOnly {
			return errors.InvalidData(errors.PhaseConfig, []string{filename, env.Name}, "bundle is required unless preload_only is set")
		}
	}
	return nil
}

// Resolve makes p absolute against the manifest directory.
func (m *Manifest) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// BundlePath returns the file an environment starts from. Bare bundle
// paths are looked up in bundles_path.
func (m *Manifest) BundlePath(env Environment) string {
	if env.Bundle == "" {
		return ""
	}
	if m.BundlesPath != "" && !filepath.IsAbs(env.Bundle) && filepath.Dir(env.Bundle) == "." {
		return m.Resolve(filepath.Join(m.BundlesPath, env.Bundle))
	}
	return m.Resolve(env.Bundle)
}

// LoaderOptions translates the manifest into file loader options.
func (m *Manifest) LoaderOptions() []loader.Option {
	opts := []loader.Option{loader.WithSuffix(m.Suffix)}
	if m.BundlesPath != "" {
		opts = append(opts, loader.WithBasePath(m.Resolve(m.BundlesPath)))
	}
	if m.Mmap {
		opts = append(opts, loader.WithMmap())
	}
	return opts
}
