// Package config handles basalt.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/basalt/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "basalt.toml"

// Config represents a basalt.toml file.
type Config struct {
	Runtime Runtime `toml:"runtime"`
	Log     Log     `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Runtime sizes the interpreter and its heap.
type Runtime struct {
	StackSize     int `toml:"stack-size"`
	MaxStackSize  int `toml:"max-stack-size"`
	MaxDepth      int `toml:"max-depth"`
	InObjectSlots int `toml:"in-object-slots"`
	GCThreshold   int `toml:"gc-threshold"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	o := vm.DefaultOptions()
	return &Config{
		Runtime: Runtime{
			StackSize:     o.StackSize,
			MaxStackSize:  o.MaxStackSize,
			MaxDepth:      o.MaxDepth,
			InObjectSlots: o.InObjectSlots,
			GCThreshold:   o.GCThreshold,
		},
	}
}

// Load parses the configuration file at path. Keys missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a basalt.toml file, then loads
// it. Returns the default configuration if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks that the sizes are usable.
func (c *Config) Validate() error {
	r := c.Runtime
	var errs []error
	if r.StackSize <= 0 {
		errs = append(errs, fmt.Errorf("runtime.stack-size must be positive, got %d", r.StackSize))
	}
	if r.MaxStackSize < r.StackSize {
		errs = append(errs, fmt.Errorf("runtime.max-stack-size %d is below stack-size %d", r.MaxStackSize, r.StackSize))
	}
	if r.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max-depth must be positive, got %d", r.MaxDepth))
	}
	if r.InObjectSlots < 0 {
		errs = append(errs, fmt.Errorf("runtime.in-object-slots must not be negative, got %d", r.InObjectSlots))
	}
	if r.GCThreshold < 0 {
		errs = append(errs, fmt.Errorf("runtime.gc-threshold must not be negative, got %d", r.GCThreshold))
	}
	return errors.Join(errs...)
}

// Options converts the runtime section into vm.Options.
func (c *Config) Options() vm.Options {
	return vm.Options{
		StackSize:     c.Runtime.StackSize,
		MaxStackSize:  c.Runtime.MaxStackSize,
		MaxDepth:      c.Runtime.MaxDepth,
		InObjectSlots: c.Runtime.InObjectSlots,
		GCThreshold:   c.Runtime.GCThreshold,
	}
}
