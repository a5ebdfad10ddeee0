// Package config loads, validates and decodes an executable's input options.
//
// Input files are YAML or HCL. Both produce the same Options tree, which is
// checked against the executable's CUE schema and then decoded into typed
// values by the Option declarations of its components and caches.
package config

import (
	"fmt"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/phaserun/internal/ir"
)

// Options is a parsed input file: option name to raw value.
type Options map[string]any

// Names returns the top-level option names, sorted.
func (o Options) Names() []string {
	names := make([]string, 0, len(o))
	for k := range o {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Option declares one typed input option. The created value is stored
// under the option's name, in the cache or in an instance's Box.
type Option interface {
	Name() string
	Help() string
	Create(opts Options) (any, error)
}

type typedOption[T any] struct {
	name   string
	help   string
	def    *T
	checks []func(T) error
}

// OptionOf declares a required option of type T. Each check may reject the
// decoded value; its error is reported to the user.
func OptionOf[T any](name, help string, checks ...func(T) error) Option {
	return &typedOption[T]{name: name, help: help, checks: checks}
}

// OptionWithDefault declares an option that takes def when absent.
func OptionWithDefault[T any](name, help string, def T, checks ...func(T) error) Option {
	return &typedOption[T]{name: name, help: help, def: &def, checks: checks}
}

func (o *typedOption[T]) Name() string { return o.name }

func (o *typedOption[T]) Help() string {
	if o.def != nil {
		return fmt.Sprintf("%s (default: %v)", o.help, *o.def)
	}
	return o.help
}

func (o *typedOption[T]) Create(opts Options) (any, error) {
	raw, ok := opts[o.name]
	if !ok {
		if o.def == nil {
			return nil, ir.UserErrorf("required option %q is missing: %s", o.name, o.help)
		}
		return *o.def, nil
	}
	var out T
	if err := Decode(raw, &out); err != nil {
		return nil, &ir.UserError{Message: fmt.Sprintf("option %q", o.name), Err: err}
	}
	for _, check := range o.checks {
		if err := check(out); err != nil {
			return nil, &ir.UserError{Message: fmt.Sprintf("option %q", o.name), Err: err}
		}
	}
	return out, nil
}

// Decode converts a raw option value into out, which must be a pointer.
// Strings decode into types implementing encoding.TextUnmarshaler, so
// phases and singleton procs can be written by name.
func Decode(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	return dec.Decode(raw)
}

// CreateAll creates every option and returns name to value. Every failure
// is collected, so the user sees all problems in one run.
func CreateAll(opts Options, options []Option) (map[string]any, error) {
	out := make(map[string]any, len(options))
	var errs *multierror.Error
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		if seen[o.Name()] {
			continue
		}
		seen[o.Name()] = true
		v, err := o.Create(opts)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out[o.Name()] = v
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, &ir.UserError{Message: "invalid input options", Err: err}
	}
	return out, nil
}

// Unknown returns the option names present in opts that no declaration in
// options reads, sorted.
func Unknown(opts Options, options []Option) []string {
	known := make(map[string]bool, len(options))
	for _, o := range options {
		known[o.Name()] = true
	}
	var out []string
	for _, name := range opts.Names() {
		if !known[name] {
			out = append(out, name)
		}
	}
	return out
}
