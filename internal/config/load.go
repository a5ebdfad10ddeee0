package config

import (
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/spf13/afero"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/roach88/phaserun/internal/ir"
)

// Load reads an input file from fs. The format follows the extension:
// .yaml and .yml are YAML, .hcl is HCL.
func Load(fs afero.Fs, path string) (Options, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &ir.UserError{Message: fmt.Sprintf("cannot read input file %s", path), Err: err}
	}
	return Parse(path, data)
}

// Parse decodes input file contents. name selects the format and appears in
// error messages.
func Parse(name string, data []byte) (Options, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return parseYAML(name, data)
	case ".hcl":
		return parseHCL(name, data)
	default:
		return nil, ir.UserErrorf("input file %s: unsupported extension (want .yaml, .yml or .hcl)", name)
	}
}

// parseYAML decodes into a plain map so nested mappings stay map[string]any,
// as they do for HCL.
func parseYAML(name string, data []byte) (Options, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ir.UserError{Message: fmt.Sprintf("input file %s", name), Err: err}
	}
	return Options(raw), nil
}

func parseHCL(name string, data []byte) (Options, error) {
	file, diags := hclsyntax.ParseConfig(data, name, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, &ir.UserError{Message: fmt.Sprintf("input file %s", name), Err: diags}
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, &ir.UserError{Message: fmt.Sprintf("input file %s", name), Err: diags}
	}
	opts := make(Options, len(attrs))
	for key, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, &ir.UserError{Message: fmt.Sprintf("input file %s", name), Err: diags}
		}
		v, err := fromCty(val)
		if err != nil {
			return nil, ir.UserErrorf("input file %s: option %s: %v", name, key, err)
		}
		opts[key] = v
	}
	return opts, nil
}

// fromCty converts an HCL value into the plain Go values YAML produces:
// string, bool, int, float64, []any and map[string]any.
func fromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsListType() || t.IsTupleType() || t.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			g, err := fromCty(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case t.IsMapType() || t.IsObjectType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			g, err := fromCty(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = g
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
	}
}
