package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/phaserun/internal/ir"
)

// Validate unifies opts with a CUE schema and requires the result to be
// concrete. Every violation is reported. An empty schema accepts anything.
//
// A schema that does not compile is a fatal registration error: it belongs
// to the executable, not to the user.
func Validate(opts Options, schema string) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("options.cue"))
	if err := s.Err(); err != nil {
		return ir.WrapFatal(ir.ErrCodeRegistration, err, "options schema does not compile")
	}
	v := ctx.Encode(map[string]any(opts))
	if err := v.Err(); err != nil {
		return &ir.UserError{Message: "input options cannot be represented", Err: err}
	}
	if err := s.Unify(v).Validate(cue.Concrete(true)); err != nil {
		var merr *multierror.Error
		for _, e := range cueerrors.Errors(err) {
			merr = multierror.Append(merr, formatCUEError(e))
		}
		return &ir.UserError{Message: "input options do not match the schema", Err: merr.ErrorOrNil()}
	}
	return nil
}

// SchemaError is one CUE violation.
type SchemaError struct {
	Path    string
	Message string
	Line    int
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (schema line %d): %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func formatCUEError(e cueerrors.Error) error {
	format, args := e.Msg()
	se := &SchemaError{
		Path:    strings.Join(e.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
	if se.Path == "" {
		se.Path = "<root>"
	}
	for _, pos := range cueerrors.Positions(e) {
		if pos.IsValid() {
			se.Line = pos.Line()
			break
		}
	}
	return se
}
