// Package tool defines the contract between the engine and user-written
// rule implementations, the registry that resolves tool identifiers, and
// the runtime handle a rule body uses to reach its declared resources.
package tool

import (
	"context"
	"strconv"
	"strings"

	"womflow/internal/womerror"
)

// Tool is the capability a rule implementation exposes: its declared I/O
// shape and the run callback. Implementations are registered under a dotted
// identifier and referenced from definition files.
type Tool interface {
	// DeclaredInputFiles returns the logical input file names.
	DeclaredInputFiles() []string

	// DeclaredOutputFiles returns the logical output file names.
	DeclaredOutputFiles() []string

	// DeclaredInputTables returns the logical input table names.
	DeclaredInputTables() []string

	// DeclaredOutputTables returns the logical output table names.
	DeclaredOutputTables() []string

	// DeclaredParams maps option names to pipe-joined type specs drawn
	// from {required, int, float, bool, str}.
	DeclaredParams() map[string]string

	// Run is the rule body. It reaches inputs, outputs, options and the
	// database session through the handle.
	Run(ctx context.Context, h *Handle) error
}

// Base is a no-op Tool with empty declarations. Embed it and override what
// the wrapper actually declares.
type Base struct{}

func (Base) DeclaredInputFiles() []string      { return nil }
func (Base) DeclaredOutputFiles() []string     { return nil }
func (Base) DeclaredInputTables() []string     { return nil }
func (Base) DeclaredOutputTables() []string    { return nil }
func (Base) DeclaredParams() map[string]string { return nil }

// Spec is one parsed option type spec.
type Spec struct {
	Required bool
	Types    []string // in declaration order, subset of int/float/bool/str
}

var castable = map[string]bool{"int": true, "float": true, "bool": true, "str": true}

// ParseSpec parses a pipe-joined spec such as "required|int".
func ParseSpec(raw string) (Spec, error) {
	var spec Spec
	for _, tok := range strings.Split(raw, "|") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if tok == "required" {
			spec.Required = true
			continue
		}
		if !castable[tok] {
			return Spec{}, womerror.Newf(womerror.ToolContract, "unknown option type %q in spec %q", tok, raw)
		}
		spec.Types = append(spec.Types, tok)
	}
	return spec, nil
}

// Cast converts a raw option value per the first castable type of the declaration.
// A spec with no type tokens passes the string through.
func (s Spec) Cast(value string) (any, error) {
	for _, typ := range s.Types {
		switch typ {
		case "int":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, womerror.Newf(womerror.ContentViolation, "value %q is not an int", value)
			}
			return n, nil
		case "float":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, womerror.Newf(womerror.ContentViolation, "value %q is not a float", value)
			}
			return f, nil
		case "bool":
			b, err := strconv.ParseBool(strings.ToLower(value))
			if err != nil {
				return nil, womerror.Newf(womerror.ContentViolation, "value %q is not a bool", value)
			}
			return b, nil
		case "str":
			return value, nil
		}
	}
	return value, nil
}

// ParseSpecs parses every declared param spec of a tool. A malformed spec is
// a ToolContract error naming the option.
func ParseSpecs(t Tool) (map[string]Spec, error) {
	specs := make(map[string]Spec)
	for name, raw := range t.DeclaredParams() {
		spec, err := ParseSpec(raw)
		if err != nil {
			return nil, err
		}
		specs[name] = spec
	}
	return specs, nil
}
