// Package cel compiles CEL expressions that select announcements, e.g.
// `name == "billing" && version.startsWith("2.")`.
package cel

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// Variables declared in every expression environment.
const (
	VarName       = "name"
	VarVersion    = "version"
	VarHost       = "host"
	VarID         = "id"
	VarTransport  = "transport"  // rpc adapter type, "" without rpc
	VarProcs      = "procs"      // exported procedure names
	VarNamespaces = "namespaces" // channel namespaces served
)

// Filter is a compiled CEL expression over announcement attributes.
type Filter struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. It must evaluate to a bool.
// Failures are configuration errors.
func Compile(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarName, cel.StringType),
		cel.Variable(VarVersion, cel.StringType),
		cel.Variable(VarHost, cel.StringType),
		cel.Variable(VarID, cel.StringType),
		cel.Variable(VarTransport, cel.StringType),
		cel.Variable(VarProcs, cel.ListType(cel.StringType)),
		cel.Variable(VarNamespaces, cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: cel compile %q: %v", mesherr.ErrConfig, expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(types.BoolType) {
		return nil, fmt.Errorf("%w: cel expression %q must be boolean, got %s", mesherr.ErrConfig, expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: cel program: %v", mesherr.ErrConfig, err)
	}
	return &Filter{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Attrs flattens an announcement into the expression variables.
func Attrs(a *provider.Announcement) map[string]any {
	attrs := map[string]any{
		VarName:       a.Name,
		VarVersion:    a.Version,
		VarHost:       a.Host,
		VarID:         a.ID,
		VarTransport:  "",
		VarProcs:      []string{},
		VarNamespaces: []string{},
	}
	if a.RPC != nil {
		attrs[VarTransport] = a.RPC.Type
		attrs[VarProcs] = sortedKeys(a.RPC.API)
	}
	if a.Channel != nil {
		attrs[VarNamespaces] = sortedKeys(a.Channel.Namespaces)
	}
	return attrs
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Match evaluates the filter against an announcement.
// Evaluation errors count as no match.
func (f *Filter) Match(a *provider.Announcement) bool {
	out, _, err := f.program.Eval(Attrs(a))
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
