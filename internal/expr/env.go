// Package expr compiles the CEL rules that let a cacheable route skip the
// cache for particular requests.
package expr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Request is the view of an inbound request a bypass rule sees.
// Header names are lowercased; only the first value of each query
// parameter and header is kept.
type Request struct {
	Method  string
	Path    string
	Tenant  string
	Query   map[string]string
	Headers map[string]string
}

// RequestFromHTTP flattens r for evaluation.
func RequestFromHTTP(r *http.Request, tenant string) Request {
	req := Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Tenant:  tenant,
		Query:   make(map[string]string),
		Headers: make(map[string]string, len(r.Header)),
	}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			req.Query[name] = values[0]
		}
	}
	for name, values := range r.Header {
		if len(values) > 0 {
			req.Headers[strings.ToLower(name)] = values[0]
		}
	}
	return req
}

func (r Request) vars() map[string]any {
	return map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"tenant":  r.Tenant,
		"query":   r.Query,
		"headers": r.Headers,
	}
}

// Environment declares method, path, tenant, query and headers plus the
// lookup(map, key) helper, which yields null for absent keys.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Function("lookup",
			cel.Overload("lookup_string_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.StringType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookup),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Bypass is a compiled boolean rule.
type Bypass struct {
	source  string
	program cel.Program
}

// CompileBypass type-checks expression and requires a bool (or dyn) result.
func (e *Environment) CompileBypass(expression string) (*Bypass, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return nil, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return &Bypass{source: source, program: program}, nil
}

// Matches reports whether req should skip the cache. Evaluation errors and
// non-bool results are returned with false.
func (b *Bypass) Matches(req Request) (bool, error) {
	val, _, err := b.program.Eval(req.vars())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", b.source, err)
	}
	if val.Type() != types.BoolType {
		return false, fmt.Errorf("expr: %q yielded %s, want bool", b.source, val.Type().TypeName())
	}
	return val == types.True, nil
}

func (b *Bypass) String() string { return b.source }

func lookup(m ref.Val, key ref.Val) ref.Val {
	mapper, ok := m.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup needs a map")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
