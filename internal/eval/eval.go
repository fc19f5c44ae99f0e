// Package eval wraps the embedded expression evaluator behind a narrow
// interface: compile an expression once, evaluate it against a row
// context, get a wire value or a failure back.
package eval

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/google/cel-go/common/types/ref"

	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// Engine compiles and evaluates CEL expressions. Compiled programs are
// cached per (expression, variable set) so repeated rows pay only for
// evaluation.
type Engine struct {
	env      *cel.Env
	prgCache sync.Map // key -> cel.Program
}

func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, err
	}
	return &Engine{env: env}, nil
}

// Check compiles expr with the given variables declared and reports a
// parse failure without evaluating. Used at query validation time so
// syntax errors surface before any producer work.
func (e *Engine) Check(expr string, vars []string) error {
	_, err := e.program(expr, vars)
	return err
}

// Evaluate runs expr against the given variable bindings and returns the
// result in the wire value model.
func (e *Engine) Evaluate(expr string, vars map[string]value.Value) (value.Value, error) {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	prg, err := e.program(expr, names)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		activation[k] = Input(v)
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, apierr.Numbered(apierr.NumExecutionFailed, "runtime error in expression %q: %v", expr, err)
	}
	return normalize(out.Value())
}

// EvaluateBool runs a predicate expression; a non-boolean result is an
// execution failure.
func (e *Engine) EvaluateBool(expr string, vars map[string]value.Value) (bool, error) {
	v, err := e.Evaluate(expr, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, apierr.Numbered(apierr.NumExecutionFailed, "filter expression %q did not return a boolean", expr)
	}
	return b, nil
}

func (e *Engine) program(expr string, vars []string) (cel.Program, error) {
	sorted := append([]string(nil), vars...)
	sort.Strings(sorted)
	key := strings.Join(sorted, "\x1f") + "\x00" + expr

	if v, ok := e.prgCache.Load(key); ok {
		return v.(cel.Program), nil
	}

	env := e.env
	if len(sorted) > 0 {
		opts := make([]cel.EnvOption, 0, len(sorted))
		for _, name := range sorted {
			opts = append(opts, cel.Declarations(decls.NewVar(name, decls.Dyn)))
		}
		var err error
		env, err = e.env.Extend(opts...)
		if err != nil {
			return nil, err
		}
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, apierr.Numbered(apierr.NumParseFailed, "invalid expression %q: %v", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, apierr.Numbered(apierr.NumParseFailed, "cannot build program for %q: %v", expr, err)
	}

	e.prgCache.Store(key, prg)
	return prg, nil
}

// Input converts a wire value into types the evaluator accepts.
// json.Number becomes int64 when it is a whole number that fits, float64
// otherwise.
func Input(v value.Value) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = Input(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Input(e)
		}
		return out
	default:
		return v
	}
}

// normalize converts an evaluator result back into the wire value model.
// Numbers become json.Number; nested evaluator values are unwrapped.
func normalize(v interface{}) (value.Value, error) {
	switch t := v.(type) {
	case nil, bool, string, json.Number:
		return t, nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), nil
	case int:
		return json.Number(strconv.Itoa(t)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, apierr.Numbered(apierr.NumExecutionFailed, "expression result is not representable in JSON")
		}
		return json.Number(strconv.FormatFloat(t, 'g', -1, 64)), nil
	case []byte:
		return string(t), nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []ref.Val:
		out := make([]interface{}, len(t))
		for i, e := range t {
			n, err := normalize(e.Value())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[ref.Val]ref.Val:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			ks, ok := k.Value().(string)
			if !ok {
				return nil, apierr.Numbered(apierr.NumExecutionFailed, "object keys must be strings")
			}
			n, err := normalize(e.Value())
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case ref.Val:
		return normalize(t.Value())
	default:
		return nil, apierr.Numbered(apierr.NumExecutionFailed, "unsupported expression result type %T", v)
	}
}
