package expression

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// Func is an expression-callable function. Arguments and results use plain
// Go types (the same representation value.Value.ToAny produces).
type Func func(args ...any) (any, error)

// Registry holds the functions visible to expressions. Built-ins are
// registered at construction; custom functions may be added before the
// evaluator is shared across goroutines.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates a registry pre-populated with the built-in functions.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	registerBuiltins(r)
	return r
}

// Register adds a custom function. Registering an existing name returns a
// client error; built-ins cannot be replaced.
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return errors.Newf(errors.ClassClient, errors.CodeValidation,
			"function %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// env returns the function environment merged into every evaluation.
func (r *Registry) env() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.funcs))
	for name, fn := range r.funcs {
		out[name] = fn
	}
	return out
}

// regexCache bounds compiled pattern reuse; patterns beyond the bound are
// recompiled rather than evicting under contention.
var regexCache = newLRU[*regexp.Regexp](256)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
			"invalid regex %q: %v", pattern, err)
	}
	regexCache.put(pattern, re)
	return re, nil
}

func registerBuiltins(r *Registry) {
	r.funcs["length"] = func(args ...any) (any, error) {
		if err := arity("length", args, 1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case nil:
			return 0, nil
		case string:
			return len(v), nil
		case []any:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		default:
			rv := reflect.ValueOf(args[0])
			switch rv.Kind() {
			case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
				return rv.Len(), nil
			}
			return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
				"length: unsupported type %T", args[0])
		}
	}

	r.funcs["keys"] = func(args ...any) (any, error) {
		if err := arity("keys", args, 1); err != nil {
			return nil, err
		}
		m, ok := args[0].(map[string]any)
		if !ok {
			return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
				"keys: expected object, got %T", args[0])
		}
		out := make([]any, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sortStrings(out)
		return out, nil
	}

	r.funcs["merge"] = func(args ...any) (any, error) {
		out := make(map[string]any)
		for _, a := range args {
			m, ok := a.(map[string]any)
			if !ok {
				return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
					"merge: expected objects, got %T", a)
			}
			for k, v := range m {
				out[k] = v
			}
		}
		return out, nil
	}

	r.funcs["join"] = func(args ...any) (any, error) {
		if err := arity("join", args, 2); err != nil {
			return nil, err
		}
		items, ok := args[0].([]any)
		if !ok {
			return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
				"join: expected array, got %T", args[0])
		}
		sep, ok := args[1].(string)
		if !ok {
			return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
				"join: separator must be a string")
		}
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = stringify(it)
		}
		return strings.Join(parts, sep), nil
	}

	r.funcs["split"] = func(args ...any) (any, error) {
		if err := arity("split", args, 2); err != nil {
			return nil, err
		}
		s, ok1 := args[0].(string)
		sep, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New(errors.ClassClient, errors.CodeExpression,
				"split: both arguments must be strings")
		}
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	}

	r.funcs["upper"] = stringFunc("upper", strings.ToUpper)
	r.funcs["lower"] = stringFunc("lower", strings.ToLower)
	r.funcs["trim"] = stringFunc("trim", strings.TrimSpace)

	r.funcs["coalesce"] = func(args ...any) (any, error) {
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}

	r.funcs["default"] = func(args ...any) (any, error) {
		if err := arity("default", args, 2); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return args[1], nil
		}
		return args[0], nil
	}

	r.funcs["toJSON"] = func(args ...any) (any, error) {
		if err := arity("toJSON", args, 1); err != nil {
			return nil, err
		}
		b, err := json.Marshal(args[0])
		if err != nil {
			return nil, errors.Newf(errors.ClassClient, errors.CodeSerialization,
				"toJSON: %v", err)
		}
		return string(b), nil
	}

	r.funcs["fromJSON"] = func(args ...any) (any, error) {
		if err := arity("fromJSON", args, 1); err != nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, errors.New(errors.ClassClient, errors.CodeExpression,
				"fromJSON: expected string")
		}
		v, err := value.ParseJSON([]byte(s))
		if err != nil {
			return nil, err
		}
		return v.ToAny(), nil
	}

	r.funcs["b64encode"] = stringFunc("b64encode", func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	})

	r.funcs["b64decode"] = func(args ...any) (any, error) {
		if err := arity("b64decode", args, 1); err != nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, errors.New(errors.ClassClient, errors.CodeExpression,
				"b64decode: expected string")
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Newf(errors.ClassClient, errors.CodeInvalidFormat,
				"b64decode: %v", err)
		}
		return string(b), nil
	}

	r.funcs["match"] = func(args ...any) (any, error) {
		if err := arity("match", args, 2); err != nil {
			return nil, err
		}
		s, ok1 := args[0].(string)
		pattern, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New(errors.ClassClient, errors.CodeExpression,
				"match: both arguments must be strings")
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, err
		}
		groups := re.FindStringSubmatch(s)
		if groups == nil {
			return nil, nil
		}
		out := make([]any, len(groups))
		for i, g := range groups {
			out[i] = g
		}
		return out, nil
	}

	r.funcs["duration"] = func(args ...any) (any, error) {
		if err := arity("duration", args, 1); err != nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, errors.New(errors.ClassClient, errors.CodeExpression,
				"duration: expected string like \"1h30m\"")
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Newf(errors.ClassClient, errors.CodeInvalidFormat,
				"duration: %v", err)
		}
		return d, nil
	}

	r.funcs["jq"] = jqFunc
}

// jqFunc evaluates a jq program against a value: jq($node.fetch.body,
// ".items[].name"). Multi-result programs return an array.
func jqFunc(args ...any) (any, error) {
	if err := arity("jq", args, 2); err != nil {
		return nil, err
	}
	query, ok := args[1].(string)
	if !ok {
		return nil, errors.New(errors.ClassClient, errors.CodeExpression,
			"jq: query must be a string")
	}
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
			"jq: invalid query: %v", err)
	}

	// gojq only accepts the JSON type universe; normalize through the value
	// model to strip typed ints and durations.
	input := value.FromAny(args[0]).ToAny()
	input = jsonNormalize(input)

	iter := q.Run(input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
				"jq: %v", err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jsonNormalize converts values into gojq's accepted input types
// (nil, bool, float64/int, string, []any, map[string]any).
func jsonNormalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float64, int:
		return x
	case int64:
		return int(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonNormalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonNormalize(e)
		}
		return out
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case time.Duration:
		return x.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// stringify renders any plain Go value through the value model's template
// stringification rules.
func stringify(v any) string {
	return Stringify(value.FromAny(v))
}

func arity(name string, args []any, want int) error {
	if len(args) != want {
		return errors.Newf(errors.ClassClient, errors.CodeExpression,
			"%s requires exactly %d argument(s), got %d", name, want, len(args))
	}
	return nil
}

func stringFunc(name string, fn func(string) string) Func {
	return func(args ...any) (any, error) {
		if err := arity(name, args, 1); err != nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, errors.Newf(errors.ClassClient, errors.CodeExpression,
				"%s: expected string, got %T", name, args[0])
		}
		return fn(s), nil
	}
}

func sortStrings(items []any) {
	sort.Slice(items, func(i, j int) bool {
		a, _ := items[i].(string)
		b, _ := items[j].(string)
		return a < b
	})
}
