// Package schema defines declarative parameter schemas for actions,
// credential flows and resource configurations.
//
// A schema is an ordered set of typed fields. Schemas are plain data:
// they describe what a parameter map must look like, and instances are
// validated against them before use. Display rules are expressions over
// sibling field values and are evaluated at form time, never by the
// execution engine.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/expression"
	"github.com/loomworks/loom/pkg/value"
)

// Kind identifies a field type.
type Kind string

const (
	KindText   Kind = "text"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindSelect Kind = "select"
	KindSecret Kind = "secret"
	KindList   Kind = "list"
	KindObject Kind = "object"
)

// Metadata is the common base shared by every field kind.
type Metadata struct {
	// Key is the parameter name, unique within its schema.
	Key string
	// Name is the human-readable display name.
	Name string
	// Description explains the field to form authors.
	Description string
	// Required marks the field as mandatory when no default exists.
	Required bool
	// Sensitive marks values that must be redacted in logs and errors.
	Sensitive bool
	// DisplayRules are expressions over sibling values (exposed as $vars).
	// The field is visible only when every rule evaluates to true.
	DisplayRules []string
	// Default is applied when the parameter is absent. Null means no default.
	Default value.Value
}

// Field is the contract every typed field implements.
type Field interface {
	// Kind identifies the field type.
	Kind() Kind
	// Metadata returns the common base.
	Metadata() Metadata
	// ExpectedValueKind is the value kind a well-typed instance carries.
	ExpectedValueKind() value.Kind
	// IsRequired reports whether the field must be present.
	IsRequired() bool
	// Default returns the default value, or Null when none.
	Default() value.Value
	// DisplayRules returns the visibility expressions.
	DisplayRules() []string
	// ValidateSync checks a value without performing I/O.
	ValidateSync(v value.Value) error
	// ValidateAsync performs I/O-bound checks (uniqueness, dynamic options).
	// Fields without async checks return nil.
	ValidateAsync(ctx context.Context, v value.Value) error
}

// Issue is one validation failure, keyed by the offending parameter.
type Issue struct {
	Key    string
	Reason string
}

// Schema is an ordered, duplicate-free set of fields.
type Schema struct {
	fields []Field
	byKey  map[string]Field
}

// New builds a schema from fields, rejecting duplicate or empty keys.
func New(fields ...Field) (*Schema, error) {
	s := &Schema{fields: fields, byKey: make(map[string]Field, len(fields))}
	for _, f := range fields {
		key := f.Metadata().Key
		if key == "" {
			return nil, errors.NewConfig("schema", "field with empty key")
		}
		if _, dup := s.byKey[key]; dup {
			return nil, errors.NewConfig("schema", fmt.Sprintf("duplicate field key %q", key))
		}
		s.byKey[key] = f
	}
	return s, nil
}

// MustNew is New for statically known schemas; it panics on error.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []Field { return s.fields }

// Field looks up a field by key.
func (s *Schema) Field(key string) (Field, bool) {
	f, ok := s.byKey[key]
	return f, ok
}

// ApplyDefaults returns a copy of params with field defaults filled in
// for absent keys. The input map is not modified.
func (s *Schema) ApplyDefaults(params map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, f := range s.fields {
		key := f.Metadata().Key
		if _, present := out[key]; !present && !f.Default().IsNull() {
			out[key] = f.Default()
		}
	}
	return out
}

// Check validates params against the schema and returns every issue
// found: missing required fields, unknown keys, type mismatches and
// per-field rule violations. An empty slice means the params are valid.
func (s *Schema) Check(params map[string]value.Value) []Issue {
	var issues []Issue

	for _, f := range s.fields {
		md := f.Metadata()
		v, present := params[md.Key]
		if !present || v.IsNull() {
			if f.IsRequired() && f.Default().IsNull() {
				issues = append(issues, Issue{Key: md.Key, Reason: "required field is missing"})
			}
			continue
		}
		if err := f.ValidateSync(v); err != nil {
			issues = append(issues, Issue{Key: md.Key, Reason: reasonOf(err)})
		}
	}

	for key := range params {
		if _, known := s.byKey[key]; !known {
			issues = append(issues, Issue{Key: key, Reason: "unknown parameter"})
		}
	}
	return issues
}

// Validate runs Check and converts the issues into a single client error.
func (s *Schema) Validate(params map[string]value.Value) error {
	return issuesError(s.Check(params))
}

// ValidateAsync runs sync validation first, then each field's async
// checks. It stops at the first context error.
func (s *Schema) ValidateAsync(ctx context.Context, params map[string]value.Value) error {
	issues := s.Check(params)
	for _, f := range s.fields {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelled("schema validation").WithCause(err)
		}
		md := f.Metadata()
		v, present := params[md.Key]
		if !present || v.IsNull() {
			continue
		}
		if err := f.ValidateAsync(ctx, v); err != nil {
			if errors.IsCancelled(err) {
				return err
			}
			issues = append(issues, Issue{Key: md.Key, Reason: reasonOf(err)})
		}
	}
	return issuesError(issues)
}

// Visible evaluates a field's display rules against the current form
// values (exposed as $vars). A field with no rules is always visible;
// a rule that fails to evaluate hides the field and returns the error.
func (s *Schema) Visible(eval *expression.Evaluator, key string, current map[string]value.Value) (bool, error) {
	f, ok := s.byKey[key]
	if !ok {
		return false, errors.NewNotFound("field", key)
	}
	rules := f.DisplayRules()
	if len(rules) == 0 {
		return true, nil
	}
	ctx := expression.NewContext(value.Null())
	ctx.Vars = current
	for _, rule := range rules {
		visible, err := eval.EvaluateBool(rule, ctx)
		if err != nil {
			return false, errors.Wrap(err, errors.ClassClient, errors.CodeExpression, "schema", "display_rule")
		}
		if !visible {
			return false, nil
		}
	}
	return true, nil
}

// issuesError folds issues into one client validation error, or nil.
func issuesError(issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	lines := make([]string, len(issues))
	for i, is := range issues {
		lines[i] = is.Key + ": " + is.Reason
	}
	e := errors.Newf(errors.ClassClient, errors.CodeValidation,
		"parameter validation failed: %s", strings.Join(lines, "; "))
	return e.WithSuggestion("fix the listed parameters and retry")
}

// reasonOf strips the class/code prefix from field errors so issues
// read as plain reasons.
func reasonOf(err error) string {
	if le, ok := err.(*errors.Error); ok {
		return le.Message
	}
	return err.Error()
}
