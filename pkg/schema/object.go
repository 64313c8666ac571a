package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// ObjectField is a nested map parameter. Its shape is described either
// by nested typed fields or by a raw JSON Schema (draft 2020-12); when
// both are set the nested fields win.
type ObjectField struct {
	base
	// Fields describes the object with nested typed fields.
	Fields []Field
	// SchemaJSON is a JSON Schema document validated with
	// santhosh-tekuri/jsonschema. Compiled lazily on first use.
	SchemaJSON []byte

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// NewObject creates an object field described by nested fields.
func NewObject(meta Metadata, fields ...Field) *ObjectField {
	return &ObjectField{base: base{Meta: meta}, Fields: fields}
}

// NewObjectJSON creates an object field validated against a JSON Schema.
func NewObjectJSON(meta Metadata, schemaJSON []byte) *ObjectField {
	return &ObjectField{base: base{Meta: meta}, SchemaJSON: schemaJSON}
}

func (f *ObjectField) Kind() Kind                    { return KindObject }
func (f *ObjectField) ExpectedValueKind() value.Kind { return value.KindObject }

func (f *ObjectField) ValidateSync(v value.Value) error {
	obj, err := v.AsObject()
	if err != nil {
		return errors.NewWrongType(f.Meta.Key, "object", string(v.Kind()))
	}
	if len(f.Fields) > 0 {
		nested, err := New(f.Fields...)
		if err != nil {
			return err
		}
		if issues := nested.Check(obj); len(issues) > 0 {
			is := issues[0]
			return errors.NewValidation(f.Meta.Key+"."+is.Key, is.Reason, "")
		}
		return nil
	}
	if len(f.SchemaJSON) == 0 {
		return nil
	}
	return f.validateJSONSchema(v)
}

func (f *ObjectField) ValidateAsync(ctx context.Context, v value.Value) error {
	if len(f.Fields) == 0 {
		return nil
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil // type mismatch already reported synchronously
	}
	nested, err := New(f.Fields...)
	if err != nil {
		return err
	}
	return nested.ValidateAsync(ctx, obj)
}

func (f *ObjectField) validateJSONSchema(v value.Value) error {
	f.compileOnce.Do(func() {
		f.compiled, f.compileErr = compileJSONSchema(f.Meta.Key, f.SchemaJSON)
	})
	if f.compileErr != nil {
		return f.compileErr
	}

	// Round-trip through JSON so numbers arrive as json.Number, which the
	// validator requires.
	doc, err := toJSONDocument(v)
	if err != nil {
		return errors.Wrap(err, errors.ClassClient, errors.CodeSerialization, "schema", "encode_object")
	}
	if err := f.compiled.Validate(doc); err != nil {
		return errors.NewValidation(f.Meta.Key, strings.Join(violationsOf(err), "; "), "")
	}
	return nil
}

func compileJSONSchema(key string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, errors.NewConfig(key, fmt.Sprintf("invalid JSON schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	url := fmt.Sprintf("loom://schema/%s.json", key)
	if err := c.AddResource(url, doc); err != nil {
		return nil, errors.NewConfig(key, fmt.Sprintf("invalid JSON schema: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, errors.NewConfig(key, fmt.Sprintf("JSON schema does not compile: %v", err))
	}
	return compiled, nil
}

func toJSONDocument(v value.Value) (any, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violationsOf flattens a jsonschema validation error tree into leaf
// messages with their instance locations.
func violationsOf(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
