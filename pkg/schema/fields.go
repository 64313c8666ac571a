package schema

import (
	"context"
	"fmt"
	"regexp"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

// base provides the Field plumbing shared by every typed field.
type base struct {
	Meta Metadata
}

func (b base) Metadata() Metadata     { return b.Meta }
func (b base) IsRequired() bool       { return b.Meta.Required }
func (b base) Default() value.Value   { return b.Meta.Default }
func (b base) DisplayRules() []string { return b.Meta.DisplayRules }

// ValidateAsync is a no-op for fields without I/O-bound checks.
func (b base) ValidateAsync(ctx context.Context, v value.Value) error { return nil }

// TextField is a string parameter with length and pattern constraints.
type TextField struct {
	base
	// MinLength and MaxLength bound the rune count. Zero MaxLength means
	// unbounded.
	MinLength int
	MaxLength int
	// Pattern, when set, must match the whole value.
	Pattern *regexp.Regexp
}

// NewText creates a text field.
func NewText(meta Metadata) *TextField { return &TextField{base: base{Meta: meta}} }

func (f *TextField) Kind() Kind                    { return KindText }
func (f *TextField) ExpectedValueKind() value.Kind { return value.KindText }

func (f *TextField) ValidateSync(v value.Value) error {
	s, err := v.AsText()
	if err != nil {
		return errors.NewWrongType(f.Meta.Key, "text", string(v.Kind()))
	}
	n := len([]rune(s))
	if n < f.MinLength {
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("length %d is below minimum %d", n, f.MinLength), "")
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("length %d exceeds maximum %d", n, f.MaxLength), "")
	}
	if f.Pattern != nil && !f.Pattern.MatchString(s) {
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("value does not match pattern %s", f.Pattern), "")
	}
	return nil
}

// NumberField is a numeric parameter. Int, float and decimal values are
// all accepted; IntegerOnly restricts to whole numbers.
type NumberField struct {
	base
	Min         *float64
	Max         *float64
	// Step, when positive, requires (value - Min) to be a multiple of it.
	Step        float64
	IntegerOnly bool
}

// NewNumber creates a number field.
func NewNumber(meta Metadata) *NumberField { return &NumberField{base: base{Meta: meta}} }

func (f *NumberField) Kind() Kind { return KindNumber }

func (f *NumberField) ExpectedValueKind() value.Kind {
	if f.IntegerOnly {
		return value.KindInt
	}
	return value.KindFloat
}

func (f *NumberField) ValidateSync(v value.Value) error {
	switch v.Kind() {
	case value.KindInt, value.KindFloat, value.KindDecimal:
	default:
		return errors.NewWrongType(f.Meta.Key, "number", string(v.Kind()))
	}
	if f.IntegerOnly {
		if _, err := v.AsInt(); err != nil {
			return errors.NewValidation(f.Meta.Key, "value must be a whole number", "")
		}
	}
	n, err := v.AsFloat()
	if err != nil {
		return errors.NewWrongType(f.Meta.Key, "number", string(v.Kind()))
	}
	if f.Min != nil && n < *f.Min {
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("%v is below minimum %v", n, *f.Min), "")
	}
	if f.Max != nil && n > *f.Max {
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("%v exceeds maximum %v", n, *f.Max), "")
	}
	if f.Step > 0 {
		origin := 0.0
		if f.Min != nil {
			origin = *f.Min
		}
		steps := (n - origin) / f.Step
		if steps != float64(int64(steps)) {
			return errors.NewValidation(f.Meta.Key,
				fmt.Sprintf("%v is not aligned to step %v", n, f.Step), "")
		}
	}
	return nil
}

// BoolField is a true/false parameter.
type BoolField struct {
	base
}

// NewBool creates a bool field.
func NewBool(meta Metadata) *BoolField { return &BoolField{base: base{Meta: meta}} }

func (f *BoolField) Kind() Kind                    { return KindBool }
func (f *BoolField) ExpectedValueKind() value.Kind { return value.KindBool }

func (f *BoolField) ValidateSync(v value.Value) error {
	if _, err := v.AsBool(); err != nil {
		return errors.NewWrongType(f.Meta.Key, "bool", string(v.Kind()))
	}
	return nil
}

// Option is one choice in a select field.
type Option struct {
	Value value.Value
	Label string
}

// OptionLoader fetches options dynamically (I/O allowed).
type OptionLoader func(ctx context.Context) ([]Option, error)

// SelectField restricts a value to a fixed or dynamically loaded option
// set. Static options are checked synchronously; a Loader defers the
// membership check to ValidateAsync.
type SelectField struct {
	base
	Options []Option
	Loader  OptionLoader
	// ValueKind is the kind option values carry; defaults to text.
	ValueKind value.Kind
}

// NewSelect creates a select field with static options.
func NewSelect(meta Metadata, options ...Option) *SelectField {
	return &SelectField{base: base{Meta: meta}, Options: options}
}

func (f *SelectField) Kind() Kind { return KindSelect }

func (f *SelectField) ExpectedValueKind() value.Kind {
	if f.ValueKind != "" {
		return f.ValueKind
	}
	return value.KindText
}

func (f *SelectField) ValidateSync(v value.Value) error {
	if f.Loader != nil {
		// Membership is checked in ValidateAsync once options are loaded.
		return nil
	}
	for _, opt := range f.Options {
		if opt.Value.Equal(v) {
			return nil
		}
	}
	return errors.NewValidation(f.Meta.Key, "value is not one of the allowed options", "").
		WithSuggestion(fmt.Sprintf("allowed options: %s", optionLabels(f.Options)))
}

func (f *SelectField) ValidateAsync(ctx context.Context, v value.Value) error {
	if f.Loader == nil {
		return nil
	}
	options, err := f.Loader(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ClassInfra, errors.CodeNetwork, "schema", "load_options")
	}
	for _, opt := range options {
		if opt.Value.Equal(v) {
			return nil
		}
	}
	return errors.NewValidation(f.Meta.Key, "value is not one of the allowed options", "")
}

func optionLabels(options []Option) string {
	out := ""
	for i, opt := range options {
		if i > 0 {
			out += ", "
		}
		if opt.Label != "" {
			out += opt.Label
		} else {
			out += fmt.Sprintf("%v", opt.Value.ToAny())
		}
	}
	return out
}

// SecretField is a sensitive text parameter. Sensitive is always true
// regardless of the metadata passed in.
type SecretField struct {
	base
	MinLength int
}

// NewSecret creates a secret field.
func NewSecret(meta Metadata) *SecretField {
	meta.Sensitive = true
	return &SecretField{base: base{Meta: meta}}
}

func (f *SecretField) Kind() Kind                    { return KindSecret }
func (f *SecretField) ExpectedValueKind() value.Kind { return value.KindText }

func (f *SecretField) ValidateSync(v value.Value) error {
	s, err := v.AsText()
	if err != nil {
		return errors.NewWrongType(f.Meta.Key, "text", string(v.Kind()))
	}
	if len(s) < f.MinLength {
		// Never echo the value or its length boundary context beyond the rule.
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("secret is shorter than the minimum of %d", f.MinLength), "")
	}
	return nil
}

// ListField is an ordered collection whose items all satisfy one item
// template field.
type ListField struct {
	base
	// Item is the template every element is validated against.
	Item     Field
	MinItems int
	// MaxItems of zero means unbounded.
	MaxItems int
}

// NewList creates a list field with the given item template.
func NewList(meta Metadata, item Field) *ListField {
	return &ListField{base: base{Meta: meta}, Item: item}
}

func (f *ListField) Kind() Kind                    { return KindList }
func (f *ListField) ExpectedValueKind() value.Kind { return value.KindArray }

func (f *ListField) ValidateSync(v value.Value) error {
	items, err := v.AsArray()
	if err != nil {
		return errors.NewWrongType(f.Meta.Key, "array", string(v.Kind()))
	}
	if len(items) < f.MinItems {
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("%d items is below minimum %d", len(items), f.MinItems), "")
	}
	if f.MaxItems > 0 && len(items) > f.MaxItems {
		return errors.NewValidation(f.Meta.Key,
			fmt.Sprintf("%d items exceeds maximum %d", len(items), f.MaxItems), "")
	}
	if f.Item == nil {
		return nil
	}
	for i, item := range items {
		if err := f.Item.ValidateSync(item); err != nil {
			return errors.NewValidation(fmt.Sprintf("%s[%d]", f.Meta.Key, i), reasonOf(err), "")
		}
	}
	return nil
}

func (f *ListField) ValidateAsync(ctx context.Context, v value.Value) error {
	if f.Item == nil {
		return nil
	}
	items, err := v.AsArray()
	if err != nil {
		return nil // sync validation already reported the type mismatch
	}
	for i, item := range items {
		if err := f.Item.ValidateAsync(ctx, item); err != nil {
			if errors.IsCancelled(err) {
				return err
			}
			return errors.NewValidation(fmt.Sprintf("%s[%d]", f.Meta.Key, i), reasonOf(err), "")
		}
	}
	return nil
}
