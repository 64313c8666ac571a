package schema

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/expression"
	"github.com/loomworks/loom/pkg/value"
)

func floatPtr(f float64) *float64 { return &f }

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := New(
		NewText(Metadata{Key: "host", Name: "Host", Required: true}),
		func() *NumberField {
			f := NewNumber(Metadata{Key: "port", Default: value.Int(5432)})
			f.Min = floatPtr(1)
			f.Max = floatPtr(65535)
			f.IntegerOnly = true
			return f
		}(),
		NewSecret(Metadata{Key: "password", Required: true}),
		NewBool(Metadata{Key: "tls"}),
	)
	require.NoError(t, err)
	return s
}

func TestSchemaRejectsDuplicateKeys(t *testing.T) {
	_, err := New(
		NewText(Metadata{Key: "a"}),
		NewBool(Metadata{Key: "a"}),
	)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.CodeOf(err))
}

func TestValidateOK(t *testing.T) {
	s := testSchema(t)
	err := s.Validate(map[string]value.Value{
		"host":     value.Text("db.internal"),
		"port":     value.Int(5432),
		"password": value.Text("hunter2!"),
		"tls":      value.Bool(true),
	})
	assert.NoError(t, err)
}

func TestValidateAggregatesIssues(t *testing.T) {
	s := testSchema(t)
	issues := s.Check(map[string]value.Value{
		"port":    value.Text("not-a-number"),
		"unknown": value.Int(1),
	})
	keys := make(map[string]bool, len(issues))
	for _, is := range issues {
		keys[is.Key] = true
	}
	assert.True(t, keys["host"], "missing required host")
	assert.True(t, keys["password"], "missing required password")
	assert.True(t, keys["port"], "wrong type for port")
	assert.True(t, keys["unknown"], "unknown key")

	err := s.Validate(map[string]value.Value{})
	require.Error(t, err)
	assert.Equal(t, errors.ClassClient, errors.ClassOf(err))
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestApplyDefaults(t *testing.T) {
	s := testSchema(t)
	in := map[string]value.Value{"host": value.Text("h")}
	out := s.ApplyDefaults(in)

	port, ok := out["port"]
	require.True(t, ok)
	n, err := port.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(5432), n)

	_, ok = in["port"]
	assert.False(t, ok, "input map must not be modified")
}

func TestTextFieldConstraints(t *testing.T) {
	f := NewText(Metadata{Key: "name"})
	f.MinLength = 2
	f.MaxLength = 5
	f.Pattern = regexp.MustCompile(`^[a-z]+$`)

	assert.NoError(t, f.ValidateSync(value.Text("abc")))
	assert.Error(t, f.ValidateSync(value.Text("a")))
	assert.Error(t, f.ValidateSync(value.Text("toolong")))
	assert.Error(t, f.ValidateSync(value.Text("ABC")))
	assert.Error(t, f.ValidateSync(value.Int(3)))
}

func TestNumberFieldConstraints(t *testing.T) {
	f := NewNumber(Metadata{Key: "batch"})
	f.Min = floatPtr(0)
	f.Max = floatPtr(100)
	f.Step = 10

	assert.NoError(t, f.ValidateSync(value.Int(50)))
	assert.Error(t, f.ValidateSync(value.Int(55)), "off step")
	assert.Error(t, f.ValidateSync(value.Int(-10)))
	assert.Error(t, f.ValidateSync(value.Int(110)))

	f.IntegerOnly = true
	assert.Error(t, f.ValidateSync(value.Float(50.5)))
	assert.NoError(t, f.ValidateSync(value.Float(50)), "integral float is a whole number")
}

func TestSelectFieldStatic(t *testing.T) {
	f := NewSelect(Metadata{Key: "region"},
		Option{Value: value.Text("eu-west"), Label: "EU West"},
		Option{Value: value.Text("us-east"), Label: "US East"},
	)
	assert.NoError(t, f.ValidateSync(value.Text("eu-west")))

	err := f.ValidateSync(value.Text("mars"))
	require.Error(t, err)
	var le *errors.Error
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Suggestion, "EU West")
}

func TestSelectFieldDynamicLoader(t *testing.T) {
	f := NewSelect(Metadata{Key: "bucket"})
	f.Loader = func(ctx context.Context) ([]Option, error) {
		return []Option{{Value: value.Text("archive")}}, nil
	}

	// Sync validation defers to the loader.
	assert.NoError(t, f.ValidateSync(value.Text("anything")))

	assert.NoError(t, f.ValidateAsync(context.Background(), value.Text("archive")))
	assert.Error(t, f.ValidateAsync(context.Background(), value.Text("missing")))
}

func TestSecretFieldForcesSensitive(t *testing.T) {
	f := NewSecret(Metadata{Key: "token", Sensitive: false})
	assert.True(t, f.Metadata().Sensitive)
}

func TestListFieldValidatesItems(t *testing.T) {
	item := NewText(Metadata{Key: "tag"})
	item.MinLength = 1
	f := NewList(Metadata{Key: "tags"}, item)
	f.MinItems = 1
	f.MaxItems = 3

	assert.NoError(t, f.ValidateSync(value.Array(value.Text("a"), value.Text("b"))))
	assert.Error(t, f.ValidateSync(value.Array()), "below min items")
	assert.Error(t, f.ValidateSync(value.Array(
		value.Text("a"), value.Text("b"), value.Text("c"), value.Text("d"))))

	err := f.ValidateSync(value.Array(value.Text("a"), value.Int(2)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tags[1]")
}

func TestObjectFieldNested(t *testing.T) {
	f := NewObject(Metadata{Key: "proxy"},
		NewText(Metadata{Key: "url", Required: true}),
		NewNumber(Metadata{Key: "weight"}),
	)

	assert.NoError(t, f.ValidateSync(value.Object(map[string]value.Value{
		"url": value.Text("http://proxy.internal"),
	})))

	err := f.ValidateSync(value.Object(map[string]value.Value{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy.url")
}

func TestObjectFieldJSONSchema(t *testing.T) {
	f := NewObjectJSON(Metadata{Key: "settings"}, []byte(`{
		"type": "object",
		"required": ["mode"],
		"properties": {
			"mode": {"type": "string", "enum": ["fast", "safe"]},
			"limit": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`))

	assert.NoError(t, f.ValidateSync(value.Object(map[string]value.Value{
		"mode":  value.Text("fast"),
		"limit": value.Int(10),
	})))

	err := f.ValidateSync(value.Object(map[string]value.Value{
		"mode": value.Text("reckless"),
	}))
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))

	assert.Error(t, f.ValidateSync(value.Object(map[string]value.Value{
		"mode":  value.Text("safe"),
		"extra": value.Bool(true),
	})))
}

func TestDisplayRules(t *testing.T) {
	s, err := New(
		NewBool(Metadata{Key: "advanced"}),
		NewText(Metadata{
			Key:          "custom_dsn",
			DisplayRules: []string{"$vars.advanced == true"},
		}),
	)
	require.NoError(t, err)

	eval := expression.New()

	visible, err := s.Visible(eval, "custom_dsn", map[string]value.Value{
		"advanced": value.Bool(true),
	})
	require.NoError(t, err)
	assert.True(t, visible)

	visible, err = s.Visible(eval, "custom_dsn", map[string]value.Value{
		"advanced": value.Bool(false),
	})
	require.NoError(t, err)
	assert.False(t, visible)

	visible, err = s.Visible(eval, "advanced", nil)
	require.NoError(t, err)
	assert.True(t, visible, "no rules means always visible")
}

func TestValidateAsyncRunsSyncFirst(t *testing.T) {
	s := testSchema(t)
	err := s.ValidateAsync(context.Background(), map[string]value.Value{
		"host": value.Int(1),
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
