package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessSigils(t *testing.T) {
	p, err := Preprocess("$node.fetch.status == 200")
	require.NoError(t, err)
	assert.Equal(t, "node.fetch.status == 200", p.Source)
	require.Len(t, p.Refs, 1)
	assert.Equal(t, "$node.fetch.status", p.Refs[0].Raw)
	assert.Equal(t, []string{"node", "fetch", "status"}, p.Refs[0].Path)
}

func TestPreprocessRegexOperator(t *testing.T) {
	p, err := Preprocess(`$input.name =~ "^a"`)
	require.NoError(t, err)
	assert.Contains(t, p.Source, "matches")
	assert.NotContains(t, p.Source, "=~")
}

func TestPreprocessDollarInStringsUntouched(t *testing.T) {
	p, err := Preprocess(`"$node.not.a.ref" == $input.name`)
	require.NoError(t, err)
	require.Len(t, p.Refs, 1)
	assert.Equal(t, []string{"input", "name"}, p.Refs[0].Path)
	assert.Contains(t, p.Source, `"$node.not.a.ref"`)
}

func TestPreprocessConditional(t *testing.T) {
	p, err := Preprocess(`if $input.a > 1 then "x" else "y"`)
	require.NoError(t, err)
	assert.Contains(t, p.Source, "?")
	assert.Contains(t, p.Source, ":")
	assert.NotContains(t, p.Source, "if")
}

func TestPreprocessConditionalInCall(t *testing.T) {
	p, err := Preprocess(`join([if true then "a" else "b", "c"], "-")`)
	require.NoError(t, err)
	assert.NotContains(t, p.Source, "then")
}

func TestPreprocessMalformedConditional(t *testing.T) {
	_, err := Preprocess(`if $input.a > 1 then "x"`)
	assert.Error(t, err)

	_, err = Preprocess(`if $input.a > 1 "x" else "y"`)
	assert.Error(t, err)
}

func TestPreprocessLambda(t *testing.T) {
	p, err := Preprocess(`filter($input.items, x => x > 1)`)
	require.NoError(t, err)
	assert.Contains(t, p.Source, "#")
	assert.NotContains(t, p.Source, "=>")
	assert.NotContains(t, p.Source, " x ")
}

func TestPreprocessUnknownRoot(t *testing.T) {
	_, err := Preprocess("$bogus.path")
	assert.Error(t, err)
}

func TestPreprocessUnterminatedString(t *testing.T) {
	_, err := Preprocess(`"unclosed`)
	assert.Error(t, err)
}

func TestPreprocessRangeOperatorVsDecimal(t *testing.T) {
	p, err := Preprocess("1..9")
	require.NoError(t, err)
	assert.Contains(t, p.Source, "..")

	p, err = Preprocess("1.5 + 2")
	require.NoError(t, err)
	assert.Contains(t, p.Source, "1.5")
}
