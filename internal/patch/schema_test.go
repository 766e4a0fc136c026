package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeSchemaJSONSchemaIsValidJSON(t *testing.T) {
	doc, err := DescribeSchema(FormatJSONSchema)
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"additionalProperties":false`)
	assert.Contains(t, string(data), "insights_to_add")
	assert.Contains(t, string(data), "status_change")
}

func TestDescribeSchemaExamplesCoverOperations(t *testing.T) {
	doc, err := DescribeSchema(FormatExamples)
	require.NoError(t, err)
	ex, ok := doc.(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"add_insight", "modify_section", "atomic_section_with_insights", "status_change"} {
		assert.Contains(t, ex, key)
	}
}

func TestDescribeSchemaCompact(t *testing.T) {
	doc, err := DescribeSchema(FormatCompact)
	require.NoError(t, err)
	lines, ok := doc.([]string)
	require.True(t, ok)
	assert.Len(t, lines, 9)
}

func TestDescribeSchemaInvalidFormat(t *testing.T) {
	_, err := DescribeSchema("yaml")
	require.Error(t, err)
}

func TestExamplesDecodeAsProposedChanges(t *testing.T) {
	for name, ex := range examples() {
		data, err := json.Marshal(ex)
		require.NoError(t, err, name)
		_, err = Decode(data)
		assert.NoError(t, err, name)
	}
}
