package sqlguard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want Kind
	}{
		{"Select", "SELECT 1", KindSelect},
		{"SelectLower", "select * from t", KindSelect},
		{"LeadingWhitespace", "  \n\t SELECT 1", KindSelect},
		{"CTE", "WITH a AS (SELECT 1) SELECT * FROM a", KindSelect},
		{"Union", "SELECT 1 UNION ALL SELECT 2", KindSelect},
		{"ParenthesizedUnion", "(SELECT 1) UNION (SELECT 2)", KindSelect},
		{"Insert", "INSERT INTO t VALUES (1)", KindInsert},
		{"Update", "UPDATE t SET a=1", KindUpdate},
		{"Delete", "DELETE FROM t", KindDelete},
		{"Merge", "MERGE INTO t USING s ON t.id=s.id WHEN MATCHED THEN UPDATE SET a=1", KindMerge},
		{"Create", "CREATE TABLE t (a INT)", KindCreate},
		{"Alter", "ALTER TABLE t ADD COLUMN b INT", KindAlter},
		{"Drop", "DROP TABLE t", KindDrop},
		{"Truncate", "TRUNCATE TABLE t", KindTruncate},
		{"Describe", "DESCRIBE TABLE t", KindDescribe},
		{"Desc", "DESC TABLE t", KindDescribe},
		{"Show", "SHOW TABLES", KindShow},
		{"Use", "USE DATABASE analytics", KindUse},
		{"Call", "CALL my_proc()", KindCall},
		{"Grant", "GRANT SELECT ON t TO ROLE r", KindGrant},
		{"Revoke", "REVOKE SELECT ON t FROM ROLE r", KindRevoke},
		{"Explain", "EXPLAIN SELECT 1", KindExplain},
		{"UnknownIsCommand", "LIST @my_stage", KindCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := Classify(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

// Comment-prefixed SHOW statements were historically misclassified as
// commands and denied; these must keep passing.
func TestClassifyLeadingComments(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want Kind
	}{
		{"LineCommentShow", "-- audit note\n  SHOW TABLES IN SCHEMA X.Y", KindShow},
		{"LineCommentSelect", "-- why\nSELECT 1", KindSelect},
		{"SlashComment", "// note\nSELECT 1", KindSelect},
		{"BlockComment", "/* multi\nline */ SELECT 1", KindSelect},
		{"StackedComments", "-- one\n/* two */\n-- three\nSHOW WAREHOUSES", KindShow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := Classify(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestClassifyMalformed(t *testing.T) {
	var verr *ValidationError

	_, err := Classify("   \n ")
	require.Error(t, err)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "empty_statement", verr.Kind)

	_, err = Classify("-- only a comment")
	require.Error(t, err)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "empty_statement", verr.Kind)

	_, err = Classify("/* never closed SELECT 1")
	require.Error(t, err)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "unterminated_comment", verr.Kind)
	assert.NotEmpty(t, verr.Hints)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "SELECT 1", Preview("  SELECT 1  ", 200))
	long := Preview("SELECT '"+string(make([]byte, 300))+"'", 10)
	assert.Len(t, long, 13) // 10 chars + "..."
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	assert.NoError(t, p.Validate(KindSelect))
	assert.NoError(t, p.Validate(KindShow))
	assert.NoError(t, p.Validate(KindDescribe))
	assert.NoError(t, p.Validate(KindExplain))
	assert.NoError(t, p.Validate(KindUse))

	for _, kind := range []Kind{KindInsert, KindUpdate, KindDelete, KindMerge,
		KindCreate, KindAlter, KindDrop, KindTruncate, KindCommand} {
		err := p.Validate(kind)
		require.Error(t, err, "kind %s", kind)

		var denied *DeniedError
		require.True(t, errors.As(err, &denied))
		assert.Equal(t, kind, denied.Kind)
		assert.NotEmpty(t, denied.SafeAlternatives)
		assert.LessOrEqual(t, len(denied.SafeAlternatives), 3)
	}
}

func TestValidateStatementRoundTrip(t *testing.T) {
	p := DefaultPolicy()

	kind, err := p.ValidateStatement("-- comment\n  SHOW TABLES IN SCHEMA X.Y")
	require.NoError(t, err)
	assert.Equal(t, KindShow, kind)

	kind, err = p.ValidateStatement("TRUNCATE TABLE t")
	require.Error(t, err)
	assert.Equal(t, KindTruncate, kind)

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
}

func TestUnknownKindDeniedByDefault(t *testing.T) {
	p := Policy{KindSelect: true}
	assert.Error(t, p.Validate(KindShow))
	assert.Error(t, p.Validate(KindCommand))
}
