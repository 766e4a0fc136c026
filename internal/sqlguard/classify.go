// Package sqlguard classifies SQL statements by kind and enforces an
// allow/deny policy over those kinds. It deliberately stops short of
// parsing SQL; the first significant keyword decides the classification.
package sqlguard

import (
	"fmt"
	"strings"
)

// Kind is the statement classification used by the policy.
type Kind string

const (
	KindSelect   Kind = "select"
	KindInsert   Kind = "insert"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindMerge    Kind = "merge"
	KindCreate   Kind = "create"
	KindAlter    Kind = "alter"
	KindDrop     Kind = "drop"
	KindTruncate Kind = "truncate"
	KindDescribe Kind = "describe"
	KindShow     Kind = "show"
	KindUse      Kind = "use"
	KindCall     Kind = "call"
	KindGrant    Kind = "grant"
	KindRevoke   Kind = "revoke"
	KindExplain  Kind = "explain"

	// KindCommand is the fallback for anything unrecognized. The default
	// policy denies it.
	KindCommand Kind = "command"
)

// ValidationError reports malformed SQL that cannot be classified.
type ValidationError struct {
	Kind    string   // "empty_statement", "unterminated_comment", "statement_too_long"
	Message string
	Hints   []string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var keywordKinds = map[string]Kind{
	"SELECT":   KindSelect,
	"WITH":     KindSelect, // CTEs resolve to their terminal SELECT
	"INSERT":   KindInsert,
	"UPDATE":   KindUpdate,
	"DELETE":   KindDelete,
	"MERGE":    KindMerge,
	"CREATE":   KindCreate,
	"ALTER":    KindAlter,
	"DROP":     KindDrop,
	"TRUNCATE": KindTruncate,
	"DESCRIBE": KindDescribe,
	"DESC":     KindDescribe,
	"SHOW":     KindShow,
	"USE":      KindUse,
	"CALL":     KindCall,
	"GRANT":    KindGrant,
	"REVOKE":   KindRevoke,
	"EXPLAIN":  KindExplain,
}

// Classify determines the statement kind. Leading whitespace, line
// comments (--, //) and block comments are skipped before the first
// keyword is inspected; classification is case-insensitive.
//
// Set operators between SELECTs (UNION, INTERSECT, EXCEPT, MINUS) and
// WITH-prefixed CTEs inherit KindSelect via their leading keyword.
func Classify(statement string) (Kind, error) {
	body, err := stripLeading(statement)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", &ValidationError{
			Kind:    "empty_statement",
			Message: "statement is empty after removing comments and whitespace",
			Hints:   []string{"provide a SQL statement, e.g. SELECT CURRENT_TIMESTAMP()"},
		}
	}

	word := leadingWord(body)
	if kind, ok := keywordKinds[strings.ToUpper(word)]; ok {
		return kind, nil
	}
	// Parenthesized set-operator queries: (SELECT ...) UNION (SELECT ...)
	if body[0] == '(' {
		inner, err := stripLeading(body[1:])
		if err == nil && inner != "" {
			w := strings.ToUpper(leadingWord(inner))
			if w == "SELECT" || w == "WITH" {
				return KindSelect, nil
			}
		}
	}
	return KindCommand, nil
}

// stripLeading removes leading whitespace and comments. An unterminated
// block comment is a validation error, not KindCommand; past bugs came
// from treating comment-prefixed statements as opaque commands.
func stripLeading(s string) (string, error) {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--") || strings.HasPrefix(s, "//"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return "", nil // comment runs to end of input
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s[2:], "*/")
			if idx < 0 {
				return "", &ValidationError{
					Kind:    "unterminated_comment",
					Message: "block comment is never closed",
					Hints:   []string{"terminate the comment with */"},
				}
			}
			s = s[2+idx+2:]
		default:
			return s, nil
		}
	}
}

// leadingWord returns the first run of letter characters.
func leadingWord(s string) string {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' {
			continue
		}
		return s[:i]
	}
	return s
}

// Preview returns the first n characters of a statement for logging.
func Preview(statement string, n int) string {
	statement = strings.TrimSpace(statement)
	if len(statement) <= n {
		return statement
	}
	return fmt.Sprintf("%s...", statement[:n])
}
