package sqlguard

import "fmt"

// Policy is an explicit allow/deny map over statement kinds. Kinds absent
// from the map are denied, so KindCommand falls through safely.
type Policy map[Kind]bool

// DefaultPolicy allows read-shaped statements and denies mutations.
func DefaultPolicy() Policy {
	return Policy{
		KindSelect:   true,
		KindShow:     true,
		KindDescribe: true,
		KindExplain:  true,
		KindUse:      true,

		KindInsert:   false,
		KindUpdate:   false,
		KindDelete:   false,
		KindMerge:    false,
		KindCreate:   false,
		KindAlter:    false,
		KindDrop:     false,
		KindTruncate: false,
		KindCall:     false,
		KindGrant:    false,
		KindRevoke:   false,
		KindCommand:  false,
	}
}

// DeniedError is returned when the policy rejects a statement kind. It
// carries up to three safe alternatives so agents can self-correct.
type DeniedError struct {
	Kind             Kind
	SafeAlternatives []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("statement kind %q is not permitted by the active SQL policy", e.Kind)
}

// Validate applies the policy to an already classified kind.
func (p Policy) Validate(kind Kind) error {
	if p[kind] {
		return nil
	}
	return &DeniedError{Kind: kind, SafeAlternatives: safeAlternatives(kind)}
}

// ValidateStatement classifies then validates in one step.
func (p Policy) ValidateStatement(statement string) (Kind, error) {
	kind, err := Classify(statement)
	if err != nil {
		return "", err
	}
	if err := p.Validate(kind); err != nil {
		return kind, err
	}
	return kind, nil
}

// safeAlternatives suggests read-only substitutes for a denied kind.
func safeAlternatives(kind Kind) []string {
	switch kind {
	case KindInsert, KindUpdate, KindDelete, KindMerge:
		return []string{
			"preview the affected rows with SELECT ... LIMIT 100",
			"describe the target table with DESCRIBE TABLE <name>",
		}
	case KindTruncate, KindDrop:
		return []string{
			"inspect the data first with SELECT ... LIMIT 100",
			"check object metadata with SHOW TABLES LIKE '<name>'",
		}
	case KindCreate, KindAlter:
		return []string{
			"review the existing definition with SHOW CREATE TABLE <name>",
			"validate the query shape with EXPLAIN <select>",
		}
	case KindGrant, KindRevoke:
		return []string{
			"audit current grants with SHOW GRANTS ON <object>",
		}
	default:
		return []string{
			"use a SELECT statement to read data",
			"use SHOW or DESCRIBE to inspect metadata",
		}
	}
}
