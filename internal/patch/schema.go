package patch

import "fmt"

// Schema description formats.
const (
	FormatJSONSchema = "json_schema"
	FormatExamples   = "examples"
	FormatCompact    = "compact"
)

// DescribeSchema emits the patch language description in the requested
// format so agents can discover the contract without trial and error.
func DescribeSchema(format string) (any, error) {
	switch format {
	case FormatJSONSchema, "":
		return jsonSchema(), nil
	case FormatExamples:
		return examples(), nil
	case FormatCompact:
		return compact(), nil
	default:
		return nil, fmt.Errorf("invalid schema format %q (valid: json_schema, examples, compact)", format)
	}
}

func jsonSchema() map[string]any {
	citation := map[string]any{
		"type":     "object",
		"required": []string{"source"},
		"properties": map[string]any{
			"source":       map[string]any{"enum": []string{"query", "api", "url", "observation", "document"}},
			"provider":     map[string]any{"type": "string"},
			"execution_id": map[string]any{"type": "string"},
			"query_id":     map[string]any{"type": "string"},
			"sql_sha256":   map[string]any{"type": "string"},
			"endpoint":     map[string]any{"type": "string"},
			"url":          map[string]any{"type": "string"},
			"path":         map[string]any{"type": "string"},
			"page":         map[string]any{"type": "integer"},
			"description":  map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	}
	insightDraft := map[string]any{
		"type":     "object",
		"required": []string{"summary"},
		"properties": map[string]any{
			"insight_id":         map[string]any{"type": "string", "format": "uuid"},
			"summary":            map[string]any{"type": "string", "minLength": 1},
			"importance":         map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
			"status":             map[string]any{"enum": []string{"active", "archived", "killed"}},
			"citations":          map[string]any{"type": "array", "items": citation},
			"supporting_queries": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"metadata":           map[string]any{"type": "object"},
		},
		"additionalProperties": false,
	}
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   "ProposedChanges",
		"type":    "object",
		"properties": map[string]any{
			"insights_to_add": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"section_id", "insight"},
					"properties": map[string]any{
						"section_id": map[string]any{"type": "string", "format": "uuid"},
						"insight":    insightDraft,
					},
					"additionalProperties": false,
				},
			},
			"insights_to_modify": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"insight_id"},
					"properties": map[string]any{
						"insight_id":         map[string]any{"type": "string", "format": "uuid"},
						"summary":            map[string]any{"type": "string"},
						"importance":         map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
						"status":             map[string]any{"enum": []string{"active", "archived", "killed"}},
						"citations":          map[string]any{"type": "array", "items": citation},
						"supporting_queries": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"metadata":           map[string]any{"type": "object"},
					},
					"additionalProperties": false,
				},
			},
			"insights_to_remove": map[string]any{
				"type": "array", "items": map[string]any{"type": "string", "format": "uuid"},
			},
			"sections_to_add": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"title"},
					"properties": map[string]any{
						"section_id":     map[string]any{"type": "string", "format": "uuid"},
						"title":          map[string]any{"type": "string", "minLength": 1},
						"order":          map[string]any{"type": "integer"},
						"notes":          map[string]any{"type": "string"},
						"content":        map[string]any{"type": "string"},
						"content_format": map[string]any{"enum": []string{"markdown", "text", "html"}},
						"insights":       map[string]any{"type": "array", "items": insightDraft},
						"metadata":       map[string]any{"type": "object"},
					},
					"additionalProperties": false,
				},
			},
			"sections_to_modify": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"section_id"},
					"properties": map[string]any{
						"section_id":            map[string]any{"type": "string", "format": "uuid"},
						"title":                 map[string]any{"type": "string"},
						"order":                 map[string]any{"type": "integer"},
						"notes":                 map[string]any{"type": "string"},
						"content":               map[string]any{"type": "string"},
						"content_format":        map[string]any{"enum": []string{"markdown", "text", "html"}},
						"insight_ids_to_add":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"insight_ids_to_remove": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"insights":              map[string]any{"type": "array", "items": insightDraft},
						"metadata":              map[string]any{"type": "object"},
					},
					"additionalProperties": false,
				},
			},
			"sections_to_remove": map[string]any{
				"type": "array", "items": map[string]any{"type": "string", "format": "uuid"},
			},
			"status_change":    map[string]any{"enum": []string{"active", "archived", "deleted"}},
			"metadata_updates": map[string]any{"type": "object"},
			"title_change":     map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	}
}

func examples() map[string]any {
	return map[string]any{
		"add_insight": map[string]any{
			"insights_to_add": []any{map[string]any{
				"section_id": "7f3c2a10-0000-4000-8000-000000000001",
				"insight": map[string]any{
					"summary":    "Daily swap volume doubled week over week",
					"importance": 8,
					"citations": []any{map[string]any{
						"source":       "query",
						"provider":     "snowflake",
						"execution_id": "3f9e...",
					}},
				},
			}},
		},
		"modify_section": map[string]any{
			"sections_to_modify": []any{map[string]any{
				"section_id": "7f3c2a10-0000-4000-8000-000000000001",
				"title":      "DEX Trading (updated)",
				"insight_ids_to_add": []any{
					"9a1b0000-0000-4000-8000-00000000000a",
				},
			}},
		},
		"atomic_section_with_insights": map[string]any{
			"sections_to_add": []any{map[string]any{
				"title": "Network Activity",
				"order": 1,
				"insights": []any{map[string]any{
					"summary":    "Active addresses grew 12%",
					"importance": 7,
					"citations": []any{map[string]any{
						"source": "observation", "description": "dashboard reading",
					}},
				}},
			}},
		},
		"remove_insight": map[string]any{
			"insights_to_remove": []any{"9a1b0000-0000-4000-8000-00000000000a"},
		},
		"status_change": map[string]any{
			"status_change": "archived",
		},
		"rename": map[string]any{
			"title_change": "Q3 Network Report (final)",
		},
	}
}

func compact() []string {
	return []string{
		"insights_to_add: [{section_id:uuid, insight:{summary:str!, importance:int[0..10], citations:[{source:query|api|url|observation|document, ...}]}}]",
		"insights_to_modify: [{insight_id:uuid!, summary?:str, importance?:int[0..10], status?:active|archived|killed, citations?, metadata?}]",
		"insights_to_remove: [uuid]",
		"sections_to_add: [{title:str!, order?:int, notes?:str, content?:str, content_format?:markdown|text|html, insights?:[draft]}]",
		"sections_to_modify: [{section_id:uuid!, title?, order?, notes?, content?, insight_ids_to_add?:[uuid], insight_ids_to_remove?:[uuid], insights?:[draft]}]",
		"sections_to_remove: [uuid]",
		"status_change: active|archived|deleted (exclusive with all content ops)",
		"metadata_updates: {str:any}",
		"title_change: str",
	}
}

// exampleFor returns a minimal payload example for a validation issue's
// field path, keyed on its leading operation name.
func exampleFor(path string) any {
	ex := examples()
	switch {
	case hasPrefixAny(path, "insights_to_add"):
		return ex["add_insight"]
	case hasPrefixAny(path, "sections_to_modify"):
		return ex["modify_section"]
	case hasPrefixAny(path, "sections_to_add"):
		return ex["atomic_section_with_insights"]
	case hasPrefixAny(path, "insights_to_remove"):
		return ex["remove_insight"]
	case hasPrefixAny(path, "status_change"):
		return ex["status_change"]
	case hasPrefixAny(path, "title_change"):
		return ex["rename"]
	default:
		return nil
	}
}

func hasPrefixAny(path, op string) bool {
	return len(path) >= len(op) && path[:len(op)] == op
}
