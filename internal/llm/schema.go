// internal/llm/schema.go
package llm

import "encoding/json"

// Schema 期望的输出结构，Definition 为 JSON Schema 文本
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
}

// 结构名称
const (
	SchemaCatalog         = "catalog-of-4"
	SchemaTurnWithChoices = "turn-with-choices"
	SchemaFinalNoChoices  = "final-no-choices"
)

const catalogDefinition = `{
  "type": "object",
  "properties": {
    "stories": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "description": {"type": "string"},
          "goal": {"type": "string"}
        },
        "required": ["title", "description", "goal"],
        "additionalProperties": false
      }
    }
  },
  "required": ["stories"],
  "additionalProperties": false
}`

const turnDefinition = `{
  "type": "object",
  "properties": {
    "story": {"type": "string"},
    "img": {"type": "string"},
    "choices": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": "string"},
          "outcome": {"type": "string"}
        },
        "required": ["description", "outcome"],
        "additionalProperties": false
      }
    }
  },
  "required": ["story", "img", "choices"],
  "additionalProperties": false
}`

const finalDefinition = `{
  "type": "object",
  "properties": {
    "story": {"type": "string"},
    "img": {"type": "string"}
  },
  "required": ["story", "img"],
  "additionalProperties": false
}`

// CatalogSchema 四个故事背景
func CatalogSchema() Schema {
	return Schema{
		Name:        SchemaCatalog,
		Description: "Four adventure premises, each with a title, description and goal.",
		Definition:  json.RawMessage(catalogDefinition),
	}
}

// TurnSchema 一段故事加两个选项
func TurnSchema() Schema {
	return Schema{
		Name:        SchemaTurnWithChoices,
		Description: "A story segment, an image prompt and exactly two choices.",
		Definition:  json.RawMessage(turnDefinition),
	}
}

// FinalSchema 结局段落，无选项
func FinalSchema() Schema {
	return Schema{
		Name:        SchemaFinalNoChoices,
		Description: "The concluding story segment and an image prompt.",
		Definition:  json.RawMessage(finalDefinition),
	}
}
