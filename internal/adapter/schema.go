package adapter

import "github.com/goccy/go-json"

// ScrubToolSchema adjusts an Anthropic tool input schema for OpenAI
// function-calling endpoints, which reject some JSON Schema constructs:
//   - `format: "uri"` on string properties is stripped;
//   - an empty `properties: {}` on objects marked
//     `additionalProperties: true` is removed.
//
// Unparseable schemas are passed through unchanged.
func ScrubToolSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}

	var node any
	if err := json.Unmarshal(schema, &node); err != nil {
		return schema
	}

	scrubbed := scrubNode(node)
	out, err := json.Marshal(scrubbed)
	if err != nil {
		return schema
	}
	return out
}

func scrubNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		if v["type"] == "string" && v["format"] == "uri" {
			delete(v, "format")
		}
		if v["type"] == "object" {
			if additional, ok := v["additionalProperties"].(bool); ok && additional {
				if props, ok := v["properties"].(map[string]any); ok && len(props) == 0 {
					delete(v, "properties")
				}
			}
		}
		for key, child := range v {
			v[key] = scrubNode(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = scrubNode(child)
		}
		return v
	default:
		return node
	}
}
