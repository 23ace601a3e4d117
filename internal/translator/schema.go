package translator

import (
	"fmt"
	"sort"
	"strings"
)

// Keys the upstream schema validator rejects outright.
var droppedSchemaKeys = []string{
	"$schema",
	"additionalProperties",
	"format",
	"default",
	"uniqueItems",
}

// Numeric/length constraints the upstream does not understand. They are
// folded into the description so the model still sees them.
var constraintKeys = []string{
	"minimum",
	"maximum",
	"exclusiveMinimum",
	"exclusiveMaximum",
	"minLength",
	"maxLength",
	"minItems",
	"maxItems",
	"minProperties",
	"maxProperties",
	"multipleOf",
}

// CleanSchema rewrites a JSON-Schema tool definition into the restricted
// dialect the upstream accepts: unsupported keys removed, constraints
// flattened into the description, "null" unions collapsed, and type names
// uppercased. The function is idempotent; cleaning a cleaned schema is a
// no-op.
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	for _, key := range droppedSchemaKeys {
		delete(out, key)
	}

	var constraints []string
	for _, key := range constraintKeys {
		if v, ok := out[key]; ok {
			constraints = append(constraints, fmt.Sprintf("%s: %v", key, v))
			delete(out, key)
		}
	}
	if len(constraints) > 0 {
		sort.Strings(constraints)
		note := "(" + strings.Join(constraints, ", ") + ")"
		if desc, _ := out["description"].(string); desc != "" {
			out["description"] = desc + " " + note
		} else {
			out["description"] = note
		}
	}

	if t, ok := out["type"]; ok {
		out["type"] = cleanType(t)
	}

	// properties maps property names to schemas; the names themselves must
	// not be treated as schema keywords.
	if props, ok := out["properties"].(map[string]any); ok {
		cleaned := make(map[string]any, len(props))
		for name, sub := range props {
			if m, ok := sub.(map[string]any); ok {
				cleaned[name] = CleanSchema(m)
			} else {
				cleaned[name] = sub
			}
		}
		out["properties"] = cleaned
	}

	for k, v := range out {
		if k == "enum" || k == "required" || k == "description" || k == "properties" {
			continue
		}
		switch child := v.(type) {
		case map[string]any:
			out[k] = CleanSchema(child)
		case []any:
			cleaned := make([]any, len(child))
			for i, item := range child {
				if m, ok := item.(map[string]any); ok {
					cleaned[i] = CleanSchema(m)
				} else {
					cleaned[i] = item
				}
			}
			out[k] = cleaned
		}
	}
	return out
}

// cleanType uppercases a type name and collapses nullable unions like
// ["null","string"] to the non-null member.
func cleanType(t any) any {
	switch v := t.(type) {
	case string:
		return strings.ToUpper(v)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok || strings.EqualFold(s, "null") {
				continue
			}
			return strings.ToUpper(s)
		}
		return "STRING"
	}
	return t
}
