package filter

import (
	"encoding/json"
	"fmt"
)

// Fingerprint returns the canonical serialization of an expression. Equal
// trees produce equal fingerprints; a nil expression fingerprints as "".
func Fingerprint(expr Expression) (string, error) {
	if expr == nil {
		return "", nil
	}
	canonical, err := canonicalize(expr)
	if err != nil {
		return "", err
	}
	// encoding/json sorts map keys, which makes the output canonical.
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("fingerprint filter: %w", err)
	}
	return string(data), nil
}

func canonicalize(expr Expression) (any, error) {
	switch e := expr.(type) {
	case FieldPredicate:
		op := e.Operator
		if op == "" {
			op = OpEq
		}
		return map[string]any{"field": e.Field, "op": string(op), "value": normalizeForFingerprint(e.Value)}, nil
	case *FieldPredicate:
		return canonicalize(*e)
	case LogicalNode:
		children := make([]any, 0, len(e.Children))
		for _, child := range e.Children {
			if child == nil {
				children = append(children, nil)
				continue
			}
			c, err := canonicalize(child)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		return map[string]any{"logic": string(e.Op), "children": children}, nil
	case *LogicalNode:
		return canonicalize(*e)
	default:
		return nil, fmt.Errorf("fingerprint filter: unsupported expression %T", expr)
	}
}

func normalizeForFingerprint(v any) any {
	if isCollection(v) {
		return toList(v)
	}
	return normalizeValue(v)
}
