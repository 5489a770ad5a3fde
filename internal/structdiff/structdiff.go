// Package structdiff implements structural comparison and three-way merge
// of JSON-object payloads. Decoded JSON values are tagged with an explicit
// kind (null, bool, number, string, array, object); comparisons pattern-match
// kinds rather than relying on dynamic type checks, so "type changed between
// branches" is an ordinary kind mismatch instead of an implicit falsy
// comparison. Objects recurse field by field building dotted paths; arrays
// and scalars compare as whole values.
package structdiff

import "reflect"

// Kind tags a decoded JSON value.
type Kind int

const (
	KindInvalid Kind = iota // not a JSON value
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// kindOf classifies a value as decoded by encoding/json into any.
func kindOf(v any) Kind {
	if v == nil {
		return KindNull
	}
	switch v.(type) {
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	case string:
		return KindString
	case float64:
		return KindNumber
	case bool:
		return KindBool
	default:
		return KindInvalid
	}
}

// deepEqual compares two decoded JSON values structurally. Values of
// different kinds are never equal. Non-JSON values fall back to
// reflect.DeepEqual.
func deepEqual(a, b any) bool {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return false
	}
	switch ka {
	case KindNull:
		return true
	case KindBool:
		return a.(bool) == b.(bool)
	case KindNumber:
		return a.(float64) == b.(float64)
	case KindString:
		return a.(string) == b.(string)
	case KindArray:
		av, bv := a.([]any), b.([]any)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case KindObject:
		av, bv := a.(map[string]any), b.(map[string]any)
		if len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !deepEqual(x, y) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
