package row

import (
	"crypto/sha256"
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
)

// KeyFrom derives a stable row key from a list of attribute values. Equal
// value lists always derive the same key, so output tables re-keyed from
// content stay deterministic across recomputations.
func KeyFrom(vals ...any) string {
	canonical := make([]any, 0, len(vals))
	for _, v := range vals {
		canonical = append(canonical, canonicalForm(v))
	}

	// Errors are not possible here: canonicalForm reduces every value to
	// JSON-marshalable primitives.
	b, _ := json.Marshal(canonical)
	hash := sha256.Sum256(b)

	// Format as UUID-like string (just for aesthetics).
	return fmt.Sprintf("%x-%x-%x-%x-%x",
		hash[0:4], hash[4:6], hash[6:8], hash[8:10], hash[10:16])
}

// canonicalForm reduces a value to a deterministic JSON-compatible shape.
func canonicalForm(val any) any {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, subVal := range v {
			result[k] = canonicalForm(subVal)
		}
		return result

	case []any:
		result := make([]any, len(v))
		for i, subVal := range v {
			result[i] = canonicalForm(subVal)
		}
		return result

	case Pointer:
		return map[string]any{pointerField: map[string]any{"table": v.table, "key": v.key}}

	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)

	case int64, float64, string, bool, nil:
		return v

	default:
		return fmt.Sprintf("%v", v)
	}
}
