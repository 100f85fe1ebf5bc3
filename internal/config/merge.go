package config

import "encoding/json"

// DeepMerge implements spec.md §4.15's merge rule: for each key, if
// both sides are plain objects, recurse; arrays override wholesale;
// scalars override only when the override's type matches the base's
// type (a malformed override — e.g. a string where a number was
// expected — is ignored rather than corrupting the config).
func DeepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, ov := range override {
		bv, exists := result[k]
		if !exists {
			result[k] = ov
			continue
		}

		bMap, bIsMap := bv.(map[string]any)
		oMap, oIsMap := ov.(map[string]any)
		if bIsMap && oIsMap {
			result[k] = DeepMerge(bMap, oMap)
			continue
		}

		if sameScalarKind(bv, ov) {
			result[k] = ov
			continue
		}

		// Arrays override wholesale when present.
		if _, isArr := ov.([]any); isArr {
			result[k] = ov
			continue
		}

		// Type mismatch on a scalar: ignore the override, keep base.
	}

	return result
}

// sameScalarKind reports whether both values are non-map, non-array
// JSON scalars of the same dynamic type (bool, float64, or string, as
// produced by encoding/json decoding into interface{}).
func sameScalarKind(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case float64:
		_, ok := b.(float64)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	case nil:
		return b == nil
	}
	return false
}

// toGenericMap round-trips a RuntimeConfig through JSON into a
// map[string]any, used as the merge base so Default()'s values
// participate in DeepMerge on equal footing with the file's contents.
func toGenericMap(c *RuntimeConfig) (map[string]any, error) {
	snap := c.Snapshot()
	data, err := json.Marshal(&snap)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromGenericMap decodes a merged map back into dst, preserving dst's
// mutex (Unmarshal does not touch unexported fields).
func fromGenericMap(m map[string]any, dst *RuntimeConfig) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
