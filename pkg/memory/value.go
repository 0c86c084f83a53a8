package memory

import (
	"encoding/json"
	"fmt"
)

// ValueKind discriminates the closed metadata value union.
type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is a typed metadata value. Metadata maps are validated at the API
// boundary so stored metadata is always one of these five shapes.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
	Map  map[string]Value
}

func String(v string) Value  { return Value{Kind: KindString, Str: v} }
func Number(v float64) Value { return Value{Kind: KindNumber, Num: v} }
func Bool(v bool) Value      { return Value{Kind: KindBool, Bool: v} }
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }
func Map(m map[string]Value) Value {
	return Value{Kind: KindMap, Map: m}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	}
	return nil, fmt.Errorf("marshal metadata value: unknown kind %d", v.Kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueFrom(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueFrom converts a decoded JSON value into a Value, rejecting anything
// outside the closed union.
func ValueFrom(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case bool:
		return Bool(t), nil
	case nil:
		return String(""), nil
	case []interface{}:
		list := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := ValueFrom(item)
			if err != nil {
				return Value{}, err
			}
			list = append(list, v)
		}
		return Value{Kind: KindList, List: list}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := ValueFrom(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{Kind: KindMap, Map: m}, nil
	}
	return Value{}, fmt.Errorf("%w: unsupported metadata value type %T", ErrValidation, raw)
}

// ValidateMetadata checks a metadata map for empty keys and excessive nesting.
func ValidateMetadata(meta map[string]Value) error {
	for k, v := range meta {
		if k == "" {
			return fmt.Errorf("%w: empty metadata key", ErrValidation)
		}
		if err := validateValue(v, 0); err != nil {
			return fmt.Errorf("%w: metadata key %q: %v", ErrValidation, k, err)
		}
	}
	return nil
}

const maxMetadataDepth = 4

func validateValue(v Value, depth int) error {
	if depth > maxMetadataDepth {
		return fmt.Errorf("nested deeper than %d levels", maxMetadataDepth)
	}
	switch v.Kind {
	case KindString, KindNumber, KindBool:
		return nil
	case KindList:
		for _, item := range v.List {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		for k, item := range v.Map {
			if k == "" {
				return fmt.Errorf("empty nested key")
			}
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown value kind %d", v.Kind)
}

func encodeMetadata(meta map[string]Value) string {
	if len(meta) == 0 {
		return "{}"
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(raw string) map[string]Value {
	if raw == "" || raw == "{}" {
		return nil
	}
	out := map[string]Value{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
