package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Value is the sealed interface implemented by every content node.
type Value interface {
	contentValue()
}

// Null represents JSON null.
type Null struct{}

func (Null) contentValue() {}

// String is a UTF-8 string value.
type String string

func (String) contentValue() {}

// Int is an integral number that fits in int64.
type Int int64

func (Int) contentValue() {}

// Float is a non-integral (or out of int64 range) number.
type Float float64

func (Float) contentValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) contentValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) contentValue() {}

// Object is a map with unique string keys. Key order carries no meaning.
type Object map[string]Value

func (Object) contentValue() {}

// Equal reports whether a and b are structurally equal.
// A nil Value is treated as Null.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}

	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		switch bv := b.(type) {
		case Int:
			return av == bv
		case Float:
			return intEqualsFloat(av, bv)
		}
		return false
	case Float:
		switch bv := b.(type) {
		case Float:
			return av == bv
		case Int:
			return intEqualsFloat(bv, av)
		}
		return false
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, present := bv[k]
			if !present || !Equal(x, y) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// intEqualsFloat compares exactly: f must be integral, inside the int64
// range and equal to i. Converting i to float64 would round above 2^53.
func intEqualsFloat(i Int, f Float) bool {
	x := float64(f)
	if x != math.Trunc(x) || x < -(1<<63) || x >= 1<<63 {
		return false
	}
	return int64(x) == int64(i)
}

// Clone returns a deep copy of v. Scalars are returned as is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case nil:
		return Null{}
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		out := make(Object, len(val))
		for k, elem := range val {
			out[k] = Clone(elem)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 orders strings by UTF-16 code units, which differs from
// Go's byte-wise ordering for characters outside the BMP.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Parse decodes a JSON document into a Value. Integral numbers become Int,
// everything else numeric becomes Float.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode content: trailing data after JSON value")
	}
	return FromAny(raw)
}

// FromAny converts a decoded Go value (from encoding/json with UseNumber,
// yaml.v3, or literal Go maps and slices) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return Float(val), nil
		}
		return Int(val), nil
	case float32:
		return numberFromFloat(float64(val))
	case float64:
		return numberFromFloat(val)
	case json.Number:
		return numberFromLiteral(string(val))
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported content type: %T", v)
	}
}

func numberFromLiteral(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return numberFromFloat(f)
}

func numberFromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	return Float(f), nil
}

// ToAny converts a Value back into plain Go values (json.Number for numbers),
// the shape expected by JSON Schema validation and encoding/json.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Bool:
		return bool(val)
	case Int:
		return json.Number(strconv.FormatInt(int64(val), 10))
	case Float:
		return json.Number(formatFloat(float64(val)))
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implementations render canonical JSON so values embed cleanly
// in API payloads.

func (v Null) MarshalJSON() ([]byte, error) { return MarshalCanonical(v) }
func (v Float) MarshalJSON() ([]byte, error) { return MarshalCanonical(v) }
func (v Array) MarshalJSON() ([]byte, error) { return MarshalCanonical(v) }
func (v Object) MarshalJSON() ([]byte, error) { return MarshalCanonical(v) }

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (arr *Array) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	a, ok := v.(Array)
	if !ok {
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	*arr = a
	return nil
}
