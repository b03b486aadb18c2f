package usage

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	NullValue ValueKind = iota
	BoolValue
	NumberValue
	StringValue
	ArrayValue
	ObjectValue
)

func (k ValueKind) String() string {
	switch k {
	case NullValue:
		return "null"
	case BoolValue:
		return "bool"
	case NumberValue:
		return "number"
	case StringValue:
		return "string"
	case ArrayValue:
		return "array"
	case ObjectValue:
		return "object"
	}
	return "unknown"
}

// Value is a JSON-serializable metadata value. The zero Value is null.
// Values are immutable: constructors copy their inputs and accessors return
// copies of nested containers.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: BoolValue, b: b} }

// Number returns a numeric value. NaN and infinities have no JSON form and
// are kept as their string rendering instead.
func Number(n float64) Value {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return String(strconv.FormatFloat(n, 'g', -1, 64))
	}
	return Value{kind: NumberValue, n: n}
}

func String(s string) Value { return Value{kind: StringValue, s: s} }

func Array(items ...Value) Value {
	out := make([]Value, len(items))
	copy(out, items)
	return Value{kind: ArrayValue, arr: out}
}

func Object(fields map[string]Value) Value {
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return Value{kind: ObjectValue, obj: out}
}

// FromAny converts an arbitrary Go value. Anything without a natural JSON
// shape is rendered with fmt.Sprint so metadata is never rejected.
func FromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return Null()
	case Value:
		return val
	case bool:
		return Bool(val)
	case string:
		return String(val)
	case int:
		return Number(float64(val))
	case int8:
		return Number(float64(val))
	case int16:
		return Number(float64(val))
	case int32:
		return Number(float64(val))
	case int64:
		return Number(float64(val))
	case uint:
		return Number(float64(val))
	case uint8:
		return Number(float64(val))
	case uint16:
		return Number(float64(val))
	case uint32:
		return Number(float64(val))
	case uint64:
		return Number(float64(val))
	case float32:
		return Number(float64(val))
	case float64:
		return Number(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return Number(f)
		}
		return String(val.String())
	case []any:
		items := make([]Value, len(val))
		for i, item := range val {
			items[i] = FromAny(item)
		}
		return Value{kind: ArrayValue, arr: items}
	case map[string]any:
		fields := make(map[string]Value, len(val))
		for k, item := range val {
			fields[k] = FromAny(item)
		}
		return Value{kind: ObjectValue, obj: fields}
	case Metadata:
		return Object(val)
	case json.Marshaler:
		return fromMarshaler(val)
	}
	return fromReflect(reflect.ValueOf(v))
}

func fromMarshaler(m json.Marshaler) Value {
	b, err := m.MarshalJSON()
	if err != nil {
		return String(fmt.Sprint(m))
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return String(string(b))
	}
	return FromAny(raw)
}

func fromReflect(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return FromAny(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null()
		}
		items := make([]Value, rv.Len())
		for i := range items {
			items[i] = FromAny(rv.Index(i).Interface())
		}
		return Value{kind: ArrayValue, arr: items}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		fields := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			fields[iter.Key().String()] = FromAny(iter.Value().Interface())
		}
		return Value{kind: ObjectValue, obj: fields}
	case reflect.String:
		return String(rv.String())
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Number(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float())
	case reflect.Invalid:
		return Null()
	}
	return String(fmt.Sprint(rv.Interface()))
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == NullValue }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == BoolValue }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == NumberValue }

func (v Value) AsString() (string, bool) { return v.s, v.kind == StringValue }

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != ArrayValue {
		return nil, false
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out, true
}

func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != ObjectValue {
		return nil, false
	}
	out := make(map[string]Value, len(v.obj))
	for k, item := range v.obj {
		out[k] = item
	}
	return out, true
}

// Any converts v back into plain Go values (nil, bool, float64, string,
// []any, map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case BoolValue:
		return v.b
	case NumberValue:
		return v.n
	case StringValue:
		return v.s
	case ArrayValue:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Any()
		}
		return out
	case ObjectValue:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

func (v Value) String() string {
	if v.kind == StringValue {
		return v.s
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprint(v.Any())
	}
	return string(b)
}

// Metadata is the open key/value context attached to an event.
type Metadata map[string]Value

// MetadataFrom converts a plain map into Metadata.
func MetadataFrom(m map[string]any) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = FromAny(v)
	}
	return out
}

// Clone returns a copy of m. Values are immutable so a shallow copy is deep.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge layers metadata maps into a fresh map; later layers win. It returns
// nil when every layer is empty.
func Merge(layers ...Metadata) Metadata {
	var out Metadata
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if out == nil {
			out = make(Metadata, len(layer))
		}
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
