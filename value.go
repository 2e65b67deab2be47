package velox

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/oarkflow/convert"
)

// ValueKind tags the dynamic variant stored inside documents. Every
// comparison, encoding, and index-key build routes through this tagged
// union rather than a bare interface{}.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

// Value is the tagged dynamic type documents and index keys are encoded
// through. Only one of the fields is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	B    bool
	I    int64
	F    float64
	S    string
	Bin  []byte
	List []Value
	Map  map[string]Value
}

func Null() Value              { return Value{Kind: KindNull} }
func BoolValue(b bool) Value   { return Value{Kind: KindBool, B: b} }
func IntValue(i int64) Value   { return Value{Kind: KindInt, I: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, F: f} }
func StringValue(s string) Value { return Value{Kind: KindString, S: s} }
func BytesValue(b []byte) Value  { return Value{Kind: KindBytes, Bin: b} }

// FromAny converts a loosely typed Go value (as produced by encoding/json
// unmarshalling into interface{}) into a Value. It is the boundary where
// document fields enter the typed variant.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(t)
	case string:
		return StringValue(t)
	case []byte:
		return BytesValue(t)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return IntValue(int64(t))
		}
		return FloatValue(t)
	case float32:
		return FloatValue(float64(t))
	case int:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		f, _ := t.Float64()
		return FloatValue(f)
	case []any:
		list := make([]Value, len(t))
		for i, item := range t {
			list[i] = FromAny(item)
		}
		return Value{Kind: KindList, List: list}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = FromAny(item)
		}
		return Value{Kind: KindMap, Map: m}
	default:
		if f, ok := convert.ToFloat64(v); ok {
			return FloatValue(f)
		}
		return StringValue(fmt.Sprintf("%v", t))
	}
}

// Any converts a Value back into a loosely typed Go value, the inverse of
// FromAny, used when handing documents back to callers.
func (v Value) Any() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.B
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindString:
		return v.S
	case KindBytes:
		return v.Bin
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			out[k] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// Compare orders two values: numeric vs numeric by natural ordering,
// otherwise lexicographic on the string representation, null sorts least.
// It is pure, reflexive and antisymmetric. It is not transitive when numeric
// and non-numeric values are mixed: IntValue(9) equals StringValue("9"),
// which sorts after IntValue(10), while IntValue(10) sorts after IntValue(9).
func Compare(a, b Value) int {
	if a.Kind == KindNull && b.Kind == KindNull {
		return 0
	}
	if a.Kind == KindNull {
		return -1
	}
	if b.Kind == KindNull {
		return 1
	}
	an, aIsNum := numeric(a)
	bn, bIsNum := numeric(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, bs := stringRepr(a), stringRepr(b)
	return strings.Compare(as, bs)
}

func numeric(v Value) (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I), true
	case KindFloat:
		return v.F, true
	default:
		return 0, false
	}
}

func stringRepr(v Value) string {
	switch v.Kind {
	case KindString:
		return v.S
	case KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case KindBytes:
		return string(v.Bin)
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindFloat:
		return fmt.Sprintf("%g", v.F)
	default:
		b, _ := json.Marshal(v.Any())
		return string(b)
	}
}

// Type tags used when encoding a Value as a secondary-index key component.
const (
	typeTagNull     byte = 0
	typeTagString   byte = 1
	typeTagInt      byte = 2
	typeTagFloat    byte = 3
	typeTagBool     byte = 4
	typeTagFallback byte = 255
)

// EncodeIndexKey produces the canonical byte encoding used for ordering
// secondary-index postings: a one-byte type tag followed by a byte
// sequence that sorts lexicographically within that type.
func EncodeIndexKey(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{typeTagNull}
	case KindString:
		buf := make([]byte, 0, 1+len(v.S))
		buf = append(buf, typeTagString)
		return append(buf, v.S...)
	case KindInt:
		buf := make([]byte, 9)
		buf[0] = typeTagInt
		// Flip the sign bit so two's-complement big-endian integers sort
		// correctly as unsigned byte sequences.
		binary.BigEndian.PutUint64(buf[1:], uint64(v.I)^(1<<63))
		return buf
	case KindFloat:
		buf := make([]byte, 9)
		buf[0] = typeTagFloat
		bits := math.Float64bits(v.F)
		if v.F >= 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		binary.BigEndian.PutUint64(buf[1:], bits)
		return buf
	case KindBool:
		b := byte(0)
		if v.B {
			b = 1
		}
		return []byte{typeTagBool, b}
	default:
		buf := make([]byte, 0, 1+len(v.Bin))
		buf = append(buf, typeTagFallback)
		return append(buf, v.Bin...)
	}
}

// CompareEncodedIndexKeys orders two already-encoded index keys.
func CompareEncodedIndexKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// sortValues is used by the query executor's min/max aggregation.
func sortValues(values []Value, desc bool) {
	sort.SliceStable(values, func(i, j int) bool {
		c := Compare(values[i], values[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}
