package velox

import "testing"

func TestCompareNullSortsLeast(t *testing.T) {
	others := []Value{BoolValue(false), IntValue(0), FloatValue(-1), StringValue("")}
	for _, v := range others {
		if Compare(Null(), v) >= 0 {
			t.Fatalf("expected Null() < %v", v)
		}
		if Compare(v, Null()) <= 0 {
			t.Fatalf("expected %v > Null()", v)
		}
	}
	if Compare(Null(), Null()) != 0 {
		t.Fatalf("expected Null() == Null()")
	}
}

func TestCompareNumericOrdering(t *testing.T) {
	ascending := []Value{IntValue(-5), IntValue(0), IntValue(1), FloatValue(1.5), IntValue(2)}
	for i := 1; i < len(ascending); i++ {
		if Compare(ascending[i-1], ascending[i]) >= 0 {
			t.Fatalf("expected ascending[%d] < ascending[%d]", i-1, i)
		}
	}
}

func TestCompareIsAntisymmetric(t *testing.T) {
	pairs := [][2]Value{
		{IntValue(1), IntValue(2)},
		{StringValue("a"), StringValue("b")},
		{BoolValue(false), BoolValue(true)},
	}
	for _, p := range pairs {
		if Compare(p[0], p[1]) >= 0 {
			t.Fatalf("expected %v < %v", p[0], p[1])
		}
		if Compare(p[1], p[0]) <= 0 {
			t.Fatalf("expected %v > %v", p[1], p[0])
		}
	}
}

func TestEncodeIndexKeyPreservesOrder(t *testing.T) {
	ints := []Value{IntValue(-5), IntValue(0), IntValue(5), IntValue(100)}
	for i := 1; i < len(ints); i++ {
		a := EncodeIndexKey(ints[i-1])
		b := EncodeIndexKey(ints[i])
		if CompareEncodedIndexKeys(a, b) >= 0 {
			t.Fatalf("expected encoded(%v) < encoded(%v)", ints[i-1], ints[i])
		}
	}
}

func TestFromAnyRoundTrip(t *testing.T) {
	if v := FromAny("hello"); v.Any() != "hello" {
		t.Fatalf("string round trip mismatch: %v", v.Any())
	}
	if v := FromAny(42); v.Any() != int64(42) {
		t.Fatalf("int round trip mismatch: %v", v.Any())
	}
	if v := FromAny(3.14); v.Any() != 3.14 {
		t.Fatalf("float round trip mismatch: %v", v.Any())
	}
	if v := FromAny(true); v.Any() != true {
		t.Fatalf("bool round trip mismatch: %v", v.Any())
	}
}
