package value

import "reflect"

// Equal reports whether two values are definitely equal. Numbers compare by
// value across int and double; composites compare component-wise.
func Equal(a, b Value) bool {
	if isNumeric(a) && isNumeric(b) {
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I == b.I
		}
		return a.Float() == b.Float()
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindUnspeced, KindBreak, KindSuccess:
		return true
	case KindBool, KindDatetime:
		return a.I == b.I
	case KindString, KindPath:
		return a.S == b.S
	case KindTuple, KindCons, KindPartial:
		if a.S != b.S || len(a.Elems) != len(b.Elems) {
			return false
		}
		for i := range a.Elems {
			if !Equal(a.Elems[i], b.Elems[i]) {
				return false
			}
		}
		return true
	case KindFunc:
		return a.S == b.S
	case KindOpaque:
		if a.S != b.S {
			return false
		}
		ka, okA := a.AsKeyValPair()
		kb, okB := b.AsKeyValPair()
		if okA && okB {
			return ka.String() == kb.String()
		}
		return sameOpaque(a.Opaque, b.Opaque)
	}
	return false
}

func isNumeric(v Value) bool { return v.Kind == KindInt || v.Kind == KindDouble }

// Float returns the numeric payload as a double.
func (v Value) Float() float64 {
	if v.Kind == KindDouble {
		return v.D
	}
	return float64(v.I)
}

func sameOpaque(x, y interface{}) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	t := reflect.TypeOf(x)
	return t == reflect.TypeOf(y) && t.Comparable() && x == y
}
