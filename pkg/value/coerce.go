package value

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"

	"nre/pkg/rerr"
	"nre/pkg/types"
)

// Conversion turns a value of one kind into another.
type Conversion func(v Value) (Value, error)

type convKey struct {
	from Kind
	to   types.Kind
}

var conversions = map[convKey]Conversion{
	{KindDouble, types.Int}: func(v Value) (Value, error) {
		if v.D != math.Trunc(v.D) || math.IsInf(v.D, 0) || math.IsNaN(v.D) {
			return Value{}, rerr.New(rerr.DynamicCoercionError, "double %s has a fractional part", FormatDouble(v.D))
		}
		if !fitsInt64(v.D) {
			return Value{}, rerr.New(rerr.DynamicCoercionError, "double %s is out of integer range", FormatDouble(v.D))
		}
		return Int(int64(v.D)), nil
	},
	{KindBool, types.Int}:   func(v Value) (Value, error) { return Int(v.I), nil },
	{KindString, types.Int}: stringTo(types.Int),

	{KindInt, types.Double}:    func(v Value) (Value, error) { return Double(float64(v.I)), nil },
	{KindBool, types.Double}:   func(v Value) (Value, error) { return Double(float64(v.I)), nil },
	{KindString, types.Double}: stringTo(types.Double),

	{KindInt, types.String}:    toString,
	{KindDouble, types.String}: toString,
	{KindBool, types.String}:   toString,
	{KindPath, types.String}:   toString,
	{KindDatetime, types.String}: func(v Value) (Value, error) {
		return String(v.Time().UTC().Format(time.RFC3339)), nil
	},

	{KindInt, types.Bool}: func(v Value) (Value, error) {
		b, err := cast.ToBoolE(v.I)
		if err != nil {
			return Value{}, rerr.Wrap(rerr.DynamicCoercionError, err, "coerce integer to boolean")
		}
		return Bool(b), nil
	},
	{KindDouble, types.Bool}: func(v Value) (Value, error) { return Bool(int64(v.D) != 0), nil },
	{KindString, types.Bool}: func(v Value) (Value, error) {
		switch v.S {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return Value{}, rerr.New(rerr.DynamicCoercionError, "coerce %q to boolean", v.S)
	},

	{KindString, types.Path}: func(v Value) (Value, error) { return Path(v.S), nil },

	{KindInt, types.Datetime}: func(v Value) (Value, error) { return Value{Kind: KindDatetime, I: v.I}, nil },
	{KindDouble, types.Datetime}: func(v Value) (Value, error) {
		if math.IsNaN(v.D) || !fitsInt64(v.D) {
			return Value{}, rerr.New(rerr.DynamicCoercionError, "double %s is out of time range", FormatDouble(v.D))
		}
		return Value{Kind: KindDatetime, I: int64(v.D)}, nil
	},
}

// fitsInt64 reports whether d truncates to an int64 without overflow. 2^63 is
// exactly representable, so the upper bound is exclusive.
func fitsInt64(d float64) bool { return d >= math.MinInt64 && d < math.MaxInt64 }

var (
	decimalInt    = regexp.MustCompile(`^([+-]?)0*(\d+?)(\.0*)?$`)
	decimalDouble = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

	errNotDecimal = errors.New("not a base 10 number")
)

// ParseInt reads a base 10 integer. A zero fraction such as "3.00" is
// accepted; leading zeros do not switch to octal and prefixes such as 0x or
// digit separators are rejected.
func ParseInt(s string) (int64, error) {
	m := decimalInt.FindStringSubmatch(s)
	if m == nil {
		return 0, errNotDecimal
	}
	return cast.ToInt64E(m[1] + m[2])
}

// ParseDouble reads a base 10 floating point number with an optional
// exponent.
func ParseDouble(s string) (float64, error) {
	if !decimalDouble.MatchString(strings.TrimSpace(s)) {
		return 0, errNotDecimal
	}
	return cast.ToFloat64E(strings.TrimSpace(s))
}

func toString(v Value) (Value, error) { return String(v.String()), nil }

func stringTo(k types.Kind) Conversion {
	return func(v Value) (Value, error) {
		switch k {
		case types.Int:
			i, err := ParseInt(v.S)
			if err != nil {
				return Value{}, rerr.Wrap(rerr.DynamicCoercionError, err, "coerce string "+quote(v.S)+" to integer")
			}
			return Int(i), nil
		default:
			d, err := ParseDouble(v.S)
			if err != nil {
				return Value{}, rerr.Wrap(rerr.DynamicCoercionError, err, "coerce string "+quote(v.S)+" to double")
			}
			return Double(d), nil
		}
	}
}

func quote(s string) string { return "\"" + s + "\"" }

// Convertible reports whether the table has an entry for the pair.
func Convertible(from Kind, to types.Kind) bool {
	_, ok := conversions[convKey{from, to}]
	return ok
}

// Coerce converts v to the type t. Type variables are resolved through b and
// bound on first use; b may be nil when t contains no variables.
func Coerce(v Value, t *types.Type, b types.Bindings) (Value, error) {
	var future *types.Type
	if t.Kind == types.Flex {
		future = t.Future
	}
	target := b.Resolve(t.Target())

	if target.Kind == types.Var {
		ds := target.Disjuncts()
		if len(ds) == 0 {
			return v, nil
		}
		chosen := ds[0]
		vt := v.Type()
		for _, d := range ds {
			if types.EqualSyntactic(d, vt) {
				chosen = d
				break
			}
		}
		if b != nil {
			b[target.VarID] = chosen
		}
		target = chosen
	}

	res, err := convert(v, target)
	if err != nil {
		return Value{}, err
	}

	if future != nil {
		if future.Kind != types.Var || len(future.Disjuncts()) == 0 {
			return Value{}, rerr.New(rerr.TypeError, "flexible coercion future %s is not a union type", future)
		}
		if res.Kind != KindInt && res.Kind != KindDouble {
			return Value{}, rerr.New(rerr.TypeError, "flexible coercion produced %s, expected a numeric value", res.Kind)
		}
		res.Future = future
	}
	return res, nil
}

func convert(v Value, target *types.Type) (Value, error) {
	if target.Kind == types.Dynamic {
		return v, nil
	}
	if v.Kind == KindUnspeced {
		return Value{}, rerr.New(rerr.DynamicCoercionError, "coerce uninitialized value to %s", target)
	}
	if types.EqualSyntactic(target, v.Type()) {
		return v, nil
	}
	switch target.Kind {
	case types.Tuple:
		if v.Kind == KindTuple && len(v.Elems) == len(target.Args) {
			return v, nil
		}
	case types.Cons:
		if v.Kind == KindCons {
			return v, nil
		}
	case types.Opaque:
		if v.Kind == KindOpaque && v.S == target.Name {
			return v, nil
		}
	case types.Func:
		if v.IsCallable() {
			return v, nil
		}
	}
	if conv, ok := conversions[convKey{v.Kind, target.Kind}]; ok {
		return conv(v)
	}
	return Value{}, rerr.New(rerr.DynamicCoercionError, "coerce from type %s to type %s", v.Kind, target)
}
