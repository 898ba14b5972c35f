package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqualSyntactic(t *testing.T) {
	assert.True(t, EqualSyntactic(IntT, Simple(Int)))
	assert.False(t, EqualSyntactic(IntT, DoubleT))
	assert.True(t, EqualSyntactic(NewCons("pair", IntT, StringT), NewCons("pair", IntT, StringT)))
	assert.False(t, EqualSyntactic(NewCons("pair", IntT), NewCons("other", IntT)))
	assert.True(t, EqualSyntactic(NewVar(1, IntT), NewVar(1, DoubleT)))
	assert.False(t, EqualSyntactic(NewVar(1), NewVar(2)))
	assert.False(t, EqualSyntactic(nil, IntT))
}

func TestTarget(t *testing.T) {
	assert.Equal(t, DoubleT, NewFlex(DoubleT).Target())
	assert.Equal(t, IntT, NewFixd(StringT, IntT).Target())
	assert.Equal(t, StringT, StringT.Target())
}

func TestBindings(t *testing.T) {
	v := NewVar(0, IntT, DoubleT)
	b := Bindings{}
	assert.Equal(t, v, b.Resolve(v))
	b[0] = DoubleT
	assert.Equal(t, DoubleT, b.Resolve(v))
	assert.Equal(t, []*Type{IntT, DoubleT}, v.Disjuncts())
}

func TestString(t *testing.T) {
	assert.Equal(t, "0{integer double}", NewVar(0, IntT, DoubleT).String())
	assert.Equal(t, "(integer * string)", NewTuple(IntT, StringT).String())
	assert.Equal(t, "f double", NewFlex(DoubleT).String())
	assert.Equal(t, "(integer) -> boolean", NewFunc(NewTuple(IntT), BoolT).String())
}
