package facts

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obcatalog/internal/domain"
)

func TestValueOf(t *testing.T) {
	cases := []struct {
		in   any
		want Value
	}{
		{int(3), Int(3)},
		{int8(-3), Int(-3)},
		{uint32(7), Int(7)},
		{uint64(math.MaxInt64), Int(math.MaxInt64)},
		{float32(0.5), Float(0.5)},
		{2.25, Float(2.25)},
		{false, Bool(false)},
		{"x", String("x")},
		{Unicode("é"), Unicode("é")},
	}
	for _, c := range cases {
		got, err := ValueOf(c.in)
		require.NoError(t, err, "%T", c.in)
		assert.True(t, c.want.Equal(got), "%T: %v", c.in, got)
	}
	_, err := ValueOf(Value{})
	require.ErrorIs(t, err, domain.ErrUnsupportedFactType)
}

func TestParse(t *testing.T) {
	v, err := Parse(TypeFloat, "1e-3")
	require.NoError(t, err)
	assert.Equal(t, 0.001, v.Float())
	v, err = Parse(TypeBool, "true")
	require.NoError(t, err)
	assert.True(t, v.Bool())
	v, err = Parse(TypeUnicode, "ü")
	require.NoError(t, err)
	assert.Equal(t, TypeUnicode, v.Type())

	_, err = Parse(TypeInt, "1.5")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = Parse(TypeFloat, "NaN")
	require.ErrorIs(t, err, domain.ErrUnsupportedFactType)
	_, err = Parse("complex", "1")
	require.ErrorIs(t, err, domain.ErrUnsupportedFactType)
}

func TestEqualDistinguishesTypes(t *testing.T) {
	assert.False(t, Int(1).Equal(Float(1)))
	assert.False(t, String("a").Equal(Unicode("a")))
	assert.False(t, Float(0).Equal(Float(math.Copysign(0, -1))))
	assert.True(t, Float(0.1).Equal(Float(0.1)))
}

func TestColumnsRoundTrip(t *testing.T) {
	for _, v := range []Value{Int(-9), Float(1.25), Bool(true), String("s"), Unicode("ü")} {
		got, err := decode(v.Type(), v.columns())
		require.NoError(t, err)
		assert.True(t, v.Equal(got))
	}
	_, err := decode(TypeInt, columns{})
	require.Error(t, err)
}

func TestMarshalJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Value{"a": Int(1), "b": String("x"), "c": Bool(true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"x","c":true}`, string(data))
	assert.Equal(t, "2.5", Float(2.5).String())
}
