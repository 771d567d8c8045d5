package facts

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"obcatalog/internal/domain"
)

// Type tags the column a fact value lives in.
type Type string

const (
	TypeInt     Type = "int"
	TypeFloat   Type = "float"
	TypeBool    Type = "bool"
	TypeString  Type = "string"
	TypeUnicode Type = "unicode"
)

func (t Type) valid() bool {
	switch t {
	case TypeInt, TypeFloat, TypeBool, TypeString, TypeUnicode:
		return true
	}
	return false
}

// Value is a typed fact value. Exactly one payload field is meaningful, selected by typ.
// The zero Value is invalid.
type Value struct {
	typ Type
	i   int64
	f   float64
	b   bool
	s   string
}

func Int(v int64) Value        { return Value{typ: TypeInt, i: v} }
func Float(v float64) Value    { return Value{typ: TypeFloat, f: v} }
func Bool(v bool) Value        { return Value{typ: TypeBool, b: v} }
func String(v string) Value    { return Value{typ: TypeString, s: v} }
func Unicode(v string) Value   { return Value{typ: TypeUnicode, s: v} }
func (v Value) Type() Type     { return v.typ }
func (v Value) IsZero() bool   { return v.typ == "" }
func (v Value) Int() int64     { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Bool() bool     { return v.b }
func (v Value) Text() string   { return v.s }

// ValueOf converts a Go value into a fact value.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		if !x.typ.valid() {
			return Value{}, domain.Errorf(domain.ErrUnsupportedFactType, "empty value")
		}
		return x, nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Value{}, domain.Errorf(domain.ErrUnsupportedFactType, "uint %d overflows int64", x)
		}
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, domain.Errorf(domain.ErrUnsupportedFactType, "uint64 %d overflows int64", x)
		}
		return Int(int64(x)), nil
	case float32:
		return checkFloat(float64(x))
	case float64:
		return checkFloat(x)
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	default:
		return Value{}, domain.Errorf(domain.ErrUnsupportedFactType, "%T", v)
	}
}

// NaN cannot be stored in a REAL column.
func checkFloat(f float64) (Value, error) {
	if math.IsNaN(f) {
		return Value{}, domain.Errorf(domain.ErrUnsupportedFactType, "NaN float")
	}
	return Float(f), nil
}

// Parse decodes the textual form of a value of type t.
func Parse(t Type, raw string) (Value, error) {
	switch t {
	case TypeInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, domain.Wrap(domain.ErrValidation, err, "parse int fact %q", raw)
		}
		return Int(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, domain.Wrap(domain.ErrValidation, err, "parse float fact %q", raw)
		}
		return checkFloat(f)
	case TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, domain.Wrap(domain.ErrValidation, err, "parse bool fact %q", raw)
		}
		return Bool(b), nil
	case TypeString:
		return String(raw), nil
	case TypeUnicode:
		return Unicode(raw), nil
	default:
		return Value{}, domain.Errorf(domain.ErrUnsupportedFactType, "type %q", t)
	}
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.typ {
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeBool:
		return v.b
	case TypeString, TypeUnicode:
		return v.s
	}
	return nil
}

func (v Value) String() string {
	switch v.typ {
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeString, TypeUnicode:
		return v.s
	}
	return ""
}

// Equal compares tag and payload; floats compare bit for bit.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case TypeBool:
		return v.b == o.b
	case TypeString, TypeUnicode:
		return v.s == o.s
	}
	return true
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

type columns struct {
	Int   sql.NullInt64
	Float sql.NullFloat64
	Bool  sql.NullInt64
	Text  sql.NullString
}

func (v Value) columns() columns {
	var c columns
	switch v.typ {
	case TypeInt:
		c.Int = sql.NullInt64{Int64: v.i, Valid: true}
	case TypeFloat:
		c.Float = sql.NullFloat64{Float64: v.f, Valid: true}
	case TypeBool:
		var n int64
		if v.b {
			n = 1
		}
		c.Bool = sql.NullInt64{Int64: n, Valid: true}
	case TypeString, TypeUnicode:
		c.Text = sql.NullString{String: v.s, Valid: true}
	}
	return c
}

func (c columns) args() []any {
	return []any{nullable(c.Int), nullable(c.Float), nullable(c.Bool), nullable(c.Text)}
}

func nullable(v driver.Valuer) any {
	out, _ := v.Value()
	return out
}

func decode(t Type, c columns) (Value, error) {
	switch t {
	case TypeInt:
		if c.Int.Valid {
			return Int(c.Int.Int64), nil
		}
	case TypeFloat:
		if c.Float.Valid {
			return Float(c.Float.Float64), nil
		}
	case TypeBool:
		if c.Bool.Valid {
			return Bool(c.Bool.Int64 != 0), nil
		}
	case TypeString:
		if c.Text.Valid {
			return String(c.Text.String), nil
		}
	case TypeUnicode:
		if c.Text.Valid {
			return Unicode(c.Text.String), nil
		}
	default:
		return Value{}, domain.Errorf(domain.ErrUnsupportedFactType, "stored type %q", t)
	}
	return Value{}, fmt.Errorf("fact of type %s has no value column populated", t)
}
