package snapshot

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBytes:
		return "bytes"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a single column value read from the records store.
// The zero Value is null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
	raw  []byte
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: append([]byte{}, b...)} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// ValueOf converts a value produced by a database/sql driver.
func ValueOf(src any) (Value, error) {
	switch x := src.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	case int64:
		return Int(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case float64:
		return Float(x), nil
	case float32:
		return Float(float64(x)), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Time(x), nil
	}
	return Value{}, errors.NotSupportedf("column value of type %T", src)
}

// Text returns the value as a string when it holds text or raw bytes.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindBytes:
		return string(v.raw), true
	}
	return "", false
}

// Interface returns the value in a form suitable as a statement argument.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindBytes:
		return v.raw
	}
	return nil
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return true
}

type timeWire struct {
	Time string `json:"$time"`
}

type bytesWire struct {
	Bytes string `json:"$bytes"`
}

// textWire carries text that is not valid UTF-8 and would be mangled by a
// plain JSON string.
type textWire struct {
	Text string `json:"$text"`
}

// MarshalJSON encodes null, strings, numbers and booleans natively. Times,
// raw bytes and text that is not valid UTF-8 use single-key objects so they
// survive a round trip.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		if !utf8.ValidString(v.s) {
			return json.Marshal(textWire{Text: base64.StdEncoding.EncodeToString([]byte(v.s))})
		}
		return json.Marshal(v.s)
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, errors.NotValidf("float value %v", v.f)
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(timeWire{Time: v.t.Format(time.RFC3339Nano)})
	case KindBytes:
		return json.Marshal(bytesWire{Bytes: base64.StdEncoding.EncodeToString(v.raw)})
	}
	return nil, errors.NotValidf("value kind %v", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.NotValidf("empty value")
	}
	switch data[0] {
	case 'n':
		*v = Null()
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Trace(err)
		}
		*v = String(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return errors.Trace(err)
		}
		*v = Bool(b)
		return nil
	case '{':
		return v.unmarshalTagged(data)
	}
	s := string(data)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			*v = Int(i)
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.NotValidf("number %q", s)
	}
	*v = Float(f)
	return nil
}

func (v *Value) unmarshalTagged(data []byte) error {
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.Annotate(err, "decoding tagged value")
	}
	if len(fields) != 1 {
		return errors.NotValidf("tagged value with %d keys", len(fields))
	}
	if s, ok := fields["$time"]; ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return errors.Annotate(err, "decoding time value")
		}
		*v = Time(t)
		return nil
	}
	if s, ok := fields["$text"]; ok {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return errors.Annotate(err, "decoding text value")
		}
		*v = String(string(b))
		return nil
	}
	if s, ok := fields["$bytes"]; ok {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return errors.Annotate(err, "decoding bytes value")
		}
		*v = Value{kind: KindBytes, raw: b}
		return nil
	}
	return errors.NotValidf("tagged value %s", data)
}

// Field is one named column of a row.
type Field struct {
	Name  string
	Value Value
}

// Row is an ordered set of columns. Column order follows the store.
type Row []Field

// Get returns the value of the named column.
func (r Row) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Columns returns the column names in order.
func (r Row) Columns() []string {
	cols := make([]string, len(r))
	for i, f := range r {
		cols[i] = f.Name
	}
	return cols
}

// Equal reports whether two rows hold the same columns in the same order.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i].Name != o[i].Name || !r[i].Value.Equal(o[i].Value) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the row as a JSON object, keeping column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, errors.Annotatef(err, "column %q", f.Name)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return errors.Trace(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.NotValidf("row %s", data)
	}
	row := Row{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return errors.Trace(err)
		}
		name, ok := tok.(string)
		if !ok {
			return errors.NotValidf("column name %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return errors.Annotatef(err, "column %q", name)
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return errors.Annotatef(err, "column %q", name)
		}
		row = append(row, Field{Name: name, Value: v})
	}
	*r = row
	return nil
}
