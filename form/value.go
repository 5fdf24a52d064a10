package form

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// decimalLiteral matches the decimal numeric strings accepted by ToNumber.
var decimalLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// decodeRaw decodes raw preserving number text.
// The bool return is false when raw is absent.
func decodeRaw(raw json.RawMessage) (interface{}, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// stringToNumber converts s using numeric string conversion rules:
// surrounding whitespace is ignored, the empty string is zero, and
// 0x, 0o, and 0b prefixes are honored. NaN is returned for anything else.
func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base > 0 {
			u, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(u)
		}
	}
	if !decimalLiteral.MatchString(s) {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return f
}

// toString converts a decoded JSON value to its string form.
func toString(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case []interface{}:
		s := make([]string, len(v))
		for i := range v {
			s[i] = toString(v[i])
		}
		return strings.Join(s, ",")
	}
	return "[object Object]"
}

// ToNumber converts raw to a number. Absent values and values with no
// numeric interpretation are NaN; null, false, and the empty string are zero.
func ToNumber(raw json.RawMessage) float64 {
	v, present, err := decodeRaw(raw)
	if err != nil || !present {
		return math.NaN()
	}
	return toNumber(v)
}

func toNumber(v interface{}) float64 {
	switch v := v.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 1
		}
		return 0
	case json.Number:
		return stringToNumber(v.String())
	case string:
		return stringToNumber(v)
	case []interface{}:
		if len(v) == 0 {
			return 0
		} else if len(v) == 1 {
			return stringToNumber(toString(v[0]))
		}
	}
	return math.NaN()
}

func truthy(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case json.Number:
		f := stringToNumber(v.String())
		return f != 0 && !math.IsNaN(f)
	case string:
		return v != ""
	}
	return true
}

// asArray normalizes v to a slice. Null elements are dropped.
func asArray(v interface{}) []interface{} {
	var in []interface{}
	switch v := v.(type) {
	case nil:
		return nil
	case []interface{}:
		in = v
	default:
		in = []interface{}{v}
	}
	out := make([]interface{}, 0, len(in))
	for _, e := range in {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// NewValue converts raw into a ResponseValue typed for f.
// Numbers without a finite value are stored as nil.
// Option selections are resolved against the options of f; a selection
// that matches no option keeps its raw value with a nil label.
func (f *Field) NewValue(raw json.RawMessage) (*ResponseValue, error) {
	v, present, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	rv := &ResponseValue{FieldID: f.ID}
	switch f.Type {
	case FieldTypeNumber:
		n := math.NaN()
		if present {
			n = toNumber(v)
		}
		if !math.IsNaN(n) && !math.IsInf(n, 0) {
			rv.Number = &n
		}
	case FieldTypeBool:
		if v != nil {
			rv.Bool = ptr(truthy(v))
		}
	case FieldTypeDate, FieldTypeDateTime:
		var s *string
		if v != nil {
			s = ptr(toStoredText(v, raw))
		}
		if f.Type == FieldTypeDate {
			rv.Date = s
		} else {
			rv.DateTime = s
		}
	case FieldTypeOption:
		sel := asArray(v)
		for _, e := range sel {
			opt := ResponseValueOption{Value: toString(e)}
			if o := f.Option(opt.Value); o != nil {
				opt.OptionID = o.ID
				opt.Label = ptr(o.Label)
			}
			rv.Options = append(rv.Options, opt)
		}
		if f.Config.Multi {
			if sel == nil {
				sel = []interface{}{}
			}
			b, err := json.Marshal(sel)
			if err != nil {
				return nil, err
			}
			rv.Text = ptr(string(b))
		} else if len(sel) > 0 {
			rv.Text = ptr(toString(sel[0]))
		}
	default:
		if v != nil {
			rv.Text = ptr(toStoredText(v, raw))
		}
	}
	return rv, nil
}

// toStoredText returns strings verbatim and any other JSON as compact text.
func toStoredText(v interface{}, raw json.RawMessage) string {
	if s, ok := v.(string); ok {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Interface returns the stored value of rv as it appears to consumers of
// submissions: numbers, bools, strings, or a string slice for multi fields.
func (rv *ResponseValue) Interface(f *Field) interface{} {
	switch {
	case rv.Number != nil:
		return *rv.Number
	case rv.Bool != nil:
		return *rv.Bool
	case rv.Date != nil:
		return *rv.Date
	case rv.DateTime != nil:
		return *rv.DateTime
	case f != nil && f.Type == FieldTypeOption && f.Config.Multi:
		values := make([]string, 0, len(rv.Options))
		for _, o := range rv.Options {
			values = append(values, o.Value)
		}
		return values
	case rv.Text != nil:
		return *rv.Text
	}
	return nil
}
