package form

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

func TestToNumber(t *testing.T) {
	for _, test := range []struct {
		raw  string
		want float64
		nan  bool
	}{
		{raw: `12`, want: 12},
		{raw: `"12"`, want: 12},
		{raw: `" 3.5 "`, want: 3.5},
		{raw: `""`, want: 0},
		{raw: `null`, want: 0},
		{raw: `true`, want: 1},
		{raw: `false`, want: 0},
		{raw: `[]`, want: 0},
		{raw: `[7]`, want: 7},
		{raw: `["8"]`, want: 8},
		{raw: `"0x1A"`, want: 26},
		{raw: `"1e3"`, want: 1000},
		{raw: `".5"`, want: 0.5},
		{raw: `"abc"`, nan: true},
		{raw: `"1,5"`, nan: true},
		{raw: `[1,2]`, nan: true},
		{raw: `[true]`, nan: true},
		{raw: `{}`, nan: true},
		{raw: ``, nan: true},
	} {
		t.Run(test.raw, func(t *testing.T) {
			have := ToNumber(json.RawMessage(test.raw))
			if test.nan {
				if !math.IsNaN(have) {
					t.Errorf("have: %v, want: NaN", have)
				}
				return
			}
			if want := test.want; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}

func TestNewValueScalar(t *testing.T) {
	for _, test := range []struct {
		name string
		typ  FieldType
		raw  string
		want *ResponseValue
	}{
		{"number", FieldTypeNumber, `"42"`, &ResponseValue{Number: ptr(42.0)}},
		{"number_null", FieldTypeNumber, `null`, &ResponseValue{Number: ptr(0.0)}},
		{"number_nan", FieldTypeNumber, `"n/a"`, &ResponseValue{}},
		{"bool_null", FieldTypeBool, `null`, &ResponseValue{}},
		{"bool_absent", FieldTypeBool, ``, &ResponseValue{}},
		{"bool_string", FieldTypeBool, `"false"`, &ResponseValue{Bool: ptr(true)}},
		{"bool_empty", FieldTypeBool, `""`, &ResponseValue{Bool: ptr(false)}},
		{"bool_zero", FieldTypeBool, `0`, &ResponseValue{Bool: ptr(false)}},
		{"bool_array", FieldTypeBool, `[]`, &ResponseValue{Bool: ptr(true)}},
		{"date", FieldTypeDate, `"2024-02-30"`, &ResponseValue{Date: ptr("2024-02-30")}},
		{"date_null", FieldTypeDate, `null`, &ResponseValue{}},
		{"datetime", FieldTypeDateTime, `"2024-01-01T10:00:00Z"`, &ResponseValue{DateTime: ptr("2024-01-01T10:00:00Z")}},
		{"text", FieldTypeText, `"hello"`, &ResponseValue{Text: ptr("hello")}},
		{"text_number", FieldTypeText, `12.50`, &ResponseValue{Text: ptr("12.50")}},
		{"text_object", FieldTypeTextarea, `{ "a": 1 }`, &ResponseValue{Text: ptr(`{"a":1}`)}},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := &Field{ID: "f1", Type: test.typ}
			have, err := f.NewValue(json.RawMessage(test.raw))
			if err != nil {
				t.Fatal(err)
			}
			test.want.FieldID = "f1"
			if !reflect.DeepEqual(have, test.want) {
				t.Errorf("have: %+v, want: %+v", have, test.want)
			}
		})
	}
}

func TestNewValueOption(t *testing.T) {
	options := []Option{
		{ID: "o1", Value: "red", Label: "Red"},
		{ID: "o2", Value: "2", Label: "Two"},
	}
	single := &Field{ID: "f1", Type: FieldTypeOption, Options: options}
	multi := &Field{ID: "f2", Type: FieldTypeOption, Options: options, Config: FieldConfig{Multi: true}}

	for _, test := range []struct {
		name     string
		field    *Field
		raw      string
		wantText *string
		wantOpts []ResponseValueOption
	}{
		{
			name:     "single_scalar",
			field:    single,
			raw:      `"red"`,
			wantText: ptr("red"),
			wantOpts: []ResponseValueOption{{OptionID: "o1", Value: "red", Label: ptr("Red")}},
		},
		{
			name:     "single_array_takes_first",
			field:    single,
			raw:      `["red", "blue"]`,
			wantText: ptr("red"),
			wantOpts: []ResponseValueOption{
				{OptionID: "o1", Value: "red", Label: ptr("Red")},
				{Value: "blue"},
			},
		},
		{
			name:     "multi_scalar_becomes_array",
			field:    multi,
			raw:      `2`,
			wantText: ptr(`[2]`),
			wantOpts: []ResponseValueOption{{OptionID: "o2", Value: "2", Label: ptr("Two")}},
		},
		{
			name:     "multi_unresolved_kept",
			field:    multi,
			raw:      `["red","gone"]`,
			wantText: ptr(`["red","gone"]`),
			wantOpts: []ResponseValueOption{
				{OptionID: "o1", Value: "red", Label: ptr("Red")},
				{Value: "gone"},
			},
		},
		{
			name:     "multi_null",
			field:    multi,
			raw:      `null`,
			wantText: ptr(`[]`),
		},
		{
			name:  "single_null",
			field: single,
			raw:   `null`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			have, err := test.field.NewValue(json.RawMessage(test.raw))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(have.Text, test.wantText) {
				t.Errorf("text: have: %v, want: %v", deref(have.Text), deref(test.wantText))
			}
			if !reflect.DeepEqual(have.Options, test.wantOpts) {
				t.Errorf("options: have: %+v, want: %+v", have.Options, test.wantOpts)
			}
		})
	}
}

func TestValueInterface(t *testing.T) {
	multi := &Field{ID: "f", Type: FieldTypeOption, Config: FieldConfig{Multi: true}}
	rv, err := multi.NewValue(json.RawMessage(`["a","b"]`))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rv.Interface(multi), []string{"a", "b"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	num := &Field{ID: "n", Type: FieldTypeNumber}
	if rv, err = num.NewValue(json.RawMessage(`"7"`)); err != nil {
		t.Fatal(err)
	}
	if have, want := rv.Interface(num), 7.0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
