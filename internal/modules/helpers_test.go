package modules

import (
	"testing"
)

func TestToJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    string
		wantErr bool
	}{
		{"map", map[string]string{"a": "b"}, `{"a":"b"}`, false},
		{"struct", struct {
			Name string `json:"name"`
		}{Name: "test"}, `{"name":"test"}`, false},
		{"nil", nil, "null", false},
		{"number", 42, "42", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToJSON(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ToJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToStringSlice(t *testing.T) {
	tests := []struct {
		name  string
		input []interface{}
		want  int
	}{
		{"all strings", []interface{}{"a", "b", "c"}, 3},
		{"mixed types", []interface{}{"a", 42, true, "b"}, 2},
		{"empty", []interface{}{}, 0},
		{"no strings", []interface{}{1, 2, 3}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToStringSlice(tt.input)
			if len(got) != tt.want {
				t.Errorf("len(ToStringSlice()) = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParamGetters(t *testing.T) {
	params := map[string]any{
		"slug":   "  policyengine ",
		"limit":  float64(25),
		"tags":   []interface{}{"a", 1, "b"},
		"number": "not-a-number",
	}

	if got := StringParam(params, "slug"); got != "policyengine" {
		t.Errorf("StringParam = %q", got)
	}
	if got := StringParam(params, "missing"); got != "" {
		t.Errorf("StringParam(missing) = %q", got)
	}
	if got := IntParam(params, "limit", 50); got != 25 {
		t.Errorf("IntParam = %d", got)
	}
	if got := IntParam(params, "number", 50); got != 50 {
		t.Errorf("IntParam(non-number) = %d, want default", got)
	}
	if got := StringSliceParam(params, "tags"); len(got) != 2 || got[1] != "b" {
		t.Errorf("StringSliceParam = %v", got)
	}
	if got := StringSliceParam(params, "missing"); got != nil {
		t.Errorf("StringSliceParam(missing) = %v", got)
	}
}

func TestIntegerValue(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   int64
		wantOK bool
	}{
		{"whole", float64(1050), 1050, true},
		{"negative", float64(-3), -3, true},
		{"fraction", 10.5, 0, false},
		{"two to the 63", 9.223372036854775808e18, 0, false},
		{"string", "10", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := IntegerValue(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("IntegerValue(%v) = %d, %v; want %d, %v", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestObjectSliceParam(t *testing.T) {
	params := map[string]any{
		"items": []interface{}{map[string]any{"a": 1.0}, map[string]any{}},
		"mixed": []interface{}{map[string]any{}, "x"},
	}

	got, ok := ObjectSliceParam(params, "items")
	if !ok || len(got) != 2 || got[0]["a"] != 1.0 {
		t.Errorf("ObjectSliceParam(items) = %v, %v", got, ok)
	}
	if got, ok := ObjectSliceParam(params, "missing"); !ok || got != nil {
		t.Errorf("ObjectSliceParam(missing) = %v, %v", got, ok)
	}
	if _, ok := ObjectSliceParam(params, "mixed"); ok {
		t.Error("ObjectSliceParam(mixed) should fail")
	}
}
