package overlay

import (
	"reflect"
	"testing"
)

func TestOverlayBaseNotMutated(t *testing.T) {
	base := Map{
		"optimizer": map[string]any{"level": "O1", "unroll": false},
		"timeout_s": 30,
	}
	overrides := Map{
		"optimizer": map[string]any{"level": "O3"},
	}

	got := Overlay(base, overrides)

	if lvl, _ := Get(got, "optimizer", "level"); lvl != "O3" {
		t.Errorf("effective optimizer.level = %v, want O3", lvl)
	}
	if lvl, _ := Get(base, "optimizer", "level"); lvl != "O1" {
		t.Errorf("base optimizer.level = %v, overlay mutated the base", lvl)
	}
	if unroll, _ := Get(got, "optimizer", "unroll"); unroll != false {
		t.Errorf("effective optimizer.unroll = %v, want base value false", unroll)
	}
}

func TestOverlayAdditiveKeys(t *testing.T) {
	base := Map{"a": 1}
	got := Overlay(base, Map{"b": 2, "nested": map[string]any{"c": 3}})

	if got["a"] != 1 || got["b"] != 2 {
		t.Errorf("got %v, want a=1 b=2", got)
	}
	if c, ok := Get(got, "nested", "c"); !ok || c != 3 {
		t.Errorf("nested.c = %v (%v), want 3", c, ok)
	}
	if _, ok := base["b"]; ok {
		t.Error("overlay added key to base")
	}
}

func TestOverlayScalarReplacesMap(t *testing.T) {
	base := Map{"opt": map[string]any{"x": 1}}
	got := Overlay(base, Map{"opt": "disabled"})
	if got["opt"] != "disabled" {
		t.Errorf("opt = %v, want scalar replacement", got["opt"])
	}
}

func TestOverlayResultDoesNotAliasInputs(t *testing.T) {
	base := Map{"env": map[string]any{"PATH": "/usr/bin"}, "args": []any{"-v"}}
	got := Overlay(base, Map{})

	got["env"].(map[string]any)["PATH"] = "/tmp"
	got["args"].([]any)[0] = "-q"

	if p, _ := Get(base, "env", "PATH"); p != "/usr/bin" {
		t.Error("mutating result changed base nested map")
	}
	if base["args"].([]any)[0] != "-v" {
		t.Error("mutating result changed base slice")
	}
}

// Two sessions overlaying the same base concurrently must each see only
// their own overrides.
func TestOverlayConcurrentSessionsIsolated(t *testing.T) {
	base := Map{"opt": map[string]any{"level": "O0"}}

	a := Overlay(base, Map{"opt": map[string]any{"level": "X"}})
	b := Overlay(base, Map{"opt": map[string]any{"level": "Y"}})

	if lvl, _ := Get(a, "opt", "level"); lvl != "X" {
		t.Errorf("session A level = %v, want X", lvl)
	}
	if lvl, _ := Get(b, "opt", "level"); lvl != "Y" {
		t.Errorf("session B level = %v, want Y", lvl)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want Map
		err  bool
	}{
		{"nil", nil, Map{}, false},
		{"empty", []byte(""), Map{}, false},
		{"null", []byte("null"), Map{}, false},
		{"object", []byte(`{"a":"b"}`), Map{"a": "b"}, false},
		{"invalid", []byte("{"), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.err {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse = %v, want %v", got, tt.want)
			}
		})
	}
}
