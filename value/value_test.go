package value

import (
	"encoding/json"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "int becomes float64", in: 42, want: float64(42)},
		{name: "int64 becomes float64", in: int64(7), want: float64(7)},
		{name: "string passthrough", in: "hello", want: "hello"},
		{name: "bool passthrough", in: true, want: true},
		{name: "nil passthrough", in: nil, want: nil},
		{name: "json number", in: json.Number("3.5"), want: 3.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if got != tt.want {
				t.Errorf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeNested(t *testing.T) {
	in := map[string]any{
		"n":    1,
		"list": []any{2, map[string]any{"x": 3}},
	}
	got, ok := Normalize(in).(Map)
	if !ok {
		t.Fatalf("expected Map, got %T", Normalize(in))
	}
	if got["n"] != float64(1) {
		t.Errorf("n = %v, want 1.0", got["n"])
	}
	list := got.Slice("list")
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0] != float64(2) {
		t.Errorf("list[0] = %v, want 2.0", list[0])
	}
	inner, ok := list[1].(Map)
	if !ok || inner["x"] != float64(3) {
		t.Errorf("list[1] = %v, want Map{x:3}", list[1])
	}
}

func TestMergeDeep(t *testing.T) {
	dst := Map{
		"a": Map{"x": float64(1), "y": float64(2)},
		"b": "keep",
	}
	src := Map{
		"a": Map{"y": float64(9), "z": float64(3)},
		"c": "new",
	}
	dst.Merge(src)

	a := dst.Map("a")
	if a["x"] != float64(1) || a["y"] != float64(9) || a["z"] != float64(3) {
		t.Errorf("merged a = %v", a)
	}
	if dst["b"] != "keep" || dst["c"] != "new" {
		t.Errorf("merged top = %v", dst)
	}
}

func TestMergeOverwritesNonMap(t *testing.T) {
	dst := Map{"a": "scalar"}
	dst.Merge(Map{"a": Map{"x": float64(1)}})
	if dst.Map("a")["x"] != float64(1) {
		t.Errorf("expected map overwrite, got %v", dst["a"])
	}
}

func TestCloneIsolation(t *testing.T) {
	orig := Map{"a": Map{"x": float64(1)}, "l": []any{"v"}}
	cp := orig.Clone()
	cp.Map("a")["x"] = float64(99)
	cp.Slice("l")[0] = "changed"

	if orig.Map("a")["x"] != float64(1) {
		t.Error("clone shares nested map with original")
	}
	if orig.Slice("l")[0] != "v" {
		t.Error("clone shares slice with original")
	}
}

func TestGetPath(t *testing.T) {
	m := Map{
		"user": Map{
			"name":  "ada",
			"roles": []any{"admin", "dev"},
		},
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"user.name", "ada", true},
		{"user.roles.1", "dev", true},
		{"user.roles.5", nil, false},
		{"user.missing", nil, false},
		{"", nil, false},
		{"user", m["user"], true},
	}

	for _, tt := range tests {
		got, ok := m.GetPath(tt.path)
		if ok != tt.wantOK {
			t.Errorf("GetPath(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if tt.path == "user" {
			continue // map identity, checked by ok
		}
		if ok && got != tt.want {
			t.Errorf("GetPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSetPath(t *testing.T) {
	m := Map{}
	m.SetPath("a.b.c", 5)
	got, ok := m.GetPath("a.b.c")
	if !ok || got != float64(5) {
		t.Errorf("SetPath round trip = %v, %v", got, ok)
	}
}

func TestTypedAccessors(t *testing.T) {
	m := Map{"s": "str", "n": float64(4), "b": true, "f": 2.5}

	if m.String("s") != "str" {
		t.Errorf("String = %q", m.String("s"))
	}
	if m.StringOr("missing", "dflt") != "dflt" {
		t.Error("StringOr default not applied")
	}
	if n, ok := m.Int("n"); !ok || n != 4 {
		t.Errorf("Int = %d, %v", n, ok)
	}
	if m.IntOr("missing", 7) != 7 {
		t.Error("IntOr default not applied")
	}
	if f, ok := m.Float("f"); !ok || f != 2.5 {
		t.Errorf("Float = %v, %v", f, ok)
	}
	if !m.Bool("b") {
		t.Error("Bool = false, want true")
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	data, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(data) != `{"a":2,"b":1}` {
		t.Errorf("CanonicalJSON = %s", data)
	}
}
