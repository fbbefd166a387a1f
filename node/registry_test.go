package node

import (
	"context"
	"testing"

	"github.com/aiinpocket/n3n/value"
)

type stubHandler struct {
	desc Descriptor
}

func (s stubHandler) Descriptor() Descriptor          { return s.desc }
func (s stubHandler) ConfigSchema() value.Map         { return value.Map{"type": "object"} }
func (s stubHandler) Interface() InterfaceDef         { return InterfaceDef{} }
func (s stubHandler) Validate(value.Map) ValidationResult { return OK() }
func (s stubHandler) Execute(context.Context, *Context) (Result, error) {
	return Success{Output: value.Map{}}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler{desc: Descriptor{Type: "httpRequest"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if h := r.Get("httpRequest"); h == nil {
		t.Fatal("Get returned nil for registered type")
	}
	if h := r.Get("nope"); h != nil {
		t.Fatal("Get returned handler for unknown type")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(stubHandler{desc: Descriptor{Type: "log"}})
	if err := r.Register(stubHandler{desc: Descriptor{Type: "log"}}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryRejectsEmptyType(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler{}); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(stubHandler{desc: Descriptor{Type: "zeta"}})
	_ = r.Register(stubHandler{desc: Descriptor{Type: "alpha"}})
	list := r.List()
	if len(list) != 2 || list[0].Type != "alpha" || list[1].Type != "zeta" {
		t.Errorf("List = %v, want sorted [alpha zeta]", list)
	}
}

func TestFuzzyFind(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(stubHandler{desc: Descriptor{Type: "httpRequest"}})
	_ = r.Register(stubHandler{desc: Descriptor{Type: "condition"}})
	_ = r.Register(stubHandler{desc: Descriptor{Type: "transform"}})

	tests := []struct {
		in   string
		want string
	}{
		{"htpRequest", "httpRequest"},
		{"httprequest", "httpRequest"},
		{"conditon", "condition"},
		{"completely-different", ""},
	}
	for _, tt := range tests {
		if got := r.FuzzyFind(tt.in); got != tt.want {
			t.Errorf("FuzzyFind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestHandleLive(t *testing.T) {
	tests := []struct {
		name    string
		handles map[string]bool
		handle  string
		want    bool
	}{
		{"nil handles: everything live", nil, "true", true},
		{"declared live", map[string]bool{"true": true, "false": false}, "true", true},
		{"declared dead", map[string]bool{"true": true, "false": false}, "false", false},
		{"default always live", map[string]bool{"true": true}, "", true},
		{"undeclared named handle dead", map[string]bool{"true": true}, "other", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HandleLive(tt.handles, tt.handle); got != tt.want {
				t.Errorf("HandleLive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultiOperationHandler(t *testing.T) {
	h := NewMultiOperationHandler(
		Descriptor{Type: "mail", DisplayName: "Mail"},
		InterfaceDef{},
		nil,
	)
	h.RegisterOperation(
		ResourceDef{Name: "message"},
		OperationDef{Name: "send"},
		func(_ context.Context, nc *Context) (Result, error) {
			return Success{Output: value.Map{"sent": true}}, nil
		},
	)

	if res := h.Validate(value.Map{"resource": "message", "operation": "send"}); !res.Valid {
		t.Errorf("Validate = %+v", res)
	}
	if res := h.Validate(value.Map{"resource": "message", "operation": "burn"}); res.Valid {
		t.Error("expected unknown operation to fail validation")
	}
	if res := h.Validate(value.Map{"operation": "send"}); res.Valid {
		t.Error("expected missing resource to fail validation")
	}

	out, err := h.Execute(context.Background(), &Context{
		Config: value.Map{"resource": "message", "operation": "send"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	success, ok := out.(Success)
	if !ok || !success.Output.Bool("sent") {
		t.Errorf("Execute = %+v", out)
	}

	schema := h.ConfigSchema()
	multi := schema.Map("x-multi-operation")
	if multi == nil {
		t.Fatal("schema missing x-multi-operation")
	}
	if multi.Map("resources").Map("message") == nil {
		t.Errorf("resources = %v", multi.Map("resources"))
	}
}
