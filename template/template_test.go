package template

import (
	"testing"

	"github.com/aiinpocket/n3n/value"
)

func testScope() Scope {
	return Scope{
		Input:   value.Map{"x": float64(10), "name": "ada"},
		Trigger: value.Map{"v": float64(1), "nested": value.Map{"k": "deep"}},
		Env:     value.Map{"region": "eu-west"},
		Nodes: map[string]value.Map{
			"fetch": {"status": float64(200), "body": value.Map{"y": float64(3)}},
		},
	}
}

func TestResolveWholeTokenPreservesType(t *testing.T) {
	cfg := value.Map{
		"count":  "{{input.x}}",
		"status": "{{nodes.fetch.status}}",
		"body":   "{{nodes.fetch.body}}",
	}
	out := Resolve(cfg, testScope())

	if out["count"] != float64(10) {
		t.Errorf("count = %v (%T), want 10.0", out["count"], out["count"])
	}
	if out["status"] != float64(200) {
		t.Errorf("status = %v, want 200.0", out["status"])
	}
	body, ok := out["body"].(value.Map)
	if !ok || body["y"] != float64(3) {
		t.Errorf("body = %v, want map with y=3", out["body"])
	}
}

func TestResolveEmbeddedTokens(t *testing.T) {
	cfg := value.Map{
		"url":  "https://{{env.region}}.example.com/u/{{input.name}}",
		"text": "x is {{input.x}} and flag is {{trigger.missing}}",
	}
	out := Resolve(cfg, testScope())

	if out["url"] != "https://eu-west.example.com/u/ada" {
		t.Errorf("url = %v", out["url"])
	}
	if out["text"] != "x is 10 and flag is " {
		t.Errorf("text = %q", out["text"])
	}
}

func TestResolveUndefinedIsNull(t *testing.T) {
	cfg := value.Map{"v": "{{nodes.nope.out}}"}
	out := Resolve(cfg, testScope())
	if out["v"] != nil {
		t.Errorf("undefined path = %v, want nil", out["v"])
	}
}

func TestResolveNested(t *testing.T) {
	cfg := value.Map{
		"headers": value.Map{"X-Region": "{{env.region}}"},
		"items":   []any{"{{input.x}}", "literal"},
	}
	out := Resolve(cfg, testScope())

	if out.Map("headers")["X-Region"] != "eu-west" {
		t.Errorf("headers = %v", out["headers"])
	}
	items := out.Slice("items")
	if items[0] != float64(10) || items[1] != "literal" {
		t.Errorf("items = %v", items)
	}
}

func TestResolveLeavesNonTokensAlone(t *testing.T) {
	cfg := value.Map{"plain": "no tokens here", "num": float64(5), "b": true}
	out := Resolve(cfg, testScope())
	if out["plain"] != "no tokens here" || out["num"] != float64(5) || out["b"] != true {
		t.Errorf("out = %v", out)
	}
}

func TestLookupNamespaces(t *testing.T) {
	scope := testScope()

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"input.x", float64(10), true},
		{"trigger.nested.k", "deep", true},
		{"env.region", "eu-west", true},
		{"nodes.fetch.status", float64(200), true},
		{"nodes.fetch.body.y", float64(3), true},
		{"unknown.x", nil, false},
		{"nodes.ghost.x", nil, false},
	}
	for _, tt := range tests {
		got, ok := Lookup(tt.path, scope)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("Lookup(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}
