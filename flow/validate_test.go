package flow

import (
	"strings"
	"testing"
)

func linearDef() *Definition {
	return &Definition{
		FlowID:  "orders",
		Version: 1,
		Nodes: []Node{
			{ID: "start", Type: "manualTrigger"},
			{ID: "fetch", Type: "httpRequest"},
		},
		Edges: []Edge{{Source: "start", Target: "fetch"}},
	}
}

func TestValidateAcceptsLinearFlow(t *testing.T) {
	if err := linearDef().Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:    "duplicate node id",
			mutate:  func(d *Definition) { d.Nodes = append(d.Nodes, Node{ID: "fetch", Type: "noop"}) },
			wantErr: "duplicate node id",
		},
		{
			name:    "edge to unknown node",
			mutate:  func(d *Definition) { d.Edges = append(d.Edges, Edge{Source: "fetch", Target: "ghost"}) },
			wantErr: "unknown target",
		},
		{
			name:    "missing type",
			mutate:  func(d *Definition) { d.Nodes[1].Type = "" },
			wantErr: "type is required",
		},
		{
			name:    "missing flow id",
			mutate:  func(d *Definition) { d.FlowID = "" },
			wantErr: "flow_id",
		},
		{
			name:    "bad version",
			mutate:  func(d *Definition) { d.Version = 0 },
			wantErr: "version",
		},
		{
			name:    "self edge",
			mutate:  func(d *Definition) { d.Edges = append(d.Edges, Edge{Source: "fetch", Target: "fetch"}) },
			wantErr: "self-edge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := linearDef()
			tt.mutate(def)
			err := def.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	def := &Definition{
		FlowID:  "cyclic",
		Version: 1,
		Nodes: []Node{
			{ID: "t", Type: "manualTrigger"},
			{ID: "a", Type: "noop"},
			{ID: "b", Type: "noop"},
			{ID: "c", Type: "noop"},
		},
		Edges: []Edge{
			{Source: "t", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
			{Source: "c", Target: "a"},
		},
	}
	err := def.Validate()
	if err == nil {
		t.Fatal("expected cycle rejection")
	}
	if !strings.Contains(err.Error(), "cycle detected") {
		t.Errorf("error = %v, want cycle detected", err)
	}
}

func TestValidateRequiresTrigger(t *testing.T) {
	// Two nodes pointing at each other is both a cycle and triggerless;
	// the cycle check only runs on otherwise-sane graphs, so build a
	// graph where every node has an incoming edge.
	def := &Definition{
		FlowID:  "no-trigger",
		Version: 1,
		Nodes: []Node{
			{ID: "a", Type: "noop"},
			{ID: "b", Type: "noop"},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	err := def.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no trigger node") {
		t.Errorf("error = %v, want no trigger node", err)
	}
}

func TestTriggerNodes(t *testing.T) {
	def := linearDef()
	triggers := def.TriggerNodes()
	if len(triggers) != 1 || triggers[0].ID != "start" {
		t.Errorf("TriggerNodes = %v", triggers)
	}
}

func TestParseYAML(t *testing.T) {
	src := `
flow_id: greet
version: 2
published: true
nodes:
  - id: start
    type: webhookTrigger
  - id: say
    type: log
    config:
      message: "hello {{trigger.name}}"
      level: info
edges:
  - source: start
    target: say
settings:
  retries: 3
`
	def, err := ParseYAML([]byte(src))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if def.FlowID != "greet" || def.Version != 2 || !def.Published {
		t.Errorf("header = %+v", def)
	}
	say := def.NodeByID("say")
	if say == nil || say.Config.String("message") != "hello {{trigger.name}}" {
		t.Errorf("say = %+v", say)
	}
	if def.Settings.IntOr("retries", 0) != 3 {
		t.Errorf("settings = %v", def.Settings)
	}
}
