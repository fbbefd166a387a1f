// Package flow defines workflow graph definitions and their storage.
// A Definition is an immutable snapshot identified by (flow id, version);
// the engine never mutates one after load.
package flow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aiinpocket/n3n/value"
)

// ErrorPolicy controls what a terminal node failure does to the execution.
type ErrorPolicy string

const (
	// StopOnError fails the execution when the node fails terminally.
	StopOnError ErrorPolicy = "stop"
	// ContinueOnError marks the node failed, treats its output as empty
	// and routes the error handle if the node declares one.
	ContinueOnError ErrorPolicy = "continue"
)

// Node is a single node in a flow definition.
type Node struct {
	ID       string    `json:"id" yaml:"id"`
	Type     string    `json:"type" yaml:"type"`
	Label    string    `json:"label,omitempty" yaml:"label,omitempty"`
	Config   value.Map `json:"config,omitempty" yaml:"config,omitempty"`
	Disabled bool      `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// OnError selects the node-level error policy; empty means stop.
	OnError ErrorPolicy `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	// TimeoutSeconds overrides the dispatcher's default node timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// MaxRetries overrides the handler's retry budget for this node.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Policy returns the effective error policy.
func (n Node) Policy() ErrorPolicy {
	if n.OnError == ContinueOnError {
		return ContinueOnError
	}
	return StopOnError
}

// Edge connects a source node's output handle to a target node. An empty
// SourceHandle is the default handle, which is always live.
type Edge struct {
	Source       string `json:"source" yaml:"source"`
	SourceHandle string `json:"source_handle,omitempty" yaml:"source_handle,omitempty"`
	Target       string `json:"target" yaml:"target"`
	// TargetPort keys the source output under a named input port on the
	// target instead of shallow-merging it.
	TargetPort string `json:"target_port,omitempty" yaml:"target_port,omitempty"`
}

// Definition is an immutable flow snapshot.
type Definition struct {
	FlowID    string    `json:"flow_id" yaml:"flow_id"`
	Version   int       `json:"version" yaml:"version"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Published bool      `json:"published,omitempty" yaml:"published,omitempty"`
	Nodes     []Node    `json:"nodes" yaml:"nodes"`
	Edges     []Edge    `json:"edges,omitempty" yaml:"edges,omitempty"`
	Settings  value.Map `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// VersionID is the composite identifier recorded on executions.
func (d *Definition) VersionID() string {
	return fmt.Sprintf("%s@%d", d.FlowID, d.Version)
}

// ParseVersionID splits a "flowID@version" composite identifier back
// into its parts.
func ParseVersionID(s string) (string, int, error) {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid version id %q", s)
	}
	v, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid version id %q: %w", s, err)
	}
	return s[:i], v, nil
}

// NodeByID returns the node with the given id, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Incoming returns the edges targeting the given node.
func (d *Definition) Incoming(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the edges originating at the given node.
func (d *Definition) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// TriggerNodes returns the nodes with no incoming edges.
func (d *Definition) TriggerNodes() []Node {
	indeg := make(map[string]int, len(d.Nodes))
	for _, e := range d.Edges {
		indeg[e.Target]++
	}
	var out []Node
	for _, n := range d.Nodes {
		if indeg[n.ID] == 0 {
			out = append(out, n)
		}
	}
	return out
}

// ParseYAML decodes a flow definition from YAML and normalizes config
// payloads into the canonical value shape.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse flow definition: %w", err)
	}
	def.normalize()
	return &def, nil
}

// ParseJSON decodes a flow definition from JSON.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse flow definition: %w", err)
	}
	def.normalize()
	return &def, nil
}

func (d *Definition) normalize() {
	for i := range d.Nodes {
		if d.Nodes[i].Config != nil {
			d.Nodes[i].Config = value.Normalize(d.Nodes[i].Config).(value.Map)
		}
	}
	if d.Settings != nil {
		d.Settings = value.Normalize(d.Settings).(value.Map)
	}
}
