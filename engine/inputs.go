package engine

import (
	"sort"

	"github.com/aiinpocket/n3n/flow"
	"github.com/aiinpocket/n3n/value"
)

// resolveInputs builds a node's input data from the recorded outputs of
// its upstream nodes. Edges with a target port key the source output
// under that port; the rest deep-merge at the top level. When two edges
// supply the same key, the edge with the lexicographically smaller
// (source, sourceHandle) pair wins.
func resolveInputs(def *flow.Definition, nodeID string, outputs map[string]value.Map) value.Map {
	edges := def.Incoming(nodeID)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].SourceHandle < edges[j].SourceHandle
	})

	input := value.Map{}
	// Merge in descending order so the smallest pair lands last and
	// overwrites on ties.
	for i := len(edges) - 1; i >= 0; i-- {
		e := edges[i]
		out, ok := outputs[e.Source]
		if !ok || out == nil {
			continue
		}
		if e.TargetPort != "" {
			port := input.Map(e.TargetPort)
			if port == nil {
				port = value.Map{}
				input[e.TargetPort] = port
			}
			port.Merge(out)
			continue
		}
		input.Merge(out)
	}
	return input
}
